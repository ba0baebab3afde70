// Package config loads ohmd settings from flags, environment and
// $HOME/.ohmd.yaml.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Keys known to viper.
const (
	KeyDebug          = "debug"
	KeyPrescription   = "prescription"
	KeyInterval       = "interval"
	KeyMemoryAccessor = "memory.accessor"
	KeyUnwindMode     = "unwind.mode"
	KeyMetricsListen  = "metrics.listen"
	KeyScriptPrelude  = "script.prelude"
)

const (
	envPrefix   = "OHMD"
	defaultName = ".ohmd"
)

// Unwind modes.
const (
	UnwindCFA = "cfa"
	UnwindFP  = "fp"
)

type Config struct {
	Debug        bool    `mapstructure:"debug"`
	Prescription string  `mapstructure:"prescription"`
	Interval     float64 `mapstructure:"interval"` // seconds
	Memory       struct {
		Accessor string `mapstructure:"accessor"`
	} `mapstructure:"memory"`
	Unwind struct {
		Mode string `mapstructure:"mode"`
	} `mapstructure:"unwind"`
	Metrics struct {
		Listen string `mapstructure:"listen"`
	} `mapstructure:"metrics"`
	Script struct {
		Prelude string `mapstructure:"prelude"`
	} `mapstructure:"script"`
}

// New returns a viper instance with defaults and environment binding set up.
// Callers bind their flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyDebug, false)
	v.SetDefault(KeyPrescription, "default.ohm")
	v.SetDefault(KeyInterval, 3.0)
	v.SetDefault(KeyMemoryAccessor, "cma")
	v.SetDefault(KeyUnwindMode, UnwindCFA)
	v.SetDefault(KeyMetricsListen, "")
	v.SetDefault(KeyScriptPrelude, "")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file, or $HOME/.ohmd.yaml when file is empty, into v and
// returns the validated result. A missing default file is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return nil, errors.Wrap(err, "home directory")
		}
		v.AddConfigPath(home)
		v.SetConfigName(defaultName)
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || file != "" {
			return nil, errors.Wrap(err, "read config")
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects settings the sampler cannot run with.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return errors.Errorf("interval must be positive, got %v", c.Interval)
	}
	switch c.Memory.Accessor {
	case "cma", "procmem", "ptrace":
	default:
		return errors.Errorf("unknown memory accessor %q", c.Memory.Accessor)
	}
	switch c.Unwind.Mode {
	case UnwindCFA, UnwindFP:
	default:
		return errors.Errorf("unknown unwind mode %q", c.Unwind.Mode)
	}
	if c.Prescription == "" {
		return errors.New("no prescription file")
	}
	return nil
}

// Period returns the sampling interval.
func (c *Config) Period() time.Duration {
	return time.Duration(c.Interval * float64(time.Second))
}

// PrescriptionPath expands a leading ~ in the prescription path.
func (c *Config) PrescriptionPath() (string, error) {
	p, err := homedir.Expand(c.Prescription)
	if err != nil {
		return "", errors.Wrapf(err, "expand %s", c.Prescription)
	}
	return filepath.Clean(p), nil
}
