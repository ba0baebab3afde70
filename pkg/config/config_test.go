package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	// every test points HOME somewhere else
	homedir.DisableCache = true
}

func TestDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	c, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "default.ohm", c.Prescription)
	assert.Equal(t, 3*time.Second, c.Period())
	assert.Equal(t, "cma", c.Memory.Accessor)
	assert.Equal(t, UnwindCFA, c.Unwind.Mode)
	assert.Empty(t, c.Metrics.Listen)
	assert.False(t, c.Debug)
}

func TestLoadFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	yaml := "interval: 0.5\nprescription: ~/probes.ohm\nmemory:\n  accessor: procmem\nunwind:\n  mode: fp\n"
	require.NoError(t, os.WriteFile(filepath.Join(home, ".ohmd.yaml"), []byte(yaml), 0o644))

	c, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, c.Period())
	assert.Equal(t, "procmem", c.Memory.Accessor)
	assert.Equal(t, UnwindFP, c.Unwind.Mode)

	p, err := c.PrescriptionPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "probes.ohm"), p)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("OHMD_MEMORY_ACCESSOR", "ptrace")
	t.Setenv("OHMD_INTERVAL", "2")

	c, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "ptrace", c.Memory.Accessor)
	assert.Equal(t, 2*time.Second, c.Period())
}

func TestExplicitFileMustExist(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := &Config{Prescription: "a.ohm", Interval: 1}
		c.Memory.Accessor = "cma"
		c.Unwind.Mode = UnwindCFA
		return c
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero interval", func(c *Config) { c.Interval = 0 }},
		{"negative interval", func(c *Config) { c.Interval = -1 }},
		{"accessor", func(c *Config) { c.Memory.Accessor = "xpmem" }},
		{"unwind", func(c *Config) { c.Unwind.Mode = "guess" }},
		{"prescription", func(c *Config) { c.Prescription = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
