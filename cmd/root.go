/*
Copyright © 2020 hit.zhangjie@gmail.com

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"os"

	"github.com/hitzhangjie/ohmd/pkg/config"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	vip     = config.New()
	cfg     *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ohmd",
	Short: "sample live variables of a running program",
	Long: `ohmd periodically stops a program, reads the variables named in a
prescription file out of its memory and hands them to a Lua script.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(vip, cfgFile)
		if err != nil {
			return err
		}
		cfg = c
		setupLogging(cfg.Debug)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen once
// to the rootCmd.
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func setupLogging(debug bool) {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)
	if debug {
		log.SetLevel(log.DebugLevel)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.ohmd.yaml)")
	pf.BoolP("debug", "D", false, "enable debug logging")
	pf.StringP("prescription", "o", "default.ohm", "prescription file naming the probes")
	pf.Float64P("interval", "i", 3, "sampling interval in seconds")
	pf.String("accessor", "cma", "memory accessor: cma, procmem or ptrace")
	pf.String("unwind", config.UnwindCFA, "stack unwinding: cfa or fp")
	pf.String("metrics", "", "serve prometheus metrics on this address")
	pf.String("prelude", "", "Lua file run instead of the builtin prelude")

	for key, flag := range map[string]string{
		config.KeyDebug:          "debug",
		config.KeyPrescription:   "prescription",
		config.KeyInterval:       "interval",
		config.KeyMemoryAccessor: "accessor",
		config.KeyUnwindMode:     "unwind",
		config.KeyMetricsListen:  "metrics",
		config.KeyScriptPrelude:  "prelude",
	} {
		if err := vip.BindPFlag(key, pf.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}
