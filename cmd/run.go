/*
Copyright © 2020 NAME HERE <EMAIL ADDRESS>

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
	"github.com/hitzhangjie/ohmd/pkg/target"
	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <program> [args...]",
	Short: "launch a program and sample it",
	Long: `Launch a program under trace and sample the probes of the
prescription until it exits or ohmd is interrupted. The program is killed
when sampling stops.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDoctor(args[0])
		if err != nil {
			return err
		}
		defer d.Close()

		// start tracee and wait tracee stopped
		return d.run(cmd.Context(), func() (*target.TracedProcess, error) {
			return target.Launch(args[0], args[1:])
		})
	},
}

func init() {
	// everything after the program belongs to it
	runCmd.Flags().SetInterspersed(false)
	rootCmd.AddCommand(runCmd)
}
