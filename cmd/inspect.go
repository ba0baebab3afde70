/*
Copyright © 2021 NAME HERE <EMAIL ADDRESS>

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
	"github.com/hitzhangjie/ohmd/cmd/inspect"
	"github.com/spf13/cobra"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <program>",
	Short: "browse the types, variables and functions of a program",
	Long: `Load the debug info of a program without running it and browse
what probes can name. Use "compile" to check probe specs before sampling.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, res, err := openExecutable(args[0])
		if err != nil {
			return err
		}
		sess := inspect.NewInspectSession(res.Types, res.Symbols)
		sess.Lines = f
		sess.AtExit(func() { f.Close() }).Start()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
