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
	"fmt"
	"strconv"

	"github.com/hitzhangjie/ohmd/pkg/target"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// attachCmd represents the attach command
var attachCmd = &cobra.Command{
	Use:   "attach <pid>",
	Short: "sample a running process",
	Long: `Attach to a running process and sample the probes of the
prescription. Debug info is read from /proc/<pid>/exe. The process keeps
running after ohmd detaches.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := strconv.Atoi(args[0])
		if err != nil || pid <= 0 {
			return errors.Errorf("%s: invalid pid", args[0])
		}

		d, err := newDoctor(fmt.Sprintf("/proc/%d/exe", pid))
		if err != nil {
			return err
		}
		defer d.Close()

		return d.run(cmd.Context(), func() (*target.TracedProcess, error) {
			return target.Attach(pid)
		})
	},
}

func init() {
	rootCmd.AddCommand(attachCmd)
}
