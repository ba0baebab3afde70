package inspect

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var compileCmd = &cobra.Command{
	Use:     "compile <probe>...",
	Short:   "show the sampling plan of probe specs",
	Aliases: []string{"c"},
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupProbe,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return errors.New("need probe spec")
		}
		set, errs := CurrentSession.Compiler.CompileAll(args)
		for _, p := range set {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
		for _, err := range errs {
			fmt.Fprintf(cmd.OutOrStdout(), "dropped: %v\n", err)
		}
		return nil
	},
}

var exitCmd = &cobra.Command{
	Use:     "exit",
	Short:   "leave the inspection session",
	Aliases: []string{"quit", "q"},
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupOthers,
	},
	Run: func(cmd *cobra.Command, args []string) {
		CurrentSession.Stop()
	},
}

func init() {
	inspectRootCmd.AddCommand(compileCmd, exitCmd)
}
