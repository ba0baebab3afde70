package inspect

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func pattern(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

var typesCmd = &cobra.Command{
	Use:     "types [substring]",
	Short:   "list imported types",
	Aliases: []string{"t"},
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupCatalog,
	},
	Run: func(cmd *cobra.Command, args []string) {
		c := CurrentSession.Types
		pat := pattern(args)
		for _, t := range c.Types() {
			if !strings.Contains(t.Name, pat) {
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%#-8x %-8s %-24s %d\n", t.ID, t.Kind, t.Name, c.ResolvedSize(t))
		}
	},
}

var varsCmd = &cobra.Command{
	Use:     "vars [substring]",
	Short:   "list variables, locals as function.name",
	Aliases: []string{"v"},
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupCatalog,
	},
	Run: func(cmd *cobra.Command, args []string) {
		pat := pattern(args)
		for _, v := range CurrentSession.Symbols.Variables() {
			if strings.Contains(v.Name, pat) {
				fmt.Fprintln(cmd.OutOrStdout(), v)
			}
		}
	},
}

var funcsCmd = &cobra.Command{
	Use:     "funcs [substring]",
	Short:   "list functions and their address ranges",
	Aliases: []string{"f"},
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupCatalog,
	},
	Run: func(cmd *cobra.Command, args []string) {
		pat := pattern(args)
		lines := CurrentSession.Lines
		for _, f := range CurrentSession.Symbols.Functions() {
			if !strings.Contains(f.Name, pat) {
				continue
			}
			if lines != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s at %s\n", f, lines.Where(f.LowPC))
				continue
			}
			fmt.Fprintln(cmd.OutOrStdout(), f)
		}
	},
}

func init() {
	inspectRootCmd.AddCommand(typesCmd, varsCmd, funcsCmd)
}
