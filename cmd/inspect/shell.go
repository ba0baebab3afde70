package inspect

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/hitzhangjie/ohmd/pkg/probe"
	"github.com/hitzhangjie/ohmd/pkg/symbol"
	"github.com/hitzhangjie/ohmd/pkg/types"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
)

const (
	cmdGroupAnnotation = "cmd_group_annotation"

	cmdGroupCatalog = "1-catalog"
	cmdGroupProbe   = "2-probe"
	cmdGroupOthers  = "3-other"
	cmdGroupCobra   = "other"

	cmdGroupDelimiter = "-"

	prefix    = "ohmd> "
	descShort = "ohmd interactive inspection commands"
)

var inspectRootCmd = &cobra.Command{
	Use:          "help [command]",
	Short:        descShort,
	SilenceUsage: true,
}

var (
	CurrentSession *InspectSession
)

// SourceLiner tells where code at pc came from.
type SourceLiner interface {
	Where(pc uint64) string
}

// InspectSession browses the catalogs built from a program's debug info.
type InspectSession struct {
	done   chan bool
	prefix string
	root   *cobra.Command
	liner  *liner.State
	last   string

	Types    *types.Catalog
	Symbols  *symbol.Table
	Compiler *probe.Compiler
	// Lines is optional, it adds source positions to function listings.
	Lines SourceLiner

	defers []func()
}

// NewInspectSession creates a session over the given catalogs and makes it
// the current one.
func NewInspectSession(c *types.Catalog, t *symbol.Table) *InspectSession {
	fn := func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, cmd.Short)
		fmt.Fprintln(out)
		fmt.Fprintln(out, cmd.Use)
		fmt.Fprintln(out, cmd.Flags().FlagUsages())
		fmt.Fprintln(out, helpMessageByGroups(cmd))
	}
	inspectRootCmd.SetHelpFunc(fn)

	CurrentSession = &InspectSession{
		done:     make(chan bool),
		prefix:   prefix,
		root:     inspectRootCmd,
		Types:    c,
		Symbols:  t,
		Compiler: probe.NewCompiler(c, t),
	}
	return CurrentSession
}

// SetOutput redirects command output.
func (s *InspectSession) SetOutput(w io.Writer) {
	s.root.SetOut(w)
	s.root.SetErr(w)
}

// Exec runs one command line. An empty line repeats the last command.
func (s *InspectSession) Exec(txt string) error {
	txt = strings.TrimSpace(txt)
	if len(txt) == 0 {
		txt = s.last
	}
	if len(txt) == 0 {
		return nil
	}
	s.last = txt

	s.root.SetArgs(strings.Fields(txt))
	return s.root.Execute()
}

// Start reads commands from the terminal until exit or end of input.
func (s *InspectSession) Start() {
	s.liner = liner.NewLiner()
	s.liner.SetCompleter(completer)
	s.liner.SetTabCompletionStyle(liner.TabPrints)

	defer func() {
		s.liner.Close()
		for idx := len(s.defers) - 1; idx >= 0; idx-- {
			s.defers[idx]()
		}
	}()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		txt, err := s.liner.Prompt(s.prefix)
		if err != nil {
			// ctrl-d or ctrl-c
			return
		}
		if strings.TrimSpace(txt) != "" {
			s.liner.AppendHistory(txt)
		}
		_ = s.Exec(txt)
	}
}

func (s *InspectSession) AtExit(fn func()) *InspectSession {
	s.defers = append(s.defers, fn)
	return s
}

// Stop ends Start after the current command.
func (s *InspectSession) Stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// Stopped reports whether Stop was called.
func (s *InspectSession) Stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func completer(line string) []string {
	cmds := []string{}
	for _, c := range inspectRootCmd.Commands() {
		// complete cmd
		if strings.HasPrefix(c.Use, line) {
			cmds = append(cmds, strings.Split(c.Use, " ")[0])
		}
		// complete cmd's aliases
		for _, alias := range c.Aliases {
			if strings.HasPrefix(alias, line) {
				cmds = append(cmds, alias)
			}
		}
	}
	return cmds
}

// helpMessageByGroups lists commands by their group annotation, groups and
// commands within a group sorted by name.
func helpMessageByGroups(cmd *cobra.Command) string {

	// key:group, val:sorted commands in same group
	groups := map[string][]string{}
	for _, c := range cmd.Commands() {
		groupName, ok := c.Annotations[cmdGroupAnnotation]
		if !ok {
			groupName = cmdGroupCobra
		}
		groupCmds := append(groups[groupName], fmt.Sprintf("  %-16s:%s", c.Name(), c.Short))
		sort.Strings(groupCmds)
		groups[groupName] = groupCmds
	}

	if len(groups[cmdGroupCobra]) != 0 {
		groups[cmdGroupOthers] = append(groups[cmdGroupOthers], groups[cmdGroupCobra]...)
	}
	delete(groups, cmdGroupCobra)

	groupNames := []string{}
	for k := range groups {
		groupNames = append(groupNames, k)
	}
	sort.Strings(groupNames)

	buf := bytes.Buffer{}
	for _, groupName := range groupNames {
		group := strings.Split(groupName, cmdGroupDelimiter)[1]
		buf.WriteString(fmt.Sprintf("- [%s]\n", group))
		for _, cmd := range groups[groupName] {
			buf.WriteString(fmt.Sprintf("%s\n", cmd))
		}
		buf.WriteString("\n")
	}
	return buf.String()
}
