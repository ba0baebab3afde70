// Package script runs the Lua prescription: it names the probes to sample
// and receives every tick's values through ohm_add.
package script

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/hitzhangjie/ohmd/pkg/probe"
	"github.com/pkg/errors"
	lua "github.com/yuin/gopher-lua"
)

//go:embed ohm.lua
var defaultPrelude string

const (
	fnAdd    = "ohm_add"
	fnFinish = "ohm_finish"
	fnWrite  = "ohm_write"
	global   = "probes"
)

// Script is a loaded prescription. It is not safe for concurrent use.
type Script struct {
	L       *lua.LState
	out     io.Writer
	prelude string // path, empty for the embedded one
	probes  []string
}

type Option func(*Script)

// WithOutput redirects ohm_write, which the default ohm_add prints with.
func WithOutput(w io.Writer) Option {
	return func(s *Script) { s.out = w }
}

// WithPrelude runs the file at path instead of the embedded prelude.
func WithPrelude(path string) Option {
	return func(s *Script) { s.prelude = path }
}

// Load runs the prelude and then the prescription file at path.
func Load(path string, opts ...Option) (*Script, error) {
	return load(func(L *lua.LState) error { return L.DoFile(path) }, path, opts)
}

// LoadString is Load with the prescription given as source.
func LoadString(src string, opts ...Option) (*Script, error) {
	return load(func(L *lua.LState) error { return L.DoString(src) }, "<string>", opts)
}

func load(run func(*lua.LState) error, name string, opts []Option) (*Script, error) {
	s := &Script{L: lua.NewState(), out: os.Stdout}
	for _, o := range opts {
		o(s)
	}
	s.L.SetGlobal(fnWrite, s.L.NewFunction(s.write))

	var err error
	if s.prelude != "" {
		err = s.L.DoFile(s.prelude)
	} else {
		err = s.L.DoString(defaultPrelude)
	}
	if err != nil {
		s.L.Close()
		return nil, errors.Wrap(err, "run prelude")
	}
	if err := run(s.L); err != nil {
		s.L.Close()
		return nil, errors.Wrapf(err, "run prescription %s", name)
	}

	tbl, ok := s.L.GetGlobal(global).(*lua.LTable)
	if !ok {
		s.L.Close()
		return nil, errors.Errorf("prescription %s defines no %s table", name, global)
	}
	s.probes = probeNames(tbl)
	return s, nil
}

// probeNames lists the array part in index order, then the string keys of
// the hash part sorted.
func probeNames(tbl *lua.LTable) []string {
	var names []string
	n := tbl.Len()
	for i := 1; i <= n; i++ {
		if s, ok := tbl.RawGetInt(i).(lua.LString); ok {
			names = append(names, string(s))
		}
	}
	var keyed []string
	tbl.ForEach(func(k, _ lua.LValue) {
		if s, ok := k.(lua.LString); ok {
			keyed = append(keyed, string(s))
		}
	})
	sort.Strings(keyed)
	return append(names, keyed...)
}

// Probes returns the probe specs the prescription asks for.
func (s *Script) Probes() []string {
	return s.probes
}

func (s *Script) write(L *lua.LState) int {
	fmt.Fprintln(s.out, L.CheckString(1))
	return 0
}

// Emit hands one tick to ohm_add(tbl, tick, keys). Without an ohm_add it
// does nothing.
func (s *Script) Emit(tick uint64, t probe.Table) error {
	fn, ok := s.L.GetGlobal(fnAdd).(*lua.LFunction)
	if !ok {
		return nil
	}

	tbl := s.L.NewTable()
	keys := s.L.NewTable()
	for _, e := range t {
		tbl.RawSetString(e.Name, s.value(e.Value))
		keys.Append(lua.LString(e.Name))
	}

	err := s.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, tbl, lua.LNumber(tick), keys)
	if err != nil {
		return errors.Wrapf(err, "%s at tick %d", fnAdd, tick)
	}
	return nil
}

func (s *Script) value(v probe.Value) lua.LValue {
	switch v.Kind {
	case probe.Number:
		return lua.LNumber(v.Num)
	case probe.String:
		return lua.LString(v.Str)
	case probe.List:
		t := s.L.CreateTable(len(v.Items), 0)
		for i, it := range v.Items {
			t.RawSetInt(i+1, s.value(it))
		}
		return t
	case probe.Record:
		t := s.L.CreateTable(0, len(v.Items))
		for i, it := range v.Items {
			t.RawSetString(v.Fields[i], s.value(it))
		}
		return t
	}
	return lua.LNil
}

// Close calls ohm_finish when the prescription defines it and releases the
// Lua state.
func (s *Script) Close() error {
	defer s.L.Close()
	fn, ok := s.L.GetGlobal(fnFinish).(*lua.LFunction)
	if !ok {
		return nil
	}
	return errors.Wrap(s.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}), fnFinish)
}
