package script

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/hitzhangjie/ohmd/pkg/probe"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

var table = probe.Table{
	{Name: "counter", Value: probe.NumberValue(3)},
	{Name: "name", Value: probe.StringValue("abc")},
	{Name: "arr[0:2]", Value: probe.Value{Kind: probe.List, Items: []probe.Value{probe.NumberValue(1), probe.NumberValue(2)}}},
	{Name: "p->pos", Value: probe.Value{
		Kind:   probe.Record,
		Fields: []string{"y", "x"},
		Items:  []probe.Value{probe.NumberValue(2), probe.NumberValue(1)},
	}},
}

func TestProbeOrder(t *testing.T) {
	s, err := LoadString(`probes = { "b", "a", ["z"] = true, ["c"] = 1 }`)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, []string{"b", "a", "c", "z"}, s.Probes())
}

func TestMissingProbes(t *testing.T) {
	_, err := LoadString(`x = 1`)
	assert.Error(t, err)

	_, err = LoadString(`probes = {`)
	assert.Error(t, err)
}

func TestDefaultAdd(t *testing.T) {
	var out bytes.Buffer
	s, err := LoadString(`probes = { "counter" }`, WithOutput(&out))
	require.NoError(t, err)

	require.NoError(t, s.Emit(7, table))
	require.NoError(t, s.Emit(8, table[:1]))
	require.NoError(t, s.Close())

	assert.Equal(t,
		"7 counter=3 name=abc arr[0:2]={1, 2} p->pos={x=1, y=2}\n"+
			"8 counter=3\n",
		out.String())
}

func TestCustomAdd(t *testing.T) {
	s, err := LoadString(`
probes = { "counter" }
seen = {}
function ohm_add(tbl, tick)
  seen[#seen + 1] = tick .. ":" .. tbl.counter .. ":" .. tbl["arr[0:2]"][2] .. ":" .. tbl["p->pos"].x
end
`)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Emit(1, table))
	seen := s.L.GetGlobal("seen").(*lua.LTable)
	assert.Equal(t, "1:3:2:1", seen.RawGetInt(1).String())
}

func TestNoAdd(t *testing.T) {
	s, err := LoadString(`probes = {}; ohm_add = nil`)
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.Emit(1, table))
}

func TestAddErrorIsReturned(t *testing.T) {
	s, err := LoadString(`probes = {}; function ohm_add() error("boom") end`)
	require.NoError(t, err)
	defer s.Close()
	hook := test.NewGlobal()
	defer hook.Reset()

	err = s.Emit(1, table)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "tick 1")
	assert.Empty(t, hook.AllEntries(), "the caller logs the error")
	// the state survives a failing call
	assert.Error(t, s.Emit(2, table))
}

func TestFinish(t *testing.T) {
	var out bytes.Buffer
	s, err := LoadString(`probes = {}; function ohm_finish() ohm_write("bye") end`, WithOutput(&out))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.Equal(t, "bye\n", out.String())
}

func TestLoadFiles(t *testing.T) {
	dir := t.TempDir()
	prelude := filepath.Join(dir, "prelude.lua")
	rx := filepath.Join(dir, "rx.ohm")
	require.NoError(t, os.WriteFile(prelude, []byte(`function ohm_add(t, tick) ohm_write("custom " .. tick) end`), 0o644))
	require.NoError(t, os.WriteFile(rx, []byte(`probes = { "x" }`), 0o644))

	var out bytes.Buffer
	s, err := Load(rx, WithPrelude(prelude), WithOutput(&out))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, []string{"x"}, s.Probes())
	require.NoError(t, s.Emit(4, nil))
	assert.Equal(t, "custom 4\n", out.String())

	_, err = Load(filepath.Join(dir, "missing.ohm"))
	assert.Error(t, err)
}

func TestCollectSink(t *testing.T) {
	c := &CollectSink{}
	require.NoError(t, c.Emit(1, table))
	require.NoError(t, c.Emit(2, table[1:]))

	vals, ok := c.Values("counter")
	assert.Equal(t, []bool{true, false}, ok)
	assert.Equal(t, 3.0, vals[0].Num)
	assert.Len(t, c.Reports(), 2)

	require.NoError(t, c.Close())
	assert.True(t, c.Closed())
}
