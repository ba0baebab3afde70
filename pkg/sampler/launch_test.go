package sampler

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hitzhangjie/ohmd/pkg/debuginfo/elfdwarf"
	"github.com/hitzhangjie/ohmd/pkg/loader"
	"github.com/hitzhangjie/ohmd/pkg/probe"
	"github.com/hitzhangjie/ohmd/pkg/script"
	"github.com/hitzhangjie/ohmd/pkg/stack"
	"github.com/hitzhangjie/ohmd/pkg/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildSleeper compiles testdata/sleeper.c, whose work() spends nearly all
// its time inside usleep.
func buildSleeper(t *testing.T) string {
	if testing.Short() {
		t.Skip("builds and traces a C program")
	}
	cc, err := exec.LookPath("cc")
	if err != nil {
		t.Skip("no C compiler")
	}
	bin := filepath.Join(t.TempDir(), "sleeper")
	out, err := exec.Command(cc, "-g", "-O0", "-no-pie", "-fno-omit-frame-pointer",
		"-o", bin, filepath.Join("testdata", "sleeper.c")).CombinedOutput()
	if err != nil {
		t.Skipf("build sleeper: %v\n%s", err, out)
	}
	return bin
}

func TestLaunchedCallerOfLibrary(t *testing.T) {
	bin := buildSleeper(t)

	f, err := elfdwarf.Open(bin)
	require.NoError(t, err)
	defer f.Close()
	res, err := loader.Load(f)
	require.NoError(t, err)
	set, errs := probe.NewCompiler(res.Types, res.Symbols).CompileAll([]string{"count", "work", "work.local"})
	require.Empty(t, errs)

	for _, mode := range []string{"cfa", "fp"} {
		t.Run(mode, func(t *testing.T) {
			proc, err := target.Launch(bin, nil)
			if err != nil {
				t.Skipf("ptrace unavailable: %v", err)
			}
			mem, err := target.NewMemory(target.AccessorProcMem, proc)
			if err != nil {
				_ = proc.Terminate()
				_ = proc.Reap()
				t.Fatalf("memory: %v", err)
			}

			var tables stack.FrameTables
			if mode == "cfa" {
				fdes, err := f.FrameEntries()
				require.NoError(t, err)
				tables = append(tables, fdes)
			}
			mods, err := target.NewModules(proc.Pid(), bin)
			require.NoError(t, err)
			tables = append(tables, mods)
			guard := stack.NewPrologueGuard(f, res.Symbols)
			resolver := stack.NewResolver(res.Symbols, stack.NewCFAUnwinder(tables, mem, guard))

			sink := &script.CollectSink{}
			s := New(proc, mem, resolver, set, sink, 50*time.Millisecond)
			ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
			defer cancel()
			require.NoError(t, s.Run(ctx))
			require.NotEmpty(t, sink.Reports())

			// once libc is loaded, nearly every tick stops inside usleep
			var inWork int
			for _, r := range sink.Reports() {
				v, ok := r.Table.Get("work")
				if !ok || v.Num != 1 {
					continue
				}
				inWork++
				local, ok := r.Table.Get("work.local")
				if assert.True(t, ok, "tick %d: work.local missing while work is active", r.Tick) {
					assert.Equal(t, 7.0, float64(int64(local.Num)%10), "tick %d: work.local = %v", r.Tick, local.Num)
				}
			}
			assert.Greater(t, inWork, len(sink.Reports())/2, "work is active while blocked in usleep")
			var libc bool
			for _, o := range mods.Objects() {
				libc = libc || strings.Contains(filepath.Base(o), "libc")
			}
			assert.True(t, libc, "libc tables loaded: %v", mods.Objects())
		})
	}
}
