/*
Copyright © 2021 hit.zhangjie@gmail.com

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
	"debug/elf"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/hitzhangjie/ohmd/pkg/debuginfo/elfdwarf"
	"github.com/hitzhangjie/ohmd/pkg/loader"
	"github.com/hitzhangjie/ohmd/pkg/probe"
	"github.com/hitzhangjie/ohmd/pkg/sampler"
	"github.com/hitzhangjie/ohmd/pkg/script"
	"github.com/hitzhangjie/ohmd/pkg/stack"
	"github.com/hitzhangjie/ohmd/pkg/target"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// doctor holds everything prepared before the target is started: its debug
// info, the prescription and the compiled probes.
type doctor struct {
	exe    *elfdwarf.File
	loaded *loader.Result
	script *script.Script
	probes probe.Set
}

// openExecutable loads the debug info of the x86-64 executable at path.
func openExecutable(path string) (*elfdwarf.File, *loader.Result, error) {
	f, err := elfdwarf.Open(path)
	if err != nil {
		return nil, nil, err
	}
	if f.Machine() != elf.EM_X86_64 {
		f.Close()
		return nil, nil, errors.Errorf("%s: unsupported machine %s", path, f.Machine())
	}
	if f.PositionIndependent() {
		f.Close()
		return nil, nil, errors.Errorf("%s: position independent executable, rebuild with -no-pie", path)
	}

	res, err := loader.Load(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if n := res.SkipCount(); n > 0 {
		log.WithField("skipped", n).Debugf("declarations skipped: %v", res.Skipped)
	}
	return f, res, nil
}

func newDoctor(path string) (*doctor, error) {
	f, res, err := openExecutable(path)
	if err != nil {
		return nil, err
	}

	rx, err := cfg.PrescriptionPath()
	if err != nil {
		f.Close()
		return nil, err
	}
	var opts []script.Option
	if cfg.Script.Prelude != "" {
		opts = append(opts, script.WithPrelude(cfg.Script.Prelude))
	}
	sc, err := script.Load(rx, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}

	set, errs := probe.NewCompiler(res.Types, res.Symbols).CompileAll(sc.Probes())
	if len(errs) > 0 {
		log.Warnf("%d of %d probes dropped", len(errs), len(sc.Probes()))
	}
	if len(set) == 0 {
		log.Warn("no probe compiled, ticks will be empty")
	}
	for _, p := range set {
		log.WithField("probe", p.Name).Debug(p)
	}
	return &doctor{exe: f, loaded: res, script: sc, probes: set}, nil
}

// Close releases what the sampler did not take over.
func (d *doctor) Close() error {
	return d.exe.Close()
}

// unwinder walks executable frames by call frame information, or by frame
// pointers in fp mode. Shared library frames always use the .eh_frame of
// their objects, as libraries rarely keep frame pointers.
func (d *doctor) unwinder(mem target.Memory, pid int) stack.Unwinder {
	guard := stack.NewPrologueGuard(d.exe, d.loaded.Symbols)
	fp := &stack.FramePointerUnwinder{Mem: mem, Prologue: guard}

	var tables stack.FrameTables
	if cfg.Unwind.Mode != "fp" {
		fdes, err := d.exe.FrameEntries()
		if err != nil {
			log.Warnf("no call frame information, unwinding with frame pointers: %v", err)
		} else {
			tables = append(tables, fdes)
		}
	}

	self, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		self = d.exe.Path
	}
	mods, err := target.NewModules(pid, self)
	if err != nil {
		log.Warnf("no unwind tables for shared libraries: %v", err)
	} else {
		tables = append(tables, mods)
	}

	if len(tables) == 0 {
		return fp
	}
	return stack.NewCFAUnwinder(tables, mem, guard)
}

// run starts the target through start and samples it until ctx ends or it
// exits. The sampler is Attaching while the target is started and set up,
// any failure there drains it straight to Terminated.
func (d *doctor) run(ctx context.Context, start func() (*target.TracedProcess, error)) error {
	reg := prometheus.NewRegistry()
	s := sampler.New(nil, nil, nil, d.probes, d.script, cfg.Period(), sampler.WithRegistry(reg))

	proc, err := start()
	if err != nil {
		return s.Abort(err)
	}
	s.Process = proc
	logger := log.WithField("pid", proc.Pid())

	mem, err := target.NewMemory(cfg.Memory.Accessor, proc)
	if err != nil {
		return s.Abort(err)
	}
	s.Memory = mem
	s.Resolver = stack.NewResolver(d.loaded.Symbols, d.unwinder(mem, proc.Pid()))

	if cfg.Metrics.Listen != "" {
		srv := serveMetrics(cfg.Metrics.Listen, reg)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	logger.Infof("sampling %d probes every %s", len(d.probes), cfg.Period())
	err = s.Run(ctx)
	logger.Infof("%d ticks sampled", s.Ticks())
	return err
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server: %v", err)
		}
	}()
	return srv
}
