package target

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-delve/delve/pkg/dwarf/frame"
	"github.com/hitzhangjie/ohmd/pkg/debuginfo/elfdwarf"
	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	log "github.com/sirupsen/logrus"
)

// modulesRescan limits how often an unknown pc rereads the mappings.
const modulesRescan = 500 * time.Millisecond

// Modules indexes the unwind tables of every object mapped executable in a
// process, shared libraries included. A pc outside every known mapping
// makes it read the mappings again, so objects loaded after launch are
// picked up.
type Modules struct {
	pid     int
	exclude map[string]bool
	maps    func() ([]*procfs.ProcMap, error)
	open    func(path string, start, offset uint64) (frame.FrameDescriptionEntries, error)

	mu     sync.Mutex
	known  []Segment
	loaded map[string]bool
	fdes   frame.FrameDescriptionEntries
	last   time.Time
}

// NewModules returns the unwind tables of pid. Objects at the exclude paths
// are never loaded, their pcs miss.
func NewModules(pid int, exclude ...string) (*Modules, error) {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return nil, errors.Wrapf(err, "process %d", pid)
	}
	m := newModules(pid, p.ProcMaps, elfdwarf.ModuleFrames, exclude...)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.rescan(); err != nil {
		return nil, err
	}
	return m, nil
}

func newModules(pid int,
	maps func() ([]*procfs.ProcMap, error),
	open func(string, uint64, uint64) (frame.FrameDescriptionEntries, error),
	exclude ...string) *Modules {

	m := &Modules{
		pid:     pid,
		exclude: map[string]bool{},
		maps:    maps,
		open:    open,
		loaded:  map[string]bool{},
	}
	for _, p := range exclude {
		m.exclude[p] = true
	}
	return m
}

// FDEForPC returns the frame description entry covering pc.
func (m *Modules) FDEForPC(pc uint64) (*frame.FrameDescriptionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fde, err := m.fdes.FDEForPC(pc)
	if err == nil || m.mapped(pc) || time.Since(m.last) < modulesRescan {
		return fde, err
	}
	if err := m.rescan(); err != nil {
		log.WithField("pid", m.pid).Debugf("modules: %v", err)
	}
	return m.fdes.FDEForPC(pc)
}

// Objects returns the paths of the objects whose tables are loaded.
func (m *Modules) Objects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var paths []string
	for p := range m.loaded {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (m *Modules) mapped(pc uint64) bool {
	for _, s := range m.known {
		if s.contains(pc) {
			return true
		}
	}
	return false
}

// rescan records the executable mappings not seen before and loads the
// tables of their objects.
func (m *Modules) rescan() error {
	m.last = time.Now()
	maps, err := m.maps()
	if err != nil {
		return errors.Wrapf(err, "maps of %d", m.pid)
	}

	var added frame.FrameDescriptionEntries
	for _, pm := range maps {
		if pm.Perms == nil || !pm.Perms.Execute || !strings.HasPrefix(pm.Pathname, "/") {
			continue
		}
		seg := Segment{Start: uint64(pm.StartAddr), End: uint64(pm.EndAddr), Name: pm.Pathname}
		if m.mapped(seg.Start) {
			continue
		}
		m.known = append(m.known, seg)
		if m.exclude[pm.Pathname] || m.loaded[pm.Pathname] {
			continue
		}

		logger := log.WithField("pid", m.pid)
		fdes, err := m.open(pm.Pathname, seg.Start, uint64(pm.Offset))
		if err != nil {
			logger.Debugf("no unwind table for %s: %v", seg, err)
			continue
		}
		m.loaded[pm.Pathname] = true
		added = append(added, fdes...)
		logger.Debugf("loaded %d frame entries of %s", len(fdes), seg)
	}
	if len(added) == 0 {
		return nil
	}

	all := make(frame.FrameDescriptionEntries, 0, len(m.fdes)+len(added))
	all = append(append(all, m.fdes...), added...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Begin() < all[j].Begin() })
	m.fdes = all
	return nil
}
