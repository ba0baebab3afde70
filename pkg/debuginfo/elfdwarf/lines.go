package elfdwarf

import (
	"debug/dwarf"
	"fmt"
	"io"
	"sort"

	log "github.com/sirupsen/logrus"
)

// lineRow is one row of the line number program.
type lineRow struct {
	addr uint64
	file string
	line int
	end  bool // first address after a sequence
}

// lineTable is every row of every compile unit, sorted by address.
type lineTable []lineRow

// lookup returns the row covering pc.
func (t lineTable) lookup(pc uint64) (lineRow, bool) {
	i := sort.Search(len(t), func(i int) bool { return t[i].addr > pc })
	if i == 0 {
		return lineRow{}, false
	}
	r := t[i-1]
	if r.end {
		return lineRow{}, false
	}
	return r, true
}

// SourceLine returns the file and line pc was compiled from.
//
// see DWARFv4 6.2 Line Number Information.
func (f *File) SourceLine(pc uint64) (string, int, bool) {
	f.linesOnce.Do(func() {
		f.lines = f.readLines()
	})
	r, ok := f.lines.lookup(pc)
	return r.file, r.line, ok
}

// Where formats SourceLine as file:line, or "?" when pc has no line.
func (f *File) Where(pc uint64) string {
	file, line, ok := f.SourceLine(pc)
	if !ok {
		return "?"
	}
	return fmt.Sprintf("%s:%d", file, line)
}

func (f *File) readLines() lineTable {
	var rows lineTable
	rd := f.dwarf.Reader()
	for {
		entry, err := rd.Next()
		if err != nil {
			log.Debugf("read compile units: %v", err)
			break
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			rd.SkipChildren()
			continue
		}
		lr, err := f.dwarf.LineReader(entry)
		if err != nil || lr == nil {
			rd.SkipChildren()
			continue
		}
		rows = append(rows, unitLines(lr)...)
		rd.SkipChildren()
	}
	// a sequence may start where another ends
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].addr != rows[j].addr {
			return rows[i].addr < rows[j].addr
		}
		return rows[i].end && !rows[j].end
	})
	return rows
}

// unitLines scans the line section of one compile unit. One unit may span
// several source files.
func unitLines(lr *dwarf.LineReader) []lineRow {
	var (
		rows  []lineRow
		entry dwarf.LineEntry
	)
	for {
		err := lr.Next(&entry)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Debugf("read line table: %v", err)
			break
		}
		if entry.File == nil {
			continue
		}
		rows = append(rows, lineRow{
			addr: entry.Address,
			file: entry.File.Name,
			line: entry.Line,
			end:  entry.EndSequence,
		})
	}
	return rows
}
