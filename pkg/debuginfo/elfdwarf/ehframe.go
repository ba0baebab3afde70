package elfdwarf

import (
	"debug/elf"

	"github.com/go-delve/delve/pkg/dwarf/frame"
	"github.com/pkg/errors"
)

// LoadBias returns how far an object is moved from its link addresses, given
// one of its mappings: the mapping starts at start and maps the file from
// offset. Fixed position executables have a zero bias.
func LoadBias(ef *elf.File, start, offset uint64) (uint64, error) {
	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD || offset < p.Off || offset >= p.Off+p.Filesz {
			continue
		}
		return start - (p.Vaddr - p.Off + offset), nil
	}
	return 0, errors.Errorf("no load segment maps file offset %#x", offset)
}

// ModuleFrames parses the .eh_frame of a shared object or executable mapped
// at start from file offset, relocated by its load bias. Objects without
// debug info are fine, .eh_frame is kept by strip.
func ModuleFrames(path string, start, offset uint64) (frame.FrameDescriptionEntries, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer ef.Close()

	if ef.Machine != elf.EM_X86_64 {
		return nil, errors.Errorf("%s: unsupported machine %s", path, ef.Machine)
	}
	bias, err := LoadBias(ef, start, offset)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	s := ef.Section(".eh_frame")
	if s == nil {
		return nil, errors.Errorf("%s: no .eh_frame", path)
	}
	data, err := s.Data()
	if err != nil {
		return nil, errors.Wrapf(err, "read .eh_frame of %s", path)
	}
	fdes, err := frame.Parse(data, ef.ByteOrder, bias, 8, s.Addr)
	if err != nil {
		return nil, errors.Wrapf(err, "parse .eh_frame of %s", path)
	}
	return fdes, nil
}
