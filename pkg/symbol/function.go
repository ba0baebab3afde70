package symbol

import "fmt"

// Function function
//
// see DWARFv4 3.3 subroutine and entry point entries
type Function struct {
	Name   string
	LowPC  uint64
	HighPC uint64 // exclusive
}

// Contains reports whether pc lies in [LowPC, HighPC).
func (f *Function) Contains(pc uint64) bool {
	return f != nil && f.LowPC <= pc && pc < f.HighPC
}

func (f *Function) String() string {
	return fmt.Sprintf("%s [%#x, %#x)", f.Name, f.LowPC, f.HighPC)
}
