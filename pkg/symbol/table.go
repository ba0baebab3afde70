package symbol

import (
	"fmt"

	"github.com/hitzhangjie/ohmd/pkg/types"
)

// MainFunction is the entry point the stack walk stops at.
const MainFunction = "main"

// Variable a variable declared in the traced program. Locals are named
// "function.variable" and keep a reference to their owning function, globals
// have a nil Function.
type Variable struct {
	Name     string
	Type     *types.Type
	Function *Function
	Location Location
}

// IsGlobal reports whether v is not scoped to a function.
func (v *Variable) IsGlobal() bool {
	return v.Function == nil
}

func (v *Variable) String() string {
	scope := "global"
	if v.Function != nil {
		scope = v.Function.Name
	}
	return fmt.Sprintf("%s %s (%s, %s)", v.Type.Name, v.Name, scope, v.Location)
}

// Table holds the functions and variables of the traced program in import
// order. Lookups by name return the first match.
type Table struct {
	functions []*Function
	variables []*Variable

	main       *Function
	mainLooked bool
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{}
}

// AddFunction appends a function.
func (t *Table) AddFunction(f *Function) {
	t.functions = append(t.functions, f)
	if f.Name == MainFunction && t.mainLooked && t.main == nil {
		t.mainLooked = false
	}
}

// AddVariable appends a variable.
func (t *Table) AddVariable(v *Variable) {
	t.variables = append(t.variables, v)
}

// Functions returns all functions in import order.
func (t *Table) Functions() []*Function {
	return t.functions
}

// Variables returns all variables in import order.
func (t *Table) Variables() []*Variable {
	return t.variables
}

// Function returns the first function named name.
func (t *Table) Function(name string) (*Function, bool) {
	for _, f := range t.functions {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// Variable returns the first variable named name.
func (t *Table) Variable(name string) (*Variable, bool) {
	for _, v := range t.variables {
		if v.Name == name {
			return v, true
		}
	}
	return nil, false
}

// FunctionContaining returns the function whose range covers pc
//
// note: not considered inline function
func (t *Table) FunctionContaining(pc uint64) (*Function, bool) {
	for _, f := range t.functions {
		if f.Contains(pc) {
			return f, true
		}
	}
	return nil, false
}

// Main returns the program entry function, looked up once.
func (t *Table) Main() (*Function, bool) {
	if !t.mainLooked {
		t.main, _ = t.Function(MainFunction)
		t.mainLooked = true
	}
	return t.main, t.main != nil
}

// InMain reports whether pc lies in main.
func (t *Table) InMain(pc uint64) bool {
	m, ok := t.Main()
	return ok && m.Contains(pc)
}

// AddStructMembers registers one derived variable per member of v's struct
// type, named "v.member" and located at the member's offset, so that members
// can be sampled by name. Nested structs are expanded recursively. It returns
// the number of variables added.
func (t *Table) AddStructMembers(c *types.Catalog, v *Variable) int {
	return t.addStructMembers(c, v, 0)
}

func (t *Table) addStructMembers(c *types.Catalog, v *Variable, depth int) int {
	if depth > 8 || v.Location.IsValue() {
		return 0
	}
	s := c.Underlying(v.Type)
	if s == nil || s.Kind != types.Struct {
		return 0
	}

	n := 0
	for i := range s.Elements {
		m := c.Elem(s, i)
		if m == nil {
			continue
		}
		mt := c.Elem(m, 0)
		if mt == nil {
			continue
		}
		derived := &Variable{
			Name:     v.Name + "." + m.Name,
			Type:     mt,
			Function: v.Function,
			Location: v.Location.Shift(m.Offset),
		}
		t.AddVariable(derived)
		n++
		n += t.addStructMembers(c, derived, depth+1)
	}
	return n
}
