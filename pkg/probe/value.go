package probe

import (
	"fmt"
	"strconv"
	"strings"
)

// ValueKind tells which field of a Value is set.
type ValueKind uint8

const (
	Number ValueKind = iota
	String
	List
	Record
)

// Value is a decoded sample. Numbers are float64 because that is what the
// reporting sink understands.
type Value struct {
	Kind   ValueKind
	Num    float64
	Str    string
	Items  []Value  // List elements, or Record fields
	Fields []string // Record field names, parallel to Items
}

func NumberValue(n float64) Value {
	return Value{Kind: Number, Num: n}
}

func StringValue(s string) Value {
	return Value{Kind: String, Str: s}
}

func (v Value) String() string {
	switch v.Kind {
	case Number:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case String:
		return strconv.Quote(v.Str)
	case List:
		parts := make([]string, len(v.Items))
		for i, it := range v.Items {
			parts[i] = it.String()
		}
		return "[" + strings.Join(parts, " ") + "]"
	case Record:
		parts := make([]string, len(v.Items))
		for i, it := range v.Items {
			parts[i] = v.Fields[i] + "=" + it.String()
		}
		return "{" + strings.Join(parts, " ") + "}"
	}
	return fmt.Sprintf("value(%d)", v.Kind)
}

// Entry is one reported probe value.
type Entry struct {
	Name  string
	Value Value
}

// Table is what one tick reports, in probe-set order.
type Table []Entry

// Get returns the value reported under name.
func (t Table) Get(name string) (Value, bool) {
	for _, e := range t {
		if e.Name == name {
			return e.Value, true
		}
	}
	return Value{}, false
}
