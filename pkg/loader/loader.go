// Package loader builds the type and symbol catalogs from a debug-info
// provider.
package loader

import (
	"github.com/hitzhangjie/ohmd/pkg/debuginfo"
	"github.com/hitzhangjie/ohmd/pkg/symbol"
	"github.com/hitzhangjie/ohmd/pkg/types"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Result is what a load produced.
type Result struct {
	Types   *types.Catalog
	Symbols *symbol.Table

	// Skipped aggregates the per-declaration failures. They are not fatal.
	Skipped error
}

// SkipCount returns the number of skipped declarations.
func (r *Result) SkipCount() int {
	return len(multierr.Errors(r.Skipped))
}

// Load walks p twice: the types pass fills the type catalog, which is then
// refreshed so that compound sizes are final, and the symbols pass fills the
// symbol table. Only a provider-level failure is returned as an error.
func Load(p debuginfo.Provider) (*Result, error) {
	b := &builder{
		types:   types.NewCatalog(),
		symbols: symbol.NewTable(),
		funcs:   map[string]*symbol.Function{},
	}

	if err := p.WalkTypes(b); err != nil {
		return nil, errors.Wrap(err, "import types")
	}
	b.types.RefreshCompoundSizes()

	if err := p.WalkSymbols(b); err != nil {
		return nil, errors.Wrap(err, "import symbols")
	}
	b.resolvePending()

	r := &Result{Types: b.types, Symbols: b.symbols, Skipped: b.skipped}
	log.WithFields(log.Fields{
		"types":     b.types.Len(),
		"functions": len(b.symbols.Functions()),
		"variables": len(b.symbols.Variables()),
		"skipped":   r.SkipCount(),
	}).Debug("debug info loaded")
	return r, nil
}

type builder struct {
	types   *types.Catalog
	symbols *symbol.Table
	skipped error

	funcs map[string]*symbol.Function
	// locals seen before their function's range, resolved after the pass
	pending []pending
}

type pending struct {
	v  *symbol.Variable
	fn string
}

func (b *builder) skip(err error) error {
	b.skipped = multierr.Append(b.skipped, err)
	return err
}

func (b *builder) VisitBase(d *debuginfo.BaseType) error {
	b.types.AddBase(types.ID(d.ID), d.Name, d.ByteSize, d.Encoding)
	return nil
}

func (b *builder) VisitArray(d *debuginfo.ArrayType) error {
	b.types.AddArray(types.ID(d.ID), types.ID(d.Elem), d.UpperBound, d.HasBound)
	return nil
}

func (b *builder) VisitStruct(d *debuginfo.StructType) error {
	members := make([]types.MemberDecl, 0, len(d.Members))
	for _, m := range d.Members {
		members = append(members, types.MemberDecl{
			ID:     types.ID(m.ID),
			Name:   m.Name,
			Type:   types.ID(m.Type),
			Offset: m.Offset,
		})
	}
	b.types.AddStruct(types.ID(d.ID), d.Name, d.ByteSize, members)
	return nil
}

func (b *builder) VisitPointer(d *debuginfo.PointerType) error {
	b.types.AddPointer(types.ID(d.ID), types.ID(d.Pointee), d.HasPointee)
	return nil
}

func (b *builder) VisitTypedef(d *debuginfo.Typedef) error {
	b.types.AddAlias(types.ID(d.ID), d.Name, types.ID(d.Aliased), d.HasAliased)
	return nil
}

func (b *builder) VisitSubprogram(d *debuginfo.Subprogram) error {
	if d.Name == "" {
		return b.skip(errors.Errorf("anonymous subprogram at %#x", d.LowPC))
	}
	end := d.End()
	if end <= d.LowPC {
		return b.skip(errors.Errorf("subprogram %s: empty range [%#x, %#x)", d.Name, d.LowPC, end))
	}
	f := &symbol.Function{Name: d.Name, LowPC: d.LowPC, HighPC: end}
	b.symbols.AddFunction(f)
	if _, ok := b.funcs[d.Name]; !ok {
		b.funcs[d.Name] = f
	}
	return nil
}

func (b *builder) VisitVariable(d *debuginfo.Variable) error {
	name := d.Name
	if d.Function != "" {
		name = d.Function + "." + d.Name
	}

	if !d.HasType {
		return b.skip(errors.Errorf("variable %s: no type", name))
	}
	t, ok := b.types.Get(types.ID(d.Type))
	if !ok || !t.Resolved {
		return b.skip(errors.Errorf("variable %s: unresolved type %#x", name, d.Type))
	}
	if len(d.Location) == 0 {
		// optimized out or extern declaration
		return b.skip(errors.Wrapf(symbol.ErrEmptyLocation, "variable %s", name))
	}
	loc, err := symbol.ParseLocation(d.Location)
	if err != nil {
		return b.skip(errors.Wrapf(err, "variable %s", name))
	}

	v := &symbol.Variable{Name: name, Type: t, Location: loc}
	if d.Function != "" {
		if f, ok := b.funcs[d.Function]; ok {
			v.Function = f
		} else {
			b.pending = append(b.pending, pending{v: v, fn: d.Function})
			return nil
		}
	}
	b.add(v)
	return nil
}

func (b *builder) add(v *symbol.Variable) {
	b.symbols.AddVariable(v)
	b.symbols.AddStructMembers(b.types, v)
}

func (b *builder) resolvePending() {
	for _, p := range b.pending {
		f, ok := b.funcs[p.fn]
		if !ok {
			b.skip(errors.Errorf("variable %s: function %s has no code range", p.v.Name, p.fn))
			continue
		}
		p.v.Function = f
		b.add(p.v)
	}
	b.pending = nil
}
