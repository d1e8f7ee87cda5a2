package analysis

import (
	"slices"
	"strings"

	"github.com/jward/cratecorpus/internal/dump"
	"github.com/jward/cratecorpus/internal/store"
)

// index holds the lookups dispatch resolution needs, built once per
// snapshot.
type index struct {
	snap         *store.Snapshot
	implsByTrait map[int64][]*store.TraitImpl
	methods      map[int64]map[string]*store.TraitMethod
	bySymbol     map[string][]int64
}

// symbolKey treats hyphens and underscores in crate names alike, since
// source paths can only spell the underscore form.
func symbolKey(crate, symbol string) string {
	return strings.ReplaceAll(crate, "-", "_") + "\x00" + symbol
}

func newIndex(snap *store.Snapshot) *index {
	ix := &index{
		snap:         snap,
		implsByTrait: snap.SortedImplsByTrait(),
		methods:      make(map[int64]map[string]*store.TraitMethod),
		bySymbol:     make(map[string][]int64),
	}
	for _, m := range snap.TraitMethods {
		if ix.methods[m.TraitID] == nil {
			ix.methods[m.TraitID] = make(map[string]*store.TraitMethod)
		}
		ix.methods[m.TraitID][m.Name] = m
	}
	for _, f := range snap.Functions {
		if c := snap.Crates[f.CrateID]; c != nil {
			k := symbolKey(c.Name, f.Symbol)
			ix.bySymbol[k] = append(ix.bySymbol[k], f.ID)
		}
	}
	return ix
}

// resolve returns the candidate callees of e, sorted and without duplicates.
// An empty result means the edge is unresolved.
func (ix *index) resolve(e *store.CallEdge) []int64 {
	var out []int64
	switch e.Kind {
	case dump.DispatchStatic:
		if e.CalleeID != nil {
			out = append(out, *e.CalleeID)
		} else {
			out = append(out, ix.external(e.External)...)
		}

	case dump.DispatchGeneric:
		// The generic body only stands in when no instantiation is known.
		out = append(out, e.Instantiations...)
		if e.Method != nil {
			out = append(out, ix.virtual(e.Method)...)
		}
		if len(out) == 0 && e.CalleeID != nil {
			out = append(out, *e.CalleeID)
		}
		if len(out) == 0 {
			out = append(out, ix.external(e.External)...)
		}

	case dump.DispatchVirtual:
		if e.Method != nil {
			out = append(out, ix.virtual(e.Method)...)
		}

	case dump.DispatchClosure:
		if e.CalleeID != nil {
			out = append(out, *e.CalleeID)
		}
		out = append(out, e.Targets...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// external resolves a by-name reference against every merged version of the
// named crate.
func (ix *index) external(ref *store.ExternalRef) []int64 {
	if ref == nil {
		return nil
	}
	return ix.bySymbol[symbolKey(ref.Crate, ref.Symbol)]
}

// virtual resolves a trait method call.
//
// With a trait and a bound, only impls for types reachable from the bound
// count. With a trait and no bound, every impl of the trait counts. Without
// a trait, every impl of any trait declaring a method with that name and
// signature counts. In each case the trait's default body is added when some
// counted impl does not override the method.
func (ix *index) virtual(m *store.MethodDescriptor) []int64 {
	if m.TraitID == nil {
		var out []int64
		for traitID, impls := range ix.implsByTrait {
			if !ix.declares(traitID, m.Name, m.Signature) {
				continue
			}
			out = append(out, ix.implsOf(traitID, impls, m.Name)...)
		}
		return out
	}

	impls := ix.implsByTrait[*m.TraitID]
	if len(m.Bound) > 0 {
		reach := ix.reachable(m.Bound)
		var filtered []*store.TraitImpl
		for _, impl := range impls {
			if reach[impl.SelfTypeID] {
				filtered = append(filtered, impl)
			}
		}
		impls = filtered
	}
	return ix.implsOf(*m.TraitID, impls, m.Name)
}

func (ix *index) implsOf(traitID int64, impls []*store.TraitImpl, name string) []int64 {
	var out []int64
	missing := false
	for _, impl := range impls {
		if fn, ok := impl.Methods[name]; ok {
			out = append(out, fn)
		} else {
			missing = true
		}
	}
	if missing {
		if tm := ix.methods[traitID][name]; tm != nil && tm.DefaultID != nil {
			out = append(out, *tm.DefaultID)
		}
	}
	return out
}

// declares reports whether the trait declares name with signature. A trait
// with no recorded declaration matches on name alone, as does an empty
// signature.
func (ix *index) declares(traitID int64, name, signature string) bool {
	decls := ix.methods[traitID]
	tm, ok := decls[name]
	if !ok {
		if len(decls) > 0 {
			return false
		}
		for _, impl := range ix.implsByTrait[traitID] {
			if _, has := impl.Methods[name]; has {
				return true
			}
		}
		return false
	}
	return signature == "" || tm.Signature == "" || tm.Signature == signature
}

// reachable expands a bound into the set of concrete types it admits: the
// bound types themselves and, for a bound naming a trait, every type
// implementing that trait.
func (ix *index) reachable(bound []int64) map[int64]bool {
	reach := make(map[int64]bool)
	for _, typeID := range bound {
		reach[typeID] = true
		if ty := ix.snap.Types[typeID]; ty != nil && ty.Kind == dump.TypeTrait {
			for _, impl := range ix.implsByTrait[typeID] {
				reach[impl.SelfTypeID] = true
			}
		}
	}
	return reach
}
