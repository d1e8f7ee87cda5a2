package dump

import "fmt"

// Validate checks that every local reference in d points inside its table.
// The merger relies on this before translating ids.
func Validate(d *Dump) error {
	if d.Unit.Crate == "" || d.Unit.Version == "" {
		return fmt.Errorf("%w: unit has no crate identity", ErrMalformed)
	}
	nCrates := len(d.Crates)
	nFuncs := len(d.Functions)
	nTypes := len(d.Types)
	nLocs := len(d.Locations)

	for i, f := range d.Functions {
		if int(f.Crate) >= nCrates {
			return malformed("function", i, "crate", f.Crate)
		}
		if f.Symbol == "" {
			return fmt.Errorf("%w: function %d has empty symbol", ErrMalformed, i)
		}
		if !optionalIn(f.Location, nLocs) {
			return malformed("function", i, "location", f.Location)
		}
	}
	for i, t := range d.Types {
		if int(t.Crate) >= nCrates {
			return malformed("type", i, "crate", t.Crate)
		}
	}
	for i, l := range d.Locations {
		if int(l.Crate) >= nCrates {
			return malformed("location", i, "crate", l.Crate)
		}
	}
	for i, impl := range d.TraitImpls {
		if int(impl.Trait) >= nTypes {
			return malformed("trait impl", i, "trait", impl.Trait)
		}
		if int(impl.SelfType) >= nTypes {
			return malformed("trait impl", i, "self type", impl.SelfType)
		}
		for _, m := range impl.Methods {
			if int(m.Function) >= nFuncs {
				return malformed("trait impl", i, "method "+m.Name, m.Function)
			}
		}
	}
	for i, m := range d.TraitMethods {
		if int(m.Trait) >= nTypes {
			return malformed("trait method", i, "trait", m.Trait)
		}
		if !optionalIn(m.Default, nFuncs) {
			return malformed("trait method", i, "default", m.Default)
		}
	}
	for i, cs := range d.CallSites {
		if int(cs.Caller) >= nFuncs {
			return malformed("call site", i, "caller", cs.Caller)
		}
		if !cs.Kind.Valid() {
			return fmt.Errorf("%w: call site %d has unknown dispatch kind %q", ErrMalformed, i, cs.Kind)
		}
		if !optionalIn(cs.Callee, nFuncs) {
			return malformed("call site", i, "callee", cs.Callee)
		}
		if !optionalIn(cs.Location, nLocs) {
			return malformed("call site", i, "location", cs.Location)
		}
		if cs.Method != nil {
			if !optionalIn(cs.Method.Trait, nTypes) {
				return malformed("call site", i, "method trait", cs.Method.Trait)
			}
			for _, b := range cs.Method.Bound {
				if int(b) >= nTypes {
					return malformed("call site", i, "bound", b)
				}
			}
		}
		for _, fn := range cs.Instantiations {
			if int(fn) >= nFuncs {
				return malformed("call site", i, "instantiation", fn)
			}
		}
		for _, fn := range cs.Targets {
			if int(fn) >= nFuncs {
				return malformed("call site", i, "target", fn)
			}
		}
	}
	return nil
}

func optionalIn(idx int32, n int) bool {
	return idx == None || (idx >= 0 && int(idx) < n)
}

func malformed[T uint32 | int32](table string, i int, field string, idx T) error {
	return fmt.Errorf("%w: %s %d: %s index %d out of range", ErrMalformed, table, i, field, idx)
}
