package dump

// None marks an absent optional local index.
const None int32 = -1

// UnitID identifies one compilation unit.
type UnitID struct {
	Crate   string `msgpack:"crate"`
	Version string `msgpack:"version"`
	Target  string `msgpack:"target"`
}

// CrateID returns the workspace directory name for the unit's crate.
func (u UnitID) CrateID() string {
	return u.Crate + "-" + u.Version
}

func (u UnitID) String() string {
	return u.Crate + "@" + u.Version + "/" + u.Target
}

// Dump is the decoded body of a per-unit binary dump. Every cross reference
// is an index into one of the local tables and is only meaningful inside
// this dump.
type Dump struct {
	Unit      UnitID `msgpack:"unit"`
	Extractor string `msgpack:"extractor"`

	Crates       []Crate       `msgpack:"crates"`
	Functions    []Function    `msgpack:"functions"`
	Types        []Type        `msgpack:"types"`
	Locations    []Location    `msgpack:"locations"`
	TraitImpls   []TraitImpl   `msgpack:"trait_impls"`
	TraitMethods []TraitMethod `msgpack:"trait_methods"`
	CallSites    []CallSite    `msgpack:"call_sites"`
}

type Crate struct {
	Name    string `msgpack:"name"`
	Version string `msgpack:"version"`
}

// Function is a function defined in one of the dump's crates.
type Function struct {
	Crate      uint32 `msgpack:"crate"`
	Symbol     string `msgpack:"symbol"`
	Name       string `msgpack:"name"`
	Generic    bool   `msgpack:"generic"`
	Visibility string `msgpack:"visibility"`
	Location   int32  `msgpack:"location"`
	Lines      uint32 `msgpack:"lines"`
}

// TypeKind classifies a type table entry.
type TypeKind string

const (
	TypeADT   TypeKind = "adt"
	TypeTrait TypeKind = "trait"
	TypeOther TypeKind = "other"
)

type Type struct {
	Crate      uint32   `msgpack:"crate"`
	Descriptor string   `msgpack:"descriptor"`
	Kind       TypeKind `msgpack:"kind"`
	Name       string   `msgpack:"name"`
}

type Location struct {
	Crate  uint32 `msgpack:"crate"`
	File   string `msgpack:"file"`
	Line   uint32 `msgpack:"line"`
	Column uint32 `msgpack:"column"`
}

// TraitImpl records `impl Trait for SelfType`. Trait and SelfType index the
// type table.
type TraitImpl struct {
	Trait    uint32       `msgpack:"trait"`
	SelfType uint32       `msgpack:"self_type"`
	Methods  []ImplMethod `msgpack:"methods"`
}

type ImplMethod struct {
	Name     string `msgpack:"name"`
	Function uint32 `msgpack:"function"`
}

// TraitMethod declares a method on a trait. Default is the function holding
// the trait's default body, or None.
type TraitMethod struct {
	Trait     uint32 `msgpack:"trait"`
	Name      string `msgpack:"name"`
	Signature string `msgpack:"signature"`
	Default   int32  `msgpack:"default"`
}

// DispatchKind is how a call site's target is determined.
type DispatchKind string

const (
	DispatchStatic  DispatchKind = "static"
	DispatchGeneric DispatchKind = "generic"
	DispatchVirtual DispatchKind = "virtual"
	DispatchClosure DispatchKind = "closure"
)

// Valid reports whether k is one of the known dispatch kinds.
func (k DispatchKind) Valid() bool {
	switch k {
	case DispatchStatic, DispatchGeneric, DispatchVirtual, DispatchClosure:
		return true
	}
	return false
}

// CallSite is one call expression observed by the extractor.
//
// Callee is set when the target was resolved to a function of this unit.
// External names a function of a crate outside the unit by crate name and
// symbol. Method describes a trait method call to be resolved later.
type CallSite struct {
	Caller         uint32       `msgpack:"caller"`
	Kind           DispatchKind `msgpack:"kind"`
	Callee         int32        `msgpack:"callee"`
	External       *ExternalRef `msgpack:"external,omitempty"`
	Method         *MethodRef   `msgpack:"method,omitempty"`
	Instantiations []uint32     `msgpack:"instantiations,omitempty"`
	Targets        []uint32     `msgpack:"targets,omitempty"`
	Location       int32        `msgpack:"location"`
}

type ExternalRef struct {
	Crate  string `msgpack:"crate"`
	Symbol string `msgpack:"symbol"`
}

// MethodRef is an unresolved trait method descriptor. Trait is None for a
// fully dynamic call. Bound lists the types reachable from the receiver's
// static type; empty means unconstrained.
type MethodRef struct {
	Trait     int32    `msgpack:"trait"`
	Name      string   `msgpack:"name"`
	Signature string   `msgpack:"signature"`
	Bound     []uint32 `msgpack:"bound,omitempty"`
}
