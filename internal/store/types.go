package store

import (
	"time"

	"github.com/jward/cratecorpus/internal/dump"
)

// Crate is a (name, version) pair.
type Crate struct {
	ID      int64
	Name    string
	Version string
}

// Package returns the "name@version" label of the crate.
func (c *Crate) Package() string {
	return c.Name + "@" + c.Version
}

// Function is keyed by (CrateID, Symbol). Metadata is taken from the first
// unit that interned it.
type Function struct {
	ID         int64
	CrateID    int64
	Symbol     string
	Name       string
	Generic    bool
	Visibility string
	LocationID *int64
	Lines      int
}

// Type is keyed by (CrateID, Descriptor).
type Type struct {
	ID         int64
	CrateID    int64
	Descriptor string
	Kind       dump.TypeKind
	Name       string
}

// Location is keyed by all of its fields.
type Location struct {
	ID      int64
	CrateID int64
	File    string
	Line    int
	Column  int
}

// TraitImpl is `impl Trait for SelfType` with its methods by name.
type TraitImpl struct {
	ID         int64
	TraitID    int64
	SelfTypeID int64
	Methods    map[string]int64
}

// TraitMethod is a method declared by a trait.
type TraitMethod struct {
	TraitID   int64
	Name      string
	Signature string
	DefaultID *int64
}

// Unit is one merged compilation unit.
type Unit struct {
	ID         int64
	CrateID    int64
	Crate      string
	Version    string
	Target     string
	DumpPath   string
	DumpSHA256 string
	Extractor  string
	Functions  int
	CallEdges  int
	MergedAt   time.Time
}

// ExternalRef names a callee in a crate outside the caller's unit.
type ExternalRef struct {
	Crate  string
	Symbol string
}

// MethodDescriptor is a trait method call left for the analyzer. TraitID is
// nil for a fully dynamic call.
type MethodDescriptor struct {
	TraitID   *int64
	Name      string
	Signature string
	Bound     []int64
}

// CallEdge is one recorded call site in global ids.
type CallEdge struct {
	ID             int64
	UnitID         int64
	CallerID       int64
	Kind           dump.DispatchKind
	CalleeID       *int64
	External       *ExternalRef
	Method         *MethodDescriptor
	LocationID     *int64
	Instantiations []int64
	Targets        []int64
}

// Edge function roles in call_edge_functions.
const (
	roleInstantiation = "instantiation"
	roleTarget        = "target"
)

// Counts summarizes table sizes. Deferred counts edges without a callee id,
// whose targets are left to the analyzer.
type Counts struct {
	Crates     int `json:"crates"`
	Functions  int `json:"functions"`
	Types      int `json:"types"`
	Locations  int `json:"locations"`
	TraitImpls int `json:"trait_impls"`
	CallEdges  int `json:"call_edges"`
	Deferred   int `json:"deferred_edges"`
	Units      int `json:"units"`
}
