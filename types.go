package cratecorpus

import (
	"github.com/jward/cratecorpus/internal/analysis"
	"github.com/jward/cratecorpus/internal/merge"
	"github.com/jward/cratecorpus/internal/orchestrator"
	"github.com/jward/cratecorpus/internal/store"
)

// Public type aliases for internal types used in the Engine API.
// These are Go type aliases (=), identical to the internal types at compile
// time. External consumers use these names; no conversion is needed.

type Store = store.Store
type Unit = store.Unit
type Counts = store.Counts

type Graph = analysis.Graph
type Node = analysis.Node
type Edge = analysis.Edge
type Location = analysis.Location

type Report = merge.Report

type CompileOptions = orchestrator.Config
type Summary = orchestrator.Summary
