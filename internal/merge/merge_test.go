package merge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/cratecorpus/internal/dump"
	"github.com/jward/cratecorpus/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewStore(filepath.Join(t.TempDir(), "corpus.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

func writeDump(t *testing.T, dir string, d *dump.Dump) string {
	t.Helper()
	path := filepath.Join(dir, d.Unit.CrateID(), dump.FileName(d.Unit))
	require.NoError(t, dump.WriteFile(path, d))
	return path
}

// leftpadDump has one function calling into std, which is not part of the
// unit and stays an external descriptor.
func leftpadDump() *dump.Dump {
	return &dump.Dump{
		Unit:      dump.UnitID{Crate: "leftpad", Version: "1.0.0", Target: "lib"},
		Crates:    []dump.Crate{{Name: "leftpad", Version: "1.0.0"}},
		Functions: []dump.Function{{Crate: 0, Symbol: "leftpad::pad", Name: "pad", Visibility: "public", Location: 0, Lines: 5}},
		Locations: []dump.Location{{Crate: 0, File: "src/lib.rs", Line: 1, Column: 1}, {Crate: 0, File: "src/lib.rs", Line: 3, Column: 9}},
		CallSites: []dump.CallSite{{
			Caller:   0,
			Kind:     dump.DispatchStatic,
			Callee:   dump.None,
			External: &dump.ExternalRef{Crate: "std", Symbol: "alloc::string::String::push"},
			Location: 1,
		}},
	}
}

// appDump depends on leftpad and re-references leftpad::pad locally.
func appDump() *dump.Dump {
	return &dump.Dump{
		Unit:   dump.UnitID{Crate: "app", Version: "0.1.0", Target: "bin"},
		Crates: []dump.Crate{{Name: "app", Version: "0.1.0"}, {Name: "leftpad", Version: "1.0.0"}},
		Functions: []dump.Function{
			{Crate: 0, Symbol: "app::main", Name: "main", Location: dump.None},
			{Crate: 1, Symbol: "leftpad::pad", Name: "pad", Visibility: "public", Location: 0, Lines: 5},
			{Crate: 0, Symbol: "app::Circle::area", Name: "area", Location: dump.None},
		},
		Types: []dump.Type{
			{Crate: 0, Descriptor: "app::Shape", Kind: dump.TypeTrait, Name: "Shape"},
			{Crate: 0, Descriptor: "app::Circle", Kind: dump.TypeADT, Name: "Circle"},
		},
		Locations:    []dump.Location{{Crate: 1, File: "src/lib.rs", Line: 1, Column: 1}},
		TraitImpls:   []dump.TraitImpl{{Trait: 0, SelfType: 1, Methods: []dump.ImplMethod{{Name: "area", Function: 2}}}},
		TraitMethods: []dump.TraitMethod{{Trait: 0, Name: "area", Signature: "fn(&self) -> f64", Default: dump.None}},
		CallSites: []dump.CallSite{
			{Caller: 0, Kind: dump.DispatchStatic, Callee: 1, Location: dump.None},
			{Caller: 0, Kind: dump.DispatchVirtual, Callee: dump.None, Location: dump.None,
				Method: &dump.MethodRef{Trait: 0, Name: "area", Signature: "fn(&self) -> f64", Bound: []uint32{1}}},
			{Caller: 0, Kind: dump.DispatchClosure, Callee: dump.None, Location: dump.None, Targets: []uint32{1}},
		},
	}
}

// facts renders a snapshot in terms of natural keys so that databases with
// different numeric ids can be compared.
func facts(t *testing.T, s *store.Store) []string {
	t.Helper()
	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)

	crate := func(id int64) string { return snap.Crates[id].Package() }
	fn := func(id int64) string {
		f := snap.Function(id)
		return crate(f.CrateID) + "::" + f.Symbol
	}
	typ := func(id int64) string {
		ty := snap.Types[id]
		return crate(ty.CrateID) + "::" + ty.Descriptor
	}
	loc := func(id *int64) string {
		if id == nil {
			return "-"
		}
		l := snap.Locations[*id]
		return fmt.Sprintf("%s:%s:%d:%d", crate(l.CrateID), l.File, l.Line, l.Column)
	}

	var out []string
	for _, c := range snap.Crates {
		out = append(out, "crate "+c.Package())
	}
	for _, f := range snap.Functions {
		out = append(out, fmt.Sprintf("fn %s generic=%t vis=%s loc=%s lines=%d",
			fn(f.ID), f.Generic, f.Visibility, loc(f.LocationID), f.Lines))
	}
	for _, ty := range snap.Types {
		out = append(out, fmt.Sprintf("type %s kind=%s", typ(ty.ID), ty.Kind))
	}
	for _, impl := range snap.Impls {
		for name, m := range impl.Methods {
			out = append(out, fmt.Sprintf("impl %s for %s: %s=%s", typ(impl.TraitID), typ(impl.SelfTypeID), name, fn(m)))
		}
	}
	for _, e := range snap.Edges {
		line := fmt.Sprintf("edge %s %s at %s", fn(e.CallerID), e.Kind, loc(e.LocationID))
		if e.CalleeID != nil {
			line += " -> " + fn(*e.CalleeID)
		}
		if e.External != nil {
			line += " -> extern " + e.External.Crate + "::" + e.External.Symbol
		}
		if e.Method != nil {
			line += " method " + e.Method.Name
			if e.Method.TraitID != nil {
				line += " of " + typ(*e.Method.TraitID)
			}
			for _, b := range e.Method.Bound {
				line += " bound " + typ(b)
			}
		}
		for _, target := range e.Targets {
			line += " target " + fn(target)
		}
		out = append(out, line)
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// Merge
// =============================================================================

func TestMerge_NewUnit(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	dir := t.TempDir()
	path := writeDump(t, dir, leftpadDump())

	report, err := New(s).Merge(context.Background(), []string{path})
	require.NoError(t, err)
	require.Len(t, report.Merged, 1)
	got := report.Merged[0]
	assert.Equal(t, 1, got.NewCrates)
	assert.Equal(t, 1, got.NewFunctions)
	assert.Equal(t, 2, got.NewLocations)
	assert.Equal(t, 1, got.Edges)

	counts, err := s.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Crates)
	assert.Equal(t, 1, counts.Functions)
	assert.Equal(t, 1, counts.CallEdges)
	assert.Equal(t, 1, counts.Deferred)

	units, err := s.Units(context.Background())
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, path, units[0].DumpPath)
	assert.Len(t, units[0].DumpSHA256, 64)
}

func TestMerge_SameDumpTwiceIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	path := writeDump(t, dir, leftpadDump())

	once := newTestStore(t)
	_, err := New(once).Merge(ctx, []string{path})
	require.NoError(t, err)

	twice := newTestStore(t)
	m := New(twice)
	_, err = m.Merge(ctx, []string{path})
	require.NoError(t, err)
	report, err := m.Merge(ctx, []string{path, path})
	require.NoError(t, err)
	assert.Empty(t, report.Merged)
	assert.Len(t, report.Skipped, 2)

	if diff := cmp.Diff(facts(t, once), facts(t, twice)); diff != "" {
		t.Errorf("double merge changed the database (-once +twice):\n%s", diff)
	}
	c1, err := once.Counts(ctx)
	require.NoError(t, err)
	c2, err := twice.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, c1, c2)
}

func TestMerge_SharedKeysReuseGlobalIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	dir := t.TempDir()
	paths := []string{writeDump(t, dir, leftpadDump()), writeDump(t, dir, appDump())}

	report, err := New(s).Merge(ctx, paths)
	require.NoError(t, err)
	require.Len(t, report.Merged, 2)
	// app's dump re-lists leftpad and leftpad::pad; neither is new.
	assert.Equal(t, 1, report.Merged[1].NewCrates)
	assert.Equal(t, 2, report.Merged[1].NewFunctions)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	var padID int64
	for _, f := range snap.Functions {
		if f.Symbol == "leftpad::pad" {
			require.Zero(t, padID, "leftpad::pad interned twice")
			padID = f.ID
		}
	}
	require.NotZero(t, padID)

	var staticEdge *store.CallEdge
	for _, e := range snap.Edges {
		if e.Kind == dump.DispatchStatic && e.CalleeID != nil {
			staticEdge = e
		}
	}
	require.NotNil(t, staticEdge)
	assert.Equal(t, padID, *staticEdge.CalleeID)
}

func TestMerge_IncrementalEquivalence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	a := writeDump(t, dir, appDump())
	b := writeDump(t, dir, leftpadDump())

	together := newTestStore(t)
	_, err := New(together).Merge(ctx, []string{a, b})
	require.NoError(t, err)

	separate := newTestStore(t)
	_, err = New(separate).Merge(ctx, []string{a})
	require.NoError(t, err)
	_, err = New(separate).Merge(ctx, []string{b})
	require.NoError(t, err)

	reversed := newTestStore(t)
	_, err = New(reversed).Merge(ctx, []string{b, a})
	require.NoError(t, err)

	if diff := cmp.Diff(facts(t, together), facts(t, separate)); diff != "" {
		t.Errorf("incremental merge differs (-together +separate):\n%s", diff)
	}
	if diff := cmp.Diff(facts(t, together), facts(t, reversed)); diff != "" {
		t.Errorf("merge order changed facts (-together +reversed):\n%s", diff)
	}
}

func TestMerge_IncompatibleDumpIsSkipped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.dump")
	require.NoError(t, os.WriteFile(bad, []byte("CRPSDUMP\x00\x63garbage"), 0o644))
	good := writeDump(t, dir, leftpadDump())
	missing := filepath.Join(dir, "missing.dump")

	report, err := New(s).Merge(ctx, []string{bad, missing, good})
	require.NoError(t, err)
	require.Len(t, report.Rejected, 2)
	assert.Equal(t, bad, report.Rejected[0].Path)
	assert.Contains(t, report.Rejected[0].Reason, "incompatible")
	require.Len(t, report.Merged, 1)
	assert.Equal(t, "leftpad", report.Merged[0].Unit.Crate)
}

func TestMerge_ConsistencyViolationAborts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	dir := t.TempDir()
	m := New(s)

	_, err := m.Merge(ctx, []string{writeDump(t, dir, leftpadDump())})
	require.NoError(t, err)

	// Rename the crate underneath the merger's cached leftpad id, so the
	// next merge sees two natural keys resolving to one id.
	_, err = s.DB().Exec("UPDATE crates SET name = 'rightpad' WHERE name = 'leftpad'")
	require.NoError(t, err)

	corrupt := &dump.Dump{
		Unit:      dump.UnitID{Crate: "rightpad", Version: "1.0.0", Target: "bin"},
		Crates:    []dump.Crate{{Name: "rightpad", Version: "1.0.0"}, {Name: "leftpad", Version: "1.0.0"}},
		Functions: []dump.Function{{Crate: 0, Symbol: "rightpad::main", Name: "main", Location: dump.None}},
	}
	before := facts(t, s)
	after := writeDump(t, dir, appDump())

	report, err := m.Merge(ctx, []string{writeDump(t, dir, corrupt), after})
	require.ErrorIs(t, err, store.ErrConsistency)
	assert.Empty(t, report.Merged, "batch must stop at the violation")
	assert.Equal(t, before, facts(t, s), "failing unit must leave no trace")
}

func TestMergeLoaded_RespectsCancellation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	dir := t.TempDir()
	item := Load(writeDump(t, dir, leftpadDump()))
	require.NoError(t, item.Err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := New(s).MergeLoaded(ctx, []Loaded{item})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, report.Merged)
}

// =============================================================================
// Discovery
// =============================================================================

func TestDiscover(t *testing.T) {
	t.Parallel()
	ws := t.TempDir()
	corpus := filepath.Join(ws, CorpusDir)
	a := writeDump(t, corpus, leftpadDump())
	b := writeDump(t, corpus, appDump())
	require.NoError(t, os.MkdirAll(filepath.Join(corpus, "app-0.1.0", "source"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(corpus, "app-0.1.0", "source", "x.dump"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(corpus, "app-0.1.0", "logs"), nil, 0o644))

	paths, err := Discover(ws)
	require.NoError(t, err)
	want := []string{a, b}
	sort.Strings(want)
	assert.Equal(t, want, paths)
}

func TestDiscover_NoCorpusDir(t *testing.T) {
	t.Parallel()
	paths, err := Discover(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, paths)
}
