package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/cratecorpus/internal/dump"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

func ptr[T any](v T) *T { return &v }

// =============================================================================
// Schema & Lifecycle
// =============================================================================

func TestMigrate_AllTablesExist(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	expected := []string{
		"metadata", "crates", "locations", "functions", "types",
		"trait_impls", "impl_methods", "trait_methods",
		"units", "call_edges", "call_edge_functions", "call_edge_bounds",
	}
	for _, table := range expected {
		var name string
		err := s.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, "table %s missing", table)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.InstanceID(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	require.NoError(t, s.Migrate())
	second, err := s.InstanceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMetadata_Upsert(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.Metadata(ctx, "last_merge")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetMetadata(ctx, "last_merge", "a"))
	require.NoError(t, s.SetMetadata(ctx, "last_merge", "b"))
	v, err = s.Metadata(ctx, "last_merge")
	require.NoError(t, err)
	assert.Equal(t, "b", v)
}

// =============================================================================
// Interning
// =============================================================================

func TestInternCrate_SameKeySameID(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	var first, second, other int64
	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		var created bool
		var err error
		first, created, err = tx.InternCrate("leftpad", "1.0.0")
		require.True(t, created)
		return err
	}))
	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		var created bool
		var err error
		second, created, err = tx.InternCrate("leftpad", "1.0.0")
		require.False(t, created)
		if err != nil {
			return err
		}
		other, _, err = tx.InternCrate("leftpad", "1.0.1")
		return err
	}))

	assert.Equal(t, first, second)
	assert.NotEqual(t, first, other)
}

func TestInternCrate_SurvivesCachePurge(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	var first int64
	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		var err error
		first, _, err = tx.InternCrate("serde", "1.0.0")
		return err
	}))
	s.purgeCaches()

	var second int64
	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		var err error
		second, _, err = tx.InternCrate("serde", "1.0.0")
		return err
	}))
	assert.Equal(t, first, second)
}

func TestUpdate_RollbackDropsUncommittedIDs(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.Update(ctx, func(tx *Tx) error {
		if _, _, err := tx.InternCrate("ghost", "0.0.1"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Crates)

	// A fresh intern must allocate again rather than reuse a cached,
	// never-committed id.
	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		_, created, err := tx.InternCrate("ghost", "0.0.1")
		assert.True(t, created)
		return err
	}))
}

func TestInternFunction_KeepsFirstMetadata(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		crateID, _, err := tx.InternCrate("leftpad", "1.0.0")
		if err != nil {
			return err
		}
		f1 := &Function{CrateID: crateID, Symbol: "leftpad::pad", Name: "pad", Visibility: "public", Lines: 4}
		id1, created, err := tx.InternFunction(f1)
		require.True(t, created)
		if err != nil {
			return err
		}
		f2 := &Function{CrateID: crateID, Symbol: "leftpad::pad", Name: "renamed", Lines: 99}
		id2, created, err := tx.InternFunction(f2)
		require.False(t, created)
		assert.Equal(t, id1, id2)
		assert.Equal(t, id1, f2.ID)
		return err
	}))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Functions, 1)
	assert.Equal(t, "pad", snap.Functions[0].Name)
	assert.Equal(t, 4, snap.Functions[0].Lines)
}

func TestAddImplMethod_ConflictingBinding(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Update(ctx, func(tx *Tx) error {
		crateID, _, _ := tx.InternCrate("shapes", "0.1.0")
		trait := &Type{CrateID: crateID, Descriptor: "shapes::Shape", Kind: dump.TypeTrait}
		self := &Type{CrateID: crateID, Descriptor: "shapes::Circle", Kind: dump.TypeADT}
		tx.InternType(trait)
		tx.InternType(self)
		a := &Function{CrateID: crateID, Symbol: "a", Name: "area"}
		b := &Function{CrateID: crateID, Symbol: "b", Name: "area"}
		tx.InternFunction(a)
		tx.InternFunction(b)
		implID, err := tx.InternTraitImpl(trait.ID, self.ID)
		require.NoError(t, err)
		require.NoError(t, tx.AddImplMethod(implID, "area", a.ID))
		require.NoError(t, tx.AddImplMethod(implID, "area", a.ID))
		return tx.AddImplMethod(implID, "area", b.ID)
	})
	assert.ErrorIs(t, err, ErrConsistency)
}

func TestAddTraitMethod_FillsMissingDefault(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		crateID, _, _ := tx.InternCrate("shapes", "0.1.0")
		trait := &Type{CrateID: crateID, Descriptor: "shapes::Shape", Kind: dump.TypeTrait}
		tx.InternType(trait)
		def := &Function{CrateID: crateID, Symbol: "shapes::Shape::describe", Name: "describe"}
		tx.InternFunction(def)
		require.NoError(t, tx.AddTraitMethod(&TraitMethod{TraitID: trait.ID, Name: "describe", Signature: "fn(&self)"}))
		return tx.AddTraitMethod(&TraitMethod{TraitID: trait.ID, Name: "describe", Signature: "fn(&self)", DefaultID: &def.ID})
	}))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.TraitMethods, 1)
	require.NotNil(t, snap.TraitMethods[0].DefaultID)
}

// =============================================================================
// Units, edges, snapshot
// =============================================================================

func TestSnapshot_RoundTripsEdges(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	var unitID, callerID, calleeID, traitID, boundID int64
	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		crateID, _, _ := tx.InternCrate("app", "0.1.0")
		locID, _, _ := tx.InternLocation(&Location{CrateID: crateID, File: "src/main.rs", Line: 3, Column: 5})
		caller := &Function{CrateID: crateID, Symbol: "app::main", Name: "main", LocationID: &locID}
		callee := &Function{CrateID: crateID, Symbol: "app::helper", Name: "helper", Generic: true}
		tx.InternFunction(caller)
		tx.InternFunction(callee)
		callerID, calleeID = caller.ID, callee.ID
		trait := &Type{CrateID: crateID, Descriptor: "app::Greet", Kind: dump.TypeTrait}
		bound := &Type{CrateID: crateID, Descriptor: "app::Person", Kind: dump.TypeADT}
		tx.InternType(trait)
		tx.InternType(bound)
		traitID, boundID = trait.ID, bound.ID

		u := &Unit{CrateID: crateID, Target: "bin", DumpPath: "/x.dump", DumpSHA256: "abc", MergedAt: time.Now()}
		var err error
		unitID, err = tx.InsertUnit(u)
		require.NoError(t, err)

		edges := []*CallEdge{
			{UnitID: unitID, CallerID: callerID, Kind: dump.DispatchGeneric, CalleeID: &calleeID,
				LocationID: &locID, Instantiations: []int64{calleeID}},
			{UnitID: unitID, CallerID: callerID, Kind: dump.DispatchStatic,
				External: &ExternalRef{Crate: "std", Symbol: "std::io::_print"}},
			{UnitID: unitID, CallerID: callerID, Kind: dump.DispatchVirtual,
				Method: &MethodDescriptor{TraitID: &traitID, Name: "greet", Signature: "fn(&self)", Bound: []int64{boundID}}},
			{UnitID: unitID, CallerID: callerID, Kind: dump.DispatchClosure, Targets: []int64{calleeID}},
		}
		for _, e := range edges {
			if _, err := tx.InsertCallEdge(e); err != nil {
				return err
			}
		}
		return tx.FinishUnit(unitID, 2, len(edges))
	}))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Edges, 4)

	generic := snap.Edges[0]
	assert.Equal(t, dump.DispatchGeneric, generic.Kind)
	assert.Equal(t, ptr(calleeID), generic.CalleeID)
	assert.Equal(t, []int64{calleeID}, generic.Instantiations)
	require.NotNil(t, generic.LocationID)

	external := snap.Edges[1]
	assert.Nil(t, external.CalleeID)
	assert.Equal(t, &ExternalRef{Crate: "std", Symbol: "std::io::_print"}, external.External)

	virtual := snap.Edges[2]
	require.NotNil(t, virtual.Method)
	assert.Equal(t, ptr(traitID), virtual.Method.TraitID)
	assert.Equal(t, []int64{boundID}, virtual.Method.Bound)

	closure := snap.Edges[3]
	assert.Equal(t, []int64{calleeID}, closure.Targets)

	require.Len(t, snap.Units, 1)
	assert.Equal(t, "app", snap.Units[0].Crate)
	assert.Equal(t, 4, snap.Units[0].CallEdges)
	assert.NotNil(t, snap.Function(callerID))

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, counts.CallEdges)
	assert.Equal(t, 3, counts.Deferred)
	assert.Equal(t, 1, counts.Units)
}

func TestFindUnit(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		crateID, _, _ := tx.InternCrate("leftpad", "1.0.0")
		id, err := tx.FindUnit(crateID, "lib")
		require.NoError(t, err)
		assert.Zero(t, id)

		_, err = tx.InsertUnit(&Unit{CrateID: crateID, Target: "lib", DumpPath: "p", DumpSHA256: "h", MergedAt: time.Now()})
		require.NoError(t, err)

		id, err = tx.FindUnit(crateID, "lib")
		require.NoError(t, err)
		assert.Positive(t, id)

		_, err = tx.InsertUnit(&Unit{CrateID: crateID, Target: "lib", DumpPath: "p2", DumpSHA256: "h2", MergedAt: time.Now()})
		assert.Error(t, err, "unit registry must reject a second row for the same unit")
		return nil
	}))
}
