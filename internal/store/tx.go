package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Tx is a write transaction opened by Store.Update.
type Tx struct {
	tx  *sql.Tx
	s   *Store
	ctx context.Context
}

func crateKey(name, version string) string {
	return name + "\x00" + version
}

func scopedKey(crateID int64, parts ...string) string {
	k := strconv.FormatInt(crateID, 10)
	for _, p := range parts {
		k += "\x00" + p
	}
	return k
}

// intern returns the id stored under key, consulting the cache, then the
// table, and finally inserting a new row. created reports whether a new id
// was allocated.
func (t *Tx) intern(
	cache *lru.Cache[string, int64],
	what, key string,
	lookup func() (int64, error),
	insert func() (sql.Result, error),
) (id int64, created bool, err error) {
	if id, ok := cache.Get(key); ok {
		return id, false, nil
	}
	id, err = lookup()
	if err != nil {
		return 0, false, fmt.Errorf("intern %s: lookup: %w", what, err)
	}
	if id != 0 {
		cache.Add(key, id)
		return id, false, nil
	}
	res, err := insert()
	if err != nil {
		return 0, false, fmt.Errorf("intern %s: insert: %w", what, err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("intern %s: last insert id: %w", what, err)
	}
	cache.Add(key, id)
	return id, true, nil
}

func (t *Tx) lookupID(query string, args ...any) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(t.ctx, query, args...).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, err
}

// InternCrate returns the global id of (name, version).
func (t *Tx) InternCrate(name, version string) (int64, bool, error) {
	return t.intern(t.s.crateIDs, "crate", crateKey(name, version),
		func() (int64, error) {
			return t.lookupID("SELECT id FROM crates WHERE name = ? AND version = ?", name, version)
		},
		func() (sql.Result, error) {
			return t.tx.ExecContext(t.ctx, "INSERT INTO crates (name, version) VALUES (?, ?)", name, version)
		},
	)
}

// InternLocation returns the global id of l's (crate, file, line, column).
func (t *Tx) InternLocation(l *Location) (int64, bool, error) {
	key := scopedKey(l.CrateID, l.File, strconv.Itoa(l.Line), strconv.Itoa(l.Column))
	id, created, err := t.intern(t.s.locationIDs, "location", key,
		func() (int64, error) {
			return t.lookupID(
				"SELECT id FROM locations WHERE crate_id = ? AND file = ? AND line = ? AND col = ?",
				l.CrateID, l.File, l.Line, l.Column,
			)
		},
		func() (sql.Result, error) {
			return t.tx.ExecContext(t.ctx,
				"INSERT INTO locations (crate_id, file, line, col) VALUES (?, ?, ?, ?)",
				l.CrateID, l.File, l.Line, l.Column,
			)
		},
	)
	l.ID = id
	return id, created, err
}

// InternFunction returns the global id of f's (crate, symbol). When the
// function is already known its stored metadata is left as is.
func (t *Tx) InternFunction(f *Function) (int64, bool, error) {
	id, created, err := t.intern(t.s.functionIDs, "function", scopedKey(f.CrateID, f.Symbol),
		func() (int64, error) {
			return t.lookupID("SELECT id FROM functions WHERE crate_id = ? AND symbol = ?", f.CrateID, f.Symbol)
		},
		func() (sql.Result, error) {
			return t.tx.ExecContext(t.ctx,
				`INSERT INTO functions (crate_id, symbol, name, generic, visibility, location_id, lines)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				f.CrateID, f.Symbol, f.Name, f.Generic, f.Visibility, f.LocationID, f.Lines,
			)
		},
	)
	f.ID = id
	return id, created, err
}

// InternType returns the global id of ty's (crate, descriptor).
func (t *Tx) InternType(ty *Type) (int64, bool, error) {
	id, created, err := t.intern(t.s.typeIDs, "type", scopedKey(ty.CrateID, ty.Descriptor),
		func() (int64, error) {
			return t.lookupID("SELECT id FROM types WHERE crate_id = ? AND descriptor = ?", ty.CrateID, ty.Descriptor)
		},
		func() (sql.Result, error) {
			return t.tx.ExecContext(t.ctx,
				"INSERT INTO types (crate_id, descriptor, kind, name) VALUES (?, ?, ?, ?)",
				ty.CrateID, ty.Descriptor, string(ty.Kind), ty.Name,
			)
		},
	)
	ty.ID = id
	return id, created, err
}

// InternTraitImpl returns the id of the (trait, self type) impl.
func (t *Tx) InternTraitImpl(traitID, selfTypeID int64) (int64, error) {
	id, err := t.lookupID(
		"SELECT id FROM trait_impls WHERE trait_type_id = ? AND self_type_id = ?", traitID, selfTypeID,
	)
	if err != nil {
		return 0, fmt.Errorf("intern trait impl: %w", err)
	}
	if id != 0 {
		return id, nil
	}
	res, err := t.tx.ExecContext(t.ctx,
		"INSERT INTO trait_impls (trait_type_id, self_type_id) VALUES (?, ?)", traitID, selfTypeID,
	)
	if err != nil {
		return 0, fmt.Errorf("intern trait impl: %w", err)
	}
	return res.LastInsertId()
}

// AddImplMethod records that impl implements method name with functionID.
// Re-adding the same binding is a no-op; binding the name to a different
// function is a consistency violation.
func (t *Tx) AddImplMethod(implID int64, name string, functionID int64) error {
	existing, err := t.lookupID(
		"SELECT function_id FROM impl_methods WHERE impl_id = ? AND name = ?", implID, name,
	)
	if err != nil {
		return fmt.Errorf("add impl method %q: %w", name, err)
	}
	if existing != 0 {
		if existing != functionID {
			return fmt.Errorf("%w: impl %d method %q bound to functions %d and %d",
				ErrConsistency, implID, name, existing, functionID)
		}
		return nil
	}
	_, err = t.tx.ExecContext(t.ctx,
		"INSERT INTO impl_methods (impl_id, name, function_id) VALUES (?, ?, ?)", implID, name, functionID,
	)
	if err != nil {
		return fmt.Errorf("add impl method %q: %w", name, err)
	}
	return nil
}

// AddTraitMethod records a trait's method declaration. A default body seen
// later fills in a previously missing one.
func (t *Tx) AddTraitMethod(m *TraitMethod) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO trait_methods (trait_type_id, name, signature, default_function_id)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(trait_type_id, name) DO UPDATE SET
		   default_function_id = COALESCE(trait_methods.default_function_id, excluded.default_function_id)`,
		m.TraitID, m.Name, m.Signature, m.DefaultID,
	)
	if err != nil {
		return fmt.Errorf("add trait method %q: %w", m.Name, err)
	}
	return nil
}

// FindUnit returns the id of the merged unit (crateID, target), or 0.
func (t *Tx) FindUnit(crateID int64, target string) (int64, error) {
	id, err := t.lookupID("SELECT id FROM units WHERE crate_id = ? AND target = ?", crateID, target)
	if err != nil {
		return 0, fmt.Errorf("find unit: %w", err)
	}
	return id, nil
}

// InsertUnit registers u as merged. Counts are filled in by FinishUnit.
func (t *Tx) InsertUnit(u *Unit) (int64, error) {
	res, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO units (crate_id, target, dump_path, dump_sha256, extractor, merged_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.CrateID, u.Target, u.DumpPath, u.DumpSHA256, u.Extractor, u.MergedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert unit: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert unit: last insert id: %w", err)
	}
	u.ID = id
	return id, nil
}

// FinishUnit stores the number of functions and call edges a unit added.
func (t *Tx) FinishUnit(unitID int64, functions, callEdges int) error {
	_, err := t.tx.ExecContext(t.ctx,
		"UPDATE units SET functions = ?, call_edges = ? WHERE id = ?", functions, callEdges, unitID,
	)
	if err != nil {
		return fmt.Errorf("finish unit: %w", err)
	}
	return nil
}

// InsertCallEdge appends e with its instantiations, targets and bounds.
func (t *Tx) InsertCallEdge(e *CallEdge) (int64, error) {
	var extCrate, extSymbol, methodName, methodSig *string
	var methodTrait *int64
	if e.External != nil {
		extCrate, extSymbol = &e.External.Crate, &e.External.Symbol
	}
	if e.Method != nil {
		methodTrait = e.Method.TraitID
		methodName, methodSig = &e.Method.Name, &e.Method.Signature
	}
	res, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO call_edges (unit_id, caller_id, kind, callee_id, external_crate, external_symbol,
		   method_trait_id, method_name, method_signature, location_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UnitID, e.CallerID, string(e.Kind), e.CalleeID, extCrate, extSymbol,
		methodTrait, methodName, methodSig, e.LocationID,
	)
	if err != nil {
		return 0, fmt.Errorf("insert call edge: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert call edge: last insert id: %w", err)
	}
	e.ID = id

	if err := t.insertEdgeFunctions(id, roleInstantiation, e.Instantiations); err != nil {
		return 0, err
	}
	if err := t.insertEdgeFunctions(id, roleTarget, e.Targets); err != nil {
		return 0, err
	}
	if e.Method != nil {
		for _, typeID := range e.Method.Bound {
			_, err := t.tx.ExecContext(t.ctx,
				"INSERT OR IGNORE INTO call_edge_bounds (edge_id, type_id) VALUES (?, ?)", id, typeID,
			)
			if err != nil {
				return 0, fmt.Errorf("insert call edge bound: %w", err)
			}
		}
	}
	return id, nil
}

func (t *Tx) insertEdgeFunctions(edgeID int64, role string, fns []int64) error {
	for _, fn := range fns {
		_, err := t.tx.ExecContext(t.ctx,
			"INSERT OR IGNORE INTO call_edge_functions (edge_id, role, function_id) VALUES (?, ?, ?)",
			edgeID, role, fn,
		)
		if err != nil {
			return fmt.Errorf("insert call edge %s: %w", role, err)
		}
	}
	return nil
}
