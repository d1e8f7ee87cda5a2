package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/jward/cratecorpus/internal/dump"
)

// Snapshot is a fully loaded, read-only view of the database.
type Snapshot struct {
	Crates       map[int64]*Crate
	Functions    []*Function // sorted by ID
	Types        map[int64]*Type
	Locations    map[int64]*Location
	Impls        []*TraitImpl // sorted by ID
	TraitMethods []*TraitMethod
	Edges        []*CallEdge // sorted by ID
	Units        []*Unit     // sorted by ID

	functionByID map[int64]*Function
}

// Function returns the function with id, or nil.
func (s *Snapshot) Function(id int64) *Function {
	return s.functionByID[id]
}

// Snapshot loads every table inside a single read transaction so the view
// reflects one committed state.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot: begin: %w", err)
	}
	defer tx.Rollback()

	snap := &Snapshot{
		Crates:       make(map[int64]*Crate),
		Types:        make(map[int64]*Type),
		Locations:    make(map[int64]*Location),
		functionByID: make(map[int64]*Function),
	}
	loaders := []struct {
		name string
		fn   func(context.Context, *sql.Tx, *Snapshot) error
	}{
		{"crates", loadCrates},
		{"functions", loadFunctions},
		{"types", loadTypes},
		{"locations", loadLocations},
		{"trait impls", loadImpls},
		{"trait methods", loadTraitMethods},
		{"call edges", loadEdges},
		{"units", loadUnits},
	}
	for _, l := range loaders {
		if err := l.fn(ctx, tx, snap); err != nil {
			return nil, fmt.Errorf("snapshot: %s: %w", l.name, err)
		}
	}
	return snap, nil
}

func loadCrates(ctx context.Context, tx *sql.Tx, snap *Snapshot) error {
	rows, err := tx.QueryContext(ctx, "SELECT id, name, version FROM crates")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		c := &Crate{}
		if err := rows.Scan(&c.ID, &c.Name, &c.Version); err != nil {
			return err
		}
		snap.Crates[c.ID] = c
	}
	return rows.Err()
}

func loadFunctions(ctx context.Context, tx *sql.Tx, snap *Snapshot) error {
	rows, err := tx.QueryContext(ctx,
		"SELECT id, crate_id, symbol, name, generic, visibility, location_id, lines FROM functions ORDER BY id",
	)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		f := &Function{}
		var loc sql.NullInt64
		if err := rows.Scan(&f.ID, &f.CrateID, &f.Symbol, &f.Name, &f.Generic, &f.Visibility, &loc, &f.Lines); err != nil {
			return err
		}
		f.LocationID = nullInt64(loc)
		snap.Functions = append(snap.Functions, f)
		snap.functionByID[f.ID] = f
	}
	return rows.Err()
}

func loadTypes(ctx context.Context, tx *sql.Tx, snap *Snapshot) error {
	rows, err := tx.QueryContext(ctx, "SELECT id, crate_id, descriptor, kind, name FROM types")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		t := &Type{}
		var kind string
		if err := rows.Scan(&t.ID, &t.CrateID, &t.Descriptor, &kind, &t.Name); err != nil {
			return err
		}
		t.Kind = dump.TypeKind(kind)
		snap.Types[t.ID] = t
	}
	return rows.Err()
}

func loadLocations(ctx context.Context, tx *sql.Tx, snap *Snapshot) error {
	rows, err := tx.QueryContext(ctx, "SELECT id, crate_id, file, line, col FROM locations")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		l := &Location{}
		if err := rows.Scan(&l.ID, &l.CrateID, &l.File, &l.Line, &l.Column); err != nil {
			return err
		}
		snap.Locations[l.ID] = l
	}
	return rows.Err()
}

func loadImpls(ctx context.Context, tx *sql.Tx, snap *Snapshot) error {
	rows, err := tx.QueryContext(ctx, "SELECT id, trait_type_id, self_type_id FROM trait_impls ORDER BY id")
	if err != nil {
		return err
	}
	byID := make(map[int64]*TraitImpl)
	for rows.Next() {
		impl := &TraitImpl{Methods: make(map[string]int64)}
		if err := rows.Scan(&impl.ID, &impl.TraitID, &impl.SelfTypeID); err != nil {
			rows.Close()
			return err
		}
		snap.Impls = append(snap.Impls, impl)
		byID[impl.ID] = impl
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	mrows, err := tx.QueryContext(ctx, "SELECT impl_id, name, function_id FROM impl_methods")
	if err != nil {
		return err
	}
	defer mrows.Close()
	for mrows.Next() {
		var implID, fnID int64
		var name string
		if err := mrows.Scan(&implID, &name, &fnID); err != nil {
			return err
		}
		if impl := byID[implID]; impl != nil {
			impl.Methods[name] = fnID
		}
	}
	return mrows.Err()
}

func loadTraitMethods(ctx context.Context, tx *sql.Tx, snap *Snapshot) error {
	rows, err := tx.QueryContext(ctx,
		"SELECT trait_type_id, name, signature, default_function_id FROM trait_methods ORDER BY trait_type_id, name",
	)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		m := &TraitMethod{}
		var def sql.NullInt64
		if err := rows.Scan(&m.TraitID, &m.Name, &m.Signature, &def); err != nil {
			return err
		}
		m.DefaultID = nullInt64(def)
		snap.TraitMethods = append(snap.TraitMethods, m)
	}
	return rows.Err()
}

func loadEdges(ctx context.Context, tx *sql.Tx, snap *Snapshot) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, unit_id, caller_id, kind, callee_id, external_crate, external_symbol,
		        method_trait_id, method_name, method_signature, location_id
		 FROM call_edges ORDER BY id`,
	)
	if err != nil {
		return err
	}
	byID := make(map[int64]*CallEdge)
	for rows.Next() {
		e := &CallEdge{}
		var kind string
		var callee, methodTrait, loc sql.NullInt64
		var extCrate, extSymbol, methodName, methodSig sql.NullString
		if err := rows.Scan(&e.ID, &e.UnitID, &e.CallerID, &kind, &callee, &extCrate, &extSymbol,
			&methodTrait, &methodName, &methodSig, &loc); err != nil {
			rows.Close()
			return err
		}
		e.Kind = dump.DispatchKind(kind)
		e.CalleeID = nullInt64(callee)
		e.LocationID = nullInt64(loc)
		if extCrate.Valid {
			e.External = &ExternalRef{Crate: extCrate.String, Symbol: extSymbol.String}
		}
		if methodName.Valid {
			e.Method = &MethodDescriptor{
				TraitID:   nullInt64(methodTrait),
				Name:      methodName.String,
				Signature: methodSig.String,
			}
		}
		snap.Edges = append(snap.Edges, e)
		byID[e.ID] = e
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	frows, err := tx.QueryContext(ctx,
		"SELECT edge_id, role, function_id FROM call_edge_functions ORDER BY edge_id, function_id",
	)
	if err != nil {
		return err
	}
	for frows.Next() {
		var edgeID, fnID int64
		var role string
		if err := frows.Scan(&edgeID, &role, &fnID); err != nil {
			frows.Close()
			return err
		}
		e := byID[edgeID]
		if e == nil {
			continue
		}
		switch role {
		case roleInstantiation:
			e.Instantiations = append(e.Instantiations, fnID)
		case roleTarget:
			e.Targets = append(e.Targets, fnID)
		}
	}
	frows.Close()
	if err := frows.Err(); err != nil {
		return err
	}

	brows, err := tx.QueryContext(ctx, "SELECT edge_id, type_id FROM call_edge_bounds ORDER BY edge_id, type_id")
	if err != nil {
		return err
	}
	defer brows.Close()
	for brows.Next() {
		var edgeID, typeID int64
		if err := brows.Scan(&edgeID, &typeID); err != nil {
			return err
		}
		if e := byID[edgeID]; e != nil && e.Method != nil {
			e.Method.Bound = append(e.Method.Bound, typeID)
		}
	}
	return brows.Err()
}

func loadUnits(ctx context.Context, tx *sql.Tx, snap *Snapshot) error {
	units, err := queryUnits(ctx, tx)
	if err != nil {
		return err
	}
	snap.Units = units
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryUnits(ctx context.Context, q queryer) ([]*Unit, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT u.id, u.crate_id, c.name, c.version, u.target, u.dump_path, u.dump_sha256,
		        u.extractor, u.functions, u.call_edges, u.merged_at
		 FROM units u JOIN crates c ON c.id = u.crate_id ORDER BY u.id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var units []*Unit
	for rows.Next() {
		u := &Unit{}
		if err := rows.Scan(&u.ID, &u.CrateID, &u.Crate, &u.Version, &u.Target, &u.DumpPath,
			&u.DumpSHA256, &u.Extractor, &u.Functions, &u.CallEdges, &u.MergedAt); err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// Units lists merged units in merge order.
func (s *Store) Units(ctx context.Context) ([]*Unit, error) {
	units, err := queryUnits(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("units: %w", err)
	}
	return units, nil
}

// Counts returns the size of each table.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	targets := []struct {
		query string
		dst   *int
	}{
		{"SELECT COUNT(*) FROM crates", &c.Crates},
		{"SELECT COUNT(*) FROM functions", &c.Functions},
		{"SELECT COUNT(*) FROM types", &c.Types},
		{"SELECT COUNT(*) FROM locations", &c.Locations},
		{"SELECT COUNT(*) FROM trait_impls", &c.TraitImpls},
		{"SELECT COUNT(*) FROM call_edges", &c.CallEdges},
		{"SELECT COUNT(*) FROM call_edges WHERE callee_id IS NULL", &c.Deferred},
		{"SELECT COUNT(*) FROM units", &c.Units},
	}
	for _, t := range targets {
		if err := s.db.QueryRowContext(ctx, t.query).Scan(t.dst); err != nil {
			return Counts{}, fmt.Errorf("counts: %w", err)
		}
	}
	return c, nil
}

// SortedImplsByTrait groups impls by trait id, each group sorted by impl id.
func (s *Snapshot) SortedImplsByTrait() map[int64][]*TraitImpl {
	out := make(map[int64][]*TraitImpl)
	for _, impl := range s.Impls {
		out[impl.TraitID] = append(out[impl.TraitID], impl)
	}
	for _, impls := range out {
		sort.Slice(impls, func(i, j int) bool { return impls[i].ID < impls[j].ID })
	}
	return out
}

func nullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}
