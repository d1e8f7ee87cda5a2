// Package merge folds per-unit dumps into the corpus database.
//
// Every local index in a dump is translated to a global id by interning the
// entity's natural key: crates by (name, version), functions by (crate,
// symbol), types by (crate, descriptor), locations by (crate, file, line,
// column). Units already present in the database are skipped, so re-running
// a merge only adds facts for new units.
//
// The numeric values of newly allocated ids depend on the order dumps are
// merged in. They are internally consistent but not stable across
// databases built from different orders.
//
// Merges assume a single writer. Nothing here guards against two merges
// running against the same database at once.
package merge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jward/cratecorpus/internal/ctxlog"
	"github.com/jward/cratecorpus/internal/dump"
	"github.com/jward/cratecorpus/internal/store"
)

// Loaded is a dump read from disk, ready to be applied. Err is set when the
// file could not be read or decoded.
type Loaded struct {
	Path   string
	SHA256 string
	Dump   *dump.Dump
	Err    error
}

// Load reads and decodes the dump at path. It never panics on bad input;
// failures are carried in Loaded.Err.
func Load(path string) Loaded {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{Path: path, Err: fmt.Errorf("read dump: %w", err)}
	}
	sum := sha256.Sum256(data)
	d, err := dump.Unmarshal(data)
	return Loaded{Path: path, SHA256: hex.EncodeToString(sum[:]), Dump: d, Err: err}
}

// UnitReport describes one merged unit.
type UnitReport struct {
	Unit         dump.UnitID `json:"unit"`
	Path         string      `json:"path"`
	NewCrates    int         `json:"new_crates"`
	NewFunctions int         `json:"new_functions"`
	NewTypes     int         `json:"new_types"`
	NewLocations int         `json:"new_locations"`
	Edges        int         `json:"edges"`
}

// Skipped is a dump whose unit was already merged.
type Skipped struct {
	Unit dump.UnitID `json:"unit"`
	Path string      `json:"path"`
}

// Rejected is a dump that could not be read or has an incompatible format.
type Rejected struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Report summarizes a merge invocation.
type Report struct {
	Merged   []UnitReport `json:"merged"`
	Skipped  []Skipped    `json:"skipped"`
	Rejected []Rejected   `json:"rejected"`
}

// Merger applies dumps to a store.
type Merger struct {
	store *store.Store
	now   func() time.Time
}

// New returns a Merger writing into s.
func New(s *store.Store) *Merger {
	return &Merger{store: s, now: time.Now}
}

// Merge loads and applies each dump in order. See MergeLoaded.
func (m *Merger) Merge(ctx context.Context, paths []string) (*Report, error) {
	report := &Report{}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := m.Apply(ctx, Load(path), report); err != nil {
			return report, err
		}
	}
	return report, nil
}

// MergeLoaded applies already loaded dumps in order.
//
// Unreadable and incompatible dumps are recorded in the report and skipped.
// A consistency violation, a database error or cancellation stops the batch
// and is returned; units committed before that point stay merged and the
// failing unit leaves no trace.
func (m *Merger) MergeLoaded(ctx context.Context, items []Loaded) (*Report, error) {
	report := &Report{}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := m.Apply(ctx, item, report); err != nil {
			return report, err
		}
	}
	return report, nil
}

// Apply merges one loaded dump and records the result in report.
func (m *Merger) Apply(ctx context.Context, item Loaded, report *Report) error {
	logger := ctxlog.FromContext(ctx)

	if item.Err != nil {
		logger.Warn("Rejecting dump", "path", item.Path, "error", item.Err)
		report.Rejected = append(report.Rejected, Rejected{Path: item.Path, Reason: item.Err.Error()})
		return nil
	}

	d := item.Dump
	var ur *UnitReport
	var skipped bool
	err := m.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		ur, skipped, err = m.applyTx(tx, item)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrConsistency) {
			logger.Error("Merge aborted on consistency violation", "unit", d.Unit.String(), "path", item.Path, "error", err)
		}
		return fmt.Errorf("merge %s: %w", item.Path, err)
	}
	if skipped {
		logger.Info("Unit already merged", "unit", d.Unit.String(), "path", item.Path)
		report.Skipped = append(report.Skipped, Skipped{Unit: d.Unit, Path: item.Path})
		return nil
	}
	logger.Info("Merged unit", "unit", d.Unit.String(),
		"new_functions", ur.NewFunctions, "edges", ur.Edges)
	report.Merged = append(report.Merged, *ur)
	return nil
}

// applyTx translates and appends one dump. Insert order follows foreign key
// dependencies: crates, locations, functions, types, the unit row, trait
// structure, then call edges.
func (m *Merger) applyTx(tx *store.Tx, item Loaded) (*UnitReport, bool, error) {
	d := item.Dump
	ur := &UnitReport{Unit: d.Unit, Path: item.Path}

	unitCrateID, created, err := tx.InternCrate(d.Unit.Crate, d.Unit.Version)
	if err != nil {
		return nil, false, err
	}
	if !created {
		existing, err := tx.FindUnit(unitCrateID, d.Unit.Target)
		if err != nil {
			return nil, false, err
		}
		if existing != 0 {
			return nil, true, nil
		}
	} else {
		ur.NewCrates++
	}

	tr := newTranslation(len(d.Crates), len(d.Functions), len(d.Types), len(d.Locations))
	if err := tr.bind(tableCrate, d.Unit.Crate+"@"+d.Unit.Version, unitCrateID); err != nil {
		return nil, false, err
	}

	// 1. Crates
	for i, c := range d.Crates {
		id, created, err := tx.InternCrate(c.Name, c.Version)
		if err != nil {
			return nil, false, err
		}
		if err := tr.bind(tableCrate, c.Name+"@"+c.Version, id); err != nil {
			return nil, false, err
		}
		if created {
			ur.NewCrates++
		}
		tr.crates[i] = id
	}

	// 2. Locations
	for i, l := range d.Locations {
		loc := &store.Location{CrateID: tr.crates[l.Crate], File: l.File, Line: int(l.Line), Column: int(l.Column)}
		id, created, err := tx.InternLocation(loc)
		if err != nil {
			return nil, false, err
		}
		key := fmt.Sprintf("%d:%s:%d:%d", loc.CrateID, loc.File, loc.Line, loc.Column)
		if err := tr.bind(tableLocation, key, id); err != nil {
			return nil, false, err
		}
		if created {
			ur.NewLocations++
		}
		tr.locations[i] = id
	}

	// 3. Functions
	for i, f := range d.Functions {
		fn := &store.Function{
			CrateID:    tr.crates[f.Crate],
			Symbol:     f.Symbol,
			Name:       f.Name,
			Generic:    f.Generic,
			Visibility: f.Visibility,
			LocationID: optional(tr.locations, f.Location),
			Lines:      int(f.Lines),
		}
		id, created, err := tx.InternFunction(fn)
		if err != nil {
			return nil, false, err
		}
		if err := tr.bind(tableFunction, strconv.FormatInt(fn.CrateID, 10)+":"+fn.Symbol, id); err != nil {
			return nil, false, err
		}
		if created {
			ur.NewFunctions++
		}
		tr.functions[i] = id
	}

	// 4. Types
	for i, t := range d.Types {
		ty := &store.Type{CrateID: tr.crates[t.Crate], Descriptor: t.Descriptor, Kind: t.Kind, Name: t.Name}
		id, created, err := tx.InternType(ty)
		if err != nil {
			return nil, false, err
		}
		if err := tr.bind(tableType, strconv.FormatInt(ty.CrateID, 10)+":"+ty.Descriptor, id); err != nil {
			return nil, false, err
		}
		if created {
			ur.NewTypes++
		}
		tr.types[i] = id
	}

	// 5. Unit
	unitID, err := tx.InsertUnit(&store.Unit{
		CrateID:    unitCrateID,
		Target:     d.Unit.Target,
		DumpPath:   item.Path,
		DumpSHA256: item.SHA256,
		Extractor:  d.Extractor,
		MergedAt:   m.now().UTC(),
	})
	if err != nil {
		return nil, false, err
	}

	// 6. Trait impls and methods
	for _, impl := range d.TraitImpls {
		implID, err := tx.InternTraitImpl(tr.types[impl.Trait], tr.types[impl.SelfType])
		if err != nil {
			return nil, false, err
		}
		for _, method := range impl.Methods {
			if err := tx.AddImplMethod(implID, method.Name, tr.functions[method.Function]); err != nil {
				return nil, false, err
			}
		}
	}
	for _, tm := range d.TraitMethods {
		err := tx.AddTraitMethod(&store.TraitMethod{
			TraitID:   tr.types[tm.Trait],
			Name:      tm.Name,
			Signature: tm.Signature,
			DefaultID: optional(tr.functions, tm.Default),
		})
		if err != nil {
			return nil, false, err
		}
	}

	// 7. Call edges
	for _, cs := range d.CallSites {
		edge := &store.CallEdge{
			UnitID:         unitID,
			CallerID:       tr.functions[cs.Caller],
			Kind:           cs.Kind,
			CalleeID:       optional(tr.functions, cs.Callee),
			LocationID:     optional(tr.locations, cs.Location),
			Instantiations: translateAll(tr.functions, cs.Instantiations),
			Targets:        translateAll(tr.functions, cs.Targets),
		}
		if cs.External != nil {
			edge.External = &store.ExternalRef{Crate: cs.External.Crate, Symbol: cs.External.Symbol}
		}
		if cs.Method != nil {
			edge.Method = &store.MethodDescriptor{
				TraitID:   optional(tr.types, cs.Method.Trait),
				Name:      cs.Method.Name,
				Signature: cs.Method.Signature,
				Bound:     translateAll(tr.types, cs.Method.Bound),
			}
		}
		if _, err := tx.InsertCallEdge(edge); err != nil {
			return nil, false, err
		}
		ur.Edges++
	}

	if err := tx.FinishUnit(unitID, len(d.Functions), ur.Edges); err != nil {
		return nil, false, err
	}
	return ur, false, nil
}
