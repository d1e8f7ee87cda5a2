package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/risor-io/risor/object"

	"github.com/jward/cratecorpus/internal/store"
)

// makeCrateOfFn creates the "crate_of" host function.
//
// crate_of(function_id) → "name@version" or nil
func makeCrateOfFn(snap *store.Snapshot) *object.Builtin {
	return object.NewBuiltin("crate_of", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.NewArgsError("crate_of", 1, len(args))
		}
		id, err := toInt64(args[0])
		if err != nil {
			return object.Errorf("crate_of: %v", err)
		}
		f := snap.Function(id)
		if f == nil {
			return object.Nil
		}
		c := snap.Crates[f.CrateID]
		if c == nil {
			return object.Nil
		}
		return object.NewString(c.Package())
	})
}

// makeSymbolOfFn creates the "symbol_of" host function.
//
// symbol_of(function_id) → string or nil
func makeSymbolOfFn(snap *store.Snapshot) *object.Builtin {
	return object.NewBuiltin("symbol_of", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.NewArgsError("symbol_of", 1, len(args))
		}
		id, err := toInt64(args[0])
		if err != nil {
			return object.Errorf("symbol_of: %v", err)
		}
		f := snap.Function(id)
		if f == nil {
			return object.Nil
		}
		return object.NewString(f.Symbol)
	})
}

// functionObject renders a function as the map scripts see in candidates.
func functionObject(snap *store.Snapshot, id int64) object.Object {
	m := map[string]object.Object{
		"id": object.NewInt(id),
	}
	if f := snap.Function(id); f != nil {
		m["symbol"] = object.NewString(f.Symbol)
		m["name"] = object.NewString(f.Name)
		m["generic"] = object.NewBool(f.Generic)
		if c := snap.Crates[f.CrateID]; c != nil {
			m["crate"] = object.NewString(c.Name)
			m["package"] = object.NewString(c.Package())
		}
	}
	return object.NewMap(m)
}

func extractMap(obj object.Object) (map[string]object.Object, error) {
	m, ok := obj.(*object.Map)
	if !ok {
		return nil, fmt.Errorf("expected map, got %s", obj.Type())
	}
	return m.Value(), nil
}

func toInt64(obj object.Object) (int64, error) {
	if i, ok := obj.(*object.Int); ok {
		return i.Value(), nil
	}
	if f, ok := obj.(*object.Float); ok {
		return int64(f.Value()), nil
	}
	return 0, fmt.Errorf("expected int, got %s", obj.Type())
}

// logObject provides log.info/warn/error methods for Risor scripts.
type logObject struct {
	logger *slog.Logger
}

func (l *logObject) Info(msg string) {
	l.logger.Info(msg)
}

func (l *logObject) Warn(msg string) {
	l.logger.Warn(msg)
}

func (l *logObject) Error(msg string) {
	l.logger.Error(msg)
}
