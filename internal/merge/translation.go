package merge

import (
	"fmt"

	"github.com/jward/cratecorpus/internal/store"
)

// table names a global id space.
type table string

const (
	tableCrate    table = "crate"
	tableFunction table = "function"
	tableType     table = "type"
	tableLocation table = "location"
)

// translation maps one dump's local indices to global ids. It also checks
// that, within the dump, every natural key resolves to exactly one global id
// and no global id is handed out for two different keys.
type translation struct {
	crates    []int64
	functions []int64
	types     []int64
	locations []int64

	keyToID map[table]map[string]int64
	idToKey map[table]map[int64]string
}

func newTranslation(nCrates, nFunctions, nTypes, nLocations int) *translation {
	tr := &translation{
		crates:    make([]int64, nCrates),
		functions: make([]int64, nFunctions),
		types:     make([]int64, nTypes),
		locations: make([]int64, nLocations),
		keyToID:   make(map[table]map[string]int64),
		idToKey:   make(map[table]map[int64]string),
	}
	for _, t := range []table{tableCrate, tableFunction, tableType, tableLocation} {
		tr.keyToID[t] = make(map[string]int64)
		tr.idToKey[t] = make(map[int64]string)
	}
	return tr
}

func (tr *translation) bind(t table, key string, id int64) error {
	if prev, ok := tr.keyToID[t][key]; ok && prev != id {
		return fmt.Errorf("%w: %s key %q resolved to ids %d and %d", store.ErrConsistency, t, key, prev, id)
	}
	if prev, ok := tr.idToKey[t][id]; ok && prev != key {
		return fmt.Errorf("%w: %s id %d bound to keys %q and %q", store.ErrConsistency, t, id, prev, key)
	}
	tr.keyToID[t][key] = id
	tr.idToKey[t][id] = key
	return nil
}

// optional translates an optional local index (negative means absent).
func optional(ids []int64, local int32) *int64 {
	if local < 0 {
		return nil
	}
	id := ids[local]
	return &id
}

func translateAll(ids []int64, locals []uint32) []int64 {
	if len(locals) == 0 {
		return nil
	}
	out := make([]int64, len(locals))
	for i, l := range locals {
		out[i] = ids[l]
	}
	return out
}
