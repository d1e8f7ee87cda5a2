package cratecorpus

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/jward/cratecorpus/internal/ctxlog"
	"github.com/jward/cratecorpus/internal/merge"
)

// loadDumps reads and decodes dumps using a three-phase pipeline:
//
//	Phase A (serial):   Clean paths and drop duplicates, keeping first occurrence.
//	Phase B (parallel): Read, hash, decode and validate via a worker pool.
//	Phase C (serial):   Collect results back into input order.
//
// The database is not touched here; the caller commits the results one at
// a time, so writes stay serialized however many workers decode.
func (e *Engine) loadDumps(ctx context.Context, paths []string) ([]merge.Loaded, error) {
	// ---- Phase A: Serial path preparation ----
	seen := make(map[string]bool, len(paths))
	unique := make([]string, 0, len(paths))
	for _, p := range paths {
		clean := filepath.Clean(p)
		if seen[clean] {
			continue
		}
		seen[clean] = true
		unique = append(unique, clean)
	}
	if len(unique) == 0 {
		return nil, nil
	}

	// ---- Phase B: Parallel decoding ----
	numWorkers := e.workers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	numWorkers = min(numWorkers, len(unique))

	type job struct {
		idx  int
		path string
	}
	workCh := make(chan job, len(unique))
	for i, p := range unique {
		workCh <- job{idx: i, path: p}
	}
	close(workCh)

	results := make([]merge.Loaded, len(unique))
	var wg sync.WaitGroup
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range workCh {
				if ctx.Err() != nil {
					results[j.idx] = merge.Loaded{Path: j.path, Err: ctx.Err()}
					continue
				}
				results[j.idx] = merge.Load(j.path)
			}
		}()
	}
	wg.Wait()

	// ---- Phase C: Ordered collection ----
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctxlog.FromContext(ctx).Debug("decoded dumps", "count", len(results), "workers", numWorkers)
	return results, nil
}
