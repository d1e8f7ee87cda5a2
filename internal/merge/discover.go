package merge

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/jward/cratecorpus/internal/dump"
)

// CorpusDir is the workspace subdirectory holding per-crate dump directories.
const CorpusDir = "rust-corpus"

// Discover returns every dump file under <workspace>/rust-corpus, sorted by
// path. Directories named "source" hold crate sources and are not searched.
// A missing corpus directory yields no paths.
func Discover(workspace string) ([]string, error) {
	root := filepath.Join(workspace, CorpusDir)
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && path == root {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if d.Name() == "source" {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) == dump.Ext {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover dumps: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}
