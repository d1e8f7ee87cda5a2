package srcextract

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

var skipDirs = map[string]struct{}{
	"target":       {},
	".git":         {},
	"node_modules": {},
}

// Files returns the Rust sources under root, relative to root and sorted.
// Hidden directories, build output and paths matched by root's .gitignore
// are skipped.
func Files(root string) ([]string, error) {
	gi := loadGitignore(root)

	var results []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip errors
		}
		name := d.Name()

		if d.IsDir() {
			if path == root {
				return nil
			}
			if _, skip := skipDirs[name]; skip || strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			if gi != nil {
				if rel, err := filepath.Rel(root, path); err == nil && gi.MatchesPath(rel+"/") {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if d.Type()&os.ModeSymlink != 0 || !IsRustSource(name) {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if gi != nil && gi.MatchesPath(rel) {
			return nil
		}
		results = append(results, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(results)
	return results, nil
}

func loadGitignore(root string) *ignore.GitIgnore {
	gi, err := ignore.CompileIgnoreFile(filepath.Join(root, ".gitignore"))
	if err != nil {
		return nil
	}
	return gi
}

// moduleOf maps a source path to its module path below the crate root:
// src/lib.rs and src/main.rs are the root, src/a.rs and src/a/mod.rs are
// "a", src/a/b.rs is "a::b". Files outside src/ (tests, examples, benches)
// become their own roots named after the file.
func moduleOf(rel string) []string {
	rel = filepath.ToSlash(rel)
	parts := strings.Split(strings.TrimSuffix(rel, ".rs"), "/")
	if len(parts) > 0 && parts[0] == "src" {
		parts = parts[1:]
	} else if len(parts) > 1 {
		parts = parts[len(parts)-1:]
	}
	if n := len(parts); n > 0 {
		switch parts[n-1] {
		case "mod":
			parts = parts[:n-1]
		case "lib", "main":
			if n == 1 {
				parts = nil
			}
		}
	}
	return parts
}
