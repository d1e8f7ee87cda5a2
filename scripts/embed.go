// Package scripts embeds the built-in dispatch policies.
package scripts

import (
	"embed"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// FS holds the policies under policies/.
//
//go:embed policies/*.risor
var FS embed.FS

// Prefix selects a built-in policy on the command line, e.g.
// "builtin:drop_tests".
const Prefix = "builtin:"

// Path returns the FS path of the built-in policy name and whether it exists.
func Path(name string) (string, bool) {
	p := path.Join("policies", strings.TrimSuffix(name, ".risor")+".risor")
	if _, err := fs.Stat(FS, p); err != nil {
		return "", false
	}
	return p, true
}

// Names lists the built-in policies.
func Names() []string {
	entries, _ := fs.ReadDir(FS, "policies")
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, strings.TrimSuffix(e.Name(), ".risor"))
	}
	sort.Strings(out)
	return out
}
