// Package cratelist holds the ordered list of crates to build together with
// each entry's build status. The list is persisted as a JSON manifest and
// rewritten atomically after every status change so an interrupted run can
// resume where it stopped.
package cratelist

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an entry is not in the list.
var ErrNotFound = errors.New("cratelist: entry not found")

// Status is the build state of an entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusBuilding  Status = "building"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Package is a crate name and version.
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ID is the workspace directory name of the package.
func (p Package) ID() string {
	return p.Name + "-" + p.Version
}

func (p Package) String() string {
	return p.Name + "@" + p.Version
}

// Entry is one crate of the list.
type Entry struct {
	Package
	Status Status `json:"status"`
	// Reason is the sandbox outcome of a failed build, e.g. "compile-error".
	Reason    string     `json:"reason,omitempty"`
	Message   string     `json:"message,omitempty"`
	LogPath   string     `json:"log_path,omitempty"`
	Attempts  int        `json:"attempts"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// MarkBuilding records the start of an attempt.
func (e *Entry) MarkBuilding(now time.Time) {
	e.Status = StatusBuilding
	e.Attempts++
	e.UpdatedAt = &now
}

// MarkSucceeded records a successful build.
func (e *Entry) MarkSucceeded(now time.Time) {
	e.Status = StatusSucceeded
	e.Reason, e.Message, e.LogPath = "", "", ""
	e.UpdatedAt = &now
}

// MarkFailed records a failed build.
func (e *Entry) MarkFailed(reason, message, logPath string, now time.Time) {
	e.Status = StatusFailed
	e.Reason = reason
	e.Message = message
	e.LogPath = logPath
	e.UpdatedAt = &now
}

// List is the crate list manifest.
type List struct {
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
	Crates    []*Entry  `json:"crates"`
}

// New creates a list of pending entries. Duplicate packages are dropped.
func New(pkgs []Package) *List {
	l := &List{
		RunID:     uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Crates:    []*Entry{},
	}
	for _, p := range pkgs {
		l.Add(p)
	}
	return l
}

// Add appends p as a pending entry. It returns the existing entry and false
// when p is already listed.
func (l *List) Add(p Package) (*Entry, bool) {
	if e, err := l.Find(p); err == nil {
		return e, false
	}
	e := &Entry{Package: p, Status: StatusPending}
	l.Crates = append(l.Crates, e)
	return e, true
}

// Find returns the entry for p.
func (l *List) Find(p Package) (*Entry, error) {
	for _, e := range l.Crates {
		if e.Package == p {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
}

// Pending returns the entries still to build, in list order. An entry left
// in building by an interrupted run counts as pending.
func (l *List) Pending() []*Entry {
	var out []*Entry
	for _, e := range l.Crates {
		if e.Status == StatusPending || e.Status == StatusBuilding {
			out = append(out, e)
		}
	}
	return out
}

// Reset returns entries to pending: only failed ones when failedOnly is set,
// otherwise every entry. It returns how many entries changed.
func (l *List) Reset(failedOnly bool) int {
	n := 0
	for _, e := range l.Crates {
		if e.Status == StatusPending {
			continue
		}
		if failedOnly && e.Status != StatusFailed {
			continue
		}
		e.Status = StatusPending
		e.Reason, e.Message, e.LogPath = "", "", ""
		n++
	}
	return n
}

// Counts tallies entries by status.
func (l *List) Counts() map[Status]int {
	out := map[Status]int{}
	for _, e := range l.Crates {
		out[e.Status]++
	}
	return out
}

// Load reads a manifest.
func Load(path string) (*List, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cratelist: %w", err)
	}
	var l List
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("cratelist: decoding %s: %w", path, err)
	}
	if l.Crates == nil {
		l.Crates = []*Entry{}
	}
	for i, e := range l.Crates {
		if e == nil || e.Name == "" || e.Version == "" {
			return nil, fmt.Errorf("cratelist: %s: entry %d has no name or version", path, i)
		}
		if e.Status == "" {
			e.Status = StatusPending
		}
	}
	return &l, nil
}

// Save writes the manifest through a temporary file and a rename, so a
// crash leaves either the old or the new manifest.
func (l *List) Save(path string) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("cratelist: encoding: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cratelist: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".cratelist-*.json")
	if err != nil {
		return fmt.Errorf("cratelist: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("cratelist: writing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("cratelist: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cratelist: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("cratelist: replacing %s: %w", path, err)
	}
	return nil
}

// ParsePackage parses "name@version".
func ParsePackage(s string) (Package, error) {
	name, version, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok || !validName(name) || !validVersion(version) {
		return Package{}, fmt.Errorf("cratelist: %q is not name@version", s)
	}
	return Package{Name: name, Version: version}, nil
}

// Parse reads one name@version per line. Blank lines and lines starting
// with # are ignored.
func Parse(r io.Reader) ([]Package, error) {
	var out []Package
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		p, err := ParsePackage(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, p)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("cratelist: %w", err)
	}
	return out, nil
}

func validName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '-' || r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}

func validVersion(s string) bool {
	return s != "" && !strings.ContainsAny(s, " \t/\\@") && s != "." && s != ".."
}
