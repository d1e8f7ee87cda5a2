package cratecorpus

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jward/cratecorpus/internal/analysis"
	"github.com/jward/cratecorpus/internal/cratelist"
	"github.com/jward/cratecorpus/internal/ctxlog"
	"github.com/jward/cratecorpus/internal/dump"
	"github.com/jward/cratecorpus/internal/merge"
	"github.com/jward/cratecorpus/internal/orchestrator"
	"github.com/jward/cratecorpus/internal/runtime"
	"github.com/jward/cratecorpus/internal/sandbox"
	"github.com/jward/cratecorpus/internal/srcextract"
	"github.com/jward/cratecorpus/internal/store"
)

// Engine ties the pipeline stages to one workspace and one corpus
// database: compile, update-database and analyze.
//
// The database has a single writer. Running UpdateDatabase from two
// processes against the same path, or Analyze during an UpdateDatabase, is
// not detected and is the caller's responsibility to avoid.
type Engine struct {
	store     *store.Store
	runtime   *runtime.Runtime
	workspace string

	launcher  sandbox.Launcher
	execOpts  []sandbox.Option
	policy    string
	scriptsFS fs.FS
	hierarchy bool
	workers   int
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLauncher sets how builds are sandboxed. The default is bubblewrap.
func WithLauncher(l sandbox.Launcher) Option {
	return func(e *Engine) {
		e.launcher = l
	}
}

// WithExecutorOptions passes extra options to the sandbox executor.
func WithExecutorOptions(opts ...sandbox.Option) Option {
	return func(e *Engine) {
		e.execOpts = append(e.execOpts, opts...)
	}
}

// WithPolicy sets a Risor dispatch policy script applied by Analyze.
// Imports inside the script resolve relative to its directory.
func WithPolicy(path string) Option {
	return func(e *Engine) {
		e.policy = path
	}
}

// WithScriptsFS loads the policy script and its imports from fsys instead
// of disk. This enables embedding policies via go:embed.
func WithScriptsFS(fsys fs.FS) Option {
	return func(e *Engine) {
		e.scriptsFS = fsys
	}
}

// WithHierarchy controls whether Analyze includes the trait hierarchy.
// Enabled by default.
func WithHierarchy(enabled bool) Option {
	return func(e *Engine) {
		e.hierarchy = enabled
	}
}

// WithWorkers bounds the number of dumps decoded concurrently by
// UpdateDatabase. Zero or less means one per CPU.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		e.workers = n
	}
}

// WithLogger sets the logger used when the context carries none.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New opens (and migrates) the corpus database at dbPath for the given
// workspace.
func New(dbPath, workspace string, opts ...Option) (*Engine, error) {
	s, err := store.NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("cratecorpus: create store: %w", err)
	}
	if err := s.Migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("cratecorpus: migrate: %w", err)
	}

	e := &Engine{
		store:     s,
		workspace: workspace,
		launcher:  sandbox.Bwrap{},
		hierarchy: true,
	}
	for _, opt := range opts {
		opt(e)
	}

	var rtOpts []runtime.RuntimeOption
	if e.scriptsFS != nil {
		rtOpts = append(rtOpts, runtime.WithRuntimeFS(e.scriptsFS))
	}
	if e.logger != nil {
		rtOpts = append(rtOpts, runtime.WithRuntimeLogger(e.logger))
	}
	scriptsDir := ""
	if e.policy != "" && e.scriptsFS == nil {
		scriptsDir = filepath.Dir(e.policy)
	}
	e.runtime = runtime.NewRuntime(scriptsDir, rtOpts...)

	return e, nil
}

// Close releases the Engine's database resources.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Store returns the underlying Store for direct access.
func (e *Engine) Store() *Store {
	return e.store
}

// Workspace returns the workspace root.
func (e *Engine) Workspace() string {
	return e.workspace
}

func (e *Engine) withLogger(ctx context.Context) context.Context {
	if e.logger == nil || ctxlog.FromContext(ctx) != slog.Default() {
		return ctx
	}
	return ctxlog.WithLogger(ctx, e.logger)
}

// Compile builds the list's entries one at a time in the sandbox and files
// their dumps under <workspace>/rust-corpus. Zero limits are replaced by
// the defaults for the engine's workspace.
func (e *Engine) Compile(ctx context.Context, list *cratelist.List, opts CompileOptions) (*Summary, error) {
	ctx = e.withLogger(ctx)
	if opts.Limits == (sandbox.Limits{}) {
		opts.Limits = sandbox.DefaultLimits(e.workspace)
	}
	if opts.Limits.Workspace == "" {
		opts.Limits.Workspace = e.workspace
	}
	execOpts := append([]sandbox.Option{sandbox.WithLauncher(e.launcher)}, e.execOpts...)
	return orchestrator.New(sandbox.New(execOpts...), opts).Run(ctx, list)
}

// UpdateDatabase merges dumps into the database. With no paths, every dump
// under <workspace>/rust-corpus is considered; units already merged are
// skipped. Dumps are decoded in parallel and committed one at a time in
// path order.
func (e *Engine) UpdateDatabase(ctx context.Context, paths []string) (*Report, error) {
	ctx = e.withLogger(ctx)
	if len(paths) == 0 {
		found, err := merge.Discover(e.workspace)
		if err != nil {
			return nil, fmt.Errorf("cratecorpus: %w", err)
		}
		paths = found
	}
	items, err := e.loadDumps(ctx, paths)
	if err != nil {
		return &Report{}, err
	}
	return merge.New(e.store).MergeLoaded(ctx, items)
}

// Analyze resolves every recorded call site against a fresh snapshot of
// the database. It never writes to the database.
func (e *Engine) Analyze(ctx context.Context) (*Graph, error) {
	ctx = e.withLogger(ctx)
	snap, err := e.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("cratecorpus: snapshot: %w", err)
	}
	opts := analysis.Options{Hierarchy: e.hierarchy}
	if e.policy != "" {
		path := e.policy
		if e.scriptsFS == nil {
			path = filepath.Base(e.policy)
		}
		p, err := e.runtime.LoadPolicy(ctx, path, snap)
		if err != nil {
			return nil, fmt.Errorf("cratecorpus: %w", err)
		}
		opts.Policy = p
	}
	return analysis.Analyze(ctx, snap, opts)
}

// Status describes the database contents.
type Status struct {
	InstanceID string       `json:"instance_id"`
	Counts     store.Counts `json:"counts"`
	Units      []*Unit      `json:"units"`
}

// Status lists merged units and table sizes.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	id, err := e.store.InstanceID(ctx)
	if err != nil {
		return nil, fmt.Errorf("cratecorpus: %w", err)
	}
	counts, err := e.store.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("cratecorpus: %w", err)
	}
	units, err := e.store.Units(ctx)
	if err != nil {
		return nil, fmt.Errorf("cratecorpus: %w", err)
	}
	if units == nil {
		units = []*Unit{}
	}
	return &Status{InstanceID: id, Counts: counts, Units: units}, nil
}

// ExtractSource runs the tree-sitter extractor over a crate source tree and
// writes the dump to out. With an empty out the dump is filed into the
// workspace corpus directory with a success marker, where UpdateDatabase
// discovers it.
func (e *Engine) ExtractSource(ctx context.Context, root string, opts srcextract.Options, out string) (string, *dump.Dump, error) {
	ctx = e.withLogger(ctx)
	d, err := srcextract.Extract(ctx, root, opts)
	if err != nil {
		return "", nil, fmt.Errorf("cratecorpus: %w", err)
	}
	marker := ""
	if out == "" {
		pkg := cratelist.Package{Name: d.Unit.Crate, Version: d.Unit.Version}
		dir := orchestrator.CorpusPath(e.workspace, pkg)
		out = filepath.Join(dir, dump.FileName(d.Unit))
		marker = filepath.Join(dir, orchestrator.SuccessMarker)
	}
	if err := dump.WriteFile(out, d); err != nil {
		return "", nil, fmt.Errorf("cratecorpus: %w", err)
	}
	if marker != "" {
		if err := os.WriteFile(marker, nil, 0o644); err != nil {
			return "", nil, fmt.Errorf("cratecorpus: %w", err)
		}
	}
	ctxlog.FromContext(ctx).Info("extracted source", "unit", d.Unit.String(), "functions", len(d.Functions), "call_sites", len(d.CallSites), "out", out)
	return out, d, nil
}
