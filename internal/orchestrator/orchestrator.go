// Package orchestrator drives the sandbox over a crate list, one entry at a
// time, and files the results into the workspace.
//
// Workspace layout:
//
//	<workspace>/sources/<id>/          crate sources, prepared beforehand
//	<workspace>/builds/<id>/           sandbox scratch space
//	<workspace>/rust-corpus/<id>/      dumps, Cargo.lock, logs and the success marker
//	<workspace>/logs/<id>.log          log of the last failed attempt
//
// The list is saved after every status change. An interrupted run leaves
// completed entries untouched and restores the interrupted entry's previous
// status, so the next run resumes with it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jward/cratecorpus/internal/cratelist"
	"github.com/jward/cratecorpus/internal/ctxlog"
	"github.com/jward/cratecorpus/internal/merge"
	"github.com/jward/cratecorpus/internal/sandbox"
)

// Files written into a crate's corpus directory.
const (
	SuccessMarker = "success"
	LogsFile      = "logs"
	CargoLock     = "Cargo.lock"
)

// StatusSkipped marks an entry the run did not build.
const StatusSkipped sandbox.Status = "skipped"

// Executor runs one sandboxed build.
type Executor interface {
	Execute(ctx context.Context, spec sandbox.BuildSpec, limits sandbox.Limits) (*sandbox.Outcome, error)
}

// Config controls a run.
type Config struct {
	// ListPath is where the list is saved after each change. Empty disables
	// saving.
	ListPath string
	// SourcesDir holds one source tree per entry. Defaults to
	// <workspace>/sources.
	SourcesDir string
	Command    []string
	Env        map[string]string
	Limits     sandbox.Limits
	// Force rebuilds entries that already succeeded.
	Force bool
	// StopOnError ends the run after the first failed entry.
	StopOnError bool
	// KeepBuilds leaves the sandbox build directories in place.
	KeepBuilds bool
}

// Result is what happened to one entry.
type Result struct {
	Package  cratelist.Package `json:"package"`
	Status   sandbox.Status    `json:"status"`
	Message  string            `json:"message,omitempty"`
	LogPath  string            `json:"log_path,omitempty"`
	Dumps    []string          `json:"dumps,omitempty"`
	PeakRSS  int64             `json:"peak_rss,omitempty"`
	Duration time.Duration     `json:"duration"`
}

// Summary aggregates a run.
type Summary struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	// Remaining counts entries left pending by a stop or a cancellation.
	Remaining int `json:"remaining"`
	// Failures counts failed entries by reason.
	Failures  map[sandbox.Status]int `json:"failures"`
	Results   []Result               `json:"results"`
	Stopped   bool                   `json:"stopped,omitempty"`
	Cancelled bool                   `json:"cancelled,omitempty"`
	Duration  time.Duration          `json:"duration"`
}

// Orchestrator builds crate list entries sequentially.
type Orchestrator struct {
	exec Executor
	cfg  Config
	now  func() time.Time
}

// New creates an Orchestrator.
func New(exec Executor, cfg Config) *Orchestrator {
	if cfg.SourcesDir == "" {
		cfg.SourcesDir = filepath.Join(cfg.Limits.Workspace, "sources")
	}
	return &Orchestrator{exec: exec, cfg: cfg, now: time.Now}
}

// CorpusPath returns the corpus directory of a package.
func CorpusPath(workspace string, p cratelist.Package) string {
	return filepath.Join(workspace, merge.CorpusDir, p.ID())
}

// Compiled reports whether the package has a success marker.
func Compiled(workspace string, p cratelist.Package) bool {
	_, err := os.Stat(filepath.Join(CorpusPath(workspace, p), SuccessMarker))
	return err == nil
}

// Run builds every entry that needs it. A failed entry never stops the run
// unless StopOnError is set. The only errors returned are a failure to save
// the list and cancellation; the summary is valid in both cases.
func (o *Orchestrator) Run(ctx context.Context, list *cratelist.List) (*Summary, error) {
	logger := ctxlog.FromContext(ctx)
	start := time.Now()
	sum := &Summary{Failures: map[sandbox.Status]int{}, Results: []Result{}}
	defer func() { sum.Duration = time.Since(start) }()

	for _, e := range list.Crates {
		if sum.Stopped || sum.Cancelled {
			break
		}
		if ctx.Err() != nil {
			sum.Cancelled = true
			break
		}
		if reason := o.skipReason(e); reason != "" {
			logger.Info("skipping crate", "crate", e.String(), "reason", reason)
			sum.Skipped++
			sum.Results = append(sum.Results, Result{Package: e.Package, Status: StatusSkipped, Message: reason})
			continue
		}

		prev := *e
		e.MarkBuilding(o.now())
		if err := o.save(list); err != nil {
			return sum, err
		}

		res := o.build(ctx, e.Package)
		switch {
		case res.Status == sandbox.StatusCancelled:
			*e = prev
			sum.Cancelled = true
			logger.Info("build interrupted", "crate", e.String())
		case res.Status == sandbox.StatusSuccess:
			e.MarkSucceeded(o.now())
			sum.Succeeded++
		default:
			e.MarkFailed(string(res.Status), res.Message, res.LogPath, o.now())
			sum.Failed++
			sum.Failures[res.Status]++
			if o.cfg.StopOnError {
				sum.Stopped = true
			}
		}
		if err := o.save(list); err != nil {
			return sum, err
		}
		if res.Status != sandbox.StatusCancelled {
			sum.Results = append(sum.Results, res)
		}
	}

	if sum.Stopped || sum.Cancelled {
		sum.Remaining = len(list.Pending())
	}
	if sum.Cancelled {
		cause := context.Cause(ctx)
		if cause == nil {
			cause = context.Canceled
		}
		return sum, fmt.Errorf("orchestrator: %w", cause)
	}
	return sum, nil
}

func (o *Orchestrator) skipReason(e *cratelist.Entry) string {
	switch e.Status {
	case cratelist.StatusSucceeded:
		if o.cfg.Force {
			return ""
		}
		if Compiled(o.cfg.Limits.Workspace, e.Package) {
			return "already compiled"
		}
		return ""
	case cratelist.StatusFailed:
		if o.cfg.Force {
			return ""
		}
		return "failed in an earlier run"
	}
	return ""
}

func (o *Orchestrator) save(list *cratelist.List) error {
	if o.cfg.ListPath == "" {
		return nil
	}
	if err := list.Save(o.cfg.ListPath); err != nil {
		return fmt.Errorf("orchestrator: saving list: %w", err)
	}
	return nil
}

// build runs one entry and files its output.
func (o *Orchestrator) build(ctx context.Context, p cratelist.Package) Result {
	logger := ctxlog.FromContext(ctx).With("crate", p.String())
	logger.Info("building crate")

	spec := sandbox.BuildSpec{
		ID:      p.ID(),
		Source:  filepath.Join(o.cfg.SourcesDir, p.ID()),
		Command: o.cfg.Command,
		Env:     o.cfg.Env,
	}
	res := Result{Package: p}

	out, err := o.exec.Execute(ctx, spec, o.cfg.Limits)
	if out == nil {
		out = &sandbox.Outcome{ID: spec.ID, Status: sandbox.StatusSetupError}
		if err != nil {
			out.Message = err.Error()
		}
	}
	res.Status, res.Message = out.Status, out.Message
	res.PeakRSS, res.Duration = out.PeakRSS, out.Duration
	if !o.cfg.KeepBuilds && out.BuildDir != "" {
		defer func() {
			if err := os.RemoveAll(out.BuildDir); err != nil {
				logger.Warn("removing build directory", "error", err)
			}
		}()
	}

	switch out.Status {
	case sandbox.StatusCancelled:
		return res
	case sandbox.StatusSuccess:
		dumps, err := o.file(p, out)
		if err != nil {
			res.Status = sandbox.StatusSetupError
			res.Message = err.Error()
			break
		}
		res.Dumps = dumps
		logger.Info("crate compiled", "dumps", len(dumps), "duration", out.Duration.Round(time.Millisecond))
		return res
	}

	log := out.Log
	if len(log) == 0 && res.Message != "" {
		log = []byte(res.Message + "\n")
	}
	logPath, err := o.writeFailureLog(p, log)
	if err != nil {
		logger.Warn("saving failure log", "error", err)
	}
	res.LogPath = logPath
	logger.Info("crate failed", "status", res.Status, "message", res.Message)
	return res
}

// file moves a successful build's output into the crate's corpus directory.
// The new directory is assembled next to the old one and swapped in, so a
// crash leaves the prior dumps or the new ones, never a mix.
func (o *Orchestrator) file(p cratelist.Package, out *sandbox.Outcome) ([]string, error) {
	dest := CorpusPath(o.cfg.Limits.Workspace, p)
	staging := dest + ".partial"
	if err := os.RemoveAll(staging); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	var names []string
	for _, src := range out.Dumps {
		name := filepath.Base(src)
		if err := os.Rename(src, filepath.Join(staging, name)); err != nil {
			return nil, fmt.Errorf("orchestrator: moving dump: %w", err)
		}
		names = append(names, name)
	}
	if out.CargoLock != "" {
		if err := os.Rename(out.CargoLock, filepath.Join(staging, CargoLock)); err != nil {
			return nil, fmt.Errorf("orchestrator: moving %s: %w", CargoLock, err)
		}
	}
	if err := os.WriteFile(filepath.Join(staging, LogsFile), out.Log, 0o644); err != nil {
		return nil, fmt.Errorf("orchestrator: writing logs: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staging, SuccessMarker), nil, 0o644); err != nil {
		return nil, fmt.Errorf("orchestrator: writing marker: %w", err)
	}

	if err := os.RemoveAll(dest); err != nil {
		return nil, fmt.Errorf("orchestrator: clearing %s: %w", dest, err)
	}
	if err := os.Rename(staging, dest); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	sort.Strings(names)
	dumps := make([]string, len(names))
	for i, n := range names {
		dumps[i] = filepath.Join(dest, n)
	}
	return dumps, nil
}

func (o *Orchestrator) writeFailureLog(p cratelist.Package, log []byte) (string, error) {
	dir := filepath.Join(o.cfg.Limits.Workspace, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, p.ID()+".log")
	if err := os.WriteFile(path, log, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// IsCancelled reports whether err came from an interrupted run.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
