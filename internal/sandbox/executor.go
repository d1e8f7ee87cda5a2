package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jward/cratecorpus/internal/ctxlog"
	"github.com/jward/cratecorpus/internal/dump"
)

const defaultPATH = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// passthroughEnv is copied from the host environment when set.
var passthroughEnv = []string{"HOME", "CARGO_HOME", "RUSTUP_HOME", "RUSTUP_TOOLCHAIN"}

// RSSSampler reports the resident set size of a process group.
type RSSSampler func(pgid int) (int64, error)

// Executor runs builds.
type Executor struct {
	launcher Launcher
	sampler  RSSSampler
	poll     time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithLauncher sets how commands are wrapped. The default is Bwrap.
func WithLauncher(l Launcher) Option {
	return func(e *Executor) {
		e.launcher = l
	}
}

// WithRSSSampler replaces the /proc based memory sampler.
func WithRSSSampler(s RSSSampler) Option {
	return func(e *Executor) {
		e.sampler = s
	}
}

// WithPollInterval sets how often memory is sampled.
func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) {
		e.poll = d
	}
}

// New creates an Executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		launcher: Bwrap{},
		sampler:  groupRSS,
		poll:     250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Launcher returns the configured launcher.
func (e *Executor) Launcher() Launcher {
	return e.launcher
}

// Execute runs one build. The returned error is non-nil only for setup
// failures, which are also reported as StatusSetupError in the Outcome.
func (e *Executor) Execute(ctx context.Context, spec BuildSpec, limits Limits) (*Outcome, error) {
	logger := ctxlog.FromContext(ctx).With("build", spec.ID)
	start := time.Now()

	out := &Outcome{ID: spec.ID}
	fail := func(err error) (*Outcome, error) {
		out.Status = StatusSetupError
		out.Message = err.Error()
		out.Duration = time.Since(start)
		return out, err
	}

	if spec.ID == "" || strings.ContainsAny(spec.ID, `/\`) || spec.ID == "." || spec.ID == ".." {
		return fail(fmt.Errorf("sandbox: invalid build id %q", spec.ID))
	}
	dirs, err := prepare(limits.Workspace, spec)
	if err != nil {
		return fail(err)
	}
	out.BuildDir, out.SourceDir, out.DataDir = dirs.Build, dirs.Source, dirs.Data

	argv, err := e.launcher.Wrap(dirs, spec.Command, limits)
	if err != nil {
		return fail(err)
	}
	if limits.NoNetwork && !isolatesNetwork(e.launcher) {
		logger.Warn("launcher cannot disable networking; build has network access", "launcher", e.launcher.Name())
	}

	logs := newTruncatingBuffer(limits.MaxLogBytes)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dirs.Source
	cmd.Env = buildEnv(dirs, spec.Env)
	cmd.Stdin = nil
	cmd.Stdout = logs
	cmd.Stderr = logs
	// Background processes holding the output pipe must not stall Wait.
	cmd.WaitDelay = 2 * time.Second
	setProcessGroup(cmd)

	logger.Debug("starting build", "launcher", e.launcher.Name(), "argv", argv)
	if err := cmd.Start(); err != nil {
		return fail(fmt.Errorf("sandbox: start %s: %w", argv[0], err))
	}
	pid := cmd.Process.Pid

	k := &killer{pid: pid}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.watch(ctx, limits, k, out, done)
	}()

	waitErr := cmd.Wait()
	close(done)
	wg.Wait()
	// Reap anything the build left running in its group.
	_ = killGroup(pid)

	out.Duration = time.Since(start)
	out.Log = logs.Bytes()
	out.Truncated = logs.Truncated()

	switch reason := k.reason(); {
	case reason != "":
		out.Status = reason
		out.Message = k.message
	case waitErr == nil:
		out.Status = StatusSuccess
	default:
		out.Status = StatusCompileError
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
		} else {
			out.ExitCode = -1
		}
		out.Message = fmt.Sprintf("build command failed: %v", waitErr)
	}

	if out.Succeeded() {
		dumps, err := collectDumps(dirs.Data)
		if err != nil {
			return fail(err)
		}
		out.Dumps = dumps
		if lock := filepath.Join(dirs.Source, "Cargo.lock"); fileExists(lock) {
			out.CargoLock = lock
		}
	} else {
		// A failed build produces no dump.
		if err := os.RemoveAll(dirs.Data); err != nil {
			logger.Warn("removing partial dumps", "error", err)
		}
	}

	logger.Info("build finished",
		"status", out.Status,
		"exit_code", out.ExitCode,
		"dumps", len(out.Dumps),
		"peak_rss", out.PeakRSS,
		"duration", out.Duration.Round(time.Millisecond))
	return out, nil
}

// killer records why the group was killed. The first reason wins.
type killer struct {
	mu      sync.Mutex
	pid     int
	status  Status
	message string
}

func (k *killer) kill(status Status, message string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.status != "" {
		return
	}
	k.status = status
	k.message = message
	_ = killGroup(k.pid)
}

func (k *killer) reason() Status {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.status
}

// watch enforces the timeout, memory ceiling and cancellation until done is
// closed.
func (e *Executor) watch(ctx context.Context, limits Limits, k *killer, out *Outcome, done <-chan struct{}) {
	var timeout <-chan time.Time
	if limits.Timeout > 0 {
		t := time.NewTimer(limits.Timeout)
		defer t.Stop()
		timeout = t.C
	}
	var tick <-chan time.Time
	if limits.MaxMemoryBytes > 0 && e.sampler != nil {
		t := time.NewTicker(e.poll)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			k.kill(StatusCancelled, "build cancelled")
			return
		case <-timeout:
			k.kill(StatusTimeout, fmt.Sprintf("build did not complete in %s", limits.Timeout))
			return
		case <-tick:
			rss, err := e.sampler(k.pid)
			if err != nil {
				ctxlog.FromContext(ctx).Warn("memory sampling disabled", "error", err)
				tick = nil
				continue
			}
			if rss > out.PeakRSS {
				out.PeakRSS = rss
			}
			if rss > limits.MaxMemoryBytes {
				k.kill(StatusResourceLimit, fmt.Sprintf("resident memory %d exceeded limit %d", rss, limits.MaxMemoryBytes))
				return
			}
		}
	}
}

// prepare creates a fresh build directory and copies the source in.
func prepare(workspace string, spec BuildSpec) (Dirs, error) {
	if workspace == "" {
		return Dirs{}, fmt.Errorf("sandbox: no workspace")
	}
	root, err := filepath.Abs(filepath.Join(workspace, "builds", spec.ID))
	if err != nil {
		return Dirs{}, fmt.Errorf("sandbox: %w", err)
	}
	dirs := Dirs{
		Build:  root,
		Source: filepath.Join(root, "source"),
		Target: filepath.Join(root, "target"),
		Data:   filepath.Join(root, "corpus-data"),
	}
	if err := os.RemoveAll(root); err != nil {
		return Dirs{}, fmt.Errorf("sandbox: clearing %s: %w", root, err)
	}
	for _, d := range []string{dirs.Target, dirs.Data} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return Dirs{}, fmt.Errorf("sandbox: %w", err)
		}
	}
	if spec.Source == "" {
		if err := os.MkdirAll(dirs.Source, 0o755); err != nil {
			return Dirs{}, fmt.Errorf("sandbox: %w", err)
		}
		return dirs, nil
	}
	if info, err := os.Stat(spec.Source); err != nil || !info.IsDir() {
		return Dirs{}, fmt.Errorf("sandbox: source %s is not a directory", spec.Source)
	}
	if err := copyTree(spec.Source, dirs.Source); err != nil {
		return Dirs{}, fmt.Errorf("sandbox: copying source: %w", err)
	}
	return dirs, nil
}

func buildEnv(dirs Dirs, extra map[string]string) []string {
	env := map[string]string{
		"PATH":             defaultPATH,
		"RUST_BACKTRACE":   "1",
		"CARGO_TARGET_DIR": dirs.Target,
		DataPathEnv:        dirs.Data,
	}
	for _, k := range passthroughEnv {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}
	for k, v := range extra {
		env[k] = v
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		}
		return nil
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func collectDumps(dataDir string) ([]string, error) {
	var dumps []string
	err := filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), dump.Ext) {
			dumps = append(dumps, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: collecting dumps: %w", err)
	}
	sort.Strings(dumps)
	return dumps, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
