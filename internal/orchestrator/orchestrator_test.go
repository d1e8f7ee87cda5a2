package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jward/cratecorpus/internal/cratelist"
	"github.com/jward/cratecorpus/internal/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildScript plays the instrumented compiler: a source tree containing
// a file named "broken" fails, any other tree writes one dump.
const buildScript = `
if [ -f broken ]; then
  echo "error: could not compile" >&2
  exit 101
fi
echo "Compiling $(cat name)"
printf dump > "$RUST_CORPUS_DATA_PATH/$(cat name)-lib.dump"
touch Cargo.lock
`

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
}

type workspace struct {
	root string
	list string
}

func newWorkspace(t *testing.T) workspace {
	t.Helper()
	root := t.TempDir()
	return workspace{root: root, list: filepath.Join(root, "CrateList.json")}
}

func (w workspace) addSource(t *testing.T, p cratelist.Package, broken bool) {
	t.Helper()
	dir := filepath.Join(w.root, "sources", p.ID())
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "name"), []byte(p.ID()), 0o644))
	if broken {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "broken"), nil, 0o644))
	}
}

func (w workspace) config() Config {
	limits := sandbox.DefaultLimits(w.root)
	limits.MaxMemoryBytes = 0
	limits.Timeout = 30 * time.Second
	return Config{
		ListPath: w.list,
		Command:  []string{"/bin/sh", "-c", buildScript},
		Limits:   limits,
	}
}

func directExecutor() *sandbox.Executor {
	return sandbox.New(sandbox.WithLauncher(sandbox.Direct{}))
}

var (
	leftpad = cratelist.Package{Name: "leftpad", Version: "1.0.0"}
	broken  = cratelist.Package{Name: "broken-crate", Version: "0.1.0"}
	rand    = cratelist.Package{Name: "rand", Version: "0.8.5"}
)

// fakeExecutor returns canned statuses keyed by build id.
type fakeExecutor struct {
	statuses map[string]sandbox.Status
	calls    []string
	onCall   func(id string)
}

func (f *fakeExecutor) Execute(ctx context.Context, spec sandbox.BuildSpec, limits sandbox.Limits) (*sandbox.Outcome, error) {
	f.calls = append(f.calls, spec.ID)
	if f.onCall != nil {
		f.onCall(spec.ID)
	}
	status, ok := f.statuses[spec.ID]
	if !ok {
		status = sandbox.StatusSuccess
	}
	if ctx.Err() != nil {
		status = sandbox.StatusCancelled
	}
	return &sandbox.Outcome{ID: spec.ID, Status: status, Message: string(status), Log: []byte("log of " + spec.ID)}, nil
}

// =============================================================================
// Real sandbox
// =============================================================================

func TestRun_SuccessAndFailure(t *testing.T) {
	t.Parallel()
	skipWithoutShell(t)
	ws := newWorkspace(t)
	ws.addSource(t, leftpad, false)
	ws.addSource(t, broken, true)

	list := cratelist.New([]cratelist.Package{leftpad, broken})
	sum, err := New(directExecutor(), ws.config()).Run(context.Background(), list)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, map[sandbox.Status]int{sandbox.StatusCompileError: 1}, sum.Failures)
	require.Len(t, sum.Results, 2)

	corpus := CorpusPath(ws.root, leftpad)
	assert.Equal(t, []string{filepath.Join(corpus, "leftpad-1.0.0-lib.dump")}, sum.Results[0].Dumps)
	assert.FileExists(t, filepath.Join(corpus, SuccessMarker))
	assert.FileExists(t, filepath.Join(corpus, CargoLock))
	logs, err := os.ReadFile(filepath.Join(corpus, LogsFile))
	require.NoError(t, err)
	assert.Contains(t, string(logs), "Compiling leftpad-1.0.0")
	assert.True(t, Compiled(ws.root, leftpad))

	assert.NoDirExists(t, CorpusPath(ws.root, broken))
	assert.False(t, Compiled(ws.root, broken))
	failLog, err := os.ReadFile(filepath.Join(ws.root, "logs", "broken-crate-0.1.0.log"))
	require.NoError(t, err)
	assert.Contains(t, string(failLog), "could not compile")

	assert.NoDirExists(t, filepath.Join(ws.root, "builds", leftpad.ID()), "build dirs are removed")

	saved, err := cratelist.Load(ws.list)
	require.NoError(t, err)
	assert.Equal(t, cratelist.StatusSucceeded, saved.Crates[0].Status)
	assert.Equal(t, cratelist.StatusFailed, saved.Crates[1].Status)
	assert.Equal(t, "compile-error", saved.Crates[1].Reason)
	assert.Equal(t, filepath.Join(ws.root, "logs", "broken-crate-0.1.0.log"), saved.Crates[1].LogPath)
}

func TestRun_SkipsCompiledUnlessForced(t *testing.T) {
	t.Parallel()
	skipWithoutShell(t)
	ws := newWorkspace(t)
	ws.addSource(t, leftpad, false)
	list := cratelist.New([]cratelist.Package{leftpad})

	_, err := New(directExecutor(), ws.config()).Run(context.Background(), list)
	require.NoError(t, err)

	sum, err := New(directExecutor(), ws.config()).Run(context.Background(), list)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 0, sum.Succeeded)
	assert.Equal(t, 1, list.Crates[0].Attempts)

	cfg := ws.config()
	cfg.Force = true
	sum, err = New(directExecutor(), cfg).Run(context.Background(), list)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 2, list.Crates[0].Attempts)
	assert.True(t, Compiled(ws.root, leftpad))
}

func TestRun_RebuildsSucceededEntryWithoutMarker(t *testing.T) {
	t.Parallel()
	skipWithoutShell(t)
	ws := newWorkspace(t)
	ws.addSource(t, leftpad, false)
	list := cratelist.New([]cratelist.Package{leftpad})
	list.Crates[0].MarkSucceeded(time.Now())

	sum, err := New(directExecutor(), ws.config()).Run(context.Background(), list)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
	assert.True(t, Compiled(ws.root, leftpad))
}

func TestRun_FailedRetryKeepsPriorDump(t *testing.T) {
	t.Parallel()
	skipWithoutShell(t)
	ws := newWorkspace(t)
	ws.addSource(t, leftpad, false)
	list := cratelist.New([]cratelist.Package{leftpad})

	_, err := New(directExecutor(), ws.config()).Run(context.Background(), list)
	require.NoError(t, err)

	// The source breaks; a forced rebuild fails and must not touch the dump.
	require.NoError(t, os.WriteFile(filepath.Join(ws.root, "sources", leftpad.ID(), "broken"), nil, 0o644))
	cfg := ws.config()
	cfg.Force = true
	sum, err := New(directExecutor(), cfg).Run(context.Background(), list)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Failed)
	assert.FileExists(t, filepath.Join(CorpusPath(ws.root, leftpad), "leftpad-1.0.0-lib.dump"))
	assert.FileExists(t, filepath.Join(CorpusPath(ws.root, leftpad), SuccessMarker))
}

func TestRun_MissingSourceIsSetupError(t *testing.T) {
	t.Parallel()
	skipWithoutShell(t)
	ws := newWorkspace(t)
	ws.addSource(t, leftpad, false)
	list := cratelist.New([]cratelist.Package{rand, leftpad})

	sum, err := New(directExecutor(), ws.config()).Run(context.Background(), list)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, "setup-error", list.Crates[0].Reason)
	failLog, err := os.ReadFile(list.Crates[0].LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(failLog), "not a directory")
}

// =============================================================================
// Scheduling
// =============================================================================

func TestRun_ResourceLimitIsIsolated(t *testing.T) {
	t.Parallel()
	ws := newWorkspace(t)
	pkgs := []cratelist.Package{
		{Name: "a", Version: "1.0.0"},
		{Name: "b", Version: "1.0.0"},
		{Name: "c", Version: "1.0.0"},
		{Name: "d", Version: "1.0.0"},
	}
	exec := &fakeExecutor{statuses: map[string]sandbox.Status{
		"b-1.0.0": sandbox.StatusResourceLimit,
		"d-1.0.0": sandbox.StatusCompileError,
	}}
	list := cratelist.New(pkgs)

	sum, err := New(exec, ws.config()).Run(context.Background(), list)
	require.NoError(t, err)

	assert.Equal(t, []string{"a-1.0.0", "b-1.0.0", "c-1.0.0", "d-1.0.0"}, exec.calls)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, 2, sum.Failed)
	assert.Equal(t, map[sandbox.Status]int{
		sandbox.StatusResourceLimit: 1,
		sandbox.StatusCompileError:  1,
	}, sum.Failures)
	assert.Equal(t, "resource-limit", list.Crates[1].Reason)
	assert.Equal(t, "compile-error", list.Crates[3].Reason)
}

func TestRun_MemoryKillInSandboxIsIsolated(t *testing.T) {
	t.Parallel()
	skipWithoutShell(t)
	ws := newWorkspace(t)
	a := cratelist.Package{Name: "a", Version: "1.0.0"}
	b := cratelist.Package{Name: "b", Version: "1.0.0"}
	c := cratelist.Package{Name: "c", Version: "1.0.0"}
	for _, p := range []cratelist.Package{a, b, c} {
		ws.addSource(t, p, false)
	}
	require.NoError(t, os.WriteFile(filepath.Join(ws.root, "sources", b.ID(), "hungry"), nil, 0o644))

	// The hungry build raises a flag; the sampler reports it over the limit
	// once and then reads small again.
	flag := filepath.Join(t.TempDir(), "over-limit")
	script := `if [ -f hungry ]; then touch "` + flag + `"; sleep 30; fi` + buildScript
	sampler := func(int) (int64, error) {
		if err := os.Remove(flag); err == nil {
			return 2 << 20, nil
		}
		return 4096, nil
	}
	exec := sandbox.New(
		sandbox.WithLauncher(sandbox.Direct{}),
		sandbox.WithRSSSampler(sampler),
		sandbox.WithPollInterval(10*time.Millisecond),
	)
	cfg := ws.config()
	cfg.Command = []string{"/bin/sh", "-c", script}
	cfg.Limits.MaxMemoryBytes = 1 << 20

	list := cratelist.New([]cratelist.Package{a, b, c})
	sum, err := New(exec, cfg).Run(context.Background(), list)
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, map[sandbox.Status]int{sandbox.StatusResourceLimit: 1}, sum.Failures)

	assert.Equal(t, cratelist.StatusSucceeded, list.Crates[0].Status)
	assert.Equal(t, cratelist.StatusFailed, list.Crates[1].Status)
	assert.Equal(t, "resource-limit", list.Crates[1].Reason, "a memory kill is not a compile error")
	assert.Equal(t, cratelist.StatusSucceeded, list.Crates[2].Status)

	assert.True(t, Compiled(ws.root, a))
	assert.False(t, Compiled(ws.root, b))
	assert.NoDirExists(t, CorpusPath(ws.root, b))
	assert.True(t, Compiled(ws.root, c))
}

func TestRun_StopOnError(t *testing.T) {
	t.Parallel()
	ws := newWorkspace(t)
	exec := &fakeExecutor{statuses: map[string]sandbox.Status{"broken-crate-0.1.0": sandbox.StatusTimeout}}
	list := cratelist.New([]cratelist.Package{broken, leftpad, rand})
	cfg := ws.config()
	cfg.StopOnError = true

	sum, err := New(exec, cfg).Run(context.Background(), list)
	require.NoError(t, err)

	assert.True(t, sum.Stopped)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 2, sum.Remaining)
	assert.Len(t, list.Pending(), sum.Remaining)
	assert.Equal(t, []string{"broken-crate-0.1.0"}, exec.calls)
	assert.Equal(t, cratelist.StatusPending, list.Crates[1].Status)
}

func TestRun_RemainingCountsInterruptedEntries(t *testing.T) {
	t.Parallel()
	ws := newWorkspace(t)
	exec := &fakeExecutor{statuses: map[string]sandbox.Status{"broken-crate-0.1.0": sandbox.StatusCompileError}}
	list := cratelist.New([]cratelist.Package{broken, leftpad, rand})
	list.Crates[1].MarkBuilding(time.Now())
	list.Crates[2].MarkSucceeded(time.Now())
	cfg := ws.config()
	cfg.StopOnError = true

	sum, err := New(exec, cfg).Run(context.Background(), list)
	require.NoError(t, err)

	assert.True(t, sum.Stopped)
	assert.Equal(t, 1, sum.Remaining, "building counts as pending, succeeded does not")
	assert.Equal(t, []string{"broken-crate-0.1.0"}, exec.calls)
}

func TestRun_SkipsEarlierFailures(t *testing.T) {
	t.Parallel()
	ws := newWorkspace(t)
	exec := &fakeExecutor{}
	list := cratelist.New([]cratelist.Package{broken, leftpad})
	list.Crates[0].MarkFailed("compile-error", "", "", time.Now())

	sum, err := New(exec, ws.config()).Run(context.Background(), list)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, []string{"leftpad-1.0.0"}, exec.calls)
}

func TestRun_CancellationRestoresEntry(t *testing.T) {
	t.Parallel()
	ws := newWorkspace(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := &fakeExecutor{onCall: func(id string) {
		if id == "broken-crate-0.1.0" {
			cancel()
		}
	}}
	list := cratelist.New([]cratelist.Package{leftpad, broken, rand})

	sum, err := New(exec, ws.config()).Run(ctx, list)
	require.Error(t, err)
	assert.True(t, IsCancelled(err))

	assert.True(t, sum.Cancelled)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 2, sum.Remaining)
	assert.Equal(t, []string{"leftpad-1.0.0", "broken-crate-0.1.0"}, exec.calls)

	saved, err := cratelist.Load(ws.list)
	require.NoError(t, err)
	assert.Equal(t, cratelist.StatusSucceeded, saved.Crates[0].Status)
	assert.Equal(t, cratelist.StatusPending, saved.Crates[1].Status)
	assert.Equal(t, 0, saved.Crates[1].Attempts)
	assert.Equal(t, cratelist.StatusPending, saved.Crates[2].Status)
}

func TestRun_NoListPathDoesNotSave(t *testing.T) {
	t.Parallel()
	ws := newWorkspace(t)
	cfg := ws.config()
	cfg.ListPath = ""

	_, err := New(&fakeExecutor{}, cfg).Run(context.Background(), cratelist.New([]cratelist.Package{leftpad}))
	require.NoError(t, err)
	assert.NoFileExists(t, ws.list)
}
