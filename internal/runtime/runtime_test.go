package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/risor-io/risor/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/cratecorpus/internal/analysis"
	"github.com/jward/cratecorpus/internal/dump"
	"github.com/jward/cratecorpus/internal/merge"
	"github.com/jward/cratecorpus/internal/store"
)

// shapesSnapshot merges a small crate with one trait and two impls, plus a
// test helper, and returns the snapshot.
func shapesSnapshot(t *testing.T) *store.Snapshot {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewStore(filepath.Join(dir, "corpus.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })

	d := &dump.Dump{
		Unit:   dump.UnitID{Crate: "shapes", Version: "0.1.0", Target: "lib"},
		Crates: []dump.Crate{{Name: "shapes", Version: "0.1.0"}},
		Functions: []dump.Function{
			{Crate: 0, Symbol: "shapes::main", Name: "main", Location: dump.None},
			{Crate: 0, Symbol: "<Circle as Shape>::area", Name: "area", Location: dump.None},
			{Crate: 0, Symbol: "<tests::Fake as Shape>::area", Name: "area", Location: dump.None},
		},
		Types: []dump.Type{
			{Crate: 0, Descriptor: "shapes::Shape", Kind: dump.TypeTrait},
			{Crate: 0, Descriptor: "shapes::Circle", Kind: dump.TypeADT},
			{Crate: 0, Descriptor: "shapes::tests::Fake", Kind: dump.TypeADT},
		},
		TraitImpls: []dump.TraitImpl{
			{Trait: 0, SelfType: 1, Methods: []dump.ImplMethod{{Name: "area", Function: 1}}},
			{Trait: 0, SelfType: 2, Methods: []dump.ImplMethod{{Name: "area", Function: 2}}},
		},
		TraitMethods: []dump.TraitMethod{{Trait: 0, Name: "area", Signature: "fn(&self) -> f64", Default: dump.None}},
		CallSites: []dump.CallSite{{
			Caller: 0, Kind: dump.DispatchVirtual, Callee: dump.None, Location: dump.None,
			Method: &dump.MethodRef{Trait: 0, Name: "area"},
		}},
	}
	path := filepath.Join(dir, dump.FileName(d.Unit))
	require.NoError(t, dump.WriteFile(path, d))
	_, err = merge.New(s).Merge(context.Background(), []string{path})
	require.NoError(t, err)

	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func idOf(t *testing.T, snap *store.Snapshot, symbol string) int64 {
	t.Helper()
	for _, f := range snap.Functions {
		if f.Symbol == symbol {
			return f.ID
		}
	}
	t.Fatalf("no function %q", symbol)
	return 0
}

// --- RunSource and host functions ---

func TestRunSource_ReturnsFinalExpression(t *testing.T) {
	t.Parallel()
	rt := NewRuntime("")

	result, err := rt.RunSource(context.Background(), `x := 1 + 2
x`, nil, nil)
	require.NoError(t, err)
	i, ok := result.(*object.Int)
	require.True(t, ok)
	assert.Equal(t, int64(3), i.Value())
}

func TestRunSource_ScriptError(t *testing.T) {
	t.Parallel()
	rt := NewRuntime("")

	_, err := rt.RunSource(context.Background(), `assert(false, "nope")`, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "<inline>")
}

func TestHostFunctions_CrateAndSymbol(t *testing.T) {
	t.Parallel()
	snap := shapesSnapshot(t)
	rt := NewRuntime("")
	id := idOf(t, snap, "<Circle as Shape>::area")

	script := `
assert(crate_of(fn_id) == "shapes@0.1.0", 'crate_of: {crate_of(fn_id)}')
assert(symbol_of(fn_id) == "<Circle as Shape>::area", 'symbol_of: {symbol_of(fn_id)}')
assert(symbol_of(123456) == nil)
log.Info("host functions ok")
`
	_, err := rt.RunSource(context.Background(), script, snap, map[string]any{"fn_id": id})
	require.NoError(t, err)
}

func TestHostFunctions_ArgumentErrors(t *testing.T) {
	t.Parallel()
	snap := shapesSnapshot(t)
	rt := NewRuntime("")

	_, err := rt.RunSource(context.Background(), `crate_of()`, snap, nil)
	require.Error(t, err)
	_, err = rt.RunSource(context.Background(), `symbol_of("x")`, snap, nil)
	require.Error(t, err)
}

func TestHostFunctions_AbsentWithoutSnapshot(t *testing.T) {
	t.Parallel()
	rt := NewRuntime("")

	_, err := rt.RunSource(context.Background(), `crate_of(1)`, nil, nil)
	require.Error(t, err)
}

// --- Policy ---

const dropTestsPolicy = `
keep := []
for _, c := range candidates {
    if !strings.contains(c["symbol"], "tests::") {
        keep.append(c["id"])
    }
}
keep
`

func TestPolicy_FiltersCandidates(t *testing.T) {
	t.Parallel()
	snap := shapesSnapshot(t)
	rt := NewRuntime("")
	p, err := rt.NewPolicy(context.Background(), dropTestsPolicy, snap)
	require.NoError(t, err)

	circle := idOf(t, snap, "<Circle as Shape>::area")
	fake := idOf(t, snap, "<tests::Fake as Shape>::area")
	got, err := p.Filter(context.Background(), analysis.Site{Kind: dump.DispatchVirtual, Method: "area"}, []int64{circle, fake})
	require.NoError(t, err)
	assert.Equal(t, []int64{circle}, got)
}

func TestPolicy_SeesSite(t *testing.T) {
	t.Parallel()
	snap := shapesSnapshot(t)
	rt := NewRuntime("")
	main := idOf(t, snap, "shapes::main")

	p, err := rt.NewPolicy(context.Background(), `
assert(site["kind"] == "virtual")
assert(site["method"] == "area")
assert(site["caller_symbol"] == "shapes::main")
assert(candidates[0]["package"] == "shapes@0.1.0")
candidates
`, snap)
	require.NoError(t, err)
	circle := idOf(t, snap, "<Circle as Shape>::area")
	got, err := p.Filter(context.Background(), analysis.Site{Caller: main, Kind: dump.DispatchVirtual, Method: "area"}, []int64{circle})
	require.NoError(t, err)
	assert.Equal(t, []int64{circle}, got, "candidate maps are accepted as results")
}

func TestPolicy_NilKeepsEverything(t *testing.T) {
	t.Parallel()
	snap := shapesSnapshot(t)
	p, err := NewRuntime("").NewPolicy(context.Background(), `nil`, snap)
	require.NoError(t, err)

	got, err := p.Filter(context.Background(), analysis.Site{}, []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, got)
}

func TestPolicy_RejectsNonList(t *testing.T) {
	t.Parallel()
	snap := shapesSnapshot(t)
	p, err := NewRuntime("").NewPolicy(context.Background(), `"everything"`, snap)
	require.NoError(t, err)

	_, err = p.Filter(context.Background(), analysis.Site{}, []int64{1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must return a list")
}

func TestPolicy_SyntaxErrorAtLoad(t *testing.T) {
	t.Parallel()
	_, err := NewRuntime("").NewPolicy(context.Background(), `keep := [`, shapesSnapshot(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "<inline>")
}

func TestPolicy_ReusesCompiledCode(t *testing.T) {
	t.Parallel()
	snap := shapesSnapshot(t)
	p, err := NewRuntime("").NewPolicy(context.Background(), dropTestsPolicy, snap)
	require.NoError(t, err)
	code := p.code
	require.NotNil(t, code)

	circle := idOf(t, snap, "<Circle as Shape>::area")
	fake := idOf(t, snap, "<tests::Fake as Shape>::area")
	for i := 0; i < 200; i++ {
		candidates := []int64{circle, fake}
		want := []int64{circle}
		if i%2 == 1 {
			candidates = []int64{fake}
			want = []int64{}
		}
		got, err := p.Filter(context.Background(), analysis.Site{CallSite: int64(i)}, candidates)
		require.NoError(t, err)
		assert.Equal(t, want, got, "site %d", i)
	}
	assert.Same(t, code, p.code)
}

func TestPolicy_DrivesAnalysis(t *testing.T) {
	t.Parallel()
	snap := shapesSnapshot(t)
	p, err := NewRuntime("").NewPolicy(context.Background(), dropTestsPolicy, snap)
	require.NoError(t, err)

	g, err := analysis.Analyze(context.Background(), snap, analysis.Options{Policy: p})
	require.NoError(t, err)
	require.Len(t, g.Edges, 1)
	require.Len(t, g.Edges[0].Callees, 1)
	assert.Equal(t, "<Circle as Shape>::area", g.Node(g.Edges[0].Callees[0]).Symbol)
}

func TestLoadPolicy_FromDisk(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "drop_tests.risor"), []byte(dropTestsPolicy), 0644))
	snap := shapesSnapshot(t)

	p, err := NewRuntime(dir).LoadPolicy(context.Background(), "drop_tests.risor", snap)
	require.NoError(t, err)
	got, err := p.Filter(context.Background(), analysis.Site{}, []int64{idOf(t, snap, "<tests::Fake as Shape>::area")})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadPolicy_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := NewRuntime(t.TempDir()).LoadPolicy(context.Background(), "nope.risor", nil)
	require.Error(t, err)
}

// --- Script loading ---

func TestLoadScript(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "p.risor"), []byte(`x := 1`), 0644))

	rt := NewRuntime(dir)
	got, err := rt.LoadScript("p.risor")
	require.NoError(t, err)
	assert.Equal(t, `x := 1`, got)

	got, err = rt.LoadScript(filepath.Join(dir, "p.risor"))
	require.NoError(t, err)
	assert.Equal(t, `x := 1`, got)
}

func TestLoadScript_FromFSFS(t *testing.T) {
	t.Parallel()

	content := `x := 42`
	mapFS := fstest.MapFS{
		"policies/keep.risor": &fstest.MapFile{Data: []byte(content)},
	}
	rt := NewRuntime("", WithRuntimeFS(mapFS))

	got, err := rt.LoadScript("/policies/keep.risor")
	require.NoError(t, err)
	assert.Equal(t, content, got)

	_, err = rt.LoadScript("nonexistent.risor")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "from fs")
}

// --- Importer wiring ---

func TestImport_FSImporter(t *testing.T) {
	t.Parallel()
	// FSImporter resolves "lib_helpers" by trying name + ".risor".
	mapFS := fstest.MapFS{
		"lib_helpers.risor": &fstest.MapFile{Data: []byte(`
func is_test(sym) {
	return strings.contains(sym, "tests::")
}
`)},
	}
	rt := NewRuntime("", WithRuntimeFS(mapFS))

	script := `
import lib_helpers
assert(lib_helpers.is_test("a::tests::b"))
`
	_, err := rt.RunSource(context.Background(), script, nil, nil)
	require.NoError(t, err)
}

func TestImport_LocalImporterSeesGlobals(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "helper.risor"), []byte(`
func do_log(msg) {
	log.Info(msg)
}
`), 0644))
	rt := NewRuntime(dir)

	script := `
import helper
helper.do_log("test message")
`
	_, err := rt.RunSource(context.Background(), script, nil, nil)
	require.NoError(t, err)
}
