// Package cratecorpus builds a cross-crate call graph for a corpus of Rust
// packages.
//
// # Pipeline
//
// The pipeline runs in three independently invoked stages:
//
//  1. Compile: each entry of the crate list is built, one at a time, inside
//     a sandbox with an instrumented compiler that writes one binary dump
//     per compilation unit. Successful builds file their dumps under
//     <workspace>/rust-corpus/<name>-<version>/.
//
//  2. Update database: dumps are folded into a SQLite corpus database.
//     Every local index in a dump is remapped to a global id by interning
//     the entity's natural key, so re-merging a known unit adds nothing.
//
//  3. Analyze: the whole database is loaded into memory and every call site
//     is resolved by its dispatch kind. Static and generic calls keep the
//     callee recorded at compile time; trait-virtual calls fan out to every
//     implementation reachable from the call's bound; closure calls resolve
//     to the functions observed flowing into them.
//
// # Usage
//
//	e, err := cratecorpus.New("corpus.db", "workspace")
//	if err != nil { ... }
//	defer e.Close()
//
//	ctx := context.Background()
//	summary, err := e.Compile(ctx, list, cratecorpus.CompileOptions{Command: cmd})
//	report, err := e.UpdateDatabase(ctx, nil)
//	graph, err := e.Analyze(ctx)
//
// # Concurrency
//
// Builds run sequentially. The database has a single writer: running two
// merges against the same database, or analyzing while a merge is in
// progress, is not detected and must be prevented by the caller.
//
// # Dispatch policies
//
// [WithPolicy] names a Risor script that may narrow the candidate callees of
// each resolved call site. See the internal/runtime package for the globals
// exposed to policies. The scripts package embeds a few ready-made ones for
// use with [WithScriptsFS].
package cratecorpus
