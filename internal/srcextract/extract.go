// Package srcextract produces dumps from Rust source with tree-sitter. It is
// the fallback when no instrumented compiler is available, and it builds
// small fixtures for tests.
//
// Without type information calls are classified syntactically:
//
//   - a path call to a function defined in the crate is static (generic when
//     the callee has type parameters);
//   - a path call to anything else is static with an external reference;
//   - Trait::method(..) on a crate trait is virtual with the trait known;
//   - a method call is virtual with an unconstrained trait, except
//     self.method(..) on the enclosing impl's own type, which is static;
//   - a call through a local binding is a closure call.
package srcextract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/cratecorpus/internal/ctxlog"
	"github.com/jward/cratecorpus/internal/dump"
)

// Extractor names dumps written by this package.
const Extractor = "srcextract/tree-sitter"

// Options identifies the unit being extracted.
type Options struct {
	Crate   string
	Version string
	Target  string
}

type parsedFile struct {
	rel    string
	src    []byte
	tree   *sitter.Tree
	module []string
}

type fnDef struct {
	index    int
	symbol   string
	module   string
	selfType string // descriptor of the impl's self type, if a method
	node     *sitter.Node
	file     *parsedFile
	generic  bool
}

type implDef struct {
	selfDesc  string
	traitName string
	module    string
	methods   []dump.ImplMethod
}

type extraction struct {
	ident string // crate name as it appears in paths
	d     *dump.Dump

	fns       []*fnDef
	bySymbol  map[string]*fnDef
	byName    map[string][]*fnDef // free functions by simple name
	methodsOf map[string]map[string]*fnDef
	types     map[string]int      // descriptor → type index
	typeNames map[string][]string // simple name → descriptors
	traits    map[string]bool     // trait descriptors
	impls     []implDef
}

// Extract parses every Rust source under root and returns the unit's dump.
func Extract(ctx context.Context, root string, opts Options) (*dump.Dump, error) {
	if opts.Crate == "" || opts.Version == "" {
		return nil, fmt.Errorf("srcextract: crate name and version are required")
	}
	if opts.Target == "" {
		opts.Target = "lib"
	}
	logger := ctxlog.FromContext(ctx)

	paths, err := Files(root)
	if err != nil {
		return nil, fmt.Errorf("srcextract: walking %s: %w", root, err)
	}

	parser := newParser()
	defer parser.Close()

	var files []*parsedFile
	defer func() {
		for _, f := range files {
			f.tree.Close()
		}
	}()
	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src, err := os.ReadFile(filepath.Join(root, rel))
		if err != nil {
			return nil, fmt.Errorf("srcextract: reading %s: %w", rel, err)
		}
		tree, err := parser.ParseCtx(ctx, nil, src)
		if err != nil {
			return nil, fmt.Errorf("srcextract: parsing %s: %w", rel, err)
		}
		files = append(files, &parsedFile{rel: rel, src: src, tree: tree, module: moduleOf(rel)})
	}

	x := &extraction{
		ident: strings.ReplaceAll(opts.Crate, "-", "_"),
		d: &dump.Dump{
			Unit:      dump.UnitID{Crate: opts.Crate, Version: opts.Version, Target: opts.Target},
			Extractor: Extractor,
			Crates:    []dump.Crate{{Name: opts.Crate, Version: opts.Version}},
		},
		bySymbol:  make(map[string]*fnDef),
		byName:    make(map[string][]*fnDef),
		methodsOf: make(map[string]map[string]*fnDef),
		types:     make(map[string]int),
		typeNames: make(map[string][]string),
		traits:    make(map[string]bool),
	}

	for _, f := range files {
		x.collectTypes(f, f.tree.RootNode(), x.modulePath(f.module))
	}
	for _, f := range files {
		x.collectItems(f, f.tree.RootNode(), x.modulePath(f.module))
	}
	x.bindImpls()
	for _, fn := range x.fns {
		if body := fn.node.ChildByFieldName("body"); body != nil {
			x.collectCalls(fn, body)
		}
	}

	logger.Debug("extracted source unit",
		"unit", x.d.Unit.String(),
		"files", len(files),
		"functions", len(x.d.Functions),
		"call_sites", len(x.d.CallSites))
	return x.d, dump.Validate(x.d)
}

func (x *extraction) modulePath(parts []string) string {
	return strings.Join(append([]string{x.ident}, parts...), "::")
}

// =============================================================================
// Items
// =============================================================================

// collectTypes records the types and traits of a module body. It runs over
// every file before collectItems so impls can name types from any file.
func (x *extraction) collectTypes(f *parsedFile, container *sitter.Node, module string) {
	for i := 0; i < int(container.NamedChildCount()); i++ {
		item := container.NamedChild(i)
		switch item.Type() {
		case "mod_item":
			if body := item.ChildByFieldName("body"); body != nil {
				x.collectTypes(f, body, module+"::"+fieldText(item, "name", f.src))
			}
		case "struct_item", "enum_item", "union_item":
			x.addType(module+"::"+fieldText(item, "name", f.src), dump.TypeADT)
		case "trait_item":
			desc := module + "::" + fieldText(item, "name", f.src)
			x.addType(desc, dump.TypeTrait)
			x.traits[desc] = true
		}
	}
}

// collectItems records the functions, trait methods and impls of a module
// body.
func (x *extraction) collectItems(f *parsedFile, container *sitter.Node, module string) {
	for i := 0; i < int(container.NamedChildCount()); i++ {
		item := container.NamedChild(i)
		switch item.Type() {
		case "mod_item":
			name := fieldText(item, "name", f.src)
			if body := item.ChildByFieldName("body"); body != nil {
				x.collectItems(f, body, module+"::"+name)
			}

		case "function_item":
			x.addFunction(f, item, module+"::"+fieldText(item, "name", f.src), module, "")

		case "trait_item":
			x.collectTrait(f, item, module)

		case "impl_item":
			x.collectImpl(f, item, module)
		}
	}
}

func (x *extraction) collectTrait(f *parsedFile, item *sitter.Node, module string) {
	desc := module + "::" + fieldText(item, "name", f.src)
	traitIdx := x.types[desc]

	body := item.ChildByFieldName("body")
	if body == nil {
		return
	}
	for i := 0; i < int(body.NamedChildCount()); i++ {
		m := body.NamedChild(i)
		if m.Type() != "function_signature_item" && m.Type() != "function_item" {
			continue
		}
		name := fieldText(m, "name", f.src)
		tm := dump.TraitMethod{
			Trait:     uint32(traitIdx),
			Name:      name,
			Signature: signature(m, f.src),
			Default:   dump.None,
		}
		if m.Type() == "function_item" {
			fn := x.addFunction(f, m, desc+"::"+name, module, desc)
			if fn != nil {
				tm.Default = int32(fn.index)
			}
		}
		x.d.TraitMethods = append(x.d.TraitMethods, tm)
	}
}

func (x *extraction) collectImpl(f *parsedFile, item *sitter.Node, module string) {
	selfName := typeName(item.ChildByFieldName("type"), f.src)
	if selfName == "" {
		return
	}
	selfDesc := x.qualifyType(selfName, module)
	impl := implDef{selfDesc: selfDesc, module: module}
	if tr := item.ChildByFieldName("trait"); tr != nil {
		impl.traitName = typeName(tr, f.src)
	}

	body := item.ChildByFieldName("body")
	if body == nil {
		return
	}
	for i := 0; i < int(body.NamedChildCount()); i++ {
		m := body.NamedChild(i)
		if m.Type() != "function_item" {
			continue
		}
		name := fieldText(m, "name", f.src)
		symbol := selfDesc + "::" + name
		if impl.traitName != "" {
			symbol = "<" + selfDesc + " as " + impl.traitName + ">::" + name
		}
		fn := x.addFunction(f, m, symbol, module, selfDesc)
		if fn == nil {
			continue
		}
		if x.methodsOf[selfDesc] == nil {
			x.methodsOf[selfDesc] = make(map[string]*fnDef)
		}
		if _, dup := x.methodsOf[selfDesc][name]; !dup || impl.traitName == "" {
			x.methodsOf[selfDesc][name] = fn
		}
		impl.methods = append(impl.methods, dump.ImplMethod{Name: name, Function: uint32(fn.index)})
	}
	x.impls = append(x.impls, impl)
}

// bindImpls records trait impls once every type is known. Impls of traits
// defined outside the crate are not recorded; their methods remain
// functions.
func (x *extraction) bindImpls() {
	for _, impl := range x.impls {
		if impl.traitName == "" {
			continue
		}
		traitDesc, ok := x.lookupType(impl.traitName, impl.module)
		if !ok || !x.traits[traitDesc] {
			continue
		}
		selfIdx, ok := x.types[impl.selfDesc]
		if !ok {
			selfIdx = len(x.d.Types)
			x.types[impl.selfDesc] = selfIdx
			x.d.Types = append(x.d.Types, dump.Type{Crate: 0, Descriptor: impl.selfDesc, Kind: dump.TypeOther, Name: lastSegment(impl.selfDesc)})
		}
		x.d.TraitImpls = append(x.d.TraitImpls, dump.TraitImpl{
			Trait:    uint32(x.types[traitDesc]),
			SelfType: uint32(selfIdx),
			Methods:  impl.methods,
		})
	}
}

func (x *extraction) addFunction(f *parsedFile, node *sitter.Node, symbol, module, selfType string) *fnDef {
	if _, dup := x.bySymbol[symbol]; dup {
		return nil
	}
	name := fieldText(node, "name", f.src)
	fn := &fnDef{
		index:    len(x.d.Functions),
		symbol:   symbol,
		module:   module,
		selfType: selfType,
		node:     node,
		file:     f,
		generic:  node.ChildByFieldName("type_parameters") != nil,
	}
	start, end := node.StartPoint(), node.EndPoint()
	x.d.Functions = append(x.d.Functions, dump.Function{
		Crate:      0,
		Symbol:     symbol,
		Name:       name,
		Generic:    fn.generic,
		Visibility: visibility(node, f.src),
		Location:   x.addLocation(f, node),
		Lines:      end.Row - start.Row + 1,
	})
	x.fns = append(x.fns, fn)
	x.bySymbol[symbol] = fn
	if selfType == "" {
		x.byName[name] = append(x.byName[name], fn)
	}
	return fn
}

func (x *extraction) addType(desc string, kind dump.TypeKind) int {
	if idx, ok := x.types[desc]; ok {
		return idx
	}
	idx := len(x.d.Types)
	x.types[desc] = idx
	name := lastSegment(desc)
	x.typeNames[name] = append(x.typeNames[name], desc)
	x.d.Types = append(x.d.Types, dump.Type{Crate: 0, Descriptor: desc, Kind: kind, Name: name})
	return idx
}

func (x *extraction) addLocation(f *parsedFile, node *sitter.Node) int32 {
	p := node.StartPoint()
	x.d.Locations = append(x.d.Locations, dump.Location{
		Crate:  0,
		File:   f.rel,
		Line:   p.Row + 1,
		Column: p.Column + 1,
	})
	return int32(len(x.d.Locations) - 1)
}

// qualifyType returns the descriptor for a type named in module, falling
// back to module::name for types the crate does not define.
func (x *extraction) qualifyType(name, module string) string {
	if desc, ok := x.lookupType(name, module); ok {
		return desc
	}
	return module + "::" + name
}

// lookupType resolves a type name written in module against the crate's
// types: the exact module first, then any unique definition of the name.
func (x *extraction) lookupType(name, module string) (string, bool) {
	if desc := x.absolute(name, module); desc != "" {
		if _, ok := x.types[desc]; ok {
			return desc, true
		}
	}
	descs := x.typeNames[lastSegment(name)]
	if len(descs) == 1 {
		return descs[0], true
	}
	for _, d := range descs {
		if d == module+"::"+lastSegment(name) {
			return d, true
		}
	}
	return "", false
}

// absolute rewrites a path written in module into a crate-absolute path.
// It returns "" for paths that leave the crate.
func (x *extraction) absolute(path, module string) string {
	segs := strings.Split(path, "::")
	switch segs[0] {
	case "crate":
		return strings.Join(append([]string{x.ident}, segs[1:]...), "::")
	case "self":
		return strings.Join(append([]string{module}, segs[1:]...), "::")
	case "super":
		parent := module
		if i := strings.LastIndex(module, "::"); i >= 0 {
			parent = module[:i]
		}
		return strings.Join(append([]string{parent}, segs[1:]...), "::")
	case x.ident:
		return path
	}
	return module + "::" + path
}

// =============================================================================
// Calls
// =============================================================================

type scope struct {
	locals  map[string]bool
	aliases map[string]*fnDef
}

func (x *extraction) collectCalls(fn *fnDef, body *sitter.Node) {
	sc := &scope{locals: make(map[string]bool), aliases: make(map[string]*fnDef)}
	if params := fn.node.ChildByFieldName("parameters"); params != nil {
		bindPatterns(params, fn.file.src, sc.locals)
	}
	walk(body, func(n *sitter.Node) {
		if n.Type() != "let_declaration" {
			return
		}
		pat := n.ChildByFieldName("pattern")
		if pat == nil {
			return
		}
		bindPatterns(pat, fn.file.src, sc.locals)
		if pat.Type() == "identifier" {
			if v := n.ChildByFieldName("value"); v != nil {
				if target, ok := x.resolvePath(stripTurbofish(v.Content(fn.file.src)), fn); ok {
					sc.aliases[pat.Content(fn.file.src)] = target
				}
			}
		}
	})

	walk(body, func(n *sitter.Node) {
		if n.Type() == "call_expression" {
			x.classifyCall(fn, sc, n)
		}
	})
}

func (x *extraction) classifyCall(fn *fnDef, sc *scope, call *sitter.Node) {
	callee := call.ChildByFieldName("function")
	if callee == nil {
		return
	}
	src := fn.file.src
	site := dump.CallSite{
		Caller: uint32(fn.index),
		Callee: dump.None,
	}

	if callee.Type() == "generic_function" {
		if inner := callee.ChildByFieldName("function"); inner != nil {
			callee = inner
		}
	}

	switch callee.Type() {
	case "identifier", "scoped_identifier":
		path := stripTurbofish(callee.Content(src))
		if callee.Type() == "identifier" && sc.locals[path] {
			site.Kind = dump.DispatchClosure
			if target := sc.aliases[path]; target != nil {
				site.Targets = []uint32{uint32(target.index)}
			}
			break
		}
		if target, ok := x.resolvePath(path, fn); ok {
			site.Kind = dump.DispatchStatic
			if target.generic {
				site.Kind = dump.DispatchGeneric
			}
			site.Callee = int32(target.index)
			break
		}
		if trait, method, ok := x.traitMethodPath(path, fn.module); ok {
			site.Kind = dump.DispatchVirtual
			site.Method = &dump.MethodRef{Trait: int32(x.types[trait]), Name: method}
			break
		}
		if isConstructor(path) {
			// Tuple struct and enum variant constructors are not calls.
			return
		}
		site.Kind = dump.DispatchStatic
		site.External = externalRef(path)

	case "field_expression":
		name := fieldText(callee, "field", src)
		recv := callee.ChildByFieldName("value")
		if recv != nil && recv.Content(src) == "self" && fn.selfType != "" {
			if target := x.methodsOf[fn.selfType][name]; target != nil {
				site.Kind = dump.DispatchStatic
				site.Callee = int32(target.index)
				break
			}
		}
		site.Kind = dump.DispatchVirtual
		site.Method = &dump.MethodRef{Trait: dump.None, Name: name}

	default:
		site.Kind = dump.DispatchClosure
	}
	site.Location = x.addLocation(fn.file, call)
	x.d.CallSites = append(x.d.CallSites, site)
}

// resolvePath finds the crate function a call path names.
func (x *extraction) resolvePath(path string, fn *fnDef) (*fnDef, bool) {
	if path == "" || strings.ContainsAny(path, " (){}[]") {
		return nil, false
	}
	if target, ok := x.bySymbol[x.absolute(path, fn.module)]; ok {
		return target, true
	}
	if target, ok := x.bySymbol[path]; ok {
		return target, true
	}
	segs := strings.Split(path, "::")
	if len(segs) == 1 {
		if cands := x.byName[path]; len(cands) == 1 {
			return cands[0], true
		}
		return nil, false
	}
	// Type::method on a crate type.
	typePath := strings.Join(segs[:len(segs)-1], "::")
	method := segs[len(segs)-1]
	if typePath == "Self" && fn.selfType != "" {
		if target := x.methodsOf[fn.selfType][method]; target != nil {
			return target, true
		}
		return nil, false
	}
	if desc, ok := x.lookupType(typePath, fn.module); ok {
		if target := x.methodsOf[desc][method]; target != nil {
			return target, true
		}
	}
	return nil, false
}

// traitMethodPath recognizes Trait::method for a trait of the crate.
func (x *extraction) traitMethodPath(path, module string) (string, string, bool) {
	i := strings.LastIndex(path, "::")
	if i < 0 {
		return "", "", false
	}
	desc, ok := x.lookupType(path[:i], module)
	if !ok || !x.traits[desc] {
		return "", "", false
	}
	return desc, path[i+2:], true
}

// externalRef attributes a path that leaves the crate. A path starting with
// a lowercase segment names its crate; anything else is taken from std.
func externalRef(path string) *dump.ExternalRef {
	segs := strings.Split(path, "::")
	if len(segs) > 1 && isLower(segs[0]) {
		return &dump.ExternalRef{Crate: segs[0], Symbol: path}
	}
	return &dump.ExternalRef{Crate: "std", Symbol: path}
}

// =============================================================================
// Syntax helpers
// =============================================================================

func walk(n *sitter.Node, visit func(*sitter.Node)) {
	visit(n)
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		// Nested items are functions of their own.
		switch child.Type() {
		case "function_item", "impl_item", "trait_item", "mod_item":
			continue
		}
		walk(child, visit)
	}
}

// bindPatterns adds every identifier bound by a pattern or parameter list.
func bindPatterns(n *sitter.Node, src []byte, into map[string]bool) {
	switch n.Type() {
	case "identifier":
		into[n.Content(src)] = true
		return
	case "self_parameter", "type_identifier", "primitive_type", "reference_type", "generic_type", "scoped_type_identifier":
		return
	case "parameter":
		if pat := n.ChildByFieldName("pattern"); pat != nil {
			bindPatterns(pat, src, into)
		}
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		bindPatterns(n.NamedChild(i), src, into)
	}
}

func fieldText(n *sitter.Node, field string, src []byte) string {
	if c := n.ChildByFieldName(field); c != nil {
		return c.Content(src)
	}
	return ""
}

// typeName strips generic arguments and references from a type.
func typeName(n *sitter.Node, src []byte) string {
	if n == nil {
		return ""
	}
	switch n.Type() {
	case "generic_type":
		return typeName(n.ChildByFieldName("type"), src)
	case "reference_type":
		return typeName(n.ChildByFieldName("type"), src)
	}
	return n.Content(src)
}

func visibility(n *sitter.Node, src []byte) string {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if c := n.NamedChild(i); c.Type() == "visibility_modifier" {
			return c.Content(src)
		}
	}
	return ""
}

// signature renders a method's parameters and return type as fn(..) -> T.
func signature(n *sitter.Node, src []byte) string {
	sig := "fn" + collapse(fieldText(n, "parameters", src))
	if ret := fieldText(n, "return_type", src); ret != "" {
		sig += " -> " + collapse(ret)
	}
	return sig
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func stripTurbofish(path string) string {
	if i := strings.Index(path, "::<"); i >= 0 {
		return path[:i]
	}
	return path
}

func lastSegment(path string) string {
	if i := strings.LastIndex(path, "::"); i >= 0 {
		return path[i+2:]
	}
	return path
}

func isLower(s string) bool {
	return s != "" && s[0] >= 'a' && s[0] <= 'z'
}

func isConstructor(path string) bool {
	last := lastSegment(path)
	return last != "" && last[0] >= 'A' && last[0] <= 'Z'
}
