package srcextract

import (
	"path/filepath"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/rust"
)

// Rust is the only grammar the extractor needs. Lazily initialized on first
// call via sync.Once.
var (
	rustGrammar *sitter.Language
	grammarOnce sync.Once
)

func rustLanguage() *sitter.Language {
	grammarOnce.Do(func() {
		rustGrammar = rust.GetLanguage()
	})
	return rustGrammar
}

// IsRustSource reports whether path names a Rust source file.
func IsRustSource(path string) bool {
	return strings.ToLower(filepath.Ext(path)) == ".rs"
}

// newParser returns a parser for Rust. Parsers are not safe for concurrent
// use.
func newParser() *sitter.Parser {
	p := sitter.NewParser()
	p.SetLanguage(rustLanguage())
	return p
}
