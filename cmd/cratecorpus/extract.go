package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jward/cratecorpus/internal/cratelist"
	"github.com/jward/cratecorpus/internal/srcextract"
	"github.com/spf13/cobra"
)

var (
	flagCrate  string
	flagTarget string
	flagOut    string
)

var extractSourceCmd = &cobra.Command{
	Use:   "extract-source <dir>",
	Short: "Write a dump from Rust sources without compiling",
	Long:  "Parses a crate's sources with tree-sitter and writes an approximate dump for it. Without --out the dump is filed into the workspace corpus, where update-database picks it up.",
	Args:  cobra.ExactArgs(1),
	RunE:  runExtractSource,
}

func init() {
	extractSourceCmd.Flags().StringVar(&flagCrate, "crate", "", "crate identity as name@version (required)")
	extractSourceCmd.Flags().StringVar(&flagTarget, "target", "lib", "compilation unit target name")
	extractSourceCmd.Flags().StringVar(&flagOut, "out", "", "dump file to write (default: into the workspace corpus)")
	_ = extractSourceCmd.MarkFlagRequired("crate")
}

func runExtractSource(cmd *cobra.Command, args []string) error {
	start := time.Now()
	out := cmd.OutOrStdout()

	pkg, err := cratelist.ParsePackage(flagCrate)
	if err != nil {
		return outputError(out, "extract-source", err)
	}
	root, err := filepath.Abs(args[0])
	if err != nil {
		return outputError(out, "extract-source", fmt.Errorf("resolving path %q: %w", args[0], err))
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return outputError(out, "extract-source", fmt.Errorf("not a directory: %s", root))
	}

	engine, err := openEngine()
	if err != nil {
		return outputError(out, "extract-source", err)
	}
	defer engine.Close()

	path, d, err := engine.ExtractSource(cmd.Context(), root, srcextract.Options{
		Crate:   pkg.Name,
		Version: pkg.Version,
		Target:  flagTarget,
	}, flagOut)
	if err != nil {
		return outputError(out, "extract-source", err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Extracted %s in %s\n", root, time.Since(start).Round(time.Millisecond))
	return outputResult(out, "extract-source", CLIExtract{
		Unit:      d.Unit.String(),
		Out:       path,
		Functions: len(d.Functions),
		Types:     len(d.Types),
		CallSites: len(d.CallSites),
	})
}
