package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/jward/cratecorpus"
	"github.com/jward/cratecorpus/internal/artifact"
	"github.com/jward/cratecorpus/internal/cratelist"
	"github.com/jward/cratecorpus/internal/orchestrator"
	"github.com/spf13/cobra"
)

var (
	flagForce       bool
	flagStopOnError bool
	flagKeepBuilds  bool
)

var compileCmd = &cobra.Command{
	Use:   "compile",
	Short: "Compile every pending crate in the sandbox",
	Long:  "Builds the crate list's entries one at a time with the configured build command. Each crate's source is read from <sources>/<name>-<version>; successful builds file their dumps under <workspace>/rust-corpus. The list is saved after every entry, so an interrupted run resumes where it stopped.",
	Args:  cobra.NoArgs,
	RunE:  runCompile,
}

func init() {
	compileCmd.Flags().BoolVar(&flagForce, "force", false, "rebuild crates that already succeeded or failed")
	compileCmd.Flags().BoolVar(&flagStopOnError, "stop-on-error", false, "stop after the first failed crate")
	compileCmd.Flags().BoolVar(&flagKeepBuilds, "keep-builds", false, "keep sandbox build directories for inspection")
}

func runCompile(cmd *cobra.Command, args []string) error {
	start := time.Now()
	out := cmd.OutOrStdout()

	listPath := cfg.CrateListPath()
	list, err := cratelist.Load(listPath)
	if err != nil {
		return outputError(out, "compile", fmt.Errorf("%w (run 'cratecorpus list init' first)", err))
	}

	engine, err := openEngine()
	if err != nil {
		return outputError(out, "compile", err)
	}
	defer engine.Close()

	summary, err := engine.Compile(cmd.Context(), list, cratecorpus.CompileOptions{
		ListPath:    listPath,
		SourcesDir:  cfg.SourcesPath(),
		Command:     cfg.Build.Command,
		Env:         cfg.Build.Env,
		Limits:      cfg.Limits(),
		Force:       flagForce,
		StopOnError: flagStopOnError || cfg.Build.StopOnError,
		KeepBuilds:  flagKeepBuilds,
	})
	if summary != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Compiled %d crates in %s (succeeded: %d, failed: %d, skipped: %d, remaining: %d)\n",
			summary.Succeeded+summary.Failed,
			time.Since(start).Round(time.Millisecond),
			summary.Succeeded, summary.Failed, summary.Skipped, summary.Remaining,
		)
	}
	if err != nil {
		if orchestrator.IsCancelled(err) && summary != nil {
			_ = outputResult(out, "compile", summary)
			errorHandled = true
			return err
		}
		return outputError(out, "compile", err)
	}
	return outputResult(out, "compile", summary)
}

var updateDatabaseCmd = &cobra.Command{
	Use:   "update-database [dump...]",
	Short: "Merge compiled dumps into the corpus database",
	Long:  "Merges the named dump files, or every dump under <workspace>/rust-corpus when none are named. Units already in the database are skipped; unreadable or incompatible dumps are reported and left out.",
	RunE:  runUpdateDatabase,
}

func runUpdateDatabase(cmd *cobra.Command, args []string) error {
	start := time.Now()
	out := cmd.OutOrStdout()

	paths := make([]string, 0, len(args))
	for _, a := range args {
		abs, err := filepath.Abs(a)
		if err != nil {
			return outputError(out, "update-database", fmt.Errorf("resolving path %q: %w", a, err))
		}
		paths = append(paths, abs)
	}

	engine, err := openEngine()
	if err != nil {
		return outputError(out, "update-database", err)
	}
	defer engine.Close()

	report, err := engine.UpdateDatabase(cmd.Context(), paths)
	if err != nil {
		return outputError(out, "update-database", err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Merged %d units in %s (skipped: %d, rejected: %d)\n",
		len(report.Merged),
		time.Since(start).Round(time.Millisecond),
		len(report.Skipped), len(report.Rejected),
	)
	fmt.Fprintf(cmd.ErrOrStderr(), "Database: %s\n", cfg.DatabasePath())
	return outputResult(out, "update-database", report)
}

var (
	flagOutput      string
	flagPolicy      string
	flagNoHierarchy bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Resolve the corpus call graph and write it out",
	Long:  "Loads the whole corpus database, resolves every call site by its dispatch kind, and writes the graph as JSON to --output: a file path, - for stdout, or s3://bucket/key.",
	Args:  cobra.NoArgs,
	RunE:  runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVarP(&flagOutput, "output", "o", "", "graph destination: path, - or s3://bucket/key (default from config)")
	analyzeCmd.Flags().StringVar(&flagPolicy, "policy", "", "dispatch policy script, or builtin:<name>")
	analyzeCmd.Flags().BoolVar(&flagNoHierarchy, "no-hierarchy", false, "omit the trait hierarchy from the graph")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	start := time.Now()
	out := cmd.OutOrStdout()

	if flagPolicy != "" {
		cfg.Analysis.PolicyScript = flagPolicy
	}
	if flagNoHierarchy {
		cfg.Analysis.Hierarchy = false
	}
	target := cfg.Artifact.Output
	if flagOutput != "" {
		target = flagOutput
	}
	s3 := cfg.Artifact.S3
	sink, err := artifact.Open(target, artifact.S3Config{
		Endpoint:  s3.Endpoint,
		Region:    s3.Region,
		AccessKey: s3.AccessKey,
		SecretKey: s3.SecretKey,
		UseSSL:    s3.UseSSL,
	}, out)
	if err != nil {
		return outputError(out, "analyze", err)
	}

	engine, err := openExistingEngine()
	if err != nil {
		return outputError(out, "analyze", err)
	}
	defer engine.Close()

	g, err := engine.Analyze(cmd.Context())
	if err != nil {
		return outputError(out, "analyze", err)
	}
	if err := artifact.WriteJSON(cmd.Context(), sink, g); err != nil {
		return outputError(out, "analyze", err)
	}

	res := CLIArtifact{
		Sink:       sink.String(),
		Nodes:      len(g.Nodes),
		Edges:      len(g.Edges),
		Unresolved: len(g.Unresolved()),
	}
	if g.Hierarchy != nil {
		res.Traits = len(g.Hierarchy.Traits)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Analyzed %d functions and %d call sites in %s (unresolved: %d)\n",
		res.Nodes, res.Edges, time.Since(start).Round(time.Millisecond), res.Unresolved)

	// Stdout already holds the graph.
	if target == "" || target == "-" {
		return nil
	}
	return outputResult(out, "analyze", res)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List merged units and table sizes",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	engine, err := openExistingEngine()
	if err != nil {
		return outputError(out, "status", err)
	}
	defer engine.Close()

	st, err := engine.Status(cmd.Context())
	if err != nil {
		return outputError(out, "status", err)
	}
	return outputResult(out, "status", st)
}
