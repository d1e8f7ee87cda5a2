package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jward/cratecorpus"
	"github.com/jward/cratecorpus/internal/config"
	"github.com/jward/cratecorpus/internal/ctxlog"
	"github.com/jward/cratecorpus/scripts"
	"github.com/spf13/cobra"
)

var (
	flagConfig    string
	flagWorkspace string
	flagDB        string
	flagFormat    string
	flagVerbose   bool
	flagLogFormat string
)

// cfg is resolved once per invocation by the root command's pre-run.
var cfg *config.Config

// errorHandled is set by outputError so main() doesn't double-print.
var errorHandled bool

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errorHandled {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "cratecorpus",
	Short:         "Build a cross-crate call graph for a corpus of Rust packages",
	Long:          "cratecorpus compiles a list of crates in a sandbox with an instrumented compiler, merges the per-unit dumps into a SQLite corpus database, and resolves the corpus call graph.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := validateFormat(flagFormat); err != nil {
			return err
		}
		logger, err := newLogger(cmd.ErrOrStderr(), flagVerbose, flagLogFormat)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		cmd.SetContext(ctxlog.WithLogger(commandContext(cmd), logger))

		c, err := loadConfig()
		if err != nil {
			return err
		}
		cfg = c
		return nil
	},
	// No Run: prints help by default.
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "HCL config file (default: ./"+config.DefaultFile+" when present)")
	pf.StringVar(&flagWorkspace, "workspace", "", "workspace directory (overrides config)")
	pf.StringVar(&flagDB, "db", "", "corpus database path (default: <workspace>/corpus.db)")
	pf.StringVar(&flagFormat, "format", "json", "output format: json|text")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "log at debug level")
	pf.StringVar(&flagLogFormat, "log-format", "text", "log format: text|json")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(compileCmd)
	rootCmd.AddCommand(updateDatabaseCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(extractSourceCmd)
	rootCmd.AddCommand(graphCmd)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// newLogger builds the process logger. Logs always go to w, never stdout,
// so JSON results stay parseable.
func newLogger(w io.Writer, verbose bool, format string) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	switch format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q: must be text or json", format)
}

// loadConfig resolves settings: defaults, then .env and the environment,
// then the config file, then command-line flags.
func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	path := flagConfig
	if path == "" {
		if _, err := os.Stat(config.DefaultFile); err == nil {
			path = config.DefaultFile
		}
	}
	c, err := config.Load(path, config.Environ())
	if err != nil {
		return nil, err
	}
	if flagWorkspace != "" {
		c.Workspace = flagWorkspace
	}
	if flagDB != "" {
		c.Database = flagDB
	}
	return c, nil
}

// policyOptions selects the dispatch policy: a path on disk, or
// builtin:<name> for one of the embedded policies.
func policyOptions(policy string) ([]cratecorpus.Option, error) {
	if policy == "" {
		return nil, nil
	}
	if name, ok := strings.CutPrefix(policy, scripts.Prefix); ok {
		p, found := scripts.Path(name)
		if !found {
			return nil, fmt.Errorf("unknown built-in policy %q (have %s)", name, strings.Join(scripts.Names(), ", "))
		}
		return []cratecorpus.Option{cratecorpus.WithScriptsFS(scripts.FS), cratecorpus.WithPolicy(p)}, nil
	}
	abs, err := filepath.Abs(policy)
	if err != nil {
		return nil, fmt.Errorf("resolving policy path %q: %w", policy, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("policy not found: %s", abs)
	}
	return []cratecorpus.Option{cratecorpus.WithPolicy(abs)}, nil
}

// openEngine opens the corpus database for the configured workspace,
// creating both when missing.
func openEngine(extra ...cratecorpus.Option) (*cratecorpus.Engine, error) {
	if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace %s: %w", cfg.Workspace, err)
	}
	dbPath := cfg.DatabasePath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", filepath.Dir(dbPath), err)
	}

	opts := []cratecorpus.Option{
		cratecorpus.WithLauncher(cfg.Launcher()),
		cratecorpus.WithHierarchy(cfg.Analysis.Hierarchy),
		cratecorpus.WithLogger(slog.Default()),
	}
	policy, err := policyOptions(cfg.Analysis.PolicyScript)
	if err != nil {
		return nil, err
	}
	opts = append(opts, policy...)
	opts = append(opts, extra...)

	engine, err := cratecorpus.New(dbPath, cfg.Workspace, opts...)
	if err != nil {
		return nil, fmt.Errorf("opening corpus database: %w", err)
	}
	return engine, nil
}

// openExistingEngine is openEngine for read-only commands, which fail
// rather than create an empty database.
func openExistingEngine(extra ...cratecorpus.Option) (*cratecorpus.Engine, error) {
	dbPath := cfg.DatabasePath()
	if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("database not found: %s (run 'cratecorpus update-database' first)", dbPath)
	}
	return openEngine(extra...)
}
