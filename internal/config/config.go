// Package config loads settings for the pipeline. Sources are applied in
// order, later ones winning: built-in defaults, environment variables
// (optionally from a .env file), then an HCL config file. Command-line
// flags are applied by the caller on top of the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/jward/cratecorpus/internal/sandbox"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// DefaultFile is the config file picked up from the working directory when
// none is named.
const DefaultFile = "cratecorpus.hcl"

// Environment variables.
const (
	EnvWorkspace   = "CRATECORPUS_WORKSPACE"
	EnvDatabase    = "CRATECORPUS_DB"
	EnvCrateList   = "CRATECORPUS_CRATE_LIST"
	EnvS3Endpoint  = "CRATECORPUS_S3_ENDPOINT"
	EnvS3AccessKey = "CRATECORPUS_S3_ACCESS_KEY"
	EnvS3SecretKey = "CRATECORPUS_S3_SECRET_KEY"
	EnvS3Region    = "CRATECORPUS_S3_REGION"
	EnvS3SSL       = "CRATECORPUS_S3_SSL"
)

// Sandbox kinds.
const (
	SandboxBwrap = "bwrap"
	SandboxNone  = "none"
)

// Config is the resolved configuration.
type Config struct {
	Workspace string
	// Database, CrateList and SourcesDir default to paths inside the
	// workspace when empty; use the accessor methods.
	Database   string
	CrateList  string
	SourcesDir string

	Build    Build
	Analysis Analysis
	Artifact Artifact
}

// Build configures the orchestrator and sandbox.
type Build struct {
	Command          []string
	Env              map[string]string
	Sandbox          string
	BwrapPath        string
	ReadWrite        []string
	MaxLogBytes      int64
	MemoryLimit      int64
	Timeout          time.Duration
	EnableNetworking bool
	StopOnError      bool
}

// Analysis configures the analyzer.
type Analysis struct {
	PolicyScript string
	Hierarchy    bool
}

// Artifact configures where graphs are written.
type Artifact struct {
	// Output is a file path, "-" for stdout, or s3://bucket/key.
	Output string
	S3     S3
}

// S3 holds object store credentials.
type S3 struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Workspace: "workspace",
		Build: Build{
			Command:     []string{"cargo", "build", "--verbose"},
			Env:         map[string]string{},
			Sandbox:     SandboxBwrap,
			MaxLogBytes: sandbox.DefaultMaxLogBytes,
			MemoryLimit: sandbox.DefaultMaxMemoryBytes,
			Timeout:     sandbox.DefaultTimeout,
		},
		Analysis: Analysis{Hierarchy: true},
		Artifact: Artifact{
			Output: "-",
			S3:     S3{Region: "us-east-1", UseSSL: true},
		},
	}
}

// LoadDotEnv loads .env style files into the process environment. Missing
// files are ignored; variables already set are kept.
func LoadDotEnv(files ...string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("config: loading %s: %w", strings.Join(existing, ", "), err)
	}
	return nil
}

// Environ returns the process environment as a map.
func Environ() map[string]string {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// Load resolves the configuration from env and, when path is not empty,
// the HCL file at path. The result is validated.
func Load(path string, env map[string]string) (*Config, error) {
	cfg := Default()
	cfg.applyEnv(env)
	if path != "" {
		if err := cfg.applyFile(path, env); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(env map[string]string) {
	get := func(k string) string { return strings.TrimSpace(env[k]) }
	c.Workspace = firstNonEmpty(get(EnvWorkspace), c.Workspace)
	c.Database = firstNonEmpty(get(EnvDatabase), c.Database)
	c.CrateList = firstNonEmpty(get(EnvCrateList), c.CrateList)

	s3 := &c.Artifact.S3
	s3.Endpoint = firstNonEmpty(get(EnvS3Endpoint), s3.Endpoint)
	s3.AccessKey = firstNonEmpty(get(EnvS3AccessKey), env["MINIO_ROOT_USER"], s3.AccessKey)
	s3.SecretKey = firstNonEmpty(get(EnvS3SecretKey), env["MINIO_ROOT_PASSWORD"], s3.SecretKey)
	s3.Region = firstNonEmpty(get(EnvS3Region), s3.Region)
	if raw := get(EnvS3SSL); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			s3.UseSSL = v
		}
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Workspace) == "" {
		errs = append(errs, fmt.Errorf("%w: workspace is empty", ErrInvalid))
	}
	if len(c.Build.Command) == 0 || strings.TrimSpace(c.Build.Command[0]) == "" {
		errs = append(errs, fmt.Errorf("%w: build.command is empty", ErrInvalid))
	}
	switch c.Build.Sandbox {
	case SandboxBwrap, SandboxNone:
	default:
		errs = append(errs, fmt.Errorf("%w: unknown sandbox %q (want %s or %s)", ErrInvalid, c.Build.Sandbox, SandboxBwrap, SandboxNone))
	}
	if c.Build.MaxLogBytes < 0 {
		errs = append(errs, fmt.Errorf("%w: build.max_log_bytes is negative", ErrInvalid))
	}
	if c.Build.MemoryLimit < 0 {
		errs = append(errs, fmt.Errorf("%w: build.memory_limit is negative", ErrInvalid))
	}
	if c.Build.Timeout < 0 {
		errs = append(errs, fmt.Errorf("%w: build.timeout_seconds is negative", ErrInvalid))
	}
	return errors.Join(errs...)
}

// DatabasePath returns the corpus database path.
func (c *Config) DatabasePath() string {
	return firstNonEmpty(c.Database, filepath.Join(c.Workspace, "corpus.db"))
}

// CrateListPath returns the crate list manifest path.
func (c *Config) CrateListPath() string {
	return firstNonEmpty(c.CrateList, filepath.Join(c.Workspace, "CrateList.json"))
}

// SourcesPath returns the directory holding crate sources.
func (c *Config) SourcesPath() string {
	return firstNonEmpty(c.SourcesDir, filepath.Join(c.Workspace, "sources"))
}

// Limits converts the build settings to sandbox limits.
func (c *Config) Limits() sandbox.Limits {
	return sandbox.Limits{
		Workspace:      c.Workspace,
		MaxLogBytes:    c.Build.MaxLogBytes,
		MaxMemoryBytes: c.Build.MemoryLimit,
		NoNetwork:      !c.Build.EnableNetworking,
		Timeout:        c.Build.Timeout,
	}
}

// Launcher returns the configured sandbox launcher.
func (c *Config) Launcher() sandbox.Launcher {
	if c.Build.Sandbox == SandboxNone {
		return sandbox.Direct{}
	}
	return sandbox.Bwrap{Path: c.Build.BwrapPath, ReadWrite: c.Build.ReadWrite}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
