// Package sandbox runs one build attempt in an isolated directory tree and
// reports how it ended.
//
// Every attempt gets <workspace>/builds/<id>/ with source, target and
// corpus-data subdirectories. The build runs in its own process group so a
// memory, time or cancellation kill reaches every process it spawned. Build
// failures are reported through Outcome.Status, never as errors.
package sandbox

import (
	"time"
)

// Defaults applied by DefaultLimits.
const (
	DefaultMaxLogBytes    int64 = 5 << 20
	DefaultMaxMemoryBytes int64 = 4 << 30
	DefaultTimeout              = 900 * time.Second
)

// DataPathEnv tells the extractor where to write its dumps.
const DataPathEnv = "RUST_CORPUS_DATA_PATH"

// Limits bounds one build attempt.
type Limits struct {
	Workspace      string
	MaxLogBytes    int64         // 0 = unlimited
	MaxMemoryBytes int64         // resident set of the whole group; 0 = unlimited
	NoNetwork      bool
	Timeout        time.Duration // 0 = none
}

// DefaultLimits returns the limits used when nothing is configured.
func DefaultLimits(workspace string) Limits {
	return Limits{
		Workspace:      workspace,
		MaxLogBytes:    DefaultMaxLogBytes,
		MaxMemoryBytes: DefaultMaxMemoryBytes,
		NoNetwork:      true,
		Timeout:        DefaultTimeout,
	}
}

// BuildSpec describes what to build.
type BuildSpec struct {
	// ID names the build directory, conventionally "<name>-<version>".
	ID string
	// Source is copied into the build's source directory when set.
	Source string
	// Command runs with the source directory as its working directory.
	Command []string
	// Env is added to the build's minimal environment.
	Env map[string]string
}

// Status is how a build attempt ended.
type Status string

const (
	StatusSuccess       Status = "success"
	StatusCompileError  Status = "compile-error"
	StatusResourceLimit Status = "resource-limit"
	StatusTimeout       Status = "timeout"
	StatusCancelled     Status = "cancelled"
	StatusSetupError    Status = "setup-error"
)

// Outcome is the structured result of Execute.
type Outcome struct {
	ID        string
	Status    Status
	ExitCode  int
	Message   string
	Log       []byte
	Truncated bool
	PeakRSS   int64
	Duration  time.Duration

	BuildDir  string
	SourceDir string
	DataDir   string
	// Dumps lists the extractor output, only on success.
	Dumps []string
	// CargoLock is the lockfile the build left behind, if any.
	CargoLock string
}

// Succeeded reports whether the build completed and produced its output.
func (o *Outcome) Succeeded() bool {
	return o.Status == StatusSuccess
}
