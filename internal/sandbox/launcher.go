package sandbox

import (
	"fmt"
	"os/exec"
)

// Dirs are the host paths of one build.
type Dirs struct {
	Build  string
	Source string
	Target string
	Data   string
}

// Launcher turns a build command into the argv that actually runs it.
type Launcher interface {
	Name() string
	Wrap(dirs Dirs, argv []string, limits Limits) ([]string, error)
}

// Direct runs the command as-is. Isolation is limited to the process group
// and the environment.
type Direct struct{}

func (Direct) Name() string { return "none" }

func (Direct) Wrap(_ Dirs, argv []string, _ Limits) ([]string, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("sandbox: empty command")
	}
	return argv, nil
}

// isolatesNetwork reports whether l honors Limits.NoNetwork.
func isolatesNetwork(l Launcher) bool {
	switch l.(type) {
	case Direct, *Direct:
		return false
	}
	return true
}

// Bwrap runs the command under bubblewrap: the host root is mounted
// read-only and only the build directory is writable.
type Bwrap struct {
	// Path to the bwrap binary. Looked up on PATH when empty.
	Path string
	// ReadWrite lists extra host paths the build may write, such as a
	// shared cargo registry cache.
	ReadWrite []string
}

func (b Bwrap) Name() string { return "bwrap" }

func (b Bwrap) Wrap(dirs Dirs, argv []string, limits Limits) ([]string, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("sandbox: empty command")
	}
	bin := b.Path
	if bin == "" {
		found, err := exec.LookPath("bwrap")
		if err != nil {
			return nil, fmt.Errorf("sandbox: bwrap not found: %w", err)
		}
		bin = found
	}
	args := []string{
		bin,
		"--ro-bind", "/", "/",
		"--dev", "/dev",
		"--proc", "/proc",
		"--tmpfs", "/tmp",
		"--bind", dirs.Build, dirs.Build,
	}
	for _, p := range b.ReadWrite {
		args = append(args, "--bind", p, p)
	}
	args = append(args, "--unshare-ipc", "--unshare-uts", "--die-with-parent")
	if limits.NoNetwork {
		args = append(args, "--unshare-net")
	}
	args = append(args, "--chdir", dirs.Source, "--")
	return append(args, argv...), nil
}
