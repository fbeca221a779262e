package process

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/loykin/localpg/internal/logger"
)

// ErrConfiguration marks failures caused by a missing or unusable executable.
// Callers check it with errors.Is; the concrete error is *ConfigError.
var ErrConfiguration = errors.New("configuration error")

// ConfigError reports that a command could not be resolved or spawned.
type ConfigError struct {
	ID      string
	Command string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("configuration error: %s: cannot run %q: %v", e.ID, e.Command, e.Err)
	}
	return fmt.Sprintf("configuration error: cannot run %q: %v", e.Command, e.Err)
}

func (e *ConfigError) Unwrap() []error { return []error{ErrConfiguration, e.Err} }

// Spec describes an executable launched by the supervisor.
// Command is a path or a bare name looked up on PATH; Args are passed verbatim,
// no shell is involved.
type Spec struct {
	Command string        `json:"command"`
	Args    []string      `json:"args"`
	WorkDir string        `json:"work_dir"`
	Env     []string      `json:"env"`
	Log     logger.Config `json:"log"`
}

// ResolveCommand returns the executable path for s.Command.
// It fails with *ConfigError when the binary is absent, a directory, or not executable.
func (s Spec) ResolveCommand() (string, error) {
	name := strings.TrimSpace(s.Command)
	if name == "" {
		return "", &ConfigError{Command: s.Command, Err: errors.New("empty command")}
	}
	if !strings.ContainsAny(name, `/\`) {
		p, err := exec.LookPath(name)
		if err != nil {
			return "", &ConfigError{Command: name, Err: err}
		}
		return p, nil
	}
	fi, err := os.Stat(name)
	if err != nil {
		return "", &ConfigError{Command: name, Err: err}
	}
	if fi.IsDir() {
		return "", &ConfigError{Command: name, Err: errors.New("is a directory")}
	}
	if runtime.GOOS != "windows" && fi.Mode().Perm()&0o111 == 0 {
		return "", &ConfigError{Command: name, Err: fs.ErrPermission}
	}
	return name, nil
}

// BuildCommand constructs the *exec.Cmd for an already resolved path.
// env replaces the child's environment when non-empty.
func (s Spec) BuildCommand(path string, env []string) *exec.Cmd {
	// #nosec G204 -- command and args come from local settings, never from a shell string
	cmd := exec.Command(path, s.Args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	configureSysProcAttr(cmd)
	return cmd
}

// String renders the command line for logs.
func (s Spec) String() string {
	if len(s.Args) == 0 {
		return s.Command
	}
	return s.Command + " " + strings.Join(s.Args, " ")
}
