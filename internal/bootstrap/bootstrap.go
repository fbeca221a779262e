// Package bootstrap creates a brand-new cluster with initdb.
package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/localpg/internal/cluster"
	"github.com/loykin/localpg/internal/process"
)

// ErrNotEmpty is returned when the target directory already has content.
// Bootstrap never runs over a partially written directory; audit and purge first.
var ErrNotEmpty = errors.New("bootstrap target is not empty")

// Options configure a single initdb invocation.
type Options struct {
	InitDB    string
	DataDir   string
	Superuser string
	Encoding  string
	Locale    string
	Env       []string
	ExtraArgs []string
}

// Args renders the initdb command line. Authentication is always trust, for local use only.
func (o Options) Args() []string {
	enc := o.Encoding
	if enc == "" {
		enc = "UTF8"
	}
	args := []string{"-D", o.DataDir, "-U", o.Superuser, "--auth=trust", "-E", enc}
	if o.Locale != "" {
		args = append(args, "--locale="+o.Locale)
	}
	return append(args, o.ExtraArgs...)
}

// Failure carries initdb's exit code and everything it printed.
type Failure struct {
	ExitCode int
	Output   string
	Err      error
}

func (f *Failure) Error() string {
	out := strings.TrimSpace(f.Output)
	if out == "" {
		return fmt.Sprintf("initdb exited with code %d", f.ExitCode)
	}
	return fmt.Sprintf("initdb exited with code %d: %s", f.ExitCode, out)
}

func (f *Failure) Unwrap() error { return f.Err }

// Run executes initdb synchronously, passing each output line to onLine.
// A non-zero exit yields *Failure; a missing binary yields *process.ConfigError.
// It is never retried.
func Run(ctx context.Context, opts Options, onLine func(string)) error {
	if strings.TrimSpace(opts.DataDir) == "" {
		return errors.New("bootstrap: empty data directory")
	}
	if opts.Superuser == "" {
		return errors.New("bootstrap: empty superuser")
	}
	spec := process.Spec{Command: opts.InitDB, Args: opts.Args(), Env: opts.Env}
	path, err := spec.ResolveCommand()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(opts.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	empty, err := cluster.IsEmptyDir(opts.DataDir)
	if err != nil {
		return fmt.Errorf("inspect data dir: %w", err)
	}
	if !empty {
		return fmt.Errorf("%w: %s", ErrNotEmpty, opts.DataDir)
	}

	var buf bytes.Buffer
	w := process.NewLineWriter(nil, func(line string) {
		if onLine != nil {
			onLine(line)
		}
	}, &buf)

	// #nosec G204 -- initdb path and flags come from local settings
	cmd := exec.CommandContext(ctx, path, spec.Args...)
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.WaitDelay = 2 * time.Second

	slog.Info("bootstrapping cluster", "dir", opts.DataDir, "cmd", spec.String())
	start := time.Now()
	runErr := cmd.Run()
	w.Flush()
	if runErr != nil {
		var ee *exec.ExitError
		if !errors.As(runErr, &ee) && cmd.ProcessState == nil {
			return &process.ConfigError{ID: "initdb", Command: path, Err: runErr}
		}
		return &Failure{ExitCode: process.ExitCode(cmd, runErr), Output: buf.String(), Err: runErr}
	}
	slog.Info("cluster bootstrapped", "dir", opts.DataDir, "elapsed", time.Since(start))
	return nil
}
