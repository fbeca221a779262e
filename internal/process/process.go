package process

import (
	"bytes"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// Stream identifies where a log line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
	// System lines are produced by localpg itself rather than the child.
	System Stream = "system"
)

// LineWriter is an io.Writer that splits child output into lines and hands
// each complete line to emit. Writers of the same process share mu so that
// stdout and stderr lines are never delivered concurrently.
// An optional tee receives the raw bytes (e.g. a rotating log file).
type LineWriter struct {
	mu   *sync.Mutex
	emit func(line string)
	tee  io.Writer
	buf  []byte
}

// NewLineWriter returns a LineWriter; mu may be nil for a standalone writer.
func NewLineWriter(mu *sync.Mutex, emit func(line string), tee io.Writer) *LineWriter {
	if mu == nil {
		mu = &sync.Mutex{}
	}
	return &LineWriter{mu: mu, emit: emit, tee: tee}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tee != nil {
		_, _ = w.tee.Write(p)
	}
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf[:i]), "\r")
		w.buf = w.buf[i+1:]
		if w.emit != nil {
			w.emit(line)
		}
	}
	return len(p), nil
}

// Flush delivers a trailing partial line, if any.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) == 0 {
		return
	}
	line := strings.TrimRight(string(w.buf), "\r")
	w.buf = nil
	if w.emit != nil {
		w.emit(line)
	}
}

// ExitCode extracts the exit status of a finished command.
// It returns -1 when the process was terminated by a signal or never ran.
func ExitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd != nil && cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		return ee.ExitCode()
	}
	if waitErr == nil {
		return 0
	}
	return -1
}
