package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/loykin/localpg"
	"github.com/loykin/localpg/internal/logger"
	"github.com/mattn/go-isatty"
)

// loadSettings reads the config file and applies flag overrides on top.
func loadSettings(g GlobalFlags) (localpg.Settings, error) {
	s, err := localpg.LoadSettings(g.ConfigPath)
	if err != nil {
		return s, err
	}
	if g.DataDir != "" {
		s.Server.DataDir = g.DataDir
	}
	if g.Port != 0 {
		s.Server.Port = g.Port
	}
	if g.LogLevel != "" {
		s.Log.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		s.Log.Format = g.LogFormat
	}
	if g.LogFile != "" {
		s.Log.File = g.LogFile
	}
	return s, nil
}

func setupLogging(s localpg.Settings) (io.Closer, error) {
	_, closer, err := logger.Setup(logger.Options{
		Level:  s.Log.Level,
		Format: s.Log.Format,
		Color:  isTerminal(os.Stderr),
		File:   s.Log.File,
		Rotate: s.Log.Rotation(),
	})
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}
	return closer, nil
}

func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

type historyRow struct {
	RunID     string     `json:"run_id"`
	Service   string     `json:"service"`
	PID       int        `json:"pid"`
	Command   string     `json:"command"`
	StartedAt time.Time  `json:"started_at"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
	ExitCode  *int64     `json:"exit_code,omitempty"`
}

func toHistoryRow(r localpg.HistoryRecord) historyRow {
	h := historyRow{RunID: r.RunID, Service: r.Service, PID: r.PID, Command: r.Command, StartedAt: r.StartedAt}
	if r.ExitedAt.Valid {
		t := r.ExitedAt.Time
		h.ExitedAt = &t
	}
	if r.ExitCode.Valid {
		c := r.ExitCode.Int64
		h.ExitCode = &c
	}
	return h
}
