// Package cluster inspects, repairs and purges a PostgreSQL data directory.
package cluster

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/localpg/internal/metrics"
)

// State is the classification of a data directory.
type State int

const (
	Empty State = iota
	Valid
	Repairable
	Corrupt
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Valid:
		return "valid"
	case Repairable:
		return "incomplete_repairable"
	case Corrupt:
		return "corrupt_needs_reinit"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Layout markers.
const (
	VersionFile = "PG_VERSION"
	ConfigFile  = "postgresql.conf"
	BaseDir     = "base"
	GlobalDir   = "global"

	// MinBaseEntries is the fewest entries base/ holds after initdb (template0 and template1).
	MinBaseEntries = 2
)

// Regeneratable lists subdirectories the server needs but never stores
// irreplaceable data in; missing ones are recreated empty.
var Regeneratable = []string{
	"pg_wal",
	"pg_wal/archive_status",
	"pg_stat",
	"pg_stat_tmp",
	"pg_multixact/members",
	"pg_multixact/offsets",
	"pg_notify",
	"pg_serial",
	"pg_snapshots",
	"pg_subtrans",
	"pg_twophase",
	"pg_replslot",
	"pg_tblspc",
	"pg_commit_ts",
	"pg_dynshmem",
	"pg_logical/snapshots",
	"pg_logical/mappings",
}

// Report is the outcome of Classify or Audit.
type Report struct {
	Dir      string   `json:"dir"`
	State    State    `json:"-"`
	StateStr string   `json:"state"`
	Missing  []string `json:"missing,omitempty"`
	Repaired []string `json:"repaired,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

func newReport(dir string, st State, reason string) Report {
	return Report{Dir: dir, State: st, StateStr: st.String(), Reason: reason}
}

// Classify inspects dir without modifying it. The result depends only on
// the directory contents.
func Classify(dir string) Report {
	fi, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return newReport(dir, Empty, "directory does not exist")
	}
	if err != nil {
		return newReport(dir, Corrupt, "stat: "+err.Error())
	}
	if !fi.IsDir() {
		return newReport(dir, Corrupt, "not a directory")
	}

	hasVersion := isFile(filepath.Join(dir, VersionFile))
	hasConfig := isFile(filepath.Join(dir, ConfigFile))
	switch {
	case !hasVersion && !hasConfig:
		return newReport(dir, Empty, "no cluster markers")
	case !hasVersion:
		return newReport(dir, Corrupt, VersionFile+" missing but "+ConfigFile+" present")
	case !hasConfig:
		return newReport(dir, Corrupt, ConfigFile+" missing but "+VersionFile+" present")
	}

	entries, err := os.ReadDir(filepath.Join(dir, BaseDir))
	if err != nil {
		return newReport(dir, Corrupt, BaseDir+" directory unreadable or missing")
	}
	if len(entries) < MinBaseEntries {
		return newReport(dir, Corrupt, fmt.Sprintf("%s holds %d entries, want at least %d", BaseDir, len(entries), MinBaseEntries))
	}
	if !isDir(filepath.Join(dir, GlobalDir)) {
		return newReport(dir, Corrupt, GlobalDir+" directory missing")
	}

	var missing []string
	for _, rel := range Regeneratable {
		if !isDir(filepath.Join(dir, filepath.FromSlash(rel))) {
			missing = append(missing, rel)
		}
	}
	if len(missing) > 0 {
		r := newReport(dir, Repairable, "missing "+strings.Join(missing, ", "))
		r.Missing = missing
		return r
	}
	return newReport(dir, Valid, "")
}

// Repair creates the missing regeneratable directories listed in r.
// Existing files are never touched.
func Repair(r Report) ([]string, error) {
	var done []string
	for _, rel := range r.Missing {
		p := filepath.Join(r.Dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(p, 0o700); err != nil {
			return done, fmt.Errorf("repair %s: %w", rel, err)
		}
		restrict(p)
		done = append(done, rel)
	}
	return done, nil
}

// Audit classifies dir and repairs it when possible. A directory that is
// still incomplete after repair is reported Corrupt.
func Audit(dir string) Report {
	r := Classify(dir)
	if r.State == Repairable {
		repaired, err := Repair(r)
		after := Classify(dir)
		after.Repaired = repaired
		switch {
		case err != nil:
			r = newReport(dir, Corrupt, err.Error())
			r.Missing, r.Repaired = after.Missing, repaired
		case after.State != Valid:
			r = newReport(dir, Corrupt, "repair incomplete: "+after.Reason)
			r.Missing, r.Repaired = after.Missing, repaired
		default:
			r = after
			r.Reason = "repaired " + strings.Join(repaired, ", ")
		}
	}
	metrics.IncAudit(r.StateStr)
	return r
}

// Purge removes everything inside dir, keeping dir itself with owner-only permissions.
func Purge(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return os.MkdirAll(dir, 0o700)
	}
	if err != nil {
		return fmt.Errorf("purge %s: %w", dir, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("purge %s: %w", dir, err)
		}
	}
	restrict(dir)
	return nil
}

// bootstrapNames are the top-level entries initdb writes besides the
// regeneratable directories.
var bootstrapNames = []string{
	VersionFile, ConfigFile, BaseDir, GlobalDir,
	"pg_xact", "pg_hba.conf", "pg_ident.conf", "postgresql.auto.conf",
}

// OnlyBootstrapLeftovers reports whether dir holds nothing but entries an
// interrupted initdb could have written. An absent or empty dir reports true.
func OnlyBootstrapLeftovers(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	known := make(map[string]bool, len(bootstrapNames)+len(Regeneratable))
	for _, n := range bootstrapNames {
		known[n] = true
	}
	for _, rel := range Regeneratable {
		known[strings.SplitN(rel, "/", 2)[0]] = true
	}
	for _, e := range entries {
		if !known[e.Name()] {
			return false, nil
		}
	}
	return true, nil
}

// IsEmptyDir reports whether dir is absent or has no entries.
func IsEmptyDir(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

func isFile(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}
