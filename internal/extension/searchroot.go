package extension

import (
	"os"
	"path/filepath"
	"strings"
)

// Kind tells which on-disk layout holds the extension control files.
type Kind int

const (
	None Kind = iota
	Flat
	Nested
)

func (k Kind) String() string {
	switch k {
	case Flat:
		return "flat"
	case Nested:
		return "nested"
	default:
		return "none"
	}
}

// SearchRoot is the resolved extension directory plus every location checked.
type SearchRoot struct {
	Kind       Kind
	Path       string
	Candidates []string
}

// Found reports whether a populated layout was found.
func (r SearchRoot) Found() bool { return r.Kind != None }

func (r SearchRoot) String() string {
	if !r.Found() {
		return "no extension directory found (checked " + strings.Join(r.Candidates, ", ") + ")"
	}
	return r.Path + " (" + r.Kind.String() + ")"
}

// Candidates returns the two layouts distributions use for shipped extensions.
func Candidates(shareDir string) []string {
	return []string{
		filepath.Join(shareDir, "extension"),
		filepath.Join(shareDir, "postgresql", "extension"),
	}
}

// ResolveSearchRoot picks the first candidate that contains *.control files.
// It is the only place the two layouts are inspected.
func ResolveSearchRoot(shareDir string) SearchRoot {
	c := Candidates(shareDir)
	r := SearchRoot{Candidates: c}
	for i, p := range c {
		if populated(p) {
			r.Path = p
			r.Kind = Flat
			if i == 1 {
				r.Kind = Nested
			}
			return r
		}
	}
	return r
}

// HasControl reports whether the root ships name.control.
func (r SearchRoot) HasControl(name string) bool {
	if !r.Found() {
		return false
	}
	_, err := os.Stat(filepath.Join(r.Path, name+".control"))
	return err == nil
}

// DefaultShareDir derives the share directory from the server's bin directory.
func DefaultShareDir(binDir string) string {
	return filepath.Join(filepath.Dir(filepath.Clean(binDir)), "share")
}

func populated(dir string) bool {
	m, err := filepath.Glob(filepath.Join(dir, "*.control"))
	return err == nil && len(m) > 0
}
