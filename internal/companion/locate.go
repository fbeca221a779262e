// Package companion finds, configures and launches the pgAdmin 4 web tool
// next to the supervised server.
package companion

import (
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrNotFound means no pgAdmin install was found; the companion is then disabled.
var ErrNotFound = errors.New("companion entrypoint not found")

// Layout is one known install shape, relative to the install root.
type Layout struct {
	Runtime    string
	Entrypoint string
}

// DefaultLayouts lists the installer layouts in the order they are tried.
func DefaultLayouts() []Layout {
	ls := []Layout{
		{Runtime: "venv/bin/python3", Entrypoint: "web/pgAdmin4.py"},
		{Runtime: "bin/python3", Entrypoint: "web/pgAdmin4.py"},
		{Runtime: "Contents/Frameworks/Python.framework/Versions/Current/bin/python3", Entrypoint: "Contents/Resources/web/pgAdmin4.py"},
		{Runtime: "python3/bin/python3", Entrypoint: "lib/python3/site-packages/pgadmin4/pgAdmin4.py"},
	}
	if runtime.GOOS == "windows" {
		ls = append([]Layout{{Runtime: "python/python.exe", Entrypoint: "web/pgAdmin4.py"}}, ls...)
	}
	return ls
}

// Options tune Locate.
type Options struct {
	Entrypoint string
	Layouts    []Layout
	MaxDepth   int
	Runtimes   []string
}

func (o Options) withDefaults() Options {
	if o.Entrypoint == "" {
		o.Entrypoint = "pgAdmin4.py"
	}
	if o.Layouts == nil {
		o.Layouts = DefaultLayouts()
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = 4
	}
	if len(o.Runtimes) == 0 {
		o.Runtimes = []string{"python3", "python"}
	}
	return o
}

// Install is a located pgAdmin tree.
type Install struct {
	Root       string
	Runtime    string
	Entrypoint string
	WebDir     string
}

// Locate checks the expected layouts under root, then searches at most
// MaxDepth levels for the entrypoint. The runtime is taken from the matched
// layout, from a known location near the entrypoint, or from PATH.
func Locate(root string, opts Options) (Install, error) {
	o := opts.withDefaults()
	if strings.TrimSpace(root) == "" {
		return Install{}, ErrNotFound
	}
	for _, l := range o.Layouts {
		entry := filepath.Join(root, filepath.FromSlash(l.Entrypoint))
		if filepath.Base(entry) != o.Entrypoint || !isFile(entry) {
			continue
		}
		inst := Install{Root: root, Entrypoint: entry, WebDir: filepath.Dir(entry)}
		if rt := filepath.Join(root, filepath.FromSlash(l.Runtime)); isExecutable(rt) {
			inst.Runtime = rt
			return inst, nil
		}
		rt, err := findRuntime(root, inst.WebDir, o)
		if err != nil {
			return Install{}, err
		}
		inst.Runtime = rt
		return inst, nil
	}

	entry, err := search(root, o.Entrypoint, o.MaxDepth)
	if err != nil {
		return Install{}, err
	}
	inst := Install{Root: root, Entrypoint: entry, WebDir: filepath.Dir(entry)}
	rt, err := findRuntime(root, inst.WebDir, o)
	if err != nil {
		return Install{}, err
	}
	inst.Runtime = rt
	return inst, nil
}

func search(root, name string, maxDepth int) (string, error) {
	base := strings.Count(filepath.Clean(root), string(filepath.Separator))
	var found string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return nil
		}
		depth := strings.Count(filepath.Clean(p), string(filepath.Separator)) - base
		if d.IsDir() {
			if depth >= maxDepth {
				return fs.SkipDir
			}
			return nil
		}
		if d.Name() == name {
			found = p
			return fs.SkipAll
		}
		return nil
	})
	if found != "" {
		return found, nil
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	return "", ErrNotFound
}

// findRuntime walks from the web directory up to root looking for a bundled
// interpreter before falling back to PATH.
func findRuntime(root, webDir string, o Options) (string, error) {
	rels := make([]string, 0, len(o.Layouts))
	for _, l := range o.Layouts {
		rels = append(rels, filepath.FromSlash(l.Runtime))
	}
	stop := filepath.Clean(root)
	for dir := filepath.Clean(webDir); ; dir = filepath.Dir(dir) {
		for _, rel := range rels {
			if p := filepath.Join(dir, rel); isExecutable(p) {
				return p, nil
			}
		}
		if dir == stop || filepath.Dir(dir) == dir {
			break
		}
	}
	for _, name := range o.Runtimes {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", errors.New("no python runtime found for " + webDir)
}

func isFile(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}

func isExecutable(p string) bool {
	fi, err := os.Stat(p)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	return runtime.GOOS == "windows" || fi.Mode().Perm()&0o111 != 0
}
