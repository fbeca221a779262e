package env

import (
	"os"
	"sort"
	"strings"
)

// Env composes child-process environments from the OS environment, a set of
// supervisor-wide variables, and per-service overrides.
type Env struct {
	vars map[string]string
	base map[string]string
}

// New returns an Env whose base is the current OS environment.
func New() *Env {
	return &Env{vars: make(map[string]string), base: parse(os.Environ())}
}

// WithBase returns an Env whose base is kvs instead of the OS environment.
func WithBase(kvs []string) *Env {
	return &Env{vars: make(map[string]string), base: parse(kvs)}
}

// Set adds or replaces a supervisor-wide variable.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.vars[k] = v
}

// SetPairs applies "KEY=VALUE" entries; malformed entries are skipped.
func (e *Env) SetPairs(kvs []string) {
	for k, v := range parse(kvs) {
		e.Set(k, v)
	}
}

// Merge returns the final environment: base, then supervisor-wide vars, then
// perService overrides. ${VAR} references are expanded once against the merged map.
// The result is sorted so that children see a stable order.
func (e *Env) Merge(perService []string) []string {
	m := make(map[string]string, len(e.base)+len(e.vars)+len(perService))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for k, v := range parse(perService) {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func parse(kvs []string) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(name string) string {
		if v, ok := m[name]; ok {
			return v
		}
		return "${" + name + "}"
	})
}
