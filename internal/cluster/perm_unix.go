//go:build !windows

package cluster

import "os"

// restrict applies the owner-only mode the server insists on for its data directory.
func restrict(p string) { _ = os.Chmod(p, 0o700) }
