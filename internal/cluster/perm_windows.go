//go:build windows

package cluster

func restrict(string) {}
