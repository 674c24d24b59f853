//go:build windows

package main

// watchResize is a no-op: Windows consoles have no resize signal.
func watchResize(func()) (stop func()) {
	return func() {}
}
