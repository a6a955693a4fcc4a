//go:build !windows

// Package platform holds OS-specific path handling.
package platform

// LongPath returns path unchanged outside Windows.
func LongPath(path string) string {
	return path
}
