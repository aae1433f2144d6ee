//go:build windows

package fsutil

import "math"

// DiskFree is a no-op on Windows (no statfs equivalent wired); the
// preflight always passes there.
func DiskFree(_ string) (uint64, error) {
	return math.MaxUint64, nil
}
