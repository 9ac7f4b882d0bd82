// Package sysinfo reports the memory and disk capacity used to size caches.
package sysinfo

import (
	"math"
	"runtime/debug"
)

// fallbackMemory is assumed when neither a runtime limit nor the system RAM is known.
const fallbackMemory = 1 << 30

// MaxMemory returns the maximum memory the process should plan to use: the
// Go soft memory limit when one is set, otherwise the total system memory.
func MaxMemory() uint64 {
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit != math.MaxInt64 {
		return uint64(limit)
	}
	if total, err := totalMemory(); err == nil && total > 0 {
		return total
	}
	return fallbackMemory
}

// UsableSpace returns the number of bytes available to unprivileged users on
// the filesystem holding dir.
func UsableSpace(dir string) (uint64, error) {
	return usableSpace(dir)
}
