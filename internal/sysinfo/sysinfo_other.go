//go:build !linux

package sysinfo

import "errors"

func totalMemory() (uint64, error) {
	return 0, errors.New("total memory unknown on this platform")
}
