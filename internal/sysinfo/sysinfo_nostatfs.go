//go:build !(linux || darwin || freebsd)

package sysinfo

import "errors"

func usableSpace(string) (uint64, error) {
	return 0, errors.New("usable space unknown on this platform")
}
