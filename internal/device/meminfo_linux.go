//go:build linux

package device

import "golang.org/x/sys/unix"

func hostMemory() uint64 {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return defaultHostMemory
	}
	return uint64(si.Totalram) * uint64(si.Unit)
}
