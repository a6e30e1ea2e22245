//go:build !linux

package device

func hostMemory() uint64 {
	return defaultHostMemory
}
