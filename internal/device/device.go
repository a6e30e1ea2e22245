// Package device models the execution substrate for the compute backend:
// an ordered set of devices, per-device command streams with event
// barriers, a pooling allocator for transient scratch, and row-split
// tables for sharding weight tensors across devices. Kernel launches are
// rendered as parallel host loops over work-groups; within one stream
// launches run in submission order, and cross-stream ordering exists only
// through events.
package device

import (
	"fmt"
	"runtime"
)

// Capability selects the dot-product strategy and tile sizes a device's
// kernels may use.
type Capability int

const (
	// CapScalar limits kernels to per-value float paths.
	CapScalar Capability = iota
	// CapDP4A enables the packed 4-way integer multiply-accumulate paths.
	CapDP4A
	// CapWideTiles additionally enables the large MMQ tile shapes.
	CapWideTiles
)

func (c Capability) String() string {
	switch c {
	case CapScalar:
		return "scalar"
	case CapDP4A:
		return "dp4a"
	case CapWideTiles:
		return "wide-tiles"
	default:
		return fmt.Sprintf("capability(%d)", int(c))
	}
}

// MaxDevices bounds the devices one context will drive.
const MaxDevices = 16

// defaultHostMemory is assumed when the platform can't report its RAM.
const defaultHostMemory = 16 << 30

// Device describes one execution device.
type Device struct {
	ID       int
	Name     string
	Cap      Capability
	TotalMem uint64
	Cores    int
}

// Enumerate synthesizes n devices backed by the host. Device 0 gets the
// full core count; the rest share what remains, which keeps the primary
// device the natural main-device choice.
func Enumerate(n int) []*Device {
	if n < 1 {
		n = 1
	}
	if n > MaxDevices {
		n = MaxDevices
	}
	cores := runtime.NumCPU()
	per := cores / n
	if per < 1 {
		per = 1
	}
	devs := make([]*Device, n)
	for i := range devs {
		c := per
		if i == 0 {
			c = cores - per*(n-1)
			if c < per {
				c = per
			}
		}
		devs[i] = &Device{
			ID:       i,
			Name:     fmt.Sprintf("host%d", i),
			Cap:      CapWideTiles,
			TotalMem: hostMemory() / uint64(n),
			Cores:    c,
		}
	}
	return devs
}
