package device

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/tephra-ml/tephra/internal/logger"
)

// SplitMode selects how weight tensors are placed across devices.
type SplitMode int

const (
	// SplitNone keeps every tensor on the main device.
	SplitNone SplitMode = iota
	// SplitRows shards weight rows across devices by capacity ratio.
	SplitRows
)

func (m SplitMode) String() string {
	if m == SplitRows {
		return "rows"
	}
	return "none"
}

// StreamSlots is the number of persisted command streams per device, used
// to pipeline column-range chunks of one large multiply.
const StreamSlots = 4

// Config carries the device-selection knobs recognized by the backend.
type Config struct {
	// Devices is the device count to drive (virtual shards of the host).
	Devices int
	// MainDevice hosts non-split tensors and coordinates fan-out.
	MainDevice int
	// Split selects single- vs multi-device weight placement.
	Split SplitMode
	// Ratios are per-device capacity weights for row sharding. Empty
	// means proportional to core counts.
	Ratios []float32
	// ScratchBytes caps the scratch bytes each device's pool retains
	// for reuse; returns past the cap release directly. Zero means
	// unlimited.
	ScratchBytes int64
}

// Context owns a device set: per-device stream slots and scratch pools
// plus the placement configuration. Contexts are explicit values so
// independent backends can coexist in one process; the ID correlates a
// context's log lines.
type Context struct {
	ID      string
	log     logger.Logger
	cfg     Config
	devices []*Device
	streams [][]*Stream
	pools   []*Pool
	ratios  []float32
}

// NewContext enumerates devices and brings up streams and pools.
func NewContext(cfg Config, log logger.Logger) (*Context, error) {
	if cfg.Devices < 1 {
		cfg.Devices = 1
	}
	if cfg.Devices > MaxDevices {
		return nil, fmt.Errorf("device: %d devices exceeds the maximum of %d", cfg.Devices, MaxDevices)
	}
	devs := Enumerate(cfg.Devices)
	if cfg.MainDevice < 0 || cfg.MainDevice >= len(devs) {
		return nil, fmt.Errorf("device: main device %d out of range", cfg.MainDevice)
	}
	if len(cfg.Ratios) != 0 && len(cfg.Ratios) != len(devs) {
		return nil, fmt.Errorf("device: %d capacity ratios for %d devices", len(cfg.Ratios), len(devs))
	}

	ctx := &Context{
		ID:      uuid.NewString(),
		cfg:     cfg,
		devices: devs,
	}
	ctx.log = log.With("context", ctx.ID[:8])

	ctx.ratios = cfg.Ratios
	if len(ctx.ratios) == 0 {
		ctx.ratios = make([]float32, len(devs))
		for i, d := range devs {
			ctx.ratios[i] = float32(d.Cores)
		}
	}

	ctx.streams = make([][]*Stream, len(devs))
	ctx.pools = make([]*Pool, len(devs))
	for i, d := range devs {
		ctx.streams[i] = make([]*Stream, StreamSlots)
		for slot := range ctx.streams[i] {
			ctx.streams[i][slot] = newStream(d, slot)
		}
		ctx.pools[i] = NewPool(d, cfg.ScratchBytes, ctx.log)
	}

	ctx.log.Info("device context up",
		"devices", len(devs),
		"main", cfg.MainDevice,
		"split", cfg.Split.String())
	return ctx, nil
}

// Devices returns the ordered device list.
func (c *Context) Devices() []*Device { return c.devices }

// Main returns the main device.
func (c *Context) Main() *Device { return c.devices[c.cfg.MainDevice] }

// MainIndex returns the main device's index.
func (c *Context) MainIndex() int { return c.cfg.MainDevice }

// Split returns the configured placement mode.
func (c *Context) Split() SplitMode { return c.cfg.Split }

// ScratchBudget returns the configured scratch cap in bytes (0 = none).
func (c *Context) ScratchBudget() int64 { return c.cfg.ScratchBytes }

// Ratios returns the effective capacity ratios.
func (c *Context) Ratios() []float32 { return c.ratios }

// Stream returns the given slot's stream on a device.
func (c *Context) Stream(dev, slot int) *Stream {
	return c.streams[dev][slot%StreamSlots]
}

// Pool returns the scratch pool of a device.
func (c *Context) Pool(dev int) *Pool { return c.pools[dev] }

// Logger returns the context-scoped logger.
func (c *Context) Logger() logger.Logger { return c.log }

// Synchronize drains every stream on every device.
func (c *Context) Synchronize() {
	for _, slots := range c.streams {
		for _, s := range slots {
			s.Synchronize()
		}
	}
}

// Close drains and shuts down all streams.
func (c *Context) Close() {
	for _, slots := range c.streams {
		for _, s := range slots {
			s.close()
		}
	}
	c.log.Debug("device context closed")
}

// CopyDeviceToDevice moves bytes between device buffers. Peer access is
// not assumed: cross-device transfers stage through a host buffer.
func CopyDeviceToDevice(dst *Buffer, dstOff int, src *Buffer, srcOff, n int) {
	if dst.dev.ID == src.dev.ID {
		copy(dst.data[dstOff:dstOff+n], src.data[srcOff:srcOff+n])
		return
	}
	host := make([]byte, n)
	copy(host, src.data[srcOff:srcOff+n])
	copy(dst.data[dstOff:dstOff+n], host)
}
