package device

import (
	"encoding/binary"
	"math"
)

// Buffer is a device allocation: raw bytes plus the logical size of the
// region in use. Pooled buffers are borrowed for a single in-flight
// operation and must not be touched after Put returns them; persistent
// buffers live as long as the tensor that owns them.
type Buffer struct {
	dev    *Device
	data   []byte
	size   int
	pooled bool
}

// NewBuffer allocates a persistent buffer on dev.
func NewBuffer(dev *Device, size int) *Buffer {
	return &Buffer{dev: dev, data: make([]byte, alignUp(size, allocAlign)), size: size}
}

// Size returns the logical byte size.
func (b *Buffer) Size() int { return b.size }

// Device returns the owning device.
func (b *Buffer) Device() *Device { return b.dev }

// Bytes returns the buffer's logical byte region.
func (b *Buffer) Bytes() []byte { return b.data[:b.size] }

// Float32 views the buffer as float32 values. The backing store is kept
// as bytes so quantized and dense regions share one allocation model;
// views copy-free reinterpret via explicit little-endian access would
// cost a conversion per element, so dense float buffers are staged
// through Float32Slice copies at the backend boundary instead.
func (b *Buffer) Float32(i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b.data[i*4:]))
}

// SetFloat32 stores one float32 element.
func (b *Buffer) SetFloat32(i int, v float32) {
	binary.LittleEndian.PutUint32(b.data[i*4:], math.Float32bits(v))
}

// ReadFloat32 copies the region starting at byte offset off into dst.
func (b *Buffer) ReadFloat32(off int, dst []float32) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(b.data[off+i*4:]))
	}
}

// WriteFloat32 copies src into the region starting at byte offset off.
func (b *Buffer) WriteFloat32(off int, src []float32) {
	for i, v := range src {
		binary.LittleEndian.PutUint32(b.data[off+i*4:], math.Float32bits(v))
	}
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
