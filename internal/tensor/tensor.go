// Package tensor defines the descriptors the compute backend reads:
// up-to-4-dimensional shapes with explicit byte strides, an element type
// tag, and a placement tag (host, single device, or row-sharded). The
// backend never mutates shape or strides; it only computes addressing
// from them.
package tensor

import (
	"fmt"

	"github.com/tephra-ml/tephra/internal/device"
	"github.com/tephra-ml/tephra/internal/quant"
)

// MaxDims is the dimensionality every descriptor carries; unused trailing
// dimensions have extent 1.
const MaxDims = 4

// Location tags where a tensor's payload lives.
type Location int

const (
	// OnHost data lives in the Data slice.
	OnHost Location = iota
	// OnDevice data lives in one device buffer.
	OnDevice
	// Split data is row-sharded across the context's devices.
	Split
)

func (l Location) String() string {
	switch l {
	case OnHost:
		return "host"
	case OnDevice:
		return "device"
	case Split:
		return "split"
	default:
		return fmt.Sprintf("location(%d)", int(l))
	}
}

// Tensor is a descriptor plus its backing storage. NE counts elements per
// dimension with NE[0] the contiguous (row) dimension; NB holds byte
// strides, where NB[0] is the byte step per block of NE-dimension 0 (one
// element for dense types, one quantized block for block types).
type Tensor struct {
	Name string
	Type quant.DType
	NE   [MaxDims]int64
	NB   [MaxDims]int64
	Loc  Location

	// Host payload (Loc == OnHost).
	Data []byte
	// Device payload (Loc == OnDevice).
	Buf *device.Buffer
	// Sharded payload (Loc == Split): one buffer per shard plus the
	// split table that assigns row ranges.
	Shards    []*device.Buffer
	SplitRows device.RowSplit
}

// New builds a host tensor descriptor with contiguous strides and a
// zeroed payload. Row length must be a multiple of the type's block size.
func New(dt quant.DType, ne ...int64) *Tensor {
	if len(ne) == 0 || len(ne) > MaxDims {
		panic("tensor: shape must have 1 to 4 dimensions")
	}
	t := &Tensor{Type: dt, Loc: OnHost}
	for i := range t.NE {
		t.NE[i] = 1
	}
	copy(t.NE[:], ne)
	if t.NE[0]%int64(dt.BlockSize()) != 0 {
		panic(fmt.Sprintf("tensor: row length %d not a multiple of %s block size", t.NE[0], dt))
	}
	t.NB[0] = int64(dt.BlockBytes())
	t.NB[1] = int64(dt.RowBytes(int(t.NE[0])))
	t.NB[2] = t.NB[1] * t.NE[1]
	t.NB[3] = t.NB[2] * t.NE[2]
	t.Data = make([]byte, t.NB[3]*t.NE[3])
	return t
}

// Elems returns the total element count.
func (t *Tensor) Elems() int64 {
	return t.NE[0] * t.NE[1] * t.NE[2] * t.NE[3]
}

// Rows returns the number of NE[0]-length rows.
func (t *Tensor) Rows() int64 {
	return t.NE[1] * t.NE[2] * t.NE[3]
}

// RowBytes returns the byte size of one row.
func (t *Tensor) RowBytes() int64 {
	return int64(t.Type.RowBytes(int(t.NE[0])))
}

// ByteSize returns the payload size implied by shape and type.
func (t *Tensor) ByteSize() int64 {
	return t.RowBytes() * t.Rows()
}

// IsContiguous reports whether strides describe a dense row-major layout
// with no gaps.
func (t *Tensor) IsContiguous() bool {
	if t.NB[0] != int64(t.Type.BlockBytes()) {
		return false
	}
	if t.NB[1] != t.RowBytes() {
		return false
	}
	return t.NB[2] == t.NB[1]*t.NE[1] && t.NB[3] == t.NB[2]*t.NE[2]
}

// SameShape reports equal extents in all dimensions.
func (t *Tensor) SameShape(o *Tensor) bool {
	return t.NE == o.NE
}

// CanBroadcastTo reports whether t's extents divide o's in every
// dimension (the trailing-modulo broadcast contract).
func (t *Tensor) CanBroadcastTo(o *Tensor) bool {
	for i := 0; i < MaxDims; i++ {
		if t.NE[i] == 0 || o.NE[i]%t.NE[i] != 0 {
			return false
		}
	}
	return true
}

// View returns a descriptor sharing t's payload with new extents; strides
// are recomputed contiguously. The view must span exactly the same number
// of bytes.
func (t *Tensor) View(dt quant.DType, ne ...int64) *Tensor {
	v := &Tensor{Name: t.Name, Type: dt, Loc: t.Loc,
		Data: t.Data, Buf: t.Buf, Shards: t.Shards, SplitRows: t.SplitRows}
	for i := range v.NE {
		v.NE[i] = 1
	}
	copy(v.NE[:], ne)
	if v.NE[0]%int64(dt.BlockSize()) != 0 {
		panic(fmt.Sprintf("tensor: view row length %d not a multiple of %s block size", v.NE[0], dt))
	}
	v.NB[0] = int64(dt.BlockBytes())
	v.NB[1] = int64(dt.RowBytes(int(v.NE[0])))
	v.NB[2] = v.NB[1] * v.NE[1]
	v.NB[3] = v.NB[2] * v.NE[2]
	if v.ByteSize() != t.ByteSize() {
		panic("tensor: view byte size differs from source")
	}
	return v
}

// RowOffset returns the byte offset of row (i1,i2,i3).
func (t *Tensor) RowOffset(i1, i2, i3 int64) int64 {
	return i1*t.NB[1] + i2*t.NB[2] + i3*t.NB[3]
}

// Payload returns the tensor's backing bytes wherever they live. Split
// tensors have no single payload and panic.
func (t *Tensor) Payload() []byte {
	switch t.Loc {
	case OnHost:
		return t.Data
	case OnDevice:
		return t.Buf.Bytes()
	default:
		panic("tensor: split tensor has no single payload")
	}
}

// F32 returns a float32 view of the payload. Type must be F32.
func (t *Tensor) F32() []float32 {
	if t.Type != quant.F32 {
		panic("tensor: F32 view of non-F32 tensor")
	}
	return bytesToF32(t.Payload())
}

// I32 returns an int32 view of the payload. Type must be I32.
func (t *Tensor) I32() []int32 {
	if t.Type != quant.I32 {
		panic("tensor: I32 view of non-I32 tensor")
	}
	return bytesToI32(t.Payload())
}

// U16 returns a uint16 view of an F16 or BF16 payload.
func (t *Tensor) U16() []uint16 {
	if t.Type != quant.F16 && t.Type != quant.BF16 {
		panic("tensor: U16 view needs an F16 or BF16 tensor")
	}
	return bytesToU16(t.Payload())
}

// Floats reinterprets a contiguous host F32 tensor's payload. Panics for
// other types or locations.
func (t *Tensor) Floats() []float32 {
	if t.Type != quant.F32 || t.Loc != OnHost {
		panic("tensor: Floats requires a host F32 tensor")
	}
	return bytesToF32(t.Data)
}

// SetFloats copies vals into a host F32 tensor.
func (t *Tensor) SetFloats(vals []float32) {
	dst := t.Floats()
	if len(vals) != len(dst) {
		panic("tensor: element count mismatch")
	}
	copy(dst, vals)
}
