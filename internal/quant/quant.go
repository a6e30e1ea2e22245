// Package quant implements the block codecs for the compact weight
// encodings the backend executes against: the 32-value small-block family
// (Q4_0, Q4_1, Q5_0, Q5_1, Q8_0, Q8_1), the 256-value super-block family
// (Q2_K .. Q6_K) and the grid-coded family (IQ2, IQ3).
//
// Every decode is a pure function of the block's own bytes. Encoders are
// reference implementations used for activation quantization and for
// format-conversion copies; they are not tuned for speed.
package quant

import (
	"errors"
	"fmt"
)

// DType tags the element encoding of a tensor.
type DType uint8

const (
	F32 DType = iota
	F16
	BF16
	I32
	Q4_0
	Q4_1
	Q5_0
	Q5_1
	Q8_0
	Q8_1
	Q2_K
	Q3_K
	Q4_K
	Q5_K
	Q6_K
	IQ2
	IQ3
	dtypeCount
)

const (
	// QK is the small-block size: values per block for the Q*_0/Q*_1 family.
	QK = 32
	// QKK is the super-block size for the k-quant and grid families.
	QKK = 256
)

// Block byte sizes. Scales are fp16 unless noted.
const (
	q4_0BlockBytes = 2 + QK/2           // d + 16 nibbles
	q4_1BlockBytes = 4 + QK/2           // d, m + 16 nibbles
	q5_0BlockBytes = 2 + 4 + QK/2       // d + qh + nibbles
	q5_1BlockBytes = 4 + 4 + QK/2       // d, m + qh + nibbles
	q8_0BlockBytes = 2 + QK             // d + 32 int8
	q8_1BlockBytes = 4 + QK             // d, s + 32 int8
	q2_KBlockBytes = 16 + QKK/4 + 2 + 2 // scales + qs + d + dmin
	q3_KBlockBytes = QKK/8 + QKK/4 + 12 + 2
	q4_KBlockBytes = 2 + 2 + 12 + QKK/2
	q5_KBlockBytes = 2 + 2 + 12 + QKK/8 + QKK/2
	q6_KBlockBytes = QKK/2 + QKK/4 + QKK/16 + 2
	iq2BlockBytes  = 2 + QKK/8*2 // d + 32 uint16 codes
	iq3BlockBytes  = 2 + 3*QKK/8 // d + 64 grid indices + 8 scale/sign words
)

type traits struct {
	name       string
	blockSize  int
	blockBytes int
}

var dtypeTraits = [dtypeCount]traits{
	F32:  {"f32", 1, 4},
	F16:  {"f16", 1, 2},
	BF16: {"bf16", 1, 2},
	I32:  {"i32", 1, 4},
	Q4_0: {"q4_0", QK, q4_0BlockBytes},
	Q4_1: {"q4_1", QK, q4_1BlockBytes},
	Q5_0: {"q5_0", QK, q5_0BlockBytes},
	Q5_1: {"q5_1", QK, q5_1BlockBytes},
	Q8_0: {"q8_0", QK, q8_0BlockBytes},
	Q8_1: {"q8_1", QK, q8_1BlockBytes},
	Q2_K: {"q2_k", QKK, q2_KBlockBytes},
	Q3_K: {"q3_k", QKK, q3_KBlockBytes},
	Q4_K: {"q4_k", QKK, q4_KBlockBytes},
	Q5_K: {"q5_k", QKK, q5_KBlockBytes},
	Q6_K: {"q6_k", QKK, q6_KBlockBytes},
	IQ2:  {"iq2", QKK, iq2BlockBytes},
	IQ3:  {"iq3", QKK, iq3BlockBytes},
}

var ErrUnsupportedType = errors.New("unsupported tensor type")

func (dt DType) String() string {
	if int(dt) >= len(dtypeTraits) || dtypeTraits[dt].name == "" {
		return fmt.Sprintf("dtype(0x%02x)", uint8(dt))
	}
	return dtypeTraits[dt].name
}

// BlockSize returns the number of source values a block encodes.
func (dt DType) BlockSize() int { return dtypeTraits[dt].blockSize }

// BlockBytes returns the encoded size of one block in bytes.
func (dt DType) BlockBytes() int { return dtypeTraits[dt].blockBytes }

// IsQuantized reports whether the type is a packed block encoding.
func (dt DType) IsQuantized() bool { return dt >= Q4_0 && dt < dtypeCount }

// Valid reports whether dt names a known element encoding.
func (dt DType) Valid() bool {
	return int(dt) < len(dtypeTraits) && dtypeTraits[dt].name != ""
}

// ParseDType resolves an encoding by its canonical name ("q4_0", "f16", ...).
func ParseDType(name string) (DType, error) {
	for dt, tr := range dtypeTraits {
		if tr.name == name {
			return DType(dt), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedType, name)
}

// RowBytes returns the byte size of a row of n elements. n must be a
// multiple of the block size; violating that is a caller contract breach.
func RowBytes(dt DType, n int) int {
	bs := dt.BlockSize()
	if n%bs != 0 {
		panic(fmt.Sprintf("quant: row length %d not a multiple of %s block size %d", n, dt, bs))
	}
	return n / bs * dt.BlockBytes()
}

// RowBytes is the method form of RowBytes(dt, n).
func (dt DType) RowBytes(n int) int { return RowBytes(dt, n) }

// DequantizeRow decodes n elements from src into dst. n must be a multiple
// of the block size and src must hold exactly RowBytes(dt, n) bytes.
func DequantizeRow(dt DType, src []byte, dst []float32, n int) error {
	if want := RowBytes(dt, n); len(src) < want {
		return fmt.Errorf("quant: %s row needs %d bytes, have %d", dt, want, len(src))
	}
	if len(dst) < n {
		return fmt.Errorf("quant: dst too short: %d < %d", len(dst), n)
	}
	switch dt {
	case Q4_0:
		dequantizeRowQ4_0(src, dst, n)
	case Q4_1:
		dequantizeRowQ4_1(src, dst, n)
	case Q5_0:
		dequantizeRowQ5_0(src, dst, n)
	case Q5_1:
		dequantizeRowQ5_1(src, dst, n)
	case Q8_0:
		dequantizeRowQ8_0(src, dst, n)
	case Q8_1:
		dequantizeRowQ8_1(src, dst, n)
	case Q2_K:
		dequantizeRowQ2K(src, dst, n)
	case Q3_K:
		dequantizeRowQ3K(src, dst, n)
	case Q4_K:
		dequantizeRowQ4K(src, dst, n)
	case Q5_K:
		dequantizeRowQ5K(src, dst, n)
	case Q6_K:
		dequantizeRowQ6K(src, dst, n)
	case IQ2:
		dequantizeRowIQ2(src, dst, n)
	case IQ3:
		dequantizeRowIQ3(src, dst, n)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedType, dt)
	}
	return nil
}

// QuantizeRow encodes n float32 values into dst. n must be a multiple of
// the block size and dst must hold RowBytes(dt, n) bytes.
func QuantizeRow(dt DType, src []float32, dst []byte, n int) error {
	if want := RowBytes(dt, n); len(dst) < want {
		return fmt.Errorf("quant: %s row needs %d bytes, have %d", dt, want, len(dst))
	}
	if len(src) < n {
		return fmt.Errorf("quant: src too short: %d < %d", len(src), n)
	}
	switch dt {
	case Q4_0:
		quantizeRowQ4_0(src, dst, n)
	case Q4_1:
		quantizeRowQ4_1(src, dst, n)
	case Q5_0:
		quantizeRowQ5_0(src, dst, n)
	case Q5_1:
		quantizeRowQ5_1(src, dst, n)
	case Q8_0:
		quantizeRowQ8_0(src, dst, n)
	case Q8_1:
		quantizeRowQ8_1(src, dst, n)
	case Q2_K:
		quantizeRowQ2K(src, dst, n)
	case Q3_K:
		quantizeRowQ3K(src, dst, n)
	case Q4_K:
		quantizeRowQ4K(src, dst, n)
	case Q5_K:
		quantizeRowQ5K(src, dst, n)
	case Q6_K:
		quantizeRowQ6K(src, dst, n)
	case IQ2:
		quantizeRowIQ2(src, dst, n)
	case IQ3:
		quantizeRowIQ3(src, dst, n)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedType, dt)
	}
	return nil
}

// clampInt clamps v to [lo, hi].
func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func roundf(x float32) int {
	if x >= 0 {
		return int(x + 0.5)
	}
	return int(x - 0.5)
}
