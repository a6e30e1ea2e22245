package kernels

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/tephra-ml/tephra/internal/device"
	"github.com/tephra-ml/tephra/internal/floatx"
	"github.com/tephra-ml/tephra/internal/quant"
	"github.com/tephra-ml/tephra/internal/tensor"
)

// Format-conversion copies. Everything routes through a float32 row
// staging buffer except the trivial same-type case; rows convert
// independently, so the work tiles naturally over the launch grid.

// Cpy converts src into dst. Shapes must describe the same element grid;
// both tensors must be contiguous.
func Cpy(s *device.Stream, dst, src *tensor.Tensor) error {
	if dst.Elems() != src.Elems() {
		return fmt.Errorf("kernels: cpy element count mismatch: %d vs %d", dst.Elems(), src.Elems())
	}
	if !dst.IsContiguous() || !src.IsContiguous() {
		return fmt.Errorf("kernels: cpy requires contiguous tensors")
	}
	if dst.Type == src.Type {
		copy(dst.Payload(), src.Payload())
		return nil
	}

	n := int(src.NE[0])
	rows := int(src.Rows())
	if dst.NE[0] != src.NE[0] {
		// reshaped copy: convert as one long row when block sizes allow
		n = int(src.Elems())
		rows = 1
		if n%src.Type.BlockSize() != 0 || n%dst.Type.BlockSize() != 0 {
			return fmt.Errorf("kernels: cpy reshape not block-aligned")
		}
	}
	srcRowBytes := quant.RowBytes(src.Type, n)
	dstRowBytes := quant.RowBytes(dst.Type, n)
	sp, dp := src.Payload(), dst.Payload()

	// row groups run concurrently; the first failure wins
	var (
		convMu  sync.Mutex
		convErr error
	)
	fail := func(err error) {
		convMu.Lock()
		if convErr == nil {
			convErr = err
		}
		convMu.Unlock()
	}
	s.Launch(device.Dim3{X: rows}, 1, 0, func(wg *device.WorkGroup) {
		r := wg.Group.X
		tmp := make([]float32, n)
		if err := rowToFloats(src.Type, sp[r*srcRowBytes:(r+1)*srcRowBytes], tmp, n); err != nil {
			fail(err)
			return
		}
		if err := floatsToRow(dst.Type, tmp, dp[r*dstRowBytes:(r+1)*dstRowBytes], n); err != nil {
			fail(err)
		}
	})
	s.Synchronize()
	return convErr
}

// DequantizeF32 decodes rows [r0, r1) of a quantized or half-precision
// payload into a dense float32 destination of k columns.
func DequantizeF32(dt quant.DType, src []byte, dst []float32, r0, r1, k int) error {
	rowBytes := quant.RowBytes(dt, k)
	for r := r0; r < r1; r++ {
		if err := rowToFloats(dt, src[r*rowBytes:(r+1)*rowBytes], dst[(r-r0)*k:], k); err != nil {
			return err
		}
	}
	return nil
}

func bytesAsF32(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

func bytesAsU16(b []byte) []uint16 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&b[0])), len(b)/2)
}

func rowToFloats(dt quant.DType, src []byte, dst []float32, n int) error {
	switch dt {
	case quant.F32:
		copy(dst[:n], bytesAsF32(src))
		return nil
	case quant.F16:
		for i := 0; i < n; i++ {
			dst[i] = floatx.FromFP16(floatx.GetFP16(src[2*i:]))
		}
		return nil
	case quant.BF16:
		for i := 0; i < n; i++ {
			dst[i] = floatx.FromBF16(floatx.GetFP16(src[2*i:]))
		}
		return nil
	default:
		return quant.DequantizeRow(dt, src, dst, n)
	}
}

func floatsToRow(dt quant.DType, src []float32, dst []byte, n int) error {
	switch dt {
	case quant.F32:
		copy(bytesAsF32(dst), src[:n])
		return nil
	case quant.F16:
		for i := 0; i < n; i++ {
			floatx.PutFP16(dst[2*i:], floatx.ToFP16(src[i]))
		}
		return nil
	case quant.BF16:
		for i := 0; i < n; i++ {
			floatx.PutFP16(dst[2*i:], floatx.ToBF16(src[i]))
		}
		return nil
	default:
		return quant.QuantizeRow(dt, src, dst, n)
	}
}
