package kernels

import (
	"github.com/tephra-ml/tephra/internal/tensor"
)

// Binary elementwise kernels over float32 tensors with trailing-modulo
// broadcast: each source extent must divide the destination extent in the
// same dimension, and source indices wrap. Same-shape contiguous inputs
// take the flat fast path.

func Add(dst, a, b *tensor.Tensor) { binaryOp(dst, a, b, func(x, y float32) float32 { return x + y }) }
func Mul(dst, a, b *tensor.Tensor) { binaryOp(dst, a, b, func(x, y float32) float32 { return x * y }) }
func Div(dst, a, b *tensor.Tensor) { binaryOp(dst, a, b, func(x, y float32) float32 { return x / y }) }

func binaryOp(dst, a, b *tensor.Tensor, op func(x, y float32) float32) {
	if !a.CanBroadcastTo(dst) || !b.CanBroadcastTo(dst) {
		panic("kernels: operand shape does not broadcast to destination")
	}
	dv, av, bv := dst.F32(), a.F32(), b.F32()

	if a.SameShape(dst) && b.SameShape(dst) && dst.IsContiguous() && a.IsContiguous() && b.IsContiguous() {
		for i := range dv {
			dv[i] = op(av[i], bv[i])
		}
		return
	}

	ne := dst.NE
	for i3 := int64(0); i3 < ne[3]; i3++ {
		for i2 := int64(0); i2 < ne[2]; i2++ {
			for i1 := int64(0); i1 < ne[1]; i1++ {
				drow := dv[flatRow(dst, i1, i2, i3):]
				arow := av[flatRow(a, i1%a.NE[1], i2%a.NE[2], i3%a.NE[3]):]
				brow := bv[flatRow(b, i1%b.NE[1], i2%b.NE[2], i3%b.NE[3]):]
				for i0 := int64(0); i0 < ne[0]; i0++ {
					drow[i0] = op(arow[i0%a.NE[0]], brow[i0%b.NE[0]])
				}
			}
		}
	}
}

// Repeat tiles src into dst; src extents must divide dst extents.
func Repeat(dst, src *tensor.Tensor) {
	if !src.CanBroadcastTo(dst) {
		panic("kernels: source shape does not broadcast to destination")
	}
	dv, sv := dst.F32(), src.F32()
	ne := dst.NE
	for i3 := int64(0); i3 < ne[3]; i3++ {
		for i2 := int64(0); i2 < ne[2]; i2++ {
			for i1 := int64(0); i1 < ne[1]; i1++ {
				drow := dv[flatRow(dst, i1, i2, i3):]
				srow := sv[flatRow(src, i1%src.NE[1], i2%src.NE[2], i3%src.NE[3]):]
				for i0 := int64(0); i0 < ne[0]; i0++ {
					drow[i0] = srow[i0%src.NE[0]]
				}
			}
		}
	}
}

// flatRow returns the float32 index of row (i1,i2,i3) in a contiguous
// F32 tensor.
func flatRow(t *tensor.Tensor, i1, i2, i3 int64) int64 {
	return ((i3*t.NE[2]+i2)*t.NE[1] + i1) * t.NE[0]
}
