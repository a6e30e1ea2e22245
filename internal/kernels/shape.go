package kernels

import (
	"math"

	"github.com/tephra-ml/tephra/internal/tensor"
)

// Pad copies src into dst, which extends src by after[i] zero elements at
// the top of each dimension. dst is expected pre-zeroed by allocation.
func Pad(dst, src *tensor.Tensor, after [tensor.MaxDims]int) {
	for i := 0; i < tensor.MaxDims; i++ {
		if dst.NE[i] != src.NE[i]+int64(after[i]) {
			panic("kernels: pad extent mismatch")
		}
	}
	d, x := dst.F32(), src.F32()
	for i3 := int64(0); i3 < src.NE[3]; i3++ {
		for i2 := int64(0); i2 < src.NE[2]; i2++ {
			for i1 := int64(0); i1 < src.NE[1]; i1++ {
				so := flatRow(src, i1, i2, i3)
				do := flatRow(dst, i1, i2, i3)
				copy(d[do:do+src.NE[0]], x[so:so+src.NE[0]])
			}
		}
	}
}

// Concat joins a and b along dim; all other extents must match.
func Concat(dst, a, b *tensor.Tensor, dim int) {
	if dim < 0 || dim >= tensor.MaxDims {
		panic("kernels: concat dimension out of range")
	}
	for i := 0; i < tensor.MaxDims; i++ {
		want := a.NE[i]
		if i == dim {
			want += b.NE[i]
		} else if b.NE[i] != a.NE[i] {
			panic("kernels: concat extent mismatch")
		}
		if dst.NE[i] != want {
			panic("kernels: concat destination extent mismatch")
		}
	}
	d := dst.F32()
	av, bv := a.F32(), b.F32()
	ne := dst.NE
	for i3 := int64(0); i3 < ne[3]; i3++ {
		for i2 := int64(0); i2 < ne[2]; i2++ {
			for i1 := int64(0); i1 < ne[1]; i1++ {
				drow := d[flatRow(dst, i1, i2, i3):]
				for i0 := int64(0); i0 < ne[0]; i0++ {
					idx := [tensor.MaxDims]int64{i0, i1, i2, i3}
					src, sv := a, av
					if idx[dim] >= a.NE[dim] {
						idx[dim] -= a.NE[dim]
						src, sv = b, bv
					}
					drow[i0] = sv[flatRow(src, idx[1], idx[2], idx[3])+idx[0]]
				}
			}
		}
	}
}

// Upscale enlarges the two spatial dimensions by an integer factor with
// nearest-neighbour sampling.
func Upscale(dst, src *tensor.Tensor, factor int) {
	if factor < 1 {
		panic("kernels: upscale factor must be positive")
	}
	d, x := dst.F32(), src.F32()
	ne := dst.NE
	for i3 := int64(0); i3 < ne[3]; i3++ {
		for i2 := int64(0); i2 < ne[2]; i2++ {
			for i1 := int64(0); i1 < ne[1]; i1++ {
				drow := d[flatRow(dst, i1, i2, i3):]
				srow := x[flatRow(src, i1/int64(factor), i2, i3):]
				for i0 := int64(0); i0 < ne[0]; i0++ {
					drow[i0] = srow[i0/int64(factor)]
				}
			}
		}
	}
}

// Pool2D applies average or max pooling over the two spatial dimensions
// (0 and 1) with kernel k, stride s and padding p per axis. Padded
// positions contribute zeros to averages and are skipped for max.
func Pool2D(dst, src *tensor.Tensor, attrs tensor.Pool2DAttrs) {
	d, x := dst.F32(), src.F32()
	iw, ih := src.NE[0], src.NE[1]
	ow, oh := dst.NE[0], dst.NE[1]
	planes := dst.NE[2] * dst.NE[3]

	for pl := int64(0); pl < planes; pl++ {
		in := x[pl*iw*ih:]
		out := d[pl*ow*oh:]
		for oy := int64(0); oy < oh; oy++ {
			for ox := int64(0); ox < ow; ox++ {
				x0 := int(ox)*attrs.S0 - attrs.P0
				y0 := int(oy)*attrs.S1 - attrs.P1
				var acc float32
				if attrs.Op == tensor.PoolMax {
					acc = float32(math.Inf(-1))
				}
				for ky := 0; ky < attrs.K1; ky++ {
					for kx := 0; kx < attrs.K0; kx++ {
						sx, sy := x0+kx, y0+ky
						if sx < 0 || sy < 0 || int64(sx) >= iw || int64(sy) >= ih {
							continue
						}
						v := in[int64(sy)*iw+int64(sx)]
						if attrs.Op == tensor.PoolMax {
							if v > acc {
								acc = v
							}
						} else {
							acc += v
						}
					}
				}
				if attrs.Op == tensor.PoolAvg {
					acc /= float32(attrs.K0 * attrs.K1)
				}
				out[oy*ow+ox] = acc
			}
		}
	}
}
