package kernels

import (
	"math"

	"github.com/tephra-ml/tephra/internal/device"
	"github.com/tephra-ml/tephra/internal/tensor"
)

// Normalization kernels. Each row (or channel group) is one work-group;
// lanes hold striped partial sums and meet in the butterfly reduction,
// staging through scratch when the group is wider than a warp.

const normLanes = 2 * device.WarpSize

func normScratch(lanes int) int {
	return (lanes + device.WarpSize - 1) / device.WarpSize
}

// LayerNorm normalizes every row of src to zero mean and unit variance.
func LayerNorm(s *device.Stream, dst, src *tensor.Tensor, eps float32) {
	d, x := dst.F32(), src.F32()
	ne0 := int(src.NE[0])
	rows := int(src.Rows())

	s.Launch(device.Dim3{X: rows}, normLanes, normScratch(normLanes), func(wg *device.WorkGroup) {
		row := x[wg.Group.X*ne0 : wg.Group.X*ne0+ne0]
		out := d[wg.Group.X*ne0 : wg.Group.X*ne0+ne0]

		partial := make([]float32, wg.Lanes)
		for lane := 0; lane < wg.Lanes; lane++ {
			var sum float32
			for i := lane; i < ne0; i += wg.Lanes {
				sum += row[i]
			}
			partial[lane] = sum
		}
		mean := wg.ReduceSum(partial) / float32(ne0)

		for lane := 0; lane < wg.Lanes; lane++ {
			var sum float32
			for i := lane; i < ne0; i += wg.Lanes {
				v := row[i] - mean
				sum += v * v
			}
			partial[lane] = sum
		}
		variance := wg.ReduceSum(partial) / float32(ne0)
		scale := float32(1 / math.Sqrt(float64(variance+eps)))

		for i := 0; i < ne0; i++ {
			out[i] = (row[i] - mean) * scale
		}
	})
}

// RMSNorm scales every row by the reciprocal of its root mean square.
func RMSNorm(s *device.Stream, dst, src *tensor.Tensor, eps float32) {
	d, x := dst.F32(), src.F32()
	ne0 := int(src.NE[0])
	rows := int(src.Rows())

	s.Launch(device.Dim3{X: rows}, normLanes, normScratch(normLanes), func(wg *device.WorkGroup) {
		row := x[wg.Group.X*ne0 : wg.Group.X*ne0+ne0]
		out := d[wg.Group.X*ne0 : wg.Group.X*ne0+ne0]

		partial := make([]float32, wg.Lanes)
		for lane := 0; lane < wg.Lanes; lane++ {
			var sum float32
			for i := lane; i < ne0; i += wg.Lanes {
				sum += row[i] * row[i]
			}
			partial[lane] = sum
		}
		ms := wg.ReduceSum(partial) / float32(ne0)
		scale := float32(1 / math.Sqrt(float64(ms+eps)))

		for i := 0; i < ne0; i++ {
			out[i] = row[i] * scale
		}
	})
}

// GroupNorm normalizes channel groups of an NCHW tensor: dimensions 0 and
// 1 are spatial, dimension 2 is channels, split into ngroups groups.
func GroupNorm(s *device.Stream, dst, src *tensor.Tensor, eps float32, ngroups int) {
	d, x := dst.F32(), src.F32()
	channels := int(src.NE[2])
	if ngroups < 1 || channels%ngroups != 0 {
		panic("kernels: channel count not divisible by group count")
	}
	chPerGroup := channels / ngroups
	spatial := int(src.NE[0] * src.NE[1])
	groupElems := chPerGroup * spatial
	batches := int(src.NE[3])

	s.Launch(device.Dim3{X: ngroups, Y: batches}, normLanes, normScratch(normLanes), func(wg *device.WorkGroup) {
		base := wg.Group.Y*channels*spatial + wg.Group.X*groupElems
		row := x[base : base+groupElems]
		out := d[base : base+groupElems]

		partial := make([]float32, wg.Lanes)
		for lane := 0; lane < wg.Lanes; lane++ {
			var sum float32
			for i := lane; i < groupElems; i += wg.Lanes {
				sum += row[i]
			}
			partial[lane] = sum
		}
		mean := wg.ReduceSum(partial) / float32(groupElems)

		for lane := 0; lane < wg.Lanes; lane++ {
			var sum float32
			for i := lane; i < groupElems; i += wg.Lanes {
				v := row[i] - mean
				sum += v * v
			}
			partial[lane] = sum
		}
		variance := wg.ReduceSum(partial) / float32(groupElems)
		scale := float32(1 / math.Sqrt(float64(variance+eps)))

		for i := 0; i < groupElems; i++ {
			out[i] = (row[i] - mean) * scale
		}
	})
}
