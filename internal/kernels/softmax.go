package kernels

import (
	"math"

	"github.com/tephra-ml/tephra/internal/device"
	"github.com/tephra-ml/tephra/internal/tensor"
)

// Softmax computes a numerically stable row softmax of scale*src, with an
// optional additive mask and an optional ALiBi position bias. mask may be
// nil; when maxBias > 0 the mask row is scaled by the head's ALiBi slope,
// with the piecewise base switching at the largest power of two not above
// the head count.
func Softmax(s *device.Stream, dst, src, mask *tensor.Tensor, scale, maxBias float32) {
	d, x := dst.F32(), src.F32()
	ne0 := int(src.NE[0])
	rowsPerHead := int(src.NE[1])
	heads := int(src.NE[2])
	rows := int(src.Rows())

	var mv []float32
	var maskNE0, maskRows int
	if mask != nil {
		mv = mask.F32()
		maskNE0 = int(mask.NE[0])
		maskRows = int(mask.Rows())
		if maskNE0 != ne0 {
			panic("kernels: mask row width mismatch")
		}
	}

	headLog2 := 1
	for headLog2*2 <= heads {
		headLog2 *= 2
	}
	m0 := float32(math.Pow(2, float64(-maxBias)/float64(headLog2)))
	m1 := float32(math.Pow(2, float64(-maxBias/2)/float64(headLog2)))

	lanes := softmaxLanes(ne0)
	s.Launch(device.Dim3{X: rows}, lanes, normScratch(lanes), func(wg *device.WorkGroup) {
		r := wg.Group.X
		row := x[r*ne0 : r*ne0+ne0]
		out := d[r*ne0 : r*ne0+ne0]

		slope := float32(1)
		if maxBias > 0 {
			h := r / rowsPerHead % heads
			if h < headLog2 {
				slope = pow32(m0, h+1)
			} else {
				slope = pow32(m1, 2*(h-headLog2)+1)
			}
		}
		var mrow []float32
		if mv != nil {
			mrow = mv[r%maskRows*ne0 : r%maskRows*ne0+ne0]
		}

		val := func(i int) float32 {
			v := scale * row[i]
			if mrow != nil {
				v += slope * mrow[i]
			}
			return v
		}

		partial := make([]float32, wg.Lanes)
		for lane := 0; lane < wg.Lanes; lane++ {
			m := float32(math.Inf(-1))
			for i := lane; i < ne0; i += wg.Lanes {
				if v := val(i); v > m {
					m = v
				}
			}
			partial[lane] = m
		}
		rowMax := device.ShuffleXorMax(partial)

		for lane := 0; lane < wg.Lanes; lane++ {
			var sum float32
			for i := lane; i < ne0; i += wg.Lanes {
				e := float32(math.Exp(float64(val(i) - rowMax)))
				out[i] = e
				sum += e
			}
			partial[lane] = sum
		}
		total := wg.ReduceSum(partial)

		inv := 1 / total
		for i := 0; i < ne0; i++ {
			out[i] *= inv
		}
	})
}

// softmaxLanes widens the group with the row, power-of-two steps only.
func softmaxLanes(ne0 int) int {
	lanes := device.WarpSize
	for lanes < ne0 && lanes < 4*device.WarpSize {
		lanes *= 2
	}
	return lanes
}

func pow32(base float32, exp int) float32 {
	return float32(math.Pow(float64(base), float64(exp)))
}
