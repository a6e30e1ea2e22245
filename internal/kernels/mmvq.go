package kernels

import (
	"github.com/tephra-ml/tephra/internal/device"
	"github.com/tephra-ml/tephra/internal/quant"
)

// QuantizeActivations encodes a float32 activation column to Q8_1 for the
// integer matmul paths. k must be a multiple of the Q8_1 block size.
func QuantizeActivations(x []float32, k int) []byte {
	q8 := make([]byte, quant.RowBytes(quant.Q8_1, k))
	if err := quant.QuantizeRow(quant.Q8_1, x, q8, k); err != nil {
		panic(err)
	}
	return q8
}

// MatVecQ computes dst[r-r0] = dot(row r of w, x) for rows [r0, r1) of a
// quantized weight matrix with k columns, on the given stream. One
// work-group produces one output row: each lane accumulates a stripe of
// blocks and the partials meet in a butterfly reduction. The activation
// column is Q8_1-encoded once and shared by every row.
func MatVecQ(s *device.Stream, dt quant.DType, w []byte, x []float32, dst []float32, r0, r1, k int) {
	if k%dt.BlockSize() != 0 {
		panic("kernels: matvec width not block-aligned")
	}
	nrows := r1 - r0
	if nrows <= 0 {
		return
	}
	q8 := QuantizeActivations(x, k)
	rowBytes := quant.RowBytes(dt, k)

	blocks := k / dt.BlockSize()
	blockBytes := dt.BlockBytes()
	q8PerBlock := dt.BlockSize() / quant.QK

	lanes := device.WarpSize
	if blocks < lanes {
		lanes = ceilPow2(blocks)
	}

	s.Launch(device.Dim3{X: nrows}, lanes, 0, func(wg *device.WorkGroup) {
		r := r0 + wg.Group.X
		row := w[r*rowBytes : (r+1)*rowBytes]

		partial := make([]float32, wg.Lanes)
		for lane := 0; lane < wg.Lanes; lane++ {
			var sum float32
			for blk := lane; blk < blocks; blk += wg.Lanes {
				wblk := row[blk*blockBytes : (blk+1)*blockBytes]
				q8blk := q8[blk*q8PerBlock*quant.Q8_1.BlockBytes():]
				sum += VecDotQ8_1(dt, wblk, q8blk, dt.BlockSize())
			}
			partial[lane] = sum
		}
		dst[wg.Group.X] = device.ShuffleXorSum(partial)
	})
}

func ceilPow2(n int) int {
	p := 1
	for p < n {
		p *= 2
	}
	return p
}
