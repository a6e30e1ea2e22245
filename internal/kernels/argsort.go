package kernels

import (
	"github.com/tephra-ml/tephra/internal/device"
	"github.com/tephra-ml/tephra/internal/tensor"
)

// Argsort writes, per row, the element indices of src in sorted value
// order into dst (int32 payload). The bitonic network requires the row
// length to be a power of two.
func Argsort(s *device.Stream, dst, src *tensor.Tensor, descending bool) {
	ne0 := int(src.NE[0])
	if ne0&(ne0-1) != 0 {
		panic("kernels: argsort row length must be a power of two")
	}
	rows := int(src.Rows())
	x := src.F32()
	out := dst.I32()

	s.Launch(device.Dim3{X: rows}, 1, 0, func(wg *device.WorkGroup) {
		row := x[wg.Group.X*ne0 : wg.Group.X*ne0+ne0]
		idx := out[wg.Group.X*ne0 : wg.Group.X*ne0+ne0]
		for i := range idx {
			idx[i] = int32(i)
		}
		bitonicSort(row, idx, descending)
	})
}

// bitonicSort runs the full compare-exchange network over the index
// array; values are never moved.
func bitonicSort(row []float32, idx []int32, descending bool) {
	n := len(idx)
	for k := 2; k <= n; k *= 2 {
		for j := k / 2; j > 0; j /= 2 {
			for i := 0; i < n; i++ {
				l := i ^ j
				if l <= i {
					continue
				}
				up := i&k == 0
				a, b := row[idx[i]], row[idx[l]]
				swap := a > b
				if descending {
					swap = a < b
				}
				if swap == up {
					idx[i], idx[l] = idx[l], idx[i]
				}
			}
		}
	}
}
