package kernels

import (
	"simd/archsimd"

	"github.com/tephra-ml/tephra/internal/device"
	"github.com/tephra-ml/tephra/internal/floatx"
	"github.com/tephra-ml/tephra/internal/quant"
)

// Dense float dot products feed the library matmul path and the float
// fallbacks of the quantized paths.

// MatVecF computes dst[r-r0] = dot(row r of w, x) for rows [r0, r1) of a
// dense float weight matrix with k columns, one work-group per output
// row. Half-precision rows multiply-accumulate straight from the stored
// bits, with no decoded staging copy.
func MatVecF(s *device.Stream, dt quant.DType, w []byte, x, dst []float32, r0, r1, k int) {
	nrows := r1 - r0
	if nrows <= 0 {
		return
	}
	rowBytes := quant.RowBytes(dt, k)
	s.Launch(device.Dim3{X: nrows}, 1, 0, func(wg *device.WorkGroup) {
		r := r0 + wg.Group.X
		row := w[r*rowBytes : (r+1)*rowBytes]
		switch dt {
		case quant.F32:
			dst[wg.Group.X] = DotF32(bytesAsF32(row), x)
		case quant.F16:
			dst[wg.Group.X] = DotF16(bytesAsU16(row), x)
		case quant.BF16:
			dst[wg.Group.X] = DotBF16(bytesAsU16(row), x)
		default:
			panic("kernels: dense matvec on quantized weights")
		}
	})
}

// DotF32 computes the dot product of two float32 rows of equal length.
func DotF32(row, x []float32) float32 {
	if archsimd.X86.AVX2() {
		return dotF32SIMD(row, x)
	}
	return dotF32Scalar(row, x)
}

func dotF32Scalar(row, x []float32) float32 {
	var sum float32
	j := 0
	for ; j+3 < len(row); j += 4 {
		sum += row[j]*x[j] + row[j+1]*x[j+1] + row[j+2]*x[j+2] + row[j+3]*x[j+3]
	}
	for ; j < len(row); j++ {
		sum += row[j] * x[j]
	}
	return sum
}

func dotF32SIMD(row, x []float32) float32 {
	// Single accumulator - reduces register pressure
	var acc archsimd.Float32x8
	j := 0
	for ; j+8 <= len(row); j += 8 {
		vrow := archsimd.LoadFloat32x8Slice(row[j:])
		vx := archsimd.LoadFloat32x8Slice(x[j:])
		acc = acc.Add(vrow.Mul(vx))
	}

	var tmp [8]float32
	acc.Store(&tmp)
	sum := tmp[0] + tmp[1] + tmp[2] + tmp[3] + tmp[4] + tmp[5] + tmp[6] + tmp[7]

	for ; j < len(row); j++ {
		sum += row[j] * x[j]
	}
	return sum
}

// DotF16 computes the dot product of an fp16 row, given as raw uint16
// bits, against a float32 vector.
func DotF16(row []uint16, x []float32) float32 {
	var sum float32
	j := 0
	for ; j+7 < len(row); j += 8 {
		sum += floatx.FromFP16(row[j+0])*x[j+0] +
			floatx.FromFP16(row[j+1])*x[j+1] +
			floatx.FromFP16(row[j+2])*x[j+2] +
			floatx.FromFP16(row[j+3])*x[j+3] +
			floatx.FromFP16(row[j+4])*x[j+4] +
			floatx.FromFP16(row[j+5])*x[j+5] +
			floatx.FromFP16(row[j+6])*x[j+6] +
			floatx.FromFP16(row[j+7])*x[j+7]
	}
	for ; j < len(row); j++ {
		sum += floatx.FromFP16(row[j]) * x[j]
	}
	return sum
}

// DotBF16 is the bfloat16 counterpart of DotF16.
func DotBF16(row []uint16, x []float32) float32 {
	if archsimd.X86.AVX2() {
		return dotBF16SIMD(row, x)
	}
	var sum float32
	for j := range row {
		sum += floatx.FromBF16(row[j]) * x[j]
	}
	return sum
}

func dotBF16SIMD(row []uint16, x []float32) float32 {
	var acc archsimd.Float32x8
	j := 0
	for ; j+8 <= len(row); j += 8 {
		// Load 8 BF16 values as uint16, shift into float32 bit position
		vu := archsimd.LoadUint16x8Slice(row[j:])
		vf := vu.ExtendToUint32().ShiftAllLeft(16).AsFloat32x8()
		vx := archsimd.LoadFloat32x8Slice(x[j:])
		acc = acc.Add(vf.Mul(vx))
	}

	zero := archsimd.BroadcastFloat32x8(0)
	pairs := acc.AddPairsGrouped(zero)
	lo := pairs.GetLo()
	sum := lo.GetElem(0) + lo.GetElem(1) + lo.GetElem(2) + lo.GetElem(3)

	for ; j < len(row); j++ {
		sum += floatx.FromBF16(row[j]) * x[j]
	}
	return sum
}

// AxpyF32 computes y += a*x over equal-length rows.
func AxpyF32(y []float32, a float32, x []float32) {
	if archsimd.X86.AVX2() {
		va := archsimd.BroadcastFloat32x8(a)
		j := 0
		for ; j+8 <= len(y); j += 8 {
			vy := archsimd.LoadFloat32x8Slice(y[j:])
			vx := archsimd.LoadFloat32x8Slice(x[j:])
			vy.Add(vx.Mul(va)).StoreSlice(y[j:])
		}
		for ; j < len(y); j++ {
			y[j] += a * x[j]
		}
		return
	}
	for j := range y {
		y[j] += a * x[j]
	}
}
