package kernels

import (
	"simd/archsimd"

	"github.com/tephra-ml/tephra/internal/device"
)

// Dense float32 GEMM for the library matmul path. Output rows are tiled
// into work-groups; each group packs B panels into its scratch so the
// microkernel streams contiguous rows.
const (
	gemmTileM = 32
	gemmTileN = 64
	gemmTileK = 32
)

// GemmScratchFloats is the scratch size a GemmF32 launch needs per group.
const GemmScratchFloats = gemmTileK * gemmTileN

// GemmF32 computes dst = a*b on the stream, where a is m×k, b is k×n and
// dst is m×n, each with its own row stride. dst is overwritten.
func GemmF32(s *device.Stream, dst, a, b []float32, m, n, k, ds, as, bs int) {
	if m == 0 || n == 0 {
		return
	}
	rowTiles := (m + gemmTileM - 1) / gemmTileM
	s.Launch(device.Dim3{X: rowTiles}, 1, GemmScratchFloats, func(wg *device.WorkGroup) {
		i0 := wg.Group.X * gemmTileM
		iMax := i0 + gemmTileM
		if iMax > m {
			iMax = m
		}
		gemmRows(dst, a, b, ds, as, bs, n, k, i0, iMax, wg.Scratch())
	})
}

// GemmRows runs the blocked update for rows [i0, iMax) synchronously.
// packB must hold GemmScratchFloats values.
func GemmRows(dst, a, b []float32, ds, as, bs, n, k, i0, iMax int, packB []float32) {
	gemmRows(dst, a, b, ds, as, bs, n, k, i0, iMax, packB)
}

func gemmRows(dst, a, b []float32, ds, as, bs, n, k, i0, iMax int, packB []float32) {
	for i := i0; i < iMax; i++ {
		clear(dst[i*ds : i*ds+n])
	}
	for k0 := 0; k0 < k; k0 += gemmTileK {
		kMax := k0 + gemmTileK
		if kMax > k {
			kMax = k
		}
		kInner := kMax - k0
		for j0 := 0; j0 < n; j0 += gemmTileN {
			jMax := j0 + gemmTileN
			if jMax > n {
				jMax = n
			}
			width := jMax - j0
			for kk := 0; kk < kInner; kk++ {
				off := (k0+kk)*bs + j0
				copy(packB[kk*width:(kk+1)*width], b[off:off+width])
			}
			if archsimd.X86.AVX2() {
				gemmPanelSIMD(dst, a, packB, ds, as, i0, iMax, j0, width, k0, kInner)
			} else {
				gemmPanelScalar(dst, a, packB, ds, as, i0, iMax, j0, width, k0, kInner)
			}
		}
	}
}

func gemmPanelScalar(dst, a, packB []float32, ds, as, i0, iMax, j0, width, k0, kInner int) {
	for i := i0; i < iMax; i++ {
		aRow := a[i*as:]
		cRow := dst[i*ds+j0 : i*ds+j0+width]
		for kk := 0; kk < kInner; kk++ {
			AxpyF32(cRow, aRow[k0+kk], packB[kk*width:kk*width+width])
		}
	}
}

// gemmPanelSIMD accumulates across the whole k panel in registers before
// storing, 32 outputs at a time.
func gemmPanelSIMD(dst, a, packB []float32, ds, as, i0, iMax, j0, width, k0, kInner int) {
	for i := i0; i < iMax; i++ {
		aRow := a[i*as:]
		cRow := dst[i*ds+j0 : i*ds+j0+width]

		j := 0
		for ; j+32 <= width; j += 32 {
			acc0 := archsimd.LoadFloat32x8Slice(cRow[j:])
			acc1 := archsimd.LoadFloat32x8Slice(cRow[j+8:])
			acc2 := archsimd.LoadFloat32x8Slice(cRow[j+16:])
			acc3 := archsimd.LoadFloat32x8Slice(cRow[j+24:])

			for kk := 0; kk < kInner; kk++ {
				vaik := archsimd.BroadcastFloat32x8(aRow[k0+kk])
				bRow := packB[kk*width : kk*width+width]
				acc0 = acc0.Add(archsimd.LoadFloat32x8Slice(bRow[j:]).Mul(vaik))
				acc1 = acc1.Add(archsimd.LoadFloat32x8Slice(bRow[j+8:]).Mul(vaik))
				acc2 = acc2.Add(archsimd.LoadFloat32x8Slice(bRow[j+16:]).Mul(vaik))
				acc3 = acc3.Add(archsimd.LoadFloat32x8Slice(bRow[j+24:]).Mul(vaik))
			}

			acc0.StoreSlice(cRow[j:])
			acc1.StoreSlice(cRow[j+8:])
			acc2.StoreSlice(cRow[j+16:])
			acc3.StoreSlice(cRow[j+24:])
		}

		for ; j+8 <= width; j += 8 {
			acc := archsimd.LoadFloat32x8Slice(cRow[j:])
			for kk := 0; kk < kInner; kk++ {
				vaik := archsimd.BroadcastFloat32x8(aRow[k0+kk])
				bRow := packB[kk*width:]
				acc = acc.Add(archsimd.LoadFloat32x8Slice(bRow[j:]).Mul(vaik))
			}
			acc.StoreSlice(cRow[j:])
		}

		for ; j < width; j++ {
			for kk := 0; kk < kInner; kk++ {
				cRow[j] += aRow[k0+kk] * packB[kk*width+j]
			}
		}
	}
}
