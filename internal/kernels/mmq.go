package kernels

import (
	"github.com/tephra-ml/tephra/internal/device"
	"github.com/tephra-ml/tephra/internal/quant"
)

// Tiled quantized matmul. Weight rows are staged tile-by-tile into a
// group-local panel (the slice rendering of on-chip shared memory) and
// every staged block is dotted against each activation column before the
// next stripe is loaded, so one pass over the weights serves all columns
// of the tile.

// mmqTile describes the tile geometry for one format family. mmqY is the
// number of weight rows staged per work-group; wider tiles suit the small
// 32-value blocks, the 256-value super-blocks stage fewer rows.
type mmqTile struct {
	mmqY    int
	kBlocks int // weight blocks staged per k-stripe
}

func tileFor(dt quant.DType) mmqTile {
	if dt.BlockSize() == quant.QK {
		return mmqTile{mmqY: 64, kBlocks: device.WarpSize}
	}
	return mmqTile{mmqY: 32, kBlocks: 8}
}

// mmqCols is the number of activation columns one tile pass serves.
const mmqCols = 8

// MatMulQ computes dst[c][r-r0] = dot(row r of w, col c of x) for rows
// [r0, r1) against ncols activation columns, each of width k. x holds the
// columns back to back; dst likewise, ncols runs of (r1-r0) outputs.
func MatMulQ(s *device.Stream, dt quant.DType, w []byte, x []float32, dst []float32, r0, r1, k, ncols int) {
	if k%dt.BlockSize() != 0 {
		panic("kernels: matmul width not block-aligned")
	}
	nrows := r1 - r0
	if nrows <= 0 || ncols <= 0 {
		return
	}

	// All columns are quantized up front and shared across row tiles.
	q8 := make([][]byte, ncols)
	for c := range q8 {
		q8[c] = QuantizeActivations(x[c*k:(c+1)*k], k)
	}

	tile := tileFor(dt)
	rowBytes := quant.RowBytes(dt, k)
	blockBytes := dt.BlockBytes()
	blocks := k / dt.BlockSize()
	q8PerBlock := dt.BlockSize() / quant.QK

	rowTiles := (nrows + tile.mmqY - 1) / tile.mmqY
	colTiles := (ncols + mmqCols - 1) / mmqCols

	s.Launch(device.Dim3{X: rowTiles, Y: colTiles}, device.WarpSize, 0, func(wg *device.WorkGroup) {
		rt0 := wg.Group.X * tile.mmqY
		rt1 := rt0 + tile.mmqY
		needCheck := rt1 > nrows // final partial tile
		if needCheck {
			rt1 = nrows
		}
		ct0 := wg.Group.Y * mmqCols
		ct1 := ct0 + mmqCols
		if ct1 > ncols {
			ct1 = ncols
		}

		panel := make([]byte, tile.mmqY*tile.kBlocks*blockBytes)
		acc := make([]float32, (rt1-rt0)*(ct1-ct0))

		for kb := 0; kb < blocks; kb += tile.kBlocks {
			ke := kb + tile.kBlocks
			if ke > blocks {
				ke = blocks
			}
			stripe := ke - kb

			// Stage the stripe of every tile row into the panel.
			for tr := 0; tr < rt1-rt0; tr++ {
				src := w[(r0+rt0+tr)*rowBytes+kb*blockBytes : (r0+rt0+tr)*rowBytes+ke*blockBytes]
				copy(panel[tr*tile.kBlocks*blockBytes:], src)
			}

			for c := ct0; c < ct1; c++ {
				col := q8[c]
				for tr := 0; tr < rt1-rt0; tr++ {
					var sum float32
					row := panel[tr*tile.kBlocks*blockBytes:]
					for b := 0; b < stripe; b++ {
						wblk := row[b*blockBytes : (b+1)*blockBytes]
						q8blk := col[(kb+b)*q8PerBlock*quant.Q8_1.BlockBytes():]
						sum += VecDotQ8_1(dt, wblk, q8blk, dt.BlockSize())
					}
					acc[(c-ct0)*(rt1-rt0)+tr] += sum
				}
			}
		}

		for c := ct0; c < ct1; c++ {
			out := dst[c*nrows:]
			for tr := 0; tr < rt1-rt0; tr++ {
				out[rt0+tr] = acc[(c-ct0)*(rt1-rt0)+tr]
			}
		}
	})
}
