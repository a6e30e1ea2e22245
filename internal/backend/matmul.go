package backend

import (
	"fmt"

	"github.com/tephra-ml/tephra/internal/device"
	"github.com/tephra-ml/tephra/internal/kernels"
	"github.com/tephra-ml/tephra/internal/quant"
	"github.com/tephra-ml/tephra/internal/tensor"
)

// mmqMaxCols bounds the activation-column count served by the tiled
// integer path; larger batches dequantize and take the dense GEMM.
const mmqMaxCols = 64

// denseVecMaxCols bounds the direct dense matvec path for float weights;
// larger batches amortize better through the packed GEMM.
const denseVecMaxCols = 4

// splitColChunk is the activation-column batch one split-multiply task
// covers. Chunks round-robin over a device's stream slots so independent
// chunks of the same multiply overlap.
const splitColChunk = 16

// matMul runs dst[c,r] = dot(w row r, x col c). Weights are src0 with k
// columns and nrows rows; activations are src1 holding columns of k
// values back to back; dst holds ncols runs of nrows outputs. Batch
// dimensions 2 and 3 broadcast by the extent ratios.
func (b *Backend) matMul(op *tensor.Op) error {
	w, x, dst := op.Src0, op.Src1, op.Dst
	if x.Type != quant.F32 || dst.Type != quant.F32 || !matMulWeightOK(w.Type) {
		return fmt.Errorf("%w: mat_mul %s x %s -> %s", ErrNotSupported, w.Type, x.Type, dst.Type)
	}
	if w.NE[0] != x.NE[0] {
		panic(fmt.Sprintf("backend: mat_mul width mismatch: %d vs %d", w.NE[0], x.NE[0]))
	}
	if dst.NE[0] != w.NE[1] || dst.NE[1] != x.NE[1] || dst.NE[2] != x.NE[2] || dst.NE[3] != x.NE[3] {
		panic("backend: mat_mul destination shape mismatch")
	}

	if w.Loc == tensor.Split {
		return b.matMulSplit(op)
	}

	k := int(w.NE[0])
	nrows := int(w.NE[1])
	ncols := int(x.NE[1])
	if x.NE[2]%w.NE[2] != 0 || x.NE[3]%w.NE[3] != 0 {
		panic("backend: mat_mul batch extents do not broadcast")
	}
	r2 := x.NE[2] / w.NE[2]
	r3 := x.NE[3] / w.NE[3]

	wp := w.Payload()
	xf := x.F32()
	df := dst.F32()
	for i3 := int64(0); i3 < x.NE[3]; i3++ {
		for i2 := int64(0); i2 < x.NE[2]; i2++ {
			wOff := w.RowOffset(0, i2/r2, i3/r3)
			xBase := (i3*x.NE[2] + i2) * x.NE[1] * x.NE[0]
			dBase := (i3*dst.NE[2] + i2) * dst.NE[1] * dst.NE[0]
			err := b.matMul2D(w.Type, wp[wOff:],
				xf[xBase:xBase+int64(ncols*k)],
				df[dBase:dBase+int64(ncols*nrows)],
				nrows, ncols, k)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// matMul2D selects the execution path for one weight matrix against one
// batch of activation columns.
func (b *Backend) matMul2D(dt quant.DType, w []byte, x, dst []float32, nrows, ncols, k int) error {
	s := b.stream()
	integer := dt.IsQuantized() && dt != quant.Q8_1

	switch {
	case integer && ncols == 1:
		kernels.MatVecQ(s, dt, w, x, dst, 0, nrows, k)
	case integer && ncols <= mmqMaxCols:
		kernels.MatMulQ(s, dt, w, x, dst, 0, nrows, k, ncols)
	case !dt.IsQuantized() && ncols <= denseVecMaxCols:
		for c := 0; c < ncols; c++ {
			kernels.MatVecF(s, dt, w, x[c*k:(c+1)*k], dst[c*nrows:(c+1)*nrows], 0, nrows, k)
		}
	default:
		if err := b.gemmLibrary(s, dt, w, x, dst, nrows, ncols, k); err != nil {
			return err
		}
	}
	s.Synchronize()
	return nil
}

// gemmLibrary is the dense fallback: dequantize the weights when needed
// and run the blocked float GEMM. The activations arrive column-major
// (ncols runs of k), so they transpose into the k x ncols operand; the
// row-major product transposes back into the column-major destination.
// Both transposed buffers are small next to the weight matrix.
func (b *Backend) gemmLibrary(s *device.Stream, dt quant.DType, w []byte, x, dst []float32, nrows, ncols, k int) error {
	wf := make([]float32, nrows*k)
	if err := kernels.DequantizeF32(dt, w, wf, 0, nrows, k); err != nil {
		return err
	}

	if ncols == 1 {
		// one column: the product is already the destination layout
		kernels.GemmF32(s, dst, wf, x, nrows, 1, k, 1, k, 1)
		return nil
	}

	xt := make([]float32, k*ncols)
	for c := 0; c < ncols; c++ {
		for kk := 0; kk < k; kk++ {
			xt[kk*ncols+c] = x[c*k+kk]
		}
	}
	out := make([]float32, nrows*ncols)
	kernels.GemmF32(s, out, wf, xt, nrows, ncols, k, ncols, k, ncols)
	s.Synchronize()
	for c := 0; c < ncols; c++ {
		for r := 0; r < nrows; r++ {
			dst[c*nrows+r] = out[r*ncols+c]
		}
	}
	return nil
}

// matMulSplit fans one multiply out across the row-sharded weight's
// devices. The primary stream prepares the shared activation input and
// records a barrier event; each device orders its work after it, then
// computes its shard's row range in fixed-size column chunks spread
// round-robin over its stream slots, recording a completion event per
// chunk. The primary host-waits on all completions and scatters the
// per-shard results into the destination's row ranges.
func (b *Backend) matMulSplit(op *tensor.Op) error {
	w, x, dst := op.Src0, op.Src1, op.Dst
	if w.NE[2] != 1 || w.NE[3] != 1 {
		return fmt.Errorf("%w: split mat_mul with batched weights", ErrNotSupported)
	}
	k := int(w.NE[0])
	nrows := int(w.NE[1])
	// the weight broadcasts over every batch, so all of src1's rows are
	// activation columns
	ncols := int(x.Rows())

	split := w.SplitRows
	if split.Rows() != nrows {
		panic("backend: split table does not span the weight rows")
	}
	xf := x.F32()
	df := dst.F32()
	main := b.ctx.MainIndex()
	primary := b.ctx.Stream(main, 0)

	// Input prep on the primary: quantize every activation column once,
	// shared by all shards. Dense-weight splits stage the raw floats.
	integer := w.Type.IsQuantized() && w.Type != quant.Q8_1
	q8cols := make([][]byte, ncols)
	xs := make([]float32, len(xf))
	prep := device.NewEvent()
	primary.Submit(func() {
		copy(xs, xf)
		if integer {
			for c := 0; c < ncols; c++ {
				q8cols[c] = kernels.QuantizeActivations(xs[c*k:(c+1)*k], k)
			}
		}
	})
	prep.Record(primary)

	type shardResult struct {
		lo, hi int
		out    []float32
		err    error
	}
	var (
		results []*shardResult
		done    []*device.Event
	)
	for d := 0; d < split.Devices(); d++ {
		lo, hi := split.Range(d)
		if lo == hi {
			continue
		}
		s0 := b.ctx.Stream(d, 0)
		if d != main {
			prep.Wait(s0)
		}
		shard := w.Shards[d].Bytes()
		srows := hi - lo
		res := &shardResult{lo: lo, hi: hi, out: make([]float32, srows*ncols)}
		dt := w.Type

		// Dense shards decode their rows and transpose the shared
		// activations once per device; every column chunk reads them.
		var wf, xt []float32
		if !integer {
			s0.Submit(func() {
				wf = make([]float32, srows*k)
				if err := kernels.DequantizeF32(dt, shard, wf, 0, srows, k); err != nil {
					res.err = err
					return
				}
				xt = make([]float32, k*ncols)
				for c := 0; c < ncols; c++ {
					for kk := 0; kk < k; kk++ {
						xt[kk*ncols+c] = xs[c*k+kk]
					}
				}
			})
		}
		staged := device.NewEvent()
		staged.Record(s0)

		for chunk, c0 := 0, 0; c0 < ncols; chunk, c0 = chunk+1, c0+splitColChunk {
			c1 := c0 + splitColChunk
			if c1 > ncols {
				c1 = ncols
			}
			s := b.ctx.Stream(d, chunk)
			if s != s0 {
				staged.Wait(s)
			}
			s.Submit(func() {
				if res.err != nil {
					return
				}
				if integer {
					rowBytes := quant.RowBytes(dt, k)
					for c := c0; c < c1; c++ {
						col := q8cols[c]
						for r := 0; r < srows; r++ {
							res.out[c*srows+r] = kernels.VecDotQ8_1(dt, shard[r*rowBytes:(r+1)*rowBytes], col, k)
						}
					}
					return
				}
				width := c1 - c0
				prod := make([]float32, srows*width)
				packB := make([]float32, kernels.GemmScratchFloats)
				kernels.GemmRows(prod, wf, xt[c0:], width, k, ncols, width, k, 0, srows, packB)
				for c := c0; c < c1; c++ {
					for r := 0; r < srows; r++ {
						res.out[c*srows+r] = prod[r*width+(c-c0)]
					}
				}
			})
			ev := device.NewEvent()
			ev.Record(s)
			done = append(done, ev)
		}
		results = append(results, res)
	}

	for _, ev := range done {
		ev.HostWait()
	}
	for _, res := range results {
		if res.err != nil {
			return res.err
		}
	}
	primary.Submit(func() {
		for _, res := range results {
			srows := res.hi - res.lo
			for c := 0; c < ncols; c++ {
				copy(df[c*nrows+res.lo:c*nrows+res.hi], res.out[c*srows:(c+1)*srows])
			}
		}
	})
	primary.Synchronize()
	return nil
}
