package kernels

import (
	"math"
	"testing"

	"github.com/tephra-ml/tephra/internal/quant"
	"github.com/tephra-ml/tephra/internal/tensor"
)

func TestPadTrailingZeros(t *testing.T) {
	src := f32Tensor([]float32{1, 2, 3, 4, 5, 6}, 3, 2)
	dst := tensor.New(quant.F32, 5, 3)

	Pad(dst, src, [tensor.MaxDims]int{2, 1, 0, 0})

	want := []float32{
		1, 2, 3, 0, 0,
		4, 5, 6, 0, 0,
		0, 0, 0, 0, 0,
	}
	for i, w := range want {
		if dst.Floats()[i] != w {
			t.Fatalf("elem %d = %v, want %v", i, dst.Floats()[i], w)
		}
	}
}

func TestConcatDims(t *testing.T) {
	a := f32Tensor([]float32{1, 2, 3, 4}, 2, 2)
	b := f32Tensor([]float32{5, 6, 7, 8}, 2, 2)

	d0 := tensor.New(quant.F32, 4, 2)
	Concat(d0, a, b, 0)
	want0 := []float32{1, 2, 5, 6, 3, 4, 7, 8}
	for i, w := range want0 {
		if d0.Floats()[i] != w {
			t.Fatalf("dim 0 elem %d = %v, want %v", i, d0.Floats()[i], w)
		}
	}

	d1 := tensor.New(quant.F32, 2, 4)
	Concat(d1, a, b, 1)
	want1 := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	for i, w := range want1 {
		if d1.Floats()[i] != w {
			t.Fatalf("dim 1 elem %d = %v, want %v", i, d1.Floats()[i], w)
		}
	}
}

func TestUpscaleNearest(t *testing.T) {
	src := f32Tensor([]float32{1, 2, 3, 4}, 2, 2)
	dst := tensor.New(quant.F32, 4, 4)

	Upscale(dst, src, 2)

	want := []float32{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}
	for i, w := range want {
		if dst.Floats()[i] != w {
			t.Fatalf("elem %d = %v, want %v", i, dst.Floats()[i], w)
		}
	}
}

func TestPool2D(t *testing.T) {
	src := f32Tensor([]float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
		13, 14, 15, 16,
	}, 4, 4)

	avg := tensor.New(quant.F32, 2, 2)
	Pool2D(avg, src, tensor.Pool2DAttrs{Op: tensor.PoolAvg, K0: 2, K1: 2, S0: 2, S1: 2})
	wantAvg := []float32{3.5, 5.5, 11.5, 13.5}
	for i, w := range wantAvg {
		if avg.Floats()[i] != w {
			t.Fatalf("avg elem %d = %v, want %v", i, avg.Floats()[i], w)
		}
	}

	max := tensor.New(quant.F32, 2, 2)
	Pool2D(max, src, tensor.Pool2DAttrs{Op: tensor.PoolMax, K0: 2, K1: 2, S0: 2, S1: 2})
	wantMax := []float32{6, 8, 14, 16}
	for i, w := range wantMax {
		if max.Floats()[i] != w {
			t.Fatalf("max elem %d = %v, want %v", i, max.Floats()[i], w)
		}
	}
}

func TestArgsortOrdersRows(t *testing.T) {
	const (
		ne0  = 64
		rows = 3
	)
	s := testStream(t)
	src := f32Tensor(testRow(ne0*rows, 17), ne0, rows)
	dst := tensor.New(quant.I32, ne0, rows)

	Argsort(s, dst, src, false)
	s.Synchronize()

	x := src.Floats()
	idx := dst.I32()
	for r := 0; r < rows; r++ {
		row := x[r*ne0 : (r+1)*ne0]
		order := idx[r*ne0 : (r+1)*ne0]
		seen := make(map[int32]bool, ne0)
		for i, id := range order {
			if id < 0 || int(id) >= ne0 || seen[id] {
				t.Fatalf("row %d: index list is not a permutation", r)
			}
			seen[id] = true
			if i > 0 && row[order[i-1]] > row[id] {
				t.Fatalf("row %d: out of order at %d", r, i)
			}
		}
	}
}

func TestArgsortDescending(t *testing.T) {
	const ne0 = 32
	s := testStream(t)
	src := f32Tensor(testRow(ne0, 23), ne0)
	dst := tensor.New(quant.I32, ne0)

	Argsort(s, dst, src, true)
	s.Synchronize()

	x := src.Floats()
	idx := dst.I32()
	for i := 1; i < ne0; i++ {
		if x[idx[i-1]] < x[idx[i]] {
			t.Fatalf("descending order violated at %d", i)
		}
	}
}

func TestArgsortNonPowerOfTwoPanics(t *testing.T) {
	s := testStream(t)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for a non-power-of-two row")
		}
	}()
	Argsort(s, tensor.New(quant.I32, 48), tensor.New(quant.F32, 48), false)
}

func TestDequantizeF32Rows(t *testing.T) {
	const (
		rows = 4
		k    = 256
	)
	w, dense := quantizeMatrix(t, quant.Q4_K, rows, k, 9)

	out := make([]float32, 2*k)
	if err := DequantizeF32(quant.Q4_K, w, out, 1, 3, k); err != nil {
		t.Fatalf("dequantize: %v", err)
	}
	for i := 0; i < 2*k; i++ {
		if out[i] != dense[k+i] {
			t.Fatalf("elem %d differs from the row decode", i)
		}
	}
	if math.IsNaN(float64(out[0])) {
		t.Fatal("NaN in decoded output")
	}
}
