package kernels

import (
	"testing"

	"github.com/tephra-ml/tephra/internal/quant"
)

func quantizeMatrix(t *testing.T, dt quant.DType, rows, k int, seed uint32) ([]byte, []float32) {
	t.Helper()
	w := make([]byte, rows*quant.RowBytes(dt, k))
	dense := make([]float32, rows*k)
	rowBytes := quant.RowBytes(dt, k)
	for r := 0; r < rows; r++ {
		vals := testRow(k, seed+uint32(r))
		if err := quant.QuantizeRow(dt, vals, w[r*rowBytes:], k); err != nil {
			t.Fatalf("quantize row %d: %v", r, err)
		}
		if err := quant.DequantizeRow(dt, w[r*rowBytes:(r+1)*rowBytes], dense[r*k:], k); err != nil {
			t.Fatalf("dequantize row %d: %v", r, err)
		}
	}
	return w, dense
}

// The direct dense matvec must match a naive product over the decoded
// weights for every float storage precision.
func TestMatVecFMatchesNaive(t *testing.T) {
	const rows, k = 9, 40
	s := testStream(t)
	for _, dt := range []quant.DType{quant.F32, quant.F16, quant.BF16} {
		t.Run(dt.String(), func(t *testing.T) {
			vals := testRow(rows*k, 201)
			w := make([]byte, quant.RowBytes(dt, rows*k))
			if err := floatsToRow(dt, vals, w, rows*k); err != nil {
				t.Fatalf("encode weights: %v", err)
			}
			dense := make([]float32, rows*k)
			if err := rowToFloats(dt, w, dense, rows*k); err != nil {
				t.Fatalf("decode weights: %v", err)
			}
			x := testRow(k, 202)

			dst := make([]float32, rows)
			MatVecF(s, dt, w, x, dst, 0, rows, k)
			s.Synchronize()

			for r := 0; r < rows; r++ {
				var want float32
				for i := 0; i < k; i++ {
					want += dense[r*k+i] * x[i]
				}
				diff := dst[r] - want
				if diff < 0 {
					diff = -diff
				}
				if diff > 1e-4 {
					t.Fatalf("row %d: matvec = %v, naive = %v", r, dst[r], want)
				}
			}
		})
	}
}

func TestAxpyF32(t *testing.T) {
	for _, n := range []int{1, 7, 8, 19} {
		y := testRow(n, 301)
		x := testRow(n, 302)
		want := make([]float32, n)
		for i := range want {
			want[i] = y[i] + 0.5*x[i]
		}
		AxpyF32(y, 0.5, x)
		for i := range y {
			diff := y[i] - want[i]
			if diff < 0 {
				diff = -diff
			}
			if diff > 1e-6 {
				t.Fatalf("n=%d: y[%d] = %v, want %v", n, i, y[i], want[i])
			}
		}
	}
}

func TestMatVecQMatchesRowDots(t *testing.T) {
	const (
		rows = 17
		k    = 256
	)
	s := testStream(t)
	for _, dt := range []quant.DType{quant.Q4_0, quant.Q8_0, quant.Q4_K, quant.Q6_K} {
		t.Run(dt.String(), func(t *testing.T) {
			w, _ := quantizeMatrix(t, dt, rows, k, 42)
			x := testRow(k, 7)

			dst := make([]float32, rows)
			MatVecQ(s, dt, w, x, dst, 0, rows, k)
			s.Synchronize()

			q8 := QuantizeActivations(x, k)
			rowBytes := quant.RowBytes(dt, k)
			for r := 0; r < rows; r++ {
				want := VecDotQ8_1(dt, w[r*rowBytes:(r+1)*rowBytes], q8, k)
				diff := dst[r] - want
				if diff < 0 {
					diff = -diff
				}
				tol := want * 1e-4
				if tol < 0 {
					tol = -tol
				}
				if tol < 1e-4 {
					tol = 1e-4
				}
				if diff > tol {
					t.Fatalf("row %d: matvec = %v, row dot = %v", r, dst[r], want)
				}
			}
		})
	}
}

func TestMatVecQRowRange(t *testing.T) {
	const (
		rows = 8
		k    = 64
	)
	s := testStream(t)
	w, _ := quantizeMatrix(t, quant.Q8_0, rows, k, 11)
	x := testRow(k, 3)

	full := make([]float32, rows)
	MatVecQ(s, quant.Q8_0, w, x, full, 0, rows, k)
	part := make([]float32, 3)
	MatVecQ(s, quant.Q8_0, w, x, part, 2, 5, k)
	s.Synchronize()

	for i, v := range part {
		if v != full[2+i] {
			t.Fatalf("range row %d: got %v, full run has %v", 2+i, v, full[2+i])
		}
	}
}

func TestMatMulQMatchesMatVec(t *testing.T) {
	const (
		rows  = 70 // forces a partial final row tile
		k     = 256
		ncols = 3
	)
	s := testStream(t)
	for _, dt := range []quant.DType{quant.Q4_0, quant.Q5_K} {
		t.Run(dt.String(), func(t *testing.T) {
			w, _ := quantizeMatrix(t, dt, rows, k, 5)
			x := make([]float32, ncols*k)
			for c := 0; c < ncols; c++ {
				copy(x[c*k:], testRow(k, 100+uint32(c)))
			}

			dst := make([]float32, ncols*rows)
			MatMulQ(s, dt, w, x, dst, 0, rows, k, ncols)
			s.Synchronize()

			for c := 0; c < ncols; c++ {
				want := make([]float32, rows)
				MatVecQ(s, dt, w, x[c*k:(c+1)*k], want, 0, rows, k)
				s.Synchronize()
				for r := 0; r < rows; r++ {
					got := dst[c*rows+r]
					diff := got - want[r]
					if diff < 0 {
						diff = -diff
					}
					tol := want[r] * 1e-3
					if tol < 0 {
						tol = -tol
					}
					if tol < 1e-3 {
						tol = 1e-3
					}
					if diff > tol {
						t.Fatalf("col %d row %d: tiled = %v, matvec = %v", c, r, got, want[r])
					}
				}
			}
		})
	}
}

func TestGemmF32MatchesNaive(t *testing.T) {
	const (
		m = 37
		n = 83
		k = 61
	)
	s := testStream(t)
	a := testRow(m*k, 1)
	b := testRow(k*n, 2)

	dst := make([]float32, m*n)
	GemmF32(s, dst, a, b, m, n, k, n, k, n)
	s.Synchronize()

	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var want float32
			for kk := 0; kk < k; kk++ {
				want += a[i*k+kk] * b[kk*n+j]
			}
			got := dst[i*n+j]
			diff := got - want
			if diff < 0 {
				diff = -diff
			}
			if diff > 1e-3 {
				t.Fatalf("dst[%d][%d] = %v, want %v", i, j, got, want)
			}
		}
	}
}
