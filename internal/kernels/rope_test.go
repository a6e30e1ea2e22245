package kernels

import (
	"math"
	"testing"

	"github.com/tephra-ml/tephra/internal/quant"
	"github.com/tephra-ml/tephra/internal/tensor"
)

func ropeAttrs(mode tensor.RopeMode, dims int) tensor.RopeAttrs {
	return tensor.RopeAttrs{
		Dims:       dims,
		Mode:       mode,
		OrigCtx:    2048,
		FreqBase:   10000,
		FreqScale:  1,
		AttnFactor: 1,
		BetaFast:   32,
		BetaSlow:   1,
	}
}

// A pure rotation preserves the magnitude of every rotated pair.
func TestRopePreservesPairMagnitude(t *testing.T) {
	const (
		dims = 64
		ne0  = 64
	)
	s := testStream(t)

	for _, mode := range []tensor.RopeMode{tensor.RopeInterleaved, tensor.RopeNeox} {
		src := f32Tensor(testRow(ne0, 10), ne0, 1, 1)
		dst := tensor.New(quant.F32, ne0, 1, 1)
		Rope(s, dst, src, []int32{17}, ropeAttrs(mode, dims))
		s.Synchronize()

		x, y := src.Floats(), dst.Floats()
		for i0 := 0; i0 < dims/2; i0++ {
			var a0, a1, b0, b1 float64
			if mode == tensor.RopeNeox {
				a0, a1 = float64(x[i0]), float64(x[i0+dims/2])
				b0, b1 = float64(y[i0]), float64(y[i0+dims/2])
			} else {
				a0, a1 = float64(x[2*i0]), float64(x[2*i0+1])
				b0, b1 = float64(y[2*i0]), float64(y[2*i0+1])
			}
			in := math.Hypot(a0, a1)
			out := math.Hypot(b0, b1)
			if math.Abs(in-out) > 1e-5 {
				t.Fatalf("mode %d pair %d: |in| = %v, |out| = %v", mode, i0, in, out)
			}
		}
	}
}

func TestRopePositionZeroIsIdentity(t *testing.T) {
	const ne0 = 32
	s := testStream(t)
	src := f32Tensor(testRow(ne0, 3), ne0, 1, 1)
	dst := tensor.New(quant.F32, ne0, 1, 1)

	Rope(s, dst, src, []int32{0}, ropeAttrs(tensor.RopeInterleaved, ne0))
	s.Synchronize()

	for i, want := range src.Floats() {
		got := dst.Floats()[i]
		if math.Abs(float64(got-want)) > 1e-6 {
			t.Fatalf("elem %d: %v, want %v at position 0", i, got, want)
		}
	}
}

func TestRopeNegativePositionInverts(t *testing.T) {
	const ne0 = 32
	s := testStream(t)
	src := f32Tensor(testRow(ne0, 12), ne0, 1, 1)
	mid := tensor.New(quant.F32, ne0, 1, 1)
	out := tensor.New(quant.F32, ne0, 1, 1)

	attrs := ropeAttrs(tensor.RopeInterleaved, ne0)
	Rope(s, mid, src, []int32{40}, attrs)
	s.Synchronize()
	Rope(s, out, mid, []int32{-40}, attrs)
	s.Synchronize()

	for i, want := range src.Floats() {
		got := out.Floats()[i]
		if math.Abs(float64(got-want)) > 1e-4 {
			t.Fatalf("elem %d: %v after forward+inverse, want %v", i, got, want)
		}
	}
}

func TestRopeTailPassthrough(t *testing.T) {
	const (
		ne0  = 64
		dims = 32
	)
	s := testStream(t)
	src := f32Tensor(testRow(ne0, 6), ne0, 1, 1)
	dst := tensor.New(quant.F32, ne0, 1, 1)

	Rope(s, dst, src, []int32{9}, ropeAttrs(tensor.RopeNeox, dims))
	s.Synchronize()

	for i := dims; i < ne0; i++ {
		if dst.Floats()[i] != src.Floats()[i] {
			t.Fatalf("elem %d beyond rotary dims changed", i)
		}
	}
}

func TestRopeYarnRampOrdering(t *testing.T) {
	// With ExtFactor set the blended angle must land between the pure
	// interpolated and pure extrapolated rotations; check via the first
	// pair's angle at a mid-spectrum dimension.
	const ne0 = 64
	s := testStream(t)
	unit := make([]float32, ne0)
	for i := 0; i < ne0; i += 2 {
		unit[i] = 1
	}

	run := func(extFactor, freqScale float32) []float32 {
		attrs := ropeAttrs(tensor.RopeInterleaved, ne0)
		attrs.ExtFactor = extFactor
		attrs.FreqScale = freqScale
		dst := tensor.New(quant.F32, ne0, 1, 1)
		Rope(s, dst, f32Tensor(unit, ne0, 1, 1), []int32{100}, attrs)
		s.Synchronize()
		return dst.Floats()
	}

	interp := run(0, 0.25)
	extrap := run(0, 1)
	blend := run(1, 0.25)

	// the magnitude correction scales the blended output; stick to high
	// dimensions where the angles stay below pi and atan2 cannot wrap
	mscale := 1 + 0.1*float32(math.Log(4))
	for i0 := 26; i0 < 32; i0 += 2 {
		angle := func(out []float32, scale float32) float64 {
			return math.Atan2(float64(out[i0+1]/scale), float64(out[i0]/scale))
		}
		ai := angle(interp, 1)
		ae := angle(extrap, 1)
		ab := angle(blend, mscale)
		lo, hi := math.Min(ai, ae), math.Max(ai, ae)
		if ab < lo-1e-4 || ab > hi+1e-4 {
			t.Fatalf("dim %d: blended angle %v outside [%v, %v]", i0, ab, lo, hi)
		}
	}
}

func TestRopeGLMUpperHalfUsesBlockAngle(t *testing.T) {
	const ne0 = 16
	s := testStream(t)
	attrs := ropeAttrs(tensor.RopeGLM, ne0)
	attrs.OrigCtx = 10

	src := f32Tensor(testRow(ne0, 14), ne0, 1, 1)
	dst := tensor.New(quant.F32, ne0, 1, 1)

	// position below the cap: the block angle is zero, so the upper half
	// passes through unrotated.
	Rope(s, dst, src, []int32{5}, attrs)
	s.Synchronize()
	for i := ne0 / 2; i < ne0; i++ {
		if math.Abs(float64(dst.Floats()[i]-src.Floats()[i])) > 1e-6 {
			t.Fatalf("elem %d of upper half rotated below the position cap", i)
		}
	}

	// position past the cap: the lower half saturates, the upper half
	// starts rotating.
	over := tensor.New(quant.F32, ne0, 1, 1)
	Rope(s, over, src, []int32{12}, attrs)
	s.Synchronize()
	changed := false
	for i := ne0 / 2; i < ne0; i++ {
		if over.Floats()[i] != src.Floats()[i] {
			changed = true
		}
	}
	if !changed {
		t.Fatal("upper half unrotated past the position cap")
	}
}
