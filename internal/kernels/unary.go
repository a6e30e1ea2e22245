package kernels

import (
	"math"

	"github.com/tephra-ml/tephra/internal/tensor"
)

// Activation kernels. All operate elementwise over same-shape float32
// tensors; the tanh-form gelu and the quick (sigmoid-form) gelu use the
// published constants.

const (
	geluCoef      = 0.044715
	sqrt2OverPi   = 0.7978845608028654
	geluQuickCoef = -1.702
)

// Unary applies the selected activation. Alpha is the leaky-relu slope.
func Unary(dst, src *tensor.Tensor, kind tensor.UnaryKind, alpha float32) {
	d, s := dst.F32(), src.F32()
	if len(d) != len(s) {
		panic("kernels: unary shape mismatch")
	}
	var f func(float32) float32
	switch kind {
	case tensor.UnaryRelu:
		f = func(x float32) float32 {
			if x > 0 {
				return x
			}
			return 0
		}
	case tensor.UnaryGelu:
		f = func(x float32) float32 {
			x64 := float64(x)
			return float32(0.5 * x64 * (1 + math.Tanh(sqrt2OverPi*x64*(1+geluCoef*x64*x64))))
		}
	case tensor.UnaryGeluQuick:
		f = func(x float32) float32 {
			return float32(float64(x) / (1 + math.Exp(geluQuickCoef*float64(x))))
		}
	case tensor.UnarySilu:
		f = func(x float32) float32 {
			return float32(float64(x) / (1 + math.Exp(-float64(x))))
		}
	case tensor.UnaryTanh:
		f = func(x float32) float32 { return float32(math.Tanh(float64(x))) }
	case tensor.UnaryHardSigmoid:
		f = func(x float32) float32 {
			v := (x + 3) / 6
			if v < 0 {
				return 0
			}
			if v > 1 {
				return 1
			}
			return v
		}
	case tensor.UnaryHardSwish:
		f = func(x float32) float32 {
			v := (x + 3) / 6
			if v < 0 {
				return 0
			}
			if v > 1 {
				v = 1
			}
			return x * v
		}
	case tensor.UnaryLeakyRelu:
		f = func(x float32) float32 {
			if x > 0 {
				return x
			}
			return alpha * x
		}
	case tensor.UnarySqr:
		f = func(x float32) float32 { return x * x }
	case tensor.UnaryNeg:
		f = func(x float32) float32 { return -x }
	case tensor.UnaryAbs:
		f = func(x float32) float32 {
			if x < 0 {
				return -x
			}
			return x
		}
	default:
		panic("kernels: unknown activation")
	}
	for i := range d {
		d[i] = f(s[i])
	}
}

// Scale multiplies every element by factor.
func Scale(dst, src *tensor.Tensor, factor float32) {
	d, s := dst.F32(), src.F32()
	for i := range d {
		d[i] = s[i] * factor
	}
}

// Clamp bounds every element to [lo, hi].
func Clamp(dst, src *tensor.Tensor, lo, hi float32) {
	d, s := dst.F32(), src.F32()
	for i := range d {
		v := s[i]
		if v < lo {
			v = lo
		}
		if v > hi {
			v = hi
		}
		d[i] = v
	}
}
