package kernels

import (
	"math"

	"github.com/tephra-ml/tephra/internal/device"
	"github.com/tephra-ml/tephra/internal/tensor"
)

// Rotary position embedding. src is laid out [head dim, heads, tokens,
// batch]; pos holds one position per token. Dimensions beyond attrs.Dims
// pass through unrotated.
//
// The YaRN blend interpolates between the freq-scaled and unscaled angle
// with a per-dimension ramp between the two correction dimensions, then
// applies the log-scaled magnitude correction to both components.
func Rope(s *device.Stream, dst, src *tensor.Tensor, pos []int32, attrs tensor.RopeAttrs) {
	d, x := dst.F32(), src.F32()
	ne0 := int(src.NE[0])
	heads := int(src.NE[1])
	tokens := int(src.NE[2])
	batch := int(src.NE[3])

	dims := attrs.Dims
	if dims <= 0 || dims > ne0 || dims%2 != 0 {
		panic("kernels: rotary dimension count invalid")
	}

	attnFactor := attrs.AttnFactor
	if attnFactor == 0 {
		attnFactor = 1
	}
	freqScale := attrs.FreqScale
	if freqScale == 0 {
		freqScale = 1
	}
	mscale := attnFactor
	if attrs.ExtFactor != 0 {
		// magnitude correction applied after the ramp blend
		mscale *= 1 + 0.1*float32(math.Log(1/float64(freqScale)))
	}
	corrLo, corrHi := yarnCorrDims(dims, attrs.OrigCtx, attrs.FreqBase, attrs.BetaFast, attrs.BetaSlow)
	thetaScale := float32(math.Pow(float64(attrs.FreqBase), -2/float64(dims)))

	s.Launch(device.Dim3{X: heads, Y: tokens, Z: batch}, 1, 0, func(wg *device.WorkGroup) {
		t := wg.Group.Y
		base := ((wg.Group.Z*tokens+t)*heads + wg.Group.X) * ne0
		row := x[base : base+ne0]
		out := d[base : base+ne0]
		p := float32(pos[t])

		switch attrs.Mode {
		case tensor.RopeGLM:
			ropeRowGLM(out, row, p, dims, attrs.OrigCtx, thetaScale)
		case tensor.RopeNeox:
			theta := p
			for i0 := 0; i0 < dims/2; i0++ {
				cosT, sinT := yarnAngle(theta, freqScale, attrs.ExtFactor, mscale, float32(i0*2), corrLo, corrHi)
				a, b := row[i0], row[i0+dims/2]
				out[i0] = a*cosT - b*sinT
				out[i0+dims/2] = a*sinT + b*cosT
				theta *= thetaScale
			}
			copy(out[dims:], row[dims:])
		default: // interleaved pairs
			theta := p
			for i0 := 0; i0 < dims; i0 += 2 {
				cosT, sinT := yarnAngle(theta, freqScale, attrs.ExtFactor, mscale, float32(i0), corrLo, corrHi)
				a, b := row[i0], row[i0+1]
				out[i0] = a*cosT - b*sinT
				out[i0+1] = a*sinT + b*cosT
				theta *= thetaScale
			}
			copy(out[dims:], row[dims:])
		}
	})
}

// yarnAngle blends the interpolated and extrapolated angles by the ramp
// value at dimension i0, then scales both rotation components.
func yarnAngle(thetaExtrap, freqScale, extFactor, mscale, i0, corrLo, corrHi float32) (cosT, sinT float32) {
	thetaInterp := freqScale * thetaExtrap
	theta := thetaInterp
	if extFactor != 0 {
		rampMix := yarnRamp(corrLo, corrHi, i0) * extFactor
		theta = thetaInterp*(1-rampMix) + thetaExtrap*rampMix
	}
	return float32(math.Cos(float64(theta))) * mscale, float32(math.Sin(float64(theta))) * mscale
}

// yarnRamp is 1 inside the interpolation region, 0 past the extrapolation
// boundary, linear between.
func yarnRamp(lo, hi, i0 float32) float32 {
	den := hi - lo
	if den < 0.001 {
		den = 0.001
	}
	y := (i0/2 - lo) / den
	if y < 0 {
		y = 0
	}
	if y > 1 {
		y = 1
	}
	return 1 - y
}

// yarnCorrDims finds the first and last rotary dimension whose wavelength
// crosses the beta thresholds of the original context.
func yarnCorrDims(dims, origCtx int, freqBase, betaFast, betaSlow float32) (lo, hi float32) {
	lo = float32(math.Floor(yarnCorrDim(dims, origCtx, betaFast, freqBase)))
	hi = float32(math.Ceil(yarnCorrDim(dims, origCtx, betaSlow, freqBase)))
	if lo < 0 {
		lo = 0
	}
	if hi > float32(dims-1) {
		hi = float32(dims - 1)
	}
	return lo, hi
}

func yarnCorrDim(dims, origCtx int, rot, freqBase float32) float64 {
	if origCtx <= 0 || rot == 0 || freqBase <= 1 {
		return 0
	}
	return float64(dims) * math.Log(float64(origCtx)/(float64(rot)*2*math.Pi)) /
		(2 * math.Log(float64(freqBase)))
}

// ropeRowGLM is the legacy two-stage layout: the lower half rotates with
// the position capped at origCtx-2, the upper half with the block-local
// overflow position.
func ropeRowGLM(out, row []float32, p float32, dims, origCtx int, thetaScale float32) {
	cap32 := float32(origCtx - 2)
	theta := p
	if theta > cap32 {
		theta = cap32
	}
	blockTheta := p - cap32
	if blockTheta < 0 {
		blockTheta = 0
	}
	half := dims / 2
	for i0 := 0; i0 < half/2; i0++ {
		cosT := float32(math.Cos(float64(theta)))
		sinT := float32(math.Sin(float64(theta)))
		cosB := float32(math.Cos(float64(blockTheta)))
		sinB := float32(math.Sin(float64(blockTheta)))

		a, b := row[i0], row[i0+half/2]
		out[i0] = a*cosT - b*sinT
		out[i0+half/2] = a*sinT + b*cosT

		c, e := row[i0+half], row[i0+half+half/2]
		out[i0+half] = c*cosB - e*sinB
		out[i0+half+half/2] = c*sinB + e*cosB

		theta *= thetaScale
		blockTheta *= thetaScale
	}
	copy(out[dims:], row[dims:])
}
