package tensor

// OpKind identifies one graph-node operation. The external executor hands
// the backend one Op per node; the op kind and the operand descriptors
// fully determine dispatch.
type OpKind int

const (
	OpNone OpKind = iota
	OpMatMul
	OpAdd
	OpMul
	OpDiv
	OpRepeat
	OpScale
	OpClamp
	OpUnary
	OpNorm
	OpRMSNorm
	OpGroupNorm
	OpSoftmax
	OpRope
	OpPad
	OpConcat
	OpUpscale
	OpPool2D
	OpArgsort
	OpCpy
)

var opNames = map[OpKind]string{
	OpNone:      "none",
	OpMatMul:    "mat_mul",
	OpAdd:       "add",
	OpMul:       "mul",
	OpDiv:       "div",
	OpRepeat:    "repeat",
	OpScale:     "scale",
	OpClamp:     "clamp",
	OpUnary:     "unary",
	OpNorm:      "norm",
	OpRMSNorm:   "rms_norm",
	OpGroupNorm: "group_norm",
	OpSoftmax:   "soft_max",
	OpRope:      "rope",
	OpPad:       "pad",
	OpConcat:    "concat",
	OpUpscale:   "upscale",
	OpPool2D:    "pool_2d",
	OpArgsort:   "argsort",
	OpCpy:       "cpy",
}

func (k OpKind) String() string {
	if n, ok := opNames[k]; ok {
		return n
	}
	return "op(?)"
}

// Op is one operation node: kind, operands, destination, and the
// kind-specific attributes.
type Op struct {
	Kind OpKind
	Src0 *Tensor
	Src1 *Tensor
	Dst  *Tensor
	// Attrs holds the kind-specific attribute struct (UnaryAttrs,
	// SoftmaxAttrs, ...), nil when the kind has none.
	Attrs any
}

// UnaryKind selects the elementwise activation applied by OpUnary.
type UnaryKind int

const (
	UnaryRelu UnaryKind = iota
	UnaryGelu
	UnaryGeluQuick
	UnarySilu
	UnaryTanh
	UnaryHardSigmoid
	UnaryHardSwish
	UnaryLeakyRelu
	UnarySqr
	UnaryNeg
	UnaryAbs
)

// UnaryAttrs configures OpUnary. Alpha is the negative-side slope for
// leaky relu and ignored elsewhere.
type UnaryAttrs struct {
	Kind  UnaryKind
	Alpha float32
}

// ScaleAttrs configures OpScale.
type ScaleAttrs struct {
	Factor float32
}

// ClampAttrs configures OpClamp.
type ClampAttrs struct {
	Min, Max float32
}

// NormAttrs configures OpNorm and OpRMSNorm.
type NormAttrs struct {
	Eps float32
}

// GroupNormAttrs configures OpGroupNorm.
type GroupNormAttrs struct {
	Eps    float32
	Groups int
}

// SoftmaxAttrs configures OpSoftmax. Src1, when present, is an additive
// mask. MaxBias > 0 enables the ALiBi slope term; the piecewise base is
// derived from the head count (dst extent 2).
type SoftmaxAttrs struct {
	Scale   float32
	MaxBias float32
}

// RopeMode selects the rotary embedding layout.
type RopeMode int

const (
	// RopeInterleaved rotates adjacent element pairs.
	RopeInterleaved RopeMode = iota
	// RopeNeox rotates split halves.
	RopeNeox
	// RopeGLM is the legacy layout with a block-local angle cap and a
	// second rotation of the upper half.
	RopeGLM
)

// RopeAttrs configures OpRope. Src1 holds per-row int32 positions. The
// YaRN fields blend interpolated and extrapolated angles between two
// correction dimensions with a log-scaled magnitude correction.
type RopeAttrs struct {
	Dims     int
	Mode     RopeMode
	OrigCtx  int
	FreqBase float32
	// FreqScale is the interpolation scale (1 = none).
	FreqScale float32
	// ExtFactor > 0 enables the YaRN ramp.
	ExtFactor  float32
	AttnFactor float32
	BetaFast   float32
	BetaSlow   float32
}

// PadAttrs configures OpPad with trailing zero-padding per dimension.
type PadAttrs struct {
	After [MaxDims]int
}

// ConcatAttrs configures OpConcat.
type ConcatAttrs struct {
	Dim int
}

// UpscaleAttrs configures OpUpscale (nearest neighbour).
type UpscaleAttrs struct {
	Factor int
}

// PoolKind selects the 2-D pooling reduction.
type PoolKind int

const (
	PoolAvg PoolKind = iota
	PoolMax
)

// Pool2DAttrs configures OpPool2D.
type Pool2DAttrs struct {
	Op     PoolKind
	K0, K1 int
	S0, S1 int
	P0, P1 int
}

// ArgsortAttrs configures OpArgsort.
type ArgsortAttrs struct {
	Descending bool
}
