// Package backend dispatches graph-node operations onto the device
// context: one Execute call per node, format-aware path selection for
// matrix multiplies, and tensor placement/transfer against device and
// row-sharded storage.
package backend

import (
	"errors"
	"fmt"

	"github.com/tephra-ml/tephra/internal/device"
	"github.com/tephra-ml/tephra/internal/kernels"
	"github.com/tephra-ml/tephra/internal/logger"
	"github.com/tephra-ml/tephra/internal/quant"
	"github.com/tephra-ml/tephra/internal/tensor"
)

// ErrNotSupported reports a format pairing this backend cannot run. The
// caller is expected to fall back to another backend rather than fail.
var ErrNotSupported = errors.New("backend: operation not supported")

// Backend executes tensor operations against one device context.
type Backend struct {
	ctx *device.Context
	cfg Config
	log logger.Logger
}

// Open brings up a device context from the file-shaped config and wraps
// it in a backend.
func Open(cfg Config, log logger.Logger) (*Backend, error) {
	dc, err := cfg.DeviceConfig()
	if err != nil {
		return nil, err
	}
	ctx, err := device.NewContext(dc, log)
	if err != nil {
		return nil, err
	}
	return &Backend{
		ctx: ctx,
		cfg: cfg,
		log: ctx.Logger().With("component", "backend"),
	}, nil
}

// New wraps an existing device context. The caller keeps ownership of
// the context's lifetime.
func New(ctx *device.Context) *Backend {
	return &Backend{ctx: ctx, log: ctx.Logger().With("component", "backend")}
}

// Context exposes the underlying device context for the debug surface.
func (b *Backend) Context() *device.Context { return b.ctx }

// Config returns the file-shaped config the backend was opened with.
func (b *Backend) Config() Config { return b.cfg }

// Close drains and shuts down the device context.
func (b *Backend) Close() {
	b.ctx.Close()
}

// stream returns the main device's primary stream, where every
// single-device operation runs.
func (b *Backend) stream() *device.Stream {
	return b.ctx.Stream(b.ctx.MainIndex(), 0)
}

// Execute runs one graph node synchronously. Shape and stride contract
// violations panic; format pairings the backend cannot run return
// ErrNotSupported; device failures are logged and escalated.
func (b *Backend) Execute(op *tensor.Op) error {
	if err := b.execute(op); err != nil {
		b.log.Error("op failed", "op", op.Kind.String(), "error", err)
		return err
	}
	return nil
}

func (b *Backend) execute(op *tensor.Op) error {
	switch op.Kind {
	case tensor.OpMatMul:
		return b.matMul(op)

	case tensor.OpAdd, tensor.OpMul, tensor.OpDiv:
		if !allF32(op.Dst, op.Src0, op.Src1) {
			return fmt.Errorf("%w: %s on %s/%s", ErrNotSupported, op.Kind, op.Src0.Type, op.Src1.Type)
		}
		switch op.Kind {
		case tensor.OpAdd:
			kernels.Add(op.Dst, op.Src0, op.Src1)
		case tensor.OpMul:
			kernels.Mul(op.Dst, op.Src0, op.Src1)
		default:
			kernels.Div(op.Dst, op.Src0, op.Src1)
		}
		return nil

	case tensor.OpRepeat:
		if !allF32(op.Dst, op.Src0) {
			return fmt.Errorf("%w: repeat on %s", ErrNotSupported, op.Src0.Type)
		}
		kernels.Repeat(op.Dst, op.Src0)
		return nil

	case tensor.OpScale:
		a := attrs[tensor.ScaleAttrs](op)
		if !allF32(op.Dst, op.Src0) {
			return fmt.Errorf("%w: scale on %s", ErrNotSupported, op.Src0.Type)
		}
		kernels.Scale(op.Dst, op.Src0, a.Factor)
		return nil

	case tensor.OpClamp:
		a := attrs[tensor.ClampAttrs](op)
		if !allF32(op.Dst, op.Src0) {
			return fmt.Errorf("%w: clamp on %s", ErrNotSupported, op.Src0.Type)
		}
		kernels.Clamp(op.Dst, op.Src0, a.Min, a.Max)
		return nil

	case tensor.OpUnary:
		a := attrs[tensor.UnaryAttrs](op)
		if !allF32(op.Dst, op.Src0) {
			return fmt.Errorf("%w: unary on %s", ErrNotSupported, op.Src0.Type)
		}
		kernels.Unary(op.Dst, op.Src0, a.Kind, a.Alpha)
		return nil

	case tensor.OpNorm:
		a := attrs[tensor.NormAttrs](op)
		if !allF32(op.Dst, op.Src0) {
			return fmt.Errorf("%w: norm on %s", ErrNotSupported, op.Src0.Type)
		}
		s := b.stream()
		kernels.LayerNorm(s, op.Dst, op.Src0, a.Eps)
		s.Synchronize()
		return nil

	case tensor.OpRMSNorm:
		a := attrs[tensor.NormAttrs](op)
		if !allF32(op.Dst, op.Src0) {
			return fmt.Errorf("%w: rms_norm on %s", ErrNotSupported, op.Src0.Type)
		}
		s := b.stream()
		kernels.RMSNorm(s, op.Dst, op.Src0, a.Eps)
		s.Synchronize()
		return nil

	case tensor.OpGroupNorm:
		a := attrs[tensor.GroupNormAttrs](op)
		if !allF32(op.Dst, op.Src0) {
			return fmt.Errorf("%w: group_norm on %s", ErrNotSupported, op.Src0.Type)
		}
		s := b.stream()
		kernels.GroupNorm(s, op.Dst, op.Src0, a.Eps, a.Groups)
		s.Synchronize()
		return nil

	case tensor.OpSoftmax:
		a := attrs[tensor.SoftmaxAttrs](op)
		if !allF32(op.Dst, op.Src0, op.Src1) {
			return fmt.Errorf("%w: soft_max on %s", ErrNotSupported, op.Src0.Type)
		}
		s := b.stream()
		kernels.Softmax(s, op.Dst, op.Src0, op.Src1, a.Scale, a.MaxBias)
		s.Synchronize()
		return nil

	case tensor.OpRope:
		a := attrs[tensor.RopeAttrs](op)
		if !allF32(op.Dst, op.Src0) || op.Src1.Type != quant.I32 {
			return fmt.Errorf("%w: rope on %s/%s", ErrNotSupported, op.Src0.Type, op.Src1.Type)
		}
		s := b.stream()
		kernels.Rope(s, op.Dst, op.Src0, op.Src1.I32(), a)
		s.Synchronize()
		return nil

	case tensor.OpPad:
		a := attrs[tensor.PadAttrs](op)
		if !allF32(op.Dst, op.Src0) {
			return fmt.Errorf("%w: pad on %s", ErrNotSupported, op.Src0.Type)
		}
		kernels.Pad(op.Dst, op.Src0, a.After)
		return nil

	case tensor.OpConcat:
		a := attrs[tensor.ConcatAttrs](op)
		if !allF32(op.Dst, op.Src0, op.Src1) {
			return fmt.Errorf("%w: concat on %s/%s", ErrNotSupported, op.Src0.Type, op.Src1.Type)
		}
		kernels.Concat(op.Dst, op.Src0, op.Src1, a.Dim)
		return nil

	case tensor.OpUpscale:
		a := attrs[tensor.UpscaleAttrs](op)
		if !allF32(op.Dst, op.Src0) {
			return fmt.Errorf("%w: upscale on %s", ErrNotSupported, op.Src0.Type)
		}
		kernels.Upscale(op.Dst, op.Src0, a.Factor)
		return nil

	case tensor.OpPool2D:
		a := attrs[tensor.Pool2DAttrs](op)
		if !allF32(op.Dst, op.Src0) {
			return fmt.Errorf("%w: pool_2d on %s", ErrNotSupported, op.Src0.Type)
		}
		kernels.Pool2D(op.Dst, op.Src0, a)
		return nil

	case tensor.OpArgsort:
		a := attrs[tensor.ArgsortAttrs](op)
		if op.Src0.Type != quant.F32 || op.Dst.Type != quant.I32 {
			return fmt.Errorf("%w: argsort on %s -> %s", ErrNotSupported, op.Src0.Type, op.Dst.Type)
		}
		s := b.stream()
		kernels.Argsort(s, op.Dst, op.Src0, a.Descending)
		s.Synchronize()
		return nil

	case tensor.OpCpy:
		return kernels.Cpy(b.stream(), op.Dst, op.Src0)

	default:
		return fmt.Errorf("%w: %s", ErrNotSupported, op.Kind)
	}
}

// SupportsOp reports whether Execute would run the op rather than return
// ErrNotSupported, for scheduler probing. It inspects formats only;
// shape contract violations still panic at Execute time.
func (b *Backend) SupportsOp(op *tensor.Op) bool {
	switch op.Kind {
	case tensor.OpMatMul:
		return matMulWeightOK(op.Src0.Type) &&
			op.Src1.Type == quant.F32 && op.Dst.Type == quant.F32
	case tensor.OpAdd, tensor.OpMul, tensor.OpDiv, tensor.OpConcat:
		return allF32(op.Dst, op.Src0, op.Src1)
	case tensor.OpSoftmax:
		return allF32(op.Dst, op.Src0, op.Src1)
	case tensor.OpRope:
		return allF32(op.Dst, op.Src0) && op.Src1 != nil && op.Src1.Type == quant.I32
	case tensor.OpArgsort:
		return op.Src0.Type == quant.F32 && op.Dst.Type == quant.I32
	case tensor.OpCpy:
		return op.Src0.Type != quant.I32 && op.Dst.Type != quant.I32
	case tensor.OpRepeat, tensor.OpScale, tensor.OpClamp, tensor.OpUnary,
		tensor.OpNorm, tensor.OpRMSNorm, tensor.OpGroupNorm,
		tensor.OpPad, tensor.OpUpscale, tensor.OpPool2D:
		return allF32(op.Dst, op.Src0)
	default:
		return false
	}
}

// matMulWeightOK reports whether the weight format has either an integer
// dot kernel or a dequantize path.
func matMulWeightOK(dt quant.DType) bool {
	switch dt {
	case quant.F32, quant.F16, quant.BF16:
		return true
	case quant.I32:
		return false
	default:
		return dt.IsQuantized()
	}
}

// allF32 reports whether every non-nil tensor is dense float32.
func allF32(ts ...*tensor.Tensor) bool {
	for _, t := range ts {
		if t != nil && t.Type != quant.F32 {
			return false
		}
	}
	return true
}

// attrs extracts the kind-specific attribute struct. A missing or
// mistyped attribute is a caller contract breach.
func attrs[T any](op *tensor.Op) T {
	a, ok := op.Attrs.(T)
	if !ok {
		panic(fmt.Sprintf("backend: %s op carries %T attrs", op.Kind, op.Attrs))
	}
	return a
}
