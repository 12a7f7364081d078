// Package quant implements GPTQ-packed linear layers, their differentiation
// rule and the helpers that install them into a module tree.
package quant

import (
	"errors"

	"github.com/23skdu/longbow-qlora/internal/autograd"
	"github.com/23skdu/longbow-qlora/internal/device"
	"github.com/23skdu/longbow-qlora/internal/metrics"
	"github.com/23skdu/longbow-qlora/internal/tensor"
)

var (
	ErrNotImplemented      = errors.New("quantized matmul: no backend selected")
	ErrUnsupportedBitwidth = errors.New("only 2 and 4 bits are supported")
)

// Operator input slots. Only slotX ever receives a gradient.
const (
	slotX = iota
	slotQWeight
	slotScales
	slotZeros
	slotGIdx
	slotBits
	slotMaxQ
	numSlots
)

func scalar(v int) *autograd.Variable {
	return autograd.NewConstant(tensor.FromInt32([]int32{int32(v)}, 1))
}

// operands rebuilds kernel operands from the weight-side slots. The zeros
// slot holds float zeros when g_idx is nil and packed qzeros otherwise.
func operands(qweight, scales, zeros, gidx *tensor.Tensor, bits, maxq int) device.Operands {
	op := device.Operands{
		QWeight:     qweight,
		Scales:      scales,
		GIdx:        gidx,
		Bits:        bits,
		MaxQ:        maxq,
		InFeatures:  qweight.Dim(0) * 32 / bits,
		OutFeatures: qweight.Dim(1),
	}
	if gidx == nil {
		op.Zeros = zeros
		op.GroupSize = -1
		return op
	}
	op.QZeros = zeros
	groups := scales.Dim(0)
	op.GroupSize = (op.InFeatures + groups - 1) / groups
	return op
}

// matmulOp is shared by the 4-bit and 2-bit operators.
type matmulOp struct {
	name      string
	kernel    device.Kernel
	allowV1   bool
	fixedBits int
}

func (m matmulOp) Name() string { return m.name }

func (m matmulOp) Forward(ctx *autograd.FunctionContext, in []*tensor.Tensor) (*tensor.Tensor, error) {
	bits := int(in[slotBits].Int32s()[0])
	maxq := int(in[slotMaxQ].Int32s()[0])
	if bits != m.fixedBits {
		return nil, ErrUnsupportedBitwidth
	}
	op := operands(in[slotQWeight], in[slotScales], in[slotZeros], in[slotGIdx], bits, maxq)
	if op.Legacy() && !m.allowV1 {
		return nil, device.ErrLayoutUnsupported
	}

	y, err := m.kernel.MatMul(in[slotX].Half(), op)
	if err != nil {
		return nil, err
	}
	ctx.SaveForBackward(in[slotQWeight], in[slotScales], in[slotZeros], in[slotGIdx])
	ctx.Set("bits", bits)
	ctx.Set("maxq", maxq)
	return y.Clone(), nil
}

func (m matmulOp) Backward(ctx *autograd.FunctionContext, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	grads := make([]*tensor.Tensor, numSlots)
	if !ctx.NeedsInputGrad(slotX) {
		return grads, nil
	}
	s := ctx.Saved()
	bits := ctx.Get("bits").(int)
	op := operands(s[0], s[1], s[2], s[3], bits, ctx.Get("maxq").(int))
	gx, err := m.kernel.MatMulTranspose(g.Half(), op)
	if err != nil {
		return nil, err
	}
	metrics.RecordQuantBackward(bits)
	grads[slotX] = gx
	return grads, nil
}

// Matmul4bit is the differentiable 4-bit operator. A nil GIdx input selects
// the legacy layout.
func Matmul4bit(k device.Kernel) autograd.Function {
	return matmulOp{name: "Matmul4bit", kernel: k, allowV1: true, fixedBits: 4}
}

// Matmul2bit is the differentiable 2-bit operator; grouped layout only.
func Matmul2bit(k device.Kernel) autograd.Function {
	return matmulOp{name: "Matmul2bit", kernel: k, fixedBits: 2}
}

// NotImplementedOp stands in while no backend is active.
type NotImplementedOp struct{}

func (NotImplementedOp) Name() string { return "NotImplemented" }

func (NotImplementedOp) Forward(*autograd.FunctionContext, []*tensor.Tensor) (*tensor.Tensor, error) {
	return nil, ErrNotImplemented
}

func (NotImplementedOp) Backward(*autograd.FunctionContext, *tensor.Tensor) ([]*tensor.Tensor, error) {
	return nil, ErrNotImplemented
}
