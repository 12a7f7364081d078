package autograd

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/23skdu/longbow-qlora/internal/tensor"
)

type matMulT struct{}

func (matMulT) Name() string { return "MatMulT" }

func (matMulT) Forward(ctx *FunctionContext, in []*tensor.Tensor) (*tensor.Tensor, error) {
	ctx.SaveForBackward(in[0], in[1])
	return tensor.MatMulT(in[0], in[1])
}

func (matMulT) Backward(ctx *FunctionContext, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	x, w := ctx.Saved()[0], ctx.Saved()[1]
	grads := make([]*tensor.Tensor, 2)
	if ctx.NeedsInputGrad(0) {
		gx, err := tensor.MatMul(g, w)
		if err != nil {
			return nil, err
		}
		grads[0] = gx
	}
	if ctx.NeedsInputGrad(1) {
		gw, err := tensor.OuterT(g, x)
		if err != nil {
			return nil, err
		}
		grads[1] = gw
	}
	return grads, nil
}

// MatMulT records x @ w^T.
func MatMulT(t *Tape, x, w *Variable) (*Variable, error) {
	return t.Apply(matMulT{}, x, w)
}

type add struct{}

func (add) Name() string { return "Add" }

func (add) Forward(_ *FunctionContext, in []*tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Add(in[0], in[1])
}

func (add) Backward(_ *FunctionContext, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	return []*tensor.Tensor{g, g}, nil
}

func Add(t *Tape, a, b *Variable) (*Variable, error) {
	return t.Apply(add{}, a, b)
}

type addBias struct{}

func (addBias) Name() string { return "AddBias" }

func (addBias) Forward(_ *FunctionContext, in []*tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.AddRow(in[0], in[1])
}

func (addBias) Backward(ctx *FunctionContext, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	grads := []*tensor.Tensor{g, nil}
	if ctx.NeedsInputGrad(1) {
		grads[1] = tensor.SumRows(g)
	}
	return grads, nil
}

// AddBias broadcasts bias[n] over x[..., n].
func AddBias(t *Tape, x, bias *Variable) (*Variable, error) {
	return t.Apply(addBias{}, x, bias)
}

type mul struct{}

func (mul) Name() string { return "Mul" }

func (mul) Forward(ctx *FunctionContext, in []*tensor.Tensor) (*tensor.Tensor, error) {
	ctx.SaveForBackward(in[0], in[1])
	return tensor.Mul(in[0], in[1])
}

func (mul) Backward(ctx *FunctionContext, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	a, b := ctx.Saved()[0], ctx.Saved()[1]
	grads := make([]*tensor.Tensor, 2)
	var err error
	if ctx.NeedsInputGrad(0) {
		if grads[0], err = tensor.Mul(g, b); err != nil {
			return nil, err
		}
	}
	if ctx.NeedsInputGrad(1) {
		if grads[1], err = tensor.Mul(g, a); err != nil {
			return nil, err
		}
	}
	return grads, nil
}

func Mul(t *Tape, a, b *Variable) (*Variable, error) {
	return t.Apply(mul{}, a, b)
}

type scale struct{ s float32 }

func (scale) Name() string { return "Scale" }

func (f scale) Forward(_ *FunctionContext, in []*tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Scale(in[0], f.s), nil
}

func (f scale) Backward(_ *FunctionContext, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	return []*tensor.Tensor{tensor.Scale(g, f.s)}, nil
}

func Scale(t *Tape, x *Variable, s float32) (*Variable, error) {
	return t.Apply(scale{s: s}, x)
}

type silu struct{}

func (silu) Name() string { return "SiLU" }

func sigmoid(v float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(v))))
}

func (silu) Forward(ctx *FunctionContext, in []*tensor.Tensor) (*tensor.Tensor, error) {
	ctx.SaveForBackward(in[0])
	return tensor.Map(in[0], func(v float32) float32 { return v * sigmoid(v) }), nil
}

func (silu) Backward(ctx *FunctionContext, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	d := tensor.Map(ctx.Saved()[0], func(v float32) float32 {
		s := sigmoid(v)
		return s * (1 + v*(1-s))
	})
	gx, err := tensor.Mul(g, d)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{gx}, nil
}

func SiLU(t *Tape, x *Variable) (*Variable, error) {
	return t.Apply(silu{}, x)
}

type dropout struct {
	p   float64
	rng *rand.Rand
}

func (dropout) Name() string { return "Dropout" }

func (f dropout) Forward(ctx *FunctionContext, in []*tensor.Tensor) (*tensor.Tensor, error) {
	keep := float32(1 / (1 - f.p))
	n := in[0].NumElements()
	mask := make([]float32, n)
	for i := range mask {
		if f.rng.Float64() >= f.p {
			mask[i] = keep
		}
	}
	m := tensor.FromFloat32(mask, in[0].Shape()...)
	ctx.SaveForBackward(m)
	return tensor.Mul(in[0], m)
}

func (f dropout) Backward(ctx *FunctionContext, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	gx, err := tensor.Mul(g, ctx.Saved()[0])
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{gx}, nil
}

// Dropout zeroes elements with probability p and rescales the rest. With
// p == 0 or tracking disabled it is the identity.
func Dropout(t *Tape, x *Variable, p float64, rng *rand.Rand) (*Variable, error) {
	if p < 0 || p >= 1 {
		return nil, fmt.Errorf("dropout probability %v out of range [0, 1)", p)
	}
	if p == 0 || !t.GradEnabled() {
		return x, nil
	}
	return t.Apply(dropout{p: p, rng: rng}, x)
}

type sum struct{}

func (sum) Name() string { return "Sum" }

func (sum) Forward(ctx *FunctionContext, in []*tensor.Tensor) (*tensor.Tensor, error) {
	ctx.Set("shape", in[0].Shape())
	return tensor.FromFloat32([]float32{float32(tensor.Sum(in[0]))}, 1), nil
}

func (sum) Backward(ctx *FunctionContext, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	shape := ctx.Get("shape").([]int)
	return []*tensor.Tensor{tensor.Full(tensor.F32, g.Floats()[0], shape...)}, nil
}

// Sum reduces x to a one-element tensor.
func Sum(t *Tape, x *Variable) (*Variable, error) {
	return t.Apply(sum{}, x)
}

type mse struct{}

func (mse) Name() string { return "MSE" }

func (mse) Forward(ctx *FunctionContext, in []*tensor.Tensor) (*tensor.Tensor, error) {
	diff, err := tensor.Sub(in[0].Float(), in[1].Float())
	if err != nil {
		return nil, err
	}
	ctx.SaveForBackward(diff)
	var s float64
	for _, d := range diff.Float32s() {
		s += float64(d) * float64(d)
	}
	return tensor.FromFloat32([]float32{float32(s / float64(diff.NumElements()))}, 1), nil
}

func (mse) Backward(ctx *FunctionContext, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	diff := ctx.Saved()[0]
	k := 2 * g.Floats()[0] / float32(diff.NumElements())
	return []*tensor.Tensor{tensor.Scale(diff, k), nil}, nil
}

// MSE is mean((pred - target)^2); only pred receives a gradient.
func MSE(t *Tape, pred, target *Variable) (*Variable, error) {
	return t.Apply(mse{}, pred, target)
}

type cast struct{ from, to tensor.DType }

func (cast) Name() string { return "Cast" }

func (f cast) Forward(_ *FunctionContext, in []*tensor.Tensor) (*tensor.Tensor, error) {
	return in[0].To(f.to), nil
}

func (f cast) Backward(_ *FunctionContext, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	return []*tensor.Tensor{g.To(f.from)}, nil
}

// Cast converts x to dtype; the gradient is converted back.
func Cast(t *Tape, x *Variable, dtype tensor.DType) (*Variable, error) {
	if x.Value.DType() == dtype {
		return x, nil
	}
	return t.Apply(cast{from: x.Value.DType(), to: dtype}, x)
}
