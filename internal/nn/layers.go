package nn

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-qlora/internal/autograd"
	"github.com/23skdu/longbow-qlora/internal/tensor"
)

// Linear computes x @ weight^T + bias with weight [out, in]. Weights are
// frozen unless marked trainable.
type Linear struct {
	Leaf
	InFeatures  int
	OutFeatures int
	Weight      *autograd.Variable
	Bias        *autograd.Variable
}

func NewLinear(in, out int, bias bool) *Linear {
	l := &Linear{
		InFeatures:  in,
		OutFeatures: out,
		Weight:      autograd.NewConstant(tensor.New(tensor.F32, out, in)),
	}
	if bias {
		l.Bias = autograd.NewConstant(tensor.New(tensor.F32, out))
	}
	return l
}

func (l *Linear) Shape() (int, int) { return l.InFeatures, l.OutFeatures }

// HasBias reports whether the layer was built with a bias term.
func (l *Linear) HasBias() bool { return l.Bias != nil }

func (l *Linear) Forward(tape *autograd.Tape, x *autograd.Variable) (*autograd.Variable, error) {
	y, err := autograd.MatMulT(tape, x, l.Weight)
	if err != nil {
		return nil, err
	}
	if l.Bias == nil {
		return y, nil
	}
	return autograd.AddBias(tape, y, l.Bias)
}

func (l *Linear) BufferNames() []string {
	if l.Bias != nil {
		return []string{"weight", "bias"}
	}
	return []string{"weight"}
}

func (l *Linear) Buffer(name string) *tensor.Tensor {
	switch name {
	case "weight":
		return l.Weight.Value
	case "bias":
		if l.Bias != nil {
			return l.Bias.Value
		}
	}
	return nil
}

func (l *Linear) SetBuffer(name string, t *tensor.Tensor) error {
	switch {
	case name == "weight":
		l.Weight.Value = t
	case name == "bias" && l.Bias != nil:
		l.Bias.Value = t
	default:
		return fmt.Errorf("%w: %q", ErrNoBuffer, name)
	}
	return nil
}

// Embedding maps token ids to rows of weight [vocab, dim].
type Embedding struct {
	Leaf
	Weight *tensor.Tensor
}

func NewEmbedding(vocab, dim int) *Embedding {
	return &Embedding{Weight: tensor.New(tensor.F32, vocab, dim)}
}

// Lookup returns [len(ids), dim] in the weight's dtype.
func (e *Embedding) Lookup(ids []int) (*tensor.Tensor, error) {
	vocab, dim := e.Weight.Dim(0), e.Weight.Dim(1)
	w := e.Weight.Floats()
	out := make([]float32, len(ids)*dim)
	for i, id := range ids {
		if id < 0 || id >= vocab {
			return nil, fmt.Errorf("token %d at position %d is out of vocab range [0, %d)", id, i, vocab)
		}
		copy(out[i*dim:(i+1)*dim], w[id*dim:(id+1)*dim])
	}
	return tensor.FromFloat32(out, len(ids), dim).To(e.Weight.DType()), nil
}

func (e *Embedding) BufferNames() []string { return []string{"weight"} }

func (e *Embedding) Buffer(name string) *tensor.Tensor {
	if name == "weight" {
		return e.Weight
	}
	return nil
}

func (e *Embedding) SetBuffer(name string, t *tensor.Tensor) error {
	if name != "weight" {
		return fmt.Errorf("%w: %q", ErrNoBuffer, name)
	}
	e.Weight = t
	return nil
}

// RMSNorm scales x by weight / sqrt(mean(x^2) + eps) over the last dim.
type RMSNorm struct {
	Leaf
	Weight *tensor.Tensor
	Eps    float32
}

func NewRMSNorm(dim int, eps float32) *RMSNorm {
	return &RMSNorm{Weight: tensor.Full(tensor.F32, 1, dim), Eps: eps}
}

func (n *RMSNorm) BufferNames() []string { return []string{"weight"} }

func (n *RMSNorm) Buffer(name string) *tensor.Tensor {
	if name == "weight" {
		return n.Weight
	}
	return nil
}

func (n *RMSNorm) SetBuffer(name string, t *tensor.Tensor) error {
	if name != "weight" {
		return fmt.Errorf("%w: %q", ErrNoBuffer, name)
	}
	n.Weight = t
	return nil
}

func (n *RMSNorm) Forward(tape *autograd.Tape, x *autograd.Variable) (*autograd.Variable, error) {
	return tape.Apply(rmsNorm{eps: n.Eps}, x, autograd.NewConstant(n.Weight))
}

type rmsNorm struct{ eps float32 }

func (rmsNorm) Name() string { return "RMSNorm" }

func (f rmsNorm) Forward(ctx *autograd.FunctionContext, in []*tensor.Tensor) (*tensor.Tensor, error) {
	x, w := in[0], in[1]
	rows, dim := x.Rows()
	if w.NumElements() != dim {
		return nil, tensor.ShapeError{Op: "RMSNorm", Want: []int{dim}, Got: w.Shape()}
	}
	xv, wv := x.Floats(), w.Floats()
	inv := make([]float32, rows)
	out := make([]float32, rows*dim)
	for r := 0; r < rows; r++ {
		row := xv[r*dim : (r+1)*dim]
		var ss float64
		for _, v := range row {
			ss += float64(v) * float64(v)
		}
		inv[r] = float32(1 / math.Sqrt(ss/float64(dim)+float64(f.eps)))
		for j, v := range row {
			out[r*dim+j] = v * inv[r] * wv[j]
		}
	}
	ctx.SaveForBackward(x, w, tensor.FromFloat32(inv, rows))
	return tensor.FromFloat32(out, x.Shape()...).To(x.DType()), nil
}

// Backward only returns the input gradient; the norm weight is frozen.
func (f rmsNorm) Backward(ctx *autograd.FunctionContext, g *tensor.Tensor) ([]*tensor.Tensor, error) {
	saved := ctx.Saved()
	x, w, inv := saved[0], saved[1], saved[2].Float32s()
	rows, dim := x.Rows()
	xv, wv, gv := x.Floats(), w.Floats(), g.Floats()
	out := make([]float32, rows*dim)
	for r := 0; r < rows; r++ {
		var dot float64
		for j := 0; j < dim; j++ {
			dot += float64(gv[r*dim+j]) * float64(wv[j]) * float64(xv[r*dim+j])
		}
		k := float64(inv[r]) * float64(inv[r]) * float64(inv[r]) * dot / float64(dim)
		for j := 0; j < dim; j++ {
			out[r*dim+j] = float32(float64(gv[r*dim+j])*float64(wv[j])*float64(inv[r]) - float64(xv[r*dim+j])*k)
		}
	}
	return []*tensor.Tensor{tensor.FromFloat32(out, x.Shape()...), nil}, nil
}
