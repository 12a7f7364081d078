// Package autograd is a tape-based reverse-mode differentiation engine.
//
// A Function supplies an explicit Forward/Backward pair. Tape.Apply runs
// Forward and, when gradient tracking is on and some input needs a gradient,
// records a node. Tape.Backward replays the recorded nodes in reverse and
// hands each input the gradient its slot returned; a nil slot means no
// gradient flows to that input.
package autograd

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-qlora/internal/tensor"
)

var ErrNoGraph = errors.New("autograd: variable is not part of a recorded graph")

type Variable struct {
	Value *tensor.Tensor
	// Grad is populated on leaves that require a gradient after Backward.
	Grad *tensor.Tensor

	name         string
	requiresGrad bool
	node         *node
}

// NewParameter returns a trainable leaf.
func NewParameter(name string, t *tensor.Tensor) *Variable {
	return &Variable{Value: t, name: name, requiresGrad: true}
}

// NewConstant returns a leaf that never receives a gradient.
func NewConstant(t *tensor.Tensor) *Variable {
	return &Variable{Value: t}
}

func (v *Variable) Name() string { return v.name }

func (v *Variable) RequiresGrad() bool { return v.requiresGrad }

// SetRequiresGrad toggles gradient tracking on a leaf.
func (v *Variable) SetRequiresGrad(b bool) {
	if v.node != nil {
		panic("autograd: requires_grad can only be changed on leaves")
	}
	v.requiresGrad = b
}

func (v *Variable) IsLeaf() bool { return v.node == nil }

func (v *Variable) ZeroGrad() { v.Grad = nil }

// FunctionContext carries state from Forward to Backward for one
// invocation.
type FunctionContext struct {
	saved          []*tensor.Tensor
	needsInputGrad []bool
	attrs          map[string]any
}

func (c *FunctionContext) SaveForBackward(ts ...*tensor.Tensor) {
	c.saved = append(c.saved[:0], ts...)
}

func (c *FunctionContext) Saved() []*tensor.Tensor { return c.saved }

func (c *FunctionContext) NeedsInputGrad(i int) bool {
	return i < len(c.needsInputGrad) && c.needsInputGrad[i]
}

func (c *FunctionContext) Set(key string, v any) {
	if c.attrs == nil {
		c.attrs = make(map[string]any)
	}
	c.attrs[key] = v
}

func (c *FunctionContext) Get(key string) any { return c.attrs[key] }

type Function interface {
	Name() string
	Forward(ctx *FunctionContext, inputs []*tensor.Tensor) (*tensor.Tensor, error)
	// Backward returns one gradient per input; nil marks a slot that gets
	// no gradient.
	Backward(ctx *FunctionContext, gradOutput *tensor.Tensor) ([]*tensor.Tensor, error)
}

type node struct {
	fn     Function
	ctx    *FunctionContext
	inputs []*Variable
	output *Variable
}

// Tape records nodes while gradient tracking is enabled. It is not safe for
// concurrent use.
type Tape struct {
	gradEnabled bool
	nodes       []*node
}

func NewTape() *Tape {
	return &Tape{gradEnabled: true}
}

func (t *Tape) GradEnabled() bool { return t.gradEnabled }

// SetGradEnabled switches tracking and returns the previous setting.
func (t *Tape) SetGradEnabled(enabled bool) bool {
	prev := t.gradEnabled
	t.gradEnabled = enabled
	return prev
}

// NoGrad runs fn with gradient tracking disabled.
func (t *Tape) NoGrad(fn func() error) error {
	prev := t.SetGradEnabled(false)
	defer t.SetGradEnabled(prev)
	return fn()
}

// Len is the number of recorded nodes.
func (t *Tape) Len() int { return len(t.nodes) }

// Reset drops every recorded node.
func (t *Tape) Reset() { t.nodes = nil }

// Apply runs fn on the input values. Inputs may be nil for optional
// operands.
func (t *Tape) Apply(fn Function, inputs ...*Variable) (*Variable, error) {
	ctx := &FunctionContext{needsInputGrad: make([]bool, len(inputs))}
	values := make([]*tensor.Tensor, len(inputs))
	track := false
	for i, in := range inputs {
		if in == nil {
			continue
		}
		values[i] = in.Value
		if t.gradEnabled && in.requiresGrad {
			ctx.needsInputGrad[i] = true
			track = true
		}
	}

	out, err := fn.Forward(ctx, values)
	if err != nil {
		return nil, fmt.Errorf("%s forward: %w", fn.Name(), err)
	}

	v := &Variable{Value: out}
	if track {
		n := &node{fn: fn, ctx: ctx, inputs: inputs, output: v}
		v.node = n
		v.requiresGrad = true
		t.nodes = append(t.nodes, n)
	}
	return v, nil
}

// Backward propagates grad (ones when nil) from root through every node
// recorded on the tape, then clears the tape.
func (t *Tape) Backward(root *Variable, grad *tensor.Tensor) error {
	if root.node == nil {
		return ErrNoGraph
	}
	if grad == nil {
		grad = tensor.Full(tensor.F32, 1, root.Value.Shape()...)
	}

	grads := map[*Variable]*tensor.Tensor{root: grad}
	for i := len(t.nodes) - 1; i >= 0; i-- {
		n := t.nodes[i]
		g, ok := grads[n.output]
		if !ok {
			continue
		}
		delete(grads, n.output)

		inGrads, err := n.fn.Backward(n.ctx, g)
		if err != nil {
			return fmt.Errorf("%s backward: %w", n.fn.Name(), err)
		}
		if len(inGrads) != len(n.inputs) {
			return fmt.Errorf("%s backward: returned %d gradients for %d inputs", n.fn.Name(), len(inGrads), len(n.inputs))
		}
		for j, in := range n.inputs {
			if in == nil || inGrads[j] == nil || !n.ctx.NeedsInputGrad(j) {
				continue
			}
			if in.node == nil {
				acc, err := accumulate(in.Grad, inGrads[j], in.Value)
				if err != nil {
					return fmt.Errorf("%s backward: input %d: %w", n.fn.Name(), j, err)
				}
				in.Grad = acc
				continue
			}
			acc, err := accumulate(grads[in], inGrads[j], in.Value)
			if err != nil {
				return fmt.Errorf("%s backward: input %d: %w", n.fn.Name(), j, err)
			}
			grads[in] = acc
		}
	}
	t.Reset()
	return nil
}

// accumulate adds g into acc, shaped and typed like value.
func accumulate(acc, g, value *tensor.Tensor) (*tensor.Tensor, error) {
	if g.NumElements() != value.NumElements() {
		return nil, tensor.ShapeError{Op: "accumulate", Want: value.Shape(), Got: g.Shape()}
	}
	g = g.Reshape(value.Shape()...)
	if value.DType().IsFloat() {
		g = g.To(value.DType())
	}
	if acc == nil {
		return g.Clone(), nil
	}
	return tensor.Add(acc, g)
}
