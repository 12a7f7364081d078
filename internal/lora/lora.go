// Package lora adds low-rank adapters to linear layers. The adapter variant
// is chosen when the layer is wrapped: dense bases get Linear, quantized
// bases get QuantLinear.
package lora

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"

	"github.com/23skdu/longbow-qlora/internal/autograd"
	"github.com/23skdu/longbow-qlora/internal/config"
	"github.com/23skdu/longbow-qlora/internal/logger"
	"github.com/23skdu/longbow-qlora/internal/nn"
	"github.com/23skdu/longbow-qlora/internal/quant"
	"github.com/23skdu/longbow-qlora/internal/tensor"
)

type Config = config.LoRAConfig

// Adapter is the trainable pair A [r, in], B [out, r]. Its output is
// B(A(dropout(x))) * Scaling.
type Adapter struct {
	A       *nn.Linear
	B       *nn.Linear
	Scaling float32
	Dropout float64

	rng *rand.Rand
}

func newAdapter(path string, in, out int, cfg Config) *Adapter {
	h := fnv.New64a()
	h.Write([]byte(path))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	a := nn.NewLinear(in, cfg.R, false)
	b := nn.NewLinear(cfg.R, out, false)
	// Kaiming-uniform with a=sqrt(5) reduces to U(-1/sqrt(in), 1/sqrt(in)).
	bound := float32(1 / math.Sqrt(float64(in)))
	w := a.Weight.Value.Float32s()
	for i := range w {
		w[i] = (rng.Float32()*2 - 1) * bound
	}
	a.Weight = autograd.NewParameter(path+".lora_A.weight", a.Weight.Value)
	b.Weight = autograd.NewParameter(path+".lora_B.weight", b.Weight.Value)

	return &Adapter{A: a, B: b, Scaling: cfg.Scaling(), Dropout: cfg.Dropout, rng: rng}
}

func (a *Adapter) forward(tape *autograd.Tape, x *autograd.Variable) (*autograd.Variable, error) {
	h, err := autograd.Dropout(tape, x, a.Dropout, a.rng)
	if err != nil {
		return nil, err
	}
	if h, err = a.A.Forward(tape, h); err != nil {
		return nil, err
	}
	if h, err = a.B.Forward(tape, h); err != nil {
		return nil, err
	}
	return autograd.Scale(tape, h, a.Scaling)
}

func (a *Adapter) Parameters() []*autograd.Variable {
	return []*autograd.Variable{a.A.Weight, a.B.Weight}
}

// wrapped carries what both variants share: the adapter children and the
// base buffers surfaced under the base's own names.
type wrapped struct {
	Adapter *Adapter
}

func (w *wrapped) Children() []string { return []string{"lora_A", "lora_B"} }

func (w *wrapped) Child(name string) nn.Module {
	switch name {
	case "lora_A":
		return w.Adapter.A
	case "lora_B":
		return w.Adapter.B
	}
	return nil
}

func (w *wrapped) SetChild(name string, _ nn.Module) error {
	return fmt.Errorf("%w: adapter child %q is fixed", nn.ErrNoChild, name)
}

// Linear is a dense layer plus an adapter.
type Linear struct {
	wrapped
	Base *nn.Linear
}

func (l *Linear) Unwrap() nn.Module { return l.Base }

func (l *Linear) Shape() (int, int) { return l.Base.Shape() }

func (l *Linear) BufferNames() []string { return l.Base.BufferNames() }

func (l *Linear) Buffer(name string) *tensor.Tensor { return l.Base.Buffer(name) }

func (l *Linear) SetBuffer(name string, t *tensor.Tensor) error { return l.Base.SetBuffer(name, t) }

func (l *Linear) Forward(tape *autograd.Tape, x *autograd.Variable) (*autograd.Variable, error) {
	y, err := l.Base.Forward(tape, x)
	if err != nil {
		return nil, err
	}
	d, err := l.Adapter.forward(tape, x)
	if err != nil {
		return nil, err
	}
	return autograd.Add(tape, y, d)
}

// QuantLinear is a frozen quantized layer plus an adapter. The adapter
// runs in F32 whatever the activation dtype; its output is added back in
// the base output dtype.
type QuantLinear struct {
	wrapped
	Base *quant.QuantLinear
}

func (l *QuantLinear) Unwrap() nn.Module { return l.Base }

func (l *QuantLinear) Shape() (int, int) { return l.Base.Shape() }

func (l *QuantLinear) BufferNames() []string { return l.Base.BufferNames() }

func (l *QuantLinear) Buffer(name string) *tensor.Tensor { return l.Base.Buffer(name) }

func (l *QuantLinear) SetBuffer(name string, t *tensor.Tensor) error {
	return l.Base.SetBuffer(name, t)
}

func (l *QuantLinear) Forward(tape *autograd.Tape, x *autograd.Variable) (*autograd.Variable, error) {
	y, err := l.Base.Forward(tape, x)
	if err != nil {
		return nil, err
	}
	xf, err := autograd.Cast(tape, x, tensor.F32)
	if err != nil {
		return nil, err
	}
	d, err := l.Adapter.forward(tape, xf)
	if err != nil {
		return nil, err
	}
	return autograd.Add(tape, y, d)
}

// Adapted is a layer carrying an adapter in place of its base.
type Adapted interface {
	nn.Wrapper
	nn.Layer
}

var (
	_ Adapted = (*Linear)(nil)
	_ Adapted = (*QuantLinear)(nil)
)

// Wrap returns the adapter variant matching base.
func Wrap(path string, base nn.Module, cfg Config) (Adapted, error) {
	switch b := base.(type) {
	case *quant.QuantLinear:
		return &QuantLinear{wrapped: wrapped{newAdapter(path, b.InFeatures, b.OutFeatures, cfg)}, Base: b}, nil
	case *nn.Linear:
		return &Linear{wrapped: wrapped{newAdapter(path, b.InFeatures, b.OutFeatures, cfg)}, Base: b}, nil
	default:
		return nil, fmt.Errorf("lora: cannot adapt %T at %q", base, path)
	}
}

func matchesTarget(path string, targets []string) bool {
	leaf := path
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		leaf = path[i+1:]
	}
	for _, t := range targets {
		if t == leaf || t == path {
			return true
		}
	}
	return false
}

// Apply wraps every layer whose path or leaf name is a target module and
// returns the wrapped paths. Layers that already carry an adapter are left
// alone.
func Apply(root nn.Module, cfg Config) ([]string, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var targets []string
	err := nn.Walk(root, func(path string, m nn.Module) error {
		if _, ok := m.(nn.Wrapper); ok {
			return nn.SkipChildren
		}
		switch m.(type) {
		case *nn.Linear, *quant.QuantLinear:
			if matchesTarget(path, cfg.TargetModules) {
				targets = append(targets, path)
			}
			return nn.SkipChildren
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("lora: no layer matches target modules %v", cfg.TargetModules)
	}

	for _, path := range targets {
		base, err := nn.Get(root, path)
		if err != nil {
			return nil, err
		}
		w, err := Wrap(path, base, cfg)
		if err != nil {
			return nil, err
		}
		if err := nn.Set(root, path, w); err != nil {
			return nil, fmt.Errorf("lora: replace %q: %w", path, err)
		}
	}
	logger.Log.Info("applied lora adapters", "layers", len(targets), "r", cfg.R, "alpha", cfg.Alpha)
	return targets, nil
}

// Adapters lists every adapter in the tree by layer path.
func Adapters(root nn.Module) map[string]*Adapter {
	out := make(map[string]*Adapter)
	_ = nn.Walk(root, func(path string, m nn.Module) error {
		switch l := m.(type) {
		case *Linear:
			out[path] = l.Adapter
		case *QuantLinear:
			out[path] = l.Adapter
		default:
			return nil
		}
		return nn.SkipChildren
	})
	return out
}

// TrainableParameters returns the adapter weights in path order.
func TrainableParameters(root nn.Module) []*autograd.Variable {
	adapters := Adapters(root)
	var params []*autograd.Variable
	for _, path := range nn.SortedKeys(adapters) {
		params = append(params, adapters[path].Parameters()...)
	}
	return params
}

// SetTrainable toggles gradient tracking on every adapter weight.
func SetTrainable(root nn.Module, trainable bool) {
	for _, p := range TrainableParameters(root) {
		p.SetRequiresGrad(trainable)
	}
}
