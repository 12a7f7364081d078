package llama

import (
	"fmt"
	"strconv"

	"github.com/23skdu/longbow-qlora/internal/autograd"
	"github.com/23skdu/longbow-qlora/internal/nn"
)

// LMHead is excluded from quantization.
const LMHead = "lm_head"

// ForCausalLM is the module tree
//
//	model.embed_tokens
//	model.layers.N.self_attn.{q,k,v,o}_proj
//	model.layers.N.mlp.{gate,up,down}_proj
//	model.layers.N.{input,post_attention}_layernorm
//	model.norm
//	lm_head
//
// with every projection a bias-free nn.Linear until substitution.
type ForCausalLM struct {
	nn.Container
	Config *Config
}

func New(cfg *Config) *ForCausalLM {
	model := &nn.Container{}
	model.Add("embed_tokens", nn.NewEmbedding(cfg.VocabSize, cfg.HiddenSize))
	layers := &nn.Container{}
	for i := 0; i < cfg.NumHiddenLayers; i++ {
		layers.Add(strconv.Itoa(i), NewDecoderLayer(cfg))
	}
	model.Add("layers", layers)
	model.Add("norm", nn.NewRMSNorm(cfg.HiddenSize, cfg.RMSNormEps))

	m := &ForCausalLM{Config: cfg}
	m.Add("model", model)
	m.Add(LMHead, nn.NewLinear(cfg.HiddenSize, cfg.VocabSize, false))
	return m
}

// Layer returns decoder layer i.
func (m *ForCausalLM) Layer(i int) (*DecoderLayer, error) {
	mod, err := nn.Get(m, LayerPath(i))
	if err != nil {
		return nil, err
	}
	l, ok := mod.(*DecoderLayer)
	if !ok {
		return nil, fmt.Errorf("%s is %T, not a decoder layer", LayerPath(i), mod)
	}
	return l, nil
}

// LayerPath is the dotted path of decoder layer i.
func LayerPath(i int) string { return "model.layers." + strconv.Itoa(i) }

type DecoderLayer struct {
	nn.Container
}

func NewDecoderLayer(cfg *Config) *DecoderLayer {
	h, kv := cfg.HiddenSize, cfg.KVDim()
	attn := &nn.Container{}
	attn.Add("q_proj", nn.NewLinear(h, h, false))
	attn.Add("k_proj", nn.NewLinear(h, kv, false))
	attn.Add("v_proj", nn.NewLinear(h, kv, false))
	attn.Add("o_proj", nn.NewLinear(h, h, false))

	l := &DecoderLayer{}
	l.Add("self_attn", attn)
	l.Add("mlp", NewMLP(h, cfg.IntermediateSize))
	l.Add("input_layernorm", nn.NewRMSNorm(h, cfg.RMSNormEps))
	l.Add("post_attention_layernorm", nn.NewRMSNorm(h, cfg.RMSNormEps))
	return l
}

func layer(c *nn.Container, name string) (nn.Layer, error) {
	l, ok := c.Child(name).(nn.Layer)
	if !ok {
		return nil, fmt.Errorf("%s is %T, not a layer", name, c.Child(name))
	}
	return l, nil
}

// FeedForward applies the residual MLP block: x + mlp(norm(x)).
func (l *DecoderLayer) FeedForward(tape *autograd.Tape, x *autograd.Variable) (*autograd.Variable, error) {
	norm, err := layer(&l.Container, "post_attention_layernorm")
	if err != nil {
		return nil, err
	}
	mlp, err := layer(&l.Container, "mlp")
	if err != nil {
		return nil, err
	}
	h, err := norm.Forward(tape, x)
	if err != nil {
		return nil, err
	}
	if h, err = mlp.Forward(tape, h); err != nil {
		return nil, err
	}
	return autograd.Add(tape, x, h)
}

// MLP is the SwiGLU feed-forward block down(silu(gate(x)) * up(x)). The
// projections are looked up on every call so substituted layers are used.
type MLP struct {
	nn.Container
}

func NewMLP(hidden, intermediate int) *MLP {
	m := &MLP{}
	m.Add("gate_proj", nn.NewLinear(hidden, intermediate, false))
	m.Add("up_proj", nn.NewLinear(hidden, intermediate, false))
	m.Add("down_proj", nn.NewLinear(intermediate, hidden, false))
	return m
}

func (m *MLP) Forward(tape *autograd.Tape, x *autograd.Variable) (*autograd.Variable, error) {
	gate, err := layer(&m.Container, "gate_proj")
	if err != nil {
		return nil, err
	}
	up, err := layer(&m.Container, "up_proj")
	if err != nil {
		return nil, err
	}
	down, err := layer(&m.Container, "down_proj")
	if err != nil {
		return nil, err
	}

	g, err := gate.Forward(tape, x)
	if err != nil {
		return nil, err
	}
	if g, err = autograd.SiLU(tape, g); err != nil {
		return nil, err
	}
	u, err := up.Forward(tape, x)
	if err != nil {
		return nil, err
	}
	h, err := autograd.Mul(tape, g, u)
	if err != nil {
		return nil, err
	}
	return down.Forward(tape, h)
}
