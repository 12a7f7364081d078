package llama

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-qlora/internal/autograd"
	"github.com/23skdu/longbow-qlora/internal/nn"
	"github.com/23skdu/longbow-qlora/internal/tensor"
)

func tinyConfig() *Config {
	c := &Config{
		HiddenSize:        8,
		IntermediateSize:  16,
		NumHiddenLayers:   2,
		NumAttentionHeads: 2,
		NumKeyValueHeads:  1,
		VocabSize:         10,
	}
	c.applyDefaults()
	return c
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	body := `{"architectures":["LlamaForCausalLM"],"hidden_size":4096,"intermediate_size":11008,
		"num_hidden_layers":32,"num_attention_heads":32,"vocab_size":32000,"rms_norm_eps":1e-06}`
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if c.NumKeyValueHeads != 32 {
		t.Errorf("expected kv heads to default to 32, got %d", c.NumKeyValueHeads)
	}
	if c.MaxPositionEmbeddings != 2048 {
		t.Errorf("expected max positions 2048, got %d", c.MaxPositionEmbeddings)
	}
	if c.HeadDim() != 128 {
		t.Errorf("expected head dim 128, got %d", c.HeadDim())
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero hidden", func(c *Config) { c.HiddenSize = 0 }},
		{"heads do not divide hidden", func(c *Config) { c.NumAttentionHeads = 3 }},
		{"kv heads do not divide heads", func(c *Config) { c.NumKeyValueHeads = 3 }},
		{"zero vocab", func(c *Config) { c.VocabSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tinyConfig()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestConfigFromGGUF(t *testing.T) {
	kv := map[string]any{
		"general.architecture":                   "llama",
		"llama.embedding_length":                 uint32(8),
		"llama.feed_forward_length":              uint32(16),
		"llama.block_count":                      uint32(2),
		"llama.attention.head_count":             uint32(2),
		"llama.vocab_size":                       uint64(10),
		"llama.attention.layer_norm_rms_epsilon": float32(1e-5),
	}
	c, err := ConfigFromGGUF(kv)
	if err != nil {
		t.Fatalf("ConfigFromGGUF failed: %v", err)
	}
	if c.HiddenSize != 8 || c.NumHiddenLayers != 2 || c.NumKeyValueHeads != 2 || c.RMSNormEps != 1e-5 {
		t.Errorf("unexpected config %+v", c)
	}
}

func TestModelTree(t *testing.T) {
	m := New(tinyConfig())
	shapes := make(map[string][]int)
	for name, b := range nn.NamedBuffers(m) {
		if strings.HasPrefix(name, "model.layers.0.") || !strings.HasPrefix(name, "model.layers.") {
			shapes[name] = b.Shape()
		}
	}
	want := map[string][]int{
		"model.embed_tokens.weight":                      {10, 8},
		"model.norm.weight":                              {8},
		"lm_head.weight":                                 {10, 8},
		"model.layers.0.self_attn.q_proj.weight":         {8, 8},
		"model.layers.0.self_attn.k_proj.weight":         {4, 8},
		"model.layers.0.self_attn.v_proj.weight":         {4, 8},
		"model.layers.0.self_attn.o_proj.weight":         {8, 8},
		"model.layers.0.mlp.gate_proj.weight":            {16, 8},
		"model.layers.0.mlp.up_proj.weight":              {16, 8},
		"model.layers.0.mlp.down_proj.weight":            {8, 16},
		"model.layers.0.input_layernorm.weight":          {8},
		"model.layers.0.post_attention_layernorm.weight": {8},
	}
	if diff := cmp.Diff(want, shapes); diff != "" {
		t.Errorf("buffer shapes mismatch (-want +got):\n%s", diff)
	}

	linear := nn.FindLinear(m, LMHead)
	if len(linear) != 2*7 {
		t.Errorf("expected 14 projections, got %d", len(linear))
	}
	if _, err := m.Layer(1); err != nil {
		t.Errorf("Layer(1) failed: %v", err)
	}
	if _, err := m.Layer(2); err == nil {
		t.Error("expected an error for a missing layer")
	}
}

func fill(rng *rand.Rand, t *tensor.Tensor) {
	for i := range t.Float32s() {
		t.Float32s()[i] = (rng.Float32()*2 - 1) * 0.5
	}
}

func TestMLPForward(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	mlp := NewMLP(4, 6)
	for _, b := range nn.NamedBuffers(mlp) {
		fill(rng, b)
	}
	x := tensor.New(tensor.F32, 3, 4)
	fill(rng, x)

	tape := autograd.NewTape()
	y, err := mlp.Forward(tape, autograd.NewConstant(x))
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	w := nn.NamedBuffers(mlp)
	g, _ := tensor.MatMulT(x, w["gate_proj.weight"])
	u, _ := tensor.MatMulT(x, w["up_proj.weight"])
	g = tensor.Map(g, func(v float32) float32 { return v / (1 + float32(math.Exp(-float64(v)))) })
	h, _ := tensor.Mul(g, u)
	want, _ := tensor.MatMulT(h, w["down_proj.weight"])
	if !tensor.AllClose(want, y.Value, 1e-5, 1e-5) {
		t.Errorf("expected %v, got %v", want.Floats(), y.Value.Floats())
	}
}

func TestFeedForwardGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	l := NewDecoderLayer(tinyConfig())
	for _, b := range nn.NamedBuffers(l) {
		fill(rng, b)
	}
	x := tensor.New(tensor.F32, 2, 8)
	fill(rng, x)
	xv := autograd.NewParameter("x", x)

	tape := autograd.NewTape()
	y, err := l.FeedForward(tape, xv)
	if err != nil {
		t.Fatalf("FeedForward failed: %v", err)
	}
	loss, err := autograd.Sum(tape, y)
	if err != nil {
		t.Fatal(err)
	}
	if err := tape.Backward(loss, nil); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if xv.Grad == nil {
		t.Fatal("expected a gradient on x")
	}
	if got := xv.Grad.Shape(); !cmp.Equal(got, []int{2, 8}) {
		t.Errorf("expected grad shape [2 8], got %v", got)
	}
}

func TestAnalyze(t *testing.T) {
	m := New(tinyConfig())
	r := Analyze(m.Config, m, nil)
	if r.DenseLayers != 15 {
		t.Errorf("expected 15 dense layers, got %d", r.DenseLayers)
	}
	if r.Bytes <= 0 || r.ByDType[tensor.F32] != r.Bytes {
		t.Errorf("unexpected byte totals %d / %v", r.Bytes, r.ByDType)
	}
	if !strings.Contains(r.String(), "Dense Layers:     15") {
		t.Errorf("report missing dense layer count:\n%s", r)
	}
}
