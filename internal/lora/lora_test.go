package lora

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-qlora/internal/autograd"
	"github.com/23skdu/longbow-qlora/internal/checkpoint"
	"github.com/23skdu/longbow-qlora/internal/device"
	"github.com/23skdu/longbow-qlora/internal/nn"
	"github.com/23skdu/longbow-qlora/internal/quant"
	"github.com/23skdu/longbow-qlora/internal/tensor"
)

func randomTensor(rng *rand.Rand, scale float32, shape ...int) *tensor.Tensor {
	t := tensor.New(tensor.F32, shape...)
	for i := range t.Float32s() {
		t.Float32s()[i] = (rng.Float32()*2 - 1) * scale
	}
	return t
}

func testConfig() Config {
	return Config{R: 4, Alpha: 8, TargetModules: []string{"q_proj", "v_proj"}, Bias: "none"}
}

func quantModel(t *testing.T, rng *rand.Rand) (*nn.Container, *quant.QuantLinear) {
	t.Helper()
	reg := device.NewRegistry(device.Candidate{
		Name:    device.CUDA,
		Acquire: func() (device.Kernel, error) { return device.NewReconsKernel(device.CUDA), nil },
	})
	q := quant.NewQuantLinear(reg, 32, 8, quant.Options{Bits: 4, GroupSize: 16})
	p, err := quant.Quantize(randomTensor(rng, 0.1, 8, 32), 4, 16)
	require.NoError(t, err)
	require.NoError(t, q.Load(p))

	attn := &nn.Container{}
	attn.Add("q_proj", q)
	attn.Add("k_proj", nn.NewLinear(32, 8, false))
	root := &nn.Container{}
	root.Add("self_attn", attn)
	return root, q
}

func TestApplySelectsVariant(t *testing.T) {
	root, q := quantModel(t, rand.New(rand.NewSource(1)))
	attn, err := nn.Get(root, "self_attn")
	require.NoError(t, err)
	attn.(*nn.Container).Add("v_proj", nn.NewLinear(32, 8, true))

	paths, err := Apply(root, testConfig())
	require.NoError(t, err)
	assert.Equal(t, []string{"self_attn.q_proj", "self_attn.v_proj"}, paths)

	m, _ := nn.Get(root, "self_attn.q_proj")
	ql, ok := m.(*QuantLinear)
	require.True(t, ok, "expected *QuantLinear, got %T", m)
	assert.Same(t, q, ql.Base)

	m, _ = nn.Get(root, "self_attn.v_proj")
	_, ok = m.(*Linear)
	assert.True(t, ok, "expected *Linear, got %T", m)

	m, _ = nn.Get(root, "self_attn.k_proj")
	_, ok = m.(*nn.Linear)
	assert.True(t, ok, "k_proj should stay dense, got %T", m)

	// Applying again leaves the adapters in place.
	_, err = Apply(root, Config{R: 2, Alpha: 2, TargetModules: []string{"k_proj"}})
	require.NoError(t, err)
	assert.Equal(t, 4, ql.Adapter.A.OutFeatures)
	assert.Len(t, Adapters(root), 3)
}

func TestWrapReplacesInTree(t *testing.T) {
	root, q := quantModel(t, rand.New(rand.NewSource(11)))
	w, err := Wrap("self_attn.q_proj", q, testConfig())
	require.NoError(t, err)
	require.NoError(t, nn.Set(root, "self_attn.q_proj", w))

	got, err := nn.Get(root, "self_attn.q_proj")
	require.NoError(t, err)
	assert.Same(t, q, nn.Unwrap(got))
	assert.Equal(t, []string{"lora_A", "lora_B"}, got.Children())

	_, err = Wrap("self_attn", &nn.Container{}, testConfig())
	assert.Error(t, err)
}

func TestAdapterInitialization(t *testing.T) {
	root, _ := quantModel(t, rand.New(rand.NewSource(2)))
	_, err := Apply(root, testConfig())
	require.NoError(t, err)

	a := Adapters(root)["self_attn.q_proj"]
	require.NotNil(t, a)
	assert.Equal(t, float32(2), a.Scaling)
	assert.Equal(t, []int{4, 32}, a.A.Weight.Value.Shape())
	assert.Equal(t, []int{8, 4}, a.B.Weight.Value.Shape())
	for _, v := range a.B.Weight.Value.Floats() {
		require.Zero(t, v)
	}
	assert.NotZero(t, tensor.Sum(a.A.Weight.Value))

	// A zero B means the wrapped layer starts out equal to the base.
	x := autograd.NewConstant(randomTensor(rand.New(rand.NewSource(3)), 1, 2, 32))
	m, _ := nn.Get(root, "self_attn.q_proj")
	tape := autograd.NewTape()
	got, err := m.(nn.Layer).Forward(tape, x)
	require.NoError(t, err)
	want, err := m.(*QuantLinear).Base.Forward(tape, x)
	require.NoError(t, err)
	assert.True(t, tensor.AllClose(want.Value, got.Value, 1e-3, 1e-3), "max diff %v", tensor.MaxAbsDiff(want.Value, got.Value))
}

func TestQuantizedBaseGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	root, q := quantModel(t, rng)
	_, err := Apply(root, testConfig())
	require.NoError(t, err)

	a := Adapters(root)["self_attn.q_proj"]
	copy(a.B.Weight.Value.Float32s(), randomTensor(rng, 0.5, 8, 4).Float32s())

	qweight := append([]byte(nil), q.QWeight.Bytes()...)
	scales := append([]byte(nil), q.Scales.Bytes()...)

	m, _ := nn.Get(root, "self_attn.q_proj")
	tape := autograd.NewTape()
	y, err := m.(nn.Layer).Forward(tape, autograd.NewConstant(randomTensor(rng, 1, 3, 32)))
	require.NoError(t, err)
	loss, err := autograd.Sum(tape, y)
	require.NoError(t, err)
	require.NoError(t, tape.Backward(loss, nil))

	require.NotNil(t, a.A.Weight.Grad)
	require.NotNil(t, a.B.Weight.Grad)
	assert.NotZero(t, tensor.Sum(a.A.Weight.Grad))
	assert.NotZero(t, tensor.Sum(a.B.Weight.Grad))
	assert.Equal(t, qweight, q.QWeight.Bytes())
	assert.Equal(t, scales, q.Scales.Bytes())

	params := TrainableParameters(root)
	require.Len(t, params, 2)
	for _, p := range params {
		assert.True(t, p.RequiresGrad(), p.Name())
	}
}

func TestDenseBaseFrozen(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	base := nn.NewLinear(6, 3, true)
	copy(base.Weight.Value.Float32s(), randomTensor(rng, 1, 3, 6).Float32s())
	root := &nn.Container{}
	root.Add("v_proj", base)
	_, err := Apply(root, testConfig())
	require.NoError(t, err)

	a := Adapters(root)["v_proj"]
	copy(a.B.Weight.Value.Float32s(), randomTensor(rng, 1, 3, 4).Float32s())
	m, _ := nn.Get(root, "v_proj")
	tape := autograd.NewTape()
	x := autograd.NewParameter("x", randomTensor(rng, 1, 2, 6))
	y, err := m.(nn.Layer).Forward(tape, x)
	require.NoError(t, err)
	loss, err := autograd.Sum(tape, y)
	require.NoError(t, err)
	require.NoError(t, tape.Backward(loss, nil))

	assert.Nil(t, base.Weight.Grad)
	assert.NotNil(t, a.A.Weight.Grad)
	assert.NotNil(t, x.Grad)
}

func TestBufferNames(t *testing.T) {
	root, _ := quantModel(t, rand.New(rand.NewSource(6)))
	_, err := Apply(root, testConfig())
	require.NoError(t, err)

	bufs := nn.NamedBuffers(root)
	for _, name := range []string{
		"self_attn.q_proj.qweight",
		"self_attn.q_proj.scales",
		"self_attn.q_proj.qzeros",
		"self_attn.q_proj.g_idx",
		"self_attn.q_proj.lora_A.weight",
		"self_attn.q_proj.lora_B.weight",
	} {
		assert.Contains(t, bufs, name)
	}
	assert.Len(t, quant.QuantLayers(root), 1)
	assert.Empty(t, nn.FindLinear(root, "k_proj"))
}

func TestToHalfReachesWrappedBase(t *testing.T) {
	root, q := quantModel(t, rand.New(rand.NewSource(7)))
	_, err := Apply(root, testConfig())
	require.NoError(t, err)
	require.NoError(t, quant.ToHalf(root))
	assert.Equal(t, tensor.F16, q.Scales.DType())
	assert.Equal(t, tensor.I32, q.QWeight.DType())
}

func TestSaveLoadAdapter(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	root, _ := quantModel(t, rng)
	cfg := testConfig()
	_, err := Apply(root, cfg)
	require.NoError(t, err)
	a := Adapters(root)["self_attn.q_proj"]
	copy(a.B.Weight.Value.Float32s(), randomTensor(rng, 1, 8, 4).Float32s())

	dir := filepath.Join(t.TempDir(), "adapter")
	require.NoError(t, SaveAdapter(root, dir, cfg))

	fresh, _ := quantModel(t, rand.New(rand.NewSource(8)))
	got, err := LoadAdapter(fresh, dir)
	require.NoError(t, err)
	assert.Equal(t, cfg.R, got.R)
	assert.Equal(t, cfg.TargetModules, got.TargetModules)

	b := Adapters(fresh)["self_attn.q_proj"]
	require.NotNil(t, b)
	assert.Equal(t, a.A.Weight.Value.Bytes(), b.A.Weight.Value.Bytes())
	assert.Equal(t, a.B.Weight.Value.Bytes(), b.B.Weight.Value.Bytes())
	assert.True(t, b.B.Weight.RequiresGrad())
}

func TestLoadAdapterRejectsIntegerWeights(t *testing.T) {
	root, _ := quantModel(t, rand.New(rand.NewSource(10)))
	cfg := testConfig()
	_, err := Apply(root, cfg)
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, SaveAdapter(root, dir, cfg))

	weights := filepath.Join(dir, WeightsFile)
	src, err := checkpoint.OpenSafetensors(weights)
	require.NoError(t, err)
	tensors, err := checkpoint.ReadAll(src)
	require.NoError(t, err)
	require.NoError(t, src.Close())
	name := namePrefix + "self_attn.q_proj.lora_A.weight"
	require.Contains(t, tensors, name)
	tensors[name] = tensor.New(tensor.I32, tensors[name].Shape()...)
	require.NoError(t, checkpoint.Save(weights, tensors, nil))

	fresh, _ := quantModel(t, rand.New(rand.NewSource(10)))
	_, err = LoadAdapter(fresh, dir)
	assert.ErrorIs(t, err, ErrAdapterDType)
}

func TestLoadAdapterMissing(t *testing.T) {
	root, _ := quantModel(t, rand.New(rand.NewSource(9)))
	_, err := LoadAdapter(root, t.TempDir())
	assert.ErrorIs(t, err, ErrNoAdapter)
}

func TestTensorName(t *testing.T) {
	cases := map[string]string{
		"base_model.model.model.layers.0.self_attn.q_proj.lora_A.weight":         "model.layers.0.self_attn.q_proj.lora_A.weight",
		"base_model.model.model.layers.0.self_attn.q_proj.lora_B.default.weight": "model.layers.0.self_attn.q_proj.lora_B.weight",
	}
	for in, want := range cases {
		assert.Equal(t, want, tensorName(in))
	}
}
