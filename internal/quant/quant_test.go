package quant

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-qlora/internal/autograd"
	"github.com/23skdu/longbow-qlora/internal/device"
	"github.com/23skdu/longbow-qlora/internal/nn"
	"github.com/23skdu/longbow-qlora/internal/tensor"
)

type countingKernel struct {
	device.Kernel
	matmuls, transposes int
}

func (k *countingKernel) MatMul(x *tensor.Tensor, op device.Operands) (*tensor.Tensor, error) {
	k.matmuls++
	return k.Kernel.MatMul(x, op)
}

func (k *countingKernel) MatMulTranspose(g *tensor.Tensor, op device.Operands) (*tensor.Tensor, error) {
	k.transposes++
	return k.Kernel.MatMulTranspose(g, op)
}

func newTestRegistry(t *testing.T) (*device.Registry, *countingKernel, *countingKernel) {
	t.Helper()
	fused, err := device.NewFusedKernel(device.Triton)
	if err != nil {
		t.Fatal(err)
	}
	cuda := &countingKernel{Kernel: device.NewReconsKernel(device.CUDA)}
	triton := &countingKernel{Kernel: fused}
	reg := device.NewRegistry(
		device.Candidate{Name: device.CUDA, Acquire: func() (device.Kernel, error) { return cuda, nil }},
		device.Candidate{Name: device.Triton, Acquire: func() (device.Kernel, error) { return triton, nil }},
	)
	return reg, cuda, triton
}

func randomWeight(rng *rand.Rand, out, in int) *tensor.Tensor {
	w := tensor.New(tensor.F32, out, in)
	for i := range w.Float32s() {
		w.Float32s()[i] = (rng.Float32()*2 - 1) * 0.1
	}
	return w
}

func randomInput(rng *rand.Rand, shape ...int) *tensor.Tensor {
	x := tensor.New(tensor.F32, shape...)
	for i := range x.Float32s() {
		x.Float32s()[i] = rng.Float32()*2 - 1
	}
	return x
}

func loaded(t *testing.T, reg *device.Registry, rng *rand.Rand, in, out int, opts Options) *QuantLinear {
	t.Helper()
	q := NewQuantLinear(reg, in, out, opts)
	w := randomWeight(rng, out, in)
	var (
		p   *Packed
		err error
	)
	if opts.IsV1Model {
		p, err = QuantizeV1(w)
	} else {
		p, err = Quantize(w, opts.Bits, opts.GroupSize)
	}
	if err != nil {
		t.Fatalf("quantize failed: %v", err)
	}
	if err := q.Load(p); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return q
}

func TestNewQuantLinearLayout(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	tests := []struct {
		name      string
		opts      Options
		qweight   []int
		scales    []int
		qzeros    []int
		groups    int
		hasZeros  bool
		gidxLen   int
		biasShape []int
	}{
		{"4bit g128", Options{Bits: 4, GroupSize: 128}, []int{64, 256}, []int{4, 256}, []int{4, 32}, 4, false, 512, []int{256}},
		{"4bit full", Options{Bits: 4, GroupSize: -1}, []int{64, 256}, []int{1, 256}, []int{1, 32}, 1, false, 512, []int{256}},
		{"2bit g100", Options{Bits: 2, GroupSize: 100}, []int{32, 256}, []int{6, 256}, []int{6, 16}, 6, false, 512, []int{256}},
		{"v1", Options{Bits: 4, GroupSize: -1, IsV1Model: true}, []int{64, 256}, []int{256, 1}, nil, 0, true, 0, []int{256}},
		{"2bit ignores v1", Options{Bits: 2, GroupSize: -1, IsV1Model: true}, []int{32, 256}, []int{1, 256}, []int{1, 16}, 1, false, 512, []int{256}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQuantLinear(reg, 512, 256, tt.opts)
			if diff := cmp.Diff(tt.qweight, q.QWeight.Shape()); diff != "" {
				t.Errorf("qweight shape (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.scales, q.Scales.Shape()); diff != "" {
				t.Errorf("scales shape (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.biasShape, q.Bias.Shape()); diff != "" {
				t.Errorf("bias shape (-want +got):\n%s", diff)
			}
			if tt.hasZeros {
				if q.Zeros == nil || q.QZeros != nil || q.GIdx != nil {
					t.Fatal("expected v1 layout with zeros and no g_idx")
				}
				return
			}
			if diff := cmp.Diff(tt.qzeros, q.QZeros.Shape()); diff != "" {
				t.Errorf("qzeros shape (-want +got):\n%s", diff)
			}
			gidx := q.GIdx.Int32s()
			if len(gidx) != tt.gidxLen {
				t.Fatalf("expected g_idx length %d, got %d", tt.gidxLen, len(gidx))
			}
			seen := map[int32]bool{}
			for i, g := range gidx {
				if int(g) != i/q.GroupSize {
					t.Fatalf("g_idx[%d]: expected %d, got %d", i, i/q.GroupSize, g)
				}
				seen[g] = true
			}
			if len(seen) != tt.groups {
				t.Errorf("expected %d distinct groups, got %d", tt.groups, len(seen))
			}
		})
	}
}

func TestForwardShape(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	q := NewQuantLinear(reg, 512, 96, Options{Bits: 4, GroupSize: 128})
	tape := autograd.NewTape()
	x := autograd.NewConstant(tensor.New(tensor.F32, 3, 512))
	y, err := q.Forward(tape, x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if diff := cmp.Diff([]int{3, 96}, y.Value.Shape()); diff != "" {
		t.Errorf("output shape (-want +got):\n%s", diff)
	}
	if y.Value.DType() != tensor.F16 {
		t.Errorf("expected F16 output from the operator, got %v", y.Value.DType())
	}
}

func TestForwardMatchesDense(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"4bit grouped", Options{Bits: 4, GroupSize: 32}},
		{"4bit v1", Options{Bits: 4, GroupSize: -1, IsV1Model: true}},
		{"2bit grouped", Options{Bits: 2, GroupSize: 16}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _, _ := newTestRegistry(t)
			rng := rand.New(rand.NewSource(11))
			q := loaded(t, reg, rng, 64, 32, tt.opts)
			q.DisableBias = true

			w, err := device.Dequantize(q.Operands())
			if err != nil {
				t.Fatal(err)
			}
			x := randomInput(rng, 4, 64)
			want, err := tensor.MatMul(x.Half(), w)
			if err != nil {
				t.Fatal(err)
			}

			tape := autograd.NewTape()
			for _, grad := range []bool{true, false} {
				tape.SetGradEnabled(grad)
				y, err := q.Forward(tape, autograd.NewConstant(x))
				if err != nil {
					t.Fatalf("Forward(grad=%v) failed: %v", grad, err)
				}
				if !tensor.AllClose(y.Value.Float(), want.Float(), 1e-2, 1e-2) {
					t.Errorf("grad=%v: max diff %v", grad, tensor.MaxAbsDiff(y.Value.Float(), want.Float()))
				}
			}
		})
	}
}

func TestDispatchPaths(t *testing.T) {
	reg, cuda, _ := newTestRegistry(t)
	q := NewQuantLinear(reg, 64, 32, Options{Bits: 4, GroupSize: 32})
	tape := autograd.NewTape()
	x := autograd.NewParameter("x", tensor.New(tensor.F32, 2, 64))

	if _, err := q.Forward(tape, x); err != nil {
		t.Fatal(err)
	}
	if tape.Len() != 2 {
		t.Errorf("expected operator and bias nodes on the tape, got %d", tape.Len())
	}

	tape.Reset()
	err := tape.NoGrad(func() error {
		_, err := q.Forward(tape, x)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if tape.Len() != 0 {
		t.Errorf("expected no nodes on the direct path, got %d", tape.Len())
	}
	if cuda.matmuls != 2 {
		t.Errorf("expected 2 kernel calls, got %d", cuda.matmuls)
	}
}

func TestBackendSwitchRoutesDirectPath(t *testing.T) {
	for _, bits := range []int{4, 2} {
		reg, cuda, triton := newTestRegistry(t)
		q := NewQuantLinear(reg, 64, 32, Options{Bits: bits, GroupSize: 32})
		tape := autograd.NewTape()
		tape.SetGradEnabled(false)
		x := autograd.NewConstant(tensor.New(tensor.F32, 1, 64))

		if reg.ActiveName() != device.CUDA {
			t.Fatalf("expected cuda active, got %q", reg.ActiveName())
		}
		if err := reg.Select(device.Triton); err != nil {
			t.Fatal(err)
		}
		if reg.ActiveName() != device.Triton {
			t.Errorf("expected triton active, got %q", reg.ActiveName())
		}
		if _, err := q.Forward(tape, x); err != nil {
			t.Fatalf("%d-bit: %v", bits, err)
		}
		if triton.matmuls != 1 || cuda.matmuls != 0 {
			t.Errorf("%d-bit: expected the call on triton only, got cuda=%d triton=%d", bits, cuda.matmuls, triton.matmuls)
		}
	}
}

func TestGradientIsolation(t *testing.T) {
	for _, bits := range []int{4, 2} {
		reg, cuda, _ := newTestRegistry(t)
		rng := rand.New(rand.NewSource(int64(bits)))
		q := loaded(t, reg, rng, 64, 32, Options{Bits: bits, GroupSize: 16})
		before := map[string][]byte{}
		for _, name := range q.BufferNames() {
			before[name] = q.Buffer(name).Bytes()
		}

		tape := autograd.NewTape()
		x := autograd.NewParameter("x", randomInput(rng, 3, 64))
		qw := autograd.NewParameter("qweight", q.QWeight)
		sc := autograd.NewParameter("scales", q.Scales)
		qz := autograd.NewParameter("qzeros", q.QZeros)
		gi := autograd.NewParameter("g_idx", q.GIdx)

		fn := Matmul4bit(cuda)
		if bits == 2 {
			fn = Matmul2bit(cuda)
		}
		y, err := tape.Apply(fn, x, qw, sc, qz, gi, scalar(bits), scalar(q.MaxQ))
		if err != nil {
			t.Fatalf("%d-bit forward failed: %v", bits, err)
		}
		grad := randomInput(rng, 3, 32)
		if err := tape.Backward(y, grad); err != nil {
			t.Fatalf("%d-bit backward failed: %v", bits, err)
		}

		for _, v := range []*autograd.Variable{qw, sc, qz, gi} {
			if v.Grad != nil {
				t.Errorf("%d-bit: expected no gradient on %s", bits, v.Name())
			}
		}
		want, err := cuda.Kernel.MatMulTranspose(grad.Half(), q.Operands())
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(want.Float().Float32s(), x.Grad.Float32s()); diff != "" {
			t.Errorf("%d-bit: grad_x differs from MatMulTranspose (-want +got):\n%s", bits, diff)
		}
		for _, name := range q.BufferNames() {
			if !reflect.DeepEqual(before[name], q.Buffer(name).Bytes()) {
				t.Errorf("%d-bit: buffer %s changed", bits, name)
			}
		}
	}
}

func TestBackwardSkipsWhenInputFrozen(t *testing.T) {
	_, cuda, _ := newTestRegistry(t)
	ctx := &autograd.FunctionContext{}
	grads, err := Matmul4bit(cuda).Backward(ctx, tensor.New(tensor.F16, 1, 32))
	if err != nil {
		t.Fatal(err)
	}
	if len(grads) != 7 {
		t.Fatalf("expected 7 gradient slots, got %d", len(grads))
	}
	for i, g := range grads {
		if g != nil {
			t.Errorf("slot %d: expected nil", i)
		}
	}
	if cuda.transposes != 0 {
		t.Error("expected no transpose kernel call")
	}
}

func TestNotImplementedWithoutBackend(t *testing.T) {
	reg := device.NewRegistry()
	q := NewQuantLinear(reg, 64, 32, Options{Bits: 4, GroupSize: 32})
	x := autograd.NewConstant(tensor.New(tensor.F32, 1, 64))

	tape := autograd.NewTape()
	if _, err := q.Forward(tape, x); !errors.Is(err, ErrNotImplemented) {
		t.Errorf("autograd path: expected ErrNotImplemented, got %v", err)
	}
	tape.SetGradEnabled(false)
	if _, err := q.Forward(tape, x); !errors.Is(err, ErrNotImplemented) {
		t.Errorf("direct path: expected ErrNotImplemented, got %v", err)
	}
}

func TestUnsupportedBitwidthAtForward(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	q := NewQuantLinear(reg, 64, 64, Options{Bits: 8, GroupSize: 32})
	if q.QWeight.Dim(0) != 16 {
		t.Errorf("expected construction to allocate 16 packed rows, got %d", q.QWeight.Dim(0))
	}
	_, err := q.Forward(autograd.NewTape(), autograd.NewConstant(tensor.New(tensor.F32, 1, 64)))
	if !errors.Is(err, ErrUnsupportedBitwidth) {
		t.Errorf("expected ErrUnsupportedBitwidth, got %v", err)
	}
}

type attention struct{ nn.Container }

func newModel() *nn.Container {
	root := &nn.Container{}
	layers := &nn.Container{}
	for _, idx := range []string{"0", "1"} {
		a := &attention{}
		a.Add("q_proj", nn.NewLinear(64, 64, false))
		a.Add("v_proj", nn.NewLinear(64, 32, false))
		layer := &nn.Container{}
		layer.Add("self_attn", a)
		layers.Add(idx, layer)
	}
	root.Add("layers", layers)
	root.Add("lm_head", nn.NewLinear(64, 100, false))
	return root
}

type node struct {
	Path  string
	Type  string
	Shape [2]int
}

func describe(root nn.Module) []node {
	var out []node
	_ = nn.Walk(root, func(path string, m nn.Module) error {
		n := node{Path: path, Type: reflect.TypeOf(m).String()}
		if s, ok := m.(nn.Shaped); ok {
			n.Shape[0], n.Shape[1] = s.Shape()
		}
		out = append(out, n)
		return nil
	})
	return out
}

func TestInstallIdempotent(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	opts := Options{Bits: 4, GroupSize: 32}

	once := newModel()
	targets := nn.SortedKeys(nn.FindLinear(once, "lm_head"))
	n, err := Install(once, targets, reg, opts)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("expected 4 replacements, got %d", n)
	}

	twice := newModel()
	for i := 0; i < 2; i++ {
		if _, err := Install(twice, targets, reg, opts); err != nil {
			t.Fatal(err)
		}
	}
	if diff := cmp.Diff(describe(once), describe(twice)); diff != "" {
		t.Errorf("second install changed the tree (-once +twice):\n%s", diff)
	}

	m, err := nn.Get(once, "layers.1.self_attn.v_proj")
	if err != nil {
		t.Fatal(err)
	}
	q, ok := m.(*QuantLinear)
	if !ok {
		t.Fatalf("expected *QuantLinear, got %T", m)
	}
	if in, out := q.Shape(); in != 64 || out != 32 {
		t.Errorf("expected shape (64, 32), got (%d, %d)", in, out)
	}
	if _, ok := nn.FindLinear(once)["lm_head"]; !ok {
		t.Error("expected lm_head to stay dense")
	}
}

func TestPrecisionRoundTrip(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	root := newModel()
	targets := nn.SortedKeys(nn.FindLinear(root, "lm_head"))
	if _, err := Install(root, targets, reg, Options{Bits: 4, GroupSize: 32}); err != nil {
		t.Fatal(err)
	}
	v1 := &nn.Container{}
	v1.Add("proj", NewQuantLinear(reg, 64, 32, Options{Bits: 4, GroupSize: -1, IsV1Model: true}))
	root.Add("extra", v1)

	ints := map[string][]byte{}
	for name, b := range nn.NamedBuffers(root) {
		if b.DType() == tensor.I32 {
			ints[name] = b.Bytes()
		}
	}

	if err := ToFloat(root); err != nil {
		t.Fatal(err)
	}
	if err := ToHalf(root); err != nil {
		t.Fatal(err)
	}
	for name, b := range nn.NamedBuffers(root) {
		if want, ok := ints[name]; ok {
			if b.DType() != tensor.I32 || !reflect.DeepEqual(want, b.Bytes()) {
				t.Errorf("%s: integer buffer changed", name)
			}
			continue
		}
		if b.DType() != tensor.F16 {
			t.Errorf("%s: expected F16, got %v", name, b.DType())
		}
	}

	if err := ToFloat(root); err != nil {
		t.Fatal(err)
	}
	for path, q := range QuantLayers(root) {
		if q.Scales.DType() != tensor.F32 || q.Bias.DType() != tensor.F32 {
			t.Errorf("%s: expected F32 scales and bias", path)
		}
		if q.IsV1Model && q.Zeros.DType() != tensor.F32 {
			t.Errorf("%s: expected F32 zeros", path)
		}
	}
}

func TestPackLayout(t *testing.T) {
	// Eight 4-bit rows of one column pack into one word, row 0 lowest.
	q := []int32{1, 2, 3, 4, 5, 6, 7, 8}
	got, err := Pack(q, 8, 1, 4)
	if err != nil {
		t.Fatal(err)
	}
	if w := uint32(got.Int32s()[0]); w != 0x87654321 {
		t.Errorf("expected 0x87654321, got %#x", w)
	}
	cols, err := PackColumns(q, 1, 8, 4)
	if err != nil {
		t.Fatal(err)
	}
	if w := uint32(cols.Int32s()[0]); w != 0x87654321 {
		t.Errorf("expected 0x87654321, got %#x", w)
	}
	if _, err := Pack(q[:6], 6, 1, 4); err == nil {
		t.Error("expected error for rows not divisible by 8")
	}
}
