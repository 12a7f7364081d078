package device

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/23skdu/longbow-qlora/internal/tensor"
)

func randomOperands(rng *rand.Rand, bits, in, out, groupSize int, legacy bool) Operands {
	per := 32 / bits
	qw := make([]int32, in/per*out)
	for i := range qw {
		qw[i] = int32(rng.Uint32())
	}
	op := Operands{
		QWeight:     tensor.FromInt32(qw, in/per, out),
		Bits:        bits,
		MaxQ:        1<<bits - 1,
		InFeatures:  in,
		OutFeatures: out,
		GroupSize:   groupSize,
	}
	if legacy {
		scales := make([]float32, out)
		zeros := make([]float32, out)
		for i := range scales {
			scales[i] = 0.01 + rng.Float32()*0.05
			zeros[i] = float32(rng.Intn(16))
		}
		op.Scales = tensor.FromFloat32(scales, out, 1)
		op.Zeros = tensor.FromFloat32(zeros, out, 1)
		return op
	}
	groups := (in + groupSize - 1) / groupSize
	scales := make([]float32, groups*out)
	for i := range scales {
		scales[i] = 0.01 + rng.Float32()*0.05
	}
	qz := make([]int32, groups*out/per)
	for i := range qz {
		qz[i] = int32(rng.Uint32())
	}
	gidx := make([]int32, in)
	for i := range gidx {
		gidx[i] = int32(i / groupSize)
	}
	op.Scales = tensor.FromFloat32(scales, groups, out)
	op.QZeros = tensor.FromInt32(qz, groups, out/per)
	op.GIdx = tensor.FromInt32(gidx, in)
	return op
}

func randomInput(rng *rand.Rand, shape ...int) *tensor.Tensor {
	x := tensor.New(tensor.F32, shape...)
	for i := range x.Float32s() {
		x.Float32s()[i] = rng.Float32()*2 - 1
	}
	return x
}

func TestUnpack(t *testing.T) {
	word := int32(0x76543210)
	for j := 0; j < 8; j++ {
		if got := unpack(word, j, 4, 15); got != int32(j) {
			t.Errorf("nibble %d: expected %d, got %d", j, j, got)
		}
	}
	// 0b11_10_01_00 repeated
	word = int32(0xE4E4E4E4 - (1 << 32))
	for j := 0; j < 16; j++ {
		if got := unpack(word, j, 2, 3); got != int32(j%4) {
			t.Errorf("field %d: expected %d, got %d", j, j%4, got)
		}
	}
}

func TestDequantizeGroupedByHand(t *testing.T) {
	// One packed row: inputs 0..7 of column c hold value c for every c.
	in, out := 8, 8
	qw := make([]int32, out)
	for c := range qw {
		var w uint32
		for j := 0; j < 8; j++ {
			w |= uint32(c) << (4 * j)
		}
		qw[c] = int32(w)
	}
	// Stored zero-1 is 1 for every column, so the effective zero is 2.
	qz := []int32{0x11111111}
	scales := tensor.Full(tensor.F32, 0.5, 1, out)
	op := Operands{
		QWeight:     tensor.FromInt32(qw, 1, out),
		Scales:      scales,
		QZeros:      tensor.FromInt32(qz, 1, 1),
		GIdx:        tensor.New(tensor.I32, in),
		Bits:        4,
		MaxQ:        15,
		InFeatures:  in,
		OutFeatures: out,
		GroupSize:   in,
	}
	w, err := Dequantize(op)
	if err != nil {
		t.Fatalf("Dequantize failed: %v", err)
	}
	for i := 0; i < in; i++ {
		for c := 0; c < out; c++ {
			want := 0.5 * float32(c-2)
			if got := w.Float32s()[i*out+c]; got != want {
				t.Fatalf("w[%d][%d]: expected %v, got %v", i, c, want, got)
			}
		}
	}
}

func TestLegacyMatMul(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	in, out := 64, 32
	op := randomOperands(rng, 4, in, out, -1, true)
	x := randomInput(rng, 3, in)

	// Build x @ (scale * (q - zero)) directly from the packed words.
	qw := op.QWeight.Int32s()
	want := make([]float32, 3*out)
	for b := 0; b < 3; b++ {
		for c := 0; c < out; c++ {
			var acc float64
			for i := 0; i < in; i++ {
				q := (uint32(qw[(i/8)*out+c]) >> (4 * uint(i%8))) & 15
				w := op.Scales.Float32s()[c] * (float32(q) - op.Zeros.Float32s()[c])
				acc += float64(x.Float32s()[b*in+i]) * float64(w)
			}
			want[b*out+c] = float32(acc)
		}
	}

	got, err := NewReconsKernel(CUDA).MatMul(x, op)
	if err != nil {
		t.Fatalf("MatMul failed: %v", err)
	}
	if !tensor.AllClose(got, tensor.FromFloat32(want, 3, out), 1e-2, 1e-4) {
		t.Errorf("legacy matmul differs from formula, max diff %v", tensor.MaxAbsDiff(got, tensor.FromFloat32(want, 3, out)))
	}
}

func TestKernelsAgree(t *testing.T) {
	fused, err := NewFusedKernel(Triton)
	if err != nil {
		t.Fatal(err)
	}
	recons := NewReconsKernel(CUDA)
	defer recons.Free()

	tests := []struct {
		name      string
		bits      int
		in, out   int
		groupSize int
	}{
		{"4bit/g32", 4, 128, 96, 32},
		{"4bit/full", 4, 64, 64, 64},
		{"2bit/g16", 2, 64, 80, 16},
		{"4bit/ragged-groups", 4, 96, 32, 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(int64(tt.in*tt.out + tt.bits)))
			op := randomOperands(rng, tt.bits, tt.in, tt.out, tt.groupSize, false)
			x := randomInput(rng, 2, 3, tt.in)
			g := randomInput(rng, 2, 3, tt.out)

			ref, err := ReferenceMatMul(x, op)
			if err != nil {
				t.Fatalf("ReferenceMatMul failed: %v", err)
			}
			refT, err := ReferenceMatMulTranspose(g, op)
			if err != nil {
				t.Fatalf("ReferenceMatMulTranspose failed: %v", err)
			}
			for _, k := range []Kernel{recons, fused} {
				y, err := k.MatMul(x, op)
				if err != nil {
					t.Fatalf("%s MatMul failed: %v", k.Name(), err)
				}
				if y.Dim(0) != 2 || y.Dim(1) != 3 || y.Dim(2) != tt.out {
					t.Errorf("%s: expected shape [2 3 %d], got %v", k.Name(), tt.out, y.Shape())
				}
				if !tensor.AllClose(y, ref, 1e-3, 1e-3) {
					t.Errorf("%s MatMul differs from reference by %v", k.Name(), tensor.MaxAbsDiff(y, ref))
				}
				gx, err := k.MatMulTranspose(g, op)
				if err != nil {
					t.Fatalf("%s MatMulTranspose failed: %v", k.Name(), err)
				}
				if !tensor.AllClose(gx, refT, 1e-3, 1e-3) {
					t.Errorf("%s MatMulTranspose differs from reference by %v", k.Name(), tensor.MaxAbsDiff(gx, refT))
				}
			}
		})
	}
}

func TestOutputFollowsInputDType(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	op := randomOperands(rng, 4, 32, 32, 32, false)
	x := randomInput(rng, 2, 32).Half()
	y, err := NewReconsKernel(CUDA).MatMul(x, op)
	if err != nil {
		t.Fatal(err)
	}
	if y.DType() != tensor.F16 {
		t.Errorf("expected F16 output, got %v", y.DType())
	}
}

func TestFusedRejectsLegacy(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	op := randomOperands(rng, 4, 32, 32, -1, true)
	k, err := NewFusedKernel(Triton)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := k.MatMul(randomInput(rng, 1, 32), op); !errors.Is(err, ErrLayoutUnsupported) {
		t.Errorf("expected ErrLayoutUnsupported, got %v", err)
	}
}

func TestFusedCachesSpecializations(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	k, err := NewFusedKernel(Triton)
	if err != nil {
		t.Fatal(err)
	}
	op := randomOperands(rng, 4, 64, 32, 32, false)
	for i := 0; i < 3; i++ {
		if _, err := k.MatMul(randomInput(rng, 1, 64), op); err != nil {
			t.Fatal(err)
		}
	}
	if k.Compiled() != 1 {
		t.Errorf("expected 1 compiled specialization, got %d", k.Compiled())
	}
	op2 := randomOperands(rng, 2, 64, 32, 32, false)
	if _, err := k.MatMul(randomInput(rng, 1, 64), op2); err != nil {
		t.Fatal(err)
	}
	if k.Compiled() != 2 {
		t.Errorf("expected 2 compiled specializations, got %d", k.Compiled())
	}
}

func TestValidate(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	good := randomOperands(rng, 4, 64, 32, 32, false)

	tests := []struct {
		name   string
		mutate func(op *Operands)
	}{
		{"bits", func(op *Operands) { op.Bits = 3 }},
		{"maxq", func(op *Operands) { op.MaxQ = 7 }},
		{"qweight shape", func(op *Operands) { op.QWeight = tensor.New(tensor.I32, 4, 32) }},
		{"qweight dtype", func(op *Operands) { op.QWeight = tensor.New(tensor.F32, 8, 32) }},
		{"g_idx length", func(op *Operands) { op.GIdx = tensor.New(tensor.I32, 10) }},
		{"g_idx range", func(op *Operands) {
			g := tensor.New(tensor.I32, 64)
			g.Int32s()[5] = 9
			op.GIdx = g
		}},
		{"qzeros", func(op *Operands) { op.QZeros = nil }},
		{"legacy 2bit", func(op *Operands) {
			op.Bits, op.MaxQ, op.GIdx = 2, 3, nil
			op.QWeight = tensor.New(tensor.I32, 4, 32)
		}},
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("expected valid operands, got %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := good
			tt.mutate(&op)
			if err := op.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestInputShapeChecked(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	op := randomOperands(rng, 4, 64, 32, 32, false)
	if _, err := NewReconsKernel(CUDA).MatMul(randomInput(rng, 2, 48), op); err == nil {
		t.Error("expected error for mismatched input features")
	}
}
