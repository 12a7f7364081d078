// Package device holds the quantized matmul kernels and the registry that
// picks one of them at process start.
package device

import (
	"errors"
	"fmt"
	"time"

	"github.com/23skdu/longbow-qlora/internal/metrics"
	"github.com/23skdu/longbow-qlora/internal/tensor"
)

var (
	ErrBackendUnavailable  = errors.New("backend is not available")
	ErrBackendNotSupported = errors.New("backend not supported")
	ErrLayoutUnsupported   = errors.New("quantized layout not supported by kernel")
)

// Operands are the packed weight-side buffers of one quantized layer.
//
// QWeight is I32 [in*bits/32, out]; each word packs 32/bits consecutive input
// rows at bit offset j*bits. The grouped layout carries Scales [groups, out],
// QZeros I32 [groups, out*bits/32] and GIdx I32 [in]. The legacy layout sets
// GIdx and QZeros to nil and carries float Scales and Zeros of shape [out, 1].
type Operands struct {
	QWeight *tensor.Tensor
	Scales  *tensor.Tensor
	Zeros   *tensor.Tensor
	QZeros  *tensor.Tensor
	GIdx    *tensor.Tensor

	Bits        int
	MaxQ        int
	InFeatures  int
	OutFeatures int
	GroupSize   int
}

// Legacy reports whether the operands use the v1 layout.
func (op Operands) Legacy() bool { return op.GIdx == nil }

func (op Operands) perWord() int { return 32 / op.Bits }

// Validate checks that the buffers agree with the declared geometry.
func (op Operands) Validate() error {
	if op.Bits != 2 && op.Bits != 4 {
		return fmt.Errorf("unsupported bit-width %d", op.Bits)
	}
	if op.MaxQ != 1<<op.Bits-1 {
		return fmt.Errorf("maxq %d does not match %d bits", op.MaxQ, op.Bits)
	}
	in, out := op.InFeatures, op.OutFeatures
	if in <= 0 || out <= 0 || in%op.perWord() != 0 {
		return fmt.Errorf("invalid geometry in=%d out=%d for %d bits", in, out, op.Bits)
	}
	if op.QWeight == nil || op.QWeight.DType() != tensor.I32 {
		return errors.New("qweight must be an I32 tensor")
	}
	if want := []int{in / op.perWord(), out}; !sameShape(op.QWeight.Shape(), want) {
		return tensor.ShapeError{Op: "qweight", Want: want, Got: op.QWeight.Shape()}
	}
	if op.Scales == nil || !op.Scales.DType().IsFloat() {
		return errors.New("scales must be a floating-point tensor")
	}

	if op.Legacy() {
		if op.Bits != 4 {
			return fmt.Errorf("%w: legacy layout is 4-bit only", ErrLayoutUnsupported)
		}
		if op.Zeros == nil || !op.Zeros.DType().IsFloat() {
			return errors.New("legacy layout needs floating-point zeros")
		}
		if op.Scales.NumElements() != out || op.Zeros.NumElements() != out {
			return tensor.ShapeError{Op: "scales/zeros", Want: []int{out, 1}, Got: op.Scales.Shape()}
		}
		return nil
	}

	if op.GIdx.DType() != tensor.I32 || op.GIdx.NumElements() != in {
		return tensor.ShapeError{Op: "g_idx", Want: []int{in}, Got: op.GIdx.Shape()}
	}
	if op.QZeros == nil || op.QZeros.DType() != tensor.I32 {
		return errors.New("grouped layout needs I32 qzeros")
	}
	if out%op.perWord() != 0 {
		return fmt.Errorf("out features %d not divisible by %d", out, op.perWord())
	}
	groups := op.Scales.Dim(0)
	if want := []int{groups, out}; !sameShape(op.Scales.Shape(), want) {
		return tensor.ShapeError{Op: "scales", Want: want, Got: op.Scales.Shape()}
	}
	if want := []int{groups, out / op.perWord()}; !sameShape(op.QZeros.Shape(), want) {
		return tensor.ShapeError{Op: "qzeros", Want: want, Got: op.QZeros.Shape()}
	}
	for i, g := range op.GIdx.Int32s() {
		if g < 0 || int(g) >= groups {
			return fmt.Errorf("g_idx[%d]=%d out of range [0, %d)", i, g, groups)
		}
	}
	return nil
}

// Kernel multiplies activations by a packed quantized weight.
type Kernel interface {
	Name() string
	// MatMul maps x[..., in] to [..., out].
	MatMul(x *tensor.Tensor, op Operands) (*tensor.Tensor, error)
	// MatMulTranspose maps g[..., out] to [..., in], the input gradient.
	MatMulTranspose(g *tensor.Tensor, op Operands) (*tensor.Tensor, error)
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func checkInput(x *tensor.Tensor, want int, op string) (rows int, err error) {
	if x.Rank() == 0 || x.Dim(-1) != want {
		return 0, tensor.ShapeError{Op: op, Want: []int{-1, want}, Got: x.Shape()}
	}
	rows, _ = x.Rows()
	return rows, nil
}

func outputShape(x *tensor.Tensor, last int) []int {
	s := x.Shape()
	s[len(s)-1] = last
	return s
}

func observe(backend, op string, start time.Time, err *error) {
	if *err != nil {
		metrics.RecordKernelError(backend, op)
		return
	}
	metrics.RecordKernelDuration(backend, op, time.Since(start))
}
