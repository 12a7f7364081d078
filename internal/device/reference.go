package device

import (
	"github.com/23skdu/longbow-qlora/internal/tensor"
)

// ReferenceMatMul is the plain CPU implementation used to check the kernels.
// It dequantizes the full weight and accumulates in float64.
func ReferenceMatMul(x *tensor.Tensor, op Operands) (*tensor.Tensor, error) {
	rows, err := checkInput(x, op.InFeatures, "ReferenceMatMul")
	if err != nil {
		return nil, err
	}
	w, err := Dequantize(op)
	if err != nil {
		return nil, err
	}
	in, out := op.InFeatures, op.OutFeatures
	xv, wv := x.Floats(), w.Float32s()
	y := make([]float32, rows*out)
	for r := 0; r < rows; r++ {
		for c := 0; c < out; c++ {
			var acc float64
			for i := 0; i < in; i++ {
				acc += float64(xv[r*in+i]) * float64(wv[i*out+c])
			}
			y[r*out+c] = float32(acc)
		}
	}
	return tensor.FromFloat32(y, outputShape(x, out)...).To(x.DType()), nil
}

// ReferenceMatMulTranspose computes g @ W^T.
func ReferenceMatMulTranspose(g *tensor.Tensor, op Operands) (*tensor.Tensor, error) {
	rows, err := checkInput(g, op.OutFeatures, "ReferenceMatMulTranspose")
	if err != nil {
		return nil, err
	}
	w, err := Dequantize(op)
	if err != nil {
		return nil, err
	}
	in, out := op.InFeatures, op.OutFeatures
	gv, wv := g.Floats(), w.Float32s()
	y := make([]float32, rows*in)
	for r := 0; r < rows; r++ {
		for i := 0; i < in; i++ {
			var acc float64
			for c := 0; c < out; c++ {
				acc += float64(gv[r*out+c]) * float64(wv[i*out+c])
			}
			y[r*in+i] = float32(acc)
		}
	}
	return tensor.FromFloat32(y, outputShape(g, in)...).To(g.DType()), nil
}
