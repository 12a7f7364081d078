package device

import (
	"github.com/23skdu/longbow-qlora/internal/tensor"
)

// unpack reads the bits-wide field j of a packed word.
func unpack(word int32, j, bits int, maxq uint32) int32 {
	return int32((uint32(word) >> (uint(j) * uint(bits))) & maxq)
}

// Dequantize expands the packed weight into an F32 [in, out] matrix.
func Dequantize(op Operands) (*tensor.Tensor, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	w := make([]float32, op.InFeatures*op.OutFeatures)
	if op.Legacy() {
		dequantizeV1(op, w)
	} else {
		dequantizeGrouped(op, w, 0, op.OutFeatures)
	}
	return tensor.FromFloat32(w, op.InFeatures, op.OutFeatures), nil
}

// dequantizeV1 writes scale[o] * (q - zero[o]).
func dequantizeV1(op Operands, w []float32) {
	in, out := op.InFeatures, op.OutFeatures
	per := op.perWord()
	maxq := uint32(op.MaxQ)
	qw := op.QWeight.Int32s()
	scales := op.Scales.Floats()
	zeros := op.Zeros.Floats()
	for r := 0; r < in/per; r++ {
		for c := 0; c < out; c++ {
			word := qw[r*out+c]
			for j := 0; j < per; j++ {
				q := float32(unpack(word, j, op.Bits, maxq))
				w[(r*per+j)*out+c] = scales[c] * (q - zeros[c])
			}
		}
	}
}

// dequantizeGrouped writes columns [c0, c1) of
// scale[g][o] * (q - (qzero[g][o] + 1)) with g = g_idx[i].
func dequantizeGrouped(op Operands, w []float32, c0, c1 int) {
	in, out := op.InFeatures, op.OutFeatures
	per := op.perWord()
	maxq := uint32(op.MaxQ)
	qw := op.QWeight.Int32s()
	qz := op.QZeros.Int32s()
	gidx := op.GIdx.Int32s()
	scales := op.Scales.Floats()
	zcols := out / per
	for r := 0; r < in/per; r++ {
		for c := c0; c < c1; c++ {
			word := qw[r*out+c]
			for j := 0; j < per; j++ {
				i := r*per + j
				g := int(gidx[i])
				z := float32(unpack(qz[g*zcols+c/per], c%per, op.Bits, maxq) + 1)
				q := float32(unpack(word, j, op.Bits, maxq))
				w[i*out+c] = scales[g*out+c] * (q - z)
			}
		}
	}
}
