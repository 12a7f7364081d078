package quant

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-qlora/internal/tensor"
)

// Packed holds GPTQ-layout buffers produced by Quantize or QuantizeV1.
type Packed struct {
	Bits      int
	GroupSize int

	QWeight *tensor.Tensor
	Scales  *tensor.Tensor
	Zeros   *tensor.Tensor
	QZeros  *tensor.Tensor
	GIdx    *tensor.Tensor
}

// Pack packs q [rows, cols] along rows: word (r, c) holds rows
// r*32/bits .. r*32/bits+32/bits-1 of column c.
func Pack(q []int32, rows, cols, bits int) (*tensor.Tensor, error) {
	per := 32 / bits
	if rows%per != 0 {
		return nil, fmt.Errorf("pack: %d rows not divisible by %d", rows, per)
	}
	out := make([]int32, rows/per*cols)
	for r := 0; r < rows; r++ {
		shift := uint(r%per) * uint(bits)
		for c := 0; c < cols; c++ {
			out[(r/per)*cols+c] |= int32(uint32(q[r*cols+c]) << shift)
		}
	}
	return tensor.FromInt32(out, rows/per, cols), nil
}

// PackColumns packs q [rows, cols] along columns, the qzeros layout.
func PackColumns(q []int32, rows, cols, bits int) (*tensor.Tensor, error) {
	per := 32 / bits
	if cols%per != 0 {
		return nil, fmt.Errorf("pack: %d columns not divisible by %d", cols, per)
	}
	out := make([]int32, rows*cols/per)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			shift := uint(c%per) * uint(bits)
			out[r*cols/per+c/per] |= int32(uint32(q[r*cols+c]) << shift)
		}
	}
	return tensor.FromInt32(out, rows, cols/per), nil
}

func rangeParams(lo, hi float32, maxq int) (scale float32, zero int) {
	if lo > 0 {
		lo = 0
	}
	if hi < 0 {
		hi = 0
	}
	scale = (hi - lo) / float32(maxq)
	if scale == 0 {
		scale = 1
	}
	zero = int(math.Round(float64(-lo / scale)))
	return scale, zero
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Quantize rounds w [out, in] to nearest into the grouped layout.
// groupSize -1 means one group spanning every input.
func Quantize(w *tensor.Tensor, bits, groupSize int) (*Packed, error) {
	if bits != 2 && bits != 4 {
		return nil, fmt.Errorf("%w: got %d", ErrUnsupportedBitwidth, bits)
	}
	if w.Rank() != 2 {
		return nil, fmt.Errorf("quantize: weight must be [out, in], got %v", w.Shape())
	}
	out, in := w.Dim(0), w.Dim(1)
	if groupSize == -1 {
		groupSize = in
	}
	maxq := 1<<bits - 1
	groups := (in + groupSize - 1) / groupSize
	wv := w.Floats()

	q := make([]int32, in*out)
	scales := make([]float32, groups*out)
	zeros := make([]int32, groups*out)
	gidx := make([]int32, in)
	for i := range gidx {
		gidx[i] = int32(i / groupSize)
	}
	for o := 0; o < out; o++ {
		for g := 0; g < groups; g++ {
			i0, i1 := g*groupSize, min((g+1)*groupSize, in)
			lo, hi := wv[o*in+i0], wv[o*in+i0]
			for i := i0; i < i1; i++ {
				lo = min(lo, wv[o*in+i])
				hi = max(hi, wv[o*in+i])
			}
			scale, zero := rangeParams(lo, hi, maxq)
			// qzeros stores zero-1, so the stored zero must be at least 1.
			zero = clampInt(zero, 1, maxq)
			scales[g*out+o] = scale
			zeros[g*out+o] = int32(zero - 1)
			for i := i0; i < i1; i++ {
				v := int(math.Round(float64(wv[o*in+i]/scale))) + zero
				q[i*out+o] = int32(clampInt(v, 0, maxq))
			}
		}
	}

	qweight, err := Pack(q, in, out, bits)
	if err != nil {
		return nil, err
	}
	qzeros, err := PackColumns(zeros, groups, out, bits)
	if err != nil {
		return nil, err
	}
	return &Packed{
		Bits:      bits,
		GroupSize: groupSize,
		QWeight:   qweight,
		Scales:    tensor.FromFloat32(scales, groups, out),
		QZeros:    qzeros,
		GIdx:      tensor.FromInt32(gidx, in),
	}, nil
}

// QuantizeV1 rounds w [out, in] into the legacy 4-bit per-row layout.
func QuantizeV1(w *tensor.Tensor) (*Packed, error) {
	if w.Rank() != 2 {
		return nil, fmt.Errorf("quantize: weight must be [out, in], got %v", w.Shape())
	}
	const bits, maxq = 4, 15
	out, in := w.Dim(0), w.Dim(1)
	wv := w.Floats()
	q := make([]int32, in*out)
	scales := make([]float32, out)
	zeros := make([]float32, out)
	for o := 0; o < out; o++ {
		row := wv[o*in : (o+1)*in]
		lo, hi := row[0], row[0]
		for _, v := range row {
			lo, hi = min(lo, v), max(hi, v)
		}
		scale, zero := rangeParams(lo, hi, maxq)
		zero = clampInt(zero, 0, maxq)
		scales[o], zeros[o] = scale, float32(zero)
		for i, v := range row {
			q[i*out+o] = int32(clampInt(int(math.Round(float64(v/scale)))+zero, 0, maxq))
		}
	}
	qweight, err := Pack(q, in, out, bits)
	if err != nil {
		return nil, err
	}
	return &Packed{
		Bits:      bits,
		GroupSize: in,
		QWeight:   qweight,
		Scales:    tensor.FromFloat32(scales, out, 1),
		Zeros:     tensor.FromFloat32(zeros, out, 1),
	}, nil
}

// Load copies packed buffers into q. Shapes must match exactly.
func (q *QuantLinear) Load(p *Packed) error {
	pairs := map[string]*tensor.Tensor{
		"qweight": p.QWeight,
		"scales":  p.Scales,
		"zeros":   p.Zeros,
		"qzeros":  p.QZeros,
		"g_idx":   p.GIdx,
	}
	for _, name := range q.BufferNames() {
		src, ok := pairs[name]
		if !ok {
			continue
		}
		dst := q.Buffer(name)
		if src == nil {
			return fmt.Errorf("load %s: missing in packed weights", name)
		}
		if fmt.Sprint(src.Shape()) != fmt.Sprint(dst.Shape()) {
			return tensor.ShapeError{Op: "load " + name, Want: dst.Shape(), Got: src.Shape()}
		}
		if err := dst.CopyFrom(src); err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}
