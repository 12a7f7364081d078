package quant

import (
	"fmt"

	"github.com/23skdu/longbow-qlora/internal/autograd"
	"github.com/23skdu/longbow-qlora/internal/device"
	"github.com/23skdu/longbow-qlora/internal/logger"
	"github.com/23skdu/longbow-qlora/internal/metrics"
	"github.com/23skdu/longbow-qlora/internal/nn"
	"github.com/23skdu/longbow-qlora/internal/tensor"
)

type Options struct {
	Bits      int
	GroupSize int
	// IsV1Model selects the per-row layout. It only exists for 4-bit
	// weights and is ignored, with a debug log, when Bits is 2.
	IsV1Model   bool
	DisableBias bool
}

// QuantLinear owns the packed weight of one linear layer. Buffers are
// allocated zeroed and filled by the checkpoint loader; Forward only reads
// them.
type QuantLinear struct {
	nn.Leaf

	InFeatures  int
	OutFeatures int
	Bits        int
	MaxQ        int
	GroupSize   int
	IsV1Model   bool
	DisableBias bool

	QWeight *tensor.Tensor
	Scales  *tensor.Tensor
	Zeros   *tensor.Tensor
	QZeros  *tensor.Tensor
	GIdx    *tensor.Tensor
	Bias    *tensor.Tensor

	reg *device.Registry
}

func NewQuantLinear(reg *device.Registry, in, out int, opts Options) *QuantLinear {
	if opts.IsV1Model && opts.Bits != 4 {
		logger.Log.Debug("v1 layout is 4-bit only, using the grouped layout", "bits", opts.Bits)
	}
	gs := opts.GroupSize
	if gs == -1 {
		gs = in
	}
	q := &QuantLinear{
		InFeatures:  in,
		OutFeatures: out,
		Bits:        opts.Bits,
		MaxQ:        1<<opts.Bits - 1,
		GroupSize:   gs,
		IsV1Model:   opts.IsV1Model && opts.Bits == 4,
		DisableBias: opts.DisableBias,
		QWeight:     tensor.New(tensor.I32, in*opts.Bits/32, out),
		reg:         reg,
	}
	if q.IsV1Model {
		q.Zeros = tensor.New(tensor.F32, out, 1)
		q.Scales = tensor.New(tensor.F32, out, 1)
	} else {
		groups := (in + gs - 1) / gs
		q.QZeros = tensor.New(tensor.I32, groups, out*opts.Bits/32)
		q.Scales = tensor.New(tensor.F32, groups, out)
		q.GIdx = tensor.New(tensor.I32, in)
		gidx := q.GIdx.Int32s()
		for i := range gidx {
			gidx[i] = int32(i / gs)
		}
	}
	if !opts.DisableBias {
		q.Bias = tensor.New(tensor.F32, out)
	}
	return q
}

func (q *QuantLinear) Shape() (int, int) { return q.InFeatures, q.OutFeatures }

func (q *QuantLinear) String() string {
	layout := "grouped"
	if q.IsV1Model {
		layout = "v1"
	}
	return fmt.Sprintf("QuantLinear(in=%d, out=%d, bits=%d, groupsize=%d, %s)", q.InFeatures, q.OutFeatures, q.Bits, q.GroupSize, layout)
}

// Operands returns the kernel view of the buffers.
func (q *QuantLinear) Operands() device.Operands {
	op := device.Operands{
		QWeight:     q.QWeight,
		Scales:      q.Scales,
		Bits:        q.Bits,
		MaxQ:        q.MaxQ,
		InFeatures:  q.InFeatures,
		OutFeatures: q.OutFeatures,
		GroupSize:   q.GroupSize,
	}
	if q.IsV1Model {
		op.Zeros = q.Zeros
	} else {
		op.QZeros = q.QZeros
		op.GIdx = q.GIdx
	}
	return op
}

func (q *QuantLinear) zeroSlot() *tensor.Tensor {
	if q.IsV1Model {
		return q.Zeros
	}
	return q.QZeros
}

func (q *QuantLinear) function(kernel device.Kernel) autograd.Function {
	if kernel == nil {
		return NotImplementedOp{}
	}
	if q.Bits == 2 {
		return Matmul2bit(kernel)
	}
	return Matmul4bit(kernel)
}

func (q *QuantLinear) Forward(tape *autograd.Tape, x *autograd.Variable) (*autograd.Variable, error) {
	if q.Bits != 4 && q.Bits != 2 {
		return nil, fmt.Errorf("%w: got %d", ErrUnsupportedBitwidth, q.Bits)
	}
	kernel, _ := q.reg.Active()

	var (
		y   *autograd.Variable
		err error
	)
	if q.Bits == 4 && !tape.GradEnabled() {
		if kernel == nil {
			return nil, ErrNotImplemented
		}
		out, kerr := kernel.MatMul(x.Value, q.Operands())
		if kerr != nil {
			return nil, kerr
		}
		y = autograd.NewConstant(out)
		metrics.RecordQuantForward(q.Bits, "direct")
	} else {
		var gidx *autograd.Variable
		if q.GIdx != nil {
			gidx = autograd.NewConstant(q.GIdx)
		}
		y, err = tape.Apply(q.function(kernel),
			x,
			autograd.NewConstant(q.QWeight),
			autograd.NewConstant(q.Scales),
			autograd.NewConstant(q.zeroSlot()),
			gidx,
			scalar(q.Bits),
			scalar(q.MaxQ),
		)
		if err != nil {
			return nil, err
		}
		metrics.RecordQuantForward(q.Bits, "autograd")
	}

	if q.Bias == nil || q.DisableBias {
		return y, nil
	}
	return autograd.AddBias(tape, y, autograd.NewConstant(q.Bias))
}

func (q *QuantLinear) BufferNames() []string {
	names := []string{"qweight", "scales"}
	if q.IsV1Model {
		names = append(names, "zeros")
	} else {
		names = append(names, "qzeros", "g_idx")
	}
	if q.Bias != nil {
		names = append(names, "bias")
	}
	return names
}

func (q *QuantLinear) Buffer(name string) *tensor.Tensor {
	switch name {
	case "qweight":
		return q.QWeight
	case "scales":
		return q.Scales
	case "zeros":
		return q.Zeros
	case "qzeros":
		return q.QZeros
	case "g_idx":
		return q.GIdx
	case "bias":
		return q.Bias
	}
	return nil
}

func (q *QuantLinear) SetBuffer(name string, t *tensor.Tensor) error {
	switch {
	case name == "qweight":
		q.QWeight = t
	case name == "scales":
		q.Scales = t
	case name == "zeros" && q.IsV1Model:
		q.Zeros = t
	case name == "qzeros" && !q.IsV1Model:
		q.QZeros = t
	case name == "g_idx" && !q.IsV1Model:
		q.GIdx = t
	case name == "bias" && q.Bias != nil:
		q.Bias = t
	default:
		return fmt.Errorf("%w: %q", nn.ErrNoBuffer, name)
	}
	return nil
}
