package device

import (
	"sync"
	"time"

	"github.com/23skdu/longbow-qlora/internal/metrics"
	"github.com/23skdu/longbow-qlora/internal/tensor"
)

// scratchPool hands out dequantization buffers keyed by weight shape.
type scratchPool struct {
	mu    sync.Mutex
	free  map[[2]int][][]float32
	bytes int64
}

func newScratchPool() *scratchPool {
	return &scratchPool{free: make(map[[2]int][][]float32)}
}

func (p *scratchPool) get(in, out int) []float32 {
	key := [2]int{in, out}
	p.mu.Lock()
	defer p.mu.Unlock()
	if bufs := p.free[key]; len(bufs) > 0 {
		buf := bufs[len(bufs)-1]
		p.free[key] = bufs[:len(bufs)-1]
		return buf
	}
	p.bytes += int64(in * out * 4)
	metrics.RecordScratchMemory(p.bytes)
	return make([]float32, in*out)
}

func (p *scratchPool) put(in, out int, buf []float32) {
	key := [2]int{in, out}
	p.mu.Lock()
	p.free[key] = append(p.free[key], buf)
	p.mu.Unlock()
}

func (p *scratchPool) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, bufs := range p.free {
		p.bytes -= int64(len(bufs) * key[0] * key[1] * 4)
	}
	p.free = make(map[[2]int][][]float32)
	metrics.RecordScratchMemory(p.bytes)
}

// ReconsKernel reconstructs the dequantized weight into a pooled scratch
// buffer and runs a dense GEMM over it. It is registered as "cuda".
type ReconsKernel struct {
	name string
	pool *scratchPool
}

func NewReconsKernel(name string) *ReconsKernel {
	return &ReconsKernel{name: name, pool: newScratchPool()}
}

func (k *ReconsKernel) Name() string { return k.name }

// Free drops every pooled scratch buffer.
func (k *ReconsKernel) Free() { k.pool.release() }

func (k *ReconsKernel) reconstruct(op Operands) ([]float32, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	w := k.pool.get(op.InFeatures, op.OutFeatures)
	if op.Legacy() {
		dequantizeV1(op, w)
	} else {
		dequantizeGrouped(op, w, 0, op.OutFeatures)
	}
	return w, nil
}

func (k *ReconsKernel) MatMul(x *tensor.Tensor, op Operands) (y *tensor.Tensor, err error) {
	defer observe(k.name, "matmul", time.Now(), &err)
	rows, err := checkInput(x, op.InFeatures, "MatMul")
	if err != nil {
		return nil, err
	}
	w, err := k.reconstruct(op)
	if err != nil {
		return nil, err
	}
	defer k.pool.put(op.InFeatures, op.OutFeatures, w)

	out := make([]float32, rows*op.OutFeatures)
	tensor.Gemm(false, false, rows, op.OutFeatures, op.InFeatures, 1, x.Floats(), w, 0, out)
	return tensor.FromFloat32(out, outputShape(x, op.OutFeatures)...).To(x.DType()), nil
}

func (k *ReconsKernel) MatMulTranspose(g *tensor.Tensor, op Operands) (y *tensor.Tensor, err error) {
	defer observe(k.name, "matmul_transpose", time.Now(), &err)
	rows, err := checkInput(g, op.OutFeatures, "MatMulTranspose")
	if err != nil {
		return nil, err
	}
	w, err := k.reconstruct(op)
	if err != nil {
		return nil, err
	}
	defer k.pool.put(op.InFeatures, op.OutFeatures, w)

	out := make([]float32, rows*op.InFeatures)
	tensor.Gemm(false, true, rows, op.InFeatures, op.OutFeatures, 1, g.Floats(), w, 0, out)
	return tensor.FromFloat32(out, outputShape(g, op.InFeatures)...).To(g.DType()), nil
}
