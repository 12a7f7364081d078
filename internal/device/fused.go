package device

import (
	"fmt"
	"runtime"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-qlora/internal/logger"
	"github.com/23skdu/longbow-qlora/internal/tensor"
)

const (
	defaultTileCols  = 64
	specCacheEntries = 128
)

type specKey struct {
	bits, in, out, groupSize int
}

// specialization is the shape-fixed plan for one layer geometry: the
// column tiles of the forward pass and the packed-row tiles of the
// transposed pass.
type specialization struct {
	key      specKey
	per      int
	maxq     uint32
	colTiles [][2]int
	rowTiles [][2]int
}

func tiles(n, size int) [][2]int {
	var ts [][2]int
	for s := 0; s < n; s += size {
		e := s + size
		if e > n {
			e = n
		}
		ts = append(ts, [2]int{s, e})
	}
	return ts
}

func compile(key specKey, workers int) *specialization {
	per := 32 / key.bits
	packed := key.in / per
	rowTile := (packed + workers - 1) / workers
	if rowTile < 1 {
		rowTile = 1
	}
	return &specialization{
		key:      key,
		per:      per,
		maxq:     uint32(1)<<key.bits - 1,
		colTiles: tiles(key.out, defaultTileCols),
		rowTiles: tiles(packed, rowTile),
	}
}

// FusedKernel dequantizes inside the matmul loop and never materializes the
// full weight. Plans are compiled per layer geometry and kept in an LRU
// cache. It is registered as "triton" and only understands the grouped
// layout.
type FusedKernel struct {
	name    string
	workers int
	specs   *lru.Cache[specKey, *specialization]
}

func NewFusedKernel(name string) (*FusedKernel, error) {
	cache, err := lru.New[specKey, *specialization](specCacheEntries)
	if err != nil {
		return nil, err
	}
	workers := cpuid.CPU.LogicalCores
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &FusedKernel{name: name, workers: workers, specs: cache}, nil
}

func (k *FusedKernel) Name() string { return k.name }

// Compiled reports how many specializations are cached.
func (k *FusedKernel) Compiled() int { return k.specs.Len() }

func (k *FusedKernel) specialize(op Operands) (*specialization, error) {
	if op.Legacy() {
		return nil, fmt.Errorf("%s: %w: v1 operands have no g_idx/qzeros", k.name, ErrLayoutUnsupported)
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}
	key := specKey{bits: op.Bits, in: op.InFeatures, out: op.OutFeatures, groupSize: op.GroupSize}
	if s, ok := k.specs.Get(key); ok {
		return s, nil
	}
	s := compile(key, k.workers)
	k.specs.Add(key, s)
	logger.Log.Debug("compiled kernel", "backend", k.name, "bits", key.bits, "in", key.in, "out", key.out, "groupsize", key.groupSize)
	return s, nil
}

func (k *FusedKernel) MatMul(x *tensor.Tensor, op Operands) (y *tensor.Tensor, err error) {
	defer observe(k.name, "matmul", time.Now(), &err)
	rows, err := checkInput(x, op.InFeatures, "MatMul")
	if err != nil {
		return nil, err
	}
	s, err := k.specialize(op)
	if err != nil {
		return nil, err
	}

	in, out := op.InFeatures, op.OutFeatures
	xv := x.Floats()
	qw, qz := op.QWeight.Int32s(), op.QZeros.Int32s()
	gidx := op.GIdx.Int32s()
	scales := op.Scales.Floats()
	zcols := out / s.per
	res := make([]float32, rows*out)

	var g errgroup.Group
	g.SetLimit(k.workers)
	for _, t := range s.colTiles {
		c0, c1 := t[0], t[1]
		g.Go(func() error {
			for r := 0; r < in/s.per; r++ {
				for c := c0; c < c1; c++ {
					word := qw[r*out+c]
					for j := 0; j < s.per; j++ {
						i := r*s.per + j
						grp := int(gidx[i])
						z := float32(unpack(qz[grp*zcols+c/s.per], c%s.per, op.Bits, s.maxq) + 1)
						w := scales[grp*out+c] * (float32(unpack(word, j, op.Bits, s.maxq)) - z)
						if w == 0 {
							continue
						}
						for b := 0; b < rows; b++ {
							res[b*out+c] += xv[b*in+i] * w
						}
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tensor.FromFloat32(res, outputShape(x, out)...).To(x.DType()), nil
}

func (k *FusedKernel) MatMulTranspose(gr *tensor.Tensor, op Operands) (y *tensor.Tensor, err error) {
	defer observe(k.name, "matmul_transpose", time.Now(), &err)
	rows, err := checkInput(gr, op.OutFeatures, "MatMulTranspose")
	if err != nil {
		return nil, err
	}
	s, err := k.specialize(op)
	if err != nil {
		return nil, err
	}

	in, out := op.InFeatures, op.OutFeatures
	gv := gr.Floats()
	qw, qz := op.QWeight.Int32s(), op.QZeros.Int32s()
	gidx := op.GIdx.Int32s()
	scales := op.Scales.Floats()
	zcols := out / s.per
	res := make([]float32, rows*in)

	var g errgroup.Group
	g.SetLimit(k.workers)
	for _, t := range s.rowTiles {
		r0, r1 := t[0], t[1]
		g.Go(func() error {
			for r := r0; r < r1; r++ {
				for c := 0; c < out; c++ {
					word := qw[r*out+c]
					for j := 0; j < s.per; j++ {
						i := r*s.per + j
						grp := int(gidx[i])
						z := float32(unpack(qz[grp*zcols+c/s.per], c%s.per, op.Bits, s.maxq) + 1)
						w := scales[grp*out+c] * (float32(unpack(word, j, op.Bits, s.maxq)) - z)
						if w == 0 {
							continue
						}
						for b := 0; b < rows; b++ {
							res[b*in+i] += gv[b*out+c] * w
						}
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tensor.FromFloat32(res, outputShape(gr, in)...).To(gr.DType()), nil
}
