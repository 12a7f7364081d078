package loader

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/23skdu/longbow-qlora/internal/config"
	"github.com/23skdu/longbow-qlora/internal/nn"
	"github.com/23skdu/longbow-qlora/internal/quant"
	"github.com/23skdu/longbow-qlora/internal/tensor"
)

// Synthesize fills every buffer of model with well-formed random weights:
// quantized layers get round-to-nearest packed weights, norms get ones and
// everything else small uniform noise.
func Synthesize(model nn.Module, qc config.QuantConfig, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	noise := func(shape ...int) *tensor.Tensor {
		t := tensor.New(tensor.F32, shape...)
		for i := range t.Float32s() {
			t.Float32s()[i] = (rng.Float32()*2 - 1) * 0.05
		}
		return t
	}

	layers := quant.QuantLayers(model)
	for _, path := range nn.SortedKeys(layers) {
		q := layers[path]
		w := noise(q.OutFeatures, q.InFeatures)
		var (
			p   *quant.Packed
			err error
		)
		if q.IsV1Model {
			p, err = quant.QuantizeV1(w)
		} else {
			p, err = quant.Quantize(w, q.Bits, qc.GroupSize)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := q.Load(p); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}

	bufs := nn.NamedBuffers(model)
	for _, name := range nn.SortedKeys(bufs) {
		b := bufs[name]
		if b.DType() != tensor.F32 || isQuantBuffer(name, layers) {
			continue
		}
		if isNorm(name) {
			if err := b.CopyFrom(tensor.Full(tensor.F32, 1, b.Shape()...)); err != nil {
				return err
			}
			continue
		}
		copy(b.Float32s(), noise(b.Shape()...).Float32s())
	}
	return nil
}

func isQuantBuffer(name string, layers map[string]*quant.QuantLinear) bool {
	for path := range layers {
		if rest, ok := strings.CutPrefix(name, path+"."); ok {
			return !strings.HasPrefix(rest, "lora_")
		}
	}
	return false
}

func isNorm(name string) bool {
	return strings.HasSuffix(name, "layernorm.weight") || name == "model.norm.weight"
}
