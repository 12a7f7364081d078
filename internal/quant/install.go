package quant

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-qlora/internal/device"
	"github.com/23skdu/longbow-qlora/internal/logger"
	"github.com/23skdu/longbow-qlora/internal/metrics"
	"github.com/23skdu/longbow-qlora/internal/nn"
	"github.com/23skdu/longbow-qlora/internal/tensor"
)

// Install replaces every module at a target path with a zero-initialized
// QuantLinear of the same shape. Existing QuantLinear subtrees are left
// alone, so installing twice is the same as installing once. It returns the
// number of replaced modules.
func Install(root nn.Module, targets []string, reg *device.Registry, opts Options) (int, error) {
	want := make(map[string]bool, len(targets))
	for _, t := range targets {
		want[t] = true
	}

	type repl struct {
		path    string
		in, out int
	}
	var pending []repl
	err := nn.Walk(root, func(path string, m nn.Module) error {
		switch m.(type) {
		case *QuantLinear, nn.Wrapper:
			return nn.SkipChildren
		}
		if !want[path] {
			return nil
		}
		s, ok := m.(nn.Shaped)
		if !ok {
			return fmt.Errorf("install %q: %T has no feature shape", path, m)
		}
		in, out := s.Shape()
		pending = append(pending, repl{path: path, in: in, out: out})
		return nn.SkipChildren
	})
	if err != nil {
		return 0, err
	}

	for _, r := range pending {
		if err := nn.Set(root, r.path, NewQuantLinear(reg, r.in, r.out, opts)); err != nil {
			return 0, fmt.Errorf("install %q: %w", r.path, err)
		}
		logger.Log.Debug("installed quantized layer", "path", r.path, "in", r.in, "out", r.out, "bits", opts.Bits)
	}
	metrics.RecordLayersInstalled(len(pending))
	return len(pending), nil
}

// QuantLayers lists every QuantLinear by path.
func QuantLayers(root nn.Module) map[string]*QuantLinear {
	out := make(map[string]*QuantLinear)
	_ = nn.Walk(root, func(path string, m nn.Module) error {
		if q, ok := nn.Unwrap(m).(*QuantLinear); ok {
			out[path] = q
			return nn.SkipChildren
		}
		return nil
	})
	return out
}

// ToHalf converts every floating-point buffer in the tree to F16.
func ToHalf(root nn.Module) error {
	return convert(root, tensor.F16, "half")
}

// ToFloat converts every floating-point buffer in the tree to F32.
func ToFloat(root nn.Module) error {
	return convert(root, tensor.F32, "float")
}

func convert(root nn.Module, dtype tensor.DType, label string) error {
	start := time.Now()
	err := nn.Walk(root, func(path string, m nn.Module) error {
		b, ok := m.(nn.Buffered)
		if !ok {
			return nil
		}
		for _, name := range b.BufferNames() {
			t := b.Buffer(name)
			if t == nil || !t.DType().IsFloat() {
				continue
			}
			if err := b.SetBuffer(name, t.To(dtype)); err != nil {
				return fmt.Errorf("convert %s.%s: %w", path, name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Re-cast the scale-side buffers of every quantized layer explicitly.
	for _, q := range QuantLayers(root) {
		q.Scales = q.Scales.To(dtype)
		if q.IsV1Model {
			q.Zeros = q.Zeros.To(dtype)
		}
		if q.Bias != nil {
			q.Bias = q.Bias.To(dtype)
		}
	}

	metrics.RecordPrecisionConversion(label)
	logger.Log.Info("converted as "+label, "elapsed", time.Since(start))
	return nil
}
