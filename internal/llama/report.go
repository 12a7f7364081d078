package llama

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/23skdu/longbow-qlora/internal/nn"
	"github.com/23skdu/longbow-qlora/internal/tensor"
)

// Report summarizes a built model tree.
type Report struct {
	Architecture    string
	HiddenSize      int
	Layers          int
	AttentionHeads  int
	KVHeads         int
	Intermediate    int
	VocabSize       int
	Buffers         int
	Bytes           int64
	ByDType         map[tensor.DType]int64
	QuantizedLayers int
	DenseLayers     int
}

// Analyze walks root and totals its buffers. quantized reports whether a
// module is a quantized layer.
func Analyze(cfg *Config, root nn.Module, quantized func(nn.Module) bool) *Report {
	r := &Report{
		Architecture:   cfg.ModelType,
		HiddenSize:     cfg.HiddenSize,
		Layers:         cfg.NumHiddenLayers,
		AttentionHeads: cfg.NumAttentionHeads,
		KVHeads:        cfg.NumKeyValueHeads,
		Intermediate:   cfg.IntermediateSize,
		VocabSize:      cfg.VocabSize,
		ByDType:        make(map[tensor.DType]int64),
	}
	if r.Architecture == "" {
		r.Architecture = "llama"
	}
	for _, t := range nn.NamedBuffers(root) {
		r.Buffers++
		r.Bytes += int64(t.SizeBytes())
		r.ByDType[t.DType()] += int64(t.SizeBytes())
	}
	_ = nn.Walk(root, func(_ string, m nn.Module) error {
		switch {
		case quantized != nil && quantized(m):
			r.QuantizedLayers++
			return nn.SkipChildren
		case isLinear(m):
			r.DenseLayers++
			return nn.SkipChildren
		}
		return nil
	})
	return r
}

func isLinear(m nn.Module) bool {
	_, ok := nn.Unwrap(m).(*nn.Linear)
	return ok
}

func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, `Model Report
============================
Architecture:     %s
Hidden Size:      %d
Layers:           %d
Attention Heads:  %d
KV Heads:         %d
Intermediate:     %d
Vocab Size:       %d
Quantized Layers: %d
Dense Layers:     %d
Buffers:          %d
Memory:           %s
`,
		r.Architecture,
		r.HiddenSize,
		r.Layers,
		r.AttentionHeads,
		r.KVHeads,
		r.Intermediate,
		r.VocabSize,
		r.QuantizedLayers,
		r.DenseLayers,
		r.Buffers,
		humanize.IBytes(uint64(r.Bytes)),
	)
	for _, dt := range []tensor.DType{tensor.F32, tensor.F16, tensor.I32} {
		if n := r.ByDType[dt]; n > 0 {
			fmt.Fprintf(&b, "  %-4s            %s\n", dt, humanize.IBytes(uint64(n)))
		}
	}
	return b.String()
}
