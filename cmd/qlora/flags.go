package main

import (
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-qlora/internal/config"
)

// loadFlags binds the model-loading flags shared by several commands.
type loadFlags struct {
	configDir string
	modelPath string
	loraPath  string
	bits      int
	groupSize int
	v1        bool
	half      bool
	seqLen    int
	backend   string
	maxMemory string
	offload   bool
}

func (f *loadFlags) register(cmd *cobra.Command) {
	d := config.Default()
	fs := cmd.Flags()
	fs.StringVar(&f.configDir, "config", "", "Directory holding config.json")
	fs.StringVar(&f.modelPath, "model", "", "Checkpoint path (.safetensors, .gguf, .arrow) or flight://host:port/ticket")
	fs.StringVar(&f.loraPath, "lora", "", "Adapter directory with adapter_config.json")
	fs.IntVar(&f.bits, "bits", d.Quant.Bits, "Weight bit width (2 or 4)")
	fs.IntVar(&f.groupSize, "group-size", d.Quant.GroupSize, "Input channels per scale/zero group (-1 for one group)")
	fs.BoolVar(&f.v1, "v1", false, "Legacy per-row 4-bit layout")
	fs.BoolVar(&f.half, "half", false, "Convert floating-point buffers to half precision")
	fs.IntVar(&f.seqLen, "seqlen", d.SeqLen, "Sequence length recorded on the model")
	fs.StringVar(&f.backend, "backend", "", "Kernel backend to select (cuda or triton)")
	fs.StringVar(&f.maxMemory, "max-memory", "", "Per-device memory caps, e.g. 0=24GiB,cpu=48GiB")
	fs.BoolVar(&f.offload, "offload", false, "Spill layers that fit nowhere to disk")
}

// config layers defaults, QLORA_* environment overrides, then flags that
// were set explicitly.
func (f *loadFlags) config(cmd *cobra.Command) (config.LoadConfig, error) {
	cfg, err := config.FromEnv(config.Default())
	if err != nil {
		return cfg, err
	}
	cfg.ConfigDir = f.configDir
	cfg.ModelPath = f.modelPath
	cfg.LoRAPath = f.loraPath
	cfg.Quant = config.QuantConfig{Bits: f.bits, GroupSize: f.groupSize, IsV1Model: f.v1}
	cfg.Half = f.half
	cfg.Offload = f.offload

	fs := cmd.Flags()
	if fs.Changed("seqlen") {
		cfg.SeqLen = f.seqLen
	}
	if fs.Changed("backend") {
		cfg.Backend = f.backend
	}
	if fs.Changed("max-memory") {
		m, err := config.ParseMaxMemory(f.maxMemory)
		if err != nil {
			return cfg, err
		}
		cfg.MaxMemory = m
	}
	return cfg, nil
}
