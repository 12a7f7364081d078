package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Layout names the packed weight layout a checkpoint was produced with.
type Layout int

const (
	// LayoutGrouped stores one scale/zero pair per (group, output) cell and a
	// per-input-channel group index.
	LayoutGrouped Layout = iota
	// LayoutV1 stores one float scale/zero pair per output row.
	LayoutV1
)

func (l Layout) String() string {
	if l == LayoutV1 {
		return "v1"
	}
	return "grouped"
}

// QuantConfig describes how linear layers are quantized.
type QuantConfig struct {
	Bits      int
	GroupSize int // -1 means a single group spanning every input channel
	IsV1Model bool
}

func (c QuantConfig) Layout() Layout {
	if c.IsV1Model {
		return LayoutV1
	}
	return LayoutGrouped
}

func (c *QuantConfig) Validate() error {
	if c.Bits != 2 && c.Bits != 4 {
		return fmt.Errorf("invalid bits: %d (must be 2 or 4)", c.Bits)
	}
	if c.GroupSize != -1 && c.GroupSize <= 0 {
		return fmt.Errorf("invalid group_size: %d (must be -1 or positive)", c.GroupSize)
	}
	if c.IsV1Model && c.Bits != 4 {
		return fmt.Errorf("v1 layout only exists for 4-bit weights, got bits=%d", c.Bits)
	}
	if c.IsV1Model && c.GroupSize != -1 {
		return fmt.Errorf("v1 layout has no groups, got group_size=%d", c.GroupSize)
	}
	return nil
}

// LoRAConfig mirrors the fields of a peft adapter_config.json that matter
// for building adapters.
type LoRAConfig struct {
	R             int      `json:"r"`
	Alpha         int      `json:"lora_alpha"`
	Dropout       float64  `json:"lora_dropout"`
	TargetModules []string `json:"target_modules"`
	Bias          string   `json:"bias"`
}

func (c *LoRAConfig) Validate() error {
	if c.R <= 0 {
		return fmt.Errorf("invalid lora r: %d (must be positive)", c.R)
	}
	if c.Alpha <= 0 {
		return fmt.Errorf("invalid lora_alpha: %d (must be positive)", c.Alpha)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("invalid lora_dropout: %v (must be in [0, 1))", c.Dropout)
	}
	if len(c.TargetModules) == 0 {
		return fmt.Errorf("lora target_modules is empty")
	}
	if c.Bias != "" && c.Bias != "none" {
		return fmt.Errorf("unsupported lora bias mode %q", c.Bias)
	}
	return nil
}

// Scaling is the factor applied to the low-rank update.
func (c *LoRAConfig) Scaling() float32 {
	return float32(c.Alpha) / float32(c.R)
}

func DefaultLoRA() LoRAConfig {
	return LoRAConfig{
		R:             8,
		Alpha:         16,
		Dropout:       0.05,
		TargetModules: []string{"q_proj", "v_proj"},
		Bias:          "none",
	}
}

// LoadConfig drives model loading.
type LoadConfig struct {
	ConfigDir string // directory holding config.json
	ModelPath string // checkpoint path or flight:// URL
	LoRAPath  string // optional adapter directory

	Quant   QuantConfig
	Half    bool
	SeqLen  int
	Backend string // empty keeps the detected default

	// MaxMemory caps each device, e.g. {"0": "24GiB", "cpu": "48GiB"}.
	MaxMemory map[string]string
	// Offload streams weights to the CPU first and dispatches afterwards.
	Offload bool
}

func (c *LoadConfig) Validate() error {
	if c.ConfigDir == "" {
		return fmt.Errorf("config dir is required")
	}
	if c.ModelPath == "" {
		return fmt.Errorf("model path is required")
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", c.SeqLen)
	}
	if c.Backend != "" && c.Backend != "cuda" && c.Backend != "triton" {
		return fmt.Errorf("unknown backend %q (want cuda or triton)", c.Backend)
	}
	return c.Quant.Validate()
}

func DefaultMaxMemory() map[string]string {
	return map[string]string{"0": "24GiB", "cpu": "48GiB"}
}

func Default() LoadConfig {
	return LoadConfig{
		Quant: QuantConfig{
			Bits:      4,
			GroupSize: -1,
		},
		SeqLen:    2048,
		MaxMemory: DefaultMaxMemory(),
	}
}

// Env overrides, in the order they are applied by FromEnv.
const (
	EnvBackend   = "QLORA_BACKEND"
	EnvLogLevel  = "QLORA_LOG_LEVEL"
	EnvLogFormat = "QLORA_LOG_FORMAT"
	EnvMaxMemory = "QLORA_MAX_MEMORY"
	EnvSeqLen    = "QLORA_SEQLEN"
)

type EnvVar struct {
	Name        string
	Description string
}

func EnvVars() []EnvVar {
	return []EnvVar{
		{EnvBackend, "Kernel backend to select after detection (cuda or triton)"},
		{EnvLogLevel, "Log level (debug, info, warn, error)"},
		{EnvLogFormat, "Log format (console or json)"},
		{EnvMaxMemory, "Per-device memory caps, e.g. 0=24GiB,cpu=48GiB"},
		{EnvSeqLen, "Sequence length recorded on the loaded model"},
	}
}

// FromEnv applies QLORA_* overrides on top of cfg.
func FromEnv(cfg LoadConfig) (LoadConfig, error) {
	if v := strings.TrimSpace(os.Getenv(EnvBackend)); v != "" {
		cfg.Backend = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvSeqLen)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvSeqLen, err)
		}
		cfg.SeqLen = n
	}
	if v := strings.TrimSpace(os.Getenv(EnvMaxMemory)); v != "" {
		m, err := ParseMaxMemory(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvMaxMemory, err)
		}
		cfg.MaxMemory = m
	}
	return cfg, nil
}

// ParseMaxMemory parses "0=24GiB,cpu=48GiB".
func ParseMaxMemory(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		dev, size, ok := strings.Cut(part, "=")
		if !ok || dev == "" || size == "" {
			return nil, fmt.Errorf("malformed entry %q (want device=size)", part)
		}
		out[strings.TrimSpace(dev)] = strings.TrimSpace(size)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no devices in %q", s)
	}
	return out, nil
}
