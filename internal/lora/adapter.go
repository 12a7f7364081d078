package lora

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/23skdu/longbow-qlora/internal/checkpoint"
	"github.com/23skdu/longbow-qlora/internal/logger"
	"github.com/23skdu/longbow-qlora/internal/nn"
	"github.com/23skdu/longbow-qlora/internal/tensor"
)

const (
	ConfigFile  = "adapter_config.json"
	WeightsFile = "adapter_model.safetensors"

	// Adapter tensors are saved relative to the wrapped model.
	namePrefix = "base_model.model."
)

var (
	ErrNoAdapter    = errors.New("no adapter found")
	ErrAdapterDType = errors.New("adapter weights must be floating point")
)

// adapterConfig is the on-disk adapter_config.json. Fields we do not use
// are written for compatibility and ignored on read.
type adapterConfig struct {
	Config
	PeftType      string `json:"peft_type"`
	TaskType      string `json:"task_type"`
	InferenceMode bool   `json:"inference_mode"`
}

// ReadConfig loads adapter_config.json from dir.
func ReadConfig(dir string) (Config, error) {
	b, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("%w in %s", ErrNoAdapter, dir)
	}
	if err != nil {
		return Config{}, err
	}
	ac := adapterConfig{Config: Config{Bias: "none"}}
	if err := json.Unmarshal(b, &ac); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", ConfigFile, err)
	}
	if err := ac.Config.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", ConfigFile, err)
	}
	return ac.Config, nil
}

// tensorName maps a saved adapter tensor name to the module tree. Both
// "lora_A.weight" and "lora_A.default.weight" spellings are accepted.
func tensorName(saved string) string {
	name := strings.TrimPrefix(saved, namePrefix)
	name = strings.Replace(name, ".lora_A.default.", ".lora_A.", 1)
	return strings.Replace(name, ".lora_B.default.", ".lora_B.", 1)
}

// LoadAdapter wraps the target layers of root from dir's config and fills
// the adapter weights from dir's safetensors file. Adapter weights are kept
// in F32 and marked trainable.
func LoadAdapter(root nn.Module, dir string) (Config, error) {
	cfg, err := ReadConfig(dir)
	if err != nil {
		return Config{}, err
	}
	if _, err := Apply(root, cfg); err != nil {
		return Config{}, err
	}

	src, err := checkpoint.OpenSafetensors(filepath.Join(dir, WeightsFile))
	if err != nil {
		return Config{}, err
	}
	defer src.Close()

	bufs := nn.NamedBuffers(root)
	loaded := 0
	for _, saved := range src.Names() {
		name := tensorName(saved)
		dst, ok := bufs[name]
		if !ok || !(strings.Contains(name, ".lora_A.") || strings.Contains(name, ".lora_B.")) {
			return Config{}, fmt.Errorf("adapter tensor %q does not match the model", saved)
		}
		t, err := src.Load(saved)
		if err != nil {
			return Config{}, err
		}
		if !t.DType().IsFloat() {
			return Config{}, fmt.Errorf("adapter tensor %q: %w (%s)", saved, ErrAdapterDType, t.DType())
		}
		if fmt.Sprint(dst.Shape()) != fmt.Sprint(t.Shape()) {
			return Config{}, checkpoint.ErrShapeMismatch{Name: name, Want: dst.Shape(), Got: t.Shape()}
		}
		if err := nn.SetBuffer(root, name, t.To(tensor.F32)); err != nil {
			return Config{}, err
		}
		loaded++
	}
	SetTrainable(root, true)
	logger.Log.Info("loaded lora adapter", "dir", dir, "tensors", loaded, "r", cfg.R)
	return cfg, nil
}

// SaveAdapter writes the adapter config and weights of root into dir.
func SaveAdapter(root nn.Module, dir string, cfg Config) error {
	adapters := Adapters(root)
	if len(adapters) == 0 {
		return ErrNoAdapter
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	b, err := json.MarshalIndent(adapterConfig{Config: cfg, PeftType: "LORA", TaskType: "CAUSAL_LM"}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), b, 0o644); err != nil {
		return err
	}

	tensors := make(map[string]*tensor.Tensor, 2*len(adapters))
	for path, a := range adapters {
		tensors[namePrefix+path+".lora_A.weight"] = a.A.Weight.Value
		tensors[namePrefix+path+".lora_B.weight"] = a.B.Weight.Value
	}
	if err := checkpoint.WriteSafetensors(filepath.Join(dir, WeightsFile), tensors, map[string]string{"format": "pt"}); err != nil {
		return err
	}
	logger.Log.Info("saved lora adapter", "dir", dir, "layers", len(adapters))
	return nil
}
