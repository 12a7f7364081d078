// Package llama defines the host decoder-only model tree that quantized
// layers are installed into.
package llama

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const ConfigFile = "config.json"

// Config mirrors the fields of a Hugging Face LlamaConfig.
type Config struct {
	Architectures         []string `json:"architectures,omitempty"`
	ModelType             string   `json:"model_type,omitempty"`
	HiddenSize            int      `json:"hidden_size"`
	IntermediateSize      int      `json:"intermediate_size"`
	NumHiddenLayers       int      `json:"num_hidden_layers"`
	NumAttentionHeads     int      `json:"num_attention_heads"`
	NumKeyValueHeads      int      `json:"num_key_value_heads,omitempty"`
	VocabSize             int      `json:"vocab_size"`
	RMSNormEps            float32  `json:"rms_norm_eps"`
	MaxPositionEmbeddings int      `json:"max_position_embeddings,omitempty"`
	TorchDType            string   `json:"torch_dtype,omitempty"`
}

// LoadConfig reads config.json from dir and fills defaults.
func LoadConfig(dir string) (*Config, error) {
	b, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("read model config: %w", err)
	}
	var c Config
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ConfigFile, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.NumKeyValueHeads == 0 {
		c.NumKeyValueHeads = c.NumAttentionHeads
	}
	if c.RMSNormEps == 0 {
		c.RMSNormEps = 1e-6
	}
	if c.MaxPositionEmbeddings == 0 {
		c.MaxPositionEmbeddings = 2048
	}
}

func (c *Config) Validate() error {
	switch {
	case c.HiddenSize <= 0:
		return fmt.Errorf("invalid hidden_size: %d", c.HiddenSize)
	case c.IntermediateSize <= 0:
		return fmt.Errorf("invalid intermediate_size: %d", c.IntermediateSize)
	case c.NumHiddenLayers <= 0:
		return fmt.Errorf("invalid num_hidden_layers: %d", c.NumHiddenLayers)
	case c.NumAttentionHeads <= 0 || c.HiddenSize%c.NumAttentionHeads != 0:
		return fmt.Errorf("hidden_size %d not divisible by num_attention_heads %d", c.HiddenSize, c.NumAttentionHeads)
	case c.NumKeyValueHeads <= 0 || c.NumAttentionHeads%c.NumKeyValueHeads != 0:
		return fmt.Errorf("num_attention_heads %d not divisible by num_key_value_heads %d", c.NumAttentionHeads, c.NumKeyValueHeads)
	case c.VocabSize <= 0:
		return fmt.Errorf("invalid vocab_size: %d", c.VocabSize)
	}
	return nil
}

func (c *Config) HeadDim() int { return c.HiddenSize / c.NumAttentionHeads }

// KVDim is the output width of k_proj and v_proj.
func (c *Config) KVDim() int { return c.NumKeyValueHeads * c.HeadDim() }

func getKVInt(kv map[string]any, keys ...string) int {
	for _, key := range keys {
		switch v := kv[key].(type) {
		case uint64:
			return int(v)
		case int64:
			return int(v)
		case uint32:
			return int(v)
		case int32:
			return int(v)
		case int:
			return v
		}
	}
	return 0
}

// ConfigFromGGUF builds a Config from GGUF metadata keys.
func ConfigFromGGUF(kv map[string]any) (*Config, error) {
	arch, _ := kv["general.architecture"].(string)
	if arch == "" {
		arch = "llama"
	}
	c := &Config{
		ModelType:             arch,
		HiddenSize:            getKVInt(kv, arch+".embedding_length", arch+".hidden_size"),
		IntermediateSize:      getKVInt(kv, arch+".feed_forward_length", arch+".intermediate_size"),
		NumHiddenLayers:       getKVInt(kv, arch+".block_count"),
		NumAttentionHeads:     getKVInt(kv, arch+".attention.head_count"),
		NumKeyValueHeads:      getKVInt(kv, arch+".attention.head_count_kv"),
		VocabSize:             getKVInt(kv, arch+".vocab_size"),
		MaxPositionEmbeddings: getKVInt(kv, arch+".context_length"),
	}
	if eps, ok := kv[arch+".attention.layer_norm_rms_epsilon"].(float32); ok {
		c.RMSNormEps = eps
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
