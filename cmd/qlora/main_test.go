package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-qlora/internal/config"
	"github.com/23skdu/longbow-qlora/internal/llama"
)

const tinyModel = `{"hidden_size":32,"intermediate_size":64,"num_hidden_layers":2,
	"num_attention_heads":4,"num_key_value_heads":2,"vocab_size":16}`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := root.Execute()
	return out.String(), err
}

func configDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, llama.ConfigFile), []byte(tinyModel), 0o644))
	return dir
}

func TestEnvListsOverrides(t *testing.T) {
	out, err := run(t, "env")
	require.NoError(t, err)
	for _, v := range config.EnvVars() {
		assert.Contains(t, out, v.Name)
	}
	assert.Contains(t, out, "QLORA_DISABLE_CUDA")
}

func TestBackends(t *testing.T) {
	out, err := run(t, "backends")
	require.NoError(t, err)
	assert.Contains(t, out, "available:")
	assert.Contains(t, out, "active:")

	_, err = run(t, "backends", "--select", "rocm")
	assert.Error(t, err)
}

func TestExportInspectForward(t *testing.T) {
	dir := configDir(t)
	ckpt := filepath.Join(dir, "model.safetensors")

	_, err := run(t, "export", "--config", dir, "--group-size", "16", "--out", ckpt)
	require.NoError(t, err)

	out, err := run(t, "inspect", "--model", ckpt, "--tensors")
	require.NoError(t, err)
	assert.Contains(t, out, "model.layers.0.mlp.down_proj.qweight")
	assert.Contains(t, out, "safetensors:")

	out, err = run(t, "inspect", "--config", dir, "--model", ckpt, "--group-size", "16")
	require.NoError(t, err)
	assert.Contains(t, out, "Quantized Layers: 14")
	assert.Contains(t, out, "Device Map")
	assert.Contains(t, out, "lm_head")

	out, err = run(t, "forward", "--config", dir, "--model", ckpt, "--group-size", "16", "--batch", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "shape=[2 32]")
}

func TestForwardSyntheticWithGrad(t *testing.T) {
	dir := configDir(t)
	out, err := run(t, "forward", "--config", dir, "--synthetic", "--bits", "2", "--group-size", "16", "--grad", "--layer", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "layer=1")
	assert.Contains(t, out, "input grad: mean=")
}

func TestForwardRejectsBadLayer(t *testing.T) {
	dir := configDir(t)
	_, err := run(t, "forward", "--config", dir, "--synthetic", "--group-size", "16", "--layer", "7")
	assert.Error(t, err)
}

func TestInitAdapter(t *testing.T) {
	dir := configDir(t)
	out := filepath.Join(t.TempDir(), "adapter")

	stdout, err := run(t, "init-adapter", "--config", dir, "--group-size", "16",
		"--lora-r", "4", "--lora-out-dir", out)
	require.NoError(t, err)
	assert.Contains(t, stdout, "lora_r=4")
	// q_proj is 32x32 and v_proj 32x16 in both layers: 2*(4*32+32*4 + 4*32+16*4).
	assert.Contains(t, stdout, "trainable parameters: 896")
	assert.FileExists(t, filepath.Join(out, "adapter_config.json"))
	assert.FileExists(t, filepath.Join(out, "adapter_model.safetensors"))

	mlp := filepath.Join(t.TempDir(), "mlp")
	_, err = run(t, "init-adapter", "--config", dir, "--group-size", "16",
		"--target-modules", "down_proj", "--lora-out-dir", mlp)
	require.NoError(t, err)

	stdout, err = run(t, "forward", "--config", dir, "--synthetic", "--group-size", "16",
		"--lora", mlp, "--grad")
	require.NoError(t, err)
	assert.Contains(t, stdout, "lora_A.weight grad:")
}

func TestInitAdapterRejectsBadBatch(t *testing.T) {
	dir := configDir(t)
	_, err := run(t, "init-adapter", "--config", dir, "--group-size", "16",
		"--batch-size", "10", "--mbatch-size", "4", "--skip")
	assert.Error(t, err)
}
