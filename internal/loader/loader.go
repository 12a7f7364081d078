// Package loader builds a quantized host model from a config directory and
// a checkpoint.
package loader

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-qlora/internal/checkpoint"
	"github.com/23skdu/longbow-qlora/internal/config"
	"github.com/23skdu/longbow-qlora/internal/device"
	"github.com/23skdu/longbow-qlora/internal/llama"
	"github.com/23skdu/longbow-qlora/internal/logger"
	"github.com/23skdu/longbow-qlora/internal/lora"
	"github.com/23skdu/longbow-qlora/internal/metrics"
	"github.com/23skdu/longbow-qlora/internal/nn"
	"github.com/23skdu/longbow-qlora/internal/quant"
)

type Result struct {
	Model     *llama.ForCausalLM
	SeqLen    int
	Installed int
	Stats     checkpoint.Stats
	Adapter   *lora.Config
	Placement []Placement
	DeviceMap map[string]string
}

// Build creates the empty model for cfg and installs quantized layers in
// place of every projection except the head.
func Build(cfg config.LoadConfig, reg *device.Registry) (*llama.ForCausalLM, int, error) {
	mc, err := llama.LoadConfig(cfg.ConfigDir)
	if err != nil {
		return nil, 0, err
	}
	model := llama.New(mc)
	targets := nn.SortedKeys(nn.FindLinear(model, llama.LMHead))
	n, err := quant.Install(model, targets, reg, quant.Options{
		Bits:      cfg.Quant.Bits,
		GroupSize: cfg.Quant.GroupSize,
		IsV1Model: cfg.Quant.IsV1Model,
	})
	if err != nil {
		return nil, 0, err
	}
	return model, n, nil
}

// Load builds the model, streams the checkpoint into it, converts
// precision, attaches an adapter and plans device placement.
func Load(ctx context.Context, cfg config.LoadConfig, reg *device.Registry) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	logger.Log.Info("loading model", "config", cfg.ConfigDir, "checkpoint", cfg.ModelPath,
		"bits", cfg.Quant.Bits, "group_size", cfg.Quant.GroupSize, "layout", cfg.Quant.Layout().String())

	if cfg.Backend != "" {
		if err := reg.Select(cfg.Backend); err != nil {
			return nil, err
		}
	}

	model, installed, err := Build(cfg, reg)
	if err != nil {
		return nil, err
	}

	src, err := checkpoint.Open(ctx, cfg.ModelPath)
	if err != nil {
		return nil, err
	}
	stats, err := checkpoint.LoadInto(model, src)
	src.Close()
	if err != nil {
		return nil, err
	}

	if cfg.Half {
		if err := quant.ToHalf(model); err != nil {
			return nil, err
		}
	}

	res := &Result{Model: model, SeqLen: cfg.SeqLen, Installed: installed, Stats: stats}
	if cfg.LoRAPath != "" {
		lc, err := lora.LoadAdapter(model, cfg.LoRAPath)
		if err != nil {
			return nil, fmt.Errorf("load adapter: %w", err)
		}
		res.Adapter = &lc
	}

	res.Placement, err = InferDeviceMap(model, cfg.MaxMemory, cfg.Offload)
	if err != nil {
		return nil, err
	}
	res.DeviceMap = DeviceMap(res.Placement)

	elapsed := time.Since(start)
	metrics.RecordModelLoad(elapsed)
	logger.Log.Info(fmt.Sprintf("loaded the model in %.2f seconds", elapsed.Seconds()))
	return res, nil
}
