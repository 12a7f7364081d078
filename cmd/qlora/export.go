package main

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-qlora/internal/checkpoint"
	"github.com/23skdu/longbow-qlora/internal/config"
	"github.com/23skdu/longbow-qlora/internal/loader"
	"github.com/23skdu/longbow-qlora/internal/logger"
	"github.com/23skdu/longbow-qlora/internal/nn"
	"github.com/23skdu/longbow-qlora/internal/tensor"
)

func newExportCmd() *cobra.Command {
	var (
		lf   loadFlags
		out  string
		seed int64
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a synthetic quantized checkpoint for --config",
		Long: `Builds the model described by --config, fills it with random
round-to-nearest quantized weights and writes every buffer to --out.
The format follows the extension (.safetensors, .gguf, .arrow, .arrows).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := lf.config(cmd)
			if err != nil {
				return err
			}
			if out == "" {
				return fmt.Errorf("--out is required")
			}
			tensors, err := syntheticTensors(cfg, seed)
			if err != nil {
				return err
			}
			if err := checkpoint.Save(out, tensors, exportMetadata(cfg)); err != nil {
				return err
			}
			var total uint64
			for _, t := range tensors {
				total += uint64(t.SizeBytes())
			}
			logger.Log.Info("exported checkpoint", "path", out, "tensors", len(tensors), "size", humanize.IBytes(total))
			return nil
		},
	}
	lf.register(cmd)
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output checkpoint path")
	cmd.Flags().Int64Var(&seed, "seed", 1, "Seed for the random weights")
	return cmd
}

// syntheticTensors builds the model for cfg and returns its buffers filled
// with random quantized weights.
func syntheticTensors(cfg config.LoadConfig, seed int64) (map[string]*tensor.Tensor, error) {
	if cfg.ConfigDir == "" {
		return nil, fmt.Errorf("config dir is required")
	}
	if err := cfg.Quant.Validate(); err != nil {
		return nil, err
	}
	model, _, err := loader.Build(cfg, registry)
	if err != nil {
		return nil, err
	}
	if err := loader.Synthesize(model, cfg.Quant, seed); err != nil {
		return nil, err
	}
	return nn.NamedBuffers(model), nil
}

func exportMetadata(cfg config.LoadConfig) map[string]string {
	return map[string]string{
		"format":     "gptq",
		"bits":       strconv.Itoa(cfg.Quant.Bits),
		"group_size": strconv.Itoa(cfg.Quant.GroupSize),
		"layout":     cfg.Quant.Layout().String(),
	}
}
