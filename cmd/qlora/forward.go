package main

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-qlora/internal/autograd"
	"github.com/23skdu/longbow-qlora/internal/config"
	"github.com/23skdu/longbow-qlora/internal/device"
	"github.com/23skdu/longbow-qlora/internal/llama"
	"github.com/23skdu/longbow-qlora/internal/loader"
	"github.com/23skdu/longbow-qlora/internal/logger"
	"github.com/23skdu/longbow-qlora/internal/lora"
	"github.com/23skdu/longbow-qlora/internal/monitoring"
	"github.com/23skdu/longbow-qlora/internal/nn"
	"github.com/23skdu/longbow-qlora/internal/quant"
	"github.com/23skdu/longbow-qlora/internal/tensor"
)

type forwardOpts struct {
	synthetic bool
	seed      int64
	batch     int
	layer     int
	grad      bool
	compare   bool
}

func newForwardCmd() *cobra.Command {
	var (
		lf   loadFlags
		opts forwardOpts
	)
	cmd := &cobra.Command{
		Use:   "forward",
		Short: "Run a decoder layer's feed-forward block on random activations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := lf.config(cmd)
			if err != nil {
				return err
			}
			model, err := loadModel(cmd, cfg, opts)
			if err != nil {
				return err
			}
			return runForward(cmd, model, opts)
		},
	}
	lf.register(cmd)
	fs := cmd.Flags()
	fs.BoolVar(&opts.synthetic, "synthetic", false, "Fill the model with random quantized weights instead of loading --model")
	fs.Int64Var(&opts.seed, "seed", 1, "Seed for synthetic weights and activations")
	fs.IntVar(&opts.batch, "batch", 4, "Rows of activations")
	fs.IntVar(&opts.layer, "layer", 0, "Decoder layer index")
	fs.BoolVar(&opts.grad, "grad", false, "Record the graph and backpropagate a sum loss")
	fs.BoolVar(&opts.compare, "compare", false, "Run every available backend and report the largest difference")
	return cmd
}

func loadModel(cmd *cobra.Command, cfg config.LoadConfig, opts forwardOpts) (*llama.ForCausalLM, error) {
	if !opts.synthetic {
		res, err := loader.Load(cmd.Context(), cfg, registry)
		if err != nil {
			if monitor != nil {
				monitor.AddAlert("error", "model", err.Error())
			}
			return nil, err
		}
		if monitor != nil {
			monitor.SetModel(monitoring.ModelInfo{
				ConfigDir:       cfg.ConfigDir,
				Checkpoint:      cfg.ModelPath,
				Layers:          res.Model.Config.NumHiddenLayers,
				QuantizedLayers: res.Installed,
				Bits:            cfg.Quant.Bits,
				SeqLen:          res.SeqLen,
				Bytes:           int64(res.Stats.Bytes),
				DeviceMap:       res.DeviceMap,
			})
		}
		return res.Model, nil
	}

	if cfg.ConfigDir == "" {
		return nil, fmt.Errorf("config dir is required")
	}
	if err := cfg.Quant.Validate(); err != nil {
		return nil, err
	}
	if cfg.Backend != "" {
		if err := registry.Select(cfg.Backend); err != nil {
			return nil, err
		}
	}
	model, _, err := loader.Build(cfg, registry)
	if err != nil {
		return nil, err
	}
	if err := loader.Synthesize(model, cfg.Quant, opts.seed); err != nil {
		return nil, err
	}
	if cfg.LoRAPath != "" {
		if _, err := lora.LoadAdapter(model, cfg.LoRAPath); err != nil {
			return nil, err
		}
	}
	if cfg.Half {
		if err := quant.ToHalf(model); err != nil {
			return nil, err
		}
	}
	return model, nil
}

func runForward(cmd *cobra.Command, model *llama.ForCausalLM, opts forwardOpts) error {
	l, err := model.Layer(opts.layer)
	if err != nil {
		return err
	}
	norm, ok := l.Child("post_attention_layernorm").(*nn.RMSNorm)
	if !ok {
		return fmt.Errorf("layer %d has no post-attention norm", opts.layer)
	}
	rng := rand.New(rand.NewSource(opts.seed))
	x := tensor.New(tensor.F32, opts.batch, model.Config.HiddenSize)
	for i := range x.Float32s() {
		x.Float32s()[i] = float32(rng.NormFloat64())
	}
	x = x.To(norm.Weight.DType())

	out := cmd.OutOrStdout()
	if opts.compare {
		return compareBackends(cmd, l, x)
	}

	tape := autograd.NewTape()
	tape.SetGradEnabled(opts.grad)
	in := autograd.NewConstant(x)
	if opts.grad {
		in = autograd.NewParameter("input", x)
	}
	start := time.Now()
	y, err := l.FeedForward(tape, in)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	_, backend := registry.Active()
	fmt.Fprintf(out, "backend=%s layer=%d shape=%v dtype=%s forward=%s\n",
		backend, opts.layer, y.Value.Shape(), y.Value.DType(), elapsed)
	fmt.Fprintf(out, "output: %s\n", summarize(y.Value))

	if !opts.grad {
		return nil
	}
	loss, err := autograd.Sum(tape, y)
	if err != nil {
		return err
	}
	start = time.Now()
	if err := tape.Backward(loss, nil); err != nil {
		return err
	}
	fmt.Fprintf(out, "backward=%s\n", time.Since(start))
	fmt.Fprintf(out, "input grad: %s\n", summarize(in.Grad))
	for _, p := range lora.TrainableParameters(l) {
		if p.Grad == nil {
			continue
		}
		fmt.Fprintf(out, "%s grad: %s\n", p.Name(), summarize(p.Grad))
	}
	return nil
}

func compareBackends(cmd *cobra.Command, l *llama.DecoderLayer, x *tensor.Tensor) error {
	_, prev := registry.Active()
	defer func() {
		if prev != device.None {
			if err := registry.Select(prev); err != nil {
				logger.Log.Warn("restore backend failed", "backend", prev, "error", err)
			}
		}
	}()

	out := cmd.OutOrStdout()
	var ref *tensor.Tensor
	for _, name := range registry.Available() {
		if err := registry.Select(name); err != nil {
			return err
		}
		tape := autograd.NewTape()
		tape.SetGradEnabled(false)
		start := time.Now()
		y, err := l.FeedForward(tape, autograd.NewConstant(x))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		elapsed := time.Since(start)
		if ref == nil {
			ref = y.Value
			fmt.Fprintf(out, "%-8s forward=%s\n", name, elapsed)
			continue
		}
		fmt.Fprintf(out, "%-8s forward=%s max_abs_diff=%.3g\n", name, elapsed, tensor.MaxAbsDiff(ref, y.Value))
	}
	if ref == nil {
		return fmt.Errorf("no backend available")
	}
	return nil
}

func summarize(t *tensor.Tensor) string {
	if t == nil {
		return "none"
	}
	var sum, sq float64
	maxAbs := 0.0
	vals := t.Floats()
	for _, v := range vals {
		f := float64(v)
		sum += f
		sq += f * f
		maxAbs = math.Max(maxAbs, math.Abs(f))
	}
	n := float64(len(vals))
	if n == 0 {
		return "empty"
	}
	return fmt.Sprintf("mean=%.4g rms=%.4g max_abs=%.4g", sum/n, math.Sqrt(sq/n), maxAbs)
}
