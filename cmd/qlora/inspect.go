package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-qlora/internal/checkpoint"
	"github.com/23skdu/longbow-qlora/internal/llama"
	"github.com/23skdu/longbow-qlora/internal/loader"
	"github.com/23skdu/longbow-qlora/internal/nn"
	"github.com/23skdu/longbow-qlora/internal/quant"
)

func isQuantized(m nn.Module) bool {
	_, ok := nn.Unwrap(m).(*quant.QuantLinear)
	return ok
}

func newInspectCmd() *cobra.Command {
	var (
		lf      loadFlags
		tensors bool
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Build (and optionally load) a model and report its layout",
		Long: `Builds the model described by --config with quantized projections.
With --model the checkpoint is loaded and the device map is printed as well.
With --tensors only the checkpoint's tensor table is printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if tensors {
				if lf.modelPath == "" {
					return fmt.Errorf("--tensors needs --model")
				}
				return listTensors(cmd.Context(), out, lf.modelPath)
			}

			cfg, err := lf.config(cmd)
			if err != nil {
				return err
			}
			if cfg.ModelPath == "" {
				if err := cfg.Quant.Validate(); err != nil {
					return err
				}
				model, _, err := loader.Build(cfg, registry)
				if err != nil {
					return err
				}
				fmt.Fprint(out, llama.Analyze(model.Config, model, isQuantized))
				return nil
			}

			res, err := loader.Load(cmd.Context(), cfg, registry)
			if err != nil {
				return err
			}
			fmt.Fprint(out, llama.Analyze(res.Model.Config, res.Model, isQuantized))
			fmt.Fprintf(out, "Loaded Tensors:   %d (%s)\n", res.Stats.Loaded, humanize.IBytes(uint64(res.Stats.Bytes)))
			if len(res.Stats.Missing) > 0 {
				fmt.Fprintf(out, "Missing Tensors:  %d\n", len(res.Stats.Missing))
			}
			if res.Adapter != nil {
				fmt.Fprintf(out, "Adapter:          r=%d alpha=%d targets=%v\n",
					res.Adapter.R, res.Adapter.Alpha, res.Adapter.TargetModules)
			}
			fmt.Fprintln(out, "\nDevice Map")
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, p := range res.Placement {
				fmt.Fprintf(tw, "  %s\t%s\t%s\n", p.Module, p.Device, humanize.IBytes(p.Bytes))
			}
			return tw.Flush()
		},
	}
	lf.register(cmd)
	cmd.Flags().BoolVar(&tensors, "tensors", false, "List the tensors stored in --model")
	return cmd
}

func listTensors(ctx context.Context, out io.Writer, path string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	src, err := checkpoint.Open(ctx, path)
	if err != nil {
		return err
	}
	defer src.Close()

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "NAME\tDTYPE\tSHAPE\tSIZE\n")
	var total uint64
	for _, name := range src.Names() {
		info, err := src.Info(name)
		if err != nil {
			return err
		}
		size := uint64(numel(info.Shape) * info.DType.Size())
		total += size
		fmt.Fprintf(tw, "%s\t%s\t%v\t%s\n", name, info.DType, info.Shape, humanize.IBytes(size))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %d tensors, %s\n", src.Kind(), len(src.Names()), humanize.IBytes(total))
	return nil
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
