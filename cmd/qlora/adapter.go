package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-qlora/internal/config"
	"github.com/23skdu/longbow-qlora/internal/lora"
)

func newInitAdapterCmd() *cobra.Command {
	var (
		lf   loadFlags
		ft   = config.DefaultFinetune()
		seed int64
	)
	cmd := &cobra.Command{
		Use:   "init-adapter",
		Short: "Attach fresh LoRA adapters for a finetuning run and save them",
		Long: `Validates the finetuning parameters, builds the model, attaches
adapters to the target modules (or loads --lora-apply-dir) and writes
adapter_config.json and adapter_model.safetensors to --lora-out-dir.
Without --model the base weights are synthetic.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := lf.config(cmd)
			if err != nil {
				return err
			}
			ft.ConfigDir = cfg.ConfigDir
			ft.ModelPath = cfg.ModelPath
			if err := ft.Validate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ft.String())

			cfg.LoRAPath = ft.LoRAApplyDir
			model, err := loadModel(cmd, cfg, forwardOpts{synthetic: cfg.ModelPath == "", seed: seed})
			if err != nil {
				return err
			}

			lc := ft.LoRA
			if ft.LoRAApplyDir == "" {
				if _, err := lora.Apply(model, lc); err != nil {
					return err
				}
			} else if lc, err = lora.ReadConfig(ft.LoRAApplyDir); err != nil {
				return err
			}

			var n int
			for _, p := range lora.TrainableParameters(model) {
				n += p.Value.NumElements()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\ntrainable parameters: %d\n", n)
			if ft.Skip {
				return nil
			}
			return lora.SaveAdapter(model, ft.LoRAOutDir, lc)
		},
	}
	lf.register(cmd)
	fs := cmd.Flags()
	fs.StringVar(&ft.Dataset, "data", ft.Dataset, "Dataset path recorded with the run")
	fs.StringVar(&ft.DatasetType, "ds-type", ft.DatasetType, "Dataset format")
	fs.StringVar(&ft.LoRAOutDir, "lora-out-dir", ft.LoRAOutDir, "Directory to write the adapter to")
	fs.StringVar(&ft.LoRAApplyDir, "lora-apply-dir", "", "Continue from an existing adapter")
	fs.IntVar(&ft.MicroBatchSize, "mbatch-size", ft.MicroBatchSize, "Micro batch size")
	fs.IntVar(&ft.BatchSize, "batch-size", ft.BatchSize, "Batch size")
	fs.IntVar(&ft.Epochs, "epochs", ft.Epochs, "Epochs")
	fs.Float64Var(&ft.LearningRate, "lr", ft.LearningRate, "Learning rate")
	fs.IntVar(&ft.CutoffLen, "cutoff-len", ft.CutoffLen, "Token cutoff length")
	fs.IntVar(&ft.LoRA.R, "lora-r", ft.LoRA.R, "Adapter rank")
	fs.IntVar(&ft.LoRA.Alpha, "lora-alpha", ft.LoRA.Alpha, "Adapter alpha")
	fs.Float64Var(&ft.LoRA.Dropout, "lora-dropout", ft.LoRA.Dropout, "Adapter dropout")
	fs.StringSliceVar(&ft.LoRA.TargetModules, "target-modules", ft.LoRA.TargetModules, "Module names to adapt")
	fs.Float64Var(&ft.ValSetSize, "val-set-size", ft.ValSetSize, "Validation fraction, or a count when > 1")
	fs.IntVar(&ft.WarmupSteps, "warmup-steps", ft.WarmupSteps, "Warmup steps")
	fs.IntVar(&ft.SaveSteps, "save-steps", ft.SaveSteps, "Steps between saves")
	fs.IntVar(&ft.SaveTotalLimit, "save-total-limit", ft.SaveTotalLimit, "Checkpoints to keep")
	fs.IntVar(&ft.LoggingSteps, "logging-steps", ft.LoggingSteps, "Steps between log lines")
	fs.BoolVar(&ft.Skip, "skip", false, "Print the plan without writing the adapter")
	fs.Int64Var(&seed, "seed", 1, "Seed for synthetic base weights")
	return cmd
}
