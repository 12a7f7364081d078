package config

import (
	"fmt"
	"strings"
)

// FinetuneConfig holds the knobs of a 4-bit LoRA finetuning run. The
// training loop that consumes it lives outside this module.
type FinetuneConfig struct {
	Dataset      string
	DatasetType  string
	LoRAOutDir   string
	LoRAApplyDir string
	ConfigDir    string
	ModelPath    string

	MicroBatchSize int
	BatchSize      int
	Epochs         int
	LearningRate   float64
	CutoffLen      int

	LoRA LoRAConfig

	// ValSetSize is a fraction when <= 1, otherwise an absolute count.
	ValSetSize     float64
	WarmupSteps    int
	SaveSteps      int
	SaveTotalLimit int
	LoggingSteps   int

	Checkpoint bool // produce a full checkpoint instead of an adapter
	Skip       bool // build everything but do not train
}

func DefaultFinetune() FinetuneConfig {
	return FinetuneConfig{
		DatasetType:    "alpaca",
		LoRAOutDir:     "alpaca_lora",
		MicroBatchSize: 4,
		BatchSize:      128,
		Epochs:         3,
		LearningRate:   3e-4,
		CutoffLen:      256,
		LoRA:           DefaultLoRA(),
		ValSetSize:     0.2,
		WarmupSteps:    50,
		SaveSteps:      50,
		SaveTotalLimit: 3,
		LoggingSteps:   10,
	}
}

func (c *FinetuneConfig) GradientAccumulationSteps() int {
	if c.MicroBatchSize <= 0 {
		return 0
	}
	return c.BatchSize / c.MicroBatchSize
}

// ValidationCount resolves ValSetSize against a dataset of n examples.
func (c *FinetuneConfig) ValidationCount(n int) int {
	if c.ValSetSize > 1 {
		return int(c.ValSetSize)
	}
	return int(c.ValSetSize * float64(n))
}

func (c *FinetuneConfig) Validate() error {
	if c.MicroBatchSize <= 0 {
		return fmt.Errorf("invalid mbatch_size: %d (must be positive)", c.MicroBatchSize)
	}
	if c.BatchSize < c.MicroBatchSize {
		return fmt.Errorf("batch_size (%d) < mbatch_size (%d)", c.BatchSize, c.MicroBatchSize)
	}
	if c.BatchSize%c.MicroBatchSize != 0 {
		return fmt.Errorf("batch_size (%d) is not a multiple of mbatch_size (%d)", c.BatchSize, c.MicroBatchSize)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("invalid epochs: %d (must be positive)", c.Epochs)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("invalid lr: %v (must be positive)", c.LearningRate)
	}
	if c.CutoffLen <= 0 {
		return fmt.Errorf("invalid cutoff_len: %d (must be positive)", c.CutoffLen)
	}
	if c.ValSetSize < 0 {
		return fmt.Errorf("invalid val_set_size: %v (must be non-negative)", c.ValSetSize)
	}
	return c.LoRA.Validate()
}

func (c FinetuneConfig) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "\nParameters:\n%s\n", center("config"))
	fmt.Fprintf(&sb, "dataset=%q\nds_type=%q\nlora_out_dir=%q\nlora_apply_dir=%q\nconfig_dir=%q\nmodel=%q\n\n",
		c.Dataset, c.DatasetType, c.LoRAOutDir, c.LoRAApplyDir, c.ConfigDir, c.ModelPath)
	fmt.Fprintf(&sb, "%s\n", center("training"))
	fmt.Fprintf(&sb, "mbatch_size=%d\nbatch_size=%d\ngradient_accumulation_steps=%d\nepochs=%d\nlr=%g\ncutoff_len=%d\n",
		c.MicroBatchSize, c.BatchSize, c.GradientAccumulationSteps(), c.Epochs, c.LearningRate, c.CutoffLen)
	fmt.Fprintf(&sb, "lora_r=%d\nlora_alpha=%d\nlora_dropout=%g\nval_set_size=%g\nwarmup_steps=%d\nsave_steps=%d\nsave_total_limit=%d\nlogging_steps=%d\n",
		c.LoRA.R, c.LoRA.Alpha, c.LoRA.Dropout, c.ValSetSize, c.WarmupSteps, c.SaveSteps, c.SaveTotalLimit, c.LoggingSteps)
	fmt.Fprintf(&sb, "checkpoint=%t\nskip=%t", c.Checkpoint, c.Skip)
	return sb.String()
}

func center(title string) string {
	const width = 20
	pad := width - len(title)
	if pad <= 0 {
		return title
	}
	left := pad / 2
	return strings.Repeat("-", left) + title + strings.Repeat("-", pad-left)
}
