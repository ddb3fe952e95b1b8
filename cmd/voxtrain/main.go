package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/voxtea/voxtrain/checkpoints"
	"github.com/voxtea/voxtrain/training"
)

var (
	flagConfig      string
	flagCheckpoints string
	flagVerbose     bool

	flagSamples  int
	flagChannels int
	flagDepth    int
	flagHeight   int
	flagWidth    int
	flagHidden   int
	flagLatent   int
	flagValFrac  float64
)

func main() {
	root := &cobra.Command{
		Use:           "voxtrain",
		Short:         "Train volumetric autoencoders and inspect their checkpoints",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	train := &cobra.Command{
		Use:   "train",
		Short: "Run a training session on a synthetic volume dataset",
		RunE:  runTrain,
	}
	train.Flags().StringVarP(&flagConfig, "config", "c", "", "YAML training config (defaults apply when omitted)")
	train.Flags().StringVarP(&flagCheckpoints, "checkpoints", "o", "checkpoints", "checkpoint output directory")
	train.Flags().IntVar(&flagSamples, "samples", 200, "number of synthetic samples")
	train.Flags().IntVar(&flagChannels, "channels", 1, "volume channels")
	train.Flags().IntVar(&flagDepth, "depth", 8, "volume depth")
	train.Flags().IntVar(&flagHeight, "height", 16, "volume height")
	train.Flags().IntVar(&flagWidth, "width", 16, "volume width")
	train.Flags().IntVar(&flagHidden, "hidden", 128, "hidden layer size")
	train.Flags().IntVar(&flagLatent, "latent", 16, "latent dimension")
	train.Flags().Float64Var(&flagValFrac, "val-fraction", 0.2, "fraction of samples held out for validation")

	inspect := &cobra.Command{
		Use:   "inspect <checkpoint-dir>",
		Short: "Print the metadata of a saved checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}

	latest := &cobra.Command{
		Use:   "latest <root-dir>",
		Short: "Find the most recently saved checkpoint under a directory",
		Args:  cobra.ExactArgs(1),
		RunE:  runLatest,
	}

	root.AddCommand(train, inspect, latest)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	if flagVerbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runTrain(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	cfg := training.DefaultConfig()
	if flagConfig != "" {
		cfg, err = training.LoadConfigYAML(flagConfig)
		if err != nil {
			return err
		}
	}

	dataset, err := training.NewSyntheticVolumeDataset(
		flagSamples, flagChannels, flagDepth, flagHeight, flagWidth, 0, cfg.Seed)
	if err != nil {
		return err
	}
	trainDS, valDS, err := training.SplitDataset(dataset, flagValFrac, cfg.Seed)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	inputShape := []int{flagChannels, flagDepth, flagHeight, flagWidth}
	model, err := training.NewDenseVAE(inputShape, flagHidden, flagLatent, rng)
	if err != nil {
		return err
	}
	loss := training.NewVAELoss(cfg.Beta, cfg.WarmupEpochs)

	ckpt, err := checkpoints.NewManager(flagCheckpoints, "loss", checkpoints.ModeMin,
		cfg.CheckpointRetentionCount, cfg.SaveOnlyBest, logger)
	if err != nil {
		return err
	}

	orch, err := training.NewOrchestrator(cfg, model, loss, trainDS, valDS,
		training.WithLogger(logger),
		training.WithCheckpointManager(ckpt))
	if err != nil {
		return err
	}
	if err := orch.AddListener(training.NewConsoleListener(os.Stderr, 40)); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := orch.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("run %s: %s after %d epochs\n", ckpt.RunID(), result.StopCause, result.EpochsRun)
	if result.Err != nil {
		fmt.Printf("stopped by: %v\n", result.Err)
	}
	if result.Best.Seen {
		fmt.Printf("best loss %.6f at epoch %d\n", result.Best.Value, result.Best.Epoch)
	}
	if result.BestCheckpoint != "" {
		fmt.Printf("best checkpoint: %s\n", result.BestCheckpoint)
	}
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	meta, err := checkpoints.LoadMetadata(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("run:          %s\n", meta.RunID)
	fmt.Printf("epoch:        %d\n", meta.Epoch)
	fmt.Printf("model:        %s\n", meta.ModelKind)
	fmt.Printf("metric:       %s = %.6f\n", meta.MetricName, meta.MetricValue)
	fmt.Printf("parameters:   %d\n", meta.ParamCount)
	fmt.Printf("saved:        %s\n", meta.SavedAt.Format("2006-01-02 15:04:05 MST"))
	return nil
}

func runLatest(cmd *cobra.Command, args []string) error {
	dir, err := checkpoints.FindLatest(args[0])
	if err != nil {
		return err
	}
	if dir == "" {
		return fmt.Errorf("no checkpoints found under %s", args[0])
	}
	fmt.Println(dir)
	return nil
}
