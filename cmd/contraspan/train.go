package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/embedml/contraspan/checkpoint"
	"github.com/embedml/contraspan/config"
	"github.com/embedml/contraspan/dataset"
	"github.com/embedml/contraspan/losses"
	"github.com/embedml/contraspan/optimize"
	"github.com/embedml/contraspan/spans"
	"github.com/embedml/contraspan/trainer"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the span encoder on a corpus",
	Long: `Train runs contrastive training as described by the configuration file:
documents are streamed from the corpus, spans are sampled and tokenized,
and each batch takes one optimizer step. A checkpoint is written at the
end of every epoch when checkpoints.dir is set.

An interrupted run picks up where it left off with --resume.`,
	RunE: runTrain,
}

var (
	trainConfigPath string
	trainResume     bool
)

func init() {
	rootCmd.AddCommand(trainCmd)
	trainCmd.Flags().StringVar(&trainConfigPath, "config", "", "Path to the YAML run configuration (required)")
	trainCmd.Flags().BoolVar(&trainResume, "resume", false, "Continue from the newest checkpoint in checkpoints.dir")
	_ = trainCmd.MarkFlagRequired("config")
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(trainConfigPath)
	if err != nil {
		return err
	}
	if trainResume && cfg.Checkpoints.Dir == "" {
		return errors.New("--resume needs checkpoints.dir set in the configuration")
	}

	source, err := buildSource(cfg)
	if err != nil {
		return err
	}
	adapter, err := buildAdapter(cfg, source)
	if err != nil {
		return err
	}
	sampler, err := spans.NewSampler(cfg.Spans.PerDocument, cfg.Spans.MinLength, cfg.Spans.MaxLength)
	if err != nil {
		return err
	}
	var readerOpts []dataset.ReaderOption
	if cfg.Data.ShuffleBuffer > 0 {
		readerOpts = append(readerOpts, dataset.WithShuffle(cfg.Data.ShuffleBuffer))
	}
	if cfg.MLM.Enabled {
		readerOpts = append(readerOpts, dataset.WithMLM(dataset.MLMPolicy{MaskProb: cfg.MLM.MaskProb}))
	}
	reader, err := dataset.NewReader(source, adapter, sampler, cfg.Training.Seed, readerOpts...)
	if err != nil {
		return err
	}
	batcher, err := dataset.NewBatcher(cfg.Training.BatchSize, cfg.Training.DropLast)
	if err != nil {
		return err
	}

	backend, err := newBackend(cfg.Training.Device)
	if err != nil {
		return err
	}
	m := buildModel(cfg, adapter.VocabSize(), reader.Width(), cfg.MLM.Enabled)
	contrastive, err := losses.NewNTXent(cfg.Loss.Temperature)
	if err != nil {
		return err
	}
	opt, err := optimize.NewAdamW(m.ctx, m.registry, optimize.Config{
		LearningRate: cfg.Optimizer.LearningRate,
		Beta1:        cfg.Optimizer.Beta1,
		Beta2:        cfg.Optimizer.Beta2,
		Epsilon:      cfg.Optimizer.Epsilon,
		WeightDecay:  cfg.Optimizer.WeightDecay,
		ClipNorm:     cfg.Optimizer.ClipNorm,
	})
	if err != nil {
		return err
	}

	params := trainer.Params{
		Backend:     backend,
		Context:     m.ctx,
		Reader:      reader,
		Batcher:     batcher,
		Encoder:     m.encoder,
		Contrastive: contrastive,
		Optimizer:   opt,
		Epochs:      cfg.Training.Epochs,
		Prefetch:    cfg.Training.Prefetch,
		OnEpoch: func(stats trainer.EpochStats) {
			printEpoch(stats, cfg.Training.Epochs)
		},
	}
	if cfg.MLM.Enabled {
		params.MLMHead = m.head
		params.MLM = losses.NewMaskedCrossEntropy(dataset.IgnoreLabel)
		params.MLMWeight = cfg.MLM.Weight
	}

	if cfg.Checkpoints.Dir != "" {
		store, err := checkpoint.NewStore(cfg.Checkpoints.Dir, cfg.Checkpoints.Keep)
		if err != nil {
			return err
		}
		defer store.Close()
		params.Store = store

		// The optimizer must exist before restoring so its moments and
		// step counter are variables the snapshot can fill.
		if trainResume {
			state, found, err := store.Restore(m.ctx)
			if err != nil {
				return errors.WithMessage(err, "resuming")
			}
			if found {
				params.StartEpoch = state.Epoch + 1
				klog.Infof("Resuming after epoch %d (step %d)", state.Epoch+1, state.Step)
			} else {
				klog.Infof("No checkpoint to resume from, training from scratch")
			}
		}
	}

	tr, err := trainer.New(params)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return tr.Run(ctx)
}

var (
	epochStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	statStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	faintStyle = lipgloss.NewStyle().Faint(true)
)

// printEpoch renders one summary line per completed epoch.
func printEpoch(stats trainer.EpochStats, totalEpochs int) {
	line := fmt.Sprintf("%s  %s  %s  %s",
		epochStyle.Render(fmt.Sprintf("epoch %d/%d", stats.Epoch+1, totalEpochs)),
		statStyle.Render(fmt.Sprintf("loss %.4f (last %.4f)", stats.MeanLoss, stats.LastLoss)),
		statStyle.Render(fmt.Sprintf("grad %.3f", stats.MeanGradNorm)),
		faintStyle.Render(fmt.Sprintf("%d batches in %s", stats.Batches, stats.Duration.Round(time.Millisecond))),
	)
	if stats.Checkpoint != "" {
		line += "  " + faintStyle.Render("saved "+stats.Checkpoint)
	}
	fmt.Println(line)
}
