package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tsawler/go-dptrain/async"
	"github.com/tsawler/go-dptrain/checkpoints"
	"github.com/tsawler/go-dptrain/config"
	"github.com/tsawler/go-dptrain/metrics"
	"github.com/tsawler/go-dptrain/model"
	"github.com/tsawler/go-dptrain/trainerrors"
	"github.com/tsawler/go-dptrain/training"
	"github.com/tsawler/go-dptrain/vision/dataset"
	"github.com/tsawler/go-dptrain/vision/preprocessing"
)

// usageError marks command line mistakes, which exit with trainerrors.ExitUsage.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }

func (e *usageError) Unwrap() error { return e.err }

// Execute runs the root command with the process arguments until it finishes or
// the process receives SIGINT or SIGTERM, and returns the exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, RootCmd(), os.Args[1:])
}

func run(ctx context.Context, cmd *cobra.Command, args []string) int {
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return trainerrors.ExitOK
	}

	var usage *usageError
	if errors.As(err, &usage) {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n%s", err, cmd.UsageString())
		return trainerrors.ExitUsage
	}
	code := trainerrors.ExitCode(err)
	if code != trainerrors.ExitOK {
		log.WithError(err).WithField("fatal", trainerrors.IsFatal(err)).Error("dptrain failed")
	}
	return code
}

// RootCmd builds the dptrain command. Flags take precedence over DPTRAIN_
// environment variables, which take precedence over the config file.
func RootCmd() *cobra.Command {
	v := viper.New()
	var configPath string

	cmd := &cobra.Command{
		Use:           "dptrain",
		Short:         "dptrain trains an image classifier with synchronous data-parallel SGD.",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.NoArgs(cmd, args); err != nil {
				return &usageError{err}
			}
			return nil
		},
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if mode, _ := cmd.Flags().GetString("mode"); mode != "train" && mode != "test" {
				return &usageError{fmt.Errorf("invalid mode %q, expected train or test", mode)}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return err
			}
			if err := config.ConfigureLogging(cfg.Logging); err != nil {
				return &trainerrors.ErrConfig{Field: "Logging.Level", Message: "invalid", Cause: err}
			}
			return runTrainer(cmd.Context(), cfg)
		},
	}
	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err}
	})

	cmd.Flags().String("mode", "train", "train or test")
	cmd.Flags().Bool("restore", false, "resume from the most recent checkpoint; an explicit value needs the = form (--restore=false)")
	cmd.Flags().StringVar(&configPath, "config", "", "optional YAML config file")
	for _, name := range []string{"mode", "restore"} {
		if err := v.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			panic(err)
		}
	}
	return cmd
}

func runTrainer(ctx context.Context, cfg config.Config) error {
	runID := uuid.NewString()
	log.WithFields(log.Fields{
		"run":     runID,
		"mode":    cfg.Mode,
		"cpu":     cpuid.CPU.BrandName,
		"cores":   cpuid.CPU.LogicalCores,
		"workers": cfg.Training.NumWorkers,
	}).Info("Starting dptrain")

	source, geometry, err := newSource(&cfg)
	if err != nil {
		return err
	}
	m, err := model.New(model.Config{
		Kind:       cfg.Model.Kind,
		InputSize:  geometry.Size(),
		Hidden:     cfg.Model.Hidden,
		NumClasses: cfg.Model.NumClasses,
	})
	if err != nil {
		return &trainerrors.ErrConfig{Field: "Model", Message: "cannot build model", Cause: err}
	}
	saver, err := checkpoints.NewManager(checkpoints.Config{
		Directory:  cfg.Checkpoint.Directory,
		MaxToKeep:  cfg.Checkpoint.MaxToKeep,
		RetryDelay: cfg.Checkpoint.RetryDelay,
		RunID:      runID,
	})
	if err != nil {
		return &trainerrors.ErrConfig{Field: "Checkpoint", Message: "cannot create checkpoint manager", Cause: err}
	}

	sink, closeSink := newSink(cfg.Metrics, geometry)
	defer closeSink()

	trainer, err := training.NewTrainer(cfg, m, source, sink, saver,
		training.WithTransforms(
			dataset.Transform(geometry, cfg.Data.CropPadding, true),
			dataset.Transform(geometry, 0, false),
		))
	if err != nil {
		return err
	}

	if cfg.Mode == "test" {
		_, err = trainer.Evaluate(ctx)
		return err
	}
	return trainer.Run(ctx)
}

// newSource builds the record source for the configured data format. Folder trees
// are addressed by path, so the train and test entries are resolved against the
// data directory here.
func newSource(cfg *config.Config) (async.Source, preprocessing.Geometry, error) {
	geometry := preprocessing.Geometry{
		Height:   cfg.Data.ImageHeight,
		Width:    cfg.Data.ImageWidth,
		Channels: cfg.Data.Channels,
	}

	switch cfg.Data.Format {
	case "folder":
		processor := preprocessing.NewImageProcessor(cfg.Data.ImageHeight)
		if processor.Geometry() != geometry {
			return nil, geometry, &trainerrors.ErrConfig{
				Field:   "Data",
				Message: fmt.Sprintf("folder images are square RGB, got %dx%dx%d", geometry.Height, geometry.Width, geometry.Channels),
			}
		}
		for _, path := range []*string{&cfg.Data.TrainFile, &cfg.Data.TestFile} {
			if !filepath.IsAbs(*path) {
				*path = filepath.Join(cfg.Data.Dir, *path)
			}
		}
		return &dataset.ImageFolderSource{ImageSize: cfg.Data.ImageHeight, Seed: cfg.Data.Seed}, geometry, nil
	default:
		source, err := dataset.NewCIFARSource(dataset.CIFARConfig{
			Dir:        cfg.Data.Dir,
			Geometry:   geometry,
			NumClasses: cfg.Model.NumClasses,
			CacheSize:  cfg.Data.CacheSize,
			Seed:       cfg.Data.Seed,
		})
		if err != nil {
			return nil, geometry, &trainerrors.ErrConfig{Field: "Data", Message: "cannot open source", Cause: err}
		}
		return source, geometry, nil
	}
}

// newSink always logs scalars; Prometheus and image output are optional.
func newSink(cfg config.MetricsConfig, geometry preprocessing.Geometry) (metrics.Sink, func()) {
	sinks := []metrics.Sink{metrics.LogSink{}}
	closeSink := func() {}

	if cfg.ListenAddress != "" {
		sinks = append(sinks, metrics.NewPrometheusSink(prometheus.DefaultRegisterer))
		closeSink = metrics.ServeMetrics(cfg.ListenAddress)
	}
	if cfg.ImageDir != "" && cfg.Images > 0 {
		sinks = append(sinks, &metrics.ImageSink{Dir: cfg.ImageDir, Geometry: geometry, Max: cfg.Images})
	}
	return metrics.NewMulti(sinks...), closeSink
}
