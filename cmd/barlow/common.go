package main

import (
	"flag"
	"log/slog"
	"math/rand/v2"
	"os"

	"github.com/born-ml/barlow/internal/config"
	"github.com/born-ml/barlow/internal/data"
	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/pkg/errors"
)

type trainBackend = *autodiff.Backend[*cpu.Backend]

// commonFlags are shared by every training command. Zero values keep the
// configuration file's setting.
type commonFlags struct {
	configPath string
	dataPath   string
	samples    int
	seed       uint64
	epochs     int
	batchSize  int
	lr         float64
	optimizer  string
	verbose    bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "YAML run configuration (defaults are used when empty)")
	fs.StringVar(&c.dataPath, "data", "", "CSV dataset (label,pixel0,...); synthetic data when empty")
	fs.IntVar(&c.samples, "samples", 256, "Max samples to load, or synthetic samples to generate")
	fs.Uint64Var(&c.seed, "seed", 1, "Random seed for synthetic data, shuffling and augmentation")
	fs.IntVar(&c.epochs, "epochs", 0, "Override train.epochs")
	fs.IntVar(&c.batchSize, "batch", 0, "Override train.batch_size")
	fs.Float64Var(&c.lr, "lr", 0, "Override train.lr")
	fs.StringVar(&c.optimizer, "optimizer", "", "Override train.optimizer (adam|sgd)")
	fs.BoolVar(&c.verbose, "v", false, "Debug logging")
}

// load applies flag overrides on top of the configuration file.
func (c *commonFlags) load() (config.Config, error) {
	cfg := config.Default()
	if c.configPath != "" {
		var err error
		if cfg, err = config.Load(c.configPath); err != nil {
			return cfg, err
		}
	}

	if c.epochs != 0 {
		cfg.Train.Epochs = c.epochs
	}
	if c.batchSize != 0 {
		cfg.Train.BatchSize = c.batchSize
	}
	if c.lr != 0 {
		cfg.Train.LR = c.lr
	}
	if c.optimizer != "" {
		cfg.Train.Optimizer = c.optimizer
	}
	return cfg, cfg.Validate()
}

func (c *commonFlags) logger() *slog.Logger {
	level := slog.LevelInfo
	if c.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func (c *commonFlags) rng() *rand.Rand {
	return rand.New(rand.NewPCG(c.seed, c.seed+1))
}

// dataset loads the CSV file or generates synthetic images shaped like the model input.
func (c *commonFlags) dataset(cfg config.Config) (*data.Dataset, error) {
	if c.dataPath == "" {
		return data.NewSynthetic(c.samples, cfg.Model.ImageShape, cfg.Model.NumClasses, c.seed)
	}
	d, err := data.LoadCSV(c.dataPath, cfg.Model.ImageShape, c.samples)
	if err != nil {
		return nil, err
	}
	if d.NumClasses() > cfg.Model.NumClasses {
		return nil, errors.Errorf("dataset has %d classes but model.num_classes is %d", d.NumClasses(), cfg.Model.NumClasses)
	}
	return d, nil
}

// batches builds shuffled training batches. Incomplete batches are dropped so
// every step sees batch statistics over the full batch size.
func (c *commonFlags) batches(cfg config.Config, d *data.Dataset, b trainBackend) ([]*data.Batch[trainBackend], error) {
	batches, err := data.CreateBatches(d, cfg.Train.BatchSize, true, c.rng(), b)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, errors.Errorf("%d samples do not fill one batch of %d", d.NumSamples(), cfg.Train.BatchSize)
	}
	return batches, nil
}

// valBatches keeps dataset order and the final partial batch.
func (c *commonFlags) valBatches(cfg config.Config, d *data.Dataset, b trainBackend) ([]*data.Batch[trainBackend], error) {
	return data.CreateBatches(d, cfg.Train.BatchSize, false, nil, b)
}
