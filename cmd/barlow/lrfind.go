package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/born-ml/barlow/internal/callbacks"
	"github.com/born-ml/barlow/internal/data"
	"github.com/born-ml/barlow/internal/models"
	"github.com/born-ml/barlow/internal/train"
	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/nn"
)

func runLRFind(ctx context.Context, args []string) error {
	var common commonFlags
	fs := flag.NewFlagSet("lrfind", flag.ExitOnError)
	common.register(fs)
	pretrain := fs.Bool("pretrain", false, "Sweep the Barlow Twins objective instead of classification")
	minLR := fs.Float64("min-lr", 0, "Override lr_finder.min_lr")
	maxLR := fs.Float64("max-lr", 0, "Override lr_finder.max_lr")
	history := fs.String("history", "", "Override lr_finder.history_path (.csv or .json)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := common.logger()
	cfg, err := common.load()
	if err != nil {
		return err
	}
	if *minLR != 0 {
		cfg.LRFinder.MinLR = *minLR
	}
	if *maxLR != 0 {
		cfg.LRFinder.MaxLR = *maxLR
	}
	if *history != "" {
		cfg.LRFinder.HistoryPath = *history
	}

	d, err := common.dataset(cfg)
	if err != nil {
		return err
	}
	backend := autodiff.New(cpu.New())
	batches, err := common.batches(cfg, d, backend)
	if err != nil {
		return err
	}

	finder, err := callbacks.NewLRFinderForEpochs(cfg.LRFinder.MinLR, cfg.LRFinder.MaxLR, len(batches), cfg.Train.Epochs)
	if err != nil {
		return err
	}

	var (
		params      []*nn.Parameter[trainBackend]
		regularized []*nn.Parameter[trainBackend]
		step        train.StepFunc[*cpu.Backend]
	)
	if *pretrain {
		model, err := models.NewBarlowEncoder(cfg.BarlowOptions(), backend)
		if err != nil {
			return err
		}
		params, regularized = model.TrainableParameters(), model.RegularizedParameters()
		step = train.BarlowStep(model, data.NewAugmenter(common.seed), float32(cfg.Train.BarlowLambda))
	} else {
		model, err := models.NewClassifier(cfg.ClassifierOptions(), backend)
		if err != nil {
			return err
		}
		params = model.TrainableParameters()
		step = train.ClassificationStep(model, backend)
	}

	optimizer, err := train.NewOptimizer(cfg.Train, params, backend)
	if err != nil {
		return err
	}
	trainer, err := train.New(backend, train.Options[*cpu.Backend]{
		Optimizer:   optimizer,
		Handlers:    []callbacks.Handler{finder},
		L2:          l2For(cfg, *pretrain),
		Regularized: regularized,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	logger.Info("learning rate sweep",
		"min_lr", cfg.LRFinder.MinLR,
		"max_lr", cfg.LRFinder.MaxLR,
		"iterations", finder.Progress().TotalIterations,
	)

	// an interrupted sweep still saves the steps it recorded
	_, fitErr := trainer.Fit(ctx, batches, cfg.Train.Epochs, step)

	h := finder.History()
	if h.Len() > 0 {
		if err := callbacks.SaveHistory(h, cfg.LRFinder.HistoryPath); err != nil {
			return err
		}
		logger.Info("history saved", "path", cfg.LRFinder.HistoryPath, "steps", h.Len())
	}
	if fitErr != nil {
		return fitErr
	}

	if rate, err := h.SuggestRate(); err == nil {
		fmt.Printf("Suggested learning rate: %.3g\n", rate)
	} else {
		logger.Warn("no learning rate suggestion", "err", err)
	}
	return nil
}
