package main

import (
	"context"
	"flag"

	"github.com/born-ml/barlow/internal/callbacks"
	"github.com/born-ml/barlow/internal/config"
	"github.com/born-ml/barlow/internal/data"
	"github.com/born-ml/barlow/internal/layers"
	"github.com/born-ml/barlow/internal/models"
	"github.com/born-ml/barlow/internal/train"
	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
)

func runPretrain(ctx context.Context, args []string) error {
	var common commonFlags
	fs := flag.NewFlagSet("pretrain", flag.ExitOnError)
	common.register(fs)
	saveDir := fs.String("save-dir", "", "Override train.save_dir")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := common.logger()
	cfg, err := common.load()
	if err != nil {
		return err
	}
	if *saveDir != "" {
		cfg.Train.SaveDir = *saveDir
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

	model, err := models.NewBarlowEncoder(cfg.BarlowOptions(), backend)
	if err != nil {
		return err
	}
	logger.Info("model built",
		"parameters", layers.CountParameters(model.Parameters()),
		"feature_dim", model.Encoder().FeatureDim(),
		"projection_dim", model.Projection().OutputDim(),
	)

	optimizer, err := train.NewOptimizer(cfg.Train, model.TrainableParameters(), backend)
	if err != nil {
		return err
	}
	saver := models.NewEncoderSaver(model.Encoder(), cfg.Train.SaveDir)
	trainer, err := train.New(backend, train.Options[*cpu.Backend]{
		Optimizer:   optimizer,
		Handlers:    []callbacks.Handler{callbacks.NewEncoderCheckpoint(logger)},
		Saver:       saver,
		L2:          l2For(cfg, true),
		Regularized: model.RegularizedParameters(),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	step := train.BarlowStep(model, data.NewAugmenter(common.seed), float32(cfg.Train.BarlowLambda))
	result, err := trainer.Fit(ctx, batches, cfg.Train.Epochs, step)
	if err != nil {
		return err
	}

	logger.Info("pretraining finished",
		"steps", result.Steps,
		"checkpoints", result.Checkpoints,
		"encoder", saver.Path(),
	)
	return nil
}

// l2For returns the projection-head regularizer when pretraining.
func l2For(cfg config.Config, pretrain bool) layers.L2 {
	if !pretrain {
		return layers.L2{}
	}
	return layers.L2{Factor: cfg.Model.WeightDecay}
}
