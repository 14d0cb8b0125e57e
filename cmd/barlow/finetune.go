package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/born-ml/barlow/internal/callbacks"
	"github.com/born-ml/barlow/internal/models"
	"github.com/born-ml/barlow/internal/train"
	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
)

func runFinetune(ctx context.Context, args []string) error {
	var common commonFlags
	fs := flag.NewFlagSet("finetune", flag.ExitOnError)
	common.register(fs)
	weights := fs.String("weights", "", "Override model.encoder_weights (registry name or .born path)")
	freeze := fs.Bool("freeze", false, "Train only the classification head")
	validation := fs.Float64("val", 0.2, "Fraction of samples held out for validation")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := common.logger()
	cfg, err := common.load()
	if err != nil {
		return err
	}
	if *weights != "" {
		cfg.Model.EncoderWeights = *weights
	}
	if *freeze {
		cfg.Model.EncoderTrainable = false
	}

	d, err := common.dataset(cfg)
	if err != nil {
		return err
	}
	d.Shuffle(common.rng())
	trainSet, valSet := d.Split(*validation)

	backend := autodiff.New(cpu.New())
	trainBatches, err := common.batches(cfg, trainSet, backend)
	if err != nil {
		return err
	}

	model, err := models.NewClassifier(cfg.ClassifierOptions(), backend)
	if err != nil {
		return err
	}
	logger.Info("model built",
		"weights", cfg.Model.EncoderWeights,
		"encoder_trainable", !model.Encoder().Frozen(),
		"trainable_parameters", len(model.TrainableParameters()),
	)

	optimizer, err := train.NewOptimizer(cfg.Train, model.TrainableParameters(), backend)
	if err != nil {
		return err
	}
	trainer, err := train.New(backend, train.Options[*cpu.Backend]{
		Optimizer: optimizer,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	step := train.ClassificationStep(model, backend)
	result, err := trainer.Fit(ctx, trainBatches, cfg.Train.Epochs, step)
	if err != nil {
		return err
	}
	last := result.Epochs[len(result.Epochs)-1]
	fmt.Printf("Train: loss=%.4f accuracy=%.2f%%\n", last[callbacks.MetricLoss], last[train.MetricAccuracy]*100)

	if valSet.NumSamples() == 0 {
		return nil
	}
	valBatches, err := common.valBatches(cfg, valSet, backend)
	if err != nil {
		return err
	}
	model.SetTraining(false)
	logs, err := trainer.Evaluate(valBatches, step)
	if err != nil {
		return err
	}
	fmt.Print("Validation:")
	for _, name := range logs.Keys() {
		fmt.Printf(" %s=%.4f", name, logs[name])
	}
	fmt.Println()
	return nil
}
