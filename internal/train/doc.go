// Package train runs the host training loop.
//
// The loop owns the optimizer. Lifecycle handlers from internal/callbacks only
// return directives; Trainer applies an emitted learning rate through LRSetter
// and calls its Saver when a handler asks for a checkpoint.
//
// Example:
//
//	backend := autodiff.New(cpu.New())
//	finder, _ := callbacks.NewLRFinderForEpochs(1e-5, 1e-2, len(batches), epochs)
//	trainer, _ := train.New(backend, train.Options[*cpu.Backend]{
//	    Optimizer: optim.NewAdam(model.TrainableParameters(), optim.AdamConfig{LR: 1e-3}, backend),
//	    Handlers:  []callbacks.Handler{finder},
//	})
//	result, err := trainer.Fit(ctx, batches, epochs, train.ClassificationStep(model, backend))
package train
