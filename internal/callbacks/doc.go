// Package callbacks implements training-loop policies driven by lifecycle events.
//
// This package provides:
//   - Handler: capability interface receiving TrainingStart, StepEnd and EpochEnd events
//   - LRFinder: learning-rate range finder sweeping linearly between two bounds
//   - BestLoss / EncoderCheckpoint: save-on-improvement checkpoint policy
//   - MetricHistory: per-step records with CSV/JSON export
//
// Handlers never reach into the optimizer or the model. They return a Directive
// and the host training loop applies it:
//
//	finder, err := callbacks.NewLRFinder(1e-5, 1e-2, stepsPerEpoch*epochs)
//	if err != nil {
//	    return err
//	}
//
//	d, _ := finder.OnTrainingStart()
//	optimizer.SetLR(float32(d.LR))
//	for step := range steps {
//	    loss := trainStep(batch)
//	    d, _ = finder.OnStepEnd(callbacks.Logs{"lr": float64(optimizer.GetLR()), "loss": loss})
//	    optimizer.SetLR(float32(d.LR))
//	}
package callbacks
