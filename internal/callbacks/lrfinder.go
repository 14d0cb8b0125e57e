package callbacks

import (
	"math"

	"github.com/pkg/errors"
)

// Default sweep bounds.
const (
	DefaultMinLR = 1e-5
	DefaultMaxLR = 1e-2
)

// Bounds is the learning-rate range swept by an LRFinder.
type Bounds struct {
	MinLR float64
	MaxLR float64
}

// Validate checks 0 < MinLR < MaxLR with both finite.
func (b Bounds) Validate() error {
	if !isFinite(b.MinLR) || !isFinite(b.MaxLR) {
		return errors.Wrapf(ErrInvalidConfig, "learning rate bounds must be finite, got [%g, %g]", b.MinLR, b.MaxLR)
	}
	if b.MinLR <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "min_lr must be > 0, got %g", b.MinLR)
	}
	if b.MaxLR <= b.MinLR {
		return errors.Wrapf(ErrInvalidConfig, "max_lr (%g) must be > min_lr (%g)", b.MaxLR, b.MinLR)
	}
	return nil
}

// Progress tracks how far a sweep has advanced.
type Progress struct {
	Iteration       int
	TotalIterations int
}

// fraction returns Iteration / TotalIterations. It is not clamped.
func (p Progress) fraction() float64 {
	return float64(p.Iteration) / float64(p.TotalIterations)
}

// LRFinder sweeps the learning rate linearly from MinLR to MaxLR over a fixed
// number of iterations and records every step's metrics.
//
// The host loop drives it one call at a time:
//
//	optimizer.SetLR(float32(finder.OnTrainingStartRate()))
//	for i := 0; i < total; i++ {
//	    metrics := step()
//	    finder.RecordStep(float64(optimizer.GetLR()), metrics)
//	    optimizer.SetLR(float32(finder.CurrentRate()))
//	}
//
// The interpolation is linear in the rate, not in its logarithm.
// Calls past TotalIterations keep extrapolating above MaxLR.
//
// Reference: Smith, "Cyclical Learning Rates for Training Neural Networks" (2015).
type LRFinder struct {
	bounds   Bounds
	progress Progress
	history  MetricHistory
}

// Compile-time check that LRFinder implements Handler.
var _ Handler = (*LRFinder)(nil)

// NewLRFinder creates a finder sweeping [minLR, maxLR] over totalIterations steps.
//
// Returns ErrInvalidConfig if totalIterations <= 0 or the bounds are malformed.
func NewLRFinder(minLR, maxLR float64, totalIterations int) (*LRFinder, error) {
	bounds := Bounds{MinLR: minLR, MaxLR: maxLR}
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	if totalIterations <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "total_iterations must be > 0, got %d", totalIterations)
	}

	return &LRFinder{
		bounds:   bounds,
		progress: Progress{Iteration: 0, TotalIterations: totalIterations},
	}, nil
}

// NewLRFinderForEpochs creates a finder whose budget is stepsPerEpoch * epochs.
//
// Two to four epochs are usually enough for a useful sweep.
func NewLRFinderForEpochs(minLR, maxLR float64, stepsPerEpoch, epochs int) (*LRFinder, error) {
	if stepsPerEpoch <= 0 || epochs <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig,
			"steps_per_epoch and epochs must be > 0, got %d and %d", stepsPerEpoch, epochs)
	}
	return NewLRFinder(minLR, maxLR, stepsPerEpoch*epochs)
}

// Bounds returns the swept range.
func (f *LRFinder) Bounds() Bounds {
	return f.bounds
}

// Progress returns the current iteration and budget.
func (f *LRFinder) Progress() Progress {
	return f.progress
}

// Iteration returns the number of recorded steps.
func (f *LRFinder) Iteration() int {
	return f.progress.Iteration
}

// CurrentRate returns min + (max-min) * iteration/total.
func (f *LRFinder) CurrentRate() float64 {
	if f.progress.Iteration == f.progress.TotalIterations {
		// exact at the end of the budget, free of rounding in (max-min)
		return f.bounds.MaxLR
	}
	return f.bounds.MinLR + (f.bounds.MaxLR-f.bounds.MinLR)*f.progress.fraction()
}

// RecordStep appends {lr: appliedLR, iterations: iteration, metrics...} to the
// history and advances the iteration by one.
//
// "lr" and "iterations" entries in metrics are overwritten by the recorded values.
func (f *LRFinder) RecordStep(appliedLR float64, metrics map[string]float64) {
	r := make(Record, len(metrics)+2)
	for k, v := range metrics {
		r[k] = v
	}
	r[MetricLR] = appliedLR
	r[MetricIterations] = float64(f.progress.Iteration)

	f.history.append(r)
	f.progress.Iteration++
}

// OnTrainingStartRate returns MinLR, the rate to apply before the first step.
func (f *LRFinder) OnTrainingStartRate() float64 {
	return f.bounds.MinLR
}

// History returns a snapshot of the recorded steps.
func (f *LRFinder) History() *MetricHistory {
	return f.history.Clone()
}

// OnTrainingStart asks the host to apply MinLR.
func (f *LRFinder) OnTrainingStart() (Directive, error) {
	return Directive{LR: f.OnTrainingStartRate(), SetLR: true}, nil
}

// OnStepEnd records the step and asks the host to apply the next rate.
//
// logs must contain "lr", the rate that was active during the step.
func (f *LRFinder) OnStepEnd(logs Logs) (Directive, error) {
	applied, err := logs.Get(MetricLR)
	if err != nil {
		return Directive{}, err
	}
	f.RecordStep(applied, logs)
	return Directive{LR: f.CurrentRate(), SetLR: true}, nil
}

// OnEpochEnd does nothing.
func (f *LRFinder) OnEpochEnd(int, Logs) (Directive, error) {
	return Directive{}, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
