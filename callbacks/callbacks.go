// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package callbacks

import (
	"log/slog"

	"github.com/born-ml/barlow/internal/callbacks"
)

// Event identifies a point in the training lifecycle.
type Event = callbacks.Event

// Lifecycle events.
const (
	TrainingStart = callbacks.TrainingStart
	StepEnd       = callbacks.StepEnd
	EpochEnd      = callbacks.EpochEnd
)

// Metric names shared by the training loop and the policies.
const (
	MetricLR         = callbacks.MetricLR
	MetricIterations = callbacks.MetricIterations
	MetricLoss       = callbacks.MetricLoss
)

// Default learning-rate range test bounds.
const (
	DefaultMinLR = callbacks.DefaultMinLR
	DefaultMaxLR = callbacks.DefaultMaxLR
)

// Errors returned by the policies.
var (
	ErrInvalidConfig = callbacks.ErrInvalidConfig
	ErrMissingMetric = callbacks.ErrMissingMetric
)

// Logs carries named metric values to handlers.
type Logs = callbacks.Logs

// Directive is a handler's request to the training loop.
type Directive = callbacks.Directive

// Handler receives lifecycle events.
type Handler = callbacks.Handler

// Base implements Handler with no-op methods for embedding.
type Base = callbacks.Base

// List fans events out to several handlers in order.
type List = callbacks.List

// Dispatch routes event to the matching Handler method.
func Dispatch(h Handler, event Event, epoch int, logs Logs) (Directive, error) {
	return callbacks.Dispatch(h, event, epoch, logs)
}

// Record is one step of a MetricHistory.
type Record = callbacks.Record

// MetricHistory is the append-only per-step record of an LR range test.
type MetricHistory = callbacks.MetricHistory

// SaveHistory writes h to path as CSV or JSON, chosen by the file extension.
func SaveHistory(h *MetricHistory, path string) error {
	return callbacks.SaveHistory(h, path)
}

// Bounds is the learning-rate interval of a range test.
type Bounds = callbacks.Bounds

// Progress tracks how far a range test has advanced.
type Progress = callbacks.Progress

// LRFinder sweeps the learning rate linearly from min to max and records
// per-step metrics.
type LRFinder = callbacks.LRFinder

// NewLRFinder creates a finder over totalIterations steps.
//
// Example:
//
//	finder, err := callbacks.NewLRFinder(1e-5, 1e-2, 100)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(finder.CurrentRate()) // 1e-05
func NewLRFinder(minLR, maxLR float64, totalIterations int) (*LRFinder, error) {
	return callbacks.NewLRFinder(minLR, maxLR, totalIterations)
}

// NewLRFinderForEpochs creates a finder whose budget is stepsPerEpoch * epochs.
func NewLRFinderForEpochs(minLR, maxLR float64, stepsPerEpoch, epochs int) (*LRFinder, error) {
	return callbacks.NewLRFinderForEpochs(minLR, maxLR, stepsPerEpoch, epochs)
}

// BestLoss tracks the lowest loss seen.
type BestLoss = callbacks.BestLoss

// NewBestLoss creates a tracker that has seen nothing.
func NewBestLoss() *BestLoss {
	return callbacks.NewBestLoss()
}

// EncoderCheckpoint requests a save whenever the epoch loss strictly improves.
type EncoderCheckpoint = callbacks.EncoderCheckpoint

// NewEncoderCheckpoint monitors "loss". A nil logger uses slog.Default().
func NewEncoderCheckpoint(logger *slog.Logger) *EncoderCheckpoint {
	return callbacks.NewEncoderCheckpoint(logger)
}

// NewEncoderCheckpointOn monitors the named metric.
func NewEncoderCheckpointOn(monitor string, logger *slog.Logger) *EncoderCheckpoint {
	return callbacks.NewEncoderCheckpointOn(monitor, logger)
}
