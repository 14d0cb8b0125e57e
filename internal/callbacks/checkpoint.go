package callbacks

import (
	"log/slog"
	"math"
)

// BestLoss tracks the lowest loss seen so far.
//
// The zero value is not ready; use NewBestLoss.
type BestLoss struct {
	min         float64
	initialized bool
}

// NewBestLoss creates a tracker whose minimum starts at +Inf.
func NewBestLoss() *BestLoss {
	return &BestLoss{min: math.Inf(1)}
}

// ShouldCheckpoint reports whether loss is a strict new minimum and, if so,
// records it. Ties and NaN never trigger.
func (b *BestLoss) ShouldCheckpoint(loss float64) bool {
	if !(loss < b.min) {
		return false
	}
	b.min = loss
	b.initialized = true
	return true
}

// Min returns the best loss and whether any loss has been recorded.
func (b *BestLoss) Min() (float64, bool) {
	return b.min, b.initialized
}

// EncoderCheckpoint asks the host loop to save encoder weights whenever the
// epoch loss reaches a new minimum.
type EncoderCheckpoint struct {
	Base

	monitor string
	best    *BestLoss
	logger  *slog.Logger
}

// Compile-time check that EncoderCheckpoint implements Handler.
var _ Handler = (*EncoderCheckpoint)(nil)

// NewEncoderCheckpoint creates a checkpoint policy monitoring "loss".
//
// A nil logger uses slog.Default().
func NewEncoderCheckpoint(logger *slog.Logger) *EncoderCheckpoint {
	return NewEncoderCheckpointOn(MetricLoss, logger)
}

// NewEncoderCheckpointOn creates a checkpoint policy monitoring the named metric,
// e.g. "val_loss".
func NewEncoderCheckpointOn(monitor string, logger *slog.Logger) *EncoderCheckpoint {
	if logger == nil {
		logger = slog.Default()
	}
	return &EncoderCheckpoint{
		monitor: monitor,
		best:    NewBestLoss(),
		logger:  logger,
	}
}

// Monitor returns the name of the watched metric.
func (c *EncoderCheckpoint) Monitor() string {
	return c.monitor
}

// Best returns the lowest loss seen and whether any was recorded.
func (c *EncoderCheckpoint) Best() (float64, bool) {
	return c.best.Min()
}

// OnEpochEnd requests a checkpoint on strict improvement of the monitored metric.
func (c *EncoderCheckpoint) OnEpochEnd(epoch int, logs Logs) (Directive, error) {
	loss, err := logs.Get(c.monitor)
	if err != nil {
		return Directive{}, err
	}
	if !c.best.ShouldCheckpoint(loss) {
		return Directive{}, nil
	}

	c.logger.Info("saving encoder, new lowest loss",
		slog.Int("epoch", epoch),
		slog.String("metric", c.monitor),
		slog.Float64("loss", loss),
	)
	return Directive{Checkpoint: true}, nil
}
