package train

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/born-ml/barlow/internal/callbacks"
	"github.com/born-ml/barlow/internal/data"
	"github.com/born-ml/barlow/internal/layers"
	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Common errors.
var (
	// ErrNoBatches is returned by Fit and Evaluate when there is nothing to train on.
	ErrNoBatches = errors.New("no batches")

	// ErrLRNotSettable is returned when a handler emits a learning rate but the
	// optimizer does not implement LRSetter.
	ErrLRNotSettable = errors.New("optimizer does not support setting the learning rate")
)

// Optimizer is the part of Born's optimizers the loop drives.
type Optimizer interface {
	Step(grads map[*tensor.RawTensor]*tensor.RawTensor)
	ZeroGrad()
	GetLR() float32
}

// LRSetter is implemented by optimizers whose learning rate can change mid-run.
// Born's SGD and Adam both satisfy it.
type LRSetter interface {
	SetLR(lr float32)
}

// Saver persists model state when a handler emits a checkpoint directive.
type Saver interface {
	Save(epoch int, metrics map[string]float64) error
}

// Options configures a Trainer.
type Options[B tensor.Backend] struct {
	Optimizer Optimizer
	Handlers  []callbacks.Handler

	// Saver is called on checkpoint directives. Nil ignores them.
	Saver Saver

	// L2 is applied to Regularized. Its penalty is added to the logged loss
	// and its gradient to the computed gradients before each optimizer step.
	L2          layers.L2
	Regularized []*nn.Parameter[*autodiff.Backend[B]]

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Trainer fits a model with a StepFunc over pre-built batches.
type Trainer[B tensor.Backend] struct {
	backend     *autodiff.Backend[B]
	optimizer   Optimizer
	handlers    callbacks.List
	saver       Saver
	l2          layers.L2
	regularized []*tensor.RawTensor
	logger      *slog.Logger
	runID       string
}

// New creates a trainer. Each trainer gets a fresh run ID used in logs.
func New[B tensor.Backend](backend *autodiff.Backend[B], opts Options[B]) (*Trainer[B], error) {
	if opts.Optimizer == nil {
		return nil, errors.New("trainer: optimizer is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runID := uuid.NewString()

	return &Trainer[B]{
		backend:     backend,
		optimizer:   opts.Optimizer,
		handlers:    callbacks.List(opts.Handlers),
		saver:       opts.Saver,
		l2:          opts.L2,
		regularized: layers.Raws(opts.Regularized),
		logger:      logger.With("run", runID),
		runID:       runID,
	}, nil
}

// RunID returns the identifier attached to every log line of this trainer.
func (t *Trainer[B]) RunID() string {
	return t.runID
}

// Result summarizes a Fit call.
type Result struct {
	// Epochs holds the mean step metrics of each completed epoch.
	Epochs []callbacks.Logs
	// Steps is the number of optimizer steps taken.
	Steps int
	// Checkpoints is the number of successful saves.
	Checkpoints int
}

// Fit trains for epochs passes over batches.
//
// Per run it dispatches TrainingStart. Per batch it zeroes gradients, runs step,
// backpropagates, applies L2 gradients, steps the optimizer and dispatches StepEnd
// with the step's loss, learning rate and step metrics. Per epoch it dispatches
// EpochEnd with the mean of the step metrics.
//
// ctx is checked before every step. On cancellation Fit returns the partial
// result and ctx.Err().
func (t *Trainer[B]) Fit(ctx context.Context, batches []*data.Batch[*autodiff.Backend[B]], epochs int, step StepFunc[B]) (*Result, error) {
	if len(batches) == 0 {
		return nil, ErrNoBatches
	}
	if epochs <= 0 {
		return nil, errors.Errorf("epochs must be > 0, got %d", epochs)
	}

	result := &Result{}
	tape := t.backend.Tape()
	tape.StartRecording()
	defer func() {
		tape.Clear()
		tape.StopRecording()
	}()

	d, err := t.handlers.OnTrainingStart()
	if err != nil {
		return result, errors.Wrap(err, "training start")
	}
	if err := t.apply(d, -1, nil, result); err != nil {
		return result, err
	}

	t.logger.Info("training started",
		"epochs", epochs,
		"steps_per_epoch", len(batches),
		"lr", t.optimizer.GetLR(),
	)

	for epoch := 0; epoch < epochs; epoch++ {
		start := time.Now()
		sums := make(map[string]float64)

		for i, batch := range batches {
			if err := ctx.Err(); err != nil {
				t.logger.Warn("training interrupted", "epoch", epoch, "step", i, "err", err)
				return result, err
			}

			logs, err := t.trainStep(batch, step)
			if err != nil {
				return result, errors.Wrapf(err, "epoch %d step %d", epoch, i)
			}
			result.Steps++
			for k, v := range logs {
				sums[k] += v
			}

			d, err := t.handlers.OnStepEnd(logs)
			if err != nil {
				return result, errors.Wrapf(err, "epoch %d step %d", epoch, i)
			}
			if err := t.apply(d, epoch, logs, result); err != nil {
				return result, err
			}
		}

		epochLogs := make(callbacks.Logs, len(sums))
		for k, v := range sums {
			epochLogs[k] = v / float64(len(batches))
		}
		// the rate in effect at the end of the epoch, not the mean over steps
		epochLogs[callbacks.MetricLR] = float64(t.optimizer.GetLR())
		result.Epochs = append(result.Epochs, epochLogs.Clone())

		t.logger.Info("epoch finished",
			"epoch", epoch,
			"loss", epochLogs[callbacks.MetricLoss],
			"lr", epochLogs[callbacks.MetricLR],
			"elapsed", time.Since(start).Round(time.Millisecond),
		)

		d, err := t.handlers.OnEpochEnd(epoch, epochLogs)
		if err != nil {
			return result, errors.Wrapf(err, "epoch %d end", epoch)
		}
		if err := t.apply(d, epoch, epochLogs, result); err != nil {
			return result, err
		}
	}

	return result, nil
}

// trainStep runs one forward/backward/update cycle and returns the step logs.
func (t *Trainer[B]) trainStep(batch *data.Batch[*autodiff.Backend[B]], step StepFunc[B]) (callbacks.Logs, error) {
	tape := t.backend.Tape()
	defer tape.Clear()

	t.optimizer.ZeroGrad()

	loss, metrics := step(batch)
	lossValue := float64(loss.Raw().AsFloat32()[0])

	outputGrad, err := tensor.NewRaw(loss.Shape(), loss.DType(), t.backend.Device())
	if err != nil {
		return nil, errors.Wrap(err, "create output gradient")
	}
	outputGrad.AsFloat32()[0] = 1

	grads := tape.Backward(outputGrad, t.backend)

	// penalty of the weights the loss was computed with
	penalty := t.l2.Penalty(t.regularized)
	t.l2.AddGradients(t.regularized, grads)

	lr := t.optimizer.GetLR()
	t.optimizer.Step(grads)

	logs := make(callbacks.Logs, len(metrics)+2)
	maps.Copy(logs, metrics)
	logs[callbacks.MetricLoss] = lossValue + penalty
	logs[callbacks.MetricLR] = float64(lr)
	return logs, nil
}

// apply carries out a handler directive.
func (t *Trainer[B]) apply(d callbacks.Directive, epoch int, logs callbacks.Logs, result *Result) error {
	if d.SetLR {
		setter, ok := t.optimizer.(LRSetter)
		if !ok {
			return ErrLRNotSettable
		}
		setter.SetLR(float32(d.LR))
		t.logger.Debug("learning rate set", "lr", d.LR)
	}

	if d.Checkpoint && t.saver != nil {
		if err := t.saver.Save(epoch, logs); err != nil {
			return errors.Wrapf(err, "checkpoint at epoch %d", epoch)
		}
		result.Checkpoints++
	}
	return nil
}

// Evaluate computes mean step metrics over batches without recording gradients
// or updating weights.
func (t *Trainer[B]) Evaluate(batches []*data.Batch[*autodiff.Backend[B]], step StepFunc[B]) (callbacks.Logs, error) {
	if len(batches) == 0 {
		return nil, ErrNoBatches
	}

	tape := t.backend.Tape()
	wasRecording := tape.IsRecording()
	tape.StopRecording()
	defer func() {
		if wasRecording {
			tape.StartRecording()
		}
	}()

	out := make(callbacks.Logs)
	for _, batch := range batches {
		loss, metrics := step(batch)
		out[callbacks.MetricLoss] += float64(loss.Raw().AsFloat32()[0])
		for k, v := range metrics {
			out[k] += v
		}
	}
	for k := range out {
		out[k] /= float64(len(batches))
	}
	return out, nil
}
