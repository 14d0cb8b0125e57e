package callbacks

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// Event identifies a point in the training lifecycle.
type Event int

// Lifecycle events dispatched by the host training loop.
const (
	TrainingStart Event = iota // once, before the first step
	StepEnd                    // once per mini-batch
	EpochEnd                   // once per pass over the dataset
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case TrainingStart:
		return "TrainingStart"
	case StepEnd:
		return "StepEnd"
	case EpochEnd:
		return "EpochEnd"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// Logs carries the metrics reported with an event, keyed by metric name.
//
// For StepEnd the host reports at least "loss" and "lr" (the learning rate that
// was active during the step). For EpochEnd it reports epoch means.
type Logs map[string]float64

// Get returns the named metric or ErrMissingMetric.
func (l Logs) Get(name string) (float64, error) {
	v, ok := l[name]
	if !ok {
		return 0, errors.Wrapf(ErrMissingMetric, "metric %q", name)
	}
	return v, nil
}

// Keys returns the metric names in sorted order.
func (l Logs) Keys() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns an independent copy.
func (l Logs) Clone() Logs {
	out := make(Logs, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Directive is what a handler asks the host loop to do after an event.
//
// A zero Directive asks for nothing.
type Directive struct {
	LR         float64 // learning rate to apply, honored only when SetLR is true
	SetLR      bool
	Checkpoint bool // persist the encoder weights
}

// Merge combines two directives. A learning rate in other overrides the receiver's;
// checkpoint requests are ORed.
func (d Directive) Merge(other Directive) Directive {
	if other.SetLR {
		d.LR = other.LR
		d.SetLR = true
	}
	d.Checkpoint = d.Checkpoint || other.Checkpoint
	return d
}

// Handler receives lifecycle events from the host training loop.
//
// Implementations are plain values; they are invoked from a single goroutine and
// must not block.
type Handler interface {
	// OnTrainingStart is called once before the first step.
	OnTrainingStart() (Directive, error)

	// OnStepEnd is called after each mini-batch with that step's metrics.
	OnStepEnd(logs Logs) (Directive, error)

	// OnEpochEnd is called after each epoch with aggregated metrics.
	OnEpochEnd(epoch int, logs Logs) (Directive, error)
}

// Base implements Handler with no-op methods. Embed it to handle a subset of events.
type Base struct{}

// OnTrainingStart does nothing.
func (Base) OnTrainingStart() (Directive, error) { return Directive{}, nil }

// OnStepEnd does nothing.
func (Base) OnStepEnd(Logs) (Directive, error) { return Directive{}, nil }

// OnEpochEnd does nothing.
func (Base) OnEpochEnd(int, Logs) (Directive, error) { return Directive{}, nil }

// Dispatch routes a single event to h.
//
// epoch is only meaningful for EpochEnd; logs is ignored for TrainingStart.
func Dispatch(h Handler, event Event, epoch int, logs Logs) (Directive, error) {
	switch event {
	case TrainingStart:
		return h.OnTrainingStart()
	case StepEnd:
		return h.OnStepEnd(logs)
	case EpochEnd:
		return h.OnEpochEnd(epoch, logs)
	default:
		return Directive{}, errors.Errorf("callbacks: unknown event %v", event)
	}
}

// List fans events out to handlers in order.
//
// Directives are merged left to right; the first error stops the dispatch.
type List []Handler

// OnTrainingStart implements Handler.
func (l List) OnTrainingStart() (Directive, error) {
	return l.dispatch(TrainingStart, 0, nil)
}

// OnStepEnd implements Handler.
func (l List) OnStepEnd(logs Logs) (Directive, error) {
	return l.dispatch(StepEnd, 0, logs)
}

// OnEpochEnd implements Handler.
func (l List) OnEpochEnd(epoch int, logs Logs) (Directive, error) {
	return l.dispatch(EpochEnd, epoch, logs)
}

func (l List) dispatch(event Event, epoch int, logs Logs) (Directive, error) {
	var merged Directive
	for _, h := range l {
		d, err := Dispatch(h, event, epoch, logs)
		if err != nil {
			return merged, err
		}
		merged = merged.Merge(d)
	}
	return merged, nil
}
