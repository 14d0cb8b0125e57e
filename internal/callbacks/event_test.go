package callbacks

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	Base
	events []Event
	lr     float64
	err    error
}

func (r *recorder) OnTrainingStart() (Directive, error) {
	r.events = append(r.events, TrainingStart)
	return Directive{LR: r.lr, SetLR: r.lr != 0}, r.err
}

func (r *recorder) OnStepEnd(Logs) (Directive, error) {
	r.events = append(r.events, StepEnd)
	return Directive{}, r.err
}

func (r *recorder) OnEpochEnd(int, Logs) (Directive, error) {
	r.events = append(r.events, EpochEnd)
	return Directive{Checkpoint: true}, r.err
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "TrainingStart", TrainingStart.String())
	assert.Equal(t, "StepEnd", StepEnd.String())
	assert.Equal(t, "EpochEnd", EpochEnd.String())
	assert.Equal(t, "Event(7)", Event(7).String())
}

func TestDispatch(t *testing.T) {
	r := &recorder{}
	for _, ev := range []Event{TrainingStart, StepEnd, StepEnd, EpochEnd} {
		_, err := Dispatch(r, ev, 0, Logs{})
		require.NoError(t, err)
	}
	assert.Equal(t, []Event{TrainingStart, StepEnd, StepEnd, EpochEnd}, r.events)

	_, err := Dispatch(r, Event(42), 0, nil)
	assert.Error(t, err)
}

func TestDirectiveMerge(t *testing.T) {
	d := Directive{LR: 0.1, SetLR: true}
	assert.Equal(t, d, d.Merge(Directive{}))
	assert.Equal(t, Directive{LR: 0.2, SetLR: true}, d.Merge(Directive{LR: 0.2, SetLR: true}))
	assert.Equal(t, Directive{LR: 0.1, SetLR: true, Checkpoint: true}, d.Merge(Directive{Checkpoint: true}))
}

func TestList(t *testing.T) {
	a := &recorder{lr: 0.1}
	b := &recorder{lr: 0.2}
	l := List{a, b}

	d, err := l.OnTrainingStart()
	require.NoError(t, err)
	assert.Equal(t, 0.2, d.LR, "later handler wins")

	d, err = l.OnEpochEnd(3, Logs{"loss": 1})
	require.NoError(t, err)
	assert.True(t, d.Checkpoint)

	boom := errors.New("boom")
	c := &recorder{err: boom}
	l = List{c, a}
	_, err = l.OnStepEnd(Logs{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []Event{TrainingStart, EpochEnd}, a.events, "dispatch stops at first error")
}

func TestLogs(t *testing.T) {
	l := Logs{"loss": 1, "acc": 0.5}
	assert.Equal(t, []string{"acc", "loss"}, l.Keys())

	v, err := l.Get("loss")
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)

	_, err = l.Get("lr")
	assert.ErrorIs(t, err, ErrMissingMetric)
	assert.Contains(t, err.Error(), `"lr"`)

	c := l.Clone()
	c["loss"] = 2
	assert.Equal(t, 1.0, l["loss"])
}
