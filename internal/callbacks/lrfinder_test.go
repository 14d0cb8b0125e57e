package callbacks

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLRFinder_InvalidConfig(t *testing.T) {
	tests := []struct {
		name  string
		minLR float64
		maxLR float64
		total int
	}{
		{"zero budget", 1e-5, 1e-2, 0},
		{"negative budget", 1e-5, 1e-2, -3},
		{"max equals min", 1e-3, 1e-3, 10},
		{"max below min", 1e-2, 1e-5, 10},
		{"zero min", 0, 1e-2, 10},
		{"nan max", 1e-5, math.NaN(), 10},
		{"inf max", 1e-5, math.Inf(1), 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewLRFinder(tt.minLR, tt.maxLR, tt.total)
			require.Error(t, err)
			assert.Nil(t, f)
			assert.ErrorIs(t, err, ErrInvalidConfig, "got %v", err)
		})
	}
}

func TestNewLRFinderForEpochs(t *testing.T) {
	f, err := NewLRFinderForEpochs(DefaultMinLR, DefaultMaxLR, 25, 3)
	require.NoError(t, err)
	assert.Equal(t, 75, f.Progress().TotalIterations)

	_, err = NewLRFinderForEpochs(DefaultMinLR, DefaultMaxLR, 0, 3)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLRFinder_Endpoints(t *testing.T) {
	bounds := []Bounds{
		{1e-5, 1e-2},
		{1e-4, 1},
		{0.3, 0.7},
	}
	for _, b := range bounds {
		f, err := NewLRFinder(b.MinLR, b.MaxLR, 7)
		require.NoError(t, err)

		assert.Equal(t, b.MinLR, f.CurrentRate(), "rate at iteration 0")
		for i := 0; i < 7; i++ {
			f.RecordStep(f.CurrentRate(), nil)
		}
		assert.Equal(t, b.MaxLR, f.CurrentRate(), "rate at iteration total")
	}
}

func TestLRFinder_Monotonic(t *testing.T) {
	f, err := NewLRFinder(1e-5, 1e-2, 100)
	require.NoError(t, err)

	prev := f.CurrentRate()
	for i := 0; i < 100; i++ {
		f.RecordStep(prev, nil)
		cur := f.CurrentRate()
		assert.Greater(t, cur, prev, "iteration %d", i+1)
		prev = cur
	}
}

func TestLRFinder_LinearSteps(t *testing.T) {
	f, err := NewLRFinder(1e-5, 1e-2, 4)
	require.NoError(t, err)

	want := []float64{1e-5, 2.5075e-3, 5.005e-3, 7.5025e-3, 1e-2}
	for i, w := range want {
		assert.InDelta(t, w, f.CurrentRate(), 1e-12, "iteration %d", i)
		if i < len(want)-1 {
			f.RecordStep(f.CurrentRate(), map[string]float64{"loss": 1})
		}
	}
}

func TestLRFinder_RecordStep(t *testing.T) {
	f, err := NewLRFinder(1e-5, 1e-2, 10)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		f.RecordStep(0.5, map[string]float64{"loss": float64(i), "acc": 0.1})
		assert.Equal(t, i+1, f.Iteration())
	}

	h := f.History()
	require.Equal(t, 5, h.Len())
	for i := 0; i < 5; i++ {
		r := h.At(i)
		assert.Equal(t, 0.5, r[MetricLR])
		assert.Equal(t, float64(i), r[MetricIterations])
		assert.Equal(t, float64(i), r["loss"])
		assert.Equal(t, 0.1, r["acc"])
	}
}

func TestLRFinder_HistoryIsSnapshot(t *testing.T) {
	f, err := NewLRFinder(1e-5, 1e-2, 10)
	require.NoError(t, err)

	f.RecordStep(1e-5, map[string]float64{"loss": 2})
	h := f.History()
	f.RecordStep(2e-5, map[string]float64{"loss": 1})

	assert.Equal(t, 1, h.Len(), "snapshot must not grow")
	r := h.At(0)
	r["loss"] = 100
	assert.Equal(t, 2.0, f.History().At(0)["loss"], "snapshot must not alias")
}

func TestLRFinder_HandlerProtocol(t *testing.T) {
	f, err := NewLRFinder(1e-5, 1e-2, 4)
	require.NoError(t, err)

	d, err := f.OnTrainingStart()
	require.NoError(t, err)
	assert.True(t, d.SetLR)
	assert.Equal(t, 1e-5, d.LR)

	lr := d.LR
	for i := 0; i < 4; i++ {
		d, err = f.OnStepEnd(Logs{"lr": lr, "loss": 1.0 / float64(i+1)})
		require.NoError(t, err)
		require.True(t, d.SetLR)
		lr = d.LR
	}
	assert.Equal(t, 1e-2, lr)

	lrs, err := f.History().Column(MetricLR)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1e-5, 2.5075e-3, 5.005e-3, 7.5025e-3}, lrs, 1e-12)

	_, err = f.OnStepEnd(Logs{"loss": 1})
	assert.ErrorIs(t, err, ErrMissingMetric)
	assert.Equal(t, 4, f.Iteration(), "failed step must not advance")
}
