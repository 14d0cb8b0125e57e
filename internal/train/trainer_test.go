package train

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"

	"github.com/born-ml/barlow/internal/callbacks"
	"github.com/born-ml/barlow/internal/config"
	"github.com/born-ml/barlow/internal/data"
	"github.com/born-ml/barlow/internal/layers"
	"github.com/born-ml/barlow/internal/models"
	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/optim"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testBackend = *autodiff.Backend[*cpu.Backend]

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeOptimizer records what the loop does to it and never changes weights.
type fakeOptimizer struct {
	lr     float32
	steps  int
	zeroed int
	setLRs []float32
	grads  []map[*tensor.RawTensor]*tensor.RawTensor
}

func (o *fakeOptimizer) Step(grads map[*tensor.RawTensor]*tensor.RawTensor) {
	o.steps++
	o.grads = append(o.grads, grads)
}

func (o *fakeOptimizer) ZeroGrad() { o.zeroed++ }

func (o *fakeOptimizer) GetLR() float32 { return o.lr }

func (o *fakeOptimizer) SetLR(lr float32) {
	o.lr = lr
	o.setLRs = append(o.setLRs, lr)
}

// fixedOptimizer has no SetLR.
type fixedOptimizer struct{}

func (fixedOptimizer) Step(map[*tensor.RawTensor]*tensor.RawTensor) {}

func (fixedOptimizer) ZeroGrad() {}

func (fixedOptimizer) GetLR() float32 { return 0.1 }

type fakeSaver struct {
	epochs []int
	err    error
}

func (s *fakeSaver) Save(epoch int, _ map[string]float64) error {
	if s.err != nil {
		return s.err
	}
	s.epochs = append(s.epochs, epoch)
	return nil
}

func tinyBatches(t *testing.T, backend testBackend, n, batchSize int) []*data.Batch[testBackend] {
	t.Helper()
	d, err := data.NewSynthetic(n, []int{1, 4, 4}, 2, 1)
	require.NoError(t, err)
	batches, err := data.CreateBatches(d, batchSize, false, nil, backend)
	require.NoError(t, err)
	return batches
}

// linearStep returns loss = w·x + c, with c taken from losses in call order
// (the last value repeats). With a fake optimizer w never changes.
func linearStep(backend testBackend, w *nn.Parameter[testBackend], x []float32, losses []float32) StepFunc[*cpu.Backend] {
	calls := 0
	return func(*data.Batch[testBackend]) (*tensor.Tensor[float32, testBackend], callbacks.Logs) {
		c := losses[min(calls, len(losses)-1)]
		calls++

		xt, err := tensor.FromSlice(append([]float32(nil), x...), tensor.Shape{len(x), 1}, backend)
		if err != nil {
			panic(err)
		}
		offset := tensor.Full[float32](tensor.Shape{1, 1}, c, backend)
		return w.Tensor().MatMul(xt).Add(offset).Reshape(1), callbacks.Logs{"calls": float64(calls)}
	}
}

func zeroWeight(backend testBackend, n int) *nn.Parameter[testBackend] {
	return nn.NewParameter("w", tensor.Zeros[float32](tensor.Shape{1, n}, backend))
}

func TestNew_RequiresOptimizer(t *testing.T) {
	_, err := New(autodiff.New(cpu.New()), Options[*cpu.Backend]{})
	assert.Error(t, err)
}

func TestNew_RunID(t *testing.T) {
	backend := autodiff.New(cpu.New())
	a, err := New(backend, Options[*cpu.Backend]{Optimizer: &fakeOptimizer{}})
	require.NoError(t, err)
	b, err := New(backend, Options[*cpu.Backend]{Optimizer: &fakeOptimizer{}})
	require.NoError(t, err)
	assert.Len(t, a.RunID(), 36)
	assert.NotEqual(t, a.RunID(), b.RunID())
}

func TestFit_AppliesLRFinderRates(t *testing.T) {
	backend := autodiff.New(cpu.New())
	batches := tinyBatches(t, backend, 4, 2)

	finder, err := callbacks.NewLRFinderForEpochs(1e-5, 1e-2, len(batches), 2)
	require.NoError(t, err)

	opt := &fakeOptimizer{lr: 0.5}
	trainer, err := New(backend, Options[*cpu.Backend]{
		Optimizer: opt,
		Handlers:  []callbacks.Handler{finder},
		Logger:    discardLogger(),
	})
	require.NoError(t, err)

	result, err := trainer.Fit(context.Background(), batches, 2,
		linearStep(backend, zeroWeight(backend, 2), []float32{1, 1}, []float32{3, 2, 1, 0.5}))
	require.NoError(t, err)

	assert.Equal(t, 4, result.Steps)
	assert.Equal(t, 4, opt.steps)
	assert.Equal(t, 4, opt.zeroed)
	require.Len(t, result.Epochs, 2)

	history := finder.History()
	require.Equal(t, 4, history.Len())

	lrs, err := history.Column(callbacks.MetricLR)
	require.NoError(t, err)
	want := []float64{1e-5, 2.5075e-3, 5.005e-3, 7.5025e-3}
	for i := range want {
		assert.InDelta(t, want[i], lrs[i], 1e-9, "step %d", i)
	}

	losses, err := history.Column(callbacks.MetricLoss)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{3, 2, 1, 0.5}, losses, 1e-6)

	iterations, err := history.Column(callbacks.MetricIterations)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 2, 3}, iterations)

	// training start + one rate per step; the last one is the maximum
	require.Len(t, opt.setLRs, 5)
	assert.InDelta(t, 1e-2, opt.lr, 1e-9)

	assert.InDelta(t, 2.5, result.Epochs[0][callbacks.MetricLoss], 1e-6)
	assert.InDelta(t, 0.75, result.Epochs[1][callbacks.MetricLoss], 1e-6)
	assert.InDelta(t, 1e-2, result.Epochs[1][callbacks.MetricLR], 1e-9)
}

func TestFit_CheckpointSavesOncePerImprovement(t *testing.T) {
	backend := autodiff.New(cpu.New())
	batches := tinyBatches(t, backend, 2, 2)
	require.Len(t, batches, 1)

	var logs bytes.Buffer
	saver := &fakeSaver{}
	trainer, err := New(backend, Options[*cpu.Backend]{
		Optimizer: &fakeOptimizer{lr: 1e-3},
		Handlers:  []callbacks.Handler{callbacks.NewEncoderCheckpoint(slog.New(slog.NewTextHandler(&logs, nil)))},
		Saver:     saver,
		Logger:    discardLogger(),
	})
	require.NoError(t, err)

	result, err := trainer.Fit(context.Background(), batches, 5,
		linearStep(backend, zeroWeight(backend, 1), []float32{1}, []float32{0.9, 0.95, 0.8, 0.8, 0.5}))
	require.NoError(t, err)

	assert.Equal(t, []int{0, 2, 4}, saver.epochs)
	assert.Equal(t, 3, result.Checkpoints)
	assert.Equal(t, 3, bytes.Count(logs.Bytes(), []byte("saving encoder, new lowest loss")))
}

// taggingHandler writes into the epoch logs it receives.
type taggingHandler struct{ callbacks.Base }

func (taggingHandler) OnEpochEnd(_ int, logs callbacks.Logs) (callbacks.Directive, error) {
	logs["tagged"] = 1
	logs[callbacks.MetricLoss] = -1
	return callbacks.Directive{}, nil
}

func TestFit_EpochLogsIsolatedFromHandlers(t *testing.T) {
	backend := autodiff.New(cpu.New())
	batches := tinyBatches(t, backend, 2, 2)

	trainer, err := New(backend, Options[*cpu.Backend]{
		Optimizer: &fakeOptimizer{lr: 1e-3},
		Handlers:  []callbacks.Handler{taggingHandler{}},
		Logger:    discardLogger(),
	})
	require.NoError(t, err)

	result, err := trainer.Fit(context.Background(), batches, 2,
		linearStep(backend, zeroWeight(backend, 1), []float32{1}, []float32{0.7, 0.6}))
	require.NoError(t, err)

	require.Len(t, result.Epochs, 2)
	assert.Equal(t, []string{"calls", callbacks.MetricLoss, callbacks.MetricLR}, result.Epochs[0].Keys())
	assert.NotContains(t, result.Epochs[1], "tagged")
	assert.InDelta(t, 0.7, result.Epochs[0][callbacks.MetricLoss], 1e-6)
	assert.InDelta(t, 0.6, result.Epochs[1][callbacks.MetricLoss], 1e-6)
}

func TestFit_SaverErrorStopsTraining(t *testing.T) {
	backend := autodiff.New(cpu.New())
	batches := tinyBatches(t, backend, 2, 2)

	trainer, err := New(backend, Options[*cpu.Backend]{
		Optimizer: &fakeOptimizer{},
		Handlers:  []callbacks.Handler{callbacks.NewEncoderCheckpoint(discardLogger())},
		Saver:     &fakeSaver{err: errors.New("disk full")},
		Logger:    discardLogger(),
	})
	require.NoError(t, err)

	result, err := trainer.Fit(context.Background(), batches, 3,
		linearStep(backend, zeroWeight(backend, 1), []float32{1}, []float32{1}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, result.Steps)
}

func TestFit_MissingMetric(t *testing.T) {
	backend := autodiff.New(cpu.New())
	batches := tinyBatches(t, backend, 2, 2)

	trainer, err := New(backend, Options[*cpu.Backend]{
		Optimizer: &fakeOptimizer{},
		Handlers:  []callbacks.Handler{callbacks.NewEncoderCheckpointOn("val_loss", discardLogger())},
		Logger:    discardLogger(),
	})
	require.NoError(t, err)

	_, err = trainer.Fit(context.Background(), batches, 1,
		linearStep(backend, zeroWeight(backend, 1), []float32{1}, []float32{1}))
	require.Error(t, err)
	assert.ErrorIs(t, err, callbacks.ErrMissingMetric)
}

func TestFit_LRNotSettable(t *testing.T) {
	backend := autodiff.New(cpu.New())
	finder, err := callbacks.NewLRFinder(1e-5, 1e-2, 2)
	require.NoError(t, err)

	trainer, err := New(backend, Options[*cpu.Backend]{
		Optimizer: fixedOptimizer{},
		Handlers:  []callbacks.Handler{finder},
		Logger:    discardLogger(),
	})
	require.NoError(t, err)

	_, err = trainer.Fit(context.Background(), tinyBatches(t, backend, 2, 2), 1,
		linearStep(backend, zeroWeight(backend, 1), []float32{1}, []float32{1}))
	assert.ErrorIs(t, err, ErrLRNotSettable)
}

func TestFit_Cancelled(t *testing.T) {
	backend := autodiff.New(cpu.New())
	finder, err := callbacks.NewLRFinder(1e-5, 1e-2, 4)
	require.NoError(t, err)

	trainer, err := New(backend, Options[*cpu.Backend]{
		Optimizer: &fakeOptimizer{},
		Handlers:  []callbacks.Handler{finder},
		Logger:    discardLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := trainer.Fit(ctx, tinyBatches(t, backend, 4, 2), 2,
		linearStep(backend, zeroWeight(backend, 1), []float32{1}, []float32{1}))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, result.Steps)
	assert.Zero(t, finder.History().Len(), "interrupted runs keep a truncated history")
}

func TestFit_InvalidArguments(t *testing.T) {
	backend := autodiff.New(cpu.New())
	trainer, err := New(backend, Options[*cpu.Backend]{Optimizer: &fakeOptimizer{}, Logger: discardLogger()})
	require.NoError(t, err)
	step := linearStep(backend, zeroWeight(backend, 1), []float32{1}, []float32{1})

	_, err = trainer.Fit(context.Background(), nil, 1, step)
	assert.ErrorIs(t, err, ErrNoBatches)

	_, err = trainer.Fit(context.Background(), tinyBatches(t, backend, 2, 2), 0, step)
	assert.Error(t, err)
}

func TestFit_L2(t *testing.T) {
	backend := autodiff.New(cpu.New())
	w := nn.NewParameter("w", tensor.Full[float32](tensor.Shape{1, 2}, 2, backend))

	opt := &fakeOptimizer{}
	trainer, err := New(backend, Options[*cpu.Backend]{
		Optimizer:   opt,
		L2:          layers.L2{Factor: 0.5},
		Regularized: []*nn.Parameter[testBackend]{w},
		Logger:      discardLogger(),
	})
	require.NoError(t, err)

	result, err := trainer.Fit(context.Background(), tinyBatches(t, backend, 2, 2), 1,
		linearStep(backend, w, []float32{1, 3}, []float32{0}))
	require.NoError(t, err)

	// loss = w·x = 8, penalty = 0.5 * (4 + 4)
	assert.InDelta(t, 12, result.Epochs[0][callbacks.MetricLoss], 1e-5)

	require.Len(t, opt.grads, 1)
	grad, ok := opt.grads[0][w.Tensor().Raw()]
	require.True(t, ok)
	// d(w·x)/dw = x, plus 2 * 0.5 * w
	assert.InDeltaSlice(t, []float32{3, 5}, grad.AsFloat32(), 1e-5)
}

func TestEvaluate(t *testing.T) {
	backend := autodiff.New(cpu.New())
	opt := &fakeOptimizer{}
	trainer, err := New(backend, Options[*cpu.Backend]{Optimizer: opt, Logger: discardLogger()})
	require.NoError(t, err)

	logs, err := trainer.Evaluate(tinyBatches(t, backend, 4, 2),
		linearStep(backend, zeroWeight(backend, 1), []float32{1}, []float32{1, 3}))
	require.NoError(t, err)
	assert.InDelta(t, 2, logs[callbacks.MetricLoss], 1e-6)
	assert.InDelta(t, 1.5, logs["calls"], 1e-9)
	assert.Zero(t, opt.steps)

	_, err = trainer.Evaluate(nil, nil)
	assert.ErrorIs(t, err, ErrNoBatches)
}

func TestClassificationStep_WithAdam(t *testing.T) {
	backend := autodiff.New(cpu.New())
	model, err := models.NewClassifier(models.ClassifierOptions{
		Encoder:    models.EncoderOptions{InputShape: []int{1, 4, 4}, Widths: []int{4}, BlocksPerStage: 1},
		NumClasses: 2,
	}, backend)
	require.NoError(t, err)

	trainer, err := New(backend, Options[*cpu.Backend]{
		Optimizer: optim.NewAdam(model.TrainableParameters(), optim.AdamConfig{
			LR: 1e-3, Betas: [2]float32{0.9, 0.999}, Eps: 1e-8,
		}, backend),
		Logger: discardLogger(),
	})
	require.NoError(t, err)

	result, err := trainer.Fit(context.Background(), tinyBatches(t, backend, 8, 4), 1, ClassificationStep(model, backend))
	require.NoError(t, err)

	require.Len(t, result.Epochs, 1)
	epoch := result.Epochs[0]
	assert.False(t, math.IsNaN(epoch[callbacks.MetricLoss]))
	acc, ok := epoch[MetricAccuracy]
	require.True(t, ok)
	assert.True(t, acc >= 0 && acc <= 1)
}

func TestBarlowStep_SavesEncoder(t *testing.T) {
	backend := autodiff.New(cpu.New())
	model, err := models.NewBarlowEncoder(models.BarlowOptions{
		Encoder:      models.EncoderOptions{InputShape: []int{1, 4, 4}, Widths: []int{4}, BlocksPerStage: 1},
		HiddenDim:    8,
		HiddenLayers: 1,
		WeightDecay:  layers.DefaultWeightDecay,
	}, backend)
	require.NoError(t, err)

	saver := models.NewEncoderSaver(model.Encoder(), filepath.Join(t.TempDir(), "ckpt"))
	trainer, err := New(backend, Options[*cpu.Backend]{
		Optimizer:   optim.NewSGD(model.TrainableParameters(), optim.SGDConfig{LR: 1e-3, Momentum: 0.9}, backend),
		Handlers:    []callbacks.Handler{callbacks.NewEncoderCheckpoint(discardLogger())},
		Saver:       saver,
		L2:          model.L2(),
		Regularized: model.RegularizedParameters(),
		Logger:      discardLogger(),
	})
	require.NoError(t, err)

	result, err := trainer.Fit(context.Background(), tinyBatches(t, backend, 8, 4), 1,
		BarlowStep(model, data.NewAugmenter(3), models.DefaultBarlowLambda))
	require.NoError(t, err)

	assert.Equal(t, 2, result.Steps)
	assert.Equal(t, 1, saver.Saves(), "the first epoch always improves on +Inf")
	assert.FileExists(t, saver.Path())
}

func TestNewOptimizer(t *testing.T) {
	backend := autodiff.New(cpu.New())
	params := []*nn.Parameter[testBackend]{zeroWeight(backend, 2)}

	cfg := config.Default().Train
	opt, err := NewOptimizer(cfg, params, backend)
	require.NoError(t, err)
	assert.InDelta(t, cfg.LR, opt.GetLR(), 1e-9)
	_, ok := opt.(LRSetter)
	assert.True(t, ok, "adam accepts learning rate directives")

	cfg.Optimizer = config.OptimizerSGD
	cfg.LR = 0.05
	opt, err = NewOptimizer(cfg, params, backend)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, opt.GetLR(), 1e-7)

	cfg.Optimizer = "lion"
	_, err = NewOptimizer(cfg, params, backend)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
