package layers

import (
	"math"
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testBackend = *autodiff.Backend[*cpu.Backend]

func newBackend() testBackend {
	return autodiff.New(cpu.New())
}

func columnStats(data []float32, rows, cols, col int) (mean, variance float64) {
	for r := 0; r < rows; r++ {
		mean += float64(data[r*cols+col])
	}
	mean /= float64(rows)
	for r := 0; r < rows; r++ {
		d := float64(data[r*cols+col]) - mean
		variance += d * d
	}
	variance /= float64(rows)
	return mean, variance
}

func TestBatchNorm_TrainingNormalizes(t *testing.T) {
	backend := newBackend()
	bn := NewBatchNorm(2, backend)

	x, err := tensor.FromSlice([]float32{
		1, 10,
		2, 20,
		3, 30,
		4, 40,
	}, tensor.Shape{4, 2}, backend)
	require.NoError(t, err)

	out := bn.Forward(x)
	require.Equal(t, tensor.Shape{4, 2}, out.Shape())

	data := out.Data()
	for col := 0; col < 2; col++ {
		mean, variance := columnStats(data, 4, 2, col)
		assert.InDelta(t, 0, mean, 1e-5, "column %d mean", col)
		assert.InDelta(t, 1, variance, 1e-2, "column %d variance", col)
	}

	// running stats moved towards the batch statistics
	rm := bn.RunningMean()
	assert.InDelta(t, (1-DefaultMomentum)*2.5, rm[0], 1e-5)
	assert.InDelta(t, (1-DefaultMomentum)*25, rm[1], 1e-4)
}

func TestBatchNorm_InferenceUsesRunningStats(t *testing.T) {
	backend := newBackend()
	bn := NewBatchNorm(3, backend)
	bn.SetTraining(false)
	assert.False(t, bn.Training())

	x, err := tensor.FromSlice([]float32{1, -2, 3}, tensor.Shape{1, 3}, backend)
	require.NoError(t, err)

	// running mean 0, running var 1: output is x / sqrt(1 + eps)
	out := bn.Forward(x).Data()
	scale := float32(1 / math.Sqrt(1+DefaultEpsilon))
	assert.InDeltaSlice(t, []float32{1 * scale, -2 * scale, 3 * scale}, out, 1e-6)

	// inference must not touch the running statistics
	assert.Equal(t, []float32{0, 0, 0}, bn.RunningMean())
}

func TestBatchNorm_StateDictRoundTrip(t *testing.T) {
	backend := newBackend()
	src := NewBatchNorm(2, backend)
	x, err := tensor.FromSlice([]float32{0, 4, 2, 8}, tensor.Shape{2, 2}, backend)
	require.NoError(t, err)
	_ = src.Forward(x)
	copy(src.Gamma.Tensor().Data(), []float32{2, 3})

	dst := NewBatchNorm(2, backend)
	require.NoError(t, dst.LoadStateDict(src.StateDict()))

	assert.Equal(t, src.RunningMean(), dst.RunningMean())
	assert.Equal(t, src.RunningVar(), dst.RunningVar())
	assert.Equal(t, []float32{2, 3}, dst.Gamma.Tensor().Data())

	sd := src.StateDict()
	delete(sd, "running_var")
	assert.Error(t, dst.LoadStateDict(sd))

	wrong := NewBatchNorm(3, backend)
	assert.Error(t, wrong.LoadStateDict(src.StateDict()))
}

func TestBatchNorm2D_Shape(t *testing.T) {
	backend := newBackend()
	bn := NewBatchNorm2D(3, backend)

	x := tensor.Randn[float32](tensor.Shape{2, 3, 4, 4}, backend)
	out := bn.Forward(x)
	assert.Equal(t, tensor.Shape{2, 3, 4, 4}, out.Shape())

	assert.Panics(t, func() {
		bn.Forward(tensor.Randn[float32](tensor.Shape{2, 5, 4, 4}, backend))
	})
}

func TestGlobalAvgPool2D(t *testing.T) {
	backend := newBackend()
	pool := NewGlobalAvgPool2D[testBackend]()

	x, err := tensor.FromSlice([]float32{
		// sample 0, channel 0
		1, 2, 3, 4,
		// sample 0, channel 1
		10, 10, 10, 10,
	}, tensor.Shape{1, 2, 2, 2}, backend)
	require.NoError(t, err)

	out := pool.Forward(x)
	assert.Equal(t, tensor.Shape{1, 2}, out.Shape())
	assert.InDeltaSlice(t, []float32{2.5, 10}, out.Data(), 1e-6)
	assert.Nil(t, pool.Parameters())
}

func TestHeNormal(t *testing.T) {
	backend := newBackend()
	fanIn := 200
	w := nn.NewParameter("w", tensor.Zeros[float32](tensor.Shape{100, fanIn}, backend))
	ReinitHeNormal(w, fanIn)

	data := w.Tensor().Data()
	std := math.Sqrt(2.0 / float64(fanIn))
	sum, sq := 0.0, 0.0
	for _, v := range data {
		assert.LessOrEqual(t, math.Abs(float64(v)), 2*std/0.87962566103423978+1e-6)
		sum += float64(v)
		sq += float64(v) * float64(v)
	}
	n := float64(len(data))
	mean := sum / n
	assert.InDelta(t, 0, mean, 0.01)
	assert.InDelta(t, std, math.Sqrt(sq/n-mean*mean), 0.1*std)
}

func TestL2(t *testing.T) {
	backend := newBackend()
	w, err := tensor.FromSlice([]float32{1, -2}, tensor.Shape{2}, backend)
	require.NoError(t, err)
	p := nn.NewParameter("w", w)
	raws := Raws([]*nn.Parameter[testBackend]{p})

	r := L2{Factor: 0.5}
	assert.InDelta(t, 0.5*5, r.Penalty(raws), 1e-9)

	grad, err := tensor.NewRaw(tensor.Shape{2}, tensor.Float32, backend.Device())
	require.NoError(t, err)
	copy(grad.AsFloat32(), []float32{0.1, 0.1})
	grads := map[*tensor.RawTensor]*tensor.RawTensor{raws[0]: grad}

	r.AddGradients(raws, grads)
	assert.InDeltaSlice(t, []float32{1.1, -1.9}, grad.AsFloat32(), 1e-6)

	L2{}.AddGradients(raws, grads)
	assert.InDeltaSlice(t, []float32{1.1, -1.9}, grad.AsFloat32(), 1e-6, "zero factor is a no-op")
	assert.Zero(t, L2{}.Penalty(raws))
}

func TestStateHelpers(t *testing.T) {
	backend := newBackend()
	a := nn.NewParameter("a", tensor.Ones[float32](tensor.Shape{2}, backend))
	named := map[string]*nn.Parameter[testBackend]{"a": a}

	sd := WithPrefix("block.", StateDict(named))
	require.Contains(t, sd, "block.a")

	stripped := StripPrefix("block.", sd)
	require.Contains(t, stripped, "a")

	other := nn.NewParameter("a", tensor.Zeros[float32](tensor.Shape{2}, backend))
	require.NoError(t, LoadStateDict(map[string]*nn.Parameter[testBackend]{"a": other}, stripped))
	assert.Equal(t, []float32{1, 1}, other.Tensor().Data())

	assert.Error(t, LoadStateDict(map[string]*nn.Parameter[testBackend]{"b": other}, stripped))
	assert.Equal(t, 2, CountParameters([]*nn.Parameter[testBackend]{a}))

	merged := Merge(map[string]*tensor.RawTensor{}, sd)
	assert.Len(t, merged, 1)
}
