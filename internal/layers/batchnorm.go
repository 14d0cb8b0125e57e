package layers

import (
	"fmt"
	"math"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
)

// Default BatchNorm hyperparameters.
const (
	DefaultMomentum = 0.99
	DefaultEpsilon  = 1e-3
)

// rsqrtBackend is implemented by backends that provide 1/sqrt(x).
type rsqrtBackend interface {
	Rsqrt(*tensor.RawTensor) *tensor.RawTensor
}

// BatchNorm normalizes features over the batch dimension.
//
// Formula: Y = gamma * (X - mean) / sqrt(var + eps) + beta
//
// In training mode mean and var are batch statistics and the running averages are
// updated with:
//
//	running = momentum * running + (1 - momentum) * batch
//
// In inference mode the running averages are used instead.
//
// Input: [batch, features]. Use BatchNorm2D for [N, C, H, W] feature maps.
type BatchNorm[B tensor.Backend] struct {
	Gamma    *nn.Parameter[B] // learnable scale [features]
	Beta     *nn.Parameter[B] // learnable shift [features]
	Epsilon  float32
	Momentum float32

	features    int
	runningMean []float32
	runningVar  []float32
	training    bool
	backend     B
}

// NewBatchNorm creates a BatchNorm over the given number of features.
//
// Gamma starts at ones, beta at zeros, running mean at zeros and running variance at ones.
// The layer starts in training mode.
func NewBatchNorm[B tensor.Backend](features int, backend B) *BatchNorm[B] {
	if features <= 0 {
		panic(fmt.Sprintf("batchnorm: invalid feature count %d", features))
	}

	runningVar := make([]float32, features)
	for i := range runningVar {
		runningVar[i] = 1
	}

	return &BatchNorm[B]{
		Gamma:       nn.NewParameter("gamma", tensor.Ones[float32](tensor.Shape{features}, backend)),
		Beta:        nn.NewParameter("beta", tensor.Zeros[float32](tensor.Shape{features}, backend)),
		Epsilon:     DefaultEpsilon,
		Momentum:    DefaultMomentum,
		features:    features,
		runningMean: make([]float32, features),
		runningVar:  runningVar,
		training:    true,
		backend:     backend,
	}
}

// Features returns the normalized feature count.
func (b *BatchNorm[B]) Features() int {
	return b.features
}

// SetTraining switches between batch statistics (true) and running statistics (false).
func (b *BatchNorm[B]) SetTraining(training bool) {
	b.training = training
}

// Training reports whether batch statistics are used.
func (b *BatchNorm[B]) Training() bool {
	return b.training
}

// RunningMean returns a copy of the running mean.
func (b *BatchNorm[B]) RunningMean() []float32 {
	return append([]float32(nil), b.runningMean...)
}

// RunningVar returns a copy of the running variance.
func (b *BatchNorm[B]) RunningVar() []float32 {
	return append([]float32(nil), b.runningVar...)
}

// Forward normalizes x with shape [batch, features].
func (b *BatchNorm[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := x.Shape()
	if len(shape) != 2 || shape[1] != b.features {
		panic(fmt.Sprintf("batchnorm: expected [batch, %d] input, got %v", b.features, shape))
	}

	var centered, invStd *tensor.Tensor[float32, B]
	if b.training {
		mean := x.MeanDim(0, true) // [1, features]
		centered = x.Sub(mean)
		variance := centered.Mul(centered).MeanDim(0, true)
		invStd = Rsqrt(variance.Add(tensor.Full[float32](variance.Shape(), b.Epsilon, b.backend)))
		b.updateRunning(mean.Data(), variance.Data(), shape[0])
	} else {
		centered = x.Sub(b.constant(b.runningMean))
		inv := make([]float32, b.features)
		for i, v := range b.runningVar {
			inv[i] = float32(1 / math.Sqrt(float64(v+b.Epsilon)))
		}
		invStd = b.constant(inv)
	}

	gamma := b.Gamma.Tensor().Reshape(1, b.features)
	beta := b.Beta.Tensor().Reshape(1, b.features)
	return centered.Mul(invStd).Mul(gamma).Add(beta)
}

// Rsqrt computes 1/sqrt(x) element-wise through the tensor's backend so that the
// operation is recorded on the autodiff tape.
func Rsqrt[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	backend := x.Backend()
	rb, ok := any(backend).(rsqrtBackend)
	if !ok {
		panic("rsqrt: backend must implement Rsqrt operation (use autodiff.Backend)")
	}
	return tensor.New[float32, B](rb.Rsqrt(x.Raw()), backend)
}

// constant wraps per-feature values as a [1, features] tensor.
func (b *BatchNorm[B]) constant(values []float32) *tensor.Tensor[float32, B] {
	t, err := tensor.FromSlice(append([]float32(nil), values...), tensor.Shape{1, b.features}, b.backend)
	if err != nil {
		panic(err)
	}
	return t
}

func (b *BatchNorm[B]) updateRunning(mean, variance []float32, n int) {
	// unbiased estimate for the running variance
	correction := float32(1)
	if n > 1 {
		correction = float32(n) / float32(n-1)
	}
	m := b.Momentum
	for i := 0; i < b.features; i++ {
		b.runningMean[i] = m*b.runningMean[i] + (1-m)*mean[i]
		b.runningVar[i] = m*b.runningVar[i] + (1-m)*variance[i]*correction
	}
}

// Parameters returns gamma and beta.
func (b *BatchNorm[B]) Parameters() []*nn.Parameter[B] {
	return []*nn.Parameter[B]{b.Gamma, b.Beta}
}

// StateDict returns gamma, beta and the running statistics.
func (b *BatchNorm[B]) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{
		"gamma":        b.Gamma.Tensor().Raw(),
		"beta":         b.Beta.Tensor().Raw(),
		"running_mean": b.buffer(b.runningMean),
		"running_var":  b.buffer(b.runningVar),
	}
}

func (b *BatchNorm[B]) buffer(values []float32) *tensor.RawTensor {
	raw, err := tensor.NewRaw(tensor.Shape{b.features}, tensor.Float32, b.backend.Device())
	if err != nil {
		panic(err)
	}
	copy(raw.AsFloat32(), values)
	return raw
}

// LoadStateDict loads gamma, beta and the running statistics.
func (b *BatchNorm[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := LoadStateDict(map[string]*nn.Parameter[B]{"gamma": b.Gamma, "beta": b.Beta}, stateDict); err != nil {
		return err
	}

	for name, dst := range map[string][]float32{"running_mean": b.runningMean, "running_var": b.runningVar} {
		raw, ok := stateDict[name]
		if !ok {
			return errors.Errorf("batchnorm: missing %s in state dict", name)
		}
		if err := checkRaw(name, raw, tensor.Shape{b.features}); err != nil {
			return err
		}
		copy(dst, raw.AsFloat32())
	}
	return nil
}

// BatchNorm2D normalizes each channel of [N, C, H, W] feature maps over N, H and W.
type BatchNorm2D[B tensor.Backend] struct {
	*BatchNorm[B]
}

// NewBatchNorm2D creates a channel-wise BatchNorm.
func NewBatchNorm2D[B tensor.Backend](channels int, backend B) *BatchNorm2D[B] {
	return &BatchNorm2D[B]{BatchNorm: NewBatchNorm(channels, backend)}
}

// Forward normalizes x with shape [N, C, H, W].
func (b *BatchNorm2D[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := x.Shape()
	if len(shape) != 4 || shape[1] != b.features {
		panic(fmt.Sprintf("batchnorm2d: expected [N, %d, H, W] input, got %v", b.features, shape))
	}
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]

	flat := x.Transpose(0, 2, 3, 1).Reshape(n*h*w, c)
	out := b.BatchNorm.Forward(flat)
	return out.Reshape(n, h, w, c).Transpose(0, 3, 1, 2)
}
