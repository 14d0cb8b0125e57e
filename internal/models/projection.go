package models

import (
	"fmt"
	"strings"

	"github.com/born-ml/barlow/internal/layers"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
)

// Projection head defaults.
const (
	DefaultHiddenDim    = 2048
	DefaultHiddenLayers = 3
)

// ProjectionOptions configures a ProjectionHead.
type ProjectionOptions struct {
	InputDim     int
	HiddenDim    int
	HiddenLayers int
	WeightDecay  float64
}

// DefaultProjectionOptions returns the defaults for a head on top of inputDim features.
func DefaultProjectionOptions(inputDim int) ProjectionOptions {
	return ProjectionOptions{
		InputDim:     inputDim,
		HiddenDim:    DefaultHiddenDim,
		HiddenLayers: DefaultHiddenLayers,
		WeightDecay:  layers.DefaultWeightDecay,
	}
}

// Validate checks the options.
func (o ProjectionOptions) Validate() error {
	switch {
	case o.InputDim <= 0:
		return errors.Wrapf(ErrInvalidOptions, "projection input dim must be > 0, got %d", o.InputDim)
	case o.HiddenDim <= 0:
		return errors.Wrapf(ErrInvalidOptions, "projection hidden dim must be > 0, got %d", o.HiddenDim)
	case o.HiddenLayers < 0:
		return errors.Wrapf(ErrInvalidOptions, "projection hidden layers must be >= 0, got %d", o.HiddenLayers)
	case o.WeightDecay < 0:
		return errors.Wrapf(ErrInvalidOptions, "weight decay must be >= 0, got %g", o.WeightDecay)
	}
	return nil
}

type projectionLayer[B tensor.Backend] struct {
	dense *nn.Linear[B]
	bn    *layers.BatchNorm[B]
}

// ProjectionHead maps encoder features to the embedding space the Barlow Twins
// objective is computed in:
//
//	HiddenLayers x (Linear -> BatchNorm -> ReLU) -> Linear
//
// Hidden dense kernels carry an L2 penalty of WeightDecay.
type ProjectionHead[B tensor.Backend] struct {
	hidden []projectionLayer[B]
	output *nn.Linear[B]
	l2     layers.L2
}

// NewProjectionHead creates a projection head.
func NewProjectionHead[B tensor.Backend](opts ProjectionOptions, backend B) (*ProjectionHead[B], error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	h := &ProjectionHead[B]{l2: layers.L2{Factor: opts.WeightDecay}}
	in := opts.InputDim
	for i := 0; i < opts.HiddenLayers; i++ {
		h.hidden = append(h.hidden, projectionLayer[B]{
			dense: nn.NewLinear(in, opts.HiddenDim, backend),
			bn:    layers.NewBatchNorm(opts.HiddenDim, backend),
		})
		in = opts.HiddenDim
	}
	h.output = nn.NewLinear(in, opts.HiddenDim, backend)
	return h, nil
}

// OutputDim returns the embedding size.
func (h *ProjectionHead[B]) OutputDim() int {
	return h.output.OutFeatures()
}

// L2 returns the regularizer applied to RegularizedParameters.
func (h *ProjectionHead[B]) L2() layers.L2 {
	return h.l2
}

// SetTraining toggles batch norm mode.
func (h *ProjectionHead[B]) SetTraining(training bool) {
	for _, l := range h.hidden {
		l.bn.SetTraining(training)
	}
}

// Forward projects [batch, InputDim] features to [batch, OutputDim()].
func (h *ProjectionHead[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	for _, l := range h.hidden {
		x = nn.ReLUFunc(l.bn.Forward(l.dense.Forward(x)))
	}
	return h.output.Forward(x)
}

// Parameters returns all parameters.
func (h *ProjectionHead[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	for _, l := range h.hidden {
		params = append(params, l.dense.Parameters()...)
		params = append(params, l.bn.Parameters()...)
	}
	return append(params, h.output.Parameters()...)
}

// RegularizedParameters returns the hidden dense kernels.
func (h *ProjectionHead[B]) RegularizedParameters() []*nn.Parameter[B] {
	params := make([]*nn.Parameter[B], 0, len(h.hidden))
	for _, l := range h.hidden {
		params = append(params, l.dense.Weight())
	}
	return params
}

// StateDict returns weights under "projection_layer_<i>." and "projection_output.".
func (h *ProjectionHead[B]) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	for i, l := range h.hidden {
		prefix := fmt.Sprintf("projection_layer_%d.", i)
		layers.Merge(sd, layers.WithPrefix(prefix+"dense.", l.dense.StateDict()))
		layers.Merge(sd, layers.WithPrefix(prefix+"bn.", l.bn.StateDict()))
	}
	return layers.Merge(sd, layers.WithPrefix("projection_output.", h.output.StateDict()))
}

// LoadStateDict restores weights produced by StateDict.
func (h *ProjectionHead[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	for i, l := range h.hidden {
		prefix := fmt.Sprintf("projection_layer_%d.", i)
		if err := l.dense.LoadStateDict(layers.StripPrefix(prefix+"dense.", stateDict)); err != nil {
			return errors.Wrapf(err, "projection layer %d", i)
		}
		if err := l.bn.LoadStateDict(layers.StripPrefix(prefix+"bn.", stateDict)); err != nil {
			return errors.Wrapf(err, "projection layer %d", i)
		}
	}
	if err := h.output.LoadStateDict(layers.StripPrefix("projection_output.", stateDict)); err != nil {
		return errors.Wrap(err, "projection output")
	}
	return nil
}

func (h *ProjectionHead[B]) String() string {
	var sb strings.Builder
	sb.WriteString("ProjectionHead(\n")
	for i, l := range h.hidden {
		fmt.Fprintf(&sb, "  projection_layer_%d: Linear(in=%d, out=%d) -> BatchNorm(%d) -> ReLU\n",
			i, l.dense.InFeatures(), l.dense.OutFeatures(), l.bn.Features())
	}
	fmt.Fprintf(&sb, "  projection_output: Linear(in=%d, out=%d)\n)", h.output.InFeatures(), h.output.OutFeatures())
	return sb.String()
}
