package models

import (
	"fmt"

	"github.com/born-ml/barlow/internal/layers"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
)

// BarlowOptions configures a BarlowEncoder.
type BarlowOptions struct {
	Encoder      EncoderOptions
	HiddenDim    int
	HiddenLayers int
	WeightDecay  float64
}

// DefaultBarlowOptions returns the default encoder with the default projection head.
func DefaultBarlowOptions() BarlowOptions {
	return BarlowOptions{
		Encoder:      DefaultEncoderOptions(),
		HiddenDim:    DefaultHiddenDim,
		HiddenLayers: DefaultHiddenLayers,
		WeightDecay:  layers.DefaultWeightDecay,
	}
}

// BarlowEncoder is the pretraining network: Encoder followed by ProjectionHead.
//
// After pretraining only the encoder is kept; see EncoderSaver.
type BarlowEncoder[B tensor.Backend] struct {
	encoder    *Encoder[B]
	projection *ProjectionHead[B]
}

// NewBarlowEncoder builds the encoder and its projection head.
func NewBarlowEncoder[B tensor.Backend](opts BarlowOptions, backend B) (*BarlowEncoder[B], error) {
	encoder, err := NewEncoder(opts.Encoder, backend)
	if err != nil {
		return nil, err
	}

	projection, err := NewProjectionHead(ProjectionOptions{
		InputDim:     encoder.FeatureDim(),
		HiddenDim:    opts.HiddenDim,
		HiddenLayers: opts.HiddenLayers,
		WeightDecay:  opts.WeightDecay,
	}, backend)
	if err != nil {
		return nil, err
	}

	return &BarlowEncoder[B]{encoder: encoder, projection: projection}, nil
}

// Encoder returns the wrapped encoder.
func (m *BarlowEncoder[B]) Encoder() *Encoder[B] {
	return m.encoder
}

// Projection returns the projection head.
func (m *BarlowEncoder[B]) Projection() *ProjectionHead[B] {
	return m.projection
}

// SetTraining toggles batch norm mode of both parts.
func (m *BarlowEncoder[B]) SetTraining(training bool) {
	m.encoder.SetTraining(training)
	m.projection.SetTraining(training)
}

// Forward maps images to projections [batch, HiddenDim].
func (m *BarlowEncoder[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return m.projection.Forward(m.encoder.Forward(input))
}

// Parameters returns encoder and projection parameters.
func (m *BarlowEncoder[B]) Parameters() []*nn.Parameter[B] {
	return append(m.encoder.Parameters(), m.projection.Parameters()...)
}

// TrainableParameters omits encoder parameters when the encoder is frozen.
func (m *BarlowEncoder[B]) TrainableParameters() []*nn.Parameter[B] {
	return append(m.encoder.TrainableParameters(), m.projection.Parameters()...)
}

// RegularizedParameters returns the projection kernels carrying the L2 penalty.
func (m *BarlowEncoder[B]) RegularizedParameters() []*nn.Parameter[B] {
	return m.projection.RegularizedParameters()
}

// L2 returns the projection head regularizer.
func (m *BarlowEncoder[B]) L2() layers.L2 {
	return m.projection.L2()
}

// StateDict returns weights under "encoder." and "projection.".
func (m *BarlowEncoder[B]) StateDict() map[string]*tensor.RawTensor {
	sd := layers.WithPrefix("encoder.", m.encoder.StateDict())
	return layers.Merge(sd, layers.WithPrefix("projection.", m.projection.StateDict()))
}

// LoadStateDict restores weights produced by StateDict.
func (m *BarlowEncoder[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := m.encoder.LoadStateDict(layers.StripPrefix("encoder.", stateDict)); err != nil {
		return err
	}
	return errors.Wrap(m.projection.LoadStateDict(layers.StripPrefix("projection.", stateDict)), "barlow encoder")
}

func (m *BarlowEncoder[B]) String() string {
	return fmt.Sprintf("BarlowEncoder(\n%s\n%s\n)", m.encoder.String(), m.projection.String())
}
