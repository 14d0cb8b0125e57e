package models

import (
	"fmt"

	"github.com/born-ml/barlow/internal/layers"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
)

// ClassifierOptions configures a Classifier.
type ClassifierOptions struct {
	Encoder    EncoderOptions
	NumClasses int
}

// Classifier is an encoder followed by one dense layer producing class scores.
//
// Used for downstream fine-tuning of a pretrained encoder. Set
// Encoder.Frozen to train only the head (linear evaluation).
type Classifier[B tensor.Backend] struct {
	encoder    *Encoder[B]
	head       *nn.Linear[B]
	numClasses int
}

// NewClassifier builds the encoder (loading pretrained weights if configured)
// and a He-normal initialized dense head.
func NewClassifier[B tensor.Backend](opts ClassifierOptions, backend B) (*Classifier[B], error) {
	if opts.NumClasses <= 0 {
		return nil, errors.Wrapf(ErrInvalidOptions, "num classes must be > 0, got %d", opts.NumClasses)
	}

	encoder, err := NewEncoder(opts.Encoder, backend)
	if err != nil {
		return nil, err
	}

	head := nn.NewLinear(encoder.FeatureDim(), opts.NumClasses, backend)
	layers.ReinitHeNormal(head.Weight(), encoder.FeatureDim())

	return &Classifier[B]{
		encoder:    encoder,
		head:       head,
		numClasses: opts.NumClasses,
	}, nil
}

// Encoder returns the wrapped encoder.
func (c *Classifier[B]) Encoder() *Encoder[B] {
	return c.encoder
}

// NumClasses returns the number of output classes.
func (c *Classifier[B]) NumClasses() int {
	return c.numClasses
}

// SetTraining toggles batch norm mode of the encoder.
func (c *Classifier[B]) SetTraining(training bool) {
	c.encoder.SetTraining(training)
}

// Forward returns unnormalized class scores [batch, NumClasses].
//
// Cross-entropy losses apply the softmax themselves; use Predict for probabilities.
func (c *Classifier[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return c.head.Forward(c.encoder.Forward(input))
}

// Predict returns softmax class probabilities [batch, NumClasses].
func (c *Classifier[B]) Predict(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return c.Forward(input).Softmax(-1)
}

// Parameters returns encoder and head parameters.
func (c *Classifier[B]) Parameters() []*nn.Parameter[B] {
	params := c.encoder.Parameters()
	return append(params, c.head.Parameters()...)
}

// TrainableParameters returns the parameters the optimizer should update:
// the head only when the encoder is frozen.
func (c *Classifier[B]) TrainableParameters() []*nn.Parameter[B] {
	params := c.encoder.TrainableParameters()
	return append(params, c.head.Parameters()...)
}

// RegularizedParameters returns nil; the classifier head is not regularized.
func (c *Classifier[B]) RegularizedParameters() []*nn.Parameter[B] {
	return nil
}

// StateDict returns encoder weights under "encoder." and head weights under "head.".
func (c *Classifier[B]) StateDict() map[string]*tensor.RawTensor {
	sd := layers.WithPrefix("encoder.", c.encoder.StateDict())
	return layers.Merge(sd, layers.WithPrefix("head.", c.head.StateDict()))
}

// LoadStateDict restores weights produced by StateDict.
func (c *Classifier[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := c.encoder.LoadStateDict(layers.StripPrefix("encoder.", stateDict)); err != nil {
		return err
	}
	if err := c.head.LoadStateDict(layers.StripPrefix("head.", stateDict)); err != nil {
		return errors.Wrap(err, "classifier head")
	}
	return nil
}

// String returns a summary of the architecture.
func (c *Classifier[B]) String() string {
	return fmt.Sprintf("Classifier(\n%s\n  Linear(in=%d, out=%d)\n  Softmax()\n)",
		c.encoder.String(), c.encoder.FeatureDim(), c.numClasses)
}
