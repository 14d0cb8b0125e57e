package models

import (
	"fmt"
	"strings"

	"github.com/born-ml/barlow/internal/layers"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
)

// EncoderOptions configures an Encoder.
type EncoderOptions struct {
	// InputShape is [channels, height, width].
	InputShape []int

	// Widths holds the channel count of each stage. Every stage after the
	// first halves the spatial resolution. The last width is the feature dimension.
	Widths []int

	// BlocksPerStage is the number of residual blocks in each stage.
	BlocksPerStage int

	// Weights names the pretrained source: "" for random initialization,
	// a Registry name, or a path to a .born file.
	Weights string

	// Frozen excludes the encoder from training: its parameters are not
	// handed to the optimizer and its batch norms use running statistics.
	Frozen bool

	// Registry resolves Weights. Nil uses DefaultRegistry.
	Registry *Registry
}

// DefaultEncoderOptions returns a small three-stage encoder for 32x32 RGB input.
func DefaultEncoderOptions() EncoderOptions {
	return EncoderOptions{
		InputShape:     []int{3, 32, 32},
		Widths:         []int{16, 32, 64},
		BlocksPerStage: 2,
	}
}

// Validate checks the options describe a buildable encoder.
func (o EncoderOptions) Validate() error {
	if len(o.InputShape) != 3 {
		return errors.Wrapf(ErrInvalidOptions, "input shape must be [C, H, W], got %v", o.InputShape)
	}
	for _, d := range o.InputShape {
		if d <= 0 {
			return errors.Wrapf(ErrInvalidOptions, "input shape must be positive, got %v", o.InputShape)
		}
	}
	if len(o.Widths) == 0 {
		return errors.Wrap(ErrInvalidOptions, "at least one stage width is required")
	}
	for _, w := range o.Widths {
		if w <= 0 {
			return errors.Wrapf(ErrInvalidOptions, "stage widths must be positive, got %v", o.Widths)
		}
	}
	if o.BlocksPerStage <= 0 {
		return errors.Wrapf(ErrInvalidOptions, "blocks per stage must be > 0, got %d", o.BlocksPerStage)
	}
	return nil
}

// Encoder maps images to fixed-length feature vectors.
//
// Architecture:
//
//	Input: [batch, C, H, W]
//	Stem: Conv3x3(C -> widths[0])
//	Stage i: BlocksPerStage pre-activation residual blocks, stride 2 on entry for i > 0
//	BatchNorm -> ReLU
//	GlobalAvgPool -> [batch, widths[last]]
type Encoder[B tensor.Backend] struct {
	inputShape []int
	widths     []int
	stem       *nn.Conv2D[B]
	blocks     []*residualBlock[B]
	postBN     *layers.BatchNorm2D[B]
	pool       *layers.GlobalAvgPool2D[B]
	frozen     bool
	training   bool
}

// NewEncoder builds an encoder and loads pretrained weights if opts.Weights is set.
func NewEncoder[B tensor.Backend](opts EncoderOptions, backend B) (*Encoder[B], error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	e := &Encoder[B]{
		inputShape: append([]int(nil), opts.InputShape...),
		widths:     append([]int(nil), opts.Widths...),
		stem:       nn.NewConv2D(opts.InputShape[0], opts.Widths[0], 3, 3, 1, 1, false, backend),
		pool:       layers.NewGlobalAvgPool2D[B](),
		training:   true,
	}

	in := opts.Widths[0]
	for stage, width := range opts.Widths {
		for i := 0; i < opts.BlocksPerStage; i++ {
			stride := 1
			if stage > 0 && i == 0 {
				stride = 2
			}
			e.blocks = append(e.blocks, newResidualBlock(in, width, stride, backend))
			in = width
		}
	}
	e.postBN = layers.NewBatchNorm2D(in, backend)

	if opts.Weights != "" {
		registry := opts.Registry
		if registry == nil {
			registry = DefaultRegistry
		}
		if err := LoadWeights(e, registry, opts.Weights, backend); err != nil {
			return nil, err
		}
	}

	e.SetFrozen(opts.Frozen)
	return e, nil
}

// FeatureDim returns the length of the output feature vector.
func (e *Encoder[B]) FeatureDim() int {
	return e.widths[len(e.widths)-1]
}

// InputShape returns [C, H, W].
func (e *Encoder[B]) InputShape() []int {
	return append([]int(nil), e.inputShape...)
}

// Frozen reports whether the encoder is excluded from training.
func (e *Encoder[B]) Frozen() bool {
	return e.frozen
}

// SetFrozen freezes or unfreezes the encoder. A frozen encoder always runs its
// batch norms in inference mode.
func (e *Encoder[B]) SetFrozen(frozen bool) {
	e.frozen = frozen
	e.SetTraining(e.training)
}

// SetTraining selects batch statistics (true) or running statistics (false).
func (e *Encoder[B]) SetTraining(training bool) {
	e.training = training
	bnTraining := training && !e.frozen
	for _, b := range e.blocks {
		b.setTraining(bnTraining)
	}
	e.postBN.SetTraining(bnTraining)
}

// Forward encodes a batch of images.
//
// Input is [batch, C, H, W] or flattened [batch, C*H*W].
// Output is [batch, FeatureDim()].
func (e *Encoder[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	c, h, w := e.inputShape[0], e.inputShape[1], e.inputShape[2]

	shape := input.Shape()
	switch {
	case len(shape) == 2 && shape[1] == c*h*w:
		input = input.Reshape(shape[0], c, h, w)
	case len(shape) == 4 && shape[1] == c && shape[2] == h && shape[3] == w:
	default:
		panic(fmt.Sprintf("encoder: expected [batch, %d, %d, %d] or [batch, %d] input, got %v", c, h, w, c*h*w, shape))
	}

	x := e.stem.Forward(input)
	for _, b := range e.blocks {
		x = b.forward(x)
	}
	x = nn.ReLUFunc(e.postBN.Forward(x))
	return e.pool.Forward(x)
}

// Parameters returns all parameters, including those of a frozen encoder.
func (e *Encoder[B]) Parameters() []*nn.Parameter[B] {
	params := make([]*nn.Parameter[B], 0, 1+7*len(e.blocks)+2)
	params = append(params, e.stem.Parameters()...)
	for _, b := range e.blocks {
		params = append(params, b.parameters()...)
	}
	params = append(params, e.postBN.Parameters()...)
	return params
}

// TrainableParameters returns Parameters, or nil when the encoder is frozen.
func (e *Encoder[B]) TrainableParameters() []*nn.Parameter[B] {
	if e.frozen {
		return nil
	}
	return e.Parameters()
}

// StateDict returns all weights and batch norm statistics.
func (e *Encoder[B]) StateDict() map[string]*tensor.RawTensor {
	sd := layers.WithPrefix("stem.", convState(e.stem))
	for i, b := range e.blocks {
		layers.Merge(sd, layers.WithPrefix(fmt.Sprintf("blocks.%d.", i), b.stateDict()))
	}
	layers.Merge(sd, layers.WithPrefix("post_bn.", e.postBN.StateDict()))
	return sd
}

// LoadStateDict restores weights produced by StateDict.
func (e *Encoder[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := loadConvState(e.stem, layers.StripPrefix("stem.", stateDict)); err != nil {
		return errors.Wrap(err, "encoder stem")
	}
	for i, b := range e.blocks {
		if err := b.loadStateDict(layers.StripPrefix(fmt.Sprintf("blocks.%d.", i), stateDict)); err != nil {
			return errors.Wrapf(err, "encoder block %d", i)
		}
	}
	if err := e.postBN.LoadStateDict(layers.StripPrefix("post_bn.", stateDict)); err != nil {
		return errors.Wrap(err, "encoder post_bn")
	}
	return nil
}

// String returns a summary of the architecture.
func (e *Encoder[B]) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Encoder(\n  %s\n", e.stem.String())
	for i, b := range e.blocks {
		shortcut := "identity"
		if b.shortcut != nil {
			shortcut = b.shortcut.String()
		}
		fmt.Fprintf(&sb, "  Block%d(%s, %s, shortcut=%s)\n", i, b.conv1.String(), b.conv2.String(), shortcut)
	}
	fmt.Fprintf(&sb, "  BatchNorm2D(%d)\n  ReLU()\n  %s\n)", e.postBN.Features(), e.pool.String())
	return sb.String()
}
