package layers

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// GlobalAvgPool2D averages each channel over its spatial extent.
//
// Input: [N, C, H, W]
// Output: [N, C]
type GlobalAvgPool2D[B tensor.Backend] struct{}

// NewGlobalAvgPool2D creates a global average pooling layer.
func NewGlobalAvgPool2D[B tensor.Backend]() *GlobalAvgPool2D[B] {
	return &GlobalAvgPool2D[B]{}
}

// Forward pools x with shape [N, C, H, W] to [N, C].
func (g *GlobalAvgPool2D[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := x.Shape()
	if len(shape) != 4 {
		panic(fmt.Sprintf("globalavgpool2d: expected 4D input [N,C,H,W], got %dD", len(shape)))
	}
	n, c := shape[0], shape[1]
	return x.Reshape(n, c, shape[2]*shape[3]).MeanDim(-1, false)
}

// Parameters returns nil (no trainable parameters).
func (g *GlobalAvgPool2D[B]) Parameters() []*nn.Parameter[B] {
	return nil
}

// String returns a description of the layer.
func (g *GlobalAvgPool2D[B]) String() string {
	return "GlobalAvgPool2D()"
}
