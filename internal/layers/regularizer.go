package layers

import (
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// DefaultWeightDecay is the L2 factor applied to projection-head kernels.
const DefaultWeightDecay = 5e-4

// L2 is a kernel regularizer adding Factor * sum(w²) to the loss.
//
// The penalty is applied outside the autodiff graph: Penalty reports its value for
// logging and AddGradients adds its derivative 2 * Factor * w to computed gradients.
type L2 struct {
	Factor float64
}

// Penalty returns Factor * sum(w²) over params.
func (r L2) Penalty(params []*tensor.RawTensor) float64 {
	if r.Factor == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range params {
		for _, w := range p.AsFloat32() {
			sum += float64(w) * float64(w)
		}
	}
	return r.Factor * sum
}

// AddGradients adds 2 * Factor * w to the gradient of each parameter in place.
//
// Parameters without a gradient (not part of the graph) are skipped.
func (r L2) AddGradients(params []*tensor.RawTensor, grads map[*tensor.RawTensor]*tensor.RawTensor) {
	if r.Factor == 0 {
		return
	}
	k := float32(2 * r.Factor)
	for _, p := range params {
		g, ok := grads[p]
		if !ok || g == nil {
			continue
		}
		gd := g.AsFloat32()
		for i, w := range p.AsFloat32() {
			gd[i] += k * w
		}
	}
}

// Raws returns the raw tensors backing params, the keys used in gradient maps.
func Raws[B tensor.Backend](params []*nn.Parameter[B]) []*tensor.RawTensor {
	out := make([]*tensor.RawTensor, len(params))
	for i, p := range params {
		out[i] = p.Tensor().Raw()
	}
	return out
}
