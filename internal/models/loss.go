package models

import (
	"fmt"

	"github.com/born-ml/barlow/internal/layers"
	"github.com/born-ml/born/tensor"
)

// DefaultBarlowLambda weighs the redundancy-reduction term.
const DefaultBarlowLambda = 5e-3

// standardizeEpsilon keeps constant features from dividing by zero.
const standardizeEpsilon = 1e-5

// BarlowTwinsLoss computes the Barlow Twins objective for two views of one batch.
//
// Each embedding is standardized per feature over the batch, then the
// cross-correlation matrix C = z1ᵀ·z2 / N is compared against the identity:
//
//	loss = Σ_i (1 - C_ii)² + lambda · Σ_{i≠j} C_ij²
//
// z1 and z2 must both be [N, D] with N > 1. The result has shape [1] and is
// recorded on the autodiff tape when the backend is recording.
func BarlowTwinsLoss[B tensor.Backend](z1, z2 *tensor.Tensor[float32, B], lambda float32) *tensor.Tensor[float32, B] {
	s1, s2 := z1.Shape(), z2.Shape()
	if len(s1) != 2 || !s1.Equal(s2) {
		panic(fmt.Sprintf("barlow loss: views must share a [batch, dim] shape, got %v and %v", s1, s2))
	}
	n, d := s1[0], s1[1]
	if n < 2 {
		panic(fmt.Sprintf("barlow loss: batch size must be > 1, got %d", n))
	}
	backend := z1.Backend()

	c := standardize(z1).Transpose(1, 0).MatMul(standardize(z2))
	c = c.Mul(tensor.Full[float32](tensor.Shape{d, d}, 1/float32(n), backend))

	eye := tensor.Eye[float32](d, backend)
	offMask := tensor.Ones[float32](tensor.Shape{d, d}, backend).Sub(eye)

	onDiag := c.Sub(eye).Mul(eye)
	offDiag := c.Mul(offMask)

	terms := onDiag.Mul(onDiag).Add(
		offDiag.Mul(offDiag).Mul(tensor.Full[float32](tensor.Shape{d, d}, lambda, backend)),
	)

	// Σ over both axes as ones[1,d] · terms · ones[d,1]
	ones := tensor.Ones[float32](tensor.Shape{1, d}, backend)
	return ones.MatMul(terms).MatMul(ones.Reshape(d, 1)).Reshape(1)
}

// standardize centers each column and divides by its batch standard deviation.
func standardize[B tensor.Backend](z *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	centered := z.Sub(z.MeanDim(0, true))
	variance := centered.Mul(centered).MeanDim(0, true)
	eps := tensor.Full[float32](variance.Shape(), standardizeEpsilon, z.Backend())
	return centered.Mul(layers.Rsqrt(variance.Add(eps)))
}
