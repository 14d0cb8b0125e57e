package layers

import (
	"math"
	"math/rand"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// ReinitHeNormal overwrites a parameter in place with values drawn from a
// truncated normal with stddev sqrt(2 / fanIn). Samples further than two
// standard deviations from zero are redrawn.
//
// Reference: He et al., "Delving Deep into Rectifiers" (2015).
func ReinitHeNormal[B tensor.Backend](p *nn.Parameter[B], fanIn int) {
	fillHeNormal(p.Tensor().Data(), fanIn)
}

func fillHeNormal(data []float32, fanIn int) {
	// 0.8796 is the stddev of a unit normal truncated at ±2
	std := math.Sqrt(2.0/float64(fanIn)) / 0.87962566103423978
	for i := range data {
		v := rand.NormFloat64() //nolint:gosec // weight initialization is not security-critical
		for math.Abs(v) > 2 {
			v = rand.NormFloat64() //nolint:gosec // weight initialization is not security-critical
		}
		data[i] = float32(v * std)
	}
}
