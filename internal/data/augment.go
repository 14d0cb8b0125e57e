package data

import (
	"math/rand/v2"

	"github.com/born-ml/born/tensor"
)

// Augmenter produces randomly distorted copies of images, used to build the two
// views of each sample that Barlow Twins pretraining compares.
type Augmenter struct {
	// FlipProb is the probability of a horizontal flip.
	FlipProb float64
	// NoiseStd is the standard deviation of additive Gaussian noise.
	NoiseStd float64
	// Brightness is the maximum absolute brightness shift.
	Brightness float64

	rng *rand.Rand
}

// NewAugmenter returns an augmenter with default distortions seeded by seed.
func NewAugmenter(seed uint64) *Augmenter {
	return &Augmenter{
		FlipProb:   0.5,
		NoiseStd:   0.05,
		Brightness: 0.2,
		rng:        rand.New(rand.NewPCG(seed, ^seed)),
	}
}

// Augment returns a distorted copy of one CHW image. Values are clipped to [0, 1].
func (a *Augmenter) Augment(img []float32, shape []int) []float32 {
	c, h, w := shape[0], shape[1], shape[2]
	out := make([]float32, len(img))

	flip := a.rng.Float64() < a.FlipProb
	shift := float32((2*a.rng.Float64() - 1) * a.Brightness)

	for ch := 0; ch < c; ch++ {
		for row := 0; row < h; row++ {
			base := (ch*h + row) * w
			for col := 0; col < w; col++ {
				src := col
				if flip {
					src = w - 1 - col
				}
				v := img[base+src] + shift + float32(a.rng.NormFloat64()*a.NoiseStd)
				out[base+col] = min(1, max(0, v))
			}
		}
	}
	return out
}

// Views returns two independently augmented copies of a [N, C, H, W] batch.
func Views[B tensor.Backend](a *Augmenter, images *tensor.Tensor[float32, B]) (v1, v2 *tensor.Tensor[float32, B]) {
	return augmentBatch(a, images), augmentBatch(a, images)
}

func augmentBatch[B tensor.Backend](a *Augmenter, images *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := images.Shape()
	if len(shape) != 4 {
		panic("augment: expected [N, C, H, W] images")
	}
	chw := shape[1:]
	size := chw[0] * chw[1] * chw[2]
	src := images.Data()

	out := make([]float32, 0, len(src))
	for i := 0; i < shape[0]; i++ {
		out = append(out, a.Augment(src[i*size:(i+1)*size], chw)...)
	}

	view, err := tensor.FromSlice(out, shape.Clone(), images.Backend())
	if err != nil {
		panic(err)
	}
	return view
}
