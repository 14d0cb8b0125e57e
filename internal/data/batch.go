package data

import (
	"math/rand/v2"

	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
)

// Batch is a mini-batch ready for a forward pass.
type Batch[B tensor.Backend] struct {
	Images *tensor.Tensor[float32, B] // [Size, C, H, W]
	Labels *tensor.Tensor[int32, B]   // [Size]
	Size   int
}

// CreateBatches splits d into mini-batches of batchSize samples.
//
// A nil rng keeps dataset order; otherwise samples are visited in a random
// permutation. The last batch is smaller when batchSize does not divide the
// dataset, unless dropLast is set, in which case it is omitted.
func CreateBatches[B tensor.Backend](d *Dataset, batchSize int, dropLast bool, rng *rand.Rand, backend B) ([]*Batch[B], error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be > 0, got %d", batchSize)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	numSamples := d.NumSamples()
	indices := make([]int, numSamples)
	for i := range indices {
		indices[i] = i
	}
	if rng != nil {
		rng.Shuffle(numSamples, func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}

	size := d.SampleSize()
	c, h, w := d.Shape[0], d.Shape[1], d.Shape[2]
	batches := make([]*Batch[B], 0, (numSamples+batchSize-1)/batchSize)

	for i := 0; i < numSamples; i += batchSize {
		end := min(i+batchSize, numSamples)
		n := end - i
		if n < batchSize && dropLast {
			break
		}

		imagesRaw, err := tensor.NewRaw(tensor.Shape{n, c, h, w}, tensor.Float32, backend.Device())
		if err != nil {
			return nil, errors.Wrap(err, "create images tensor")
		}
		labelsRaw, err := tensor.NewRaw(tensor.Shape{n}, tensor.Int32, backend.Device())
		if err != nil {
			return nil, errors.Wrap(err, "create labels tensor")
		}

		images := imagesRaw.AsFloat32()
		labels := labelsRaw.AsInt32()
		for j := i; j < end; j++ {
			idx := indices[j]
			copy(images[(j-i)*size:(j-i+1)*size], d.Images[idx])
			labels[j-i] = d.Labels[idx]
		}

		batches = append(batches, &Batch[B]{
			Images: tensor.New[float32, B](imagesRaw, backend),
			Labels: tensor.New[int32, B](labelsRaw, backend),
			Size:   n,
		})
	}

	return batches, nil
}
