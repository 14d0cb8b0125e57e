// Package data holds in-memory image datasets and turns them into batches.
//
// Images are stored flattened in CHW order and normalized to [0, 1].
package data

import (
	"encoding/csv"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// ErrInvalidDataset is returned when images, labels and shape disagree.
var ErrInvalidDataset = errors.New("invalid dataset")

// Dataset is a labeled set of images with a common shape.
type Dataset struct {
	Images [][]float32 // [num_samples, C*H*W]
	Labels []int32     // [num_samples]
	Shape  []int       // [C, H, W]
}

// NumSamples returns the number of images.
func (d *Dataset) NumSamples() int {
	return len(d.Images)
}

// SampleSize returns C*H*W.
func (d *Dataset) SampleSize() int {
	size := 1
	for _, s := range d.Shape {
		size *= s
	}
	return size
}

// Validate checks that every image has SampleSize values and every image has a label.
func (d *Dataset) Validate() error {
	if len(d.Shape) != 3 {
		return errors.Wrapf(ErrInvalidDataset, "shape must be [C, H, W], got %v", d.Shape)
	}
	if len(d.Images) != len(d.Labels) {
		return errors.Wrapf(ErrInvalidDataset, "%d images but %d labels", len(d.Images), len(d.Labels))
	}
	size := d.SampleSize()
	for i, img := range d.Images {
		if len(img) != size {
			return errors.Wrapf(ErrInvalidDataset, "image %d has %d values, want %d", i, len(img), size)
		}
	}
	return nil
}

// NumClasses returns 1 + the largest label, or 0 for an empty dataset.
func (d *Dataset) NumClasses() int {
	highest := int32(-1)
	for _, l := range d.Labels {
		if l > highest {
			highest = l
		}
	}
	return int(highest) + 1
}

// Split splits the dataset into train and validation sets.
// The split keeps sample order; shuffle first for a random split.
func (d *Dataset) Split(validationRatio float64) (train, validation *Dataset) {
	n := d.NumSamples()
	splitIdx := int(math.Round(float64(n) * (1 - validationRatio)))
	splitIdx = max(0, min(n, splitIdx))

	return &Dataset{Images: d.Images[:splitIdx], Labels: d.Labels[:splitIdx], Shape: d.Shape},
		&Dataset{Images: d.Images[splitIdx:], Labels: d.Labels[splitIdx:], Shape: d.Shape}
}

// Shuffle permutes samples in place.
func (d *Dataset) Shuffle(rng *rand.Rand) {
	rng.Shuffle(len(d.Images), func(i, j int) {
		d.Images[i], d.Images[j] = d.Images[j], d.Images[i]
		d.Labels[i], d.Labels[j] = d.Labels[j], d.Labels[i]
	})
}

// NewSynthetic generates n images of the given shape in numClasses classes.
//
// Class k lights up a horizontal band whose position depends on k, plus uniform
// noise, so a small encoder can separate the classes. The same seed always
// produces the same dataset.
func NewSynthetic(n int, shape []int, numClasses int, seed uint64) (*Dataset, error) {
	if n <= 0 || numClasses <= 0 {
		return nil, errors.Wrapf(ErrInvalidDataset, "need n > 0 and numClasses > 0, got %d and %d", n, numClasses)
	}
	if err := checkShape(shape); err != nil {
		return nil, err
	}
	d := &Dataset{Shape: append([]int(nil), shape...)}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	c, h, w := shape[0], shape[1], shape[2]
	band := max(1, h/numClasses)

	d.Images = make([][]float32, n)
	d.Labels = make([]int32, n)
	for i := 0; i < n; i++ {
		label := i % numClasses
		img := make([]float32, c*h*w)
		start := (label * h) / numClasses
		for ch := 0; ch < c; ch++ {
			for row := 0; row < h; row++ {
				for col := 0; col < w; col++ {
					v := 0.1 * rng.Float32()
					if row >= start && row < start+band {
						v += 0.8
					}
					img[(ch*h+row)*w+col] = v
				}
			}
		}
		d.Images[i] = img
		d.Labels[i] = int32(label)
	}
	return d, nil
}

// LoadCSV reads a dataset from a CSV file.
//
// Format (one header row):
//
//	label,pixel0,pixel1,...
//	5,0,0,12,...
//
// Pixels are 0-255 and normalized to [0, 1]. maxSamples <= 0 loads all rows.
func LoadCSV(path string, shape []int, maxSamples int) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open dataset")
	}
	defer f.Close()

	d, err := ReadCSV(f, shape, maxSamples)
	if err != nil {
		return nil, errors.Wrapf(err, "dataset %s", path)
	}
	return d, nil
}

// ReadCSV is LoadCSV over an io.Reader.
func ReadCSV(r io.Reader, shape []int, maxSamples int) (*Dataset, error) {
	if err := checkShape(shape); err != nil {
		return nil, err
	}
	d := &Dataset{Shape: append([]int(nil), shape...)}
	size := d.SampleSize()

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = size + 1
	reader.ReuseRecord = true

	if _, err := reader.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.Wrap(ErrInvalidDataset, "missing header row")
		}
		return nil, errors.Wrap(err, "read header")
	}

	for row := 1; maxSamples <= 0 || d.NumSamples() < maxSamples; row++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", row)
		}

		label, err := strconv.Atoi(record[0])
		if err != nil || label < 0 {
			return nil, errors.Wrapf(ErrInvalidDataset, "row %d: invalid label %q", row, record[0])
		}

		img := make([]float32, size)
		for j := range img {
			pixel, err := strconv.Atoi(record[j+1])
			if err != nil || pixel < 0 || pixel > 255 {
				return nil, errors.Wrapf(ErrInvalidDataset, "row %d, column %d: invalid pixel %q", row, j+1, record[j+1])
			}
			img[j] = float32(pixel) / 255
		}
		d.Images = append(d.Images, img)
		d.Labels = append(d.Labels, int32(label))
	}

	if d.NumSamples() == 0 {
		return nil, errors.Wrap(ErrInvalidDataset, "no samples")
	}
	return d, d.Validate()
}

func checkShape(shape []int) error {
	if len(shape) != 3 || shape[0] <= 0 || shape[1] <= 0 || shape[2] <= 0 {
		return errors.Wrapf(ErrInvalidDataset, "shape must be positive [C, H, W], got %v", shape)
	}
	return nil
}
