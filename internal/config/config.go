// Package config loads and validates YAML run configuration.
package config

import (
	"bytes"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/born-ml/barlow/internal/callbacks"
	"github.com/born-ml/barlow/internal/layers"
	"github.com/born-ml/barlow/internal/models"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Supported optimizers.
const (
	OptimizerAdam = "adam"
	OptimizerSGD  = "sgd"
)

// Config is a complete run description.
type Config struct {
	Model    Model    `yaml:"model"`
	Train    Train    `yaml:"train"`
	LRFinder LRFinder `yaml:"lr_finder"`
}

// PretrainedSource names the encoder written by pretraining into train.save_dir.
// It is always registered unless pretrained_sources overrides it.
const PretrainedSource = "barlow"

// Model describes the encoder, classifier and projection head.
type Model struct {
	ImageShape       []int   `yaml:"image_shape"`
	NumClasses       int     `yaml:"num_classes"`
	EncoderWeights   string  `yaml:"encoder_weights"`
	EncoderTrainable bool    `yaml:"encoder_trainable"`
	HiddenDim        int     `yaml:"hidden_dim"`
	HiddenLayers     int     `yaml:"hidden_layers"`
	WeightDecay      float64 `yaml:"weight_decay"`
	Widths           []int   `yaml:"widths"`
	BlocksPerStage   int     `yaml:"blocks_per_stage"`

	// PretrainedSources maps names usable in encoder_weights to .born files.
	PretrainedSources map[string]string `yaml:"pretrained_sources,omitempty"`
}

// Train holds optimizer and loop settings.
type Train struct {
	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batch_size"`
	Optimizer    string  `yaml:"optimizer"`
	LR           float64 `yaml:"lr"`
	Momentum     float64 `yaml:"momentum"`
	SaveDir      string  `yaml:"save_dir"`
	BarlowLambda float64 `yaml:"barlow_lambda"`
}

// LRFinder holds the learning-rate range test bounds.
type LRFinder struct {
	MinLR       float64 `yaml:"min_lr"`
	MaxLR       float64 `yaml:"max_lr"`
	HistoryPath string  `yaml:"history_path"`
}

// Default returns a configuration sized for 32x32 RGB images and 10 classes.
func Default() Config {
	enc := models.DefaultEncoderOptions()
	return Config{
		Model: Model{
			ImageShape:       enc.InputShape,
			NumClasses:       10,
			EncoderTrainable: true,
			HiddenDim:        models.DefaultHiddenDim,
			HiddenLayers:     models.DefaultHiddenLayers,
			WeightDecay:      layers.DefaultWeightDecay,
			Widths:           enc.Widths,
			BlocksPerStage:   enc.BlocksPerStage,
		},
		Train: Train{
			Epochs:       3,
			BatchSize:    32,
			Optimizer:    OptimizerAdam,
			LR:           1e-3,
			Momentum:     0.9,
			SaveDir:      "checkpoints",
			BarlowLambda: models.DefaultBarlowLambda,
		},
		LRFinder: LRFinder{
			MinLR:       callbacks.DefaultMinLR,
			MaxLR:       callbacks.DefaultMaxLR,
			HistoryPath: "lr_history.csv",
		},
	}
}

// Load reads path over Default. Keys missing from the file keep their defaults;
// unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Parse decodes YAML over Default and validates the result. Empty input yields Default.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, "decode yaml")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal encodes cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, errors.Wrap(err, "encode yaml")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "encode yaml")
	}
	return buf.Bytes(), nil
}

// Save writes cfg to path as YAML.
func Save(cfg Config, path string) error {
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "write config")
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Model.validate(); err != nil {
		return err
	}
	if err := c.Train.validate(); err != nil {
		return err
	}
	return c.LRFinder.validate()
}

func (m Model) validate() error {
	if err := m.encoderOptions().Validate(); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "model: %v", err)
	}
	switch {
	case m.NumClasses <= 0:
		return errors.Wrapf(ErrInvalidConfig, "model.num_classes must be > 0, got %d", m.NumClasses)
	case m.HiddenDim <= 0:
		return errors.Wrapf(ErrInvalidConfig, "model.hidden_dim must be > 0, got %d", m.HiddenDim)
	case m.HiddenLayers < 0:
		return errors.Wrapf(ErrInvalidConfig, "model.hidden_layers must be >= 0, got %d", m.HiddenLayers)
	case m.WeightDecay < 0 || !finite(m.WeightDecay):
		return errors.Wrapf(ErrInvalidConfig, "model.weight_decay must be finite and >= 0, got %g", m.WeightDecay)
	}
	for name, path := range m.PretrainedSources {
		if name == "" || path == "" {
			return errors.Wrapf(ErrInvalidConfig, "model.pretrained_sources: empty name or path in %q: %q", name, path)
		}
	}
	return nil
}

func (t Train) validate() error {
	switch {
	case t.Epochs <= 0:
		return errors.Wrapf(ErrInvalidConfig, "train.epochs must be > 0, got %d", t.Epochs)
	case t.BatchSize < 2:
		// batch statistics and the cross-correlation need at least two samples
		return errors.Wrapf(ErrInvalidConfig, "train.batch_size must be >= 2, got %d", t.BatchSize)
	case t.Optimizer != OptimizerAdam && t.Optimizer != OptimizerSGD:
		return errors.Wrapf(ErrInvalidConfig, "train.optimizer must be %q or %q, got %q", OptimizerAdam, OptimizerSGD, t.Optimizer)
	case t.LR <= 0 || !finite(t.LR):
		return errors.Wrapf(ErrInvalidConfig, "train.lr must be finite and > 0, got %g", t.LR)
	case t.Momentum < 0 || t.Momentum >= 1:
		return errors.Wrapf(ErrInvalidConfig, "train.momentum must be in [0, 1), got %g", t.Momentum)
	case t.SaveDir == "":
		return errors.Wrap(ErrInvalidConfig, "train.save_dir is required")
	case t.BarlowLambda < 0 || !finite(t.BarlowLambda):
		return errors.Wrapf(ErrInvalidConfig, "train.barlow_lambda must be finite and >= 0, got %g", t.BarlowLambda)
	}
	return nil
}

func (l LRFinder) validate() error {
	if err := (callbacks.Bounds{MinLR: l.MinLR, MaxLR: l.MaxLR}).Validate(); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "lr_finder: %v", err)
	}
	return nil
}

// Registry returns the pretrained sources of this run: PretrainedSource bound to
// <train.save_dir>/encoder.born, then every model.pretrained_sources entry.
func (c Config) Registry() *models.Registry {
	r := models.NewRegistry()
	r.Register(PretrainedSource, filepath.Join(c.Train.SaveDir, models.EncoderFileName))
	for name, path := range c.Model.PretrainedSources {
		r.Register(name, path)
	}
	return r
}

// EncoderOptions converts the model section into encoder options resolved
// through Registry.
func (c Config) EncoderOptions() models.EncoderOptions {
	opts := c.Model.encoderOptions()
	opts.Registry = c.Registry()
	return opts
}

// ClassifierOptions converts the model section into classifier options.
func (c Config) ClassifierOptions() models.ClassifierOptions {
	return models.ClassifierOptions{Encoder: c.EncoderOptions(), NumClasses: c.Model.NumClasses}
}

// BarlowOptions converts the model section into pretraining model options.
// Pretraining always trains the encoder.
func (c Config) BarlowOptions() models.BarlowOptions {
	enc := c.EncoderOptions()
	enc.Frozen = false
	return models.BarlowOptions{
		Encoder:      enc,
		HiddenDim:    c.Model.HiddenDim,
		HiddenLayers: c.Model.HiddenLayers,
		WeightDecay:  c.Model.WeightDecay,
	}
}

func (m Model) encoderOptions() models.EncoderOptions {
	return models.EncoderOptions{
		InputShape:     append([]int(nil), m.ImageShape...),
		Widths:         append([]int(nil), m.Widths...),
		BlocksPerStage: m.BlocksPerStage,
		Weights:        m.EncoderWeights,
		Frozen:         !m.EncoderTrainable,
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
