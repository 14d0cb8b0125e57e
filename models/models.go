// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package models

import (
	"github.com/born-ml/barlow/internal/models"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// Errors returned by model construction and weight loading.
var (
	ErrInvalidOptions = models.ErrInvalidOptions
	ErrUnknownWeights = models.ErrUnknownWeights
)

// Defaults.
const (
	DefaultHiddenDim    = models.DefaultHiddenDim
	DefaultHiddenLayers = models.DefaultHiddenLayers
	DefaultBarlowLambda = models.DefaultBarlowLambda
	EncoderFileName     = models.EncoderFileName
)

// Encoder

// EncoderOptions configures an Encoder.
type EncoderOptions = models.EncoderOptions

// Encoder maps images to feature vectors.
type Encoder[B tensor.Backend] = models.Encoder[B]

// DefaultEncoderOptions returns a three-stage encoder for 32x32 RGB input.
func DefaultEncoderOptions() EncoderOptions {
	return models.DefaultEncoderOptions()
}

// NewEncoder creates an encoder, loading pretrained weights if configured.
//
// Example:
//
//	backend := autodiff.New(cpu.New())
//	encoder, err := models.NewEncoder(models.DefaultEncoderOptions(), backend)
func NewEncoder[B tensor.Backend](opts EncoderOptions, backend B) (*Encoder[B], error) {
	return models.NewEncoder(opts, backend)
}

// Classifier

// ClassifierOptions configures a Classifier.
type ClassifierOptions = models.ClassifierOptions

// Classifier is an encoder with a dense softmax head.
type Classifier[B tensor.Backend] = models.Classifier[B]

// NewClassifier creates a classifier.
func NewClassifier[B tensor.Backend](opts ClassifierOptions, backend B) (*Classifier[B], error) {
	return models.NewClassifier(opts, backend)
}

// Barlow Twins

// ProjectionOptions configures a ProjectionHead.
type ProjectionOptions = models.ProjectionOptions

// ProjectionHead is the dense/batchnorm/relu stack used during pretraining.
type ProjectionHead[B tensor.Backend] = models.ProjectionHead[B]

// NewProjectionHead creates a projection head.
func NewProjectionHead[B tensor.Backend](opts ProjectionOptions, backend B) (*ProjectionHead[B], error) {
	return models.NewProjectionHead(opts, backend)
}

// BarlowOptions configures a BarlowEncoder.
type BarlowOptions = models.BarlowOptions

// BarlowEncoder is an encoder followed by a projection head.
type BarlowEncoder[B tensor.Backend] = models.BarlowEncoder[B]

// DefaultBarlowOptions returns the default encoder and projection head.
func DefaultBarlowOptions() BarlowOptions {
	return models.DefaultBarlowOptions()
}

// NewBarlowEncoder creates the pretraining network.
func NewBarlowEncoder[B tensor.Backend](opts BarlowOptions, backend B) (*BarlowEncoder[B], error) {
	return models.NewBarlowEncoder(opts, backend)
}

// BarlowTwinsLoss computes the Barlow Twins objective for two [N, D] views.
func BarlowTwinsLoss[B tensor.Backend](z1, z2 *tensor.Tensor[float32, B], lambda float32) *tensor.Tensor[float32, B] {
	return models.BarlowTwinsLoss(z1, z2, lambda)
}

// Weights

// Registry maps pretrained-source names to weight files.
type Registry = models.Registry

// DefaultRegistry is used when EncoderOptions.Registry is nil.
var DefaultRegistry = models.DefaultRegistry

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return models.NewRegistry()
}

// LoadWeights resolves source through registry and loads it into m.
func LoadWeights[B tensor.Backend](m nn.Module[B], registry *Registry, source string, backend B) error {
	return models.LoadWeights(m, registry, source, backend)
}

// SaveWeights writes m to path in Born's native format.
func SaveWeights[B tensor.Backend](m nn.Module[B], path, modelType string, metadata map[string]string) error {
	return models.SaveWeights(m, path, modelType, metadata)
}

// EncoderSaver writes encoder weights to <Dir>/encoder.born on every checkpoint.
type EncoderSaver[B tensor.Backend] = models.EncoderSaver[B]

// NewEncoderSaver creates a saver writing into dir.
func NewEncoderSaver[B tensor.Backend](encoder *Encoder[B], dir string) *EncoderSaver[B] {
	return models.NewEncoderSaver(encoder, dir)
}
