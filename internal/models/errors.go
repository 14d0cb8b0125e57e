package models

import (
	"github.com/pkg/errors"
)

// Common errors.
var (
	// ErrInvalidOptions is returned when model options describe an impossible architecture.
	ErrInvalidOptions = errors.New("invalid model options")

	// ErrUnknownWeights is returned when a pretrained-weight source cannot be resolved.
	ErrUnknownWeights = errors.New("unknown pretrained weights")
)
