package callbacks

import (
	"github.com/pkg/errors"
)

// Common errors.
var (
	// ErrInvalidConfig is returned when a policy is constructed with malformed bounds
	// or a non-positive iteration budget.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrMissingMetric is returned when a handler needs a metric the host did not report.
	ErrMissingMetric = errors.New("missing metric")
)
