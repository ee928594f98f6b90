package backtest

import (
	"errors"

	"github.com/fxlab/fxbacktester/internal/indicators"
)

var (
	// ErrInvalidParameter is returned for non-positive windows, windows that do not fit the
	// series, malformed parameter sets and bad engine configuration.
	ErrInvalidParameter = indicators.ErrInvalidParameter

	// ErrEmptySearchSpace is returned when the filtered parameter grid has no points.
	ErrEmptySearchSpace = errors.New("empty search space")

	// ErrInvalidInput is returned for series that are empty, unordered or carry duplicate
	// timestamps.
	ErrInvalidInput = errors.New("invalid input series")
)
