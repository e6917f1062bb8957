package scan

import (
	"errors"
	"fmt"

	"wipetrace/internal/aggregate"
	"wipetrace/internal/blockio"
	"wipetrace/internal/classify"
	"wipetrace/internal/logging"
	"wipetrace/internal/score"
)

// ErrInvalidConfig is matched by every ConfigError.
var ErrInvalidConfig = errors.New("scan: invalid configuration")

// ConfigError reports a configuration problem found before any reading starts.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("scan: invalid %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Is reports ErrInvalidConfig.
func (e *ConfigError) Is(target error) bool { return target == ErrInvalidConfig }

// Progress is reported periodically while a scan runs.
type Progress struct {
	Blocks uint64
	Bytes  uint64
}

// Options configures a Pipeline.
type Options struct {
	BlockSize int

	// Workers is the number of classification goroutines. 1 classifies inline.
	Workers int
	// Window bounds the blocks read but not yet aggregated.
	Window int

	Classifier classify.Thresholds
	Aggregator aggregate.Params
	// Scorer.FlatnessThreshold is taken from Classifier.Flatness.
	Scorer score.Params

	// ProgressEvery is the block interval between Progress calls.
	ProgressEvery int
	Progress      func(Progress)

	// OnVerdict, if set, receives every verdict in block order.
	OnVerdict func(classify.Verdict)

	Logger *logging.Logger
}

// DefaultOptions returns options for a single-worker scan with default thresholds.
func DefaultOptions() Options {
	return Options{
		BlockSize:     blockio.DefaultBlockSize,
		Workers:       1,
		Window:        64,
		Classifier:    classify.DefaultThresholds(),
		Aggregator:    aggregate.DefaultParams(),
		Scorer:        score.DefaultParams(),
		ProgressEvery: 1000,
	}
}

// Validate checks the options. Every failure is a *ConfigError.
func (o Options) Validate() error {
	if o.BlockSize <= 0 {
		return &ConfigError{Field: "block_size", Err: fmt.Errorf("must be positive, got %d", o.BlockSize)}
	}
	if o.Workers < 1 {
		return &ConfigError{Field: "workers", Err: fmt.Errorf("must be at least 1, got %d", o.Workers)}
	}
	if o.Window < 1 {
		return &ConfigError{Field: "window", Err: fmt.Errorf("must be at least 1, got %d", o.Window)}
	}
	if o.ProgressEvery < 0 {
		return &ConfigError{Field: "progress_every", Err: fmt.Errorf("must not be negative, got %d", o.ProgressEvery)}
	}
	if err := o.Classifier.Validate(); err != nil {
		return &ConfigError{Field: "classifier", Err: err}
	}
	if err := o.Aggregator.Validate(); err != nil {
		return &ConfigError{Field: "aggregator", Err: err}
	}
	if err := o.scorerParams().Validate(); err != nil {
		return &ConfigError{Field: "scorer", Err: err}
	}
	return nil
}

func (o Options) scorerParams() score.Params {
	p := o.Scorer
	p.FlatnessThreshold = o.Classifier.Flatness
	return p
}
