package config

import (
	"errors"
	"fmt"
)

var (
	ErrThresholdOutOfRange = errors.New("config.ScoreThresholds: thresholds must satisfy 0 <= fail <= pass <= 1")
	ErrNegativeTimeLimit   = errors.New("config.KindSettings: time_limit_ms must not be negative")
	ErrNegativeEditDist    = errors.New("config.KindSettings: max_edit_distance must not be negative")
)

// ScoreThresholds splits a similarity score into pass, uncertain and fail
// bands: score >= Pass passes, score < Fail fails, anything between goes to
// human review.
type ScoreThresholds struct {
	Pass float64 `json:"pass" yaml:"pass"`
	Fail float64 `json:"fail" yaml:"fail"`
}

func (st ScoreThresholds) Valid() error {
	if st.Fail < 0 || st.Pass > 1 || st.Fail > st.Pass {
		return fmt.Errorf("%w: pass=%v fail=%v", ErrThresholdOutOfRange, st.Pass, st.Fail)
	}

	return nil
}

// KindSettings tunes one challenge kind. Fields a kind does not use are
// ignored by it; zero values fall back to the kind's built-in defaults.
type KindSettings struct {
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`

	// type_backwards, type_pattern
	Words []string `json:"words,omitempty" yaml:"words,omitempty"`

	// speed_type
	Phrases         []string `json:"phrases,omitempty" yaml:"phrases,omitempty"`
	TimeLimitMS     int      `json:"time_limit_ms,omitempty" yaml:"time_limit_ms,omitempty"`
	MaxEditDistance *int     `json:"max_edit_distance,omitempty" yaml:"max_edit_distance,omitempty"`

	// draw_shape, draw_freeform
	Shapes     []string         `json:"shapes,omitempty" yaml:"shapes,omitempty"`
	Subjects   []string         `json:"subjects,omitempty" yaml:"subjects,omitempty"`
	Thresholds *ScoreThresholds `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
}

func (ks KindSettings) Valid() error {
	var errs []error

	if ks.TimeLimitMS < 0 {
		errs = append(errs, fmt.Errorf("%w: %d", ErrNegativeTimeLimit, ks.TimeLimitMS))
	}

	if ks.MaxEditDistance != nil && *ks.MaxEditDistance < 0 {
		errs = append(errs, fmt.Errorf("%w: %d", ErrNegativeEditDist, *ks.MaxEditDistance))
	}

	if ks.Thresholds != nil {
		if err := ks.Thresholds.Valid(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) != 0 {
		return errors.Join(errs...)
	}

	return nil
}
