package config

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/antimoltbook/verifier/lib/review"
	_ "github.com/antimoltbook/verifier/lib/review/all"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

var (
	ErrNoReviewBackend      = errors.New("config.Review: no backend defined")
	ErrUnknownReviewBackend = errors.New("config.Review: unknown backend")
	ErrQuorumTooLow         = errors.New("config.Review: quorum must be at least 1")
	ErrPendingTTLTooLow     = errors.New("config.Review: pending_ttl must be positive")
)

// Review configures the human review queue for ambiguous submissions.
type Review struct {
	Backend    string          `json:"backend" yaml:"backend"`
	Parameters json.RawMessage `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// Quorum is how many matching votes decide an item. 1 means the first
	// reviewer decides.
	Quorum int `json:"quorum" yaml:"quorum"`

	// PendingTTL is how long an item may wait before it is expired and its
	// challenge fails.
	PendingTTL metav1.Duration `json:"pending_ttl" yaml:"pending_ttl"`
}

func (r *Review) Valid() error {
	var errs []error

	if len(r.Backend) == 0 {
		errs = append(errs, ErrNoReviewBackend)
	} else if fac, ok := review.Get(r.Backend); !ok {
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownReviewBackend, r.Backend))
	} else if err := fac.Valid(r.Parameters); err != nil {
		errs = append(errs, err)
	}

	if r.Quorum < 1 {
		errs = append(errs, fmt.Errorf("%w, got: %d", ErrQuorumTooLow, r.Quorum))
	}

	if r.PendingTTL.Duration <= 0 {
		errs = append(errs, fmt.Errorf("%w, got: %s", ErrPendingTTLTooLow, r.PendingTTL.Duration))
	}

	if len(errs) != 0 {
		return errors.Join(errs...)
	}

	return nil
}
