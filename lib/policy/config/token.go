package config

import (
	"errors"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// FailurePolicy says what happens to a consumed capability token when the
// action it guarded fails.
type FailurePolicy string

const (
	// FailureRestore releases the token so the requester can retry the action.
	FailureRestore FailurePolicy = "restore"
	// FailureBurn keeps the token consumed; the requester has to verify again.
	FailureBurn FailurePolicy = "burn"
)

var (
	ErrUnknownFailurePolicy = errors.New("config.Token: on_action_failure must be restore or burn")
	ErrTokenExpirationLow   = errors.New("config.Token: expiration must be positive")
)

func (fp FailurePolicy) Valid() error {
	switch fp {
	case FailureRestore, FailureBurn:
		return nil
	default:
		return fmt.Errorf("%w, got: %q", ErrUnknownFailurePolicy, string(fp))
	}
}

// Token configures capability tokens.
type Token struct {
	Expiration      metav1.Duration `json:"expiration" yaml:"expiration"`
	OnActionFailure FailurePolicy   `json:"on_action_failure" yaml:"on_action_failure"`
}

func (t Token) Valid() error {
	var errs []error

	if t.Expiration.Duration <= 0 {
		errs = append(errs, fmt.Errorf("%w, got: %s", ErrTokenExpirationLow, t.Expiration.Duration))
	}

	if err := t.OnActionFailure.Valid(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) != 0 {
		return errors.Join(errs...)
	}

	return nil
}
