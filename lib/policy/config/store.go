package config

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/antimoltbook/verifier/lib/store"
	_ "github.com/antimoltbook/verifier/lib/store/all"
)

var (
	ErrNoStoreBackend      = errors.New("config.Store: no backend defined")
	ErrUnknownStoreBackend = errors.New("config.Store: unknown backend")
)

// Store selects the key/value backend for challenge records, submission
// claims and consumed-token markers.
type Store struct {
	Backend    string          `json:"backend" yaml:"backend"`
	Parameters json.RawMessage `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

func (s *Store) Valid() error {
	var errs []error

	if len(s.Backend) == 0 {
		errs = append(errs, ErrNoStoreBackend)
	} else if fac, ok := store.Get(s.Backend); !ok {
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownStoreBackend, s.Backend))
	} else if err := fac.Valid(s.Parameters); err != nil {
		errs = append(errs, err)
	}

	if len(errs) != 0 {
		return errors.Join(errs...)
	}

	return nil
}
