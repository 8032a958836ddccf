// Package storetest is a conformance suite every store backend runs from its
// own tests.
package storetest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antimoltbook/verifier/lib/store"
)

// Common builds a store from f and config and checks the behaviour shared by
// all backends: get/set/delete, expiry and atomic claims.
func Common(t *testing.T, f store.Factory, config json.RawMessage) {
	t.Helper()

	if err := f.Valid(config); err != nil {
		t.Fatal(err)
	}

	s, err := f.Build(t.Context(), config)
	if err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		name string
		doer func(t *testing.T, s store.Interface) error
		err  error
	}{
		{
			name: "basic get set delete",
			doer: func(t *testing.T, s store.Interface) error {
				if _, err := s.Get(t.Context(), t.Name()); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("wanted %s to not exist in store but it exists anyways", t.Name())
				}

				if err := s.Set(t.Context(), t.Name(), []byte(t.Name()), 5*time.Minute); err != nil {
					return err
				}

				val, err := s.Get(t.Context(), t.Name())
				if errors.Is(err, store.ErrNotFound) {
					t.Errorf("wanted %s to exist in store but it does not: %v", t.Name(), err)
				} else if err != nil {
					t.Error(err)
				}

				if !bytes.Equal(val, []byte(t.Name())) {
					t.Logf("want: %q", t.Name())
					t.Logf("got:  %q", string(val))
					t.Error("wrong value returned")
				}

				if err := s.Delete(t.Context(), t.Name()); err != nil {
					return err
				}

				if _, err := s.Get(t.Context(), t.Name()); !errors.Is(err, store.ErrNotFound) {
					t.Error("wanted test to not exist in store but it exists anyways")
				}

				if err := s.Delete(t.Context(), t.Name()); err == nil {
					t.Errorf("key %q does not exist and Delete did not return non-nil", t.Name())
				}

				return nil
			},
		},
		{
			name: "expires",
			doer: func(t *testing.T, s store.Interface) error {
				if err := s.Set(t.Context(), t.Name(), []byte(t.Name()), 150*time.Millisecond); err != nil {
					return err
				}

				time.Sleep(155 * time.Millisecond)

				if _, err := s.Get(t.Context(), t.Name()); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("wanted %s to not exist in store but it exists anyways", t.Name())
				}

				return nil
			},
		},
		{
			name: "claim once",
			doer: func(t *testing.T, s store.Interface) error {
				if err := s.Claim(t.Context(), t.Name(), []byte("first"), 5*time.Minute); err != nil {
					return err
				}

				if err := s.Claim(t.Context(), t.Name(), []byte("second"), 5*time.Minute); !errors.Is(err, store.ErrExists) {
					t.Errorf("wanted second claim to fail with ErrExists, got: %v", err)
				}

				val, err := s.Get(t.Context(), t.Name())
				if err != nil {
					return err
				}

				if string(val) != "first" {
					t.Errorf("losing claim replaced the value: %q", string(val))
				}

				if err := s.Delete(t.Context(), t.Name()); err != nil {
					return err
				}

				// a released claim can be taken again
				return s.Claim(t.Context(), t.Name(), []byte("third"), 5*time.Minute)
			},
		},
		{
			name: "claim after expiry",
			doer: func(t *testing.T, s store.Interface) error {
				if err := s.Claim(t.Context(), t.Name(), []byte("first"), 150*time.Millisecond); err != nil {
					return err
				}

				time.Sleep(155 * time.Millisecond)

				return s.Claim(t.Context(), t.Name(), []byte("second"), 5*time.Minute)
			},
		},
		{
			name: "concurrent claims have one winner",
			doer: func(t *testing.T, s store.Interface) error {
				const workers = 16
				var (
					wg      sync.WaitGroup
					winners atomic.Int32
					errs    = make(chan error, workers)
				)

				for i := range workers {
					wg.Add(1)
					go func() {
						defer wg.Done()
						err := s.Claim(t.Context(), t.Name(), fmt.Appendf(nil, "worker-%d", i), 5*time.Minute)
						switch {
						case err == nil:
							winners.Add(1)
						case !errors.Is(err, store.ErrExists):
							errs <- err
						}
					}()
				}

				wg.Wait()
				close(errs)

				if err, ok := <-errs; ok {
					return err
				}

				if n := winners.Load(); n != 1 {
					t.Errorf("wanted exactly one winning claim, got %d", n)
				}

				return nil
			},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.doer(t, s); !errors.Is(err, tt.err) {
				t.Logf("want: %v", tt.err)
				t.Logf("got:  %v", err)
				t.Error("wrong error")
			}
		})
	}
}
