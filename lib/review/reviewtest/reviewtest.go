// Package reviewtest is a conformance suite every review backend runs from its
// own tests.
package reviewtest

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antimoltbook/verifier/lib/review"
)

var farFuture = time.Date(2999, time.January, 1, 0, 0, 0, 0, time.UTC)

func item(submitter string, queuedAt time.Time) *review.Item {
	return &review.Item{
		ChallengeID: "chl-" + submitter,
		SubmitterID: submitter,
		Kind:        "draw_shape",
		Prompt:      json.RawMessage(`{"shape":"circle"}`),
		Response:    json.RawMessage(`{"strokes":[],"duration_ms":900}`),
		Reason:      "score 0.61 between thresholds",
		QueuedAt:    queuedAt,
	}
}

func ids(items []review.Item) []string {
	result := make([]string, 0, len(items))
	for _, it := range items {
		result = append(result, it.ID)
	}
	return result
}

// Common builds a repository from f and config and checks queueing, listing,
// voting, expiry and concurrent decisions.
func Common(t *testing.T, f review.Factory, config json.RawMessage) {
	t.Helper()

	if err := f.Valid(config); err != nil {
		t.Fatal(err)
	}

	repo, err := f.Build(t.Context(), config)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Error(err)
		}
	})

	base := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

	for _, tt := range []struct {
		name string
		doer func(t *testing.T, repo review.Repository) error
	}{
		{
			name: "enqueue and get",
			doer: func(t *testing.T, repo review.Repository) error {
				in := item("alice", base)
				if err := repo.Enqueue(t.Context(), in); err != nil {
					return err
				}

				if in.ID == "" {
					t.Fatal("enqueue did not assign an id")
				}

				got, err := repo.Get(t.Context(), in.ID)
				if err != nil {
					return err
				}

				if got.SubmitterID != "alice" || got.ChallengeID != in.ChallengeID || got.Kind != in.Kind {
					t.Errorf("wrong item returned: %+v", got)
				}

				if !got.QueuedAt.Equal(base) {
					t.Errorf("queued at: want %s, got %s", base, got.QueuedAt)
				}

				if !got.Pending() {
					t.Errorf("new item should be pending, got %q", got.Decision)
				}

				if string(got.Prompt) != string(in.Prompt) {
					t.Errorf("prompt: want %s, got %s", in.Prompt, got.Prompt)
				}

				if _, err := repo.Get(t.Context(), "does-not-exist"); !errors.Is(err, review.ErrNotFound) {
					t.Errorf("want ErrNotFound for unknown id, got: %v", err)
				}

				return nil
			},
		},
		{
			name: "list is fifo and filtered",
			doer: func(t *testing.T, repo review.Repository) error {
				first := item("alice", base)
				second := item("bob", base.Add(time.Second))
				third := item("alice", base.Add(2*time.Second))

				for _, it := range []*review.Item{third, first, second} {
					if err := repo.Enqueue(t.Context(), it); err != nil {
						return err
					}
				}

				got, err := repo.List(t.Context(), "carol", 10, time.Time{})
				if err != nil {
					return err
				}

				if want := []string{first.ID, second.ID, third.ID}; !slices.Equal(ids(got), want) {
					t.Errorf("fifo order: want %v, got %v", want, ids(got))
				}

				got, err = repo.List(t.Context(), "alice", 10, time.Time{})
				if err != nil {
					return err
				}

				if want := []string{second.ID}; !slices.Equal(ids(got), want) {
					t.Errorf("own items should be hidden: want %v, got %v", want, ids(got))
				}

				got, err = repo.List(t.Context(), "carol", 1, time.Time{})
				if err != nil {
					return err
				}

				if want := []string{first.ID}; !slices.Equal(ids(got), want) {
					t.Errorf("limit: want %v, got %v", want, ids(got))
				}

				got, err = repo.List(t.Context(), "carol", 10, base)
				if err != nil {
					return err
				}

				if want := []string{second.ID, third.ID}; !slices.Equal(ids(got), want) {
					t.Errorf("queuedAfter: want %v, got %v", want, ids(got))
				}

				if _, err := repo.Decide(t.Context(), first.ID, "carol", true, 2, base.Add(time.Minute)); err != nil {
					return err
				}

				got, err = repo.List(t.Context(), "carol", 10, time.Time{})
				if err != nil {
					return err
				}

				if want := []string{second.ID, third.ID}; !slices.Equal(ids(got), want) {
					t.Errorf("voted items should be hidden: want %v, got %v", want, ids(got))
				}

				got, err = repo.List(t.Context(), "dave", 10, time.Time{})
				if err != nil {
					return err
				}

				if want := []string{first.ID, second.ID, third.ID}; !slices.Equal(ids(got), want) {
					t.Errorf("other reviewers still see undecided items: want %v, got %v", want, ids(got))
				}

				return nil
			},
		},
		{
			name: "first decision wins",
			doer: func(t *testing.T, repo review.Repository) error {
				in := item("alice", base)
				if err := repo.Enqueue(t.Context(), in); err != nil {
					return err
				}

				decidedAt := base.Add(time.Minute)
				got, err := repo.Decide(t.Context(), in.ID, "bob", true, 1, decidedAt)
				if err != nil {
					return err
				}

				if !got.Approved() || got.ReviewerID != "bob" || !got.DecidedAt.Equal(decidedAt) {
					t.Errorf("wrong decided item: %+v", got)
				}

				if _, err := repo.Decide(t.Context(), in.ID, "carol", false, 1, decidedAt); !errors.Is(err, review.ErrAlreadyDecided) {
					t.Errorf("want ErrAlreadyDecided, got: %v", err)
				}

				stored, err := repo.Get(t.Context(), in.ID)
				if err != nil {
					return err
				}

				if !stored.Approved() {
					t.Errorf("second decision changed the outcome: %q", stored.Decision)
				}

				got, err = repo.Decide(t.Context(), "does-not-exist", "bob", true, 1, decidedAt)
				if !errors.Is(err, review.ErrNotFound) {
					t.Errorf("want ErrNotFound, got: %v (%+v)", err, got)
				}

				return nil
			},
		},
		{
			name: "self review is forbidden",
			doer: func(t *testing.T, repo review.Repository) error {
				in := item("alice", base)
				if err := repo.Enqueue(t.Context(), in); err != nil {
					return err
				}

				if _, err := repo.Decide(t.Context(), in.ID, "alice", true, 1, base); !errors.Is(err, review.ErrForbidden) {
					t.Errorf("want ErrForbidden, got: %v", err)
				}

				if _, err := repo.Decide(t.Context(), in.ID, "bob", false, 1, base); err != nil {
					return err
				}

				// still forbidden, not already-decided, after the item is closed
				if _, err := repo.Decide(t.Context(), in.ID, "alice", true, 1, base); !errors.Is(err, review.ErrForbidden) {
					t.Errorf("want ErrForbidden after decision, got: %v", err)
				}

				return nil
			},
		},
		{
			name: "quorum of two",
			doer: func(t *testing.T, repo review.Repository) error {
				in := item("alice", base)
				if err := repo.Enqueue(t.Context(), in); err != nil {
					return err
				}

				got, err := repo.Decide(t.Context(), in.ID, "bob", true, 2, base)
				if err != nil {
					return err
				}

				if !got.Pending() || got.Approvals != 1 {
					t.Errorf("one vote should not decide: %+v", got)
				}

				if _, err := repo.Decide(t.Context(), in.ID, "bob", true, 2, base); !errors.Is(err, review.ErrAlreadyDecided) {
					t.Errorf("double vote: want ErrAlreadyDecided, got: %v", err)
				}

				if got, err = repo.Decide(t.Context(), in.ID, "carol", false, 2, base); err != nil {
					return err
				}

				if !got.Pending() {
					t.Errorf("split vote should stay pending: %+v", got)
				}

				if got, err = repo.Decide(t.Context(), in.ID, "dave", true, 2, base.Add(time.Second)); err != nil {
					return err
				}

				if !got.Approved() || got.ReviewerID != "dave" || got.Approvals != 2 || got.Rejections != 1 {
					t.Errorf("majority should approve: %+v", got)
				}

				return nil
			},
		},
		{
			name: "concurrent deciders serialize",
			doer: func(t *testing.T, repo review.Repository) error {
				in := item("alice", base)
				if err := repo.Enqueue(t.Context(), in); err != nil {
					return err
				}

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
						_, err := repo.Decide(t.Context(), in.ID, fmt.Sprintf("reviewer-%d", i), i%2 == 0, 1, base)
						switch {
						case err == nil:
							winners.Add(1)
						case !errors.Is(err, review.ErrAlreadyDecided):
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
					t.Errorf("want exactly one winning decision, got %d", n)
				}

				return nil
			},
		},
		{
			name: "expire",
			doer: func(t *testing.T, repo review.Repository) error {
				old := item("alice", base)
				fresh := item("bob", base.Add(time.Hour))
				decided := item("carol", base)

				for _, it := range []*review.Item{old, fresh, decided} {
					if err := repo.Enqueue(t.Context(), it); err != nil {
						return err
					}
				}

				if _, err := repo.Decide(t.Context(), decided.ID, "dave", true, 1, base); err != nil {
					return err
				}

				now := base.Add(2 * time.Hour)
				got, err := repo.Expire(t.Context(), base.Add(30*time.Minute), now)
				if err != nil {
					return err
				}

				if want := []string{old.ID}; !slices.Equal(ids(got), want) {
					t.Errorf("expired items: want %v, got %v", want, ids(got))
				}

				if len(got) == 1 && (got[0].Decision != review.DecisionExpired || got[0].ChallengeID != old.ChallengeID) {
					t.Errorf("wrong expired item: %+v", got[0])
				}

				if _, err := repo.Decide(t.Context(), old.ID, "dave", true, 1, now); !errors.Is(err, review.ErrAlreadyDecided) {
					t.Errorf("deciding an expired item: want ErrAlreadyDecided, got: %v", err)
				}

				stored, err := repo.Get(t.Context(), fresh.ID)
				if err != nil {
					return err
				}

				if !stored.Pending() {
					t.Errorf("fresh item should stay pending, got %q", stored.Decision)
				}

				return nil
			},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			// expire leftovers so listings only see this case's items
			if _, err := repo.Expire(t.Context(), farFuture, base); err != nil {
				t.Fatal(err)
			}

			if err := tt.doer(t, repo); err != nil {
				t.Error(err)
			}
		})
	}
}
