// Package memory is an in-process review queue. Items are lost on restart.
package memory

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/antimoltbook/verifier/lib/review"
	"github.com/google/uuid"
)

type factory struct{}

func (factory) Build(context.Context, json.RawMessage) (review.Repository, error) {
	return New(), nil
}

func (factory) Valid(json.RawMessage) error { return nil }

func init() {
	review.Register("memory", factory{})
}

// Repository keeps review items and votes in maps behind one mutex.
type Repository struct {
	lock  sync.Mutex
	items map[string]*review.Item
	votes map[string]map[string]bool
}

// New creates an empty in-memory review queue.
func New() *Repository {
	return &Repository{
		items: map[string]*review.Item{},
		votes: map[string]map[string]bool{},
	}
}

func (r *Repository) Enqueue(_ context.Context, item *review.Item) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if item.ID == "" {
		item.ID = uuid.Must(uuid.NewV7()).String()
	}

	if _, ok := r.items[item.ID]; ok {
		return fmt.Errorf("review: item %q already queued", item.ID)
	}

	item.Decision = review.DecisionPending
	cp := *item
	r.items[item.ID] = &cp
	r.votes[item.ID] = map[string]bool{}

	return nil
}

func (r *Repository) Get(_ context.Context, id string) (*review.Item, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	item, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", review.ErrNotFound, id)
	}

	cp := *item
	return &cp, nil
}

func (r *Repository) List(_ context.Context, reviewerID string, limit int, queuedAfter time.Time) ([]review.Item, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	var result []review.Item
	for id, item := range r.items {
		if !item.Pending() || item.SubmitterID == reviewerID || !item.QueuedAt.After(queuedAfter) {
			continue
		}

		if _, voted := r.votes[id][reviewerID]; voted {
			continue
		}

		result = append(result, *item)
	}

	slices.SortFunc(result, func(a, b review.Item) int {
		return cmp.Or(a.QueuedAt.Compare(b.QueuedAt), cmp.Compare(a.ID, b.ID))
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

func (r *Repository) Decide(_ context.Context, id, reviewerID string, approved bool, quorum int, now time.Time) (*review.Item, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	item, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", review.ErrNotFound, id)
	}

	if item.SubmitterID == reviewerID {
		return nil, review.ErrForbidden
	}

	if !item.Pending() {
		return nil, fmt.Errorf("%w: %q is %s", review.ErrAlreadyDecided, id, item.Decision)
	}

	if _, voted := r.votes[id][reviewerID]; voted {
		return nil, fmt.Errorf("%w: %q already voted on %q", review.ErrAlreadyDecided, reviewerID, id)
	}

	r.votes[id][reviewerID] = approved
	item.Tally(reviewerID, approved, quorum, now)

	cp := *item
	return &cp, nil
}

func (r *Repository) Expire(_ context.Context, queuedBefore, now time.Time) ([]review.Item, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	var result []review.Item
	for _, item := range r.items {
		if !item.Pending() || !item.QueuedAt.Before(queuedBefore) {
			continue
		}

		item.Decision = review.DecisionExpired
		item.DecidedAt = now
		result = append(result, *item)
	}

	slices.SortFunc(result, func(a, b review.Item) int {
		return cmp.Or(a.QueuedAt.Compare(b.QueuedAt), cmp.Compare(a.ID, b.ID))
	})

	return result, nil
}

func (r *Repository) Close() error { return nil }
