// Package review holds the human review queue for submissions the automatic
// scorer could not decide.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no review item has the requested id.
	ErrNotFound = errors.New("review: item not found")

	// ErrForbidden is returned when a reviewer tries to decide their own
	// submission.
	ErrForbidden = errors.New("review: reviewers may not decide their own submissions")

	// ErrAlreadyDecided is returned when the item is no longer pending or the
	// reviewer has already voted on it.
	ErrAlreadyDecided = errors.New("review: item already decided")

	// ErrBadConfig is returned when a review backend's configuration is invalid.
	ErrBadConfig = errors.New("review: configuration is invalid")
)

// Decision is the state of a review item.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionExpired  Decision = "expired"
)

// Item is one ambiguous submission waiting for human judgement.
type Item struct {
	ID          string          `json:"item_id"`
	ChallengeID string          `json:"challenge_id"`
	SubmitterID string          `json:"submitter_id"`
	Kind        string          `json:"kind"`
	Prompt      json.RawMessage `json:"prompt"`
	Response    json.RawMessage `json:"response_payload"`
	Reason      string          `json:"reason,omitempty"`
	QueuedAt    time.Time       `json:"queued_at"`
	Decision    Decision        `json:"decision"`
	ReviewerID  string          `json:"reviewer_id,omitempty"`
	DecidedAt   time.Time       `json:"decided_at,omitzero"`
	Approvals   int             `json:"approvals"`
	Rejections  int             `json:"rejections"`
}

// Pending reports whether the item still waits for votes.
func (i *Item) Pending() bool {
	return i.Decision == DecisionPending
}

// Approved reports whether reviewers approved the item.
func (i *Item) Approved() bool {
	return i.Decision == DecisionApproved
}

// Tally applies one vote and reports whether it reached quorum. On quorum it
// fills in the decision, the deciding reviewer and the time.
func (i *Item) Tally(reviewerID string, approved bool, quorum int, now time.Time) bool {
	if approved {
		i.Approvals++
	} else {
		i.Rejections++
	}

	switch {
	case i.Approvals >= quorum:
		i.Decision = DecisionApproved
	case i.Rejections >= quorum:
		i.Decision = DecisionRejected
	default:
		return false
	}

	i.ReviewerID = reviewerID
	i.DecidedAt = now
	return true
}

// Repository stores review items and their votes. Every method must be safe
// for concurrent use; Decide in particular must let exactly one of several
// concurrent deciders move an item out of pending.
type Repository interface {
	// Enqueue adds a pending item. Items with an empty ID get one assigned.
	Enqueue(ctx context.Context, item *Item) error

	// Get fetches one item by id.
	Get(ctx context.Context, id string) (*Item, error)

	// List returns up to limit pending items queued after queuedAfter, oldest
	// first (ties by id), leaving out items reviewerID submitted or already
	// voted on.
	List(ctx context.Context, reviewerID string, limit int, queuedAfter time.Time) ([]Item, error)

	// Decide records reviewerID's vote. Self-review always fails with
	// ErrForbidden. When approvals or rejections reach quorum the item is
	// decided and returned with its final state.
	Decide(ctx context.Context, id, reviewerID string, approved bool, quorum int, now time.Time) (*Item, error)

	// Expire marks every pending item queued before queuedBefore as expired
	// and returns them.
	Expire(ctx context.Context, queuedBefore, now time.Time) ([]Item, error)

	// Close releases the backend's resources.
	Close() error
}
