package challenge

import (
	"encoding/json"
	"time"
)

// Kind names a family of challenges.
type Kind string

const (
	KindTypeBackwards Kind = "type_backwards"
	KindTypePattern   Kind = "type_pattern"
	KindSpeedType     Kind = "speed_type"
	KindDrawShape     Kind = "draw_shape"
	KindDrawFreeform  Kind = "draw_freeform"
)

// Status is where a challenge is in its lifecycle.
type Status string

const (
	StatusIssued    Status = "issued"
	StatusSubmitted Status = "submitted"
	StatusResolved  Status = "resolved"
	StatusExpired   Status = "expired"
)

// Outcome is the result of scoring or reviewing a submission.
type Outcome string

const (
	OutcomePass      Outcome = "pass"
	OutcomeFail      Outcome = "fail"
	OutcomeUncertain Outcome = "uncertain"
)

// Verdict is what a kind's scorer says about a response.
type Verdict struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
	Score   float64 `json:"score"`
}

// Challenge is the full record of one issued challenge. Answer holds the
// material needed to score a response and must never reach the requester;
// use Public for anything that leaves the server.
type Challenge struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	RequesterID string          `json:"requester_id"`
	Action      string          `json:"action,omitempty"`
	Prompt      json.RawMessage `json:"prompt"`
	Answer      json.RawMessage `json:"answer"`
	IssuedAt    time.Time       `json:"issued_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Status      Status          `json:"status"`
	Outcome     Outcome         `json:"outcome,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	ReviewID    string          `json:"review_id,omitempty"`
	Token       string          `json:"token,omitempty"`
	ResolvedAt  time.Time       `json:"resolved_at,omitzero"`
}

// Expired reports whether the answer window has closed at now.
func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Outstanding reports whether the challenge still counts against its
// requester's limit of unresolved challenges.
func (c *Challenge) Outstanding(now time.Time) bool {
	switch c.Status {
	case StatusIssued:
		return !c.Expired(now)
	case StatusSubmitted:
		return true
	default:
		return false
	}
}

// PublicChallenge is the requester-visible part of a challenge.
type PublicChallenge struct {
	ID           string          `json:"challenge_id"`
	Kind         Kind            `json:"kind"`
	Prompt       json.RawMessage `json:"prompt"`
	Instructions string          `json:"instructions,omitempty"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

// Public strips the answer material.
func (c *Challenge) Public() PublicChallenge {
	return PublicChallenge{
		ID:        c.ID,
		Kind:      c.Kind,
		Prompt:    c.Prompt,
		ExpiresAt: c.ExpiresAt,
	}
}

// Submission records the one accepted response to a challenge. A submission
// with Expired set is a tombstone written when a late response closed the
// challenge.
type Submission struct {
	ChallengeID string          `json:"challenge_id"`
	RequesterID string          `json:"requester_id"`
	Response    json.RawMessage `json:"response,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Expired     bool            `json:"expired,omitempty"`
}
