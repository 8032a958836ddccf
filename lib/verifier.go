package lib

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/antimoltbook/verifier"
	"github.com/antimoltbook/verifier/internal"
	"github.com/antimoltbook/verifier/lib/challenge"
	"github.com/antimoltbook/verifier/lib/identity"
	"github.com/antimoltbook/verifier/lib/policy"
	"github.com/antimoltbook/verifier/lib/policy/config"
	"github.com/antimoltbook/verifier/lib/review"
	"github.com/antimoltbook/verifier/lib/store"
	"github.com/antimoltbook/verifier/lib/token"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	challengesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verifier_challenges_issued",
		Help: "The total number of challenges issued",
	}, []string{"kind"})

	challengesResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verifier_challenges_resolved",
		Help: "The total number of challenges resolved, by how and with what outcome",
	}, []string{"via", "outcome"})

	rateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "verifier_rate_limited",
		Help: "The total number of challenge requests refused for too many outstanding challenges",
	})

	reviewsQueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verifier_reviews_queued",
		Help: "The total number of submissions sent to human review",
	}, []string{"kind"})

	requestsProxied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verifier_proxied_requests_total",
		Help: "Number of requests proxied through the verifier to upstream targets",
	}, []string{"host"})
)

// outstandingStripes is the number of locks guarding the per-requester
// outstanding index.
const outstandingStripes = 64

// Result is what a requester learns about a challenge after submitting or
// polling.
type Result struct {
	ChallengeID string               `json:"challenge_id"`
	Status      string               `json:"status"`
	Passed      bool                 `json:"passed"`
	Token       string               `json:"token,omitempty"`
	Message     string               `json:"message,omitempty"`
	Record      *challenge.Challenge `json:"-"`
}

// Requester-facing statuses. pending_review stands for a submitted challenge
// waiting on a reviewer.
const (
	ResultIssued        = "issued"
	ResultPassed        = "passed"
	ResultFailed        = "failed"
	ResultPendingReview = "pending_review"
	ResultExpired       = "expired"
)

func resultFor(c *challenge.Challenge, now time.Time) *Result {
	result := &Result{
		ChallengeID: c.ID,
		Message:     c.Reason,
		Record:      c,
	}

	switch {
	case c.Status == challenge.StatusResolved && c.Outcome == challenge.OutcomePass:
		result.Status = ResultPassed
		result.Passed = true
		result.Token = c.Token
	case c.Status == challenge.StatusResolved:
		result.Status = ResultFailed
	case c.Status == challenge.StatusSubmitted:
		result.Status = ResultPendingReview
	case c.Status == challenge.StatusExpired, c.Expired(now):
		result.Status = ResultExpired
	default:
		result.Status = ResultIssued
	}

	return result
}

// QueueItem is the reviewer-facing view of a review item.
type QueueItem struct {
	ID       string          `json:"item_id"`
	Kind     string          `json:"kind"`
	Prompt   json.RawMessage `json:"prompt"`
	Response json.RawMessage `json:"response_payload"`
	QueuedAt time.Time       `json:"queued_at"`
}

// Server is the verification orchestrator. It issues challenges, scores
// submissions, routes ambiguous ones to human review and mints capability
// tokens for requesters who pass.
type Server struct {
	next     http.Handler
	mux      http.Handler
	policy   *policy.ParsedConfig
	identity identity.Provider

	store       store.Interface
	challenges  *store.JSON[challenge.Challenge]
	outstanding *store.JSON[[]string]
	submissions *store.JSON[challenge.Submission]
	review      review.Repository
	tokens      *token.Issuer

	kinds map[challenge.Kind]challenge.Impl
	now   func() time.Time

	rngLock sync.Mutex
	rng     *rand.Rand

	stripes []sync.Mutex
	opts    Options
}

// recordTTL is how long challenge records are kept: long enough to answer,
// wait out a review and collect the token by polling.
func (s *Server) recordTTL() time.Duration {
	return verifier.ChallengeLifetime + s.policy.Review.PendingTTL.Duration + s.tokens.Expiration()
}

func (s *Server) stripe(requesterID string) *sync.Mutex {
	return &s.stripes[internal.Stripe(requesterID, len(s.stripes))]
}

// countOutstanding prunes the requester's index down to the challenges that
// still count against the limit.
func (s *Server) countOutstanding(ctx context.Context, requesterID string, now time.Time) ([]string, error) {
	ids, err := s.outstanding.Get(ctx, requesterID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("can't load outstanding challenges: %w", err)
	}

	live := ids[:0]
	for _, id := range ids {
		c, err := s.challenges.Get(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			continue
		case err != nil:
			return nil, fmt.Errorf("can't load challenge %s: %w", id, err)
		}

		if c.Outstanding(now) {
			live = append(live, id)
		}
	}

	return live, nil
}

func (s *Server) pickKind(candidates []challenge.Kind) challenge.Kind {
	s.rngLock.Lock()
	defer s.rngLock.Unlock()
	return candidates[s.rng.IntN(len(candidates))]
}

func (s *Server) generate(impl challenge.Impl, kind challenge.Kind) (prompt, answer json.RawMessage, err error) {
	s.rngLock.Lock()
	defer s.rngLock.Unlock()

	return impl.Generate(&challenge.GenerateInput{
		Rand:     s.rng,
		Settings: s.policy.Settings(string(kind)),
	})
}

// Issue creates a challenge for requesterID. An empty kind lets the policy
// rules pick one for action. r may be nil outside HTTP.
//
// The outstanding limit is enforced under a per-process lock, so replicas
// sharing a store can briefly exceed it together.
func (s *Server) Issue(ctx context.Context, r *http.Request, requesterID string, kind challenge.Kind, action string) (*challenge.Challenge, error) {
	lg := slog.Default()
	if r != nil {
		lg = internal.GetRequestLogger(r)
	}
	lg = lg.With("requester", requesterID, "action", action)

	if requesterID == "" {
		return nil, identity.ErrUnauthenticated
	}

	mu := s.stripe(requesterID)
	mu.Lock()
	defer mu.Unlock()

	now := s.now()

	live, err := s.countOutstanding(ctx, requesterID, now)
	if err != nil {
		return nil, err
	}

	if len(live) >= s.policy.MaxOutstanding {
		rateLimited.Inc()
		lg.Debug("too many outstanding challenges", "outstanding", len(live))
		return nil, challenge.NewError("issue", "too many outstanding challenges", fmt.Errorf("%w: %d outstanding", challenge.ErrRateLimited, len(live)))
	}

	if kind == "" {
		candidates, rule, err := s.policy.Candidates(ctx, &policy.Input{
			Action:      action,
			Requester:   requesterID,
			Outstanding: len(live),
			Request:     r,
		})
		if err != nil {
			return nil, fmt.Errorf("can't pick challenge kind: %w", err)
		}
		lg = lg.With("rule", rule)

		kind = s.pickKind(candidates)
	}

	impl, ok := s.kinds[kind]
	if !ok || !s.policy.IsEnabled(kind) {
		return nil, challenge.NewError("issue", "unknown challenge kind", fmt.Errorf("%w: %q", challenge.ErrUnknownKind, kind))
	}

	prompt, answer, err := s.generate(impl, kind)
	if err != nil {
		return nil, fmt.Errorf("can't generate %s challenge: %w", kind, err)
	}

	c := &challenge.Challenge{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Kind:        kind,
		RequesterID: requesterID,
		Action:      action,
		Prompt:      prompt,
		Answer:      answer,
		IssuedAt:    now,
		ExpiresAt:   now.Add(verifier.ChallengeLifetime),
		Status:      challenge.StatusIssued,
	}

	if err := s.challenges.Set(ctx, c.ID, *c, s.recordTTL()); err != nil {
		return nil, fmt.Errorf("can't store challenge: %w", err)
	}

	if err := s.outstanding.Set(ctx, requesterID, append(live, c.ID), s.recordTTL()); err != nil {
		return nil, fmt.Errorf("can't update outstanding challenges: %w", err)
	}

	challengesIssued.WithLabelValues(string(kind)).Inc()
	lg.Debug("issued challenge", "id", c.ID, "kind", kind)

	return c, nil
}

func (s *Server) load(ctx context.Context, requesterID, id string) (*challenge.Challenge, error) {
	c, err := s.challenges.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, challenge.NewError("load", "challenge not found", fmt.Errorf("%w: %s", challenge.ErrNotFound, id))
	}
	if err != nil {
		return nil, fmt.Errorf("can't load challenge %s: %w", id, err)
	}

	if c.RequesterID != requesterID {
		return nil, challenge.NewError("load", "challenge was issued to someone else", fmt.Errorf("%w: %s", challenge.ErrForbidden, id))
	}

	return &c, nil
}

func (s *Server) save(ctx context.Context, c *challenge.Challenge) error {
	if err := s.challenges.Set(ctx, c.ID, *c, s.recordTTL()); err != nil {
		return fmt.Errorf("can't store challenge %s: %w", c.ID, err)
	}
	return nil
}

// claimSubmission takes the one submission slot of a challenge.
func (s *Server) claimSubmission(ctx context.Context, sub challenge.Submission) error {
	err := s.submissions.Claim(ctx, sub.ChallengeID, sub, s.recordTTL())
	if errors.Is(err, store.ErrExists) {
		return challenge.NewError("submit", "challenge already answered", fmt.Errorf("%w: %s", challenge.ErrDuplicateSubmission, sub.ChallengeID))
	}
	if err != nil {
		return fmt.Errorf("can't claim submission for %s: %w", sub.ChallengeID, err)
	}
	return nil
}

// releaseSubmission frees the submission slot of a challenge whose record
// could not be written, so the requester can answer again.
func (s *Server) releaseSubmission(ctx context.Context, lg *slog.Logger, id string) {
	if err := s.submissions.Delete(context.WithoutCancel(ctx), id); err != nil && !errors.Is(err, store.ErrNotFound) {
		lg.Error("can't release submission slot", "err", err)
	}
}

// pass resolves c as passed and mints its token.
func (s *Server) pass(c *challenge.Challenge, reason string, now time.Time) error {
	tok, _, err := s.tokens.Mint(c.RequesterID, c.Action, c.ID)
	if err != nil {
		return err
	}

	c.Status = challenge.StatusResolved
	c.Outcome = challenge.OutcomePass
	c.Reason = reason
	c.Token = tok
	c.ResolvedAt = now
	return nil
}

func fail(c *challenge.Challenge, reason string, now time.Time) {
	c.Status = challenge.StatusResolved
	c.Outcome = challenge.OutcomeFail
	c.Reason = reason
	c.ResolvedAt = now
}

// Submit scores response against the challenge id. Only the first submission
// for a challenge is accepted; a malformed response is rejected without
// spending that one chance.
func (s *Server) Submit(ctx context.Context, r *http.Request, requesterID, id string, response json.RawMessage) (*Result, error) {
	lg := slog.Default()
	if r != nil {
		lg = internal.GetRequestLogger(r)
	}
	lg = lg.With("requester", requesterID, "challenge", id)

	c, err := s.load(ctx, requesterID, id)
	if err != nil {
		return nil, err
	}
	lg = lg.With("kind", c.Kind)

	switch c.Status {
	case challenge.StatusIssued:
	case challenge.StatusExpired:
		return nil, challenge.NewError("submit", "challenge expired", fmt.Errorf("%w: %s", challenge.ErrExpired, id))
	default:
		return nil, challenge.NewError("submit", "challenge already answered", fmt.Errorf("%w: %s is %s", challenge.ErrDuplicateSubmission, id, c.Status))
	}

	now := s.now()
	sub := challenge.Submission{
		ChallengeID: c.ID,
		RequesterID: requesterID,
		Response:    response,
		SubmittedAt: now,
	}

	if c.Expired(now) {
		sub.Response = nil
		sub.Expired = true
		if err := s.claimSubmission(ctx, sub); err != nil {
			return nil, err
		}

		c.Status = challenge.StatusExpired
		c.ResolvedAt = now
		if err := s.save(ctx, c); err != nil {
			s.releaseSubmission(ctx, lg, c.ID)
			return nil, err
		}

		challengesResolved.WithLabelValues("expiry", string(challenge.OutcomeFail)).Inc()
		lg.Debug("late submission", "expired_at", c.ExpiresAt)
		return nil, challenge.NewError("submit", "challenge expired", fmt.Errorf("%w: %s", challenge.ErrExpired, id))
	}

	impl, ok := s.kinds[c.Kind]
	if !ok {
		return nil, fmt.Errorf("[unexpected] challenge %s has unregistered kind %q", id, c.Kind)
	}

	verdict, err := impl.Score(lg, &challenge.ScoreInput{
		Challenge: c,
		Response:  response,
		Settings:  s.policy.Settings(string(c.Kind)),
	})
	if err != nil {
		lg.Debug("can't score response", "err", err)
		return nil, err
	}

	if err := s.claimSubmission(ctx, sub); err != nil {
		return nil, err
	}

	challenge.Scored.WithLabelValues(string(c.Kind), string(verdict.Outcome)).Inc()
	lg = lg.With("outcome", verdict.Outcome, "score", verdict.Score)

	switch verdict.Outcome {
	case challenge.OutcomePass:
		if err := s.pass(c, verdict.Reason, now); err != nil {
			s.releaseSubmission(ctx, lg, c.ID)
			return nil, err
		}
	case challenge.OutcomeUncertain:
		return s.sendToReview(ctx, lg, c, response, verdict, now)
	default:
		fail(c, verdict.Reason, now)
	}

	if err := s.save(ctx, c); err != nil {
		s.releaseSubmission(ctx, lg, c.ID)
		return nil, err
	}

	challengesResolved.WithLabelValues("scorer", string(c.Outcome)).Inc()
	lg.Debug("scored submission")

	return resultFor(c, now), nil
}

// sendToReview parks c as submitted and queues its review item. The record is
// written before the item exists so a fast reviewer always finds it
// submitted.
func (s *Server) sendToReview(ctx context.Context, lg *slog.Logger, c *challenge.Challenge, response json.RawMessage, verdict challenge.Verdict, now time.Time) (*Result, error) {
	c.Status = challenge.StatusSubmitted
	c.Outcome = challenge.OutcomeUncertain
	c.Reason = verdict.Reason
	c.ReviewID = uuid.Must(uuid.NewV7()).String()

	if err := s.save(ctx, c); err != nil {
		s.releaseSubmission(ctx, lg, c.ID)
		return nil, err
	}

	item := &review.Item{
		ID:          c.ReviewID,
		ChallengeID: c.ID,
		SubmitterID: c.RequesterID,
		Kind:        string(c.Kind),
		Prompt:      c.Prompt,
		Response:    response,
		Reason:      verdict.Reason,
		QueuedAt:    now,
	}

	if err := s.review.Enqueue(ctx, item); err != nil {
		fail(c, "review queue unavailable", now)
		if serr := s.save(context.WithoutCancel(ctx), c); serr != nil {
			lg.Error("can't fail challenge after enqueue error", "err", serr)
		}
		return nil, fmt.Errorf("can't queue %s for review: %w", c.ID, err)
	}

	reviewsQueued.WithLabelValues(string(c.Kind)).Inc()
	lg.Debug("sent submission to review", "item", item.ID)

	return resultFor(c, now), nil
}

// Status reports where a challenge is. Requesters poll it while a review is
// pending; once approved the result carries the token.
func (s *Server) Status(ctx context.Context, requesterID, id string) (*Result, error) {
	c, err := s.load(ctx, requesterID, id)
	if err != nil {
		return nil, err
	}

	if c.Status == challenge.StatusSubmitted {
		if err := s.settleReview(ctx, c.ReviewID); err != nil {
			return nil, err
		}

		if c, err = s.load(ctx, requesterID, id); err != nil {
			return nil, err
		}
	}

	return resultFor(c, s.now()), nil
}

// settleReview applies a review item that is no longer pending to its
// challenge. resolveReview ignores challenges that already moved on, so this
// is safe to repeat; it repairs records whose save failed after the vote
// was committed.
func (s *Server) settleReview(ctx context.Context, itemID string) error {
	if itemID == "" {
		return nil
	}

	item, err := s.review.Get(ctx, itemID)
	switch {
	case errors.Is(err, review.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("can't load review item %s: %w", itemID, err)
	case item.Pending():
		return nil
	}

	return s.resolveReview(context.WithoutCancel(ctx), item)
}

// ReviewQueue lists items reviewerID may decide, oldest first.
func (s *Server) ReviewQueue(ctx context.Context, reviewerID string, limit int, queuedAfter time.Time) ([]QueueItem, error) {
	if reviewerID == "" {
		return nil, identity.ErrUnauthenticated
	}

	items, err := s.review.List(ctx, reviewerID, limit, queuedAfter)
	if err != nil {
		return nil, err
	}

	result := make([]QueueItem, 0, len(items))
	for _, it := range items {
		result = append(result, QueueItem{
			ID:       it.ID,
			Kind:     it.Kind,
			Prompt:   it.Prompt,
			Response: it.Response,
			QueuedAt: it.QueuedAt,
		})
	}

	return result, nil
}

// Decide records reviewerID's vote on an item and resolves the challenge once
// the item is decided.
func (s *Server) Decide(ctx context.Context, itemID, reviewerID string, approved bool) error {
	if reviewerID == "" {
		return identity.ErrUnauthenticated
	}

	item, err := s.review.Decide(ctx, itemID, reviewerID, approved, s.policy.Review.Quorum, s.now())
	if errors.Is(err, review.ErrAlreadyDecided) {
		// an earlier decision may have been committed without reaching the
		// challenge
		if serr := s.settleReview(ctx, itemID); serr != nil {
			slog.Error("can't settle decided review item", "item", itemID, "err", serr)
		}
		return err
	}
	if err != nil {
		return err
	}

	slog.Debug("review vote recorded", "item", itemID, "reviewer", reviewerID, "approved", approved, "decision", item.Decision)

	if item.Pending() {
		return nil
	}

	// the vote is committed; finish resolving even if the caller hangs up
	return s.resolveReview(context.WithoutCancel(ctx), item)
}

// resolveReview applies a decided or expired review item to its challenge.
func (s *Server) resolveReview(ctx context.Context, item *review.Item) error {
	c, err := s.challenges.Get(ctx, item.ChallengeID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("review decided for a challenge that no longer exists", "item", item.ID, "challenge", item.ChallengeID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("can't load challenge %s: %w", item.ChallengeID, err)
	}

	if c.Status != challenge.StatusSubmitted || c.ReviewID != item.ID {
		slog.Warn("review decided for a challenge that is not waiting on it", "item", item.ID, "challenge", c.ID, "status", c.Status)
		return nil
	}

	now := s.now()

	switch item.Decision {
	case review.DecisionApproved:
		if err := s.pass(&c, "approved by review", now); err != nil {
			return err
		}
	case review.DecisionRejected:
		fail(&c, "rejected by review", now)
	default:
		fail(&c, "review timed out", now)
	}

	if err := s.save(ctx, &c); err != nil {
		return err
	}

	challengesResolved.WithLabelValues("review", string(c.Outcome)).Inc()
	return nil
}

// Authorize spends tokenString on one action by subject and runs fn while
// holding it.
func (s *Server) Authorize(ctx context.Context, tokenString, subject, action string, fn func(context.Context) error) error {
	return s.tokens.Consume(ctx, tokenString, subject, action, fn)
}

// Reap expires review items that have waited longer than the pending TTL and
// fails their challenges.
func (s *Server) Reap(ctx context.Context) error {
	now := s.now()

	expired, err := s.review.Expire(ctx, now.Add(-s.policy.Review.PendingTTL.Duration), now)
	if err != nil {
		return fmt.Errorf("can't expire review items: %w", err)
	}

	var errs []error
	for i := range expired {
		if err := s.resolveReview(ctx, &expired[i]); err != nil {
			errs = append(errs, err)
		}
	}

	if len(expired) != 0 {
		slog.Info("expired stale review items", "count", len(expired))
	}

	return errors.Join(errs...)
}

// CleanupThread runs Reap on the policy's reaper interval until ctx is done.
func (s *Server) CleanupThread(ctx context.Context) {
	interval := s.policy.ReaperInterval
	if interval <= 0 {
		interval = config.DefaultReaperInterval
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.Reap(ctx); err != nil {
				slog.Error("error during review reaping", "err", err)
			}
		}
	}
}
