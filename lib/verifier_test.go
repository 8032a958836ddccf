package lib

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antimoltbook/verifier"
	"github.com/antimoltbook/verifier/internal"
	"github.com/antimoltbook/verifier/lib/challenge"
	"github.com/antimoltbook/verifier/lib/challenge/challengetest"
	"github.com/antimoltbook/verifier/lib/challenge/drawing"
	"github.com/antimoltbook/verifier/lib/challenge/speedtype"
	"github.com/antimoltbook/verifier/lib/challenge/typing"
	"github.com/antimoltbook/verifier/lib/identity"
	"github.com/antimoltbook/verifier/lib/policy"
	"github.com/antimoltbook/verifier/lib/review"
	reviewmemory "github.com/antimoltbook/verifier/lib/review/memory"
	"github.com/antimoltbook/verifier/lib/store"
	"github.com/antimoltbook/verifier/lib/store/memory"
	"github.com/antimoltbook/verifier/lib/token"
)

func init() {
	internal.InitSlog("debug")
}

const testPolicy = `
kinds:
  type_backwards:
    words: [elephant]
  type_pattern:
    words: [elephant]
  speed_type:
    phrases: ["the quick fox"]
    time_limit_ms: 3000

rules:
  - name: signup-draws
    expression: action == "signup"
    kinds: [draw_shape]

max_outstanding: 3

review:
  backend: memory
  quorum: 1
  pending_ttl: 1h
`

type testClock struct {
	lock sync.Mutex
	now  time.Time
}

func (c *testClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
}

// fixedScore makes every drawing score the same.
type fixedScore float64

func (f fixedScore) Compare([]drawing.Stroke, float64, *drawing.Descriptor) float64 {
	return float64(f)
}

func loadPolicy(t *testing.T, src string) *policy.ParsedConfig {
	t.Helper()

	pc, err := policy.ParseConfig(t.Context(), strings.NewReader(src), t.Name()+".yaml")
	if err != nil {
		t.Fatal(err)
	}

	return pc
}

type testServer struct {
	*Server
	clock *testClock
}

func spawnVerifier(t *testing.T, src string, opts Options) *testServer {
	t.Helper()

	clock := &testClock{now: time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)}

	opts.Policy = loadPolicy(t, src)
	opts.Identity = identity.Header{Name: "X-Test-User"}
	if opts.Store == nil {
		opts.Store = memory.New(t.Context())
	}
	opts.Review = reviewmemory.New()
	opts.Clock = clock.Now
	opts.Rand = challengetest.Rand(t)

	s, err := New(opts)
	if err != nil {
		t.Fatalf("can't construct lib.Server: %v", err)
	}

	return &testServer{Server: s, clock: clock}
}

func issue(t *testing.T, s *testServer, requester string, kind challenge.Kind) *challenge.Challenge {
	t.Helper()

	c, err := s.Issue(t.Context(), nil, requester, kind, "")
	if err != nil {
		t.Fatalf("can't issue %s challenge: %v", kind, err)
	}

	return c
}

func typed(t *testing.T, text string) json.RawMessage {
	t.Helper()
	return challengetest.MustJSON(t, map[string]string{"text": text})
}

func promptWord(t *testing.T, c *challenge.Challenge) string {
	t.Helper()

	var p typing.Prompt
	if err := json.Unmarshal(c.Prompt, &p); err != nil {
		t.Fatal(err)
	}

	return p.Word
}

func TestIssue(t *testing.T) {
	s := spawnVerifier(t, testPolicy, Options{})

	c := issue(t, s, "alice", challenge.KindTypeBackwards)

	if c.Status != challenge.StatusIssued {
		t.Errorf("new challenge should be issued, got %s", c.Status)
	}

	if got := c.ExpiresAt.Sub(c.IssuedAt); got != verifier.ChallengeLifetime {
		t.Errorf("answer window: want %s, got %s", verifier.ChallengeLifetime, got)
	}

	pub, err := json.Marshal(c.Public())
	if err != nil {
		t.Fatal(err)
	}

	if strings.Contains(string(pub), "tnahpele") || strings.Contains(string(pub), "answer") {
		t.Errorf("public view leaks the answer: %s", pub)
	}

	if _, err := s.Issue(t.Context(), nil, "alice", "solve_riddle", ""); !errors.Is(err, challenge.ErrUnknownKind) {
		t.Errorf("unknown kind: want ErrUnknownKind, got %v", err)
	}

	if _, err := s.Issue(t.Context(), nil, "", challenge.KindTypeBackwards, ""); !errors.Is(err, identity.ErrUnauthenticated) {
		t.Errorf("anonymous: want ErrUnauthenticated, got %v", err)
	}
}

func TestIssueUsesRules(t *testing.T) {
	s := spawnVerifier(t, testPolicy, Options{})

	for range 3 {
		c, err := s.Issue(t.Context(), nil, "alice", "", "signup")
		if err != nil {
			t.Fatal(err)
		}

		if c.Kind != challenge.KindDrawShape {
			t.Errorf("signup should draw, got %s", c.Kind)
		}

		if c.Action != "signup" {
			t.Errorf("action not recorded: %q", c.Action)
		}

		s.clock.Advance(verifier.ChallengeLifetime + time.Second)
	}

	c, err := s.Issue(t.Context(), nil, "bob", "", "post")
	if err != nil {
		t.Fatal(err)
	}

	if !s.policy.IsEnabled(c.Kind) {
		t.Errorf("picked a disabled kind %s", c.Kind)
	}
}

func TestRateLimit(t *testing.T) {
	s := spawnVerifier(t, testPolicy, Options{})

	for range 3 {
		issue(t, s, "alice", challenge.KindTypeBackwards)
	}

	if _, err := s.Issue(t.Context(), nil, "alice", challenge.KindTypeBackwards, ""); !errors.Is(err, challenge.ErrRateLimited) {
		t.Fatalf("fourth challenge: want ErrRateLimited, got %v", err)
	}

	// other requesters are not affected
	issue(t, s, "bob", challenge.KindTypeBackwards)

	// expired challenges stop counting
	s.clock.Advance(verifier.ChallengeLifetime + time.Second)
	issue(t, s, "alice", challenge.KindTypeBackwards)
}

func TestRateLimitReleasedOnResolve(t *testing.T) {
	s := spawnVerifier(t, testPolicy, Options{})

	var last *challenge.Challenge
	for range 3 {
		last = issue(t, s, "alice", challenge.KindTypeBackwards)
	}

	if _, err := s.Submit(t.Context(), nil, "alice", last.ID, typed(t, "nope")); err != nil {
		t.Fatal(err)
	}

	issue(t, s, "alice", challenge.KindTypeBackwards)
}

func TestSubmitTyping(t *testing.T) {
	for _, tt := range []struct {
		name   string
		kind   challenge.Kind
		answer func(word string) string
		passed bool
	}{
		{"backwards correct", challenge.KindTypeBackwards, typing.Reverse, true},
		{"backwards forwards", challenge.KindTypeBackwards, func(w string) string { return w }, false},
		{"pattern correct", challenge.KindTypePattern, typing.AlternatingCaps, true},
		{"pattern wrong phase", challenge.KindTypePattern, func(w string) string { return strings.ToUpper(w[:1]) + typing.AlternatingCaps(w)[1:] }, false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			s := spawnVerifier(t, testPolicy, Options{})
			c := issue(t, s, "alice", tt.kind)

			word := promptWord(t, c)
			if word != "elephant" {
				t.Fatalf("configured word list ignored, got %q", word)
			}

			result, err := s.Submit(t.Context(), nil, "alice", c.ID, typed(t, tt.answer(word)))
			if err != nil {
				t.Fatal(err)
			}

			if result.Passed != tt.passed {
				t.Errorf("passed: want %v, got %v (%+v)", tt.passed, result.Passed, result)
			}

			if tt.passed {
				if result.Token == "" || result.Status != ResultPassed {
					t.Errorf("pass should carry a token: %+v", result)
				}

				claims, err := s.tokens.Parse(result.Token)
				if err != nil {
					t.Fatal(err)
				}

				if claims.Subject != "alice" || claims.ChallengeID != c.ID {
					t.Errorf("wrong token claims: %+v", claims)
				}
			} else if result.Token != "" || result.Status != ResultFailed {
				t.Errorf("fail must not carry a token: %+v", result)
			}
		})
	}
}

func TestSubmitTwice(t *testing.T) {
	s := spawnVerifier(t, testPolicy, Options{})
	c := issue(t, s, "alice", challenge.KindTypeBackwards)

	first, err := s.Submit(t.Context(), nil, "alice", c.ID, typed(t, "tnahpele"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Submit(t.Context(), nil, "alice", c.ID, typed(t, "elephant")); !errors.Is(err, challenge.ErrDuplicateSubmission) {
		t.Fatalf("second submission: want ErrDuplicateSubmission, got %v", err)
	}

	after, err := s.Status(t.Context(), "alice", c.ID)
	if err != nil {
		t.Fatal(err)
	}

	if !after.Passed || after.Token != first.Token {
		t.Errorf("second submission changed the record: %+v", after)
	}
}

func TestConcurrentSubmissions(t *testing.T) {
	s := spawnVerifier(t, testPolicy, Options{})
	c := issue(t, s, "alice", challenge.KindTypeBackwards)

	const workers = 16
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		errs    = make(chan error, workers)
	)

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Submit(t.Context(), nil, "alice", c.ID, typed(t, "tnahpele"))
			switch {
			case err == nil:
				winners.Add(1)
			case !errors.Is(err, challenge.ErrDuplicateSubmission):
				errs <- err
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}

	if n := winners.Load(); n != 1 {
		t.Errorf("want exactly one accepted submission, got %d", n)
	}
}

func TestSubmitExpired(t *testing.T) {
	s := spawnVerifier(t, testPolicy, Options{})
	c := issue(t, s, "alice", challenge.KindTypeBackwards)

	s.clock.Advance(verifier.ChallengeLifetime + time.Millisecond)

	if _, err := s.Submit(t.Context(), nil, "alice", c.ID, typed(t, "tnahpele")); !errors.Is(err, challenge.ErrExpired) {
		t.Fatalf("late submission: want ErrExpired, got %v", err)
	}

	if _, err := s.Submit(t.Context(), nil, "alice", c.ID, typed(t, "tnahpele")); !errors.Is(err, challenge.ErrExpired) {
		t.Errorf("retry after expiry: want ErrExpired, got %v", err)
	}

	result, err := s.Status(t.Context(), "alice", c.ID)
	if err != nil {
		t.Fatal(err)
	}

	if result.Status != ResultExpired || result.Token != "" || result.Passed {
		t.Errorf("expired challenge must not pass: %+v", result)
	}
}

func TestSubmitAtDeadline(t *testing.T) {
	s := spawnVerifier(t, testPolicy, Options{})
	c := issue(t, s, "alice", challenge.KindTypeBackwards)

	s.clock.Advance(verifier.ChallengeLifetime)

	result, err := s.Submit(t.Context(), nil, "alice", c.ID, typed(t, "tnahpele"))
	if err != nil {
		t.Fatal(err)
	}

	if !result.Passed {
		t.Errorf("submission exactly at expires_at should be scored: %+v", result)
	}
}

func TestSubmitRejectsWithoutSpending(t *testing.T) {
	s := spawnVerifier(t, testPolicy, Options{})
	c := issue(t, s, "alice", challenge.KindTypeBackwards)

	for _, tt := range []struct {
		name     string
		response json.RawMessage
		err      error
	}{
		{"not json", json.RawMessage(`tnahpele`), challenge.ErrInvalidFormat},
		{"no text", json.RawMessage(`{}`), challenge.ErrMissingField},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Submit(t.Context(), nil, "alice", c.ID, tt.response); !errors.Is(err, tt.err) {
				t.Errorf("want %v, got %v", tt.err, err)
			}
		})
	}

	if _, err := s.Submit(t.Context(), nil, "bob", c.ID, typed(t, "tnahpele")); !errors.Is(err, challenge.ErrForbidden) {
		t.Errorf("someone else's challenge: want ErrForbidden, got %v", err)
	}

	if _, err := s.Submit(t.Context(), nil, "alice", "does-not-exist", typed(t, "tnahpele")); !errors.Is(err, challenge.ErrNotFound) {
		t.Errorf("unknown id: want ErrNotFound, got %v", err)
	}

	result, err := s.Submit(t.Context(), nil, "alice", c.ID, typed(t, "tnahpele"))
	if err != nil {
		t.Fatalf("rejected responses must not use up the challenge: %v", err)
	}

	if !result.Passed {
		t.Errorf("want pass, got %+v", result)
	}
}

func TestSpeedTypeGoesToReview(t *testing.T) {
	s := spawnVerifier(t, testPolicy, Options{})

	for _, tt := range []struct {
		name     string
		text     string
		duration float64
		status   string
	}{
		{"fast and exact", "the quick fox", 2500, ResultPassed},
		{"slow and exact", "the quick fox", 5000, ResultPendingReview},
		{"typo", "the quick fix", 1000, ResultPendingReview},
		{"wrong", "lorem ipsum", 1000, ResultFailed},
	} {
		t.Run(tt.name, func(t *testing.T) {
			requester := "alice-" + tt.name
			c := issue(t, s, requester, challenge.KindSpeedType)

			var p speedtype.Prompt
			if err := json.Unmarshal(c.Prompt, &p); err != nil {
				t.Fatal(err)
			}

			if p.Phrase != "the quick fox" || p.TimeLimitMS != 3000 {
				t.Fatalf("settings ignored: %+v", p)
			}

			resp := challengetest.MustJSON(t, map[string]any{"text": tt.text, "duration_ms": tt.duration})
			result, err := s.Submit(t.Context(), nil, requester, c.ID, resp)
			if err != nil {
				t.Fatal(err)
			}

			if result.Status != tt.status {
				t.Errorf("want %s, got %+v", tt.status, result)
			}
		})
	}
}

func submitDrawing(t *testing.T, s *testServer, requester string) *challenge.Challenge {
	t.Helper()

	c := issue(t, s, requester, challenge.KindDrawShape)
	resp := challengetest.MustJSON(t, map[string]any{
		"strokes":     []map[string][]float64{{"x": {0, 10, 20}, "y": {0, 10, 0}}},
		"duration_ms": 1500,
	})

	if _, err := s.Submit(t.Context(), nil, requester, c.ID, resp); err != nil {
		t.Fatal(err)
	}

	return c
}

func drawingAt(score float64) Options {
	return Options{
		Kinds: map[challenge.Kind]challenge.Impl{
			challenge.KindDrawShape: &drawing.Impl{Kind: challenge.KindDrawShape, Comparator: fixedScore(score)},
		},
	}
}

func TestDrawingBands(t *testing.T) {
	for _, tt := range []struct {
		score  float64
		status string
		queued int
	}{
		{0.92, ResultPassed, 0},
		{0.40, ResultFailed, 0},
		{0.65, ResultPendingReview, 1},
	} {
		t.Run(fmt.Sprint(tt.score), func(t *testing.T) {
			s := spawnVerifier(t, testPolicy, drawingAt(tt.score))
			c := submitDrawing(t, s, "alice")

			result, err := s.Status(t.Context(), "alice", c.ID)
			if err != nil {
				t.Fatal(err)
			}

			if result.Status != tt.status {
				t.Errorf("want %s, got %+v", tt.status, result)
			}

			items, err := s.ReviewQueue(t.Context(), "bob", 0, time.Time{})
			if err != nil {
				t.Fatal(err)
			}

			if len(items) != tt.queued {
				t.Fatalf("want %d review items, got %d", tt.queued, len(items))
			}

			if tt.queued == 1 && (items[0].Kind != string(challenge.KindDrawShape) || len(items[0].Response) == 0) {
				t.Errorf("review item is missing the submission: %+v", items[0])
			}
		})
	}
}

func TestReviewDecisions(t *testing.T) {
	t.Run("approved", func(t *testing.T) {
		s := spawnVerifier(t, testPolicy, drawingAt(0.65))
		c := submitDrawing(t, s, "alice")

		items, err := s.ReviewQueue(t.Context(), "bob", 0, time.Time{})
		if err != nil {
			t.Fatal(err)
		}

		if err := s.Decide(t.Context(), items[0].ID, "bob", true); err != nil {
			t.Fatal(err)
		}

		result, err := s.Status(t.Context(), "alice", c.ID)
		if err != nil {
			t.Fatal(err)
		}

		if !result.Passed || result.Token == "" {
			t.Fatalf("approved review should pass with a token: %+v", result)
		}

		claims, err := s.tokens.Parse(result.Token)
		if err != nil {
			t.Fatal(err)
		}

		if claims.Subject != "alice" {
			t.Errorf("token should belong to the submitter, got %q", claims.Subject)
		}

		if err := s.Decide(t.Context(), items[0].ID, "carol", false); !errors.Is(err, review.ErrAlreadyDecided) {
			t.Errorf("second decision: want ErrAlreadyDecided, got %v", err)
		}

		if items, _ := s.ReviewQueue(t.Context(), "carol", 0, time.Time{}); len(items) != 0 {
			t.Errorf("decided items should leave the queue, got %d", len(items))
		}
	})

	t.Run("rejected", func(t *testing.T) {
		s := spawnVerifier(t, testPolicy, drawingAt(0.65))
		c := submitDrawing(t, s, "alice")

		items, err := s.ReviewQueue(t.Context(), "bob", 0, time.Time{})
		if err != nil {
			t.Fatal(err)
		}

		if err := s.Decide(t.Context(), items[0].ID, "bob", false); err != nil {
			t.Fatal(err)
		}

		result, err := s.Status(t.Context(), "alice", c.ID)
		if err != nil {
			t.Fatal(err)
		}

		if result.Passed || result.Token != "" || result.Status != ResultFailed {
			t.Errorf("rejected review must fail without a token: %+v", result)
		}
	})

	t.Run("self review", func(t *testing.T) {
		s := spawnVerifier(t, testPolicy, drawingAt(0.65))
		submitDrawing(t, s, "alice")

		if items, _ := s.ReviewQueue(t.Context(), "alice", 0, time.Time{}); len(items) != 0 {
			t.Errorf("submitters should not see their own items, got %d", len(items))
		}

		items, err := s.ReviewQueue(t.Context(), "bob", 0, time.Time{})
		if err != nil {
			t.Fatal(err)
		}

		if err := s.Decide(t.Context(), items[0].ID, "alice", true); !errors.Is(err, review.ErrForbidden) {
			t.Errorf("self review: want ErrForbidden, got %v", err)
		}
	})

	t.Run("unknown item", func(t *testing.T) {
		s := spawnVerifier(t, testPolicy, Options{})

		if err := s.Decide(t.Context(), "does-not-exist", "bob", true); !errors.Is(err, review.ErrNotFound) {
			t.Errorf("want ErrNotFound, got %v", err)
		}
	})
}

var errStoreDown = errors.New("store is down")

// flakyStore fails writes to challenge records while broken is set.
type flakyStore struct {
	store.Interface
	broken atomic.Bool
}

func (f *flakyStore) Set(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	if f.broken.Load() && strings.HasPrefix(key, "challenge:") {
		return errStoreDown
	}
	return f.Interface.Set(ctx, key, value, expiry)
}

func withFlakyStore(t *testing.T, opts Options) (Options, *flakyStore) {
	t.Helper()

	fs := &flakyStore{Interface: memory.New(t.Context())}
	opts.Store = fs
	return opts, fs
}

func TestReviewSurvivesFailedSave(t *testing.T) {
	t.Run("status settles the decision", func(t *testing.T) {
		opts, fs := withFlakyStore(t, drawingAt(0.65))
		s := spawnVerifier(t, testPolicy, opts)
		c := submitDrawing(t, s, "alice")

		items, err := s.ReviewQueue(t.Context(), "bob", 0, time.Time{})
		if err != nil {
			t.Fatal(err)
		}

		fs.broken.Store(true)
		if err := s.Decide(t.Context(), items[0].ID, "bob", true); !errors.Is(err, errStoreDown) {
			t.Fatalf("want errStoreDown, got %v", err)
		}
		fs.broken.Store(false)

		result, err := s.Status(t.Context(), "alice", c.ID)
		if err != nil {
			t.Fatal(err)
		}

		if !result.Passed || result.Token == "" {
			t.Errorf("committed approval should pass once the store is back: %+v", result)
		}
	})

	t.Run("retried decision settles", func(t *testing.T) {
		opts, fs := withFlakyStore(t, drawingAt(0.65))
		s := spawnVerifier(t, testPolicy, opts)
		c := submitDrawing(t, s, "alice")

		items, err := s.ReviewQueue(t.Context(), "bob", 0, time.Time{})
		if err != nil {
			t.Fatal(err)
		}

		fs.broken.Store(true)
		if err := s.Decide(t.Context(), items[0].ID, "bob", false); err == nil {
			t.Fatal("decision should report the failed save")
		}
		fs.broken.Store(false)

		if err := s.Decide(t.Context(), items[0].ID, "bob", false); !errors.Is(err, review.ErrAlreadyDecided) {
			t.Fatalf("retry: want ErrAlreadyDecided, got %v", err)
		}

		stored, err := s.challenges.Get(t.Context(), c.ID)
		if err != nil {
			t.Fatal(err)
		}

		if stored.Status == challenge.StatusSubmitted {
			t.Errorf("retried decision left the challenge waiting: %+v", stored)
		}

		if stored.Outcome != challenge.OutcomeFail {
			t.Errorf("want rejected challenge to fail, got %s", stored.Outcome)
		}
	})

	t.Run("reaped item settles", func(t *testing.T) {
		opts, fs := withFlakyStore(t, drawingAt(0.65))
		s := spawnVerifier(t, testPolicy, opts)
		c := submitDrawing(t, s, "alice")

		s.clock.Advance(time.Hour + time.Minute)

		fs.broken.Store(true)
		if err := s.Reap(t.Context()); err == nil {
			t.Fatal("reap should report the failed save")
		}
		fs.broken.Store(false)

		result, err := s.Status(t.Context(), "alice", c.ID)
		if err != nil {
			t.Fatal(err)
		}

		if result.Status != ResultFailed {
			t.Errorf("timed out review should fail the challenge: %+v", result)
		}
	})
}

func TestSubmitSurvivesFailedSave(t *testing.T) {
	for _, tt := range []struct {
		name   string
		opts   Options
		kind   challenge.Kind
		answer func(t *testing.T) json.RawMessage
		status string
	}{
		{
			name:   "scored",
			kind:   challenge.KindTypeBackwards,
			answer: func(t *testing.T) json.RawMessage { return typed(t, "tnahpele") },
			status: ResultPassed,
		},
		{
			name: "sent to review",
			opts: drawingAt(0.65),
			kind: challenge.KindDrawShape,
			answer: func(t *testing.T) json.RawMessage {
				return challengetest.MustJSON(t, map[string]any{
					"strokes":     []map[string][]float64{{"x": {0, 10, 20}, "y": {0, 10, 0}}},
					"duration_ms": 1500,
				})
			},
			status: ResultPendingReview,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			opts, fs := withFlakyStore(t, tt.opts)
			s := spawnVerifier(t, testPolicy, opts)
			c := issue(t, s, "alice", tt.kind)

			fs.broken.Store(true)
			if _, err := s.Submit(t.Context(), nil, "alice", c.ID, tt.answer(t)); !errors.Is(err, errStoreDown) {
				t.Fatalf("want errStoreDown, got %v", err)
			}
			fs.broken.Store(false)

			result, err := s.Submit(t.Context(), nil, "alice", c.ID, tt.answer(t))
			if err != nil {
				t.Fatalf("unsaved submission must not use up the challenge: %v", err)
			}

			if result.Status != tt.status {
				t.Errorf("want %s, got %+v", tt.status, result)
			}
		})
	}
}

func TestReviewQuorum(t *testing.T) {
	s := spawnVerifier(t, strings.Replace(testPolicy, "quorum: 1", "quorum: 2", 1), drawingAt(0.65))
	c := submitDrawing(t, s, "alice")

	items, err := s.ReviewQueue(t.Context(), "bob", 0, time.Time{})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Decide(t.Context(), items[0].ID, "bob", true); err != nil {
		t.Fatal(err)
	}

	if result, _ := s.Status(t.Context(), "alice", c.ID); result.Status != ResultPendingReview {
		t.Fatalf("one approval of two should stay pending: %+v", result)
	}

	if err := s.Decide(t.Context(), items[0].ID, "carol", true); err != nil {
		t.Fatal(err)
	}

	if result, _ := s.Status(t.Context(), "alice", c.ID); !result.Passed {
		t.Errorf("quorum reached, want pass: %+v", result)
	}
}

func TestReap(t *testing.T) {
	s := spawnVerifier(t, testPolicy, drawingAt(0.65))
	c := submitDrawing(t, s, "alice")

	if err := s.Reap(t.Context()); err != nil {
		t.Fatal(err)
	}

	if result, _ := s.Status(t.Context(), "alice", c.ID); result.Status != ResultPendingReview {
		t.Fatalf("fresh review item should survive reaping: %+v", result)
	}

	s.clock.Advance(time.Hour + time.Minute)

	if err := s.Reap(t.Context()); err != nil {
		t.Fatal(err)
	}

	result, err := s.Status(t.Context(), "alice", c.ID)
	if err != nil {
		t.Fatal(err)
	}

	if result.Status != ResultFailed || result.Message != "review timed out" {
		t.Errorf("stale review should fail the challenge: %+v", result)
	}
}

func TestAuthorize(t *testing.T) {
	s := spawnVerifier(t, testPolicy, Options{})
	c, err := s.Issue(t.Context(), nil, "alice", challenge.KindTypeBackwards, "post")
	if err != nil {
		t.Fatal(err)
	}

	result, err := s.Submit(t.Context(), nil, "alice", c.ID, typed(t, "tnahpele"))
	if err != nil {
		t.Fatal(err)
	}

	var ran int
	action := func(_ context.Context) error {
		ran++
		return nil
	}

	if err := s.Authorize(t.Context(), result.Token, "bob", "post", action); !errors.Is(err, token.ErrTokenSubjectMismatch) {
		t.Errorf("wrong subject: want ErrTokenSubjectMismatch, got %v", err)
	}

	if err := s.Authorize(t.Context(), result.Token, "alice", "signup", action); !errors.Is(err, token.ErrTokenActionMismatch) {
		t.Errorf("wrong action: want ErrTokenActionMismatch, got %v", err)
	}

	if err := s.Authorize(t.Context(), result.Token, "alice", "post", action); err != nil {
		t.Fatal(err)
	}

	if err := s.Authorize(t.Context(), result.Token, "alice", "post", action); !errors.Is(err, token.ErrTokenAlreadyConsumed) {
		t.Errorf("reuse: want ErrTokenAlreadyConsumed, got %v", err)
	}

	if ran != 1 {
		t.Errorf("guarded action should run once, ran %d times", ran)
	}
}
