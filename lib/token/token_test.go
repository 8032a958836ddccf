package token

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antimoltbook/verifier/lib/policy/config"
	"github.com/antimoltbook/verifier/lib/store/memory"
	"github.com/golang-jwt/jwt/v5"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newIssuer(t *testing.T, opts Options) (*Issuer, *clock) {
	t.Helper()

	clk := &clock{now: time.Now()}

	opts.Store = memory.New(t.Context())
	opts.Clock = clk.Now

	i, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}

	return i, clk
}

func TestMintAndParse(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		name string
		opts Options
		alg  string
	}{
		{
			name: "generated ed25519",
			alg:  "EdDSA",
		},
		{
			name: "ed25519",
			opts: Options{ED25519PrivateKey: priv},
			alg:  "EdDSA",
		},
		{
			name: "hs512",
			opts: Options{HS512Secret: []byte("hunter2hunter2hunter2hunter2")},
			alg:  "HS512",
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			i, _ := newIssuer(t, tt.opts)

			tokenString, claims, err := i.Mint("alice", "post", "chl-1")
			if err != nil {
				t.Fatal(err)
			}

			parsed, _, err := jwt.NewParser().ParseUnverified(tokenString, &Claims{})
			if err != nil {
				t.Fatal(err)
			}

			if parsed.Method.Alg() != tt.alg {
				t.Errorf("alg: want %s, got %s", tt.alg, parsed.Method.Alg())
			}

			got, err := i.Parse(tokenString)
			if err != nil {
				t.Fatal(err)
			}

			if got.Subject != "alice" || got.Action != "post" || got.ChallengeID != "chl-1" || got.Type != Type {
				t.Errorf("wrong claims: %+v", got)
			}

			if got.ID != claims.ID || got.ID == "" {
				t.Errorf("jti: want %q, got %q", claims.ID, got.ID)
			}

			if d := got.ExpiresAt.Sub(got.IssuedAt.Time); d != 5*time.Minute {
				t.Errorf("default lifetime: want 5m, got %s", d)
			}
		})
	}
}

func TestParseRejects(t *testing.T) {
	i, clk := newIssuer(t, Options{Expiration: time.Minute})
	other, _ := newIssuer(t, Options{})
	hs, _ := newIssuer(t, Options{HS512Secret: []byte("some shared secret")})

	good, _, err := i.Mint("alice", "", "chl")
	if err != nil {
		t.Fatal(err)
	}

	forged, _, err := other.Mint("alice", "", "chl")
	if err != nil {
		t.Fatal(err)
	}

	wrongAlg, _, err := hs.Mint("alice", "", "chl")
	if err != nil {
		t.Fatal(err)
	}

	notCaptcha, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "x",
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(clk.Now().Add(time.Minute)),
		},
		Type: "session",
	}).SignedString(i.priv)
	if err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		name, token string
		err         error
	}{
		{name: "garbage", token: "not-a-jwt", err: ErrInvalidToken},
		{name: "other key", token: forged, err: ErrInvalidToken},
		{name: "other algorithm", token: wrongAlg, err: ErrInvalidToken},
		{name: "wrong type", token: notCaptcha, err: ErrInvalidToken},
		{name: "tampered", token: good[:len(good)-4] + "AAAA", err: ErrInvalidToken},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := i.Parse(tt.token); !errors.Is(err, tt.err) {
				t.Errorf("want %v, got: %v", tt.err, err)
			}
		})
	}

	t.Run("expired", func(t *testing.T) {
		clk.Advance(2 * time.Minute)
		if _, err := i.Parse(good); !errors.Is(err, ErrTokenExpired) {
			t.Errorf("want ErrTokenExpired, got: %v", err)
		}
	})
}

func TestConsume(t *testing.T) {
	ok := func(context.Context) error { return nil }

	t.Run("once", func(t *testing.T) {
		i, _ := newIssuer(t, Options{})
		tok, _, err := i.Mint("alice", "post", "chl")
		if err != nil {
			t.Fatal(err)
		}

		if err := i.Consume(t.Context(), tok, "alice", "post", ok); err != nil {
			t.Fatal(err)
		}

		if err := i.Consume(t.Context(), tok, "alice", "post", ok); !errors.Is(err, ErrTokenAlreadyConsumed) {
			t.Errorf("second use: want ErrTokenAlreadyConsumed, got: %v", err)
		}
	})

	t.Run("mismatches do not spend the token", func(t *testing.T) {
		i, _ := newIssuer(t, Options{})
		tok, _, err := i.Mint("alice", "post", "chl")
		if err != nil {
			t.Fatal(err)
		}

		if err := i.Consume(t.Context(), tok, "mallory", "post", ok); !errors.Is(err, ErrTokenSubjectMismatch) {
			t.Errorf("want ErrTokenSubjectMismatch, got: %v", err)
		}

		if err := i.Consume(t.Context(), tok, "alice", "repost", ok); !errors.Is(err, ErrTokenActionMismatch) {
			t.Errorf("want ErrTokenActionMismatch, got: %v", err)
		}

		if err := i.Consume(t.Context(), tok, "alice", "post", ok); err != nil {
			t.Errorf("token should still be usable: %v", err)
		}
	})

	t.Run("unbound action", func(t *testing.T) {
		i, _ := newIssuer(t, Options{})
		tok, _, err := i.Mint("alice", "", "chl")
		if err != nil {
			t.Fatal(err)
		}

		if err := i.Consume(t.Context(), tok, "alice", "reply", ok); err != nil {
			t.Errorf("token without an action should authorize any one action: %v", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		i, clk := newIssuer(t, Options{Expiration: time.Minute})
		tok, _, err := i.Mint("alice", "", "chl")
		if err != nil {
			t.Fatal(err)
		}

		clk.Advance(time.Minute + time.Second)

		var ran bool
		err = i.Consume(t.Context(), tok, "alice", "post", func(context.Context) error {
			ran = true
			return nil
		})
		if !errors.Is(err, ErrTokenExpired) {
			t.Errorf("want ErrTokenExpired, got: %v", err)
		}
		if ran {
			t.Error("guarded action ran with an expired token")
		}
	})

	for _, tt := range []struct {
		name       string
		policy     config.FailurePolicy
		reusable   bool
		secondWant error
	}{
		{name: "failed action restores", policy: config.FailureRestore, reusable: true},
		{name: "failed action burns", policy: config.FailureBurn, secondWant: ErrTokenAlreadyConsumed},
	} {
		t.Run(tt.name, func(t *testing.T) {
			i, _ := newIssuer(t, Options{OnActionFailure: tt.policy})
			tok, _, err := i.Mint("alice", "post", "chl")
			if err != nil {
				t.Fatal(err)
			}

			boom := errors.New("upstream said no")
			err = i.Consume(t.Context(), tok, "alice", "post", func(context.Context) error { return boom })
			if !errors.Is(err, ErrActionFailed) || !errors.Is(err, boom) {
				t.Fatalf("want ErrActionFailed wrapping the action error, got: %v", err)
			}

			err = i.Consume(t.Context(), tok, "alice", "post", ok)
			if tt.reusable && err != nil {
				t.Errorf("restored token should be reusable: %v", err)
			}
			if !errors.Is(err, tt.secondWant) {
				t.Errorf("want %v, got: %v", tt.secondWant, err)
			}
		})
	}

	t.Run("concurrent consumers", func(t *testing.T) {
		i, _ := newIssuer(t, Options{})
		tok, _, err := i.Mint("alice", "post", "chl")
		if err != nil {
			t.Fatal(err)
		}

		const workers = 16
		var (
			wg   sync.WaitGroup
			runs atomic.Int32
			errs = make(chan error, workers)
		)

		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := i.Consume(t.Context(), tok, "alice", "post", func(context.Context) error {
					runs.Add(1)
					return nil
				})
				if err != nil && !errors.Is(err, ErrTokenAlreadyConsumed) {
					errs <- err
				}
			}()
		}

		wg.Wait()
		close(errs)

		if err, ok := <-errs; ok {
			t.Fatal(err)
		}

		if n := runs.Load(); n != 1 {
			t.Errorf("guarded action ran %d times", n)
		}
	})
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, ErrNoStore) {
		t.Errorf("want ErrNoStore, got: %v", err)
	}
}

func TestClaimsShape(t *testing.T) {
	i, _ := newIssuer(t, Options{})
	tok, _, err := i.Mint("alice", "signup", "chl-9")
	if err != nil {
		t.Fatal(err)
	}

	if n := strings.Count(tok, "."); n != 2 {
		t.Fatalf("not a compact JWT: %q", tok)
	}

	raw := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, raw); err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{"jti", "sub", "iat", "nbf", "exp", "typ", "chl", "act"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("claim %q missing", key)
		}
	}
}
