// Package token mints and consumes single-use capability tokens. A token is a
// signed JWT naming the verified requester; consuming it claims its jti in the
// store so it can authorize exactly one guarded action.
package token

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/antimoltbook/verifier"
	"github.com/antimoltbook/verifier/lib/policy/config"
	"github.com/antimoltbook/verifier/lib/store"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ErrInvalidToken         = errors.New("token: invalid capability token")
	ErrTokenExpired         = errors.New("token: capability token expired")
	ErrTokenSubjectMismatch = errors.New("token: capability token was issued to someone else")
	ErrTokenActionMismatch  = errors.New("token: capability token was issued for a different action")
	ErrTokenAlreadyConsumed = errors.New("token: capability token already used")
	ErrActionFailed         = errors.New("token: guarded action failed")
	ErrNoStore              = errors.New("token: no store configured")
)

// Type is the typ claim every capability token carries.
const Type = "captcha"

var (
	tokensMinted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "verifier_tokens_minted",
		Help: "The total number of capability tokens minted",
	})

	tokensConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verifier_tokens_consumed",
		Help: "The total number of capability token consumption attempts by result",
	}, []string{"result"})
)

// Claims are the JWT claims of a capability token.
type Claims struct {
	jwt.RegisteredClaims
	Type        string `json:"typ"`
	ChallengeID string `json:"chl"`
	Action      string `json:"act,omitempty"`
}

type Options struct {
	// Exactly one of these signs tokens. With neither set a fresh Ed25519
	// key is generated, so tokens do not survive a restart.
	ED25519PrivateKey ed25519.PrivateKey
	HS512Secret       []byte

	Expiration      time.Duration
	OnActionFailure config.FailurePolicy
	Store           store.Interface
	Clock           func() time.Time
}

// Issuer signs and consumes capability tokens.
type Issuer struct {
	priv       ed25519.PrivateKey
	pub        ed25519.PublicKey
	hs512      []byte
	expiration time.Duration
	onFailure  config.FailurePolicy
	store      store.Interface
	now        func() time.Time
}

func New(opts Options) (*Issuer, error) {
	if opts.Store == nil {
		return nil, ErrNoStore
	}

	if opts.ED25519PrivateKey == nil && opts.HS512Secret == nil {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("token: can't generate private key: %w", err)
		}
		opts.ED25519PrivateKey = priv
	}

	result := &Issuer{
		hs512:      opts.HS512Secret,
		expiration: opts.Expiration,
		onFailure:  opts.OnActionFailure,
		store:      opts.Store,
		now:        opts.Clock,
	}

	if result.expiration <= 0 {
		result.expiration = verifier.DefaultTokenExpiration
	}

	if result.onFailure == "" {
		result.onFailure = config.FailureRestore
	}

	if result.now == nil {
		result.now = time.Now
	}

	if opts.ED25519PrivateKey != nil {
		result.priv = opts.ED25519PrivateKey
		result.pub = opts.ED25519PrivateKey.Public().(ed25519.PublicKey)
	}

	return result, nil
}

func (i *Issuer) sign(claims *Claims) (string, error) {
	switch {
	case i.priv != nil:
		return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(i.priv)
	case i.hs512 != nil:
		return jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(i.hs512)
	default:
		return "", errors.New("token: no signing key")
	}
}

func (i *Issuer) key(t *jwt.Token) (any, error) {
	if i.priv != nil {
		return i.pub, nil
	}
	return i.hs512, nil
}

func (i *Issuer) method() string {
	if i.priv != nil {
		return jwt.SigningMethodEdDSA.Alg()
	}
	return jwt.SigningMethodHS512.Alg()
}

// Mint signs a token for subject. An empty action lets the token authorize
// any one action.
func (i *Issuer) Mint(subject, action, challengeID string) (string, *Claims, error) {
	now := i.now()

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.Must(uuid.NewV7()).String(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.expiration)),
		},
		Type:        Type,
		ChallengeID: challengeID,
		Action:      action,
	}

	tokenString, err := i.sign(claims)
	if err != nil {
		return "", nil, fmt.Errorf("token: can't sign: %w", err)
	}

	tokensMinted.Inc()
	return tokenString, claims, nil
}

// Parse checks the signature, lifetime and type of tokenString.
func (i *Issuer) Parse(tokenString string) (*Claims, error) {
	var claims Claims

	token, err := jwt.ParseWithClaims(tokenString, &claims, i.key,
		jwt.WithValidMethods([]string{i.method()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, fmt.Errorf("%w: %w", ErrTokenExpired, err)
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	case !token.Valid:
		return nil, ErrInvalidToken
	}

	if claims.Type != Type || claims.ID == "" || claims.Subject == "" {
		return nil, fmt.Errorf("%w: not a capability token", ErrInvalidToken)
	}

	return &claims, nil
}

func consumedKey(jti string) string {
	return "token:" + jti
}

// Consume spends tokenString on one action by subject and runs guarded while
// holding it. If guarded fails the token is released or kept spent according
// to the configured failure policy, and the error wraps ErrActionFailed.
func (i *Issuer) Consume(ctx context.Context, tokenString, subject, action string, guarded func(context.Context) error) error {
	claims, err := i.Parse(tokenString)
	if err != nil {
		tokensConsumed.WithLabelValues("invalid").Inc()
		return err
	}

	if claims.Subject != subject {
		tokensConsumed.WithLabelValues("subject_mismatch").Inc()
		return fmt.Errorf("%w: token is for %q", ErrTokenSubjectMismatch, claims.Subject)
	}

	if claims.Action != "" && claims.Action != action {
		tokensConsumed.WithLabelValues("action_mismatch").Inc()
		return fmt.Errorf("%w: token is for %q, not %q", ErrTokenActionMismatch, claims.Action, action)
	}

	// the marker only has to outlive the token itself
	ttl := max(claims.ExpiresAt.Sub(i.now()), time.Second)
	key := consumedKey(claims.ID)

	if err := i.store.Claim(ctx, key, []byte(subject), ttl); err != nil {
		if errors.Is(err, store.ErrExists) {
			tokensConsumed.WithLabelValues("already_consumed").Inc()
			return fmt.Errorf("%w: %s", ErrTokenAlreadyConsumed, claims.ID)
		}
		return fmt.Errorf("token: can't mark %s consumed: %w", claims.ID, err)
	}

	if guarded == nil {
		tokensConsumed.WithLabelValues("ok").Inc()
		return nil
	}

	if err := guarded(ctx); err != nil {
		tokensConsumed.WithLabelValues("action_failed").Inc()

		if i.onFailure == config.FailureRestore {
			// the request context may already be gone
			if derr := i.store.Delete(context.WithoutCancel(ctx), key); derr != nil && !errors.Is(derr, store.ErrNotFound) {
				return errors.Join(fmt.Errorf("%w: %w", ErrActionFailed, err), fmt.Errorf("token: can't restore %s: %w", claims.ID, derr))
			}
		}

		return fmt.Errorf("%w: %w", ErrActionFailed, err)
	}

	tokensConsumed.WithLabelValues("ok").Inc()
	return nil
}

// Expiration is how long minted tokens stay valid.
func (i *Issuer) Expiration() time.Duration {
	return i.expiration
}

// OnActionFailure reports the configured failure policy.
func (i *Issuer) OnActionFailure() config.FailurePolicy {
	return i.onFailure
}
