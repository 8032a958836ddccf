package lib

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/antimoltbook/verifier"
	"github.com/antimoltbook/verifier/data"
	"github.com/antimoltbook/verifier/lib/challenge"
	"github.com/antimoltbook/verifier/lib/identity"
	"github.com/antimoltbook/verifier/lib/policy"
	"github.com/antimoltbook/verifier/lib/review"
	"github.com/antimoltbook/verifier/lib/store"
	"github.com/antimoltbook/verifier/lib/token"
)

var ErrNoIdentity = errors.New("lib: no identity provider configured")

type Options struct {
	// Next receives requests that are not verification API calls, usually
	// the reverse proxy to the social app.
	Next     http.Handler
	Policy   *policy.ParsedConfig
	Identity identity.Provider

	// Store and Review default to the backends named in the policy file.
	Store  store.Interface
	Review review.Repository

	ED25519PrivateKey ed25519.PrivateKey
	HS512Secret       []byte

	BasePrefix string

	// Clock and Rand are injectable for tests.
	Clock func() time.Time
	Rand  *rand.Rand

	// Kinds replaces registered kind implementations, keyed by kind.
	Kinds map[challenge.Kind]challenge.Impl
}

// LoadPoliciesOrDefault reads the policy file fname, or the embedded default
// when fname is empty.
func LoadPoliciesOrDefault(ctx context.Context, fname string) (*policy.ParsedConfig, error) {
	var fin io.ReadCloser
	var err error

	if fname != "" {
		fin, err = os.Open(fname)
		if err != nil {
			return nil, fmt.Errorf("can't parse policy file %s: %w", fname, err)
		}
	} else {
		fname = "(data)/verifier.yaml"
		fin, err = data.Policies.Open("verifier.yaml")
		if err != nil {
			return nil, fmt.Errorf("[unexpected] can't parse builtin policy file %s: %w", fname, err)
		}
	}

	defer func(fin io.ReadCloser) {
		err := fin.Close()
		if err != nil {
			slog.Error("failed to close policy file", "file", fname, "err", err)
		}
	}(fin)

	verifierPolicy, err := policy.ParseConfig(ctx, fin, fname)
	if err != nil {
		return nil, fmt.Errorf("can't parse policy file %s: %w", fname, err)
	}

	return verifierPolicy, nil
}

// BuildBackends constructs the store and review repository the policy file
// names. The backends live until ctx is cancelled.
func BuildBackends(ctx context.Context, pc *policy.ParsedConfig) (store.Interface, review.Repository, error) {
	sf, ok := store.Get(pc.Store.Backend)
	if !ok {
		return nil, nil, fmt.Errorf("lib: unknown store backend %q", pc.Store.Backend)
	}

	st, err := sf.Build(ctx, pc.Store.Parameters)
	if err != nil {
		return nil, nil, fmt.Errorf("lib: can't build %s store: %w", pc.Store.Backend, err)
	}

	rf, ok := review.Get(pc.Review.Backend)
	if !ok {
		return nil, nil, fmt.Errorf("lib: unknown review backend %q", pc.Review.Backend)
	}

	repo, err := rf.Build(ctx, pc.Review.Parameters)
	if err != nil {
		return nil, nil, fmt.Errorf("lib: can't build %s review queue: %w", pc.Review.Backend, err)
	}

	return st, repo, nil
}

func New(opts Options) (*Server, error) {
	if opts.Policy == nil {
		var err error
		opts.Policy, err = LoadPoliciesOrDefault(context.Background(), "")
		if err != nil {
			return nil, err
		}
	}

	if opts.Identity == nil {
		return nil, ErrNoIdentity
	}

	if opts.Store == nil || opts.Review == nil {
		st, repo, err := BuildBackends(context.Background(), opts.Policy)
		if err != nil {
			return nil, err
		}

		if opts.Store == nil {
			opts.Store = st
		}
		if opts.Review == nil {
			opts.Review = repo
		}
	}

	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	if opts.BasePrefix != "" {
		verifier.BasePrefix = opts.BasePrefix
	}

	tokens, err := token.New(token.Options{
		ED25519PrivateKey: opts.ED25519PrivateKey,
		HS512Secret:       opts.HS512Secret,
		Expiration:        opts.Policy.Token.Expiration.Duration,
		OnActionFailure:   opts.Policy.Token.OnActionFailure,
		Store:             opts.Store,
		Clock:             opts.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("lib: can't set up token issuer: %w", err)
	}

	kinds := map[challenge.Kind]challenge.Impl{}
	for _, kind := range challenge.Methods() {
		impl, _ := challenge.Get(kind)
		kinds[kind] = impl
	}
	for kind, impl := range opts.Kinds {
		kinds[kind] = impl
	}

	result := &Server{
		next:       opts.Next,
		policy:     opts.Policy,
		identity:   opts.Identity,
		store:      opts.Store,
		challenges: &store.JSON[challenge.Challenge]{Underlying: opts.Store, Prefix: "challenge:"},
		outstanding: &store.JSON[[]string]{
			Underlying: opts.Store,
			Prefix:     "outstanding:",
		},
		submissions: &store.JSON[challenge.Submission]{Underlying: opts.Store, Prefix: "submission:"},
		review:      opts.Review,
		tokens:      tokens,
		kinds:       kinds,
		now:         opts.Clock,
		rng:         opts.Rand,
		stripes:     make([]sync.Mutex, outstandingStripes),
		opts:        opts,
	}

	mux := http.NewServeMux()

	// Helper to add global prefix
	registerWithPrefix := func(pattern string, handler http.Handler, method string) {
		if method != "" {
			method = method + " " // methods must end with a space to register with them
		}

		// Ensure there's no double slash when concatenating BasePrefix and pattern
		basePrefix := strings.TrimSuffix(verifier.BasePrefix, "/")
		prefix := method + basePrefix

		// If pattern doesn't start with a slash, add one
		if !strings.HasPrefix(pattern, "/") {
			pattern = "/" + pattern
		}

		mux.Handle(prefix+pattern, handler)
	}

	registerWithPrefix(verifier.APIPrefix+"challenge", http.HandlerFunc(result.handleIssue), "POST")
	registerWithPrefix(verifier.APIPrefix+"challenge/{id}", http.HandlerFunc(result.handleStatus), "GET")
	registerWithPrefix(verifier.APIPrefix+"submit", http.HandlerFunc(result.handleSubmit), "POST")
	registerWithPrefix(verifier.APIPrefix+"review-queue", result.gzip(http.HandlerFunc(result.handleReviewQueue)), "GET")
	registerWithPrefix(verifier.APIPrefix+"review-decision", http.HandlerFunc(result.handleDecide), "POST")

	for _, pr := range opts.Policy.ProtectedRoutes {
		registerWithPrefix(pr.Path, result.Guard(pr.Action, http.HandlerFunc(result.ServeHTTPNext)), pr.Method)
	}

	registerWithPrefix("/", http.HandlerFunc(result.ServeHTTPNext), "")

	result.mux = identity.Middleware(opts.Identity, mux)

	return result, nil
}
