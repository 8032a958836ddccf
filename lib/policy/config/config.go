package config

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/antimoltbook/verifier"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/yaml"
	sigsyaml "sigs.k8s.io/yaml"
)

var (
	ErrMaxOutstandingTooLow = errors.New("config: max_outstanding must be at least 1")
	ErrReaperIntervalTooLow = errors.New("config: reaper_interval must be positive")
	ErrDuplicateRuleName    = errors.New("config: rule names must be unique")
)

// DefaultReaperInterval is how often expired review items are swept.
const DefaultReaperInterval = 5 * time.Minute

type fileConfig struct {
	Kinds           map[string]KindSettings `json:"kinds"`
	Rules           []Rule                  `json:"rules"`
	MaxOutstanding  int                     `json:"max_outstanding"`
	Review          Review                  `json:"review"`
	Token           Token                   `json:"token"`
	Store           Store                   `json:"store"`
	ReaperInterval  metav1.Duration         `json:"reaper_interval"`
	ProtectedRoutes []ProtectedRoute        `json:"protected_routes"`
}

func defaultFileConfig() *fileConfig {
	return &fileConfig{
		MaxOutstanding: verifier.DefaultMaxOutstanding,
		Review: Review{
			Backend:    "memory",
			Quorum:     1,
			PendingTTL: metav1.Duration{Duration: verifier.DefaultReviewTTL},
		},
		Token: Token{
			Expiration:      metav1.Duration{Duration: verifier.DefaultTokenExpiration},
			OnActionFailure: FailureRestore,
		},
		Store: Store{
			Backend: "memory",
		},
		ReaperInterval: metav1.Duration{Duration: DefaultReaperInterval},
	}
}

func (c *fileConfig) Valid() error {
	var errs []error

	for name, ks := range c.Kinds {
		if err := ks.Valid(); err != nil {
			errs = append(errs, fmt.Errorf("kind %s: %w", name, err))
		}
	}

	seen := map[string]struct{}{}
	for i, r := range c.Rules {
		if err := r.Valid(); err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
		}

		if _, ok := seen[r.Name]; ok && r.Name != "" {
			errs = append(errs, fmt.Errorf("%w: %q", ErrDuplicateRuleName, r.Name))
		}
		seen[r.Name] = struct{}{}
	}

	if c.MaxOutstanding < 1 {
		errs = append(errs, fmt.Errorf("%w, got: %d", ErrMaxOutstandingTooLow, c.MaxOutstanding))
	}

	if err := c.Review.Valid(); err != nil {
		errs = append(errs, err)
	}

	if err := c.Token.Valid(); err != nil {
		errs = append(errs, err)
	}

	if err := c.Store.Valid(); err != nil {
		errs = append(errs, err)
	}

	if c.ReaperInterval.Duration <= 0 {
		errs = append(errs, fmt.Errorf("%w, got: %s", ErrReaperIntervalTooLow, c.ReaperInterval.Duration))
	}

	for i, pr := range c.ProtectedRoutes {
		if err := pr.Valid(); err != nil {
			errs = append(errs, fmt.Errorf("protected route %d: %w", i, err))
		}
	}

	if len(errs) != 0 {
		return fmt.Errorf("config is not valid:\n%w", errors.Join(errs...))
	}

	return nil
}

// Load decodes a YAML (or JSON) policy file, fills in defaults for anything
// left out and validates the result.
func Load(fin io.Reader, fname string) (*Config, error) {
	c := defaultFileConfig()

	if err := yaml.NewYAMLToJSONDecoder(fin).Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("can't parse policy config YAML %s: %w", fname, err)
	}

	if err := c.Valid(); err != nil {
		return nil, fmt.Errorf("errors validating policy config %s: %w", fname, err)
	}

	return &Config{
		Kinds:           c.Kinds,
		Rules:           c.Rules,
		MaxOutstanding:  c.MaxOutstanding,
		Review:          c.Review,
		Token:           c.Token,
		Store:           c.Store,
		ReaperInterval:  c.ReaperInterval.Duration,
		ProtectedRoutes: c.ProtectedRoutes,
	}, nil
}

// Config is a loaded and validated policy file.
type Config struct {
	Kinds           map[string]KindSettings `json:"kinds,omitempty"`
	Rules           []Rule                  `json:"rules,omitempty"`
	MaxOutstanding  int                     `json:"max_outstanding"`
	Review          Review                  `json:"review"`
	Token           Token                   `json:"token"`
	Store           Store                   `json:"store"`
	ReaperInterval  time.Duration           `json:"-"`
	ProtectedRoutes []ProtectedRoute        `json:"protected_routes,omitempty"`
}

// Settings returns the settings for a kind, or the zero value if the file
// does not mention it.
func (c *Config) Settings(kind string) KindSettings {
	if c == nil || c.Kinds == nil {
		return KindSettings{}
	}

	return c.Kinds[kind]
}

// YAML renders the effective configuration, defaults included.
func (c *Config) YAML() ([]byte, error) {
	type dump struct {
		Config         `json:",inline"`
		ReaperInterval metav1.Duration `json:"reaper_interval"`
	}

	return sigsyaml.Marshal(dump{
		Config:         *c,
		ReaperInterval: metav1.Duration{Duration: c.ReaperInterval},
	})
}
