package challenge

import (
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/antimoltbook/verifier/lib/policy/config"
)

var (
	registry map[Kind]Impl = map[Kind]Impl{}
	regLock  sync.RWMutex
)

// Register makes a kind available to the issuer. Kind packages call it from
// init.
func Register(kind Kind, impl Impl) {
	regLock.Lock()
	defer regLock.Unlock()

	registry[kind] = impl
}

func Get(kind Kind) (Impl, bool) {
	regLock.RLock()
	defer regLock.RUnlock()
	result, ok := registry[kind]
	return result, ok
}

// Methods lists the registered kinds in sorted order.
func Methods() []Kind {
	regLock.RLock()
	defer regLock.RUnlock()
	result := make([]Kind, 0, len(registry))
	for kind := range registry {
		result = append(result, kind)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

type GenerateInput struct {
	Rand     *rand.Rand
	Settings config.KindSettings
}

type ScoreInput struct {
	Challenge *Challenge
	Response  json.RawMessage
	Settings  config.KindSettings
}

// Impl is one challenge kind.
type Impl interface {
	// Generate picks a prompt and the answer material used to score it. All
	// randomness comes from in.Rand so tests can seed it.
	Generate(in *GenerateInput) (prompt, answer json.RawMessage, err error)

	// Score judges a response. It must not have side effects: a malformed
	// response returns an error wrapping ErrMissingField or ErrInvalidFormat
	// and leaves the challenge untouched.
	Score(lg *slog.Logger, in *ScoreInput) (Verdict, error)

	// Valid checks the kind's settings from the policy file.
	Valid(settings config.KindSettings) error
}
