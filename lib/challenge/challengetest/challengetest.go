// Package challengetest has helpers for testing challenge kinds.
package challengetest

import (
	"encoding/json"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/antimoltbook/verifier"
	"github.com/antimoltbook/verifier/lib/challenge"
	"github.com/google/uuid"
)

// Rand returns a deterministic random source so generated prompts are stable
// across runs.
func Rand(t *testing.T) *rand.Rand {
	t.Helper()
	return rand.New(rand.NewPCG(0x5eed, uint64(len(t.Name()))))
}

// New builds an issued challenge record of kind with the given prompt and
// answer material.
func New(t *testing.T, kind challenge.Kind, prompt, answer json.RawMessage) *challenge.Challenge {
	t.Helper()

	now := time.Now()

	return &challenge.Challenge{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Kind:        kind,
		RequesterID: "requester-" + t.Name(),
		Prompt:      prompt,
		Answer:      answer,
		IssuedAt:    now,
		ExpiresAt:   now.Add(verifier.ChallengeLifetime),
		Status:      challenge.StatusIssued,
	}
}

// Generate runs impl's generator and wraps the result in a challenge record.
func Generate(t *testing.T, kind challenge.Kind, impl challenge.Impl, in *challenge.GenerateInput) *challenge.Challenge {
	t.Helper()

	if in.Rand == nil {
		in.Rand = Rand(t)
	}

	prompt, answer, err := impl.Generate(in)
	if err != nil {
		t.Fatalf("can't generate %s challenge: %v", kind, err)
	}

	return New(t, kind, prompt, answer)
}

// MustJSON marshals v or fails the test.
func MustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}

	return data
}
