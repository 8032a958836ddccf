package speedtype

import (
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"testing"

	chall "github.com/antimoltbook/verifier/lib/challenge"
	"github.com/antimoltbook/verifier/lib/challenge/challengetest"
	"github.com/antimoltbook/verifier/lib/policy/config"
)

func TestGenerateDefaults(t *testing.T) {
	c := challengetest.Generate(t, chall.KindSpeedType, Impl{}, &chall.GenerateInput{})

	var prompt Prompt
	if err := json.Unmarshal(c.Prompt, &prompt); err != nil {
		t.Fatal(err)
	}

	if !slices.Contains(DefaultPhrases, prompt.Phrase) {
		t.Errorf("phrase %q is not a default phrase", prompt.Phrase)
	}

	if prompt.TimeLimitMS != DefaultTimeLimitMS {
		t.Errorf("time limit: want %d, got %d", DefaultTimeLimitMS, prompt.TimeLimitMS)
	}

	var answer Answer
	if err := json.Unmarshal(c.Answer, &answer); err != nil {
		t.Fatal(err)
	}

	if answer.MaxEditDistance != DefaultMaxEditDistance {
		t.Errorf("max edit distance: want %d, got %d", DefaultMaxEditDistance, answer.MaxEditDistance)
	}
}

func TestScore(t *testing.T) {
	zero := 0
	settings := config.KindSettings{
		Phrases:     []string{"code is poetry"},
		TimeLimitMS: 5000,
	}

	for _, tt := range []struct {
		name     string
		settings *config.KindSettings
		response string
		outcome  chall.Outcome
		err      error
	}{
		{
			name:     "exact and fast",
			response: `{"text":"code is poetry","duration_ms":3200}`,
			outcome:  chall.OutcomePass,
		},
		{
			name:     "exactly at the limit",
			response: `{"text":"code is poetry","duration_ms":5000}`,
			outcome:  chall.OutcomePass,
		},
		{
			name:     "exact but slow",
			response: `{"text":"code is poetry","duration_ms":9000}`,
			outcome:  chall.OutcomeUncertain,
		},
		{
			name:     "one typo",
			response: `{"text":"code is peotry","duration_ms":3000}`,
			outcome:  chall.OutcomeFail,
		},
		{
			name:     "one missing letter",
			response: `{"text":"code is poety","duration_ms":3000}`,
			outcome:  chall.OutcomeUncertain,
		},
		{
			name:     "near miss with zero tolerance",
			settings: &config.KindSettings{Phrases: []string{"code is poetry"}, TimeLimitMS: 5000, MaxEditDistance: &zero},
			response: `{"text":"code is poety","duration_ms":3000}`,
			outcome:  chall.OutcomeFail,
		},
		{
			name:     "wrong phrase",
			response: `{"text":"hello world today","duration_ms":1000}`,
			outcome:  chall.OutcomeFail,
		},
		{
			name:     "missing duration",
			response: `{"text":"code is poetry"}`,
			err:      chall.ErrMissingField,
		},
		{
			name:     "negative duration",
			response: `{"text":"code is poetry","duration_ms":-1}`,
			err:      chall.ErrInvalidFormat,
		},
		{
			name:     "missing text",
			response: `{"duration_ms":1200}`,
			err:      chall.ErrMissingField,
		},
		{
			name:     "duration is a string",
			response: `{"text":"code is poetry","duration_ms":"fast"}`,
			err:      chall.ErrInvalidFormat,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			s := settings
			if tt.settings != nil {
				s = *tt.settings
			}

			c := challengetest.Generate(t, chall.KindSpeedType, Impl{}, &chall.GenerateInput{Settings: s})

			verdict, err := Impl{}.Score(slog.Default(), &chall.ScoreInput{
				Challenge: c,
				Response:  json.RawMessage(tt.response),
			})

			if !errors.Is(err, tt.err) {
				t.Fatalf("want error %v, got %v", tt.err, err)
			}

			if tt.err != nil {
				return
			}

			if verdict.Outcome != tt.outcome {
				t.Errorf("want outcome %q, got %q (%s)", tt.outcome, verdict.Outcome, verdict.Reason)
			}
		})
	}
}

func TestValid(t *testing.T) {
	if err := (Impl{}).Valid(config.KindSettings{Phrases: []string{""}}); !errors.Is(err, ErrEmptyPhrase) {
		t.Errorf("want ErrEmptyPhrase, got %v", err)
	}
}
