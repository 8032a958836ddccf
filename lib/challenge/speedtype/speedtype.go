// Package speedtype implements the speed_type challenge: type a phrase
// exactly, within a time limit.
package speedtype

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/agnivade/levenshtein"
	chall "github.com/antimoltbook/verifier/lib/challenge"
	"github.com/antimoltbook/verifier/lib/policy/config"
)

var (
	DefaultPhrases = []string{"the quick brown fox", "hello world today", "code is poetry"}

	ErrEmptyPhrase = errors.New("speedtype: phrase list contains an empty phrase")
)

const (
	DefaultTimeLimitMS     = 5000
	DefaultMaxEditDistance = 1
)

func init() {
	chall.Register(chall.KindSpeedType, &Impl{})
}

type Prompt struct {
	Phrase      string `json:"phrase"`
	TimeLimitMS int    `json:"time_limit_ms"`
}

type Answer struct {
	Phrase          string `json:"phrase"`
	TimeLimitMS     int    `json:"time_limit_ms"`
	MaxEditDistance int    `json:"max_edit_distance"`
}

type Response struct {
	Text       *string  `json:"text"`
	DurationMS *float64 `json:"duration_ms"`
}

type Impl struct{}

func (Impl) Generate(in *chall.GenerateInput) (json.RawMessage, json.RawMessage, error) {
	phrases := in.Settings.Phrases
	if len(phrases) == 0 {
		phrases = DefaultPhrases
	}

	limit := in.Settings.TimeLimitMS
	if limit == 0 {
		limit = DefaultTimeLimitMS
	}

	maxDist := DefaultMaxEditDistance
	if in.Settings.MaxEditDistance != nil {
		maxDist = *in.Settings.MaxEditDistance
	}

	phrase := phrases[in.Rand.IntN(len(phrases))]

	prompt, err := json.Marshal(Prompt{Phrase: phrase, TimeLimitMS: limit})
	if err != nil {
		return nil, nil, err
	}

	answer, err := json.Marshal(Answer{Phrase: phrase, TimeLimitMS: limit, MaxEditDistance: maxDist})
	if err != nil {
		return nil, nil, err
	}

	return prompt, answer, nil
}

func (Impl) Score(lg *slog.Logger, in *chall.ScoreInput) (chall.Verdict, error) {
	var resp Response
	if err := json.Unmarshal(in.Response, &resp); err != nil {
		return chall.Verdict{}, chall.NewError("score", "invalid response", fmt.Errorf("%w: %w", chall.ErrInvalidFormat, err))
	}

	if resp.Text == nil {
		return chall.Verdict{}, chall.NewError("score", "invalid response", fmt.Errorf("%w text", chall.ErrMissingField))
	}

	if resp.DurationMS == nil {
		return chall.Verdict{}, chall.NewError("score", "invalid response", fmt.Errorf("%w duration_ms", chall.ErrMissingField))
	}

	duration := *resp.DurationMS
	if duration < 0 {
		return chall.Verdict{}, chall.NewError("score", "invalid response", fmt.Errorf("%w: duration_ms is negative: %v", chall.ErrInvalidFormat, duration))
	}

	var answer Answer
	if err := json.Unmarshal(in.Challenge.Answer, &answer); err != nil {
		return chall.Verdict{}, fmt.Errorf("speedtype: can't decode stored answer for %s: %w", in.Challenge.ID, err)
	}

	chall.TimeTaken.WithLabelValues(string(chall.KindSpeedType)).Observe(duration)

	exact := subtle.ConstantTimeCompare([]byte(*resp.Text), []byte(answer.Phrase)) == 1
	fast := duration <= float64(answer.TimeLimitMS)

	switch {
	case exact && fast:
		return chall.Verdict{Outcome: chall.OutcomePass, Score: 1}, nil
	case exact:
		lg.Debug("exact phrase but over the time limit", "duration_ms", duration, "limit_ms", answer.TimeLimitMS)
		return chall.Verdict{
			Outcome: chall.OutcomeUncertain,
			Reason:  fmt.Sprintf("typed correctly in %.0f ms, limit is %d ms", duration, answer.TimeLimitMS),
			Score:   0.5,
		}, nil
	}

	dist := levenshtein.ComputeDistance(*resp.Text, answer.Phrase)
	if dist <= answer.MaxEditDistance {
		return chall.Verdict{
			Outcome: chall.OutcomeUncertain,
			Reason:  fmt.Sprintf("near miss, edit distance %d", dist),
			Score:   0.5,
		}, nil
	}

	return chall.Verdict{
		Outcome: chall.OutcomeFail,
		Reason:  fmt.Sprintf("phrase does not match, edit distance %d", dist),
	}, nil
}

func (Impl) Valid(settings config.KindSettings) error {
	if slices.Contains(settings.Phrases, "") {
		return ErrEmptyPhrase
	}

	return nil
}
