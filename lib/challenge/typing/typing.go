// Package typing implements the type_backwards and type_pattern challenges:
// the requester retypes a word after applying a simple transformation.
package typing

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"unicode"

	chall "github.com/antimoltbook/verifier/lib/challenge"
	"github.com/antimoltbook/verifier/lib/policy/config"
)

var (
	DefaultBackwardsWords = []string{"elephant", "butterfly", "dinosaur", "pineapple", "crocodile"}
	DefaultPatternWords   = []string{"hello", "world", "python", "coding", "music"}

	ErrEmptyWord = errors.New("typing: word list contains an empty word")
)

// PatternAlternatingCaps is the only pattern type_pattern asks for.
const PatternAlternatingCaps = "alternating_caps"

func init() {
	chall.Register(chall.KindTypeBackwards, &Impl{
		Kind:      chall.KindTypeBackwards,
		Words:     DefaultBackwardsWords,
		Transform: Reverse,
	})
	chall.Register(chall.KindTypePattern, &Impl{
		Kind:      chall.KindTypePattern,
		Words:     DefaultPatternWords,
		Pattern:   PatternAlternatingCaps,
		Transform: AlternatingCaps,
	})
}

// Reverse reverses s by code point.
func Reverse(s string) string {
	r := []rune(s)
	slices.Reverse(r)
	return string(r)
}

// AlternatingCaps lowercases even positions and uppercases odd ones, counting
// code points from zero.
func AlternatingCaps(s string) string {
	var sb strings.Builder
	for i, r := range []rune(s) {
		if i%2 == 0 {
			sb.WriteRune(unicode.ToLower(r))
		} else {
			sb.WriteRune(unicode.ToUpper(r))
		}
	}
	return sb.String()
}

type Prompt struct {
	Word    string `json:"word"`
	Pattern string `json:"pattern,omitempty"`
}

type Answer struct {
	Expected string `json:"expected"`
}

type Response struct {
	Text *string `json:"text"`
}

// Impl is a word-retyping challenge. Words is the fallback list when the
// policy file does not set one.
type Impl struct {
	Kind      chall.Kind
	Words     []string
	Pattern   string
	Transform func(string) string
}

func (i *Impl) words(settings config.KindSettings) []string {
	if len(settings.Words) != 0 {
		return settings.Words
	}
	return i.Words
}

func (i *Impl) Generate(in *chall.GenerateInput) (json.RawMessage, json.RawMessage, error) {
	words := i.words(in.Settings)
	word := words[in.Rand.IntN(len(words))]

	prompt, err := json.Marshal(Prompt{Word: word, Pattern: i.Pattern})
	if err != nil {
		return nil, nil, err
	}

	answer, err := json.Marshal(Answer{Expected: i.Transform(word)})
	if err != nil {
		return nil, nil, err
	}

	return prompt, answer, nil
}

func (i *Impl) Score(lg *slog.Logger, in *chall.ScoreInput) (chall.Verdict, error) {
	var resp Response
	if err := json.Unmarshal(in.Response, &resp); err != nil {
		return chall.Verdict{}, chall.NewError("score", "invalid response", fmt.Errorf("%w: %w", chall.ErrInvalidFormat, err))
	}

	if resp.Text == nil {
		return chall.Verdict{}, chall.NewError("score", "invalid response", fmt.Errorf("%w text", chall.ErrMissingField))
	}

	var answer Answer
	if err := json.Unmarshal(in.Challenge.Answer, &answer); err != nil {
		return chall.Verdict{}, fmt.Errorf("typing: can't decode stored answer for %s: %w", in.Challenge.ID, err)
	}

	if subtle.ConstantTimeCompare([]byte(*resp.Text), []byte(answer.Expected)) != 1 {
		lg.Debug("typed text does not match", "kind", i.Kind)
		return chall.Verdict{Outcome: chall.OutcomeFail, Reason: "text does not match"}, nil
	}

	return chall.Verdict{Outcome: chall.OutcomePass, Score: 1}, nil
}

func (i *Impl) Valid(settings config.KindSettings) error {
	if slices.Contains(settings.Words, "") {
		return fmt.Errorf("%s: %w", i.Kind, ErrEmptyWord)
	}

	return nil
}
