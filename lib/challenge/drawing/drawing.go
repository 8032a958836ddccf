// Package drawing implements the draw_shape and draw_freeform challenges. A
// Comparator scores the submitted strokes against a Descriptor and two
// thresholds turn that score into pass, fail or a trip to human review.
package drawing

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	chall "github.com/antimoltbook/verifier/lib/challenge"
	"github.com/antimoltbook/verifier/lib/policy/config"
)

var (
	ErrUnknownShape = errors.New("drawing: unknown shape")
	ErrEmptySubject = errors.New("drawing: subject list contains an empty subject")
)

// DefaultThresholds split comparator scores when the policy file does not.
var DefaultThresholds = config.ScoreThresholds{Pass: 0.85, Fail: 0.5}

func init() {
	chall.Register(chall.KindDrawShape, &Impl{Kind: chall.KindDrawShape, Comparator: Geometric{}})
	chall.Register(chall.KindDrawFreeform, &Impl{Kind: chall.KindDrawFreeform, Comparator: Geometric{}})
}

type Prompt struct {
	Shape   string `json:"shape,omitempty"`
	Subject string `json:"subject,omitempty"`
}

// Answer snapshots the descriptor and thresholds at issue time so a policy
// reload does not change how an outstanding challenge is judged.
type Answer struct {
	Descriptor Descriptor             `json:"descriptor"`
	Thresholds config.ScoreThresholds `json:"thresholds"`
}

// Impl is a drawing challenge kind.
type Impl struct {
	Kind       chall.Kind
	Comparator Comparator
}

func (i *Impl) freeform() bool {
	return i.Kind == chall.KindDrawFreeform
}

func (i *Impl) Generate(in *chall.GenerateInput) (json.RawMessage, json.RawMessage, error) {
	thresholds := DefaultThresholds
	if in.Settings.Thresholds != nil {
		thresholds = *in.Settings.Thresholds
	}

	var (
		prompt Prompt
		answer = Answer{Thresholds: thresholds}
	)

	if i.freeform() {
		subjects := in.Settings.Subjects
		if len(subjects) == 0 {
			subjects = DefaultSubjects
		}

		prompt.Subject = subjects[in.Rand.IntN(len(subjects))]
		answer.Descriptor = Freeform(prompt.Subject)
	} else {
		shapes := in.Settings.Shapes
		if len(shapes) == 0 {
			shapes = DefaultShapes
		}

		prompt.Shape = shapes[in.Rand.IntN(len(shapes))]
		d, ok := Shapes[prompt.Shape]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %q", ErrUnknownShape, prompt.Shape)
		}
		answer.Descriptor = d
	}

	promptJSON, err := json.Marshal(prompt)
	if err != nil {
		return nil, nil, err
	}

	answerJSON, err := json.Marshal(answer)
	if err != nil {
		return nil, nil, err
	}

	return promptJSON, answerJSON, nil
}

func (i *Impl) Score(lg *slog.Logger, in *chall.ScoreInput) (chall.Verdict, error) {
	var resp Response
	if err := json.Unmarshal(in.Response, &resp); err != nil {
		return chall.Verdict{}, chall.NewError("score", "invalid drawing", fmt.Errorf("%w: %w", chall.ErrInvalidFormat, err))
	}

	if err := resp.validate(); err != nil {
		return chall.Verdict{}, chall.NewError("score", "invalid drawing", err)
	}

	var answer Answer
	if err := json.Unmarshal(in.Challenge.Answer, &answer); err != nil {
		return chall.Verdict{}, fmt.Errorf("drawing: can't decode stored answer for %s: %w", in.Challenge.ID, err)
	}

	duration := *resp.DurationMS
	chall.TimeTaken.WithLabelValues(string(i.Kind)).Observe(duration)

	score := i.Comparator.Compare(resp.Strokes, duration, &answer.Descriptor)
	lg.Debug("drawing compared", "kind", i.Kind, "target", answer.Descriptor.Name, "score", score)

	return Classify(score, answer.Thresholds), nil
}

// Classify turns a comparator score into a verdict.
func Classify(score float64, th config.ScoreThresholds) chall.Verdict {
	switch {
	case score >= th.Pass:
		return chall.Verdict{Outcome: chall.OutcomePass, Score: score}
	case score < th.Fail:
		return chall.Verdict{
			Outcome: chall.OutcomeFail,
			Score:   score,
			Reason:  fmt.Sprintf("score %.2f below %.2f", score, th.Fail),
		}
	default:
		return chall.Verdict{
			Outcome: chall.OutcomeUncertain,
			Score:   score,
			Reason:  fmt.Sprintf("score %.2f between %.2f and %.2f", score, th.Fail, th.Pass),
		}
	}
}

func (i *Impl) Valid(settings config.KindSettings) error {
	var errs []error

	if !i.freeform() {
		for _, s := range settings.Shapes {
			if _, ok := Shapes[s]; !ok {
				errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownShape, s))
			}
		}
	}

	for _, s := range settings.Subjects {
		if s == "" {
			errs = append(errs, ErrEmptySubject)
		}
	}

	if settings.Thresholds != nil {
		if err := settings.Thresholds.Valid(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
