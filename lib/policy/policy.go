// Package policy turns a loaded configuration file into the compiled rules
// the issuer uses to pick challenge kinds.
package policy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"

	"github.com/antimoltbook/verifier/internal"
	"github.com/antimoltbook/verifier/lib/challenge"
	_ "github.com/antimoltbook/verifier/lib/challenge/all"
	"github.com/antimoltbook/verifier/lib/policy/config"
	"github.com/antimoltbook/verifier/lib/policy/expressions"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Applications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verifier_policy_results",
		Help: "How often each kind selection rule matched",
	}, []string{"rule"})

	ErrUnknownKind  = errors.New("policy: unknown challenge kind")
	ErrKindDisabled = errors.New("policy: rule names a disabled challenge kind")
	ErrNoKinds      = errors.New("policy: every challenge kind is disabled")
)

// DefaultRuleName is reported when no rule matched.
const DefaultRuleName = "default"

// Rule is a compiled kind selection rule.
type Rule struct {
	Name    string
	Kinds   []challenge.Kind
	Program cel.Program
	src     string
}

// Hash identifies the rule's content for logs.
func (r Rule) Hash() string {
	return internal.FastHash(fmt.Sprintf("%s::%s", r.Name, r.src))
}

// Match evaluates the rule against in.
func (r Rule) Match(ctx context.Context, in *Input) (bool, error) {
	result, _, err := r.Program.ContextEval(ctx, in)
	if err != nil {
		return false, err
	}

	if val, ok := result.(types.Bool); ok {
		return bool(val), nil
	}

	return false, nil
}

// Input is what kind selection rules can see.
type Input struct {
	Action      string
	Requester   string
	Outstanding int
	Request     *http.Request
}

func (in *Input) Parent() cel.Activation { return nil }

func (in *Input) ResolveName(name string) (any, bool) {
	switch name {
	case "action":
		return in.Action, true
	case "requester":
		return in.Requester, true
	case "outstanding":
		return in.Outstanding, true
	}

	if in.Request == nil {
		switch name {
		case "remoteAddress", "userAgent":
			return "", true
		case "headers":
			return expressions.HTTPHeaders(http.Header{}), true
		case "query":
			return expressions.URLValues(nil), true
		}
		return nil, false
	}

	switch name {
	case "remoteAddress":
		return in.Request.Header.Get("X-Real-Ip"), true
	case "userAgent":
		return in.Request.UserAgent(), true
	case "headers":
		return expressions.HTTPHeaders(in.Request.Header), true
	case "query":
		return expressions.URLValues(in.Request.URL.Query()), true
	default:
		return nil, false
	}
}

// ParsedConfig is a configuration file with its rules compiled and its kinds
// checked against the challenge registry.
type ParsedConfig struct {
	*config.Config

	Rules   []Rule
	Enabled []challenge.Kind
}

func compileRule(env *cel.Env, r config.Rule) (cel.Program, string, error) {
	var (
		ast *cel.Ast
		src string
		err error
	)

	eol := r.Expression
	if eol == nil {
		return nil, "", config.ErrRuleMustHaveExpression
	}

	switch {
	case eol.Expression != "":
		src = eol.Expression
		var iss *cel.Issues
		ast, iss = env.Compile(src)
		if iss != nil && iss.Err() != nil {
			return nil, "", iss.Err()
		}
	case len(eol.All) != 0:
		ast, err = expressions.Join(env, expressions.JoinAnd, eol.All...)
	case len(eol.Any) != 0:
		ast, err = expressions.Join(env, expressions.JoinOr, eol.Any...)
	default:
		return nil, "", config.ErrExpressionEmpty
	}

	if err != nil {
		return nil, "", err
	}

	if src == "" {
		if src, err = cel.AstToString(ast); err != nil {
			return nil, "", err
		}
	}

	if ast.OutputType() != cel.BoolType {
		return nil, "", fmt.Errorf("expression must return a bool, got %s", ast.OutputType())
	}

	program, err := expressions.Compile(env, ast)
	if err != nil {
		return nil, "", fmt.Errorf("can't compile CEL program: %w", err)
	}

	return program, src, nil
}

// NewParsedConfig validates c against the registered challenge kinds and
// compiles its rules.
func NewParsedConfig(c *config.Config) (*ParsedConfig, error) {
	var validationErrs []error

	for name, settings := range c.Kinds {
		impl, ok := challenge.Get(challenge.Kind(name))
		if !ok {
			validationErrs = append(validationErrs, fmt.Errorf("%w: %q", ErrUnknownKind, name))
			continue
		}

		if err := impl.Valid(settings); err != nil {
			validationErrs = append(validationErrs, fmt.Errorf("kind %s: %w", name, err))
		}
	}

	result := &ParsedConfig{Config: c}

	for _, kind := range challenge.Methods() {
		if !c.Settings(string(kind)).Disabled {
			result.Enabled = append(result.Enabled, kind)
		}
	}

	if len(result.Enabled) == 0 {
		validationErrs = append(validationErrs, ErrNoKinds)
	}

	env, err := expressions.NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("[unexpected] can't create CEL environment: %w", err)
	}

	for _, r := range c.Rules {
		program, src, err := compileRule(env, r)
		if err != nil {
			validationErrs = append(validationErrs, fmt.Errorf("while processing rule %s expression: %w", r.Name, err))
			continue
		}

		parsed := Rule{
			Name:    r.Name,
			Program: program,
			src:     src,
		}

		for _, name := range r.Kinds {
			kind := challenge.Kind(name)
			switch {
			case !slices.Contains(challenge.Methods(), kind):
				validationErrs = append(validationErrs, fmt.Errorf("rule %s: %w: %q", r.Name, ErrUnknownKind, name))
			case !slices.Contains(result.Enabled, kind):
				validationErrs = append(validationErrs, fmt.Errorf("rule %s: %w: %q", r.Name, ErrKindDisabled, name))
			default:
				parsed.Kinds = append(parsed.Kinds, kind)
			}
		}

		result.Rules = append(result.Rules, parsed)
	}

	if len(validationErrs) > 0 {
		return nil, fmt.Errorf("errors validating policy config: %w", errors.Join(validationErrs...))
	}

	return result, nil
}

// ParseConfig loads, validates and compiles a configuration file.
func ParseConfig(ctx context.Context, fin io.Reader, fname string) (*ParsedConfig, error) {
	c, err := config.Load(fin, fname)
	if err != nil {
		return nil, err
	}

	result, err := NewParsedConfig(c)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fname, err)
	}

	return result, nil
}

// Candidates returns the kinds the first matching rule allows, or every
// enabled kind when no rule matches.
func (pc *ParsedConfig) Candidates(ctx context.Context, in *Input) ([]challenge.Kind, string, error) {
	for _, r := range pc.Rules {
		match, err := r.Match(ctx, in)
		if err != nil {
			return nil, "", fmt.Errorf("can't run rule %s: %w", r.Name, err)
		}

		if match {
			Applications.WithLabelValues(r.Name).Inc()
			return r.Kinds, r.Name, nil
		}
	}

	Applications.WithLabelValues(DefaultRuleName).Inc()
	return pc.Enabled, DefaultRuleName, nil
}

// IsEnabled reports whether kind is registered and not disabled.
func (pc *ParsedConfig) IsEnabled(kind challenge.Kind) bool {
	return slices.Contains(pc.Enabled, kind)
}
