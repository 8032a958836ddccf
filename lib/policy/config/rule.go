package config

import (
	"errors"
	"fmt"
)

var (
	ErrRuleMustHaveName       = errors.New("config.Rule: must set name")
	ErrRuleMustHaveExpression = errors.New("config.Rule: must set expression")
	ErrRuleMustHaveKinds      = errors.New("config.Rule: must list at least one kind")
)

// Rule picks the candidate challenge kinds for requests whose CEL expression
// matches. Rules are evaluated in order and the first match wins.
type Rule struct {
	Name       string            `json:"name" yaml:"name"`
	Expression *ExpressionOrList `json:"expression" yaml:"expression"`
	Kinds      []string          `json:"kinds" yaml:"kinds"`
}

func (r Rule) Valid() error {
	var errs []error

	if r.Name == "" {
		errs = append(errs, ErrRuleMustHaveName)
	}

	if r.Expression == nil {
		errs = append(errs, ErrRuleMustHaveExpression)
	} else if err := r.Expression.Valid(); err != nil {
		errs = append(errs, err)
	}

	if len(r.Kinds) == 0 {
		errs = append(errs, ErrRuleMustHaveKinds)
	}

	if len(errs) != 0 {
		return fmt.Errorf("config: rule %q is not valid:\n%w", r.Name, errors.Join(errs...))
	}

	return nil
}
