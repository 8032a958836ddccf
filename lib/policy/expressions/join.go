package expressions

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// JoinOperator combines the clauses of a rule's all or any list.
type JoinOperator string

const (
	JoinAnd JoinOperator = "&&"
	JoinOr  JoinOperator = "||"
)

func (jo JoinOperator) Valid() error {
	switch jo {
	case JoinAnd, JoinOr:
		return nil
	default:
		return fmt.Errorf("%w: wanted && or ||, got: %q", ErrWrongJoinOperator, string(jo))
	}
}

var (
	ErrWrongJoinOperator = errors.New("expressions: invalid join operator")
	ErrNoExpressions     = errors.New("expressions: cannot join zero expressions")
	ErrCantCompile       = errors.New("expressions: can't compile one expression")
	ErrNotBoolean        = errors.New("expressions: clause does not return a bool")
)

// Join compiles every clause of a rule and folds them into one boolean
// program with operator. Each clause is checked on its own so a policy
// author learns which list entry is broken:
//
//	all:
//	  - action == "signup"
//	  - outstanding >= 2
//
// becomes
//
//	action == "signup" && outstanding >= 2
func Join(env *cel.Env, operator JoinOperator, clauses ...string) (*cel.Ast, error) {
	if err := operator.Valid(); err != nil {
		return nil, err
	}

	if len(clauses) == 0 {
		return nil, ErrNoExpressions
	}

	var (
		asts []*cel.Ast
		errs []error
	)

	for i, clause := range clauses {
		ast, iss := env.Compile(clause)
		if iss != nil && iss.Err() != nil {
			errs = append(errs, fmt.Errorf("%w: clause %d %q: %w", ErrCantCompile, i, clause, iss.Err()))
			continue
		}

		if ast.OutputType() != cel.BoolType {
			errs = append(errs, fmt.Errorf("%w: clause %d %q returns %s", ErrNotBoolean, i, clause, ast.OutputType()))
			continue
		}

		asts = append(asts, ast)
	}

	if len(errs) != 0 {
		return nil, fmt.Errorf("can't join rule clauses: %w", errors.Join(errs...))
	}

	if len(asts) == 1 {
		return asts[0], nil
	}

	parts := make([]string, 0, len(asts))
	for _, ast := range asts {
		// unparse the checked form so every clause is parenthesized the same way
		src, err := cel.AstToString(ast)
		if err != nil {
			return nil, fmt.Errorf("[unexpected] can't unparse rule clause: %w", err)
		}
		parts = append(parts, "("+src+")")
	}

	joined, iss := env.Compile(strings.Join(parts, " "+string(operator)+" "))
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}

	return joined, nil
}
