package expressions

import (
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
)

// NewEnvironment creates a new CEL environment, this is the set of
// variables and functions that are passed into the CEL scope so that
// the verifier can fail loudly and early when a rule is invalid instead
// of blowing up at runtime.
func NewEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(
			ext.StringsLocale("en_US"),
			ext.StringsValidateFormatCalls(true),
		),

		// default all timestamps to UTC
		cel.DefaultUTCTimeZone(true),

		// Variables exposed to CEL programs:
		cel.Variable("action", cel.StringType),
		cel.Variable("requester", cel.StringType),
		cel.Variable("outstanding", cel.IntType),
		cel.Variable("remoteAddress", cel.StringType),
		cel.Variable("userAgent", cel.StringType),
		cel.Variable("query", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),

		// Functions exposed to CEL programs:
		loadFunction("load_1m", Load1),
		loadFunction("load_5m", Load5),
		loadFunction("load_15m", Load15),
	)
}

func loadFunction(name string, fn func() float64) cel.EnvOption {
	return cel.Function(name,
		cel.Overload(name+"_double", []*cel.Type{}, cel.DoubleType,
			cel.FunctionBinding(func(...ref.Val) ref.Val {
				return types.Double(fn())
			}),
		),
	)
}

// Compile takes CEL environment and syntax tree then emits an optimized
// Program for execution.
func Compile(env *cel.Env, ast *cel.Ast) (cel.Program, error) {
	return env.Program(
		ast,
		cel.EvalOptions(
			// optimize regular expressions right now instead of on the fly
			cel.OptOptimize,
		),
	)
}
