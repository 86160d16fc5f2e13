package tools

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/szaher/recall/internal/llm"
)

const maxExpressionLength = 256

// calcEnv is the only state an expression can see.
var calcEnv = map[string]interface{}{
	"pi":    math.Pi,
	"e":     math.E,
	"sqrt":  math.Sqrt,
	"pow":   math.Pow,
	"log":   math.Log,
	"log10": math.Log10,
	"exp":   math.Exp,
	"sin":   math.Sin,
	"cos":   math.Cos,
	"tan":   math.Tan,
}

// CalculatorDefinition is the schema offered to the model.
func CalculatorDefinition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "calculator",
		Description: "Evaluate an arithmetic expression such as \"(120 * 3) / 4\" or \"sqrt(2) * pi\". Use it for prices, totals, conversions and any math.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"expression": map[string]interface{}{
					"type":      "string",
					"minLength": 1,
					"maxLength": maxExpressionLength,
				},
			},
			"required": []interface{}{"expression"},
		},
	}
}

// Calculator evaluates arithmetic with expr-lang.
type Calculator struct{}

// Execute implements Executor.
func (Calculator) Execute(_ context.Context, input map[string]interface{}) (string, error) {
	src, _ := input["expression"].(string)
	src = strings.TrimSpace(src)
	if src == "" {
		return "", errors.New("expression is required")
	}
	if len(src) > maxExpressionLength {
		return "", fmt.Errorf("expression longer than %d characters", maxExpressionLength)
	}

	program, err := expr.Compile(src, expr.Env(calcEnv))
	if err != nil {
		return "", fmt.Errorf("invalid expression: %w", err)
	}
	out, err := expr.Run(program, calcEnv)
	if err != nil {
		return "", fmt.Errorf("evaluate: %w", err)
	}
	return formatNumber(out)
}

func formatNumber(v interface{}) (string, error) {
	switch n := v.(type) {
	case int:
		return strconv.Itoa(n), nil
	case int64:
		return strconv.FormatInt(n, 10), nil
	case float64:
		if math.IsInf(n, 0) || math.IsNaN(n) {
			return "", errors.New("result is not a finite number")
		}
		return strconv.FormatFloat(n, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(n), nil
	default:
		return "", fmt.Errorf("expression produced %T, not a number", v)
	}
}
