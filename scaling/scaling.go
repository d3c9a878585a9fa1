// Package scaling evaluates the small arithmetic formulas that convert raw
// register words into engineering units, e.g. "val * 0.1" or "CTR * val / VTR".
//
// The variables val, VTR and CTR are substituted textually before parsing.
// Only + - * /, parentheses and decimal literals are understood; anything
// else in the formula is skipped.
package scaling

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrEmpty is returned when the formula yields no operand at all.
	ErrEmpty = errors.New("empty expression")
	// ErrMalformed is returned when an operator is missing an operand or a
	// parenthesis is left open.
	ErrMalformed = errors.New("malformed expression")
	// ErrDivisionByZero is returned when the result is NaN because of a division by zero.
	ErrDivisionByZero = errors.New("division by zero")
)

// Variable names recognised in a formula. Matching is case-sensitive.
const (
	VarValue = "val"
	VarVTR   = "VTR"
	VarCTR   = "CTR"
)

// substitutePrecision is the number of decimals used when a variable is
// spliced into the formula text.
const substitutePrecision = 6

// NaN is the sentinel stored for failed reads and failed scaling.
func NaN() float32 {
	return float32(math.NaN())
}

// IsNaN reports whether v is the NaN sentinel.
func IsNaN(v float32) bool {
	return math.IsNaN(float64(v))
}

// Evaluate computes expr for the given raw value and transformer ratios.
// Any failure yields NaN.
func Evaluate(expr string, val, vtr, ctr float32) float32 {
	v, err := EvaluateDetailed(expr, val, vtr, ctr)
	if err != nil {
		return NaN()
	}
	return v
}

// EvaluateDetailed is Evaluate with the failure cause. On error the
// returned value is always NaN.
func EvaluateDetailed(expr string, val, vtr, ctr float32) (float32, error) {
	return evaluate(Substitute(expr, val, vtr, ctr))
}

// Check reports structural problems in expr (ErrEmpty, ErrMalformed) using
// unit values for every variable. Division by zero is not reported.
func Check(expr string) error {
	_, err := EvaluateDetailed(expr, 1, 1, 1)
	if errors.Is(err, ErrDivisionByZero) {
		return nil
	}
	return err
}

// Substitute replaces every occurrence of val, VTR and CTR (in that order)
// with its value formatted to six decimals and strips all whitespace.
// The replacement is purely textual.
func Substitute(expr string, val, vtr, ctr float32) string {
	expr = strings.ReplaceAll(expr, VarValue, formatFloat(val))
	expr = strings.ReplaceAll(expr, VarVTR, formatFloat(vtr))
	expr = strings.ReplaceAll(expr, VarCTR, formatFloat(ctr))
	return strings.Join(strings.Fields(expr), "")
}

func formatFloat(v float32) string {
	return strconv.FormatFloat(float64(v), 'f', substitutePrecision, 32)
}
