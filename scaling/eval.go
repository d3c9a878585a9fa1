package scaling

import (
	"strconv"
	"strings"
)

// machine holds the operand and operator stacks of one evaluation.
type machine struct {
	values    []float32
	ops       []byte
	divByZero bool
}

func precedence(op byte) int {
	switch op {
	case '+', '-':
		return 1
	case '*', '/':
		return 2
	}
	return 0
}

func isOperator(c byte) bool {
	return c == '+' || c == '-' || c == '*' || c == '/'
}

func isLiteral(c byte) bool {
	return (c >= '0' && c <= '9') || c == '.'
}

// apply performs a single binary operation. Division by exactly zero yields NaN.
func (m *machine) apply(a, b float32, op byte) float32 {
	switch op {
	case '+':
		return a + b
	case '-':
		return a - b
	case '*':
		return a * b
	case '/':
		if b == 0 {
			m.divByZero = true
			return NaN()
		}
		return a / b
	}
	return NaN()
}

// reduce pops one operator and two operands and pushes the result.
func (m *machine) reduce() error {
	if len(m.values) < 2 {
		return ErrMalformed
	}
	op := m.ops[len(m.ops)-1]
	m.ops = m.ops[:len(m.ops)-1]
	if op == '(' {
		return ErrMalformed
	}

	b := m.values[len(m.values)-1]
	a := m.values[len(m.values)-2]
	m.values = m.values[:len(m.values)-2]
	m.values = append(m.values, m.apply(a, b, op))
	return nil
}

// evaluate runs the shunting-yard reduction over an already substituted,
// whitespace-free formula.
func evaluate(expr string) (float32, error) {
	m := &machine{}

	for i := 0; i < len(expr); {
		c := expr[i]

		if isLiteral(c) {
			start := i
			for i < len(expr) && isLiteral(expr[i]) {
				i++
			}
			m.values = append(m.values, parseLiteral(expr[start:i]))
			continue
		}

		switch {
		case c == '(':
			m.ops = append(m.ops, c)
		case c == ')':
			for len(m.ops) > 0 && m.ops[len(m.ops)-1] != '(' {
				if err := m.reduce(); err != nil {
					return NaN(), err
				}
			}
			if len(m.ops) > 0 {
				m.ops = m.ops[:len(m.ops)-1]
			}
		case isOperator(c):
			for len(m.ops) > 0 && precedence(m.ops[len(m.ops)-1]) >= precedence(c) {
				if err := m.reduce(); err != nil {
					return NaN(), err
				}
			}
			m.ops = append(m.ops, c)
		}
		i++
	}

	for len(m.ops) > 0 {
		if err := m.reduce(); err != nil {
			return NaN(), err
		}
	}

	if len(m.values) == 0 {
		return NaN(), ErrEmpty
	}
	result := m.values[len(m.values)-1]
	if m.divByZero && IsNaN(result) {
		return result, ErrDivisionByZero
	}
	return result, nil
}

// parseLiteral converts a run of digits and dots. Only the first decimal
// point counts; the run is cut at the second one. A run with no digits is 0.
func parseLiteral(run string) float32 {
	if i := strings.IndexByte(run, '.'); i >= 0 {
		if j := strings.IndexByte(run[i+1:], '.'); j >= 0 {
			run = run[:i+1+j]
		}
	}
	f, _ := strconv.ParseFloat(run, 32)
	return float32(f)
}
