package step

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Operator is an assertion comparison operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpMatches     Operator = "matches"
	OpGT          Operator = "gt"
	OpLT          Operator = "lt"
	OpGTE         Operator = "gte"
	OpLTE         Operator = "lte"
)

// Compare evaluates actual against expected under op.
// An empty op means equals. String operators compare verbatim, matches
// treats expected as an unanchored regular expression, and the numeric
// operators parse both sides as floats.
func Compare(op Operator, actual, expected string) (bool, error) {
	switch op {
	case OpEquals, "":
		return actual == expected, nil
	case OpNotEquals:
		return actual != expected, nil
	case OpContains:
		return strings.Contains(actual, expected), nil
	case OpNotContains:
		return !strings.Contains(actual, expected), nil
	case OpMatches:
		re, err := regexp.Compile(expected)
		if err != nil {
			return false, fmt.Errorf("step: invalid pattern %q: %w", expected, err)
		}
		return re.MatchString(actual), nil
	case OpGT, OpLT, OpGTE, OpLTE:
		a, err := strconv.ParseFloat(actual, 64)
		if err != nil {
			return false, fmt.Errorf("step: %s: actual %q is not numeric", op, actual)
		}
		e, err := strconv.ParseFloat(expected, 64)
		if err != nil {
			return false, fmt.Errorf("step: %s: expected %q is not numeric", op, expected)
		}
		switch op {
		case OpGT:
			return a > e, nil
		case OpLT:
			return a < e, nil
		case OpGTE:
			return a >= e, nil
		default:
			return a <= e, nil
		}
	default:
		return false, fmt.Errorf("step: unknown operator %q", op)
	}
}
