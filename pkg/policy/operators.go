package policy

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"aegis/pkg/models"
)

// ErrConfiguration marks a rule whose operator or condition value cannot be
// evaluated. Such rules never trigger.
var ErrConfiguration = errors.New("policy configuration error")

// evalFunc reports whether the rule triggers for the resolved field value.
type evalFunc func(actual, condition string) (bool, error)

var operators = map[models.Operator]evalFunc{
	models.OpEquals:      evalEquals,
	models.OpNotEquals:   evalNotEquals,
	models.OpGreaterThan: evalGreaterThan,
	models.OpLessThan:    evalLessThan,
	models.OpIn:          evalIn,
	models.OpBetween:     evalBetween,
}

// Apply evaluates one operator. Unknown operators are configuration errors.
func Apply(op models.Operator, actual, condition string) (bool, error) {
	fn, ok := operators[models.Operator(strings.ToUpper(strings.TrimSpace(string(op))))]
	if !ok {
		return false, fmt.Errorf("%w: unknown operator %q", ErrConfiguration, op)
	}
	return fn(actual, condition)
}

func evalEquals(actual, condition string) (bool, error) {
	return actual == strings.TrimSpace(condition), nil
}

func evalNotEquals(actual, condition string) (bool, error) {
	return actual != strings.TrimSpace(condition), nil
}

// decimal parses with arbitrary precision so amounts compare exactly.
func decimal(s string) (*big.Rat, bool) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(s))
	return r, ok
}

func compare(actual, condition string) (int, bool, error) {
	bound, ok := decimal(condition)
	if !ok {
		return 0, false, fmt.Errorf("%w: non-numeric condition value %q", ErrConfiguration, condition)
	}
	value, ok := decimal(actual)
	if !ok {
		return 0, false, nil
	}
	return value.Cmp(bound), true, nil
}

func evalGreaterThan(actual, condition string) (bool, error) {
	c, ok, err := compare(actual, condition)
	return ok && c > 0, err
}

func evalLessThan(actual, condition string) (bool, error) {
	c, ok, err := compare(actual, condition)
	return ok && c < 0, err
}

func splitList(condition string) []string {
	parts := strings.Split(condition, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func evalIn(actual, condition string) (bool, error) {
	members := splitList(condition)
	if len(members) == 0 {
		return false, fmt.Errorf("%w: empty IN list", ErrConfiguration)
	}
	for _, m := range members {
		if m == actual {
			return true, nil
		}
	}
	return false, nil
}

// evalBetween is inclusive on both bounds.
func evalBetween(actual, condition string) (bool, error) {
	bounds := strings.Split(condition, ",")
	if len(bounds) != 2 {
		return false, fmt.Errorf("%w: BETWEEN needs two bounds, got %q", ErrConfiguration, condition)
	}
	lo, okLo := decimal(bounds[0])
	hi, okHi := decimal(bounds[1])
	if !okLo || !okHi {
		return false, fmt.Errorf("%w: non-numeric BETWEEN bounds %q", ErrConfiguration, condition)
	}
	value, ok := decimal(actual)
	if !ok {
		return false, nil
	}
	return value.Cmp(lo) >= 0 && value.Cmp(hi) <= 0, nil
}
