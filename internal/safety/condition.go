// Package safety evaluates protocol safety rules against submission scores,
// raw answers, and lab values, producing alerts and follow-up signals.
package safety

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Operator is a comparison operator in a condition expression.
type Operator string

const (
	OpGTE Operator = ">="
	OpLTE Operator = "<="
	OpGT  Operator = ">"
	OpLT  Operator = "<"
	OpEQ  Operator = "=="
	OpNEQ Operator = "!="
)

// conditionRegex matches the condition grammar: <identifier> <op> <integer>.
// Identifiers may contain letters, digits, underscores, and hyphens
// (instrument ids like "phq-9" appear as key prefixes).
var conditionRegex = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_-]*)\s*(>=|<=|==|!=|>|<)\s*(-?\d+)\s*$`)

// Comparison is a parsed condition expression. Conditions are compiled once
// at protocol load time; a malformed condition rejects the whole protocol
// instead of silently skipping at evaluation time.
type Comparison struct {
	Identifier string
	Op         Operator
	Literal    int
}

// ParseCondition compiles a condition string of the form
// "<identifier> <op> <integer>" into a Comparison.
func ParseCondition(s string) (Comparison, error) {
	m := conditionRegex.FindStringSubmatch(s)
	if m == nil {
		return Comparison{}, fmt.Errorf("malformed condition %q: expected \"<identifier> <op> <integer>\"", s)
	}
	lit, err := strconv.Atoi(m[3])
	if err != nil {
		return Comparison{}, fmt.Errorf("malformed condition %q: invalid integer literal: %w", s, err)
	}
	return Comparison{Identifier: m[1], Op: Operator(m[2]), Literal: lit}, nil
}

// Holds reports whether the comparison is true for the given value.
func (c Comparison) Holds(value float64) bool {
	lit := float64(c.Literal)
	switch c.Op {
	case OpGTE:
		return value >= lit
	case OpLTE:
		return value <= lit
	case OpGT:
		return value > lit
	case OpLT:
		return value < lit
	case OpEQ:
		return value == lit
	case OpNEQ:
		return value != lit
	default:
		return false
	}
}

// String renders the comparison back to its canonical condition text.
func (c Comparison) String() string {
	return fmt.Sprintf("%s %s %d", c.Identifier, c.Op, c.Literal)
}

// ResolveIdentifier looks up the comparison's identifier against a score map
// and a raw answer map. Resolution order: score map (which includes "total"
// and per-question echoes), answer map, then any answer key carrying an
// instrument prefix, i.e. ending in "_<identifier>". The boolean is false
// when no key matches.
func (c Comparison) ResolveIdentifier(scores, answers map[string]float64) (float64, bool) {
	if v, ok := scores[c.Identifier]; ok {
		return v, true
	}
	if v, ok := answers[c.Identifier]; ok {
		return v, true
	}
	suffix := "_" + c.Identifier
	for k, v := range answers {
		if strings.HasSuffix(k, suffix) {
			return v, true
		}
	}
	return 0, false
}
