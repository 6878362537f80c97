package engine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/PhucNguyen204/evtx-analyzer/pkg/event"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/pattern"
)

// Op is a condition operator.
type Op string

const (
	OpEq          Op = "eq"
	OpNe          Op = "ne"
	OpContains    Op = "contains"
	OpNotContains Op = "not_contains"
	OpRegex       Op = "regex"
	OpNotRegex    Op = "not_regex"
	OpLengthGt    Op = "length_gt"
	OpLengthLt    Op = "length_lt"
)

var (
	ErrUnsupportedOp = errors.New("unsupported op")
	ErrBadLength     = errors.New("length value is not an integer")
)

// Ops lists every supported operator.
var Ops = []Op{OpEq, OpNe, OpContains, OpNotContains, OpRegex, OpNotRegex, OpLengthGt, OpLengthLt}

// Condition tests one event field against a value.
type Condition struct {
	Field string
	Op    Op
	Value string

	re    *pattern.Regex
	reErr error
	n     int
	nErr  error
}

// NewCondition validates op and precompiles what the op needs. A pattern that
// does not compile is not an error here: the condition simply never matches
// (regex) or always matches (not_regex).
func NewCondition(field string, op Op, value string) (Condition, error) {
	c := Condition{Field: field, Op: Op(strings.ToLower(strings.TrimSpace(string(op)))), Value: value}
	switch c.Op {
	case OpEq, OpNe, OpContains, OpNotContains:
	case OpRegex, OpNotRegex:
		c.re, c.reErr = pattern.Compile(value)
	case OpLengthGt, OpLengthLt:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			c.nErr = fmt.Errorf("%w: %q", ErrBadLength, value)
		}
		c.n = n
	default:
		return Condition{}, fmt.Errorf("%w: %q", ErrUnsupportedOp, op)
	}
	return c, nil
}

// MustCondition is NewCondition for literals known to be valid.
func MustCondition(field string, op Op, value string) Condition {
	c, err := NewCondition(field, op, value)
	if err != nil {
		panic(err)
	}
	return c
}

// Eval resolves the field on ev and applies the operator. An absent field
// never satisfies eq, contains or regex, and always satisfies their negations.
// Length ops measure it as the empty string. Only a length op with a
// non-integer value errors.
func (c Condition) Eval(ev *event.NormalizedEvent) (bool, error) {
	s, present := event.ResolveField(ev, c.Field)
	switch c.Op {
	case OpEq:
		return present && s == c.Value, nil
	case OpNe:
		return !present || s != c.Value, nil
	case OpContains:
		return present && strings.Contains(s, c.Value), nil
	case OpNotContains:
		return !present || !strings.Contains(s, c.Value), nil
	case OpRegex:
		return present && c.search(s), nil
	case OpNotRegex:
		return !present || !c.search(s), nil
	case OpLengthGt, OpLengthLt:
		if c.nErr != nil {
			return false, c.nErr
		}
		l := utf8.RuneCountInString(s)
		if c.Op == OpLengthGt {
			return l > c.n, nil
		}
		return l < c.n, nil
	}
	return false, fmt.Errorf("%w: %q", ErrUnsupportedOp, c.Op)
}

// Match is Eval with errors read as no match.
func (c Condition) Match(ev *event.NormalizedEvent) bool {
	ok, err := c.Eval(ev)
	return err == nil && ok
}

func (c Condition) search(s string) bool {
	if c.reErr != nil || c.re == nil {
		return false
	}
	ok, err := c.re.Search(s)
	return err == nil && ok
}

// literal returns a substring every value satisfying c must contain, if the
// op guarantees one.
func (c Condition) literal() (string, bool) {
	if c.Value == "" {
		return "", false
	}
	switch c.Op {
	case OpEq, OpContains:
		return c.Value, true
	}
	return "", false
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %q", c.Field, c.Op, c.Value)
}
