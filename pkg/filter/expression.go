package filter

import (
	"regexp"
	"strings"

	"github.com/PhucNguyen204/evtx-analyzer/pkg/event"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/pattern"
)

// Expression language:
//
//	clause (AND|OR clause)*
//	clause := <field> <op> <value>,  op ∈ == != ~= !~ contains !contains
//
// Clauses fold strictly left to right with the most recent joiner. There is
// no precedence and no grouping: "a OR b AND c" is ((a OR b) AND c).
var (
	reJoiner = regexp.MustCompile(`\s+(AND|OR)\s+`)
	reClause = regexp.MustCompile(`^([^!=~\s]+)\s*(==|!=|~=|!~|contains|!contains)\s*(.+)$`)
)

type clauseOp int

const (
	opInvalid clauseOp = iota
	opEq
	opNe
	opRegex
	opNotRegex
	opContains
	opNotContains
)

type clause struct {
	field string
	op    clauseOp
	value string
	re    *pattern.Regex // nil when the pattern did not compile
}

// Expression is a parsed filter expression. It is immutable and safe for
// concurrent use.
type Expression struct {
	src     string
	clauses []clause
	joiners []string // joiners[i] joins clauses[i] and clauses[i+1]
}

// ParseExpression parses src. Parsing never fails: a clause that does not fit
// the grammar evaluates to false.
func ParseExpression(src string) *Expression {
	x := &Expression{src: src}
	last := 0
	for _, m := range reJoiner.FindAllStringSubmatchIndex(src, -1) {
		x.clauses = append(x.clauses, parseClause(src[last:m[0]]))
		x.joiners = append(x.joiners, src[m[2]:m[3]])
		last = m[1]
	}
	x.clauses = append(x.clauses, parseClause(src[last:]))
	return x
}

func parseClause(s string) clause {
	m := reClause.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return clause{op: opInvalid}
	}
	c := clause{field: m[1], value: strings.Trim(strings.TrimSpace(m[3]), `"'`)}
	switch m[2] {
	case "==":
		c.op = opEq
	case "!=":
		c.op = opNe
	case "contains":
		c.op = opContains
	case "!contains":
		c.op = opNotContains
	case "~=", "!~":
		c.op = opRegex
		if m[2] == "!~" {
			c.op = opNotRegex
		}
		if re, err := pattern.Compile(c.value); err == nil {
			c.re = re
		}
	}
	return c
}

// String returns the source text.
func (x *Expression) String() string { return x.src }

// Eval folds every clause left to right.
func (x *Expression) Eval(ev *event.NormalizedEvent) bool {
	result := false
	for i, c := range x.clauses {
		ok := c.eval(ev)
		if i == 0 {
			result = ok
			continue
		}
		if x.joiners[i-1] == "AND" {
			result = result && ok
		} else {
			result = result || ok
		}
	}
	return result
}

func (c clause) eval(ev *event.NormalizedEvent) bool {
	s, _ := event.ResolveField(ev, c.field)
	switch c.op {
	case opEq:
		return s == c.value
	case opNe:
		return s != c.value
	case opContains:
		return strings.Contains(s, c.value)
	case opNotContains:
		return !strings.Contains(s, c.value)
	case opRegex:
		if c.re == nil {
			return false
		}
		ok, err := c.re.Search(s)
		return err == nil && ok
	case opNotRegex:
		if c.re == nil {
			return true
		}
		ok, err := c.re.Search(s)
		return err != nil || !ok
	}
	return false
}
