package sigma

import (
	"errors"

	"gopkg.in/yaml.v3"

	"github.com/PhucNguyen204/evtx-analyzer/pkg/engine"
)

// Tag marks every rule produced by the translator.
const Tag = "sigma"

var (
	ErrNoTitle     = errors.New("rule has neither title nor id")
	ErrNoCondition = errors.New("detection has no condition")
)

// rawRule is the subset of a rule document the translator reads. Detection
// stays a node so selections and their fields keep document order.
type rawRule struct {
	Title       string    `yaml:"title"`
	ID          string    `yaml:"id"`
	Description string    `yaml:"description"`
	Level       string    `yaml:"level"`
	Tags        []string  `yaml:"tags"`
	Detection   yaml.Node `yaml:"detection"`
}

// selection is the flat condition list generated from one named selection.
type selection []engine.Condition

// negate flips a condition for a `not` reference.
func negate(c engine.Condition) engine.Condition {
	op := c.Op
	switch c.Op {
	case engine.OpEq:
		op = engine.OpNe
	case engine.OpNe:
		op = engine.OpEq
	case engine.OpContains:
		op = engine.OpNotContains
	case engine.OpNotContains:
		op = engine.OpContains
	case engine.OpRegex:
		op = engine.OpNotRegex
	case engine.OpNotRegex:
		op = engine.OpRegex
	}
	return engine.MustCondition(c.Field, op, c.Value)
}
