package sigma

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/PhucNguyen204/evtx-analyzer/internal/fsutil"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/engine"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/pattern"
)

// Translator converts a restricted Sigma dialect into native rules.
//
// Limitations rule authors should know:
//
//   - A single-name condition puts every generated condition into AnyOf, so
//     fields inside one selection act as alternatives, not as AND.
//   - Multi-token conditions are folded left to right: names after `and` (or
//     at the start) go to AllOf, names after `or` go to AnyOf. Parentheses are
//     dropped and there is no precedence.
//   - `not` is an operator, not a selection name. It negates each condition
//     of the name that follows it (eq becomes ne, contains not_contains, regex
//     not_regex), so `selection and not filter` requires every filter field
//     to miss. `not not x` cancels out.
type Translator struct {
	fm  FieldMapping
	log *zap.SugaredLogger
}

type Option func(*Translator)

func WithFieldMapping(fm FieldMapping) Option {
	return func(t *Translator) { t.fm = fm }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(t *Translator) {
		if l != nil {
			t.log = l
		}
	}
}

func NewTranslator(opts ...Option) *Translator {
	t := &Translator{fm: NewFieldMapping(nil), log: zap.NewNop().Sugar()}
	for _, o := range opts {
		o(t)
	}
	return t
}

// LoadRuleYAML translates the first document of b with default settings.
func LoadRuleYAML(b []byte) (engine.Rule, error) {
	rules, errs := NewTranslator().Translate(b)
	if len(rules) > 0 {
		return rules[0], nil
	}
	if len(errs) > 0 {
		return engine.Rule{}, errs[0]
	}
	return engine.Rule{}, errors.New("empty document")
}

// Translate converts every document in b. Documents that are not mappings
// or lack the required keys are reported as errors.
func (t *Translator) Translate(b []byte) ([]engine.Rule, []error) {
	var (
		out  []engine.Rule
		errs []error
	)
	dec := yaml.NewDecoder(bytes.NewReader(b))
	for i := 0; ; i++ {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, append(errs, fmt.Errorf("decode document %d: %w", i, err))
		}
		if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
			errs = append(errs, fmt.Errorf("document %d: not a mapping", i))
			continue
		}
		r, err := t.translateDocument(doc.Content[0])
		if err != nil {
			errs = append(errs, fmt.Errorf("document %d: %w", i, err))
			continue
		}
		out = append(out, r)
	}
	return out, errs
}

func (t *Translator) translateDocument(n *yaml.Node) (engine.Rule, error) {
	var rr rawRule
	if err := n.Decode(&rr); err != nil {
		return engine.Rule{}, err
	}
	title := strings.TrimSpace(rr.Title)
	if title == "" {
		title = strings.TrimSpace(rr.ID)
	}
	if title == "" {
		return engine.Rule{}, ErrNoTitle
	}
	id := strings.TrimSpace(rr.ID)
	if id == "" {
		id = strings.ToLower(strings.ReplaceAll(title, " ", "_"))
	}

	selections, cond := t.parseDetection(&rr.Detection)
	if cond == "" {
		return engine.Rule{}, ErrNoCondition
	}

	r := engine.Rule{
		ID:          id,
		Description: rr.Description,
		Severity:    rr.Level,
		Tags:        append([]string{Tag}, rr.Tags...),
	}
	if r.Severity == "" {
		r.Severity = engine.DefaultSeverity
	}

	tokens := strings.Fields(strings.NewReplacer("(", " ", ")", " ").Replace(cond))
	if len(tokens) == 1 {
		r.AnyOf = append(r.AnyOf, selections[tokens[0]]...)
		return r, nil
	}
	and, neg := true, false
	for _, tok := range tokens {
		switch strings.ToLower(tok) {
		case "and":
			and = true
			continue
		case "or":
			and = false
			continue
		case "not":
			neg = !neg
			continue
		}
		conds := selections[tok]
		if neg {
			flipped := make([]engine.Condition, len(conds))
			for i, c := range conds {
				flipped[i] = negate(c)
			}
			conds, neg = flipped, false
		}
		if and {
			r.AllOf = append(r.AllOf, conds...)
		} else {
			r.AnyOf = append(r.AnyOf, conds...)
		}
	}
	return r, nil
}

// parseDetection returns the generated selections and the condition string.
// A list-valued condition is joined with `or`.
func (t *Translator) parseDetection(det *yaml.Node) (map[string]selection, string) {
	selections := map[string]selection{}
	var cond string
	if det.Kind != yaml.MappingNode {
		return selections, ""
	}
	for i := 0; i+1 < len(det.Content); i += 2 {
		name, body := det.Content[i].Value, det.Content[i+1]
		if name == "condition" {
			cond = conditionString(body)
			continue
		}
		selections[name] = t.parseSelection(body)
	}
	return selections, strings.TrimSpace(cond)
}

func conditionString(n *yaml.Node) string {
	switch n.Kind {
	case yaml.ScalarNode:
		return n.Value
	case yaml.SequenceNode:
		var parts []string
		for _, c := range n.Content {
			if c.Kind == yaml.ScalarNode && strings.TrimSpace(c.Value) != "" {
				parts = append(parts, c.Value)
			}
		}
		return strings.Join(parts, " or ")
	}
	return ""
}

func (t *Translator) parseSelection(body *yaml.Node) selection {
	var out selection
	switch body.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(body.Content); i += 2 {
			out = append(out, t.parsePredicate(body.Content[i].Value, body.Content[i+1])...)
		}
	case yaml.SequenceNode:
		// a list of maps is flattened; keyword lists carry no field and are dropped
		for _, item := range body.Content {
			if item.Kind == yaml.MappingNode {
				out = append(out, t.parseSelection(item)...)
			}
		}
	}
	return out
}

func (t *Translator) parsePredicate(rawKey string, val *yaml.Node) []engine.Condition {
	field, op, wrap := parseFieldKey(rawKey)
	field = t.fm.Resolve(field)

	var values []string
	switch val.Kind {
	case yaml.SequenceNode:
		for _, item := range val.Content {
			if item.Kind == yaml.ScalarNode {
				values = append(values, scalarValue(item))
			}
		}
	case yaml.ScalarNode:
		values = append(values, scalarValue(val))
	default:
		t.log.Debugw("ignoring non-scalar selection value", "field", rawKey)
	}

	out := make([]engine.Condition, 0, len(values))
	for _, v := range values {
		c, err := engine.NewCondition(field, op, wrap(v))
		if err != nil {
			t.log.Warnw("skipping selection value", "field", rawKey, "error", err)
			continue
		}
		out = append(out, c)
	}
	return out
}

func scalarValue(n *yaml.Node) string {
	if n.Tag == "!!null" {
		return ""
	}
	return n.Value
}

// Field|mod1|mod2 -> (field, op, value transform)
func parseFieldKey(s string) (string, engine.Op, func(string) string) {
	parts := strings.Split(s, "|")
	op := engine.OpEq
	ident := func(v string) string { return v }
	wrap := ident
	for _, m := range parts[1:] {
		switch strings.ToLower(strings.TrimSpace(m)) {
		case "contains":
			op, wrap = engine.OpContains, ident
		case "re", "regex":
			op, wrap = engine.OpRegex, ident
		case "startswith":
			op = engine.OpRegex
			wrap = func(v string) string { return "^" + pattern.Escape(v) }
		case "endswith":
			op = engine.OpRegex
			wrap = func(v string) string { return pattern.Escape(v) + "$" }
		default:
			// other modifiers are not supported and are ignored
		}
	}
	return parts[0], op, wrap
}

// LoadDir translates every *.yml / *.yaml file under dir into rs and returns
// the number of rules added. Bad documents are logged and skipped.
func (t *Translator) LoadDir(rs *engine.RuleSet, dir string) int {
	n := 0
	st := fsutil.Walk(dir, fsutil.YAMLExts, func(p string, b []byte) error {
		rules, errs := t.Translate(b)
		for _, err := range errs {
			t.log.Warnw("skipping sigma document", "path", p, "error", err)
		}
		if len(rules) == 0 && len(errs) > 0 {
			return errs[0]
		}
		rs.Add(rules...)
		n += len(rules)
		return nil
	}, t.log)
	t.log.Infow("sigma rules loaded", "dir", dir, "rules", n, "files", st.Loaded, "skipped_files", st.Skipped)
	return n
}
