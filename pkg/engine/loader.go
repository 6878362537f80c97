package engine

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/PhucNguyen204/evtx-analyzer/internal/fsutil"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/event"
)

type condDef struct {
	Field string `yaml:"field"`
	Op    string `yaml:"op"`
	Value any    `yaml:"value"`
}

type ruleDef struct {
	ID          string    `yaml:"id"`
	Description string    `yaml:"description"`
	Severity    string    `yaml:"severity"`
	Tags        []any     `yaml:"tags"`
	Any         []condDef `yaml:"any"`
	All         []condDef `yaml:"all"`
}

// ParseRules decodes native rule documents. A document is either a list of
// rule mappings or a mapping of id to rule. Entries that are not mappings or
// that use an unknown op come back as errors next to the rules that loaded.
func ParseRules(b []byte) ([]Rule, []error) {
	var (
		rules []Rule
		errs  []error
	)
	dec := yaml.NewDecoder(bytes.NewReader(b))
	for {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return rules, append(errs, fmt.Errorf("decode: %w", err))
		}
		if len(doc.Content) == 0 {
			continue
		}
		root := doc.Content[0]
		switch root.Kind {
		case yaml.SequenceNode:
			for i, item := range root.Content {
				r, err := decodeRule(item, "")
				if err != nil {
					errs = append(errs, fmt.Errorf("entry %d: %w", i, err))
					continue
				}
				rules = append(rules, r)
			}
		case yaml.MappingNode:
			for i := 0; i+1 < len(root.Content); i += 2 {
				id := root.Content[i].Value
				r, err := decodeRule(root.Content[i+1], id)
				if err != nil {
					errs = append(errs, fmt.Errorf("rule %q: %w", id, err))
					continue
				}
				rules = append(rules, r)
			}
		default:
			errs = append(errs, fmt.Errorf("document is neither a list nor a mapping"))
		}
	}
	return rules, errs
}

func decodeRule(n *yaml.Node, id string) (Rule, error) {
	if n.Kind != yaml.MappingNode {
		return Rule{}, errors.New("not a mapping")
	}
	var d ruleDef
	if err := n.Decode(&d); err != nil {
		return Rule{}, err
	}
	if d.ID == "" {
		d.ID = id
	}
	if d.ID == "" {
		return Rule{}, errors.New("rule has no id")
	}
	r := Rule{ID: d.ID, Description: d.Description, Severity: d.Severity}
	if r.Severity == "" {
		r.Severity = DefaultSeverity
	}
	for _, t := range d.Tags {
		r.Tags = append(r.Tags, event.Stringify(t))
	}
	var err error
	if r.AllOf, err = buildConditions(d.All); err != nil {
		return Rule{}, err
	}
	if r.AnyOf, err = buildConditions(d.Any); err != nil {
		return Rule{}, err
	}
	return r, nil
}

func buildConditions(defs []condDef) ([]Condition, error) {
	out := make([]Condition, 0, len(defs))
	for _, d := range defs {
		c, err := NewCondition(d.Field, Op(d.Op), event.Stringify(d.Value))
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", d.Field, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// LoadDir loads every *.yml / *.yaml file under dir into rs. Malformed files
// and bad entries are logged and skipped. It returns the number of rules
// added.
func (rs *RuleSet) LoadDir(dir string, log *zap.SugaredLogger) int {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	n := 0
	st := fsutil.Walk(dir, fsutil.YAMLExts, func(p string, b []byte) error {
		rules, errs := ParseRules(b)
		for _, err := range errs {
			log.Warnw("skipping native rule", "path", p, "error", err)
		}
		if len(rules) == 0 && len(errs) > 0 {
			return errs[0]
		}
		rs.Add(rules...)
		n += len(rules)
		return nil
	}, log)
	log.Infow("native rules loaded", "dir", dir, "rules", n, "files", st.Loaded, "skipped_files", st.Skipped)
	return n
}
