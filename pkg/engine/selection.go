package engine

import (
	"github.com/PhucNguyen204/evtx-analyzer/pkg/event"
)

// DefaultSeverity applies to rules that do not set one.
const DefaultSeverity = "info"

// Rule fires when every AllOf condition holds and, if AnyOf is non-empty, at
// least one AnyOf condition holds. A rule with neither list never fires.
type Rule struct {
	ID          string
	Description string
	Severity    string
	Tags        []string
	AllOf       []Condition
	AnyOf       []Condition
}

// Eval reports whether r fires on ev. Conditions short-circuit in order; the
// first condition error aborts the rule.
func (r *Rule) Eval(ev *event.NormalizedEvent) (bool, error) {
	if len(r.AllOf) == 0 && len(r.AnyOf) == 0 {
		return false, nil
	}
	for _, c := range r.AllOf {
		ok, err := c.Eval(ev)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	if len(r.AnyOf) == 0 {
		return true, nil
	}
	for _, c := range r.AnyOf {
		ok, err := c.Eval(ev)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Match is Eval with errors read as no match.
func (r *Rule) Match(ev *event.NormalizedEvent) bool {
	ok, err := r.Eval(ev)
	return err == nil && ok
}

func (r *Rule) finding(ev *event.NormalizedEvent) event.Finding {
	return event.Finding{
		RuleID:         r.ID,
		Severity:       r.Severity,
		Description:    r.Description,
		Tags:           append([]string{}, r.Tags...),
		EventTimestamp: ev.Timestamp,
		Channel:        ev.Channel,
		EventID:        ev.EventID,
	}
}
