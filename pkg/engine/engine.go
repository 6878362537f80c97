package engine

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/PhucNguyen204/evtx-analyzer/pkg/event"
)

// RuleSet holds rules in load order. Rules from several loaders accumulate;
// ids are not deduplicated.
type RuleSet struct {
	mu        sync.Mutex
	rules     []Rule
	pf        *prefilter
	noPrefilt bool
	log       *zap.SugaredLogger
}

type Option func(*RuleSet)

// WithLogger sets the logger used for skipped rules.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(rs *RuleSet) {
		if l != nil {
			rs.log = l
		}
	}
}

// WithoutPrefilter evaluates every rule on every event.
func WithoutPrefilter() Option {
	return func(rs *RuleSet) { rs.noPrefilt = true }
}

func NewRuleSet(opts ...Option) *RuleSet {
	rs := &RuleSet{log: zap.NewNop().Sugar()}
	for _, o := range opts {
		o(rs)
	}
	return rs
}

// Add appends rules, defaulting empty severities.
func (rs *RuleSet) Add(rules ...Rule) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, r := range rules {
		if r.Severity == "" {
			r.Severity = DefaultSeverity
		}
		rs.rules = append(rs.rules, r)
	}
	rs.pf = nil
}

func (rs *RuleSet) Len() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.rules)
}

// Rules returns a snapshot of the loaded rules.
func (rs *RuleSet) Rules() []Rule {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]Rule(nil), rs.rules...)
}

func (rs *RuleSet) snapshot() ([]Rule, *prefilter) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.noPrefilt {
		return rs.rules, nil
	}
	if rs.pf == nil {
		rs.pf = buildPrefilter(rs.rules)
		rs.log.Debugw("rule prefilter built", "rules", len(rs.rules), "gated", rs.pf.numGated, "always", rs.pf.numAlways)
	}
	return rs.rules, rs.pf
}

// Evaluate returns one finding per firing rule, in load order. A rule that
// errors or panics is logged and skipped; it never stops the others.
func (rs *RuleSet) Evaluate(ev *event.NormalizedEvent) []event.Finding {
	rules, pf := rs.snapshot()
	var cand []bool
	if pf != nil {
		cand = pf.candidates(ev)
	}
	var out []event.Finding
	for i := range rules {
		if cand != nil && !cand[i] {
			continue
		}
		r := &rules[i]
		ok, err := safeEval(r, ev)
		if err != nil {
			rs.log.Debugw("rule evaluation failed", "rule_id", r.ID, "error", err)
			continue
		}
		if ok {
			out = append(out, r.finding(ev))
		}
	}
	return out
}

func safeEval(r *Rule, ev *event.NormalizedEvent) (ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			ok, err = false, fmt.Errorf("rule panicked: %v", p)
		}
	}()
	return r.Eval(ev)
}
