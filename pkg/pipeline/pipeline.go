package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PhucNguyen204/evtx-analyzer/internal/metrics"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/dedup"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/engine"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/event"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/filter"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/mapper"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/safelist"
)

// Source yields normalized events one at a time and returns io.EOF when
// exhausted.
type Source interface {
	Next(ctx context.Context) (*event.NormalizedEvent, error)
}

// Sink receives emitted events and findings.
type Sink interface {
	WriteEvent(ctx context.Context, ev *event.NormalizedEvent) error
	WriteFinding(ctx context.Context, f event.Finding) error
	Close() error
}

// Outcome says what happened to one event.
type Outcome int

const (
	Rejected Outcome = iota
	Duplicate
	Emitted
)

func (o Outcome) String() string {
	switch o {
	case Rejected:
		return metrics.OutcomeRejected
	case Duplicate:
		return metrics.OutcomeDuplicate
	}
	return metrics.OutcomeEmitted
}

// Result is the outcome of Process for one event.
type Result struct {
	Outcome    Outcome
	Event      *event.NormalizedEvent // enriched; nil unless Emitted
	Safelisted bool
	Findings   []event.Finding
	Suppressed int
}

// Stats accumulates results over a run.
type Stats struct {
	Seen               int `json:"seen"`
	Emitted            int `json:"emitted"`
	Rejected           int `json:"rejected"`
	Duplicates         int `json:"duplicates"`
	SafelistedEvents   int `json:"safelisted_events"`
	Findings           int `json:"findings"`
	SuppressedFindings int `json:"suppressed_findings"`
}

func (s *Stats) add(r Result) {
	s.Seen++
	switch r.Outcome {
	case Rejected:
		s.Rejected++
	case Duplicate:
		s.Duplicates++
	case Emitted:
		s.Emitted++
	}
	if r.Safelisted {
		s.SafelistedEvents++
	}
	s.Findings += len(r.Findings)
	s.SuppressedFindings += r.Suppressed
}

// Pipeline runs filter -> enrich -> dedup -> safelist -> rules -> safelist
// over one event at a time. Nil stages are skipped.
type Pipeline struct {
	filter   *filter.EventFilter
	mapper   *mapper.EventMapper
	dedup    *dedup.Deduplicator
	rules    *engine.RuleSet
	safelist *safelist.Safelist
	log      *zap.SugaredLogger
	newID    func() string
}

type Option func(*Pipeline)

func WithFilter(f *filter.EventFilter) Option  { return func(p *Pipeline) { p.filter = f } }
func WithMapper(m *mapper.EventMapper) Option  { return func(p *Pipeline) { p.mapper = m } }
func WithDedup(d *dedup.Deduplicator) Option   { return func(p *Pipeline) { p.dedup = d } }
func WithRules(rs *engine.RuleSet) Option      { return func(p *Pipeline) { p.rules = rs } }
func WithSafelist(s *safelist.Safelist) Option { return func(p *Pipeline) { p.safelist = s } }
func WithIDGenerator(fn func() string) Option  { return func(p *Pipeline) { p.newID = fn } }

func WithLogger(l *zap.SugaredLogger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		log:   zap.NewNop().Sugar(),
		newID: func() string { return uuid.NewString() },
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process takes one event through every stage. Safelisted events are still
// emitted; they only skip rule evaluation.
func (p *Pipeline) Process(ev *event.NormalizedEvent) Result {
	start := time.Now()
	r := p.process(ev)
	metrics.EventProcessingDuration.Observe(time.Since(start).Seconds())
	metrics.EventsProcessed.WithLabelValues(r.Outcome.String()).Inc()
	if r.Safelisted {
		metrics.EventsSafelisted.Inc()
	}
	for _, f := range r.Findings {
		metrics.FindingsGenerated.WithLabelValues(f.Severity).Inc()
	}
	if r.Suppressed > 0 {
		metrics.FindingsSuppressed.Add(float64(r.Suppressed))
	}
	return r
}

func (p *Pipeline) process(ev *event.NormalizedEvent) Result {
	if p.filter != nil && !p.filter.Admit(ev) {
		return Result{Outcome: Rejected}
	}
	if p.mapper != nil {
		ev = p.mapper.Enrich(ev)
	}
	if p.dedup != nil && p.dedup.Seen(ev) {
		return Result{Outcome: Duplicate}
	}

	r := Result{Outcome: Emitted, Event: ev}
	if p.rules == nil || p.rules.Len() == 0 {
		return r
	}
	if p.safelist != nil && p.safelist.IsEventSafelisted(ev) {
		r.Safelisted = true
		return r
	}
	for _, f := range p.rules.Evaluate(ev) {
		if p.safelist != nil && p.safelist.IsFindingSafelisted(f) {
			r.Suppressed++
			continue
		}
		f.ID = p.newID()
		r.Findings = append(r.Findings, f)
	}
	return r
}

// Run drains src through the pipeline into sink. It stops at io.EOF, on a
// source or sink error, or when ctx is done. The sink is not closed.
func (p *Pipeline) Run(ctx context.Context, src Source, sink Sink) (Stats, error) {
	var st Stats
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		ev, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return st, fmt.Errorf("read event: %w", err)
		}
		r := p.Process(ev)
		st.add(r)
		if r.Outcome != Emitted {
			continue
		}
		if err := sink.WriteEvent(ctx, r.Event); err != nil {
			return st, fmt.Errorf("write event: %w", err)
		}
		for _, f := range r.Findings {
			if err := sink.WriteFinding(ctx, f); err != nil {
				return st, fmt.Errorf("write finding: %w", err)
			}
		}
	}
	p.log.Infow("pipeline finished",
		"seen", st.Seen, "emitted", st.Emitted, "rejected", st.Rejected,
		"duplicates", st.Duplicates, "findings", st.Findings,
		"suppressed_findings", st.SuppressedFindings)
	return st, nil
}
