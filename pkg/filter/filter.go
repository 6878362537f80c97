package filter

import (
	"time"

	"github.com/PhucNguyen204/evtx-analyzer/pkg/event"
)

// Spec configures an EventFilter for one run.
type Spec struct {
	IDsByChannel  map[string]map[string]struct{}
	CustomIDs     []string
	ChannelFilter []string
	Start         time.Time // zero = unbounded
	End           time.Time // zero = unbounded
	Expression    string
}

// EventFilter decides whether an event is relevant. It holds no mutable
// state after construction.
type EventFilter struct {
	idsByChannel map[string]map[string]struct{}
	customIDs    map[string]struct{}
	channels     map[string]struct{}
	start, end   time.Time
	expr         *Expression
}

// New builds an EventFilter from spec.
func New(spec Spec) *EventFilter {
	f := &EventFilter{
		idsByChannel: spec.IDsByChannel,
		customIDs:    toSet(spec.CustomIDs),
		channels:     toSet(spec.ChannelFilter),
		start:        spec.Start,
		end:          spec.End,
	}
	if f.idsByChannel == nil {
		f.idsByChannel = map[string]map[string]struct{}{}
	}
	if spec.Expression != "" {
		f.expr = ParseExpression(spec.Expression)
	}
	return f
}

// Admit applies, in order: channel filter, id allow-list, time bounds and the
// expression. The first failing check rejects.
func (f *EventFilter) Admit(ev *event.NormalizedEvent) bool {
	if len(f.channels) > 0 {
		if _, ok := f.channels[ev.Channel]; !ok {
			return false
		}
	}

	allowed := f.idsByChannel[ev.Channel]
	if len(allowed) > 0 || len(f.customIDs) > 0 {
		_, inProfile := allowed[ev.EventID]
		_, inCustom := f.customIDs[ev.EventID]
		if !inProfile && !inCustom {
			return false
		}
	}

	if !f.start.IsZero() && (!ev.HasTimestamp() || ev.TimestampValue.Before(f.start)) {
		return false
	}
	if !f.end.IsZero() && (!ev.HasTimestamp() || ev.TimestampValue.After(f.end)) {
		return false
	}

	if f.expr != nil && !f.expr.Eval(ev) {
		return false
	}
	return true
}

func toSet(xs []string) map[string]struct{} {
	out := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		out[x] = struct{}{}
	}
	return out
}
