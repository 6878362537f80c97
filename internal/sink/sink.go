package sink

import (
	"context"
	"errors"

	"github.com/PhucNguyen204/evtx-analyzer/pkg/event"
)

// Sink receives emitted events and the findings raised on them. A finding
// is always written after the event it refers to.
type Sink interface {
	WriteEvent(ctx context.Context, ev *event.NormalizedEvent) error
	WriteFinding(ctx context.Context, f event.Finding) error
	Close() error
}

// Multi fans every write out to all sinks in order and stops at the first
// error.
type Multi []Sink

func (m Multi) WriteEvent(ctx context.Context, ev *event.NormalizedEvent) error {
	for _, s := range m {
		if err := s.WriteEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) WriteFinding(ctx context.Context, f event.Finding) error {
	for _, s := range m {
		if err := s.WriteFinding(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink and joins their errors.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops everything.
type Discard struct{}

func (Discard) WriteEvent(context.Context, *event.NormalizedEvent) error { return nil }
func (Discard) WriteFinding(context.Context, event.Finding) error        { return nil }
func (Discard) Close() error                                             { return nil }
