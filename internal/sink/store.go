package sink

import (
	"context"

	"github.com/PhucNguyen204/evtx-analyzer/pkg/event"
)

// Persister is implemented by *store.Store.
type Persister interface {
	InsertEvent(ctx context.Context, runID string, ev *event.NormalizedEvent) (int64, error)
	InsertFinding(ctx context.Context, runID string, f event.Finding, eventRef int64) error
}

// Store writes into a Persister and links each finding to the row of the
// event written just before it. It is not safe for concurrent use.
type Store struct {
	p       Persister
	runID   string
	lastRef int64
}

func NewStore(p Persister, runID string) *Store {
	return &Store{p: p, runID: runID}
}

func (s *Store) WriteEvent(ctx context.Context, ev *event.NormalizedEvent) error {
	id, err := s.p.InsertEvent(ctx, s.runID, ev)
	if err != nil {
		s.lastRef = 0
		return err
	}
	s.lastRef = id
	return nil
}

func (s *Store) WriteFinding(ctx context.Context, f event.Finding) error {
	return s.p.InsertFinding(ctx, s.runID, f, s.lastRef)
}

// Close leaves the underlying store open; its owner closes it.
func (s *Store) Close() error { return nil }
