package dedup

import (
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/PhucNguyen204/evtx-analyzer/pkg/event"
)

// Key is channel|event_id|record_id|timestamp with absent parts empty.
func Key(ev *event.NormalizedEvent) string {
	return strings.Join([]string{ev.Channel, ev.EventID, ev.RecordID, ev.Timestamp}, "|")
}

// Deduplicator remembers the xxhash of every key seen during one run, eight
// bytes per event. Two distinct keys with the same 64-bit hash are treated as
// duplicates; at that width a collision is not expected within a run. It is
// safe for concurrent use and never persists anything.
type Deduplicator struct {
	mu   sync.Mutex
	seen map[uint64]struct{}
}

func New() *Deduplicator {
	return &Deduplicator{seen: map[uint64]struct{}{}}
}

// Fingerprint is the 64-bit hash of Key(ev).
func Fingerprint(ev *event.NormalizedEvent) uint64 {
	return xxhash.Sum64String(Key(ev))
}

// Seen records ev and reports whether an event with the same key was
// recorded before.
func (d *Deduplicator) Seen(ev *event.NormalizedEvent) bool {
	h := Fingerprint(ev)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[h]; ok {
		return true
	}
	d.seen[h] = struct{}{}
	return false
}

// Len is the number of distinct keys recorded.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Deduplicator) Reset() {
	d.mu.Lock()
	d.seen = map[uint64]struct{}{}
	d.mu.Unlock()
}
