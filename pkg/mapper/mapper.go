package mapper

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/PhucNguyen204/evtx-analyzer/internal/fsutil"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/event"
)

// DefaultDir is where map files live when nothing else is configured.
const DefaultDir = "./maps"

// SyncedFile is the name remote definitions are persisted under.
const SyncedFile = "synced.yaml"

// Entry describes how events under one lookup key are enriched.
type Entry struct {
	Rename map[string]string `yaml:"rename,omitempty" json:"rename,omitempty"`
	Derive map[string]string `yaml:"derive,omitempty" json:"derive,omitempty"`
	Tags   []string          `yaml:"tags,omitempty" json:"tags,omitempty"`
}

func (e Entry) empty() bool {
	return len(e.Rename) == 0 && len(e.Derive) == 0 && len(e.Tags) == 0
}

// Table maps "channel:event_id" or bare "event_id" to an Entry.
type Table map[string]Entry

// EventMapper enriches events from a table loaded off disk. The table is
// swapped whole on reload, so concurrent Enrich calls see either the old or
// the new definitions.
type EventMapper struct {
	dir string
	log *zap.SugaredLogger

	mu    sync.RWMutex
	table Table

	fetch fetcher
}

type Option func(*EventMapper)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *EventMapper) {
		if l != nil {
			m.log = l
		}
	}
}

// New returns a mapper reading definitions from dir (DefaultDir when empty).
func New(dir string, opts ...Option) *EventMapper {
	if dir == "" {
		dir = DefaultDir
	}
	m := &EventMapper{
		dir:   dir,
		log:   zap.NewNop().Sugar(),
		table: Table{},
		fetch: newFetcher(nil, S3Options{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *EventMapper) Dir() string { return m.dir }

// Len is the number of loaded lookup keys.
func (m *EventMapper) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.table)
}

// Lookup returns the entry for ev: exact "channel:event_id" first, bare
// event_id second. Empty entries count as no entry.
func (m *EventMapper) Lookup(ev *event.NormalizedEvent) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.table[ev.Channel+":"+ev.EventID]; ok && !e.empty() {
		return e, true
	}
	if e, ok := m.table[ev.EventID]; ok && !e.empty() {
		return e, true
	}
	return Entry{}, false
}

// LoadLocal rebuilds the table from every *.yml / *.yaml file under the maps
// directory, creating it if needed. Later files overwrite earlier keys. It
// returns the number of files loaded.
func (m *EventMapper) LoadLocal() int {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		m.log.Warnw("cannot create maps dir", "dir", m.dir, "error", err)
	}
	t, st := loadDir(m.dir, m.log)
	m.swap(t)
	m.log.Infow("event maps loaded", "dir", m.dir, "keys", len(t), "files", st.Loaded, "skipped_files", st.Skipped)
	return st.Loaded
}

func (m *EventMapper) swap(t Table) {
	m.mu.Lock()
	m.table = t
	m.mu.Unlock()
}

func loadDir(dir string, log *zap.SugaredLogger) (Table, fsutil.Stats) {
	t := Table{}
	st := fsutil.Walk(dir, fsutil.YAMLExts, func(p string, b []byte) error {
		part, err := ParseTable(b)
		if err != nil {
			return err
		}
		for k, v := range part {
			t[k] = v
		}
		return nil
	}, log)
	return t, st
}

// ParseTable decodes one map document. An empty document is an empty table;
// anything other than a mapping is an error. Null entries become empty
// entries.
func ParseTable(b []byte) (Table, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	t := Table{}
	if len(doc.Content) == 0 {
		return t, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("map document is not a mapping")
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i].Value, root.Content[i+1]
		var e Entry
		if val.Tag != "!!null" {
			if err := val.Decode(&e); err != nil {
				return nil, fmt.Errorf("key %q: %w", key, err)
			}
		}
		t[key] = e
	}
	return t, nil
}

var placeholder = regexp.MustCompile(`\{([^{}]+)\}`)

// Enrich returns an enriched copy of ev; ev itself is never modified. Renames
// copy data[src] to data[dst] and keep src. Derive templates substitute
// {field} from the renamed payload and leave unknown placeholders as they
// are. Tags are unioned without duplicates.
func (m *EventMapper) Enrich(ev *event.NormalizedEvent) *event.NormalizedEvent {
	entry, ok := m.Lookup(ev)
	if !ok {
		return ev
	}
	out := ev.Clone()
	if out.Data == nil {
		out.Data = map[string]any{}
	}

	srcs := make([]string, 0, len(entry.Rename))
	for src := range entry.Rename {
		srcs = append(srcs, src)
	}
	sort.Strings(srcs)
	for _, src := range srcs {
		if v, ok := ev.Data[src]; ok {
			out.Data[entry.Rename[src]] = v
		}
	}

	if len(entry.Derive) > 0 {
		if out.Derived == nil {
			out.Derived = map[string]string{}
		}
		for name, tmpl := range entry.Derive {
			out.Derived[name] = expand(tmpl, out.Data)
		}
	}

	out.Tags = unionTags(out.Tags, entry.Tags)
	return &out
}

func expand(tmpl string, data map[string]any) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(ph string) string {
		v, ok := data[ph[1:len(ph)-1]]
		if !ok || v == nil {
			return ph
		}
		return event.Stringify(v)
	})
}

func unionTags(have, add []string) []string {
	if len(add) == 0 {
		return have
	}
	seen := make(map[string]struct{}, len(have)+len(add))
	out := make([]string, 0, len(have)+len(add))
	for _, list := range [][]string{have, add} {
		for _, t := range list {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
