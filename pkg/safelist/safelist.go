package safelist

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	ac "github.com/petar-dambovaliev/aho-corasick"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/PhucNguyen204/evtx-analyzer/internal/fsutil"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/event"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/pattern"
)

// Bucket names one pattern list. The names double as YAML keys.
type Bucket string

const (
	Usernames    Bucket = "usernames"
	SIDs         Bucket = "sids"
	Computers    Bucket = "computers"
	Processes    Bucket = "processes"
	CommandLines Bucket = "commandlines"
	EventIDs     Bucket = "event_ids"
	RuleIDs      Bucket = "rule_ids"
)

// Buckets lists every bucket in check order.
var Buckets = []Bucket{Usernames, SIDs, Computers, Processes, CommandLines, EventIDs, RuleIDs}

// set holds one bucket's patterns. Plain ASCII literals are matched with a
// single case-insensitive automaton; everything else is a regex search.
type set struct {
	literals []string
	litRe    []*pattern.Regex // regex form of literals, for non-ASCII values
	regexes  []*pattern.Regex
	ac       *ac.AhoCorasick
}

func (s *set) len() int { return len(s.literals) + len(s.regexes) }

func (s *set) rebuild() {
	if len(s.literals) == 0 {
		s.ac = nil
		return
	}
	b := ac.NewAhoCorasickBuilder(ac.Opts{
		AsciiCaseInsensitive: true,
		MatchKind:            ac.LeftMostLongestMatch,
	})
	built := b.Build(s.literals)
	s.ac = &built
}

func (s *set) match(v string) bool {
	if v == "" || s.len() == 0 {
		return false
	}
	if s.ac != nil {
		if len(s.ac.FindAll(v)) > 0 {
			return true
		}
		// ASCII folding is exact only for ASCII input
		if !isASCII(v) && anySearch(s.litRe, v) {
			return true
		}
	}
	return anySearch(s.regexes, v)
}

func anySearch(res []*pattern.Regex, v string) bool {
	for _, re := range res {
		if ok, err := re.Search(v); err == nil && ok {
			return true
		}
	}
	return false
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// Safelist suppresses known-benign events and findings.
type Safelist struct {
	mu   sync.RWMutex
	sets map[Bucket]*set
	log  *zap.SugaredLogger
}

type Option func(*Safelist)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Safelist) {
		if l != nil {
			s.log = l
		}
	}
}

func New(opts ...Option) *Safelist {
	s := &Safelist{sets: map[Bucket]*set{}, log: zap.NewNop().Sugar()}
	for _, b := range Buckets {
		s.sets[b] = &set{}
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add compiles patterns into bucket b, skipping invalid ones, and returns how
// many were accepted.
func (s *Safelist) Add(b Bucket, patterns ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.add(b, patterns)
	if st, ok := s.sets[b]; ok {
		st.rebuild()
	}
	return n
}

func (s *Safelist) add(b Bucket, patterns []string) int {
	st, ok := s.sets[b]
	if !ok {
		return 0
	}
	n := 0
	for _, p := range patterns {
		re, err := pattern.Compile(p)
		if err != nil {
			s.log.Warnw("skipping invalid safelist pattern", "bucket", string(b), "pattern", p, "error", err)
			continue
		}
		if pattern.IsPlainASCII(p) {
			st.literals = append(st.literals, p)
			st.litRe = append(st.litRe, re)
		} else {
			st.regexes = append(st.regexes, re)
		}
		n++
	}
	return n
}

// Len returns the number of patterns in bucket b.
func (s *Safelist) Len(b Bucket) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.sets[b]; ok {
		return st.len()
	}
	return 0
}

// LoadDir loads every YAML and .txt file under dir. YAML files fill buckets
// by key; text files hold one command-line pattern per line and skip `#`
// comments. It returns the number of files loaded.
func (s *Safelist) LoadDir(dir string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := fsutil.Walk(dir, []string{".yml", ".yaml", ".txt"}, func(p string, b []byte) error {
		if fsutil.HasExt(p, ".txt") {
			s.add(CommandLines, textPatterns(b))
			return nil
		}
		lists, err := parseYAML(b)
		if err != nil {
			return err
		}
		for _, bk := range Buckets {
			s.add(bk, lists[bk])
		}
		return nil
	}, s.log)
	for _, bs := range s.sets {
		bs.rebuild()
	}
	s.log.Infow("safelists loaded", "dir", dir, "files", st.Loaded, "skipped_files", st.Skipped)
	return st.Loaded
}

func textPatterns(b []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		ln := strings.TrimSpace(sc.Text())
		if ln == "" || strings.HasPrefix(ln, "#") {
			continue
		}
		out = append(out, ln)
	}
	return out
}

// parseYAML reads bucket lists from one document. A scalar is a one-pattern
// list; unknown keys are ignored.
func parseYAML(b []byte) (map[Bucket][]string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	out := map[Bucket][]string{}
	if len(doc.Content) == 0 {
		return out, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("safelist document is not a mapping")
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := Bucket(root.Content[i].Value), root.Content[i+1]
		switch val.Kind {
		case yaml.SequenceNode:
			for _, item := range val.Content {
				if item.Kind == yaml.ScalarNode && item.Tag != "!!null" {
					out[key] = append(out[key], item.Value)
				}
			}
		case yaml.ScalarNode:
			if val.Tag != "!!null" {
				out[key] = append(out[key], val.Value)
			}
		}
	}
	return out, nil
}

// IsEventSafelisted reports whether any bucket matches the event's value for
// it. The user is TargetUserName, else SubjectUserName, else the user SID.
// Absent values never match.
func (s *Safelist) IsEventSafelisted(ev *event.NormalizedEvent) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	checks := []struct {
		b Bucket
		v string
	}{
		{Usernames, firstData(ev, ev.UserSID, "TargetUserName", "SubjectUserName")},
		{SIDs, ev.UserSID},
		{Computers, ev.Computer},
		{Processes, firstData(ev, "", "NewProcessName", "Image")},
		{CommandLines, firstData(ev, "", "CommandLine", "ScriptBlockText")},
		{EventIDs, ev.EventID},
	}
	for _, c := range checks {
		if s.sets[c.b].match(c.v) {
			return true
		}
	}
	return false
}

// IsFindingSafelisted applies the rule id bucket to f.RuleID.
func (s *Safelist) IsFindingSafelisted(f event.Finding) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sets[RuleIDs].match(f.RuleID)
}

func firstData(ev *event.NormalizedEvent, fallback string, names ...string) string {
	for _, n := range names {
		if v, ok := ev.DataString(n); ok && v != "" {
			return v
		}
	}
	return fallback
}
