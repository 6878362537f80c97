package engine

import (
	"strings"
	"unicode/utf8"

	"github.com/PhucNguyen204/evtx-analyzer/pkg/event"
)

// Aho-Corasick automaton over runes, case-insensitive.
type acNode struct {
	next map[rune]int
	fail int
	out  []int // pattern ids ending here, including via fail links
}

type AhoCorasick struct {
	nodes    []acNode
	patterns []string // lowercased
}

// NewAC builds the trie and its failure links.
func NewAC(patterns []string) *AhoCorasick {
	ac := &AhoCorasick{nodes: []acNode{{next: map[rune]int{}}}}
	for pid, p := range patterns {
		p = strings.ToLower(p)
		ac.patterns = append(ac.patterns, p)
		cur := 0
		for _, r := range p {
			nxt, ok := ac.nodes[cur].next[r]
			if !ok {
				nxt = len(ac.nodes)
				ac.nodes = append(ac.nodes, acNode{next: map[rune]int{}})
				ac.nodes[cur].next[r] = nxt
			}
			cur = nxt
		}
		ac.nodes[cur].out = append(ac.nodes[cur].out, pid)
	}

	var queue []int
	for _, v := range ac.nodes[0].next {
		queue = append(queue, v)
	}
	for h := 0; h < len(queue); h++ {
		u := queue[h]
		for r, v := range ac.nodes[u].next {
			queue = append(queue, v)
			f := ac.nodes[u].fail
			for {
				if to, ok := ac.nodes[f].next[r]; ok {
					ac.nodes[v].fail = to
					break
				}
				if f == 0 {
					break
				}
				f = ac.nodes[f].fail
			}
			ac.nodes[v].out = append(ac.nodes[v].out, ac.nodes[ac.nodes[v].fail].out...)
		}
	}
	return ac
}

// FindAny returns every pattern id occurring in text, overlaps included.
func (ac *AhoCorasick) FindAny(text string) map[int]struct{} {
	res := map[int]struct{}{}
	cur := 0
	for _, r := range strings.ToLower(text) {
		for {
			if to, ok := ac.nodes[cur].next[r]; ok {
				cur = to
				break
			}
			if cur == 0 {
				break
			}
			cur = ac.nodes[cur].fail
		}
		for _, pid := range ac.nodes[cur].out {
			res[pid] = struct{}{}
		}
	}
	return res
}

// prefilter narrows a rule list to candidates. A rule is gated on literals
// that any event it fires on must contain; ungated rules are always
// candidates. Gating is case-insensitive, so it only ever over-selects.
type prefilter struct {
	ac        *AhoCorasick
	litRules  [][]int // pattern id -> rule indices
	always    []bool
	never     []bool
	numGated  int
	numAlways int
}

func buildPrefilter(rules []Rule) *prefilter {
	pf := &prefilter{
		always: make([]bool, len(rules)),
		never:  make([]bool, len(rules)),
	}
	var pats []string
	ids := map[string]int{}
	for i := range rules {
		r := &rules[i]
		if len(r.AllOf) == 0 && len(r.AnyOf) == 0 {
			pf.never[i] = true
			continue
		}
		lits, ok := gateLiterals(r)
		if !ok {
			pf.always[i] = true
			pf.numAlways++
			continue
		}
		pf.numGated++
		for _, lit := range lits {
			ll := strings.ToLower(lit)
			pid, seen := ids[ll]
			if !seen {
				pid = len(pats)
				ids[ll] = pid
				pats = append(pats, ll)
				pf.litRules = append(pf.litRules, nil)
			}
			pf.litRules[pid] = append(pf.litRules[pid], i)
		}
	}
	if len(pats) > 0 {
		pf.ac = NewAC(pats)
	}
	return pf
}

// gateLiterals picks the literals r can be gated on: the longest all_of
// literal, or else every any_of literal when all of any_of is literal.
func gateLiterals(r *Rule) ([]string, bool) {
	best := ""
	for _, c := range r.AllOf {
		if lit, ok := c.literal(); ok && utf8.ValidString(lit) && len(lit) > len(best) {
			best = lit
		}
	}
	if best != "" {
		return []string{best}, true
	}
	if len(r.AnyOf) == 0 {
		return nil, false
	}
	lits := make([]string, 0, len(r.AnyOf))
	for _, c := range r.AnyOf {
		lit, ok := c.literal()
		if !ok || !utf8.ValidString(lit) {
			return nil, false
		}
		lits = append(lits, lit)
	}
	return lits, true
}

func (pf *prefilter) candidates(ev *event.NormalizedEvent) []bool {
	out := make([]bool, len(pf.always))
	copy(out, pf.always)
	if pf.ac == nil {
		return out
	}
	for pid := range pf.ac.FindAny(eventText(ev)) {
		for _, i := range pf.litRules[pid] {
			out[i] = true
		}
	}
	return out
}

// eventText concatenates every value a condition could resolve on ev.
func eventText(ev *event.NormalizedEvent) string {
	var sb strings.Builder
	for _, v := range []string{ev.Timestamp, ev.Channel, ev.EventID, ev.Computer, ev.Provider, ev.RecordID, ev.UserSID} {
		if v != "" {
			sb.WriteString(v)
			sb.WriteByte(0)
		}
	}
	for _, v := range ev.Data {
		if v == nil {
			continue
		}
		sb.WriteString(event.Stringify(v))
		sb.WriteByte(0)
	}
	return sb.String()
}
