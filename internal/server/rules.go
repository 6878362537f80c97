package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/PhucNguyen204/evtx-analyzer/internal/rules"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/engine"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/sigma"
)

type ruleView struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Severity    string   `json:"severity"`
	Tags        []string `json:"tags"`
	AllOf       []string `json:"all,omitempty"`
	AnyOf       []string `json:"any,omitempty"`
}

func viewOf(r engine.Rule) ruleView {
	v := ruleView{ID: r.ID, Description: r.Description, Severity: r.Severity, Tags: r.Tags}
	if v.Tags == nil {
		v.Tags = []string{}
	}
	for _, c := range r.AllOf {
		v.AllOf = append(v.AllOf, c.String())
	}
	for _, c := range r.AnyOf {
		v.AnyOf = append(v.AnyOf, c.String())
	}
	return v
}

func (s *AppServer) handleListRules(w http.ResponseWriter, r *http.Request) {
	rs, _ := s.current()
	list := rs.Rules()
	out := make([]ruleView, 0, len(list))
	for _, rule := range list {
		out = append(out, viewOf(rule))
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "rules": out})
}

// handleReplaceRules compiles the posted documents into a fresh rule set
// and swaps it in. Body: {"format": "native"|"sigma", "rules": ["yaml...", ...]}.
// Documents that fail to parse are reported and left out.
func (s *AppServer) handleReplaceRules(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Format string   `json:"format"`
		Rules  []string `json:"rules"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	format := strings.ToLower(strings.TrimSpace(req.Format))
	if format == "" {
		format = rules.SourceSigma
	}

	var parse func([]byte) ([]engine.Rule, []error)
	switch format {
	case rules.SourceNative:
		parse = engine.ParseRules
	case rules.SourceSigma:
		parse = sigma.NewTranslator(sigma.WithLogger(s.log)).Translate
	default:
		writeErr(w, http.StatusBadRequest, fmt.Errorf("unknown rule format %q", req.Format))
		return
	}

	var compiled []engine.Rule
	rejected := []string{}
	for i, doc := range req.Rules {
		got, errs := parse([]byte(doc))
		for _, err := range errs {
			rejected = append(rejected, fmt.Sprintf("rules[%d]: %v", i, err))
		}
		compiled = append(compiled, got...)
	}
	if len(compiled) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "no rule compiled", "rejected": rejected})
		return
	}

	if err := s.PersistRules(r.Context(), format, compiled); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	rs := engine.NewRuleSet(engine.WithLogger(s.log))
	rs.Add(compiled...)
	s.swap(rs)
	s.log.Infow("rule set replaced", "format", format, "rules", rs.Len(), "rejected", len(rejected))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "rules": rs.Len(), "rejected": rejected})
}

// PersistRules writes rule metadata so stored findings can be joined to
// their rule.
func (s *AppServer) PersistRules(ctx context.Context, source string, list []engine.Rule) error {
	if err := s.store.UpsertRules(ctx, source, list); err != nil {
		return fmt.Errorf("upsert rules: %w", err)
	}
	return nil
}
