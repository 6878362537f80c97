package rules

import (
	"go.uber.org/zap"

	"github.com/PhucNguyen204/evtx-analyzer/internal/metrics"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/engine"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/sigma"
)

const (
	SourceNative = "native"
	SourceSigma  = "sigma"
)

// Dirs names the rule directories of one run. An empty dir is not loaded.
type Dirs struct {
	Native string
	Sigma  string
	// FieldMapping renames Sigma fields before conditions are built.
	FieldMapping map[string]string
}

// Counts is the number of rules each source contributed.
type Counts struct {
	Native int `json:"native"`
	Sigma  int `json:"sigma"`
}

func (c Counts) Total() int { return c.Native + c.Sigma }

// LoadDirRecursive loads native rules first and Sigma rules second into rs,
// so native rules evaluate first. Loading is best-effort; see the package
// loaders for what gets skipped.
func LoadDirRecursive(rs *engine.RuleSet, d Dirs, log *zap.SugaredLogger) Counts {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	var c Counts
	if d.Native != "" {
		c.Native = rs.LoadDir(d.Native, log)
	}
	if d.Sigma != "" {
		tr := sigma.NewTranslator(
			sigma.WithLogger(log),
			sigma.WithFieldMapping(sigma.NewFieldMapping(d.FieldMapping)),
		)
		c.Sigma = tr.LoadDir(rs, d.Sigma)
	}
	metrics.RulesLoaded.WithLabelValues(SourceNative).Set(float64(c.Native))
	metrics.RulesLoaded.WithLabelValues(SourceSigma).Set(float64(c.Sigma))
	return c
}

// BySource splits the rules of rs by the loader that produced them.
// Translated rules carry the sigma tag; everything else is native.
func BySource(rs *engine.RuleSet) map[string][]engine.Rule {
	out := map[string][]engine.Rule{}
	for _, r := range rs.Rules() {
		src := SourceNative
		for _, t := range r.Tags {
			if t == sigma.Tag {
				src = SourceSigma
				break
			}
		}
		out[src] = append(out[src], r)
	}
	return out
}
