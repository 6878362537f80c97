package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/PhucNguyen204/evtx-analyzer/pkg/engine"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/event"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadDirRecursive(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "native", "auth.yaml"), `
- id: failed_logon
  severity: low
  all:
    - {field: event_id, op: eq, value: "4625"}
`)
	writeFile(t, filepath.Join(root, "sigma", "proc", "whoami.yml"), `
title: Whoami Execution
id: sigma_whoami
level: medium
detection:
  selection:
    ProcessCommandLine|contains: whoami
  condition: selection
`)
	writeFile(t, filepath.Join(root, "sigma", "broken.yml"), "title: [\n")

	rs := engine.NewRuleSet()
	c := LoadDirRecursive(rs, Dirs{
		Native:       filepath.Join(root, "native"),
		Sigma:        filepath.Join(root, "sigma"),
		FieldMapping: map[string]string{"ProcessCommandLine": "CommandLine"},
	}, zaptest.NewLogger(t).Sugar())

	assert.Equal(t, Counts{Native: 1, Sigma: 1}, c)
	assert.Equal(t, 2, c.Total())
	require.Equal(t, 2, rs.Len())
	assert.Equal(t, "failed_logon", rs.Rules()[0].ID, "native rules load first")

	ev := &event.NormalizedEvent{Channel: "Security", EventID: "4688", Data: map[string]any{"CommandLine": "cmd /c whoami /all"}}
	fs := rs.Evaluate(ev)
	require.Len(t, fs, 1)
	assert.Equal(t, "sigma_whoami", fs[0].RuleID)
}

func TestLoadDirRecursive_EmptyAndMissing(t *testing.T) {
	rs := engine.NewRuleSet()
	c := LoadDirRecursive(rs, Dirs{Sigma: filepath.Join(t.TempDir(), "absent")}, nil)
	assert.Zero(t, c.Total())
	assert.Zero(t, rs.Len())
}

func TestBySource(t *testing.T) {
	rs := engine.NewRuleSet()
	rs.Add(
		engine.Rule{ID: "a", Tags: []string{"auth"}},
		engine.Rule{ID: "b", Tags: []string{"sigma", "attack.t1033"}},
		engine.Rule{ID: "c"},
	)
	got := BySource(rs)
	require.Len(t, got[SourceNative], 2)
	require.Len(t, got[SourceSigma], 1)
	assert.Equal(t, "b", got[SourceSigma][0].ID)
}
