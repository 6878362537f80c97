package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/PhucNguyen204/evtx-analyzer/pkg/event"
)

const listRules = `
- id: suspicious_whoami
  description: whoami executed
  severity: medium
  tags: [discovery, 1033]
  any:
    - {field: CommandLine, op: contains, value: whoami}
    - {field: CommandLine, op: contains, value: "net user"}
  all:
    - {field: event_id, op: eq, value: 4688}
- just a string
- id: bad_op
  all:
    - {field: CommandLine, op: startswith, value: cmd}
`

const mapRules = `
admin_logon:
  description: admin network logon
  all:
    - field: TargetUserName
      op: regex
      value: "^admin"
    - field: LogonType
      op: eq
      value: 3
`

func TestParseRules_ListForm(t *testing.T) {
	rules, errs := ParseRules([]byte(listRules))
	require.Len(t, rules, 1)
	assert.Len(t, errs, 2)

	r := rules[0]
	assert.Equal(t, "suspicious_whoami", r.ID)
	assert.Equal(t, "medium", r.Severity)
	assert.Equal(t, []string{"discovery", "1033"}, r.Tags)
	require.Len(t, r.AllOf, 1)
	assert.Equal(t, "4688", r.AllOf[0].Value)
	assert.Len(t, r.AnyOf, 2)
}

func TestParseRules_MappingFormUsesKeyAsID(t *testing.T) {
	rules, errs := ParseRules([]byte(mapRules))
	require.Empty(t, errs)
	require.Len(t, rules, 1)
	assert.Equal(t, "admin_logon", rules[0].ID)
	assert.Equal(t, "info", rules[0].Severity)
	assert.Empty(t, rules[0].AnyOf)

	ev := &event.NormalizedEvent{Channel: "Security", EventID: "4624", Data: map[string]any{
		"TargetUserName": "Administrator", "LogonType": "3",
	}}
	assert.True(t, rules[0].Match(ev))
}

func TestParseRules_Malformed(t *testing.T) {
	rules, errs := ParseRules([]byte("id: [unclosed"))
	assert.Empty(t, rules)
	assert.NotEmpty(t, errs)

	rules, errs = ParseRules([]byte("42"))
	assert.Empty(t, rules)
	assert.Len(t, errs, 1)

	rules, errs = ParseRules([]byte("- description: no id here\n  all:\n    - {field: event_id, op: eq, value: \"4625\"}\n- id: kept\n  all:\n    - {field: event_id, op: eq, value: \"4625\"}\n"))
	require.Len(t, rules, 1)
	assert.Equal(t, "kept", rules[0].ID)
	require.Len(t, errs, 1)
	assert.ErrorContains(t, errs[0], "rule has no id")
}

func TestLoadDir_SkipsBadFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "list.yml"), []byte(listRules), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "map.yaml"), []byte(mapRules), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yml"), []byte(":\n  - ["), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.md"), []byte("ignored"), 0o644))

	rs := NewRuleSet()
	n := rs.LoadDir(dir, zaptest.NewLogger(t).Sugar())
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, rs.Len())

	ev := &event.NormalizedEvent{Channel: "Security", EventID: "4688", Data: map[string]any{"CommandLine": "whoami /all"}}
	got := rs.Evaluate(ev)
	require.Len(t, got, 1)
	assert.Equal(t, "suspicious_whoami", got[0].RuleID)
}
