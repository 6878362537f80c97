package sigma

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/PhucNguyen204/evtx-analyzer/pkg/engine"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/event"
)

func TestParseFieldKey(t *testing.T) {
	tests := []struct {
		input string
		field string
		op    engine.Op
		in    string
		value string
	}{
		{"Image", "Image", engine.OpEq, "x", "x"},
		{"CommandLine|contains", "CommandLine", engine.OpContains, "-enc", "-enc"},
		{"CommandLine|contains|cased", "CommandLine", engine.OpContains, "a", "a"},
		{"CommandLine|re", "CommandLine", engine.OpRegex, "a+b", "a+b"},
		{"CommandLine|regex", "CommandLine", engine.OpRegex, "a+b", "a+b"},
		{"Image|endswith", "Image", engine.OpRegex, `\cmd.exe`, `\\cmd\.exe$`},
		{"Image|startswith", "Image", engine.OpRegex, `C:\Temp`, `^C:\\Temp`},
		{"CommandLine|base64offset|contains", "CommandLine", engine.OpContains, "a", "a"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			field, op, wrap := parseFieldKey(tt.input)
			assert.Equal(t, tt.field, field)
			assert.Equal(t, tt.op, op)
			assert.Equal(t, tt.value, wrap(tt.in))
		})
	}
}

func TestTranslate_EventIDListRoundTrip(t *testing.T) {
	doc := `
title: Some Event IDs
detection:
  selection:
    EventID: [1, 2, 3]
  condition: selection
`
	r, err := LoadRuleYAML([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, "some_event_ids", r.ID)
	assert.Equal(t, "info", r.Severity)
	assert.Equal(t, []string{"sigma"}, r.Tags)
	assert.Empty(t, r.AllOf)
	require.Len(t, r.AnyOf, 3)
	for i, want := range []string{"1", "2", "3"} {
		assert.Equal(t, "EventID", r.AnyOf[i].Field)
		assert.Equal(t, engine.OpEq, r.AnyOf[i].Op)
		assert.Equal(t, want, r.AnyOf[i].Value)
	}

	for _, id := range []string{"1", "2", "3"} {
		assert.True(t, r.Match(&event.NormalizedEvent{EventID: id, Data: map[string]any{}}), id)
	}
	assert.False(t, r.Match(&event.NormalizedEvent{EventID: "4", Data: map[string]any{}}))
}

func TestTranslate_SingleSelectionFieldsAreAlternatives(t *testing.T) {
	doc := `
id: 11111111-2222
title: Encoded PowerShell
level: high
description: powershell with an encoded command
tags: [attack.execution]
detection:
  sel:
    Image|endswith: '\powershell.exe'
    CommandLine|contains: ' -enc '
  condition: sel
`
	r, err := LoadRuleYAML([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "11111111-2222", r.ID)
	assert.Equal(t, "high", r.Severity)
	assert.Equal(t, "powershell with an encoded command", r.Description)
	assert.Equal(t, []string{"sigma", "attack.execution"}, r.Tags)
	require.Len(t, r.AnyOf, 2)

	// either field alone is enough
	ev := &event.NormalizedEvent{Data: map[string]any{"Image": `C:\Windows\PowerShell.EXE`}}
	assert.True(t, r.Match(ev))
	ev = &event.NormalizedEvent{Data: map[string]any{"Image": `C:\x\powershell.exe.bak`}}
	assert.False(t, r.Match(ev))
}

func TestTranslate_MultiTokenCondition(t *testing.T) {
	doc := `
title: Combined
detection:
  a:
    channel: Security
  b:
    event_id: 4624
  c:
    - TargetUserName: admin
    - TargetUserName: root
  condition: (a and b) or c
`
	r, err := LoadRuleYAML([]byte(doc))
	require.NoError(t, err)
	require.Len(t, r.AllOf, 2)
	assert.Equal(t, "channel", r.AllOf[0].Field)
	assert.Equal(t, "event_id", r.AllOf[1].Field)
	require.Len(t, r.AnyOf, 2, "list-of-maps selections are flattened")

	base := event.NormalizedEvent{Channel: "Security", EventID: "4624"}
	ev := base
	ev.Data = map[string]any{"TargetUserName": "root"}
	assert.True(t, r.Match(&ev))
	ev.Data = map[string]any{"TargetUserName": "bob"}
	assert.False(t, r.Match(&ev))
}

func TestTranslate_NotNegatesNextSelection(t *testing.T) {
	doc := `
title: Not filter
detection:
  selection:
    CommandLine|contains: whoami
  filter:
    User: SYSTEM
  condition: selection and not filter
`
	r, err := LoadRuleYAML([]byte(doc))
	require.NoError(t, err)
	require.Len(t, r.AllOf, 2)
	assert.Equal(t, engine.OpNe, r.AllOf[1].Op)

	ev := &event.NormalizedEvent{Data: map[string]any{"CommandLine": "whoami", "User": "bob"}}
	assert.True(t, r.Match(ev))
	ev.Data["User"] = "SYSTEM"
	assert.False(t, r.Match(ev))

	r, err = LoadRuleYAML([]byte(strings.Replace(doc, "and not filter", "and not not filter", 1)))
	require.NoError(t, err)
	require.Len(t, r.AllOf, 2)
	assert.Equal(t, engine.OpEq, r.AllOf[1].Op)
}

func TestTranslate_Rejects(t *testing.T) {
	tr := NewTranslator(WithLogger(zaptest.NewLogger(t).Sugar()))
	rules, errs := tr.Translate([]byte("detection: {sel: {a: b}, condition: sel}"))
	assert.Empty(t, rules)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrNoTitle)

	rules, errs = tr.Translate([]byte("title: x\ndetection: {sel: {a: b}}"))
	assert.Empty(t, rules)
	assert.ErrorIs(t, errs[0], ErrNoCondition)

	rules, errs = tr.Translate([]byte("- just\n- a list"))
	assert.Empty(t, rules)
	assert.Len(t, errs, 1)
}

func TestTranslate_MultiDocumentAndFieldMapping(t *testing.T) {
	docs := `
title: first
detection: {sel: {Image: a.exe}, condition: sel}
---
title: second
detection: {sel: {Image: b.exe}, condition: sel}
---
not: a rule
`
	tr := NewTranslator(WithFieldMapping(NewFieldMapping(map[string]string{"image": "NewProcessName"})))
	rules, errs := tr.Translate([]byte(docs))
	assert.Len(t, errs, 1)
	require.Len(t, rules, 2)
	assert.Equal(t, "first", rules[0].ID)
	assert.Equal(t, "NewProcessName", rules[1].AnyOf[0].Field)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yml"), []byte(`
title: Whoami
level: medium
detection: {sel: {CommandLine|contains: whoami}, condition: sel}
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yml"), []byte("title: [oops"), 0o644))

	rs := engine.NewRuleSet()
	n := NewTranslator(WithLogger(zaptest.NewLogger(t).Sugar())).LoadDir(rs, dir)
	assert.Equal(t, 1, n)

	got := rs.Evaluate(&event.NormalizedEvent{Data: map[string]any{"CommandLine": "whoami /priv"}})
	require.Len(t, got, 1)
	assert.Equal(t, "whoami", got[0].RuleID)
	assert.Equal(t, "medium", got[0].Severity)
	assert.Contains(t, got[0].Tags, "sigma")
}

func TestFieldMapping_Resolve(t *testing.T) {
	fm := NewFieldMapping(map[string]string{"image": "NewProcessName"})
	assert.Equal(t, "NewProcessName", fm.Resolve("Image"))
	assert.Equal(t, "CommandLine", fm.Resolve("CommandLine"))
}
