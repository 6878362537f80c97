package mapper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/PhucNguyen204/evtx-analyzer/pkg/event"
)

const securityMaps = `
"Security:4624":
  rename:
    TargetUserName: user
    IpAddress: src_ip
  derive:
    summary: "{user} from {src_ip} via {LogonType} ({Missing})"
  tags: [logon, auth]
4624:
  tags: [id-only]
4688:
  tags: [process]
"Security:4625":
`

func writeMaps(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func loadedMapper(t *testing.T) *EventMapper {
	t.Helper()
	dir := t.TempDir()
	writeMaps(t, dir, "security.yaml", securityMaps)
	m := New(dir, WithLogger(zaptest.NewLogger(t).Sugar()))
	require.Equal(t, 1, m.LoadLocal())
	return m
}

func logon() *event.NormalizedEvent {
	return &event.NormalizedEvent{
		Channel: "Security",
		EventID: "4624",
		Tags:    []string{"auth", "seen"},
		Data: map[string]any{
			"TargetUserName": "alice",
			"IpAddress":      "10.0.0.5",
			"LogonType":      3,
		},
	}
}

func TestEnrich_ExactKey(t *testing.T) {
	m := loadedMapper(t)
	in := logon()
	out := m.Enrich(in)

	assert.Equal(t, "alice", out.Data["user"])
	assert.Equal(t, "alice", out.Data["TargetUserName"], "rename keeps the source field")
	assert.Equal(t, "10.0.0.5", out.Data["src_ip"])
	assert.Equal(t, "alice from 10.0.0.5 via 3 ({Missing})", out.Derived["summary"])
	assert.Equal(t, []string{"auth", "seen", "logon"}, out.Tags)

	_, renamed := in.Data["user"]
	assert.False(t, renamed, "input is not modified")
	assert.Nil(t, in.Derived)
	assert.Equal(t, []string{"auth", "seen"}, in.Tags)
}

func TestEnrich_Idempotent(t *testing.T) {
	m := loadedMapper(t)
	once := m.Enrich(logon())
	twice := m.Enrich(once)
	assert.Equal(t, once, twice)
}

func TestEnrich_FallbackAndMiss(t *testing.T) {
	m := loadedMapper(t)

	ev := &event.NormalizedEvent{Channel: "System", EventID: "4688", Data: map[string]any{}}
	assert.Equal(t, []string{"process"}, m.Enrich(ev).Tags)

	// an empty exact entry with no id-only entry is no match
	ev = &event.NormalizedEvent{Channel: "Security", EventID: "4625", Data: map[string]any{}}
	assert.Same(t, ev, m.Enrich(ev))

	ev = &event.NormalizedEvent{Channel: "Other", EventID: "4624", Data: map[string]any{}}
	assert.Equal(t, []string{"id-only"}, m.Enrich(ev).Tags)

	ev = &event.NormalizedEvent{Channel: "Security", EventID: "1", Data: map[string]any{}}
	assert.Same(t, ev, m.Enrich(ev))
}

func TestLoadLocal_LastWriteWinsAndSkipsBadFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "maps")
	writeMaps(t, dir, "a.yaml", "4688: {tags: [first]}\n")
	writeMaps(t, dir, "b/z.yml", "4688: {tags: [second]}\n")
	writeMaps(t, dir, "broken.yaml", "4688: [\n")
	writeMaps(t, dir, "list.yaml", "- not a mapping\n")

	m := New(dir)
	assert.Equal(t, 2, m.LoadLocal())
	assert.Equal(t, 1, m.Len())
	out := m.Enrich(&event.NormalizedEvent{EventID: "4688", Data: map[string]any{}})
	assert.Equal(t, []string{"second"}, out.Tags)
}

func TestLoadLocal_CreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "new", "maps")
	m := New(dir)
	assert.Equal(t, 0, m.LoadLocal())
	st, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, st.IsDir())
}

func TestParseTable(t *testing.T) {
	tbl, err := ParseTable([]byte(""))
	require.NoError(t, err)
	assert.Empty(t, tbl)

	_, err = ParseTable([]byte("[1, 2]"))
	assert.Error(t, err)

	tbl, err = ParseTable([]byte("7045:\n  rename: {ServiceName: service}\n"))
	require.NoError(t, err)
	assert.Equal(t, "service", tbl["7045"].Rename["ServiceName"])
}
