package sink

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PhucNguyen204/evtx-analyzer/pkg/event"
)

var (
	sampleEvent = &event.NormalizedEvent{
		Timestamp: "2024-01-01T00:00:00Z", Channel: "Security", EventID: "4624", RecordID: "11",
		Data: map[string]any{"TargetUserName": "alice"},
	}
	sampleFinding = event.Finding{
		ID: "f1", RuleID: "logon", Severity: "low", Description: "a, b", Tags: []string{"auth"},
		EventTimestamp: "2024-01-01T00:00:00Z", Channel: "Security", EventID: "4624",
	}
)

func writeBoth(t *testing.T, s Sink) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.WriteEvent(ctx, sampleEvent))
	require.NoError(t, s.WriteFinding(ctx, sampleFinding))
	require.NoError(t, s.Close())
}

func TestJSONL(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "out", "run")
	s, err := NewJSONL(prefix, prefix)
	require.NoError(t, err)
	writeBoth(t, s)

	b, err := os.ReadFile(prefix + ".jsonl")
	require.NoError(t, err)
	var ev event.NormalizedEvent
	require.NoError(t, json.Unmarshal(b, &ev))
	assert.Equal(t, "4624", ev.EventID)
	assert.Equal(t, "alice", ev.Data["TargetUserName"])

	b, err = os.ReadFile(prefix + ".findings.jsonl")
	require.NoError(t, err)
	var f event.Finding
	require.NoError(t, json.Unmarshal(b, &f))
	assert.Equal(t, sampleFinding, f)
}

func TestJSONL_FindingsOnly(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "run")
	s, err := NewJSONL("", prefix)
	require.NoError(t, err)
	writeBoth(t, s)
	assert.NoFileExists(t, prefix+".jsonl")
	assert.FileExists(t, prefix+".findings.jsonl")
}

func TestCSV(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "run")
	s, err := NewCSV(prefix, prefix)
	require.NoError(t, err)
	writeBoth(t, s)

	f, err := os.Open(prefix + ".csv")
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, eventHeader, rows[0])
	assert.Equal(t, `{"TargetUserName":"alice"}`, rows[1][7])

	g, err := os.Open(prefix + ".findings.csv")
	require.NoError(t, err)
	defer g.Close()
	rows, err = csv.NewReader(g).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a, b", rows[1][6])
	assert.Equal(t, `["auth"]`, rows[1][7])
}

func TestOpenFiles(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "run")
	m, err := OpenFiles([]string{"jsonl", "CSV"}, prefix, prefix)
	require.NoError(t, err)
	assert.Len(t, m, 2)
	writeBoth(t, m)
	assert.FileExists(t, prefix+".jsonl")
	assert.FileExists(t, prefix+".csv")

	_, err = OpenFiles([]string{"parquet"}, prefix, "")
	assert.ErrorContains(t, err, "parquet")
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
	err    error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { w.closed = true; return nil }

func TestKafka(t *testing.T) {
	w := &fakeWriter{}
	writeBoth(t, NewKafka(w, "events", "findings"))
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "events", w.msgs[0].Topic)
	assert.Equal(t, "Security|11", string(w.msgs[0].Key))
	assert.Equal(t, "findings", w.msgs[1].Topic)
	assert.Equal(t, "logon", string(w.msgs[1].Key))
	assert.True(t, strings.Contains(string(w.msgs[1].Value), `"rule_id":"logon"`))
	assert.True(t, w.closed)
}

func TestKafka_FindingsOnlyAndErrors(t *testing.T) {
	w := &fakeWriter{}
	writeBoth(t, NewKafka(w, "", "findings"))
	require.Len(t, w.msgs, 1)

	w = &fakeWriter{err: errors.New("leader not available")}
	err := NewKafka(w, "events", "").WriteEvent(context.Background(), sampleEvent)
	assert.ErrorContains(t, err, "leader not available")
}

func TestNewKafkaWriter(t *testing.T) {
	w := NewKafkaWriter([]string{"k1:9092", "k2:9092"}, nil)
	assert.Contains(t, w.Addr.String(), "k1:9092")
	assert.Empty(t, w.Topic)
	assert.True(t, w.Async)
	require.NotNil(t, w.Completion)
	assert.NotPanics(t, func() {
		w.Completion([]kafka.Message{{Topic: "events"}}, errors.New("broker down"))
		w.Completion([]kafka.Message{{Topic: "events"}}, nil)
	})
}

type fakePersister struct {
	nextID   int64
	failNext bool
	refs     []int64
}

func (p *fakePersister) InsertEvent(context.Context, string, *event.NormalizedEvent) (int64, error) {
	if p.failNext {
		p.failNext = false
		return 0, errors.New("insert failed")
	}
	p.nextID++
	return p.nextID, nil
}

func (p *fakePersister) InsertFinding(_ context.Context, _ string, _ event.Finding, ref int64) error {
	p.refs = append(p.refs, ref)
	return nil
}

func TestStore_LinksFindingsToEvent(t *testing.T) {
	p := &fakePersister{}
	s := NewStore(p, "run")
	ctx := context.Background()

	require.NoError(t, s.WriteEvent(ctx, sampleEvent))
	require.NoError(t, s.WriteFinding(ctx, sampleFinding))
	require.NoError(t, s.WriteEvent(ctx, sampleEvent))
	require.NoError(t, s.WriteFinding(ctx, sampleFinding))
	p.failNext = true
	require.Error(t, s.WriteEvent(ctx, sampleEvent))
	require.NoError(t, s.WriteFinding(ctx, sampleFinding))

	assert.Equal(t, []int64{1, 2, 0}, p.refs)
}

type recording struct {
	name string
	log  *[]string
	fail bool
}

func (r recording) WriteEvent(context.Context, *event.NormalizedEvent) error {
	*r.log = append(*r.log, r.name+":event")
	if r.fail {
		return errors.New(r.name)
	}
	return nil
}

func (r recording) WriteFinding(context.Context, event.Finding) error {
	*r.log = append(*r.log, r.name+":finding")
	return nil
}

func (r recording) Close() error {
	if r.fail {
		return errors.New(r.name + " close")
	}
	return nil
}

func TestMulti(t *testing.T) {
	var log []string
	m := Multi{recording{name: "a", log: &log}, recording{name: "b", log: &log}}
	require.NoError(t, m.WriteEvent(context.Background(), sampleEvent))
	require.NoError(t, m.WriteFinding(context.Background(), sampleFinding))
	assert.Equal(t, []string{"a:event", "b:event", "a:finding", "b:finding"}, log)

	log = nil
	m = Multi{recording{name: "a", log: &log, fail: true}, recording{name: "b", log: &log}, Discard{}}
	assert.Error(t, m.WriteEvent(context.Background(), sampleEvent))
	assert.Equal(t, []string{"a:event"}, log)
	assert.ErrorContains(t, m.Close(), "a close")
}
