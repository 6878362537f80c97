package source

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/PhucNguyen204/evtx-analyzer/pkg/event"
)

func drain(t *testing.T, s interface {
	Next(context.Context) (*event.NormalizedEvent, error)
}) []*event.NormalizedEvent {
	t.Helper()
	var out []*event.NormalizedEvent
	for {
		ev, err := s.Next(context.Background())
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestJSONL_SkipsMalformed(t *testing.T) {
	in := strings.Join([]string{
		`{"channel":"Security","event_id":4624,"record_id":"10","timestamp":"2024-03-01T10:00:00+01:00","data":{"TargetUserName":"alice"}}`,
		``,
		`{not json`,
		`{"channel":"System","event_id":"7045"}`,
	}, "\n")
	s := NewJSONL(strings.NewReader(in), zaptest.NewLogger(t).Sugar())
	evs := drain(t, s)

	require.Len(t, evs, 2)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, "4624", evs[0].EventID)
	assert.Equal(t, "2024-03-01T09:00:00Z", evs[0].Timestamp)
	assert.Equal(t, "alice", evs[0].Data["TargetUserName"])
	assert.NotNil(t, evs[1].Data)
	assert.NoError(t, s.Close())
}

func TestJSONL_SkipsOversizedLine(t *testing.T) {
	huge := `{"channel":"Big","data":{"blob":"` + strings.Repeat("x", maxLine+1) + `"}}`
	in := strings.Join([]string{
		`{"channel":"A"}`,
		huge,
		`{"channel":"B"}`,
	}, "\n")
	s := NewJSONL(strings.NewReader(in), zaptest.NewLogger(t).Sugar())
	evs := drain(t, s)

	require.Len(t, evs, 2)
	assert.Equal(t, "A", evs[0].Channel)
	assert.Equal(t, "B", evs[1].Channel)
	assert.Equal(t, 1, s.Skipped)
}

func TestJSONL_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewJSONL(strings.NewReader(`{"channel":"x"}`), nil).Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecodeBatch(t *testing.T) {
	evs, skipped, err := DecodeBatch([]byte(` {"channel":"Security","event_id":1}`))
	require.NoError(t, err)
	assert.Len(t, evs, 1)
	assert.Zero(t, skipped)

	evs, skipped, err = DecodeBatch([]byte(`[{"channel":"a"}, 42, {"channel":"b"}]`))
	require.NoError(t, err)
	assert.Len(t, evs, 2)
	assert.Equal(t, 1, skipped)

	_, _, err = DecodeBatch([]byte(`"nope"`))
	assert.Error(t, err)
}

func TestSlice(t *testing.T) {
	evs := []*event.NormalizedEvent{{Channel: "a"}, {Channel: "b"}}
	assert.Equal(t, evs, drain(t, NewSlice(evs)))
}
