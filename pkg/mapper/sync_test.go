package mapper

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/PhucNguyen204/evtx-analyzer/pkg/event"
)

func serve(t *testing.T, status int, ctype, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ctype != "" {
			w.Header().Set("Content-Type", ctype)
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSyncRemote_JSON(t *testing.T) {
	srv := serve(t, http.StatusOK, "application/json; charset=utf-8",
		`{"Security:4688": {"rename": {"NewProcessName": "image"}, "tags": ["proc"]}}`)
	dir := t.TempDir()
	m := New(dir, WithLogger(zaptest.NewLogger(t).Sugar()))

	require.True(t, m.SyncRemote(context.Background(), srv.URL))

	b, err := os.ReadFile(filepath.Join(dir, SyncedFile))
	require.NoError(t, err)
	assert.Contains(t, string(b), "Security:4688")

	out := m.Enrich(&event.NormalizedEvent{Channel: "Security", EventID: "4688", Data: map[string]any{"NewProcessName": "cmd.exe"}})
	assert.Equal(t, "cmd.exe", out.Data["image"])
	assert.Equal(t, []string{"proc"}, out.Tags)
}

func TestSyncRemote_YAMLPersistedAsFetched(t *testing.T) {
	body := "# remote maps\n7045:\n  tags: [service]\n"
	srv := serve(t, http.StatusOK, "text/yaml", body)
	dir := t.TempDir()
	writeMaps(t, dir, "local.yaml", "4624: {tags: [local]}\n")
	m := New(dir)
	m.LoadLocal()

	require.True(t, m.SyncRemote(context.Background(), srv.URL))
	b, err := os.ReadFile(filepath.Join(dir, SyncedFile))
	require.NoError(t, err)
	assert.Equal(t, body, string(b))
	assert.Equal(t, 2, m.Len(), "sync reloads local files too")
}

func TestSyncRemote_FailuresKeepState(t *testing.T) {
	dir := t.TempDir()
	writeMaps(t, dir, "local.yaml", "4624: {tags: [local]}\n")
	m := New(dir, WithLogger(zaptest.NewLogger(t).Sugar()))
	m.LoadLocal()

	cases := map[string]*httptest.Server{
		"status":      serve(t, http.StatusInternalServerError, "application/json", `{}`),
		"bad json":    serve(t, http.StatusOK, "application/json", `{nope`),
		"json list":   serve(t, http.StatusOK, "application/json", `[1,2]`),
		"yaml scalar": serve(t, http.StatusOK, "text/plain", "just text"),
		"yaml empty":  serve(t, http.StatusOK, "", ""),
		"bad entry":   serve(t, http.StatusOK, "text/yaml", "4624: {tags: {a: b}}\n"),
	}
	for name, srv := range cases {
		assert.False(t, m.SyncRemote(context.Background(), srv.URL), name)
	}
	assert.False(t, m.SyncRemote(context.Background(), "ftp://example.invalid/maps.yaml"))
	assert.False(t, m.SyncRemote(context.Background(), "http://127.0.0.1:1/unreachable"))

	_, err := os.Stat(filepath.Join(dir, SyncedFile))
	assert.True(t, os.IsNotExist(err))
	out := m.Enrich(&event.NormalizedEvent{EventID: "4624", Data: map[string]any{}})
	assert.Equal(t, []string{"local"}, out.Tags)
}

type fakeS3 struct {
	bucket, key string
	body        string
	ctype       *string
	err         error
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.bucket, f.key = aws.ToString(in.Bucket), aws.ToString(in.Key)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(f.body)), ContentType: f.ctype}, nil
}

func TestSyncRemote_S3(t *testing.T) {
	fake := &fakeS3{body: `{"4104": {"tags": ["scriptblock"]}}`}
	m := New(t.TempDir(), WithObjectGetter(fake))

	require.True(t, m.SyncRemote(context.Background(), "s3://ir-maps/prod/maps.json"))
	assert.Equal(t, "ir-maps", fake.bucket)
	assert.Equal(t, "prod/maps.json", fake.key)
	out := m.Enrich(&event.NormalizedEvent{EventID: "4104", Data: map[string]any{}})
	assert.Equal(t, []string{"scriptblock"}, out.Tags)

	fake.err = errors.New("access denied")
	assert.False(t, m.SyncRemote(context.Background(), "s3://ir-maps/prod/maps.json"))
	assert.False(t, m.SyncRemote(context.Background(), "s3://ir-maps"))
	assert.Equal(t, 1, m.Len())
}
