package mapper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"gopkg.in/yaml.v3"

	"github.com/PhucNguyen204/evtx-analyzer/internal/metrics"
)

// DefaultSyncTimeout bounds one remote fetch.
const DefaultSyncTimeout = 20 * time.Second

// maxSyncBytes caps the size of a fetched document.
const maxSyncBytes = 16 << 20

// S3Options configures access for s3:// sync URLs. Empty fields fall back to
// the default AWS credential chain and region.
type S3Options struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	UsePathStyle    bool
}

// ObjectGetter is the part of the S3 client used by sync.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type fetcher struct {
	http  *http.Client
	s3    ObjectGetter
	s3cfg S3Options
}

func newFetcher(c *http.Client, o S3Options) fetcher {
	if c == nil {
		c = &http.Client{Timeout: DefaultSyncTimeout}
	}
	return fetcher{http: c, s3cfg: o}
}

// WithHTTPClient overrides the client used for http(s) URLs.
func WithHTTPClient(c *http.Client) Option {
	return func(m *EventMapper) {
		f := newFetcher(c, m.fetch.s3cfg)
		f.s3 = m.fetch.s3
		m.fetch = f
	}
}

// WithS3 sets the options used to build an S3 client for s3:// URLs.
func WithS3(o S3Options) Option {
	return func(m *EventMapper) { m.fetch.s3cfg = o }
}

// WithObjectGetter injects a ready S3 client.
func WithObjectGetter(g ObjectGetter) Option {
	return func(m *EventMapper) { m.fetch.s3 = g }
}

// SyncRemote fetches one map document from rawURL (http, https or
// s3://bucket/key), writes it to SyncedFile in the maps directory and
// reloads every local definition. Any failure leaves the loaded table as it
// was and returns false.
func (m *EventMapper) SyncRemote(ctx context.Context, rawURL string) bool {
	if err := m.syncRemote(ctx, rawURL); err != nil {
		metrics.MapSyncs.WithLabelValues("failed").Inc()
		m.log.Warnw("map sync failed", "url", rawURL, "error", err)
		return false
	}
	metrics.MapSyncs.WithLabelValues("ok").Inc()
	return true
}

func (m *EventMapper) syncRemote(ctx context.Context, rawURL string) error {
	body, ctype, err := m.fetch.get(ctx, rawURL)
	if err != nil {
		return err
	}
	doc, err := normalizeDocument(body, ctype)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("create maps dir: %w", err)
	}
	dest := filepath.Join(m.dir, SyncedFile)
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, doc, 0o644); err != nil {
		return fmt.Errorf("write synced maps: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write synced maps: %w", err)
	}
	t, st := loadDir(m.dir, m.log)
	m.swap(t)
	m.log.Infow("event maps synced", "url", rawURL, "keys", len(t), "files", st.Loaded)
	return nil
}

// normalizeDocument checks that body is a mapping of valid entries and
// returns the bytes to persist: YAML bodies as fetched, JSON re-encoded as
// YAML.
func normalizeDocument(body []byte, ctype string) ([]byte, error) {
	if strings.Contains(ctype, "application/json") {
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("decode json maps: %w", err)
		}
		if payload == nil {
			return nil, fmt.Errorf("maps payload is not a mapping")
		}
		out, err := yaml.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = out
	}
	var probe yaml.Node
	if err := yaml.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("decode maps: %w", err)
	}
	if len(probe.Content) == 0 {
		return nil, fmt.Errorf("maps payload is empty")
	}
	if _, err := ParseTable(body); err != nil {
		return nil, fmt.Errorf("decode maps: %w", err)
	}
	return body, nil
}

func (f fetcher) get(ctx context.Context, rawURL string) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("parse sync url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return f.getHTTP(ctx, rawURL)
	case "s3":
		return f.getS3(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	}
	return nil, "", fmt.Errorf("unsupported sync scheme %q", u.Scheme)
}

func (f fetcher) getHTTP(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", "application/json, application/yaml;q=0.9, text/yaml;q=0.8, */*;q=0.1")
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch maps: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("fetch maps: status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxSyncBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read maps: %w", err)
	}
	return b, resp.Header.Get("Content-Type"), nil
}

func (f fetcher) getS3(ctx context.Context, bucket, key string) ([]byte, string, error) {
	if bucket == "" || key == "" {
		return nil, "", fmt.Errorf("s3 url needs bucket and key")
	}
	client := f.s3
	if client == nil {
		c, err := newS3Client(ctx, f.s3cfg)
		if err != nil {
			return nil, "", err
		}
		client = c
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultSyncTimeout)
	defer cancel()
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", fmt.Errorf("s3 get %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()
	b, err := io.ReadAll(io.LimitReader(out.Body, maxSyncBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read s3 object: %w", err)
	}
	ctype := aws.ToString(out.ContentType)
	if ctype == "" && strings.HasSuffix(strings.ToLower(key), ".json") {
		ctype = "application/json"
	}
	return b, ctype, nil
}

func newS3Client(ctx context.Context, o S3Options) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if o.Region != "" {
		opts = append(opts, config.WithRegion(o.Region))
	}
	if o.AccessKeyID != "" && o.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.AccessKeyID, o.SecretAccessKey, o.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	var s3Opts []func(*s3.Options)
	if o.Endpoint != "" {
		s3Opts = append(s3Opts, func(so *s3.Options) { so.BaseEndpoint = aws.String(o.Endpoint) })
	}
	if o.UsePathStyle {
		s3Opts = append(s3Opts, func(so *s3.Options) { so.UsePathStyle = true })
	}
	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}
