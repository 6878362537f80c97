package server

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/PhucNguyen204/evtx-analyzer/internal/sink"
	"github.com/PhucNguyen204/evtx-analyzer/internal/source"
	"github.com/PhucNguyen204/evtx-analyzer/internal/store"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/engine"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/event"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/pipeline"
)

const maxIngestBody = 32 << 20

// Store is what the HTTP surface reads and writes. *store.Store implements it.
type Store interface {
	sink.Persister
	UpsertRules(ctx context.Context, source string, rules []engine.Rule) error
	ListEvents(ctx context.Context, q store.EventQuery) ([]store.EventRow, int, error)
	GetEvent(ctx context.Context, id int64) (store.EventRow, error)
	ListFindings(ctx context.Context, q store.FindingQuery) ([]store.FindingRow, error)
	TopEventIDs(ctx context.Context, limit int) ([]store.Count, error)
	TopChannels(ctx context.Context, limit int) ([]store.Count, error)
	Trend(ctx context.Context, bucket string) ([]store.Count, error)
}

// PipelineFactory builds the ingest pipeline around a rule set.
type PipelineFactory func(rs *engine.RuleSet) *pipeline.Pipeline

type AppServer struct {
	store Store
	build PipelineFactory
	log   *zap.SugaredLogger

	mu    sync.RWMutex // protects rules and pipe swap
	rules *engine.RuleSet
	pipe  *pipeline.Pipeline

	ingestLimit *rate.Limiter // nil = unlimited
}

func NewAppServer(st Store, rs *engine.RuleSet, build PipelineFactory, log *zap.SugaredLogger) *AppServer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if rs == nil {
		rs = engine.NewRuleSet()
	}
	if build == nil {
		build = func(rs *engine.RuleSet) *pipeline.Pipeline { return pipeline.New(pipeline.WithRules(rs)) }
	}
	s := &AppServer{store: st, build: build, log: log}
	s.swap(rs)
	return s
}

// SetIngestRate caps POST /ingest at rps requests per second with the given
// burst. rps <= 0 removes the cap. Call before serving.
func (s *AppServer) SetIngestRate(rps float64, burst int) {
	if rps <= 0 {
		s.ingestLimit = nil
		return
	}
	if burst < 1 {
		burst = 1
	}
	s.ingestLimit = rate.NewLimiter(rate.Limit(rps), burst)
}

func (s *AppServer) current() (*engine.RuleSet, *pipeline.Pipeline) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules, s.pipe
}

func (s *AppServer) swap(rs *engine.RuleSet) {
	p := s.build(rs)
	s.mu.Lock()
	s.rules, s.pipe = rs, p
	s.mu.Unlock()
}

// Router wires HTTP handlers.
func (s *AppServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logMiddleware)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/events", s.handleListEvents).Methods(http.MethodGet)
	api.HandleFunc("/events/{id:[0-9]+}", s.handleGetEvent).Methods(http.MethodGet)
	api.HandleFunc("/events/{id:[0-9]+}/download", s.handleDownloadEvent).Methods(http.MethodGet)
	api.HandleFunc("/findings", s.handleListFindings).Methods(http.MethodGet)
	api.HandleFunc("/stats/top_event_ids", s.handleTop(s.store.TopEventIDs)).Methods(http.MethodGet)
	api.HandleFunc("/stats/top_channels", s.handleTop(s.store.TopChannels)).Methods(http.MethodGet)
	api.HandleFunc("/stats/trend", s.handleTrend).Methods(http.MethodGet)
	api.HandleFunc("/ingest", s.handleIngest).Methods(http.MethodPost)
	api.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)
	api.HandleFunc("/rules", s.handleReplaceRules).Methods(http.MethodPost)
	return r
}

func (s *AppServer) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debugw("request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

// ---- Handlers ----

func (s *AppServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *AppServer) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), 50, 1, 500)
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("limit: %w", err))
		return
	}
	offset, err := intParam(q.Get("offset"), 0, 0, 1<<31-1)
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("offset: %w", err))
		return
	}
	eq := store.EventQuery{
		Channel:  q.Get("channel"),
		EventID:  q.Get("event_id"),
		Computer: q.Get("computer"),
		UserSID:  q.Get("user_sid"),
		Provider: q.Get("provider"),
		Since:    q.Get("since"),
		Until:    q.Get("until"),
		Q:        q.Get("q"),
		SortBy:   q.Get("sort_by"),
		Desc:     q.Get("sort_dir") != "asc",
		Limit:    limit,
		Offset:   offset,
	}
	rows, total, err := s.store.ListEvents(r.Context(), eq)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows, "total": total})
}

func (s *AppServer) eventByID(w http.ResponseWriter, r *http.Request) (store.EventRow, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return store.EventRow{}, false
	}
	row, err := s.store.GetEvent(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeErr(w, http.StatusNotFound, err)
		return store.EventRow{}, false
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return store.EventRow{}, false
	}
	return row, true
}

func (s *AppServer) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	if row, ok := s.eventByID(w, r); ok {
		writeJSON(w, http.StatusOK, row)
	}
}

func (s *AppServer) handleDownloadEvent(w http.ResponseWriter, r *http.Request) {
	if row, ok := s.eventByID(w, r); ok {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=event_%d.json", row.ID))
		writeJSON(w, http.StatusOK, row)
	}
}

func (s *AppServer) handleListFindings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), 200, 1, 1000)
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("limit: %w", err))
		return
	}
	out, err := s.store.ListFindings(r.Context(), store.FindingQuery{
		RuleID:   q.Get("rule_id"),
		Severity: q.Get("severity"),
		Limit:    limit,
	})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *AppServer) handleTop(fn func(context.Context, int) ([]store.Count, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := intParam(r.URL.Query().Get("limit"), 10, 1, 100)
		if err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("limit: %w", err))
			return
		}
		out, err := fn(r.Context(), limit)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": out})
	}
}

func (s *AppServer) handleTrend(w http.ResponseWriter, r *http.Request) {
	bucket := r.URL.Query().Get("bucket")
	if bucket != "day" {
		bucket = "hour"
	}
	out, err := s.store.Trend(r.Context(), bucket)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

type findingCollector struct {
	sink.Discard
	findings []event.Finding
}

func (c *findingCollector) WriteFinding(_ context.Context, f event.Finding) error {
	c.findings = append(c.findings, f)
	return nil
}

// handleIngest accepts a normalized record or an array of them, optionally
// gzip encoded, runs them through the pipeline and stores what it emits.
func (s *AppServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.ingestLimit != nil && !s.ingestLimit.Allow() {
		writeErr(w, http.StatusTooManyRequests, errors.New("ingest rate limit exceeded"))
		return
	}
	var body io.Reader = http.MaxBytesReader(w, r.Body, maxIngestBody)
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(body)
		if err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid gzip body: %w", err))
			return
		}
		defer zr.Close()
		body = zr
	}
	b, err := io.ReadAll(body)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	evs, skipped, err := source.DecodeBatch(b)
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("payload must be object or array of objects: %w", err))
		return
	}

	runID := uuid.NewString()
	collect := &findingCollector{}
	_, p := s.current()
	st, err := p.Run(r.Context(), source.NewSlice(evs), sink.Multi{sink.NewStore(s.store, runID), collect})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if len(collect.findings) > 0 {
		s.log.Infow("findings raised on ingest", "run_id", runID, "findings", len(collect.findings))
	}
	if collect.findings == nil {
		collect.findings = []event.Finding{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":   runID,
		"accepted": len(evs),
		"skipped":  skipped,
		"stats":    st,
		"findings": collect.findings,
	})
}

// ---- Helpers ----

func intParam(v string, def, lo, hi int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%d out of range [%d, %d]", n, lo, hi)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
