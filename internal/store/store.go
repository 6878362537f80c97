package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/PhucNguyen204/evtx-analyzer/pkg/engine"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/event"
)

var ErrNotFound = errors.New("not found")

// Store persists events, findings and rule metadata in Postgres.
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

func New(db *sql.DB, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{db: db, log: log}
}

// Open connects to dsn with lib/pq and pings it.
func Open(ctx context.Context, dsn string, log *zap.SugaredLogger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return New(db, log), nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func jsonArg(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func jsonList(xs []string) any {
	if len(xs) == 0 {
		return nil
	}
	v, _ := jsonArg(xs)
	return v
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// InsertEvent stores ev and returns its row id.
func (s *Store) InsertEvent(ctx context.Context, runID string, ev *event.NormalizedEvent) (int64, error) {
	data, err := jsonArg(ev.Data)
	if err != nil {
		return 0, fmt.Errorf("encode data: %w", err)
	}
	tags := jsonList(ev.Tags)
	var derived any
	if len(ev.Derived) > 0 {
		derived, _ = jsonArg(ev.Derived)
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `INSERT INTO events(run_id, ts, channel, event_id, computer, provider, record_id, user_sid, data, tags, derived)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		runID, nullIfEmpty(ev.Timestamp), ev.Channel, nullIfEmpty(ev.EventID), nullIfEmpty(ev.Computer),
		nullIfEmpty(ev.Provider), nullIfEmpty(ev.RecordID), nullIfEmpty(ev.UserSID), data, tags, derived,
	).Scan(&id)
	return id, err
}

// InsertFinding stores f. eventRef is the events row it came from, or 0.
func (s *Store) InsertFinding(ctx context.Context, runID string, f event.Finding, eventRef int64) error {
	tags := jsonList(f.Tags)
	var ref any
	if eventRef > 0 {
		ref = eventRef
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO findings(id, run_id, rule_id, severity, description, tags, event_timestamp, channel, event_id, event_ref)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT (id) DO NOTHING`,
		f.ID, runID, f.RuleID, f.Severity, f.Description, tags,
		nullIfEmpty(f.EventTimestamp), nullIfEmpty(f.Channel), nullIfEmpty(f.EventID), ref,
	)
	return err
}

// UpsertRules writes or updates rule metadata.
func (s *Store) UpsertRules(ctx context.Context, source string, rules []engine.Rule) error {
	for _, r := range rules {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO rules(rule_id, source, severity, description, tags)
            VALUES ($1,$2,$3,$4,$5)
            ON CONFLICT (rule_id) DO UPDATE SET source=EXCLUDED.source, severity=EXCLUDED.severity, description=EXCLUDED.description, tags=EXCLUDED.tags, updated_at=now()`,
			r.ID, source, r.Severity, r.Description, jsonList(r.Tags),
		); err != nil {
			return fmt.Errorf("upsert rule %s: %w", r.ID, err)
		}
	}
	return nil
}

// EventRow is one stored event.
type EventRow struct {
	ID    int64                 `json:"id"`
	RunID string                `json:"run_id,omitempty"`
	Event event.NormalizedEvent `json:"event"`
}

// EventQuery filters ListEvents. Empty fields do not filter.
type EventQuery struct {
	Channel  string
	EventID  string
	Computer string
	UserSID  string
	Provider string
	Since    string
	Until    string
	Q        string // substring of data, computer, provider or user_sid
	SortBy   string
	Desc     bool
	Limit    int
	Offset   int
}

var sortColumns = map[string]string{
	"timestamp": "ts",
	"channel":   "channel",
	"event_id":  "event_id",
	"computer":  "computer",
	"provider":  "provider",
	"user_sid":  "user_sid",
	"id":        "id",
}

func (q EventQuery) where() (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if q.Q != "" {
		args = append(args, "%"+q.Q+"%")
		n := len(args)
		clauses = append(clauses, fmt.Sprintf("(data::text ILIKE $%d OR computer ILIKE $%d OR provider ILIKE $%d OR user_sid ILIKE $%d)", n, n, n, n))
	}
	if q.Channel != "" {
		add("channel = $%d", q.Channel)
	}
	if q.EventID != "" {
		add("event_id = $%d", q.EventID)
	}
	if q.Computer != "" {
		add("computer = $%d", q.Computer)
	}
	if q.UserSID != "" {
		add("user_sid = $%d", q.UserSID)
	}
	if q.Provider != "" {
		add("provider = $%d", q.Provider)
	}
	if q.Since != "" {
		add("ts >= $%d", q.Since)
	}
	if q.Until != "" {
		add("ts <= $%d", q.Until)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

const eventColumns = `id, run_id, ts, channel, event_id, computer, provider, record_id, user_sid, data, tags, derived`

// ListEvents returns one page of events and the total number matching.
func (s *Store) ListEvents(ctx context.Context, q EventQuery) ([]EventRow, int, error) {
	where, args := q.where()

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	col, ok := sortColumns[q.SortBy]
	if !ok {
		col = "ts"
	}
	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	args = append(args, q.Limit, q.Offset)
	query := fmt.Sprintf(`SELECT %s FROM events%s ORDER BY %s %s, id %s LIMIT $%d OFFSET $%d`,
		eventColumns, where, col, dir, dir, len(args)-1, len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []EventRow{}
	for rows.Next() {
		r, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

func (s *Store) GetEvent(ctx context.Context, id int64) (EventRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	r, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return EventRow{}, ErrNotFound
	}
	return r, err
}

type scanner interface{ Scan(dest ...any) error }

func scanEvent(sc scanner) (EventRow, error) {
	var (
		r                                              EventRow
		ts, ch, eid, computer, provider, recordID, sid sql.NullString
		data, tags, derived                            []byte
	)
	if err := sc.Scan(&r.ID, &r.RunID, &ts, &ch, &eid, &computer, &provider, &recordID, &sid, &data, &tags, &derived); err != nil {
		return EventRow{}, err
	}
	r.Event.Timestamp = ts.String
	r.Event.Channel = ch.String
	r.Event.EventID = eid.String
	r.Event.Computer = computer.String
	r.Event.Provider = provider.String
	r.Event.RecordID = recordID.String
	r.Event.UserSID = sid.String
	r.Event.Data = map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &r.Event.Data); err != nil {
			return EventRow{}, fmt.Errorf("decode data of event %d: %w", r.ID, err)
		}
	}
	if len(tags) > 0 {
		_ = json.Unmarshal(tags, &r.Event.Tags)
	}
	if len(derived) > 0 {
		_ = json.Unmarshal(derived, &r.Event.Derived)
	}
	return r, nil
}

// FindingRow is one stored finding.
type FindingRow struct {
	event.Finding
	RunID     string    `json:"run_id,omitempty"`
	EventRef  *int64    `json:"event_ref,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type FindingQuery struct {
	RuleID   string
	Severity string
	Limit    int
}

// ListFindings returns the newest findings first.
func (s *Store) ListFindings(ctx context.Context, q FindingQuery) ([]FindingRow, error) {
	var clauses []string
	var args []any
	if q.RuleID != "" {
		args = append(args, q.RuleID)
		clauses = append(clauses, fmt.Sprintf("rule_id = $%d", len(args)))
	}
	if q.Severity != "" {
		args = append(args, strings.ToLower(q.Severity))
		clauses = append(clauses, fmt.Sprintf("lower(severity) = $%d", len(args)))
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, q.Limit)
	query := fmt.Sprintf(`SELECT id, run_id, rule_id, severity, description, tags, event_timestamp, channel, event_id, event_ref, created_at
        FROM findings%s ORDER BY created_at DESC, id LIMIT $%d`, where, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []FindingRow{}
	for rows.Next() {
		var (
			f                 FindingRow
			desc, ts, ch, eid sql.NullString
			tags              []byte
			ref               sql.NullInt64
		)
		if err := rows.Scan(&f.ID, &f.RunID, &f.RuleID, &f.Severity, &desc, &tags, &ts, &ch, &eid, &ref, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Description, f.EventTimestamp, f.Channel, f.EventID = desc.String, ts.String, ch.String, eid.String
		f.Tags = []string{}
		if len(tags) > 0 {
			_ = json.Unmarshal(tags, &f.Tags)
		}
		if ref.Valid {
			v := ref.Int64
			f.EventRef = &v
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Count is one bucket of a top-N or trend query.
type Count struct {
	Label string `json:"label"`
	Value int    `json:"value"`
}

func (s *Store) TopEventIDs(ctx context.Context, limit int) ([]Count, error) {
	return s.counts(ctx, `SELECT COALESCE(event_id, ''), COUNT(*) AS value FROM events GROUP BY event_id ORDER BY value DESC LIMIT $1`, limit)
}

func (s *Store) TopChannels(ctx context.Context, limit int) ([]Count, error) {
	return s.counts(ctx, `SELECT COALESCE(channel, ''), COUNT(*) AS value FROM events GROUP BY channel ORDER BY value DESC LIMIT $1`, limit)
}

// Trend counts events per hour or per day of their normalized timestamp.
func (s *Store) Trend(ctx context.Context, bucket string) ([]Count, error) {
	sel := `substr(ts, 1, 13) || ':00:00Z'`
	if bucket == "day" {
		sel = `substr(ts, 1, 10)`
	}
	return s.counts(ctx, `SELECT `+sel+` AS bucket, COUNT(*) FROM events WHERE ts IS NOT NULL GROUP BY bucket ORDER BY bucket ASC`)
}

func (s *Store) counts(ctx context.Context, query string, args ...any) ([]Count, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Count{}
	for rows.Next() {
		var c Count
		if err := rows.Scan(&c.Label, &c.Value); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
