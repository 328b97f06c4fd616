package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"deedledger/core/events"
	"deedledger/core/types"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Record is one persisted ledger event.
type Record struct {
	Sequence   int64             `json:"sequence"`
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	AssetID    *uint64           `json:"assetId,omitempty"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Type          string
	AssetID       *uint64
	AfterSequence int64
	Limit         int
}

// SQLiteStore appends ledger events to a SQLite table and serves them back
// for auditing. It implements events.Emitter.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewSQLiteStore opens (or creates) the event log at path. An empty path keeps
// the log in memory.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := strings.TrimSpace(path)
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection keeps in-memory databases shared and serialises
	// appends.
	db.SetMaxOpenConns(1)
	store := &SQLiteStore{
		db:     db,
		logger: slog.Default(),
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS events (
            sequence INTEGER PRIMARY KEY AUTOINCREMENT,
            id TEXT NOT NULL UNIQUE,
            type TEXT NOT NULL,
            asset_id INTEGER,
            payload TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS events_type_idx ON events(type);`,
		`CREATE INDEX IF NOT EXISTS events_asset_idx ON events(asset_id);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SetLogger configures the logger used for append failures.
func (s *SQLiteStore) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Emit implements events.Emitter. Append failures are logged; the ledger
// state is authoritative and never waits on the audit log.
func (s *SQLiteStore) Emit(evt events.Event) {
	payload, ok := evt.(events.Payload)
	if !ok {
		return
	}
	rendered := payload.Event()
	if rendered == nil {
		return
	}
	if _, err := s.Append(context.Background(), rendered); err != nil {
		s.logger.Error("append ledger event", "type", rendered.Type, "error", err)
	}
}

// Append stores evt and returns the persisted record.
func (s *SQLiteStore) Append(ctx context.Context, evt *types.Event) (*Record, error) {
	if evt == nil || strings.TrimSpace(evt.Type) == "" {
		return nil, fmt.Errorf("eventlog: event type required")
	}
	attrs := evt.Clone().Attributes
	body, err := json.Marshal(attrs)
	if err != nil {
		return nil, err
	}
	rec := &Record{
		ID:         uuid.NewString(),
		Type:       evt.Type,
		Attributes: attrs,
		CreatedAt:  s.nowFn(),
	}
	var assetID sql.NullInt64
	if raw, ok := attrs["assetId"]; ok {
		if id, err := strconv.ParseUint(raw, 10, 63); err == nil {
			assetID = sql.NullInt64{Int64: int64(id), Valid: true}
			rec.AssetID = &id
		}
	}
	const stmt = `INSERT INTO events(id, type, asset_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, rec.ID, rec.Type, assetID, string(body), rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	rec.Sequence = seq
	return rec, nil
}

// List returns events in sequence order.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]Record, error) {
	var (
		clauses = []string{"sequence > ?"}
		args    = []any{filter.AfterSequence}
	)
	if t := strings.TrimSpace(filter.Type); t != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, t)
	}
	if filter.AssetID != nil {
		clauses = append(clauses, "asset_id = ?")
		args = append(args, int64(*filter.AssetID))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	args = append(args, limit)
	query := `SELECT sequence, id, type, asset_id, payload, created_at FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY sequence ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			assetID sql.NullInt64
			payload string
		)
		if err := rows.Scan(&rec.Sequence, &rec.ID, &rec.Type, &assetID, &payload, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if assetID.Valid {
			id := uint64(assetID.Int64)
			rec.AssetID = &id
		}
		if err := json.Unmarshal([]byte(payload), &rec.Attributes); err != nil {
			return nil, fmt.Errorf("eventlog: decode payload %d: %w", rec.Sequence, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
