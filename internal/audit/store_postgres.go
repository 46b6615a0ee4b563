package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore persists audit records in a single append-only table. Use it
// beside the file store when the household gateway reports into a fleet
// backend.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgresStore connects with the given DSN and ensures the schema.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := NewPostgresStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// EnsureSchema creates the audit table if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_records (
			id           BIGSERIAL PRIMARY KEY,
			seq          BIGINT      NOT NULL,
			t            TIMESTAMPTZ NOT NULL,
			session_id   TEXT        NOT NULL DEFAULT '',
			utterance_id TEXT        NOT NULL DEFAULT '',
			incident_id  TEXT        NOT NULL DEFAULT '',
			stage        TEXT        NOT NULL,
			outcome      TEXT        NOT NULL,
			detail       JSONB,
			payload_hash TEXT        NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS audit_records_incident_idx
			ON audit_records (incident_id, seq);
	`)
	if err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

// Append inserts one record.
func (s *PostgresStore) Append(ctx context.Context, rec Record) error {
	var detail []byte
	if rec.Detail != nil {
		var err error
		detail, err = json.Marshal(rec.Detail)
		if err != nil {
			return fmt.Errorf("encode audit detail: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records (seq, t, session_id, utterance_id, incident_id, stage, outcome, detail, payload_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.Seq, rec.Time, rec.SessionID, rec.UtteranceID, rec.IncidentID,
		string(rec.Stage), rec.Outcome, nullableJSON(detail), rec.PayloadHash,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// ListByIncident returns one incident's records ordered by sequence.
func (s *PostgresStore) ListByIncident(ctx context.Context, incidentID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, t, session_id, utterance_id, incident_id, stage, outcome, detail, payload_hash
		FROM audit_records WHERE incident_id = $1 ORDER BY seq`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListRecent returns the most recent records, newest last.
func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, t, session_id, utterance_id, incident_id, stage, outcome, detail, payload_hash
		FROM (
			SELECT * FROM audit_records ORDER BY id DESC LIMIT $1
		) latest ORDER BY id ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Close closes the underlying handle.
func (s *PostgresStore) Close() error { return s.db.Close() }

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var rec Record
		var stage string
		var detail []byte
		if err := rows.Scan(&rec.Seq, &rec.Time, &rec.SessionID, &rec.UtteranceID,
			&rec.IncidentID, &stage, &rec.Outcome, &detail, &rec.PayloadHash); err != nil {
			return nil, err
		}
		rec.Stage = Stage(stage)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &rec.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
