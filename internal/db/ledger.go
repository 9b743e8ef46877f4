package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"upload-relay/internal/relay"
)

// Record is one stored relay outcome.
type Record struct {
	ID            string    `json:"id"`
	RequestID     string    `json:"request_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Index         int       `json:"index"`
	Filename      string    `json:"filename"`
	Key           string    `json:"key,omitempty"`
	Bucket        string    `json:"bucket"`
	Status        string    `json:"status"`
	ErrorMsg      string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Ledger persists request outcomes to Postgres.
type Ledger struct {
	db *sql.DB
}

// NewLedger returns a Ledger backed by db.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Record stores every outcome of one request in a single transaction. The
// slice position is the file's declaration index.
func (l *Ledger) Record(ctx context.Context, requestID, correlationID, bucket string, outcomes []relay.Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const query = `
		INSERT INTO relay_outcomes (
			id, request_id, correlation_id, file_index, filename,
			object_key, bucket, status, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare ledger insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, o := range outcomes {
		_, err := stmt.ExecContext(ctx,
			uuid.NewString(),
			requestID,
			nullString(correlationID),
			i,
			o.Filename,
			nullString(o.Key),
			bucket,
			string(o.Status),
			nullString(o.Error),
		)
		if err != nil {
			return fmt.Errorf("insert outcome %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

// ListByCorrelation returns the outcomes recorded for correlationID, oldest
// first.
func (l *Ledger) ListByCorrelation(ctx context.Context, correlationID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, request_id, correlation_id, file_index, filename,
		       object_key, bucket, status, error_message, created_at
		FROM relay_outcomes
		WHERE correlation_id = $1
		ORDER BY created_at, file_index
		LIMIT $2
	`, correlationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var r Record
		var corr, key, errMsg sql.NullString
		if err := rows.Scan(
			&r.ID,
			&r.RequestID,
			&corr,
			&r.Index,
			&r.Filename,
			&key,
			&r.Bucket,
			&r.Status,
			&errMsg,
			&r.CreatedAt,
		); err != nil {
			return nil, err
		}
		r.CorrelationID = corr.String
		r.Key = key.String
		r.ErrorMsg = errMsg.String
		records = append(records, r)
	}
	return records, rows.Err()
}

// Ping checks the connection.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// nullString maps "" to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{
		String: s,
		Valid:  s != "",
	}
}
