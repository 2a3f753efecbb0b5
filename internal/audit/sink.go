package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/voxmill/voxmill/internal/model"
)

// sink is the durable side of the audit log: an embedded SQLite database
// holding the append-only audit_log table. Rows are only ever inserted.
type sink struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	seq       INTEGER PRIMARY KEY,
	batch_id  TEXT NOT NULL,
	ts_utc    TEXT NOT NULL,
	operation TEXT NOT NULL,
	resource  TEXT NOT NULL,
	outcome   TEXT NOT NULL,
	detail    TEXT NOT NULL DEFAULT ''
)`

func openSink(path string) (*sink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sink %s: %w", path, err)
	}
	// The flush loop is the single writer; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}
	return &sink{db: db}, nil
}

func (s *sink) lastSequence(ctx context.Context) (uint64, error) {
	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM audit_log`).Scan(&last); err != nil {
		return 0, fmt.Errorf("audit: read last sequence: %w", err)
	}
	if !last.Valid {
		return 0, nil
	}
	return uint64(last.Int64), nil
}

func (s *sink) insert(ctx context.Context, entries []model.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit: begin flush tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO audit_log (seq, batch_id, ts_utc, operation, resource, outcome, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("audit: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			int64(e.SequenceID), e.BatchID.String(), e.TimestampUTC.Format(time.RFC3339Nano),
			string(e.Operation), e.Resource, e.Outcome, e.Detail,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("audit: insert entry %d: %w", e.SequenceID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit: commit flush: %w", err)
	}
	return nil
}

func (s *sink) recent(ctx context.Context, n int) ([]model.AuditEntry, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, batch_id, ts_utc, operation, resource, outcome, detail
		 FROM audit_log ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			seq              int64
			batchID, ts      string
			op, res, outcome string
			detail           string
		)
		if err := rows.Scan(&seq, &batchID, &ts, &op, &res, &outcome, &detail); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		e := model.AuditEntry{
			SequenceID: uint64(seq),
			Operation:  model.Operation(op),
			Resource:   res,
			Outcome:    outcome,
			Detail:     detail,
		}
		if id, err := uuid.Parse(batchID); err == nil {
			e.BatchID = id
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.TimestampUTC = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sink) close() error { return s.db.Close() }
