package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// OperationLogWriter writes operation records to Postgres using multi-row
// INSERTs. Writes are idempotent: the sequence is the primary key and
// conflicts are ignored, so a retried batch never duplicates rows.
type OperationLogWriter struct {
	db *sql.DB
}

// OperationRow is a row in synth_log.operations.
type OperationRow struct {
	Sequence    int64
	Kind        string
	OperationID string
	Account     string
	Payload     []byte // JSON-encoded record payload
	StateHash   []byte
	PrevHash    []byte
	Timestamp   time.Time
}

func NewOperationLogWriter(db *sql.DB) *OperationLogWriter {
	return &OperationLogWriter{db: db}
}

// WriteBatch inserts a batch of operation rows inside the given transaction.
func (w *OperationLogWriter) WriteBatch(ctx context.Context, tx *sql.Tx, rows []OperationRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO synth_log.operations
		(sequence, kind, operation_id, account, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*8)

	for i, r := range rows {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			r.Sequence, r.Kind, r.OperationID, r.Account,
			r.Payload, r.StateHash, r.PrevHash, r.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// LoadFrom returns up to limit rows with sequence >= fromSequence, in
// order. Used for replay on warm restart.
func (w *OperationLogWriter) LoadFrom(ctx context.Context, fromSequence int64, limit int) ([]OperationRow, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT sequence, kind, operation_id, account, payload, state_hash, prev_hash, timestamp
		FROM synth_log.operations
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OperationRow
	for rows.Next() {
		var r OperationRow
		if err := rows.Scan(
			&r.Sequence, &r.Kind, &r.OperationID, &r.Account,
			&r.Payload, &r.StateHash, &r.PrevHash, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestSequence returns the highest persisted sequence, or 0 for an
// empty log.
func (w *OperationLogWriter) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := w.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM synth_log.operations`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
