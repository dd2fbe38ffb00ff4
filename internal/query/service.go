package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no operation exists at the requested sequence.
var ErrNotFound = errors.New("operation not found")

const maxPageSize = 500

// Service provides read-only access to the operation log in Postgres.
// Live account state is served from the engine's in-memory ledger; this
// service covers history, pagination, and chain verification.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

const operationColumns = `sequence, kind, operation_id, account, payload, state_hash, prev_hash, timestamp`

// OperationsByAccount returns an account's operations, newest first.
// Pagination is cursor based: pass the last seen sequence as afterSequence
// to fetch the next page.
func (s *Service) OperationsByAccount(
	ctx context.Context,
	account string,
	limit int,
	afterSequence *int64,
) ([]OperationResponse, error) {
	limit = clampLimit(limit)

	q := `SELECT ` + operationColumns + `
		FROM synth_log.operations
		WHERE account = $1`
	args := []interface{}{account}
	argIdx := 2

	if afterSequence != nil {
		q += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	q += " ORDER BY sequence DESC"
	q += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	return s.queryOperations(ctx, q, args...)
}

// LatestOperations returns the most recent operations across all accounts.
func (s *Service) LatestOperations(ctx context.Context, limit int) ([]OperationResponse, error) {
	q := `SELECT ` + operationColumns + `
		FROM synth_log.operations
		ORDER BY sequence DESC
		LIMIT $1`
	return s.queryOperations(ctx, q, clampLimit(limit))
}

// OperationBySequence returns a single operation, or ErrNotFound.
func (s *Service) OperationBySequence(ctx context.Context, sequence int64) (*OperationResponse, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM synth_log.operations WHERE sequence = $1`,
		sequence,
	)

	var op OperationResponse
	err := row.Scan(
		&op.Sequence, &op.Kind, &op.OperationID, &op.Account,
		&op.Payload, &op.StateHash, &op.PrevHash, &op.Timestamp,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// VerifyChain checks that every stored record's prev_hash matches the
// state_hash of the preceding record. Breaks are reported by sequence,
// capped at ten.
func (s *Service) VerifyChain(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM synth_log.operations
	`).Scan(&report.LatestSequence)
	if err != nil {
		return nil, err
	}

	if report.LatestSequence > 0 {
		err = s.db.QueryRowContext(ctx,
			`SELECT state_hash FROM synth_log.operations WHERE sequence = $1`,
			report.LatestSequence,
		).Scan(&report.TipHash)
		if err != nil {
			return nil, err
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT cur.sequence
		FROM synth_log.operations cur
		JOIN synth_log.operations prev ON prev.sequence = cur.sequence - 1
		WHERE cur.prev_hash != prev.state_hash
		ORDER BY cur.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0
	return report, nil
}

func (s *Service) queryOperations(ctx context.Context, q string, args ...interface{}) ([]OperationResponse, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []OperationResponse
	for rows.Next() {
		var op OperationResponse
		if err := rows.Scan(
			&op.Sequence, &op.Kind, &op.OperationID, &op.Account,
			&op.Payload, &op.StateHash, &op.PrevHash, &op.Timestamp,
		); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
