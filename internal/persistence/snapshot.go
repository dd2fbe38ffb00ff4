package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotStore saves and loads engine state snapshots for warm restart:
// load the latest snapshot, then replay operations from its sequence
// forward.
type SnapshotStore struct {
	db *sql.DB
}

// SnapshotData mirrors engine.SnapshotState; the orchestrator in cmd
// bridges the two to keep this package free of an engine import.
type SnapshotData struct {
	Sequence   int64                        `json:"sequence"`
	StateHash  []byte                       `json:"state_hash"`
	Collateral map[string]map[string]string `json:"collateral"`
	Debt       map[string]string            `json:"debt"`
	CreatedAt  time.Time                    `json:"created_at"`
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Save persists a snapshot, replacing any existing snapshot at the same
// sequence.
func (s *SnapshotStore) Save(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO synth_log.snapshots
			(snapshot_id, sequence, data, state_hash, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $5
	`, uuid.New(), snap.Sequence, data, snap.StateHash, len(data), snap.CreatedAt)

	return err
}

// LoadLatest returns the most recent snapshot, or nil on cold start.
func (s *SnapshotStore) LoadLatest(ctx context.Context) (*SnapshotData, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT data FROM synth_log.snapshots
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}
