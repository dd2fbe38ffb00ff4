package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"SynthLedger/internal/persistence"
	"SynthLedger/internal/testutil"
)

func sampleRows(n int) []persistence.OperationRow {
	rows := make([]persistence.OperationRow, n)
	for i := range rows {
		rows[i] = persistence.OperationRow{
			Sequence:    int64(i + 1),
			Kind:        "deposit",
			OperationID: uuid.NewString(),
			Account:     "alice",
			Payload:     []byte(`{"asset":"ETH","amount":"1000000000000000000"}`),
			StateHash:   []byte{byte(i + 1)},
			PrevHash:    []byte{byte(i)},
			Timestamp:   time.Now().UTC(),
		}
	}
	return rows
}

func TestWriteBatchIsIdempotent(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	migrator := persistence.NewMigrator(db, "../../migrations", zerolog.Nop())
	if err := migrator.Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	writer := persistence.NewOperationLogWriter(db)

	rows := sampleRows(5)
	for attempt := 0; attempt < 2; attempt++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := writer.WriteBatch(ctx, tx, rows); err != nil {
			t.Fatalf("write batch (attempt %d): %v", attempt, err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	latest, err := writer.LatestSequence(ctx)
	if err != nil {
		t.Fatalf("latest sequence: %v", err)
	}
	if latest != 5 {
		t.Fatalf("latest sequence = %d, want 5", latest)
	}

	loaded, err := writer.LoadFrom(ctx, 1, 100)
	if err != nil {
		t.Fatalf("load from: %v", err)
	}
	if len(loaded) != 5 {
		t.Fatalf("loaded %d rows, want 5", len(loaded))
	}
	for i, r := range loaded {
		if r.Sequence != int64(i+1) {
			t.Fatalf("row %d sequence = %d, want %d", i, r.Sequence, i+1)
		}
	}
}

func TestLoadFromResumesMidLog(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	writer := persistence.NewOperationLogWriter(db)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := writer.WriteBatch(ctx, tx, sampleRows(10)); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	loaded, err := writer.LoadFrom(ctx, 7, 100)
	if err != nil {
		t.Fatalf("load from: %v", err)
	}
	if len(loaded) != 4 {
		t.Fatalf("loaded %d rows, want 4", len(loaded))
	}
	if loaded[0].Sequence != 7 {
		t.Fatalf("first sequence = %d, want 7", loaded[0].Sequence)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := persistence.NewSnapshotStore(db)

	if snap, err := store.LoadLatest(ctx); err != nil || snap != nil {
		t.Fatalf("cold start: snap=%v err=%v, want nil/nil", snap, err)
	}

	want := &persistence.SnapshotData{
		Sequence:  42,
		StateHash: []byte{0xde, 0xad},
		Collateral: map[string]map[string]string{
			"alice": {"ETH": "10000000000000000000"},
		},
		Debt:      map[string]string{"alice": "100000000000000000000"},
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Saving again at the same sequence must upsert, not fail.
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("re-save: %v", err)
	}

	got, err := store.LoadLatest(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil || got.Sequence != 42 {
		t.Fatalf("got %+v, want sequence 42", got)
	}
	if got.Debt["alice"] != want.Debt["alice"] {
		t.Fatalf("debt = %s, want %s", got.Debt["alice"], want.Debt["alice"])
	}
	if got.Collateral["alice"]["ETH"] != want.Collateral["alice"]["ETH"] {
		t.Fatalf("collateral mismatch: %+v", got.Collateral)
	}
}
