package storage

import (
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, 7)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenCreatesBucketsAndSchemaVersion(t *testing.T) {
	db := newTestDB(t)
	if err := db.checkSchemaVersion(); err != nil {
		t.Fatalf("checkSchemaVersion: %v", err)
	}
}

func TestPutZoneThenGetZoneRoundTrips(t *testing.T) {
	db := newTestDB(t)

	rec := ZoneRecord{Profile: 3, Enabled: true, EmergencyMM: 400, WarningMM: 900, SafeMM: 1800}
	if err := db.PutZone(rec); err != nil {
		t.Fatalf("PutZone: %v", err)
	}

	got, err := db.GetZone(3)
	if err != nil {
		t.Fatalf("GetZone: %v", err)
	}
	if got == nil {
		t.Fatal("GetZone returned nil, want a record")
	}
	if got.WarningMM != 900 || got.EmergencyMM != 400 || got.SafeMM != 1800 {
		t.Fatalf("GetZone = %+v, want matching thresholds", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("GetZone UpdatedAt not stamped")
	}
}

func TestGetZoneMissingReturnsNilNil(t *testing.T) {
	db := newTestDB(t)
	got, err := db.GetZone(5)
	if err != nil {
		t.Fatalf("GetZone: %v", err)
	}
	if got != nil {
		t.Fatalf("GetZone = %+v, want nil for unset profile", got)
	}
}

func TestAppendLedgerThenReadLedgerOrdersChronologically(t *testing.T) {
	db := newTestDB(t)

	base := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	entries := []LedgerEntry{
		{Timestamp: base.Add(2 * time.Second), StateFrom: "safe", StateTo: "warning", Event: "zone_warning", NodeID: "master-01"},
		{Timestamp: base, StateFrom: "init", StateTo: "safe", Event: "init_complete", NodeID: "master-01"},
		{Timestamp: base.Add(1 * time.Second), StateFrom: "warning", StateTo: "estop", Event: "zone_emergency", NodeID: "master-01"},
	}
	for _, e := range entries {
		if err := db.AppendLedger(e); err != nil {
			t.Fatalf("AppendLedger: %v", err)
		}
	}

	got, err := db.ReadLedger()
	if err != nil {
		t.Fatalf("ReadLedger: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ReadLedger returned %d entries, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.Before(got[i-1].Timestamp) {
			t.Fatalf("ReadLedger not chronologically ordered: %+v before %+v", got[i], got[i-1])
		}
	}
	if got[0].StateTo != "safe" || got[2].StateTo != "estop" {
		t.Fatalf("ReadLedger order wrong: %+v", got)
	}
}

func TestPruneOldLedgerEntriesDeletesOnlyStaleEntries(t *testing.T) {
	db := newTestDB(t)

	now := time.Now().UTC()
	old := now.AddDate(0, 0, -10)
	recent := now.AddDate(0, 0, -1)

	if err := db.AppendLedger(LedgerEntry{Timestamp: old, StateFrom: "safe", StateTo: "warning", NodeID: "master-01"}); err != nil {
		t.Fatalf("AppendLedger old: %v", err)
	}
	if err := db.AppendLedger(LedgerEntry{Timestamp: recent, StateFrom: "warning", StateTo: "safe", NodeID: "master-01"}); err != nil {
		t.Fatalf("AppendLedger recent: %v", err)
	}

	deleted, err := db.PruneOldLedgerEntries()
	if err != nil {
		t.Fatalf("PruneOldLedgerEntries: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("PruneOldLedgerEntries deleted %d entries, want 1", deleted)
	}

	remaining, err := db.ReadLedger()
	if err != nil {
		t.Fatalf("ReadLedger: %v", err)
	}
	if len(remaining) != 1 || remaining[0].StateFrom != "warning" {
		t.Fatalf("ReadLedger after prune = %+v, want only the recent entry", remaining)
	}
}

func TestOpenRejectsMismatchedSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stale.db")
	db, err := Open(path, 7)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := db.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMeta)).Put([]byte("schema_version"), []byte("99"))
	}); err != nil {
		t.Fatalf("corrupt schema_version: %v", err)
	}
	db.Close()

	if _, err := Open(path, 7); err == nil {
		t.Fatal("Open with mismatched schema_version should fail, got nil error")
	}
}
