// Package storage — bolt.go
//
// BoltDB-backed persistent storage for the OHT-50 master module firmware.
//
// Schema (BoltDB bucket layout):
//
//	/zones
//	    key:   zone profile index in decimal ("0".."7")
//	    value: JSON-encoded ZoneRecord
//
//	/ledger
//	    key:   RFC3339Nano timestamp + "_" + sequence  [monotonic, sortable]
//	    value: JSON-encoded LedgerEntry
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC32 integrity check on database open (bbolt built-in).
//
// Retention:
//   - Ledger entries older than RetentionDays are pruned by
//     PruneOldLedgerEntries, which cmd/oht50d calls once at startup; there
//     is no periodic pruning.
//   - Zone profiles are never automatically pruned (operator action required).
//
// Failure modes:
//   - BoltDB file corruption: bbolt detects via CRC and returns an error
//     on Open(). The daemon logs a fatal event and refuses to start.
//     Recovery: restore from backup at /var/lib/oht50/db.bak.
//   - Disk full: bbolt.Update() returns an error. The daemon logs the error
//     and continues without persisting (in-memory state preserved).
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultDBPath is the default BoltDB file location.
	DefaultDBPath = "/var/lib/oht50/oht50.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default ledger retention period.
	DefaultRetentionDays = 30

	// bucketZones is the BoltDB bucket name for zone profile snapshots.
	bucketZones = "zones"

	// bucketLedger is the BoltDB bucket name for the safety-transition ledger.
	bucketLedger = "ledger"

	// bucketMeta is the BoltDB bucket name for schema metadata.
	bucketMeta = "meta"
)

// ZoneRecord is the persisted form of one zone profile slot.
// Stored as JSON in the zones bucket.
type ZoneRecord struct {
	Profile     int       `json:"profile"`
	Enabled     bool      `json:"enabled"`
	EmergencyMM float64   `json:"emergency_mm"`
	WarningMM   float64   `json:"warning_mm"`
	SafeMM      float64   `json:"safe_mm"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// LedgerEntry is a single safety-transition audit record.
// Stored as JSON in the ledger bucket.
type LedgerEntry struct {
	// Timestamp is the transition time (nanosecond precision).
	Timestamp time.Time `json:"timestamp"`

	// Sequence disambiguates multiple entries with the same timestamp.
	Sequence uint64 `json:"sequence"`

	// StateFrom and StateTo are the safety monitor state names.
	StateFrom string `json:"state_from"`
	StateTo   string `json:"state_to"`

	// Event is the event kind that drove the transition, if any.
	Event string `json:"event"`

	// Reason is a short human-readable cause.
	Reason string `json:"reason"`

	// NodeID is the master module node that recorded this entry.
	NodeID string `json:"node_id"`
}

// DB wraps a BoltDB instance with typed accessors for firmware data.
type DB struct {
	db            *bolt.DB
	retentionDays int
	seq           uint64
}

// Open opens (or creates) the BoltDB database at the given path.
// Initialises all required buckets and verifies the schema version.
// Returns an error if the database is corrupt or schema is incompatible.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		NoGrowSync:   false,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketZones, bucketLedger, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}

		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

// checkSchemaVersion reads and validates the stored schema version.
func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, daemon requires %q. "+
					"Run migration or restore from backup.",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// ─── Zone operations ──────────────────────────────────────────────────────

func zoneKey(profile int) []byte {
	return []byte(fmt.Sprintf("%d", profile))
}

// PutZone writes or updates a zone profile snapshot.
func (d *DB) PutZone(rec ZoneRecord) error {
	rec.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("PutZone marshal: %w", err)
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketZones))
		if err := b.Put(zoneKey(rec.Profile), data); err != nil {
			return fmt.Errorf("PutZone bolt.Put: %w", err)
		}
		return nil
	})
}

// GetZone retrieves the zone profile snapshot for the given index.
// Returns (nil, nil) if no snapshot exists for this profile.
func (d *DB) GetZone(profile int) (*ZoneRecord, error) {
	var rec ZoneRecord
	found := false

	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketZones))
		data := b.Get(zoneKey(profile))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("GetZone(%d): %w", profile, err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// ─── Ledger operations ────────────────────────────────────────────────────────

// ledgerKey constructs a sortable BoltDB key for a ledger entry.
// Format: RFC3339Nano + "_" + sequence (zero-padded to 20 digits).
// Lexicographic sort = chronological sort.
func ledgerKey(t time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s_%020d", t.UTC().Format(time.RFC3339Nano), seq))
}

// AppendLedger writes a new safety-transition ledger entry.
// Uses a single ACID write transaction.
func (d *DB) AppendLedger(entry LedgerEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	d.seq++
	entry.Sequence = d.seq

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("AppendLedger marshal: %w", err)
	}

	key := ledgerKey(entry.Timestamp, entry.Sequence)

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("AppendLedger bolt.Put: %w", err)
		}
		return nil
	})
}

// PruneOldLedgerEntries deletes ledger entries older than retentionDays.
// Called once by cmd/oht50d at startup.
// Returns the number of entries deleted.
func (d *DB) PruneOldLedgerEntries() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := ledgerKey(cutoff, 0)

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}

		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOldLedgerEntries delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ReadLedger returns all ledger entries in chronological order.
// For operational use (CLI inspection). Not called on the hot path.
func (d *DB) ReadLedger() ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		return b.ForEach(func(_, v []byte) error {
			var entry LedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}
