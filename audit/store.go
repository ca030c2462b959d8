// Package audit keeps a durable trail of what the work cell physically
// did: one row per tube placement and one per sorting cycle. The trail
// answers "where did tube X go and when" after the in-memory model has
// long been reset, which is what the lab asks for when a result is
// questioned.
package audit

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/nombers/test-sorter/errors"
	"github.com/nombers/test-sorter/inventory"
	"github.com/nombers/test-sorter/pkg/worker"
)

const (
	writeQueue   = 512
	writeTimeout = 5 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS cycles (
	id            TEXT PRIMARY KEY,
	started_at    TIMESTAMP NOT NULL,
	completed_at  TIMESTAMP,
	tubes_scanned INTEGER NOT NULL DEFAULT 0,
	tubes_sorted  INTEGER NOT NULL DEFAULT 0,
	tubes_failed  INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS placements (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	cycle_id      TEXT NOT NULL,
	barcode       TEXT NOT NULL,
	test_type     TEXT NOT NULL,
	source_pallet INTEGER NOT NULL,
	source_slot   INTEGER NOT NULL,
	dest_rack     INTEGER NOT NULL,
	dest_slot     INTEGER NOT NULL,
	placed_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_placements_cycle ON placements(cycle_id);
CREATE INDEX IF NOT EXISTS idx_placements_placed_at ON placements(placed_at);
`

// writeOp is one queued insert or update.
type writeOp struct {
	query string
	args  []any
}

// Store is the SQLite-backed audit trail. Writes go through a single
// background worker so the coordination loop never waits on disk; reads
// are served directly. A nil *Store accepts every call and records
// nothing.
type Store struct {
	db     *sql.DB
	pool   *worker.Pool[writeOp]
	logger *slog.Logger
}

// Open creates or opens the trail at path and migrates the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, errors.WrapFatal(err, "Store", "Open", "create audit directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.WrapFatal(err, "Store", "Open", "open "+path)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "Store", "Open", "set pragmas")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "Store", "Open", "migrate schema")
	}

	s := &Store{
		db:     db,
		logger: logger.With("component", "audit"),
	}
	s.pool = worker.NewPool(1, writeQueue, s.apply)
	return s, nil
}

// Name implements component.Lifecycle.
func (s *Store) Name() string { return "audit" }

// Initialize implements component.Lifecycle.
func (s *Store) Initialize() error { return nil }

// Start launches the write worker.
func (s *Store) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.pool.Start(ctx)
}

// Stop drains pending writes and closes the database.
func (s *Store) Stop(timeout time.Duration) error {
	if s == nil {
		return nil
	}
	err := s.pool.Stop(timeout)
	if cerr := s.db.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (s *Store) apply(ctx context.Context, op writeOp) error {
	opCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(opCtx, op.query, op.args...); err != nil {
		s.logger.Error("audit write failed", "error", err)
	}
	return nil
}

func (s *Store) submit(op writeOp) {
	if err := s.pool.Submit(op); err != nil {
		s.logger.Warn("audit write dropped", "error", err)
	}
}

// RecordCycleStart opens a cycle row.
func (s *Store) RecordCycleStart(cycleID string) {
	if s == nil {
		return
	}
	s.submit(writeOp{
		query: `INSERT INTO cycles (id, started_at) VALUES (?, ?)`,
		args:  []any{cycleID, time.Now().UTC()},
	})
}

// RecordCycleEnd closes a cycle row with its totals.
func (s *Store) RecordCycleEnd(cycleID string, scanned, sorted, failed int) {
	if s == nil {
		return
	}
	s.submit(writeOp{
		query: `UPDATE cycles SET completed_at = ?, tubes_scanned = ?, tubes_sorted = ?, tubes_failed = ? WHERE id = ?`,
		args:  []any{time.Now().UTC(), scanned, sorted, failed, cycleID},
	})
}

// RecordPlacement appends one completed placement.
func (s *Store) RecordPlacement(cycleID string, tube *inventory.Tube) {
	if s == nil {
		return
	}
	s.submit(writeOp{
		query: `INSERT INTO placements
			(cycle_id, barcode, test_type, source_pallet, source_slot, dest_rack, dest_slot, placed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		args: []any{
			cycleID, tube.Barcode, string(tube.TestType),
			tube.SourcePallet, tube.SourceSlot, tube.DestRack, tube.DestSlot,
			time.Now().UTC(),
		},
	})
}

// CycleRecord is one row of cycle history.
type CycleRecord struct {
	ID          string     `json:"id"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Scanned     int        `json:"tubes_scanned"`
	Sorted      int        `json:"tubes_sorted"`
	Failed      int        `json:"tubes_failed"`
}

// PlacementRecord is one row of placement history.
type PlacementRecord struct {
	ID           int64     `json:"id"`
	CycleID      string    `json:"cycle_id"`
	Barcode      string    `json:"barcode"`
	TestType     string    `json:"test_type"`
	SourcePallet int       `json:"source_pallet"`
	SourceSlot   int       `json:"source_slot"`
	DestRack     int       `json:"dest_rack"`
	DestSlot     int       `json:"dest_slot"`
	PlacedAt     time.Time `json:"placed_at"`
}

// RecentCycles returns the newest cycles first.
func (s *Store) RecentCycles(ctx context.Context, limit int) ([]CycleRecord, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, completed_at, tubes_scanned, tubes_sorted, tubes_failed
		 FROM cycles ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "Store", "RecentCycles", "query")
	}
	defer rows.Close()

	var out []CycleRecord
	for rows.Next() {
		var rec CycleRecord
		var completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.StartedAt, &completed, &rec.Scanned, &rec.Sorted, &rec.Failed); err != nil {
			return nil, errors.Wrap(err, "Store", "RecentCycles", "scan")
		}
		if completed.Valid {
			t := completed.Time
			rec.CompletedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecentPlacements returns the newest placements first.
func (s *Store) RecentPlacements(ctx context.Context, limit int) ([]PlacementRecord, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, cycle_id, barcode, test_type, source_pallet, source_slot, dest_rack, dest_slot, placed_at
		 FROM placements ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "Store", "RecentPlacements", "query")
	}
	defer rows.Close()

	var out []PlacementRecord
	for rows.Next() {
		var rec PlacementRecord
		if err := rows.Scan(&rec.ID, &rec.CycleID, &rec.Barcode, &rec.TestType,
			&rec.SourcePallet, &rec.SourceSlot, &rec.DestRack, &rec.DestSlot, &rec.PlacedAt); err != nil {
			return nil, errors.Wrap(err, "Store", "RecentPlacements", "scan")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
