// Package storage implements the sqlite-backed append-only readings store.
//
// The store is a single database file in WAL mode. The collector is the only
// writer; the query engine reads concurrently and sees consistent snapshots.
// Rows in the readings table are never updated or deleted during normal
// operation; retention is unbounded and pruning is an operator concern.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/NotCoffee418/dbmigrator"
	"github.com/pkosek/solis-ginlong-local-monitor/internal/models"

	_ "modernc.org/sqlite"
)

// schemaVersion is the PRAGMA user_version this build understands. Opening a
// file written by a newer build fails instead of guessing at its layout.
const schemaVersion = 1

var (
	// ErrIncompatibleSchema means the database file was created by an
	// incompatible version of this program.
	ErrIncompatibleSchema = errors.New("incompatible database schema version")
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// ReadingRepository defines the store operations used by the collector and
// the series engine.
type ReadingRepository interface {
	// Insert appends a single reading. The write is committed synchronously;
	// a nil return means the row is durable.
	Insert(ctx context.Context, r models.Reading) error

	// ReadRange returns readings with start <= timestamp < end, ordered by
	// timestamp ascending. An empty range yields an empty slice, not an error.
	ReadRange(ctx context.Context, start, end time.Time) ([]models.Reading, error)

	// ReadLatest returns the most recent reading, or nil when the store is empty.
	ReadLatest(ctx context.Context) (*models.Reading, error)

	// Checkpoint runs periodic file maintenance (WAL checkpoint, ANALYZE).
	Checkpoint(ctx context.Context) error

	Close() error
}

// Config contains store configuration options.
type Config struct {
	// Path is the filesystem path of the sqlite file. The parent directory
	// is created if missing.
	Path string

	// BusyTimeout is how long a connection waits on a locked database before
	// giving up, in milliseconds.
	BusyTimeout int
}

// SQLiteRepo implements ReadingRepository on a local sqlite file.
type SQLiteRepo struct {
	db *sql.DB
}

// Open connects to the store file, applies pending migrations and verifies
// the schema version. It fails fast with ErrIncompatibleSchema when the file
// belongs to a newer build.
func Open(ctx context.Context, cfg Config) (*SQLiteRepo, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5000
	}

	// WAL keeps readers off the writer's lock; synchronous=FULL makes each
	// committed reading durable before Insert returns.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(%d)",
		url.PathEscape(cfg.Path), busy,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}

	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		db.Close()
		return nil, fmt.Errorf("reading schema version: %w", err)
	}
	if version > schemaVersion {
		db.Close()
		return nil, fmt.Errorf("%w: file has version %d, supported is %d",
			ErrIncompatibleSchema, version, schemaVersion)
	}

	dbmigrator.SetDatabaseType(dbmigrator.SQLite)
	<-dbmigrator.MigrateUpCh(db, migrationFS, "migrations")

	return &SQLiteRepo{db: db}, nil
}

func (s *SQLiteRepo) Insert(ctx context.Context, r models.Reading) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO readings (
			timestamp, power_w, pv_voltage_v, pv_current_a, grid_voltage_v,
			grid_frequency_hz, temperature_c, daily_energy_kwh, total_energy_kwh
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Timestamp.UTC().Unix(),
		r.PowerW,
		r.PVVoltageV,
		r.PVCurrentA,
		r.GridVoltageV,
		r.GridFrequencyHz,
		r.TemperatureC,
		r.DailyEnergyKWH,
		r.TotalEnergyKWH,
	)
	if err != nil {
		return fmt.Errorf("inserting reading: %w", err)
	}
	return nil
}

const readingColumns = `id, timestamp, power_w, pv_voltage_v, pv_current_a,
	grid_voltage_v, grid_frequency_hz, temperature_c, daily_energy_kwh, total_energy_kwh`

func (s *SQLiteRepo) ReadRange(ctx context.Context, start, end time.Time) ([]models.Reading, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+readingColumns+`
		FROM readings
		WHERE timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC, id ASC`,
		start.UTC().Unix(), end.UTC().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying readings: %w", err)
	}
	defer rows.Close()

	readings := []models.Reading{}
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating readings: %w", err)
	}
	return readings, nil
}

func (s *SQLiteRepo) ReadLatest(ctx context.Context) (*models.Reading, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+readingColumns+`
		FROM readings
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`,
	)
	r, err := scanReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteRepo) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "ANALYZE"); err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	return nil
}

func (s *SQLiteRepo) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReading(row rowScanner) (models.Reading, error) {
	var r models.Reading
	var unix int64
	err := row.Scan(
		&r.ID,
		&unix,
		&r.PowerW,
		&r.PVVoltageV,
		&r.PVCurrentA,
		&r.GridVoltageV,
		&r.GridFrequencyHz,
		&r.TemperatureC,
		&r.DailyEnergyKWH,
		&r.TotalEnergyKWH,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("scanning reading: %w", err)
	}
	r.Timestamp = time.Unix(unix, 0).UTC()
	return r, nil
}

// Compile-time interface implementation check
var _ ReadingRepository = (*SQLiteRepo)(nil)
