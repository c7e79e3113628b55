// Package store persists flight runs and their fused samples in sqlite.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"tofengine-go/fusion"
	"tofengine-go/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var ErrUnknownRun = errors.New("store: unknown run")

type Store struct {
	db *sql.DB
}

type Run struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Notes     string    `json:"notes"`
}

// Open opens or creates the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	// Pragmas in the DSN apply to every pooled connection.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// MigrateUp runs all pending migrations. The migrate instance is not closed
// since that would close the shared connection.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Version returns the applied schema version, 0 when none is applied.
func (s *Store) Version() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) StartRun(notes string) (Run, error) {
	run := Run{ID: uuid.NewString(), StartedAt: time.Now().UTC().Truncate(time.Millisecond), Notes: notes}
	_, err := s.db.Exec(`INSERT INTO runs (run_id, started_at, notes) VALUES (?, ?, ?)`,
		run.ID, run.StartedAt.UnixMilli(), run.Notes)
	if err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

func (s *Store) Runs() ([]Run, error) {
	rows, err := s.db.Query(`SELECT run_id, started_at, notes FROM runs ORDER BY started_at, run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var (
			r  Run
			ms int64
		)
		if err := rows.Scan(&r.ID, &ms, &r.Notes); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordSample appends one pipeline result to a run. It returns
// ErrUnknownRun when runID was never started.
func (s *Store) RecordSample(runID string, res fusion.Result) error {
	_, err := s.db.Exec(`
		INSERT INTO samples (
			run_id, ts_ms, sensor, variant, flag, z, vz, floor, ceiling,
			var_z, var_f, var_r, measured, predicted, innovation, forwarded,
			innovation_var, threshold, beam_angle, detected
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, res.TimestampMs, res.Sensor, string(res.Variant), res.Flag,
		res.Z, res.VZ, res.Floor, res.Ceiling, res.VarZ, res.VarF, res.VarR,
		res.Diag.MeasuredDistance, res.Diag.PredictedDistance, res.Diag.Innovation,
		res.Diag.ForwardedInnovation, res.Diag.InnovationVariance,
		res.Diag.Threshold, res.Diag.BeamAngle, res.Diag.Detected,
	)
	if err != nil {
		// The foreign key is the usual cause; report it as such.
		if ok, lookupErr := s.runExists(runID); lookupErr == nil && !ok {
			return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
		}
		return fmt.Errorf("insert sample for run %s: %w", runID, err)
	}
	return nil
}

func (s *Store) runExists(runID string) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM runs WHERE run_id = ?`, runID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// Samples returns the results stored for a run in timestamp order.
func (s *Store) Samples(runID string) ([]fusion.Result, error) {
	ok, err := s.runExists(runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}

	rows, err := s.db.Query(`
		SELECT ts_ms, sensor, variant, flag, z, vz, floor, ceiling,
		       var_z, var_f, var_r, measured, predicted, innovation, forwarded,
		       innovation_var, threshold, beam_angle, detected
		FROM samples WHERE run_id = ? ORDER BY ts_ms, rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []fusion.Result
	for rows.Next() {
		var (
			r       fusion.Result
			variant string
		)
		if err := rows.Scan(&r.TimestampMs, &r.Sensor, &variant, &r.Flag,
			&r.Z, &r.VZ, &r.Floor, &r.Ceiling, &r.VarZ, &r.VarF, &r.VarR,
			&r.Diag.MeasuredDistance, &r.Diag.PredictedDistance, &r.Diag.Innovation,
			&r.Diag.ForwardedInnovation, &r.Diag.InnovationVariance,
			&r.Diag.Threshold, &r.Diag.BeamAngle, &r.Diag.Detected); err != nil {
			return nil, err
		}
		r.Variant = fusion.Variant(variant)
		r.Applied = r.Flag >= fusion.FlagUpdated
		out = append(out, r)
	}
	return out, rows.Err()
}
