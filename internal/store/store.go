// Package store persists training samples and run summaries in SQLite.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/chrissnell/coded/internal/classify"
	"github.com/chrissnell/coded/pkg/config"
	"github.com/chrissnell/coded/pkg/migrate"
)

//go:embed migrations/*.sql
var migrations embed.FS

// MigrationTable tracks the store schema version.
const MigrationTable = "schema_migrations"

// Migrations returns the embedded store schema migrations.
func Migrations() *migrate.FSProvider {
	return migrate.NewFSProvider(migrations, "migrations", MigrationTable)
}

// Store is a SQLite-backed sample and run store.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// RunSummary describes one completed pipeline run.
type RunSummary struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  time.Time
	Segments    int
	ModelName   string
	MatchPolicy string
	StartYear   int
	EndYear     int

	TrainCount int
	TestCount  int
	Dropped    int
	Truncated  int

	// OverallAccuracy and Kappa are nil when no evaluation split was made.
	OverallAccuracy *float64
	Kappa           *float64

	// Strata counts stratification pixels per code.
	Strata map[int]int
	Config *config.ConfigData
}

// Open opens or creates the database at path and applies pending migrations.
func Open(path string, logger *zap.SugaredLogger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	if err := migrate.NewMigrator(db, Migrations(), logger).MigrateUp(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate store schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSamples replaces the stored training set with samples.
func (s *Store) SaveSamples(ctx context.Context, samples []classify.Sample) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM training_samples`); err != nil {
		return fmt.Errorf("clearing samples: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO training_samples (col, row, year, class, features)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, smp := range samples {
		blob, err := msgpack.Marshal(smp.Features)
		if err != nil {
			return fmt.Errorf("encoding features of sample %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx, smp.Col, smp.Row, smp.Year, smp.Class, blob); err != nil {
			return fmt.Errorf("inserting sample %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Infow("training samples saved", "data.samples", len(samples))
	return nil
}

// LoadSamples returns the stored training set in insertion order.
func (s *Store) LoadSamples(ctx context.Context) ([]classify.Sample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT col, row, year, class, features
		FROM training_samples
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying samples: %w", err)
	}
	defer rows.Close()

	var samples []classify.Sample
	for rows.Next() {
		var (
			smp  classify.Sample
			blob []byte
		)
		if err := rows.Scan(&smp.Col, &smp.Row, &smp.Year, &smp.Class, &blob); err != nil {
			return nil, err
		}
		if err := msgpack.Unmarshal(blob, &smp.Features); err != nil {
			return nil, fmt.Errorf("decoding features at (%d,%d): %w", smp.Col, smp.Row, err)
		}
		samples = append(samples, smp)
	}
	return samples, rows.Err()
}

// RecordRun stores a run summary, assigning an ID when r.ID is empty, and
// returns the ID.
func (s *Store) RecordRun(ctx context.Context, r RunSummary) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	strata, err := msgpack.Marshal(r.Strata)
	if err != nil {
		return "", fmt.Errorf("encoding strata: %w", err)
	}
	var cfg []byte
	if r.Config != nil {
		if cfg, err = encodeConfig(r.Config); err != nil {
			return "", fmt.Errorf("encoding config: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (
			id, started_at, finished_at, segments, model_name, match_policy,
			start_year, end_year, train_count, test_count, dropped_samples,
			truncated_pixels, overall_accuracy, kappa, strata, config
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt.UTC().Format(time.RFC3339Nano), r.FinishedAt.UTC().Format(time.RFC3339Nano),
		r.Segments, r.ModelName, r.MatchPolicy,
		r.StartYear, r.EndYear, r.TrainCount, r.TestCount, r.Dropped,
		r.Truncated, nullFloat(r.OverallAccuracy), nullFloat(r.Kappa), strata, cfg,
	)
	if err != nil {
		return "", fmt.Errorf("inserting run %s: %w", r.ID, err)
	}
	return r.ID, nil
}

// Runs returns every recorded run, newest first.
func (s *Store) Runs(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, segments, model_name, match_policy,
		       start_year, end_year, train_count, test_count, dropped_samples,
		       truncated_pixels, overall_accuracy, kappa, strata, config
		FROM runs
		ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var (
			r                 RunSummary
			started, finished string
			oa, kappa         sql.NullFloat64
			strata, cfg       []byte
		)
		if err := rows.Scan(&r.ID, &started, &finished, &r.Segments, &r.ModelName, &r.MatchPolicy,
			&r.StartYear, &r.EndYear, &r.TrainCount, &r.TestCount, &r.Dropped,
			&r.Truncated, &oa, &kappa, &strata, &cfg); err != nil {
			return nil, err
		}
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("run %s start time: %w", r.ID, err)
		}
		if r.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
			return nil, fmt.Errorf("run %s finish time: %w", r.ID, err)
		}
		if oa.Valid {
			r.OverallAccuracy = &oa.Float64
		}
		if kappa.Valid {
			r.Kappa = &kappa.Float64
		}
		if len(strata) > 0 {
			if err := msgpack.Unmarshal(strata, &r.Strata); err != nil {
				return nil, fmt.Errorf("run %s strata: %w", r.ID, err)
			}
		}
		if len(cfg) > 0 {
			if r.Config, err = decodeConfig(cfg); err != nil {
				return nil, fmt.Errorf("run %s config: %w", r.ID, err)
			}
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Config snapshots reuse the json tags so stored keys match the config API.
func encodeConfig(c *config.ConfigData) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeConfig(b []byte) (*config.ConfigData, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.SetCustomStructTag("json")
	var c config.ConfigData
	if err := dec.Decode(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
