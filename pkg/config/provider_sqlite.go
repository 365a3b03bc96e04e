package config

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/chrissnell/coded/pkg/migrate"
)

//go:embed migrations/*.sql
var migrations embed.FS

// MigrationTable tracks the config schema version.
const MigrationTable = "config_schema_migrations"

// Migrations returns the embedded config schema migrations.
func Migrations() *migrate.FSProvider {
	return migrate.NewFSProvider(migrations, "migrations", MigrationTable)
}

// DefaultConfigName is the row LoadConfig reads.
const DefaultConfigName = "default"

// SQLiteProvider implements ConfigProvider for SQLite database configuration
type SQLiteProvider struct {
	db     *sql.DB
	dbPath string
	name   string
}

// NewSQLiteProvider opens dbPath, bringing its schema up to date.
func NewSQLiteProvider(dbPath string) (*SQLiteProvider, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	if err := migrate.NewMigrator(db, Migrations(), nil).MigrateUp(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate config schema: %w", err)
	}

	return &SQLiteProvider{
		db:     db,
		dbPath: dbPath,
		name:   DefaultConfigName,
	}, nil
}

// LoadConfig loads the complete configuration from SQLite database
func (s *SQLiteProvider) LoadConfig() (*ConfigData, error) {
	query := `
		SELECT segments, class_bands, coefs, forest_value, start_year, end_year,
		       magnitude_band, match_policy,
		       cd_lambda, cd_min_num_of_years_scaler, cd_date_format,
		       cd_min_observations, cd_chi_square_probability,
		       class_property, class_coefs, ancillary, classifier_type, trees,
		       max_depth, min_leaf_size, features, bag_fraction, k,
		       train_proportion, seed, train_on_subset, subset_to_study_area,
		       study_area, sqlite_path
		FROM pipeline_configs
		WHERE name = ?
	`

	var (
		cfg                                ConfigData
		classBands, coefs, classCoefs, anc string
		lambda, yearsScaler, chiSquare     sql.NullFloat64
		dateFormat, minObs                 sql.NullInt64
		seed                               int64
		forestValue                        int
		magnitudeBand                      string
		studyArea, sqlitePath              sql.NullString
	)
	g := &cfg.General
	cl := &cfg.Classification
	err := s.db.QueryRow(query, s.name).Scan(
		&g.Segments, &classBands, &coefs, &forestValue, &g.StartYear, &g.EndYear,
		&magnitudeBand, &g.MatchPolicy,
		&lambda, &yearsScaler, &dateFormat, &minObs, &chiSquare,
		&cl.ClassProperty, &classCoefs, &anc, &cl.Classifier.Type, &cl.Classifier.Trees,
		&cl.Classifier.MaxDepth, &cl.Classifier.MinLeafSize, &cl.Classifier.Features,
		&cl.Classifier.BagFraction, &cl.Classifier.K,
		&cl.TrainProportion, &seed, &cl.TrainOnSubset, &cl.SubsetToStudyArea,
		&studyArea, &sqlitePath,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no configuration named %q in %s", s.name, s.dbPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query configuration: %w", err)
	}

	// Both columns are always written, so the stored values are explicit.
	g.ForestValue = &forestValue
	g.MagnitudeBand = &magnitudeBand
	g.ClassBands = splitList(classBands)
	g.Coefs = splitList(coefs)
	cl.Coefs = splitList(classCoefs)
	cl.Ancillary = splitList(anc)
	cl.Seed = uint64(seed)

	// Convert nullable fields to zero values if NULL
	if lambda.Valid {
		cfg.ChangeDetection.Lambda = lambda.Float64
	}
	if yearsScaler.Valid {
		cfg.ChangeDetection.MinNumOfYearsScaler = yearsScaler.Float64
	}
	if dateFormat.Valid {
		cfg.ChangeDetection.DateFormat = int(dateFormat.Int64)
	}
	if minObs.Valid {
		cfg.ChangeDetection.MinObservations = int(minObs.Int64)
	}
	if chiSquare.Valid {
		cfg.ChangeDetection.ChiSquareProbability = chiSquare.Float64
	}
	if studyArea.Valid && studyArea.String != "" {
		cl.StudyArea = &StudyAreaData{}
		if err := json.Unmarshal([]byte(studyArea.String), cl.StudyArea); err != nil {
			return nil, fmt.Errorf("failed to decode study area: %w", err)
		}
	}
	if sqlitePath.Valid && sqlitePath.String != "" {
		cfg.Storage.SQLite = &SQLiteData{Path: sqlitePath.String}
	}

	return finish(&cfg)
}

// SaveConfig writes cfg as the default configuration, replacing any previous one.
func (s *SQLiteProvider) SaveConfig(cfg *ConfigData) error {
	var studyArea, sqlitePath sql.NullString
	if cfg.Classification.StudyArea != nil {
		b, err := json.Marshal(cfg.Classification.StudyArea)
		if err != nil {
			return fmt.Errorf("failed to encode study area: %w", err)
		}
		studyArea = sql.NullString{String: string(b), Valid: true}
	}
	if cfg.Storage.SQLite != nil {
		sqlitePath = sql.NullString{String: cfg.Storage.SQLite.Path, Valid: true}
	}

	g := cfg.General
	cd := cfg.ChangeDetection
	cl := cfg.Classification
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO pipeline_configs (
			name, segments, class_bands, coefs, forest_value, start_year, end_year,
			magnitude_band, match_policy,
			cd_lambda, cd_min_num_of_years_scaler, cd_date_format,
			cd_min_observations, cd_chi_square_probability,
			class_property, class_coefs, ancillary, classifier_type, trees,
			max_depth, min_leaf_size, features, bag_fraction, k,
			train_proportion, seed, train_on_subset, subset_to_study_area,
			study_area, sqlite_path, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		s.name, g.Segments, joinList(g.ClassBands), joinList(g.Coefs), g.Forest(), g.StartYear, g.EndYear,
		g.Magnitude(), g.MatchPolicy,
		cd.Lambda, cd.MinNumOfYearsScaler, cd.DateFormat, cd.MinObservations, cd.ChiSquareProbability,
		cl.ClassProperty, joinList(cl.Coefs), joinList(cl.Ancillary), cl.Classifier.Type, cl.Classifier.Trees,
		cl.Classifier.MaxDepth, cl.Classifier.MinLeafSize, cl.Classifier.Features, cl.Classifier.BagFraction, cl.Classifier.K,
		cl.TrainProportion, int64(cl.Seed), cl.TrainOnSubset, cl.SubsetToStudyArea,
		studyArea, sqlitePath,
	)
	if err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	return nil
}

// IsReadOnly returns false since SQLite supports writes
func (s *SQLiteProvider) IsReadOnly() bool {
	return false
}

// Close closes the database connection
func (s *SQLiteProvider) Close() error {
	return s.db.Close()
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func joinList(l []string) string {
	return strings.Join(l, ",")
}
