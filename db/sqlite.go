package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"transitscope/lightcurve"
	"transitscope/vetting"
)

// ErrNotFound is returned when a lookup matches no rows.
var ErrNotFound = errors.New("record not found")

// Config selects the database file and journal mode.
type Config struct {
	Path      string `yaml:"path" json:"path"`
	EnableWAL bool   `yaml:"enable_wal" json:"enable_wal"`
}

// Store is the SQLite persistence layer for curves, predictions,
// vetting records and training runs.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS light_curves (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    catalog_id TEXT NOT NULL UNIQUE,
    source TEXT NOT NULL,
    points INTEGER NOT NULL,
    time_json TEXT NOT NULL,
    flux_json TEXT NOT NULL,
    created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS predictions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    catalog_id TEXT NOT NULL,
    confidence REAL NOT NULL,
    is_exoplanet INTEGER NOT NULL,
    model_version TEXT NOT NULL,
    created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS vetting_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    catalog_id TEXT NOT NULL,
    period REAL NOT NULL,
    depth REAL NOT NULL,
    odd_depth REAL NOT NULL,
    even_depth REAL NOT NULL,
    depth_difference REAL NOT NULL,
    centroid_shift REAL NOT NULL,
    confidence REAL NOT NULL,
    disposition TEXT NOT NULL,
    flags TEXT,
    created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS training_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    model_version TEXT NOT NULL,
    data_points INTEGER NOT NULL,
    epochs INTEGER NOT NULL,
    final_loss REAL NOT NULL,
    accuracy REAL NOT NULL,
    precision REAL NOT NULL,
    recall REAL NOT NULL,
    f1_score REAL NOT NULL,
    roc_auc REAL NOT NULL,
    trained_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_predictions_catalog ON predictions(catalog_id, created_at);
CREATE INDEX IF NOT EXISTS idx_vetting_catalog ON vetting_records(catalog_id, created_at);
`

// Open connects to the database file, applies the journal settings and
// creates missing tables.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	dsn := cfg.Path + "?_busy_timeout=5000"
	if cfg.EnableWAL {
		dsn += "&_journal_mode=WAL&_synchronous=NORMAL"
	}
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(time.Hour)

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &Store{db: conn}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveCurve upserts one light curve keyed by catalog id. The sample
// arrays are stored as JSON columns.
func (s *Store) SaveCurve(ctx context.Context, catalogID, source string, c lightcurve.Curve) error {
	if catalogID == "" {
		return errors.New("catalog id is required")
	}
	if c.Len() == 0 {
		return errors.New("curve is empty")
	}
	timeJSON, err := json.Marshal(c.Time)
	if err != nil {
		return err
	}
	fluxJSON, err := json.Marshal(c.Flux)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT OR REPLACE INTO light_curves (catalog_id, source, points, time_json, flux_json, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		catalogID, source, c.Len(), string(timeJSON), string(fluxJSON), time.Now().UTC())
	return err
}

// LoadCurve returns the stored curve and the source it came from.
func (s *Store) LoadCurve(ctx context.Context, catalogID string) (lightcurve.Curve, string, error) {
	var source, timeJSON, fluxJSON string
	err := s.db.QueryRowContext(ctx, `
        SELECT source, time_json, flux_json FROM light_curves WHERE catalog_id = ?`,
		catalogID).Scan(&source, &timeJSON, &fluxJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return lightcurve.Curve{}, "", ErrNotFound
	}
	if err != nil {
		return lightcurve.Curve{}, "", err
	}

	var c lightcurve.Curve
	if err := json.Unmarshal([]byte(timeJSON), &c.Time); err != nil {
		return lightcurve.Curve{}, "", fmt.Errorf("decode time column: %w", err)
	}
	if err := json.Unmarshal([]byte(fluxJSON), &c.Flux); err != nil {
		return lightcurve.Curve{}, "", fmt.Errorf("decode flux column: %w", err)
	}
	return c, source, nil
}

// HasCurve reports whether a curve is already stored for the id.
func (s *Store) HasCurve(ctx context.Context, catalogID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM light_curves WHERE catalog_id = ?`, catalogID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CurveCount reports how many curves are stored.
func (s *Store) CurveCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM light_curves`).Scan(&count)
	return count, err
}

// PredictionRecord is one classifier verdict as persisted.
type PredictionRecord struct {
	CatalogID    string    `json:"catalog_id"`
	Confidence   float64   `json:"confidence"`
	IsExoplanet  bool      `json:"is_exoplanet"`
	ModelVersion string    `json:"model_version"`
	CreatedAt    time.Time `json:"created_at"`
}

func (s *Store) SavePrediction(ctx context.Context, rec PredictionRecord) error {
	if rec.CatalogID == "" {
		return errors.New("catalog id is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO predictions (catalog_id, confidence, is_exoplanet, model_version, created_at)
        VALUES (?, ?, ?, ?, ?)`,
		rec.CatalogID, rec.Confidence, rec.IsExoplanet, rec.ModelVersion, rec.CreatedAt)
	return err
}

// RecentPredictions lists the newest predictions first.
func (s *Store) RecentPredictions(ctx context.Context, limit int) ([]PredictionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT catalog_id, confidence, is_exoplanet, model_version, created_at
        FROM predictions
        ORDER BY created_at DESC, id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]PredictionRecord, 0)
	for rows.Next() {
		var rec PredictionRecord
		if err := rows.Scan(&rec.CatalogID, &rec.Confidence, &rec.IsExoplanet, &rec.ModelVersion, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) SaveVetting(ctx context.Context, rec vetting.Record) error {
	if rec.CatalogID == "" {
		return errors.New("catalog id is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	flagsJSON, err := json.Marshal(rec.Flags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO vetting_records (catalog_id, period, depth, odd_depth, even_depth,
            depth_difference, centroid_shift, confidence, disposition, flags, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CatalogID, rec.Period, rec.Depth, rec.OddDepth, rec.EvenDepth,
		rec.DepthDifference, rec.CentroidShift, rec.Confidence, rec.Disposition,
		string(flagsJSON), rec.CreatedAt)
	return err
}

// VettingHistory lists the vetting records for one target, newest first.
func (s *Store) VettingHistory(ctx context.Context, catalogID string, limit int) ([]vetting.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT catalog_id, period, depth, odd_depth, even_depth, depth_difference,
            centroid_shift, confidence, disposition, flags, created_at
        FROM vetting_records
        WHERE catalog_id = ?
        ORDER BY created_at DESC, id DESC
        LIMIT ?`, catalogID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]vetting.Record, 0)
	for rows.Next() {
		var rec vetting.Record
		var flagsJSON sql.NullString
		err := rows.Scan(&rec.CatalogID, &rec.Period, &rec.Depth, &rec.OddDepth, &rec.EvenDepth,
			&rec.DepthDifference, &rec.CentroidShift, &rec.Confidence, &rec.Disposition,
			&flagsJSON, &rec.CreatedAt)
		if err != nil {
			return nil, err
		}
		if flagsJSON.Valid && flagsJSON.String != "" {
			_ = json.Unmarshal([]byte(flagsJSON.String), &rec.Flags)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// TrainingRun is one completed training invocation.
type TrainingRun struct {
	ModelVersion string    `json:"model_version"`
	DataPoints   int       `json:"data_points"`
	Epochs       int       `json:"epochs"`
	FinalLoss    float64   `json:"final_loss"`
	Accuracy     float64   `json:"accuracy"`
	Precision    float64   `json:"precision"`
	Recall       float64   `json:"recall"`
	F1Score      float64   `json:"f1_score"`
	ROCAUC       float64   `json:"roc_auc"`
	TrainedAt    time.Time `json:"trained_at"`
}

func (s *Store) SaveTrainingRun(ctx context.Context, run TrainingRun) error {
	if run.ModelVersion == "" {
		return errors.New("model version is required")
	}
	if run.TrainedAt.IsZero() {
		run.TrainedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO training_runs (model_version, data_points, epochs, final_loss,
            accuracy, precision, recall, f1_score, roc_auc, trained_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ModelVersion, run.DataPoints, run.Epochs, run.FinalLoss,
		run.Accuracy, run.Precision, run.Recall, run.F1Score, run.ROCAUC, run.TrainedAt)
	return err
}

// TrainingRuns lists past runs, newest first.
func (s *Store) TrainingRuns(ctx context.Context, limit int) ([]TrainingRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT model_version, data_points, epochs, final_loss, accuracy, precision,
            recall, f1_score, roc_auc, trained_at
        FROM training_runs
        ORDER BY trained_at DESC, id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]TrainingRun, 0)
	for rows.Next() {
		var run TrainingRun
		err := rows.Scan(&run.ModelVersion, &run.DataPoints, &run.Epochs, &run.FinalLoss,
			&run.Accuracy, &run.Precision, &run.Recall, &run.F1Score, &run.ROCAUC, &run.TrainedAt)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Stats summarizes row counts per table.
type Stats struct {
	Curves      int `json:"curves"`
	Predictions int `json:"predictions"`
	Vetting     int `json:"vetting_records"`
	Trainings   int `json:"training_runs"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	queries := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM light_curves`, &stats.Curves},
		{`SELECT COUNT(*) FROM predictions`, &stats.Predictions},
		{`SELECT COUNT(*) FROM vetting_records`, &stats.Vetting},
		{`SELECT COUNT(*) FROM training_runs`, &stats.Trainings},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return Stats{}, err
		}
	}
	return stats, nil
}
