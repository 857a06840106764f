// Package store keeps tagging results in SQLite, keyed by image path and model.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/krau/wdtagger/pipeline"
	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("result not found")

type Store struct {
	db *sql.DB
}

// Record is one stored result. Threshold is the fixed threshold the result was
// filtered with; it is zero when MCut chose a threshold per category.
type Record struct {
	Image     string           `json:"image"`
	Model     string           `json:"model"`
	Threshold float32          `json:"threshold"`
	MCut      bool             `json:"mcut"`
	Result    *pipeline.Result `json:"result"`
	CreatedAt time.Time        `json:"created_at"`
}

func Open(dsn string) (*Store, error) {
	path := dsn
	if i := strings.Index(dsn, "?"); i != -1 {
		path = dsn[:i]
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("error creating database directory: %w", err)
		}
	}
	if !strings.Contains(dsn, "_busy_timeout") {
		if strings.Contains(dsn, "?") {
			dsn += "&_busy_timeout=5000"
		} else {
			dsn += "?_busy_timeout=5000"
		}
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("error connecting to SQLite: %w", err)
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	const results = `
    CREATE TABLE IF NOT EXISTS results (
        image TEXT NOT NULL,
        model TEXT NOT NULL,
        threshold REAL,
        mcut INTEGER NOT NULL DEFAULT 0,
        tags TEXT NOT NULL,
        created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
        PRIMARY KEY (image, model)
    );
    CREATE INDEX IF NOT EXISTS idx_results_model ON results(model);
    `
	if _, err := db.Exec(results); err != nil {
		return fmt.Errorf("error creating results table: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts or replaces the result of rec.Image under rec.Model.
func (s *Store) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("error encoding result: %w", err)
	}
	var threshold sql.NullFloat64
	if !rec.MCut {
		threshold = sql.NullFloat64{Float64: float64(rec.Threshold), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
    INSERT INTO results (image, model, threshold, mcut, tags, created_at) VALUES (?, ?, ?, ?, ?, ?)
    ON CONFLICT(image, model) DO UPDATE SET
        threshold = excluded.threshold,
        mcut = excluded.mcut,
        tags = excluded.tags,
        created_at = excluded.created_at`,
		rec.Image, rec.Model, threshold, rec.MCut, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("error saving result for %s: %w", rec.Image, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, image, model string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT image, model, threshold, mcut, tags, created_at FROM results WHERE image = ? AND model = ?`,
		image, model)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNotFound, image, model)
	}
	return rec, err
}

// List returns the results of model ordered by image path.
func (s *Store) List(ctx context.Context, model string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT image, model, threshold, mcut, tags, created_at FROM results WHERE model = ? ORDER BY image`,
		model)
	if err != nil {
		return nil, fmt.Errorf("error querying results: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, image, model string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE image = ? AND model = ?`, image, model)
	if err != nil {
		return fmt.Errorf("error deleting result for %s: %w", image, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s (%s)", ErrNotFound, image, model)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		rec       Record
		threshold sql.NullFloat64
		data      string
	)
	if err := sc.Scan(&rec.Image, &rec.Model, &threshold, &rec.MCut, &data, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("error scanning result: %w", err)
	}
	rec.Threshold = float32(threshold.Float64)
	rec.Result = &pipeline.Result{}
	if err := json.Unmarshal([]byte(data), rec.Result); err != nil {
		return nil, fmt.Errorf("error decoding result of %s: %w", rec.Image, err)
	}
	return &rec, nil
}
