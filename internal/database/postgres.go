package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"powcaptcha/internal/config"
)

type DB struct {
	conn *sql.DB
	cfg  *config.Config
}

func NewDB(cfg *config.Config) (*DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode)

	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{
		conn: conn,
		cfg:  cfg,
	}

	if err := db.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS performance_analytics (
			id SERIAL PRIMARY KEY,
			site_key VARCHAR(255) NOT NULL,
			difficulty_factor INTEGER NOT NULL,
			time_taken INTEGER NOT NULL,
			worker_type VARCHAR(255) NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_performance_analytics_site_key ON performance_analytics(site_key)`,
		`CREATE INDEX IF NOT EXISTS idx_performance_analytics_created_at ON performance_analytics(created_at)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %s, error: %w", query, err)
		}
	}

	return nil
}

// SavePerformance appends one solve-performance observation. Records are
// never consulted by verification; they exist for operator dashboards.
func (db *DB) SavePerformance(ctx context.Context, site string, difficulty uint32, timeTaken uint32, workerType string) error {
	query := `INSERT INTO performance_analytics (site_key, difficulty_factor, time_taken, worker_type)
			  VALUES ($1, $2, $3, $4)`

	_, err := db.conn.ExecContext(ctx, query, site, difficulty, timeTaken, workerType)
	return err
}

func (db *DB) FetchPerformance(ctx context.Context, site string, limit, offset int) ([]PerformanceRecord, error) {
	query := `SELECT id, site_key, difficulty_factor, time_taken, worker_type, created_at
			  FROM performance_analytics WHERE site_key = $1
			  ORDER BY created_at DESC LIMIT $2 OFFSET $3`

	rows, err := db.conn.QueryContext(ctx, query, site, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []PerformanceRecord
	for rows.Next() {
		var r PerformanceRecord
		if err := rows.Scan(&r.ID, &r.SiteKey, &r.DifficultyFactor, &r.TimeTaken, &r.WorkerType, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

func (db *DB) CleanupOldRecords(olderThan time.Duration) error {
	query := `DELETE FROM performance_analytics WHERE created_at < $1`
	cutoff := time.Now().Add(-olderThan)
	_, err := db.conn.Exec(query, cutoff)
	return err
}
