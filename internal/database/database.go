package database

import (
	"database/sql"
	"embed"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Config holds database configuration.
type Config struct {
	DatabasePath string
}

// DB wraps the sqlite connection and owns schema migrations.
type DB struct {
	conn *sql.DB
}

// NewDB opens (creating if needed) the sqlite database at the configured
// path and brings the schema up to date.
func NewDB(cfg Config) (*DB, error) {
	if cfg.DatabasePath == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", cfg.DatabasePath)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single writer; sqlite serializes writes anyway and this avoids
	// SQLITE_BUSY under concurrent service loops.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}

	db := &DB{conn: conn}

	// Aggregate columns on series are trigger-maintained. Rows written
	// before the triggers existed get reconciled once here.
	if err := db.reconcileSeriesAggregates(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func migrate(conn *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(conn, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Connection exposes the underlying handle for repositories.
func (db *DB) Connection() *sql.DB {
	return db.conn
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) reconcileSeriesAggregates() error {
	res, err := db.conn.Exec(`
		UPDATE series SET
			episode_count = (SELECT COUNT(*) FROM episodes WHERE episodes.series_row_id = series.id),
			total_duration = (SELECT COALESCE(SUM(duration), 0) FROM episodes WHERE episodes.series_row_id = series.id),
			first_recorded = (SELECT MIN(start_time) FROM episodes WHERE episodes.series_row_id = series.id),
			last_recorded = (SELECT MAX(start_time) FROM episodes WHERE episodes.series_row_id = series.id)
		WHERE episode_count != (SELECT COUNT(*) FROM episodes WHERE episodes.series_row_id = series.id)
		   OR total_duration != (SELECT COALESCE(SUM(duration), 0) FROM episodes WHERE episodes.series_row_id = series.id)`)
	if err != nil {
		return fmt.Errorf("reconcile series aggregates: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.Printf("[database] reconciled aggregates for %d series", n)
	}
	return nil
}
