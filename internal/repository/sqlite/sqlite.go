package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection with thread-safe access.
type DB struct {
	conn *sql.DB
	mu   sync.RWMutex
}

// New opens (creating if needed) the database at dbPath and migrates it.
func New(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// migrate creates the necessary tables if they don't exist.
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS faults (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		image TEXT NOT NULL DEFAULT '',
		fault_name TEXT NOT NULL DEFAULT '',
		class_index INTEGER,
		confidence REAL DEFAULT 0,
		box TEXT,
		timestamp DATETIME NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		assigned_to TEXT NOT NULL DEFAULT '',
		confirmed INTEGER NOT NULL DEFAULT 0,
		duplicate_images_removed INTEGER NOT NULL DEFAULT 0,
		sent_to_service INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS task_status (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fault_id INTEGER,
		task_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		result TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL,
		FOREIGN KEY (fault_id) REFERENCES faults(id) ON DELETE SET NULL
	);

	CREATE TABLE IF NOT EXISTS annotation_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_id TEXT NOT NULL,
		image_name TEXT NOT NULL,
		proposals TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		done INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_faults_confirmed ON faults(confirmed);
	CREATE INDEX IF NOT EXISTS idx_faults_timestamp ON faults(timestamp);
	CREATE INDEX IF NOT EXISTS idx_task_status_timestamp ON task_status(timestamp);
	CREATE INDEX IF NOT EXISTS idx_annotation_items_image ON annotation_items(image_name, done);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying database connection for use by repositories.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Lock acquires a write lock.
func (db *DB) Lock() {
	db.mu.Lock()
}

// Unlock releases the write lock.
func (db *DB) Unlock() {
	db.mu.Unlock()
}

// RLock acquires a read lock.
func (db *DB) RLock() {
	db.mu.RLock()
}

// RUnlock releases the read lock.
func (db *DB) RUnlock() {
	db.mu.RUnlock()
}
