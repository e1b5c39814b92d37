package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

// ErrNoPath is returned when the journal location is not configured.
var ErrNoPath = errors.New("journal path is empty")

// journalPragmas are applied on every connection. Both mode workers write
// the same file, so a writer waits for the other instead of failing.
var journalPragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
}

// Database is the order and cycle journal shared by the mode workers.
type Database struct {
	DB   *sql.DB
	Path string
}

// New opens the journal at path, creating its directory and file on first
// use. ":memory:" opens a private in-memory journal.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, ErrNoPath
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", journalDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	// One connection per process; the in-memory journal lives on it.
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return &Database{DB: conn, Path: path}, nil
}

func journalDSN(path string) string {
	params := make([]string, 0, len(journalPragmas))
	for _, p := range journalPragmas {
		params = append(params, "_pragma="+p)
	}
	return path + "?" + strings.Join(params, "&")
}

// Close closes the journal. A nil journal is a no-op.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
