// Package state persists build history in a local SQLite database.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	_ "modernc.org/sqlite"
)

// DefaultFile is the database path relative to the XDG data home.
const DefaultFile = "stagehand/builds.db"

// Store records builds, their stages and their locked packages.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// NotFoundError indicates that no build matches the requested ID.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	if e == nil || e.ID == "" {
		return "build not found"
	}
	return fmt.Sprintf("build %q not found", e.ID)
}

// IsNotFound reports whether err indicates a missing build.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// DefaultPath returns the database location under the XDG data directory.
func DefaultPath() (string, error) {
	p, err := xdg.DataFile(DefaultFile)
	if err != nil {
		return "", fmt.Errorf("resolve state path: %w", err)
	}
	return p, nil
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	// SQLite allows a single writer; one connection keeps writes serialized.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping state database %q: %w", path, err)
	}

	s := &Store{db: db, path: path, logger: logger, now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Debug("state store opened", "path", path)
	return s, nil
}

// Path is the database file.
func (s *Store) Path() string { return s.path }

// Close releases the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
