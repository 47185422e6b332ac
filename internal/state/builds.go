package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codex-k8s/stagehand/internal/lockfile"
)

// Status is the lifecycle state of a build.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Build is one recorded pipeline run.
type Build struct {
	ID           string
	Project      string
	Driver       string
	Root         string
	SourceDigest string
	LockDigest   string
	Status       Status
	FailedStage  string
	Error        string
	StartedAt    time.Time
	// FinishedAt is zero while the build is running.
	FinishedAt time.Time
}

// Duration is the wall time of a finished build.
func (b Build) Duration() time.Duration {
	if b.FinishedAt.IsZero() {
		return 0
	}
	return b.FinishedAt.Sub(b.StartedAt)
}

// StageRecord is the stored outcome of one stage.
type StageRecord struct {
	Seq      int
	Name     string
	Status   string
	Duration time.Duration
	Error    string
}

// Outcome is what FinishBuild stores about a completed run.
type Outcome struct {
	Status       Status
	FailedStage  string
	Error        string
	SourceDigest string
	LockDigest   string
}

// BeginBuild inserts a running build and returns it with a fresh ID.
func (s *Store) BeginBuild(ctx context.Context, project, driver, root string) (*Build, error) {
	b := &Build{
		ID:        uuid.NewString(),
		Project:   project,
		Driver:    driver,
		Root:      root,
		Status:    StatusRunning,
		StartedAt: s.now().UTC(),
	}
	s.logger.Debug("recording build", "id", b.ID, "project", project, "driver", driver)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO builds (id, project, driver, root, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.Project, b.Driver, b.Root, string(b.Status), b.StartedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert build: %w", err)
	}
	return b, nil
}

// RecordStage appends a stage result to a build.
func (s *Store) RecordStage(ctx context.Context, buildID string, rec StageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO build_stages (build_id, seq, name, status, duration_ms, error) VALUES (?, ?, ?, ?, ?, ?)`,
		buildID, rec.Seq, rec.Name, rec.Status, rec.Duration.Milliseconds(), rec.Error)
	if err != nil {
		return fmt.Errorf("insert stage %s of build %s: %w", rec.Name, buildID, err)
	}
	return nil
}

// FinishBuild stores the final status of a build.
func (s *Store) FinishBuild(ctx context.Context, buildID string, out Outcome) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE builds
		    SET status = ?, failed_stage = ?, error = ?, source_digest = ?, lock_digest = ?, finished_at = ?
		  WHERE id = ?`,
		string(out.Status), out.FailedStage, out.Error, out.SourceDigest, out.LockDigest,
		s.now().UTC().UnixNano(), buildID)
	if err != nil {
		return fmt.Errorf("finish build %s: %w", buildID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &NotFoundError{ID: buildID}
	}
	return nil
}

// RecordPackages replaces the locked package set of one ecosystem for a build.
func (s *Store) RecordPackages(ctx context.Context, buildID, ecosystem string, pkgs []lockfile.Package) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM build_packages WHERE build_id = ? AND ecosystem = ?`, buildID, ecosystem); err != nil {
		return fmt.Errorf("clear packages: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO build_packages (build_id, ecosystem, name, version) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare packages insert: %w", err)
	}
	defer stmt.Close()
	for _, p := range pkgs {
		if _, err := stmt.ExecContext(ctx, buildID, ecosystem, p.Name, p.Version); err != nil {
			return fmt.Errorf("insert package %s: %w", p.Name, err)
		}
	}
	return tx.Commit()
}

const buildColumns = `id, project, driver, root, source_digest, lock_digest, status, failed_stage, error, started_at, finished_at`

// GetBuild returns a build by ID. A unique ID prefix is accepted too.
func (s *Store) GetBuild(ctx context.Context, id string) (*Build, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+buildColumns+` FROM builds WHERE id = ? OR id LIKE ? || '%' ORDER BY id = ? DESC LIMIT 2`,
		id, id, id)
	if err != nil {
		return nil, fmt.Errorf("get build: %w", err)
	}
	builds, err := scanBuilds(rows)
	if err != nil {
		return nil, err
	}
	switch {
	case len(builds) == 0 || id == "":
		return nil, &NotFoundError{ID: id}
	case builds[0].ID == id || len(builds) == 1:
		return &builds[0], nil
	default:
		return nil, fmt.Errorf("build prefix %q is ambiguous", id)
	}
}

// ListBuilds returns the most recent builds first. limit <= 0 means all.
func (s *Store) ListBuilds(ctx context.Context, limit int) ([]Build, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+buildColumns+` FROM builds ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	return scanBuilds(rows)
}

// Latest returns up to n most recent successful builds of a project.
func (s *Store) Latest(ctx context.Context, project string, n int) ([]Build, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+buildColumns+` FROM builds
		  WHERE project = ? AND status = ?
		  ORDER BY started_at DESC, rowid DESC LIMIT ?`,
		project, string(StatusSucceeded), n)
	if err != nil {
		return nil, fmt.Errorf("latest builds: %w", err)
	}
	return scanBuilds(rows)
}

// Stages returns the recorded stages of a build in execution order.
func (s *Store) Stages(ctx context.Context, buildID string) ([]StageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, name, status, duration_ms, error FROM build_stages WHERE build_id = ? ORDER BY seq`, buildID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer rows.Close()

	var out []StageRecord
	for rows.Next() {
		var rec StageRecord
		var ms int64
		if err := rows.Scan(&rec.Seq, &rec.Name, &rec.Status, &ms, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		rec.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Packages returns the locked packages of one ecosystem recorded for a build.
func (s *Store) Packages(ctx context.Context, buildID, ecosystem string) ([]lockfile.Package, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, version FROM build_packages WHERE build_id = ? AND ecosystem = ? ORDER BY name, version`,
		buildID, ecosystem)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	defer rows.Close()

	var out []lockfile.Package
	for rows.Next() {
		var p lockfile.Package
		if err := rows.Scan(&p.Name, &p.Version); err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanBuilds(rows *sql.Rows) ([]Build, error) {
	defer rows.Close()

	var out []Build
	for rows.Next() {
		var (
			b        Build
			status   string
			started  int64
			finished sql.NullInt64
		)
		err := rows.Scan(&b.ID, &b.Project, &b.Driver, &b.Root, &b.SourceDigest, &b.LockDigest,
			&status, &b.FailedStage, &b.Error, &started, &finished)
		if err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		b.Status = Status(status)
		b.StartedAt = time.Unix(0, started).UTC()
		if finished.Valid {
			b.FinishedAt = time.Unix(0, finished.Int64).UTC()
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
