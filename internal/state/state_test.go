package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/stagehand/internal/lockfile"
	"github.com/codex-k8s/stagehand/internal/pipeline"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "state", "builds.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	clock := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return s
}

func TestOpenMigrates(t *testing.T) {
	s := openStore(t)
	v, err := s.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	// migrating twice is a no-op
	require.NoError(t, s.Migrate(context.Background()))
}

func TestBuildLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	b, err := s.BeginBuild(ctx, "council", "host", "/src/council")
	require.NoError(t, err)
	require.Len(t, b.ID, 36)

	require.NoError(t, s.RecordStage(ctx, b.ID, StageRecord{Seq: 1, Name: "base", Status: "succeeded", Duration: 1500 * time.Millisecond}))
	require.NoError(t, s.RecordStage(ctx, b.ID, StageRecord{Seq: 2, Name: "system", Status: "failed", Error: "node missing"}))
	require.NoError(t, s.FinishBuild(ctx, b.ID, Outcome{Status: StatusFailed, FailedStage: "system", Error: "node missing"}))

	got, err := s.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "system", got.FailedStage)
	assert.Equal(t, time.Second, got.Duration())

	byPrefix, err := s.GetBuild(ctx, b.ID[:8])
	require.NoError(t, err)
	assert.Equal(t, b.ID, byPrefix.ID)

	stages, err := s.Stages(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, 1500*time.Millisecond, stages[0].Duration)
	assert.Equal(t, "node missing", stages[1].Error)
}

func TestGetBuildNotFound(t *testing.T) {
	s := openStore(t)
	_, err := s.GetBuild(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	err = s.FinishBuild(context.Background(), "nope", Outcome{Status: StatusSucceeded})
	assert.True(t, IsNotFound(err))
}

func TestListAndLatest(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	var ids []string
	for i, status := range []Status{StatusSucceeded, StatusFailed, StatusSucceeded} {
		b, err := s.BeginBuild(ctx, "council", "host", "/src")
		require.NoError(t, err)
		require.NoError(t, s.FinishBuild(ctx, b.ID, Outcome{Status: status}), i)
		ids = append(ids, b.ID)
	}
	other, err := s.BeginBuild(ctx, "other", "docker", "/src/other")
	require.NoError(t, err)

	all, err := s.ListBuilds(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, other.ID, all[0].ID)
	assert.Equal(t, StatusRunning, all[0].Status)
	assert.True(t, all[0].FinishedAt.IsZero())

	limited, err := s.ListBuilds(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	latest, err := s.Latest(ctx, "council", 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, ids[2], latest[0].ID)
	assert.Equal(t, ids[0], latest[1].ID)
}

func TestPackagesReplacePerEcosystem(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	b, err := s.BeginBuild(ctx, "council", "host", "/src")
	require.NoError(t, err)

	require.NoError(t, s.RecordPackages(ctx, b.ID, "python", []lockfile.Package{{Name: "httpx", Version: "0.28.1"}, {Name: "fastapi", Version: "0.115.6"}}))
	require.NoError(t, s.RecordPackages(ctx, b.ID, "node", []lockfile.Package{{Name: "vite", Version: "5.4.11"}}))
	require.NoError(t, s.RecordPackages(ctx, b.ID, "python", []lockfile.Package{{Name: "fastapi", Version: "0.115.6"}}))

	py, err := s.Packages(ctx, b.ID, "python")
	require.NoError(t, err)
	assert.Equal(t, []lockfile.Package{{Name: "fastapi", Version: "0.115.6"}}, py)

	node, err := s.Packages(ctx, b.ID, "node")
	require.NoError(t, err)
	assert.Len(t, node, 1)
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	rec, err := NewRecorder(ctx, s, "council", "host", "/src")
	require.NoError(t, err)

	lock := &lockfile.Lock{Digest: digest.FromString("lock"), Packages: []lockfile.Package{{Name: "fastapi", Version: "0.115.6"}}}
	rec.StageFinished(ctx, pipeline.StageResult{Stage: "base", Status: pipeline.StatusSucceeded, Duration: time.Second})
	rec.LockVerified(ctx, "python", lock)
	runErr := &pipeline.StageError{Stage: "dependencies", Err: pipeline.Fail(pipeline.ErrDependencies, errors.New("uv exited 2"))}
	rec.StageFinished(ctx, pipeline.StageResult{Stage: "dependencies", Status: pipeline.StatusFailed, Err: runErr})

	bc := pipeline.NewContext("/src", "/ws", nil).
		WithArtifact(pipeline.Artifact{Kind: pipeline.ArtifactSourceTree, Digest: digest.FromString("tree")})
	res := pipeline.Result{Context: bc, Stages: []pipeline.StageResult{
		{Stage: "base", Status: pipeline.StatusSucceeded},
		{Stage: "dependencies", Status: pipeline.StatusFailed},
		{Stage: "frontend", Status: pipeline.StatusSkipped},
	}}
	require.NoError(t, rec.Finish(ctx, res, runErr))

	b, err := s.GetBuild(ctx, rec.BuildID())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, b.Status)
	assert.Equal(t, "dependencies", b.FailedStage)
	assert.Equal(t, digest.FromString("tree").String(), b.SourceDigest)
	assert.Empty(t, b.LockDigest)
	assert.Contains(t, b.Error, "uv exited 2")

	stages, err := s.Stages(ctx, rec.BuildID())
	require.NoError(t, err)
	require.Len(t, stages, 3)
	assert.Equal(t, "skipped", stages[2].Status)

	pkgs, err := s.Packages(ctx, rec.BuildID(), "python")
	require.NoError(t, err)
	assert.Equal(t, lock.Packages, pkgs)
}
