package state

import (
	"context"
	"log/slog"
	"sync"

	"github.com/codex-k8s/stagehand/internal/lockfile"
	"github.com/codex-k8s/stagehand/internal/pipeline"
)

// Recorder writes the progress of one pipeline run into the store.
// Storage failures are logged and never abort the build.
type Recorder struct {
	store  *Store
	build  *Build
	logger *slog.Logger

	mu  sync.Mutex
	seq int
}

// NewRecorder starts a build record and returns a recorder bound to it.
func NewRecorder(ctx context.Context, store *Store, project, driver, root string) (*Recorder, error) {
	b, err := store.BeginBuild(ctx, project, driver, root)
	if err != nil {
		return nil, err
	}
	return &Recorder{store: store, build: b, logger: store.logger.With("build", b.ID)}, nil
}

// BuildID is the ID of the recorded build.
func (r *Recorder) BuildID() string { return r.build.ID }

// StageStarted implements pipeline.Observer.
func (r *Recorder) StageStarted(context.Context, string) {}

// StageFinished implements pipeline.Observer.
func (r *Recorder) StageFinished(ctx context.Context, res pipeline.StageResult) {
	r.mu.Lock()
	r.seq++
	seq := r.seq
	r.mu.Unlock()

	rec := StageRecord{Seq: seq, Name: res.Stage, Status: string(res.Status), Duration: res.Duration}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if err := r.store.RecordStage(context.WithoutCancel(ctx), r.build.ID, rec); err != nil {
		r.logger.Warn("failed to record stage", "stage", res.Stage, "error", err)
	}
}

// LockVerified stores the locked package set of an ecosystem.
func (r *Recorder) LockVerified(ctx context.Context, ecosystem string, lock *lockfile.Lock) {
	if err := r.store.RecordPackages(context.WithoutCancel(ctx), r.build.ID, ecosystem, lock.Packages); err != nil {
		r.logger.Warn("failed to record packages", "ecosystem", ecosystem, "error", err)
	}
}

// Finish records the outcome of the run, including stages that never ran.
func (r *Recorder) Finish(ctx context.Context, res pipeline.Result, runErr error) error {
	for _, sr := range res.Stages {
		if sr.Status == pipeline.StatusSkipped {
			r.StageFinished(ctx, sr)
		}
	}

	out := Outcome{Status: StatusSucceeded}
	if a, ok := res.Context.Artifact(pipeline.ArtifactSourceTree); ok {
		out.SourceDigest = a.Digest.String()
	}
	if a, ok := res.Context.Artifact(pipeline.ArtifactLock); ok {
		out.LockDigest = a.Digest.String()
	}
	if runErr != nil {
		out.Status = StatusFailed
		out.Error = runErr.Error()
		if stage, ok := pipeline.FailedStage(runErr); ok {
			out.FailedStage = stage
		}
	}
	return r.store.FinishBuild(context.WithoutCancel(ctx), r.build.ID, out)
}
