package cli

import (
	"context"
	"log/slog"

	"github.com/codex-k8s/stagehand/internal/engine"
	"github.com/codex-k8s/stagehand/internal/pipeline"
	"github.com/codex-k8s/stagehand/internal/state"
)

// recording ties one engine run to a build record in the history store.
// A recording whose store could not be opened does nothing; history never fails a build.
type recording struct {
	logger *slog.Logger
	store  *state.Store
	rec    *state.Recorder
}

// startRecording opens the history store and begins a build record.
func startRecording(ctx context.Context, opts *Options, logger *slog.Logger, p *project, driver string) *recording {
	r := &recording{logger: logger}
	if opts.NoState {
		return r
	}

	store, err := state.Open(ctx, opts.StatePath, logger)
	if err != nil {
		logger.Warn("build history unavailable", "error", err)
		return r
	}
	rec, err := state.NewRecorder(ctx, store, p.Recipe.Project, driver, p.Root())
	if err != nil {
		logger.Warn("failed to start build record", "error", err)
		_ = store.Close()
		return r
	}
	r.store, r.rec = store, rec
	logger.Debug("recording build", "build", rec.BuildID(), "state", store.Path())
	return r
}

// engineOptions returns engine options that report into the build record.
func (r *recording) engineOptions(logger *slog.Logger) engine.Options {
	opts := engine.Options{Logger: logger}
	if r.rec != nil {
		opts.Observer = r.rec
		opts.OnLock = r.rec.LockVerified
	}
	return opts
}

// buildID is empty when nothing is recorded.
func (r *recording) buildID() string {
	if r.rec == nil {
		return ""
	}
	return r.rec.BuildID()
}

// finish stores the run outcome and closes the store.
func (r *recording) finish(ctx context.Context, res pipeline.Result, runErr error) {
	if r.store == nil {
		return
	}
	defer func() {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("failed to close build history", "error", err)
		}
	}()
	if err := r.rec.Finish(ctx, res, runErr); err != nil {
		r.logger.Warn("failed to finish build record", "build", r.rec.BuildID(), "error", err)
	}
}

// withStore opens the history store for a read-only command.
func withStore(ctx context.Context, opts *Options, logger *slog.Logger, fn func(*state.Store) error) error {
	store, err := state.Open(ctx, opts.StatePath, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close build history", "error", err)
		}
	}()
	return fn(store)
}

// buildOutputs are the step outputs shared by build commands.
func buildOutputs(recipe string, r *recording, res pipeline.Result) map[string]string {
	out := map[string]string{"project": recipe}
	if id := r.buildID(); id != "" {
		out["build-id"] = id
	}
	if a, ok := res.Context.Artifact(pipeline.ArtifactSourceTree); ok {
		out["source-digest"] = a.Digest.String()
	}
	if a, ok := res.Context.Artifact(pipeline.ArtifactLock); ok {
		out["lock-digest"] = a.Digest.String()
	}
	return out
}
