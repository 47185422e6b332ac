// Package pipeline runs an ordered list of provisioning stages.
//
// Stages communicate only through the BuildContext value each one returns.
// Every stage declares the artifacts it needs and the artifacts it leaves
// behind, which lets Validate prove the ordering before any work starts.
// Execution is strictly sequential: the first failing stage halts the run
// and no later stage executes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Stage is one step of the build.
type Stage interface {
	// Name identifies the stage in logs, errors and build records.
	Name() string
	// Requires lists artifacts that must exist before Run.
	Requires() []ArtifactKind
	// Produces lists artifacts Run adds to the context.
	Produces() []ArtifactKind
	// Run performs the stage and returns the context for the next stage.
	Run(ctx context.Context, bc BuildContext) (BuildContext, error)
}

// Status is the outcome of a single stage.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// StageResult describes one stage of a run.
type StageResult struct {
	Stage    string
	Status   Status
	Started  time.Time
	Duration time.Duration
	Err      error
}

// Observer is notified as stages start and finish.
type Observer interface {
	StageStarted(ctx context.Context, stage string)
	StageFinished(ctx context.Context, result StageResult)
}

// Result is what a run leaves behind, successful or not.
type Result struct {
	// Context is the context returned by the last successful stage.
	Context BuildContext
	Stages  []StageResult
}

// Pipeline is an ordered, validated list of stages.
type Pipeline struct {
	stages   []Stage
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithObserver attaches an observer, e.g. a build history recorder.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New builds a pipeline from stages in execution order.
func New(logger *slog.Logger, stages []Stage, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{stages: stages, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, 0, len(p.stages))
	for _, s := range p.stages {
		names = append(names, s.Name())
	}
	return names
}

// Validate checks that every stage's requirements are produced by an
// earlier stage or present in initial, and that stage names are unique.
func (p *Pipeline) Validate(initial ...ArtifactKind) error {
	if len(p.stages) == 0 {
		return fmt.Errorf("%w: no stages", ErrInvalidPipeline)
	}

	available := make(map[ArtifactKind]string, len(initial))
	for _, kind := range initial {
		available[kind] = "<initial>"
	}
	producers := make(map[ArtifactKind]string)
	for _, s := range p.stages {
		for _, kind := range s.Produces() {
			if _, ok := producers[kind]; !ok {
				producers[kind] = s.Name()
			}
		}
	}

	seen := make(map[string]struct{}, len(p.stages))
	for _, s := range p.stages {
		name := s.Name()
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate stage %q", ErrInvalidPipeline, name)
		}
		seen[name] = struct{}{}

		for _, kind := range s.Requires() {
			if _, ok := available[kind]; ok {
				continue
			}
			if producer, ok := producers[kind]; ok {
				return fmt.Errorf("%w: stage %q requires %s, produced later by %q", ErrInvalidPipeline, name, kind, producer)
			}
			return fmt.Errorf("%w: stage %q requires %s, which no stage produces", ErrInvalidPipeline, name, kind)
		}
		for _, kind := range s.Produces() {
			available[kind] = name
		}
	}
	return nil
}

// Run validates the pipeline against the artifacts already in bc and then
// executes the stages in order. A failed stage ends the run: its error is
// returned as a *StageError and the remaining stages are reported as skipped.
func (p *Pipeline) Run(ctx context.Context, bc BuildContext) (Result, error) {
	var initial []ArtifactKind
	for _, a := range bc.Artifacts() {
		initial = append(initial, a.Kind)
	}
	if err := p.Validate(initial...); err != nil {
		return Result{Context: bc}, err
	}

	res := Result{Context: bc}
	for i, s := range p.stages {
		sr, next, err := p.runStage(ctx, s, res.Context)
		res.Stages = append(res.Stages, sr)
		if err != nil {
			for _, rest := range p.stages[i+1:] {
				res.Stages = append(res.Stages, StageResult{Stage: rest.Name(), Status: StatusSkipped})
			}
			return res, err
		}
		res.Context = next
	}
	return res, nil
}

func (p *Pipeline) runStage(ctx context.Context, s Stage, bc BuildContext) (StageResult, BuildContext, error) {
	name := s.Name()
	logger := p.logger.With("stage", name)
	started := p.now()
	if p.observer != nil {
		p.observer.StageStarted(ctx, name)
	}

	next, err := p.execute(ctx, s, bc)
	sr := StageResult{Stage: name, Status: StatusSucceeded, Started: started, Duration: p.now().Sub(started)}
	if err != nil {
		var se *StageError
		if !errors.As(err, &se) {
			err = &StageError{Stage: name, Err: err}
		}
		sr.Status = StatusFailed
		sr.Err = err
		logger.Error("stage failed", "duration", sr.Duration, "error", err)
	} else {
		logger.Info("stage completed", "duration", sr.Duration)
	}

	if p.observer != nil {
		p.observer.StageFinished(ctx, sr)
	}
	return sr, next, err
}

func (p *Pipeline) execute(ctx context.Context, s Stage, bc BuildContext) (BuildContext, error) {
	if err := ctx.Err(); err != nil {
		return bc, err
	}
	for _, kind := range s.Requires() {
		if !bc.Has(kind) {
			return bc, fmt.Errorf("%w: %s", ErrMissingArtifact, kind)
		}
	}

	p.logger.Info("stage started", "stage", s.Name())
	next, err := s.Run(ctx, bc)
	if err != nil {
		return bc, err
	}

	for _, kind := range s.Produces() {
		if !next.Has(kind) {
			return bc, fmt.Errorf("%w: stage did not produce %s", ErrMissingArtifact, kind)
		}
	}
	return next, nil
}
