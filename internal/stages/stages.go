// Package stages implements the provisioning stages for the host and docker drivers.
package stages

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/codex-k8s/stagehand/internal/config"
	"github.com/codex-k8s/stagehand/internal/launch"
	"github.com/codex-k8s/stagehand/internal/lockfile"
	"github.com/codex-k8s/stagehand/internal/pipeline"
	"github.com/codex-k8s/stagehand/internal/runner"
)

// Stage names, in pipeline order.
const (
	Base         = "base"
	System       = "system"
	Bootstrap    = "bootstrap"
	Source       = "source"
	Dependencies = "dependencies"
	Frontend     = "frontend"
	Launch       = "launch"
	// Image is the docker driver stage covering system through frontend.
	Image = "image"
)

// Names lists the host pipeline stages in execution order.
var Names = []string{Base, System, Bootstrap, Source, Dependencies, Frontend, Launch}

// Lock ecosystems reported to LockFunc.
const (
	EcosystemPython = "python"
	EcosystemNode   = "node"
)

// LockFunc receives every lock a stage verified.
type LockFunc func(ctx context.Context, kind string, lock *lockfile.Lock)

// Deps are the collaborators shared by all stages.
type Deps struct {
	Recipe   *config.Recipe
	Port     config.Port
	Runner   runner.Runner
	Launcher launch.Launcher
	Logger   *slog.Logger
	// OnLock is optional.
	OnLock LockFunc
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d Deps) lockVerified(ctx context.Context, kind string, lock *lockfile.Lock) {
	if d.OnLock != nil && lock != nil {
		d.OnLock(ctx, kind, lock)
	}
}

// spec holds the static part of every stage: its name and artifact contract.
type spec struct {
	name     string
	requires []pipeline.ArtifactKind
	produces []pipeline.ArtifactKind
}

func (s spec) Name() string                      { return s.name }
func (s spec) Requires() []pipeline.ArtifactKind { return s.requires }
func (s spec) Produces() []pipeline.ArtifactKind { return s.produces }

func kinds(k ...pipeline.ArtifactKind) []pipeline.ArtifactKind { return k }

// inWorkdir resolves a recipe path relative to the context's working directory.
func inWorkdir(bc pipeline.BuildContext, rel string) string {
	return filepath.Join(bc.Workdir(), filepath.FromSlash(rel))
}
