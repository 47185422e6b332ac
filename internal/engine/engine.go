// Package engine contains the high-level orchestration logic: it composes the
// stage pipelines for each driver and renders the container build recipe.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/codex-k8s/stagehand/internal/config"
	"github.com/codex-k8s/stagehand/internal/docker"
	"github.com/codex-k8s/stagehand/internal/env"
	"github.com/codex-k8s/stagehand/internal/launch"
	"github.com/codex-k8s/stagehand/internal/lockfile"
	"github.com/codex-k8s/stagehand/internal/pipeline"
	"github.com/codex-k8s/stagehand/internal/runner"
	"github.com/codex-k8s/stagehand/internal/stages"
)

// Driver names, as stored in build records.
const (
	DriverHost   = "host"
	DriverDocker = "docker"
)

// Options wires the engine's collaborators.
type Options struct {
	Logger   *slog.Logger
	Runner   runner.Runner
	Launcher launch.Launcher
	Docker   *docker.Client
	// Observer and OnLock are optional and usually point at a build recorder.
	Observer pipeline.Observer
	OnLock   stages.LockFunc
}

// Engine coordinates rendering and running the build pipeline.
type Engine struct {
	logger   *slog.Logger
	runner   runner.Runner
	launcher launch.Launcher
	docker   *docker.Client
	observer pipeline.Observer
	onLock   stages.LockFunc
}

// NewEngine constructs an Engine, defaulting to real processes.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		logger:   opts.Logger,
		runner:   opts.Runner,
		launcher: opts.Launcher,
		docker:   opts.Docker,
		observer: opts.Observer,
		onLock:   opts.OnLock,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.runner == nil {
		e.runner = runner.NewExec(e.logger)
	}
	if e.launcher == nil {
		e.launcher = launch.NewExec(e.logger, launch.DefaultGrace)
	}
	if e.docker == nil {
		e.docker = docker.NewClient(docker.DefaultBinary, e.runner)
	}
	return e
}

// HostOptions configures a host driver run.
type HostOptions struct {
	Root      string
	Workspace string
	// Fresh allows wiping Workspace first.
	Fresh bool
	// Launch runs the backend after building.
	Launch bool
	// Env is the environment every command and the backend receive.
	Env env.Vars
	// Timeout bounds the build stages; the launch stage is never bounded.
	Timeout time.Duration
}

// ImageOptions configures a docker driver run.
type ImageOptions struct {
	Root    string
	Tag     string
	Pull    bool
	NoCache bool
	Run     bool
	// Env is passed to the container when Run is set.
	Env    map[string]string
	Labels map[string]string
	// Timeout bounds the build stages; the launch stage is never bounded.
	Timeout time.Duration
}

func (e *Engine) deps(recipe *config.Recipe, port config.Port) stages.Deps {
	return stages.Deps{
		Recipe:   recipe,
		Port:     port,
		Runner:   e.runner,
		Launcher: e.launcher,
		Logger:   e.logger,
		OnLock:   e.onLock,
	}
}

func (e *Engine) pipeline(list []pipeline.Stage, timeout time.Duration) *pipeline.Pipeline {
	if timeout > 0 {
		list = bounded(list, timeout)
	}
	var opts []pipeline.Option
	if e.observer != nil {
		opts = append(opts, pipeline.WithObserver(e.observer))
	}
	return pipeline.New(e.logger, list, opts...)
}

// HostPipeline composes the host driver pipeline without running it.
func (e *Engine) HostPipeline(recipe *config.Recipe, port config.Port, opts HostOptions) *pipeline.Pipeline {
	return e.pipeline(stages.Host(e.deps(recipe, port), stages.HostOptions{Fresh: opts.Fresh, Launch: opts.Launch}), opts.Timeout)
}

// RunHost builds (and optionally launches) the project on this machine.
func (e *Engine) RunHost(ctx context.Context, recipe *config.Recipe, port config.Port, opts HostOptions) (pipeline.Result, error) {
	if opts.Workspace == "" {
		return pipeline.Result{}, fmt.Errorf("workspace is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("resolve root: %w", err)
	}
	ws, err := filepath.Abs(opts.Workspace)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("resolve workspace: %w", err)
	}

	p := e.HostPipeline(recipe, port, opts)
	e.logger.Info("starting host build", "project", recipe.Project, "root", root, "workspace", ws, "stages", p.Stages())
	return p.Run(ctx, pipeline.NewContext(root, ws, opts.Env))
}

// ImagePipeline composes the docker driver pipeline around a rendered Dockerfile.
func (e *Engine) ImagePipeline(recipe *config.Recipe, port config.Port, opts ImageOptions) (*pipeline.Pipeline, error) {
	dockerfile, err := RenderDockerfile(recipe, port)
	if err != nil {
		return nil, err
	}
	tag := opts.Tag
	if tag == "" {
		tag = DefaultTag(recipe)
	}
	list := stages.Docker(e.deps(recipe, port), stages.DockerOptions{
		Client:     e.docker,
		Dockerfile: dockerfile,
		Tag:        tag,
		Pull:       opts.Pull,
		NoCache:    opts.NoCache,
		Labels:     opts.Labels,
		Run:        opts.Run,
		Env:        opts.Env,
	})
	return e.pipeline(list, opts.Timeout), nil
}

// RunImage builds the project image with docker and optionally runs it.
func (e *Engine) RunImage(ctx context.Context, recipe *config.Recipe, port config.Port, opts ImageOptions) (pipeline.Result, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("resolve root: %w", err)
	}
	p, err := e.ImagePipeline(recipe, port, opts)
	if err != nil {
		return pipeline.Result{}, err
	}
	e.logger.Info("starting image build", "project", recipe.Project, "root", root, "stages", p.Stages())
	return p.Run(ctx, pipeline.NewContext(root, recipe.Source.Workdir, nil))
}

// DefaultTag is the image reference used when none is given.
func DefaultTag(recipe *config.Recipe) string {
	return recipe.Project + ":latest"
}

// VerifyReport is the outcome of checking the locks in a project tree.
type VerifyReport struct {
	Python *lockfile.Lock
	// Node is nil when the frontend has no package-lock.json.
	Node *lockfile.Lock
}

// Verify runs the manifest/lock checks of the dependency and frontend stages
// against root without installing anything.
func Verify(recipe *config.Recipe, root string) (VerifyReport, error) {
	var report VerifyReport

	py, err := lockfile.VerifyPython(
		filepath.Join(root, filepath.FromSlash(recipe.Dependencies.Manifest)),
		filepath.Join(root, filepath.FromSlash(recipe.Dependencies.Lock)),
	)
	if err != nil {
		if errors.Is(err, lockfile.ErrMismatch) || errors.Is(err, lockfile.ErrLockMissing) {
			return report, &pipeline.StageError{Stage: stages.Dependencies, Err: pipeline.Fail(pipeline.ErrLockMismatch, err)}
		}
		return report, &pipeline.StageError{Stage: stages.Dependencies, Err: pipeline.Fail(pipeline.ErrDependencies, err)}
	}
	report.Python = py

	node, err := lockfile.VerifyNode(filepath.Join(root, filepath.FromSlash(recipe.Frontend.Dir)))
	if err != nil {
		return report, &pipeline.StageError{Stage: stages.Frontend, Err: pipeline.Fail(pipeline.ErrFrontendBuild, err)}
	}
	report.Node = node
	return report, nil
}

// bounded wraps every stage but launch so that together they finish within timeout,
// measured from the first stage that runs.
func bounded(list []pipeline.Stage, timeout time.Duration) []pipeline.Stage {
	clock := &buildDeadline{timeout: timeout}
	out := make([]pipeline.Stage, len(list))
	for i, s := range list {
		if s.Name() == stages.Launch {
			out[i] = s
			continue
		}
		out[i] = boundedStage{Stage: s, deadline: clock}
	}
	return out
}

type buildDeadline struct {
	timeout time.Duration
	once    sync.Once
	at      time.Time
}

func (d *buildDeadline) get() time.Time {
	d.once.Do(func() { d.at = time.Now().Add(d.timeout) })
	return d.at
}

type boundedStage struct {
	pipeline.Stage
	deadline *buildDeadline
}

func (s boundedStage) Run(ctx context.Context, bc pipeline.BuildContext) (pipeline.BuildContext, error) {
	ctx, cancel := context.WithDeadline(ctx, s.deadline.get())
	defer cancel()
	return s.Stage.Run(ctx, bc)
}
