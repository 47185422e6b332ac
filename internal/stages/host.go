package stages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/codex-k8s/stagehand/internal/launch"
	"github.com/codex-k8s/stagehand/internal/logging"
	"github.com/codex-k8s/stagehand/internal/lockfile"
	"github.com/codex-k8s/stagehand/internal/pipeline"
	"github.com/codex-k8s/stagehand/internal/runner"
	"github.com/codex-k8s/stagehand/internal/source"
)

// HostOptions selects host pipeline behavior.
type HostOptions struct {
	// Fresh wipes the workspace before the build. Only set it for
	// workspaces stagehand created itself.
	Fresh bool
	// Launch appends the launch stage.
	Launch bool
}

// Host returns the host driver stages in order.
func Host(d Deps, opts HostOptions) []pipeline.Stage {
	list := []pipeline.Stage{
		&hostBase{spec: spec{Base, nil, kinds(pipeline.ArtifactBaseEnv)}, deps: d, fresh: opts.Fresh},
		&hostSystem{spec: spec{System, kinds(pipeline.ArtifactBaseEnv), kinds(pipeline.ArtifactSystemRuntime)}, deps: d},
		&hostBootstrap{spec: spec{Bootstrap, kinds(pipeline.ArtifactBaseEnv), kinds(pipeline.ArtifactPackageManager)}, deps: d},
		&hostSource{spec: spec{Source, kinds(pipeline.ArtifactBaseEnv), kinds(pipeline.ArtifactSourceTree)}, deps: d},
		&hostDependencies{
			spec: spec{Dependencies,
				kinds(pipeline.ArtifactSourceTree, pipeline.ArtifactPackageManager),
				kinds(pipeline.ArtifactLock, pipeline.ArtifactDependencies)},
			deps: d,
		},
		&hostFrontend{
			spec: spec{Frontend,
				kinds(pipeline.ArtifactSourceTree, pipeline.ArtifactSystemRuntime),
				kinds(pipeline.ArtifactFrontendBundle)},
			deps: d,
		},
	}
	if opts.Launch {
		list = append(list, &hostLaunch{
			spec: spec{Launch,
				kinds(pipeline.ArtifactDependencies, pipeline.ArtifactFrontendBundle),
				kinds(pipeline.ArtifactProcess)},
			deps: d,
		})
	}
	return list
}

type hostBase struct {
	spec
	deps  Deps
	fresh bool
}

// Run checks the primary runtime and prepares an empty workspace.
func (s *hostBase) Run(_ context.Context, bc pipeline.BuildContext) (pipeline.BuildContext, error) {
	runtime := s.deps.Recipe.Base.Runtime
	path, err := s.deps.Runner.LookPath(runtime)
	if err != nil {
		return bc, pipeline.Fail(pipeline.ErrBaseUnavailable, err)
	}

	ws := bc.Workdir()
	if s.fresh {
		if err := os.RemoveAll(ws); err != nil {
			return bc, pipeline.Fail(pipeline.ErrBaseUnavailable, fmt.Errorf("reset workspace: %w", err))
		}
	}
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return bc, pipeline.Fail(pipeline.ErrBaseUnavailable, fmt.Errorf("create workspace: %w", err))
	}
	entries, err := os.ReadDir(ws)
	if err != nil {
		return bc, pipeline.Fail(pipeline.ErrBaseUnavailable, err)
	}
	if len(entries) > 0 {
		return bc, pipeline.Fail(pipeline.ErrBaseUnavailable, fmt.Errorf("workspace %q is not empty", ws))
	}

	s.deps.logger().Info("base environment ready", "runtime", path, "workspace", ws)
	return bc.WithArtifact(pipeline.Artifact{
		Kind: pipeline.ArtifactBaseEnv,
		Path: ws,
		Meta: map[string]string{"runtime": path},
	}), nil
}

type hostSystem struct {
	spec
	deps Deps
}

// Run executes the configured host install commands and checks the secondary runtime.
func (s *hostSystem) Run(ctx context.Context, bc pipeline.BuildContext) (pipeline.BuildContext, error) {
	sys := s.deps.Recipe.System
	for _, script := range sys.HostInstall {
		if err := s.deps.Runner.Run(ctx, runner.Shell(script).In(bc.Workdir()).WithEnv(bc.Environ())); err != nil {
			return bc, pipeline.Fail(pipeline.ErrSystemInstall, err)
		}
	}
	path, err := s.deps.Runner.LookPath(sys.Runtime.Binary)
	if err != nil {
		return bc, pipeline.Fail(pipeline.ErrSystemInstall, fmt.Errorf("runtime %s (package %s): %w", sys.Runtime.Binary, sys.Runtime.Package, err))
	}
	return bc.WithArtifact(pipeline.Artifact{
		Kind: pipeline.ArtifactSystemRuntime,
		Path: path,
		Meta: map[string]string{"package": sys.Runtime.Package},
	}), nil
}

type hostBootstrap struct {
	spec
	deps Deps
}

// Run installs the package manager unless it already resolves.
func (s *hostBootstrap) Run(ctx context.Context, bc pipeline.BuildContext) (pipeline.BuildContext, error) {
	b := s.deps.Recipe.Bootstrap
	path, err := s.deps.Runner.LookPath(b.Tool)
	if err != nil {
		s.deps.logger().Info("installing package manager", "tool", b.Tool)
		if err := s.deps.Runner.Run(ctx, runner.Shell(b.Install).In(bc.Workdir()).WithEnv(bc.Environ())); err != nil {
			return bc, pipeline.Fail(pipeline.ErrBootstrap, err)
		}
		path, err = s.deps.Runner.LookPath(b.Tool)
		if err != nil {
			return bc, pipeline.Fail(pipeline.ErrBootstrap, fmt.Errorf("%s still missing after install: %w", b.Tool, err))
		}
	}
	return bc.WithArtifact(pipeline.Artifact{
		Kind: pipeline.ArtifactPackageManager,
		Path: path,
		Meta: map[string]string{"tool": b.Tool},
	}), nil
}

type hostSource struct {
	spec
	deps Deps
}

// Run copies the whole project tree into the workspace and digests the copy.
func (s *hostSource) Run(ctx context.Context, bc pipeline.BuildContext) (pipeline.BuildContext, error) {
	root, ws := bc.Root(), bc.Workdir()
	if within(ws, root) {
		return bc, pipeline.Fail(pipeline.ErrSource, fmt.Errorf("workspace %q is inside the project root %q", ws, root))
	}

	out := logging.NewWriter(s.deps.logger(), "rsync")
	err := source.Sync(ctx, root, ws, out)
	out.Flush()
	if err != nil {
		return bc, pipeline.Fail(pipeline.ErrSource, err)
	}
	dgst, err := source.TreeDigest(ws)
	if err != nil {
		return bc, pipeline.Fail(pipeline.ErrSource, err)
	}

	s.deps.logger().Info("source materialized", "root", root, "workspace", ws, "digest", dgst.String())
	return bc.WithArtifact(pipeline.Artifact{Kind: pipeline.ArtifactSourceTree, Path: ws, Digest: dgst}), nil
}

type hostDependencies struct {
	spec
	deps Deps
}

// Run verifies the lock natively and then performs the frozen install.
func (s *hostDependencies) Run(ctx context.Context, bc pipeline.BuildContext) (pipeline.BuildContext, error) {
	d := s.deps.Recipe.Dependencies
	lock, err := lockfile.VerifyPython(inWorkdir(bc, d.Manifest), inWorkdir(bc, d.Lock))
	if err != nil {
		if errors.Is(err, lockfile.ErrMismatch) || errors.Is(err, lockfile.ErrLockMissing) {
			return bc, pipeline.Fail(pipeline.ErrLockMismatch, err)
		}
		return bc, pipeline.Fail(pipeline.ErrDependencies, err)
	}
	s.deps.lockVerified(ctx, EcosystemPython, lock)

	if err := s.deps.Runner.Run(ctx, runner.Shell(d.Install).In(bc.Workdir()).WithEnv(bc.Environ())); err != nil {
		return bc, pipeline.Fail(pipeline.ErrDependencies, err)
	}

	return bc.
		WithArtifact(pipeline.Artifact{
			Kind:   pipeline.ArtifactLock,
			Path:   lock.Path,
			Digest: lock.Digest,
			Meta:   map[string]string{"packages": strconv.Itoa(len(lock.Packages))},
		}).
		WithArtifact(pipeline.Artifact{
			Kind: pipeline.ArtifactDependencies,
			Path: inWorkdir(bc, ".venv"),
			Meta: map[string]string{"install": d.Install},
		}), nil
}

type hostFrontend struct {
	spec
	deps Deps
}

// Run installs frontend dependencies, builds the bundle and checks the output.
func (s *hostFrontend) Run(ctx context.Context, bc pipeline.BuildContext) (pipeline.BuildContext, error) {
	f := s.deps.Recipe.Frontend
	dir := inWorkdir(bc, f.Dir)

	lock, err := lockfile.VerifyNode(dir)
	if err != nil {
		return bc, pipeline.Fail(pipeline.ErrFrontendBuild, err)
	}
	s.deps.lockVerified(ctx, EcosystemNode, lock)

	for _, script := range []string{FrontendInstall(f.Install, lock != nil), f.Build} {
		if err := s.deps.Runner.Run(ctx, runner.Shell(script).In(dir).WithEnv(bc.Environ())); err != nil {
			return bc, pipeline.Fail(pipeline.ErrFrontendBuild, err)
		}
	}

	output := filepath.Join(dir, filepath.FromSlash(f.Output))
	entries, err := os.ReadDir(output)
	if err != nil {
		return bc, pipeline.Fail(pipeline.ErrFrontendBuild, fmt.Errorf("build output: %w", err))
	}
	if len(entries) == 0 {
		return bc, pipeline.Fail(pipeline.ErrFrontendBuild, fmt.Errorf("build output %q is empty", output))
	}
	dgst, err := source.TreeDigest(output)
	if err != nil {
		return bc, pipeline.Fail(pipeline.ErrFrontendBuild, err)
	}

	return bc.WithArtifact(pipeline.Artifact{Kind: pipeline.ArtifactFrontendBundle, Path: output, Digest: dgst}), nil
}

// FrontendInstall picks the frontend install command: the override when set,
// npm ci when a lock exists, npm install otherwise.
func FrontendInstall(override string, locked bool) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	if locked {
		return "npm ci"
	}
	return "npm install"
}

type hostLaunch struct {
	spec
	deps Deps
}

// Run starts the backend with the port variable set and waits for it to exit.
func (s *hostLaunch) Run(ctx context.Context, bc pipeline.BuildContext) (pipeline.BuildContext, error) {
	port := s.deps.Port
	bc = bc.WithEnv(port.Var, strconv.Itoa(port.Value))

	s.deps.logger().Info("launching backend", "cmd", s.deps.Recipe.Launch.Command, "port", port.String())
	err := s.deps.Launcher.Launch(ctx, launch.Spec{
		Command: s.deps.Recipe.Launch.Command,
		Dir:     bc.Workdir(),
		Env:     bc.Environ(),
	})
	if err != nil {
		return bc, pipeline.Fail(pipeline.ErrLaunch, err)
	}
	return bc.WithArtifact(pipeline.Artifact{
		Kind: pipeline.ArtifactProcess,
		Path: s.deps.Recipe.Launch.Command[0],
		Meta: map[string]string{"port": port.String()},
	}), nil
}

// within reports whether path is root or lies below it.
func within(path, root string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
