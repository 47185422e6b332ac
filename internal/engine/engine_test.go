package engine

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/stagehand/internal/config"
	"github.com/codex-k8s/stagehand/internal/env"
	"github.com/codex-k8s/stagehand/internal/launch"
	"github.com/codex-k8s/stagehand/internal/lockfile"
	"github.com/codex-k8s/stagehand/internal/pipeline"
	"github.com/codex-k8s/stagehand/internal/runner"
	"github.com/codex-k8s/stagehand/internal/stages"
)

func councilRecipe(root string) *config.Recipe {
	r := config.Default(root)
	r.Project = "council"
	return r
}

func mustPort(t *testing.T, r *config.Recipe, vars env.Vars) config.Port {
	t.Helper()
	p, err := config.ResolvePort(r.Launch, vars)
	require.NoError(t, err)
	return p
}

func TestRenderDockerfileDefault(t *testing.T) {
	r := councilRecipe("/src/council")
	got, err := RenderDockerfile(r, mustPort(t, r, nil))
	require.NoError(t, err)

	want, err := os.ReadFile(filepath.Join("testdata", "default.Dockerfile"))
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))
}

func TestRenderDockerfilePortAgreement(t *testing.T) {
	r := councilRecipe("/src/council")
	r.Launch.PortVar = "APP_PORT"
	port := mustPort(t, r, env.Vars{"APP_PORT": "9300"})

	out, err := RenderDockerfile(r, port)
	require.NoError(t, err)

	envPort := regexp.MustCompile(`(?m)^ENV APP_PORT=(\d+)$`).FindSubmatch(out)
	exposed := regexp.MustCompile(`(?m)^EXPOSE (\d+)$`).FindSubmatch(out)
	require.NotNil(t, envPort)
	require.NotNil(t, exposed)
	assert.Equal(t, "9300", string(envPort[1]))
	assert.Equal(t, string(envPort[1]), string(exposed[1]))
}

func TestRenderDockerfileCommandIgnoresSourceTree(t *testing.T) {
	a := councilRecipe("/src/one")
	b := councilRecipe("/elsewhere/two")
	outA, err := RenderDockerfile(a, mustPort(t, a, nil))
	require.NoError(t, err)
	outB, err := RenderDockerfile(b, mustPort(t, b, nil))
	require.NoError(t, err)

	cmd := regexp.MustCompile(`(?m)^CMD .*$`)
	assert.Equal(t, `CMD ["uv", "run", "python", "-m", "backend.main"]`, string(cmd.Find(outA)))
	assert.Equal(t, cmd.Find(outA), cmd.Find(outB))
	assert.Equal(t, outA, outB)
}

func TestRenderDockerfileVariants(t *testing.T) {
	r := councilRecipe("/src/council")
	r.System.Packages = []string{}
	r.System.Sources = []config.PackageSource{}
	r.Frontend.Install = "npm ci --no-audit"
	r.Launch.Command = []string{"python", "-c", "print('<ok>')"}

	out, err := RenderDockerfile(r, mustPort(t, r, nil))
	require.NoError(t, err)
	s := string(out)
	assert.Contains(t, s, "RUN apt-get update \\\n && apt-get install -y --no-install-recommends nodejs \\\n")
	assert.Contains(t, s, "RUN cd frontend && npm ci --no-audit && npm run build\n")
	assert.Contains(t, s, `CMD ["python", "-c", "print('<ok>')"]`)
}

func TestRenderDockerfileRejects(t *testing.T) {
	r := councilRecipe("/src/council")
	_, err := RenderDockerfile(r, config.Port{Var: "HTTP_PORT", Value: 8001})
	assert.ErrorContains(t, err, "does not match")

	r.Dependencies.Install = "uv sync --locked\nRUN curl evil"
	_, err = RenderDockerfile(r, mustPort(t, r, nil))
	assert.ErrorContains(t, err, "dependencies.install must be a single line")

	r = councilRecipe("/src/council")
	r.Source.Workdir = "app"
	_, err = RenderDockerfile(r, mustPort(t, r, nil))
	assert.Error(t, err)
}

type observed struct {
	finished []pipeline.StageResult
}

func (o *observed) StageStarted(context.Context, string) {}
func (o *observed) StageFinished(_ context.Context, r pipeline.StageResult) {
	o.finished = append(o.finished, r)
}

type nopLauncher struct{ spec launch.Spec }

func (l *nopLauncher) Launch(_ context.Context, s launch.Spec) error {
	l.spec = s
	return nil
}

func writeProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"pyproject.toml":        "[project]\nname = \"council\"\ndependencies = []\n",
		"uv.lock":               "version = 1\n[[package]]\nname = \"council\"\nversion = \"0.1.0\"\nsource = { virtual = \".\" }\n",
		"frontend/package.json": "{}",
	}
	for name, body := range files {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return root
}

func TestRunHostWiresObserverAndLocks(t *testing.T) {
	root := writeProject(t)
	fake := &runner.Fake{Paths: map[string]string{"python3": "/usr/bin/python3", "node": "/usr/bin/node", "uv": "/usr/bin/uv"}}
	fake.Hook = func(c runner.Command) error {
		if c.Args[1] == "npm run build" {
			require.NoError(t, os.MkdirAll(filepath.Join(c.Dir, "dist"), 0o755))
			return os.WriteFile(filepath.Join(c.Dir, "dist", "index.html"), nil, 0o644)
		}
		return nil
	}
	obs := &observed{}
	launcher := &nopLauncher{}
	var locked []string

	e := NewEngine(Options{
		Runner:   fake,
		Launcher: launcher,
		Observer: obs,
		OnLock:   func(_ context.Context, kind string, _ *lockfile.Lock) { locked = append(locked, kind) },
	})
	r := councilRecipe(root)
	res, err := e.RunHost(context.Background(), r, mustPort(t, r, nil), HostOptions{
		Root:      root,
		Workspace: filepath.Join(t.TempDir(), "ws"),
		Fresh:     true,
		Launch:    true,
		Env:       env.Vars{"PATH": "/usr/bin"},
	})
	require.NoError(t, err)

	assert.Len(t, res.Stages, len(stages.Names))
	assert.Len(t, obs.finished, len(stages.Names))
	assert.Equal(t, []string{"python"}, locked)
	assert.Contains(t, launcher.spec.Env, "PORT=8001")
	assert.Contains(t, fake.Lines(), "sh -c npm install")
}

func TestRunHostRequiresWorkspace(t *testing.T) {
	e := NewEngine(Options{Runner: &runner.Fake{}})
	r := councilRecipe("/src")
	_, err := e.RunHost(context.Background(), r, mustPort(t, r, nil), HostOptions{Root: "/src"})
	assert.Error(t, err)
}

func TestImagePipelineStages(t *testing.T) {
	e := NewEngine(Options{Runner: &runner.Fake{}})
	r := councilRecipe("/src")
	p, err := e.ImagePipeline(r, mustPort(t, r, nil), ImageOptions{Run: true})
	require.NoError(t, err)
	assert.Equal(t, []string{stages.Base, stages.Image, stages.Launch}, p.Stages())
	require.NoError(t, p.Validate())
	assert.Equal(t, "council:latest", DefaultTag(r))
}

func TestVerify(t *testing.T) {
	root := writeProject(t)
	r := councilRecipe(root)

	report, err := Verify(r, root)
	require.NoError(t, err)
	assert.Empty(t, report.Python.Packages)
	assert.Nil(t, report.Node)

	require.NoError(t, os.WriteFile(filepath.Join(root, "pyproject.toml"), []byte("[project]\nname = \"council\"\ndependencies = [\"httpx\"]\n"), 0o644))
	_, err = Verify(r, root)
	require.ErrorIs(t, err, pipeline.ErrLockMismatch)
	stage, _ := pipeline.FailedStage(err)
	assert.Equal(t, stages.Dependencies, stage)
}

type waitStage struct{ name string }

func (s waitStage) Name() string { return s.name }
func (s waitStage) Requires() []pipeline.ArtifactKind { return nil }
func (s waitStage) Produces() []pipeline.ArtifactKind { return nil }

func (s waitStage) Run(ctx context.Context, bc pipeline.BuildContext) (pipeline.BuildContext, error) {
	_, bounded := ctx.Deadline()
	if s.name == stages.Launch && bounded {
		return bc, assert.AnError
	}
	<-ctx.Done()
	if s.name == stages.Launch {
		return bc, nil
	}
	return bc, ctx.Err()
}

func TestBoundedLeavesLaunchUnbounded(t *testing.T) {
	list := bounded([]pipeline.Stage{waitStage{name: stages.Base}, waitStage{name: stages.Launch}}, 20*time.Millisecond)

	_, err := list[0].Run(context.Background(), pipeline.BuildContext{})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = list[1].Run(ctx, pipeline.BuildContext{})
	assert.NoError(t, err)
}
