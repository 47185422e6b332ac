package docker

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/stagehand/internal/runner"
)

func TestBuildPassesDockerfileOnStdin(t *testing.T) {
	fake := &runner.Fake{}
	c := NewClient("", fake)

	err := c.Build(context.Background(), BuildOptions{
		ContextDir: "/src/app",
		Dockerfile: []byte("FROM python:3.10-slim\n"),
		Tag:        "app:latest",
		Labels:     map[string]string{"org.stagehand.project": "app", "org.stagehand.lock": "sha256:abc"},
		NoCache:    true,
	})
	require.NoError(t, err)

	require.Len(t, fake.Commands, 1)
	got := fake.Commands[0]
	assert.Equal(t, "docker build -f - -t app:latest --no-cache --label org.stagehand.lock=sha256:abc --label org.stagehand.project=app /src/app", got.String())
	body, err := io.ReadAll(got.Stdin)
	require.NoError(t, err)
	assert.Equal(t, "FROM python:3.10-slim\n", string(body))
}

func TestBuildRequiresContext(t *testing.T) {
	assert.Error(t, NewClient("", &runner.Fake{}).Build(context.Background(), BuildOptions{}))
}

func TestPullWrapsFailure(t *testing.T) {
	fake := &runner.Fake{Hook: func(runner.Command) error { return errors.New("exit status 1") }}
	err := NewClient("podman", fake).Pull(context.Background(), "python:3.10-slim")
	require.Error(t, err)
	assert.Equal(t, "docker pull: exit status 1", err.Error())
	assert.Equal(t, []string{"podman pull python:3.10-slim"}, fake.Lines())
}

func TestInspect(t *testing.T) {
	fake := &runner.Fake{Hook: func(runner.Command) error { return errors.New("exit status 1") }}
	err := NewClient("", fake).Inspect(context.Background(), "python:3.10-slim")
	require.Error(t, err)
	assert.Equal(t, "docker image: exit status 1", err.Error())
	assert.Equal(t, []string{"docker image inspect --format {{.Id}} python:3.10-slim"}, fake.Lines())
}

func TestRunCommandPublishesSamePort(t *testing.T) {
	c := NewClient("", &runner.Fake{})
	argv := c.RunCommand(RunOptions{
		Image:   "app:latest",
		Name:    "app",
		PortVar: "PORT",
		Port:    8001,
		Env:     map[string]string{"PORT": "9999", "OPENROUTER_API_KEY": "x"},
	})
	assert.Equal(t, []string{
		"docker", "run", "--rm", "--init", "--name", "app",
		"-p", "8001:8001", "-e", "PORT=8001",
		"-e", "OPENROUTER_API_KEY=x",
		"app:latest",
	}, argv)
}

func TestAvailable(t *testing.T) {
	assert.Error(t, NewClient("", &runner.Fake{}).Available())
	assert.NoError(t, NewClient("", &runner.Fake{Paths: map[string]string{"docker": "/usr/bin/docker"}}).Available())
}
