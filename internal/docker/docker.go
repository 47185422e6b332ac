// Package docker provides low-level integration with the docker CLI.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/codex-k8s/stagehand/internal/runner"
)

// DefaultBinary is the docker CLI looked up on PATH.
const DefaultBinary = "docker"

// Client wraps docker CLI execution.
type Client struct {
	Binary string
	runner runner.Runner
}

// NewClient constructs a docker client that runs commands through r.
func NewClient(binary string, r runner.Runner) *Client {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Client{Binary: binary, runner: r}
}

// BuildOptions describes one docker build.
type BuildOptions struct {
	// ContextDir is sent to the daemon as the build context.
	ContextDir string
	// Dockerfile content, passed on stdin.
	Dockerfile []byte
	Tag        string
	Labels     map[string]string
	NoCache    bool
}

// RunOptions describes a foreground container run.
type RunOptions struct {
	Image   string
	Name    string
	PortVar string
	Port    int
	Env     map[string]string
}

// Available reports whether the docker binary resolves.
func (c *Client) Available() error {
	if _, err := c.runner.LookPath(c.Binary); err != nil {
		return fmt.Errorf("%s not found: %w", c.Binary, err)
	}
	return nil
}

// Pull fetches image from its registry.
func (c *Client) Pull(ctx context.Context, image string) error {
	return c.run(ctx, nil, "pull", image)
}

// Inspect checks that image is present in the local image store.
func (c *Client) Inspect(ctx context.Context, image string) error {
	return c.run(ctx, nil, "image", "inspect", "--format", "{{.Id}}", image)
}

// Build builds an image from an in-memory Dockerfile using docker build -f -.
func (c *Client) Build(ctx context.Context, opts BuildOptions) error {
	if opts.ContextDir == "" {
		return fmt.Errorf("build context is required")
	}
	args := []string{"build", "-f", "-"}
	if opts.Tag != "" {
		args = append(args, "-t", opts.Tag)
	}
	if opts.NoCache {
		args = append(args, "--no-cache")
	}
	for _, k := range sortedKeys(opts.Labels) {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}
	args = append(args, opts.ContextDir)
	return c.run(ctx, opts.Dockerfile, args...)
}

// RunCommand returns the argv of a foreground docker run that publishes the
// port on the same number inside and outside the container.
func (c *Client) RunCommand(opts RunOptions) []string {
	argv := []string{c.Binary, "run", "--rm", "--init"}
	if opts.Name != "" {
		argv = append(argv, "--name", opts.Name)
	}
	if opts.Port > 0 {
		p := strconv.Itoa(opts.Port)
		argv = append(argv, "-p", p+":"+p)
		if opts.PortVar != "" {
			argv = append(argv, "-e", opts.PortVar+"="+p)
		}
	}
	for _, k := range sortedKeys(opts.Env) {
		if k == opts.PortVar {
			continue
		}
		argv = append(argv, "-e", k+"="+opts.Env[k])
	}
	return append(argv, opts.Image)
}

func (c *Client) run(ctx context.Context, stdin []byte, args ...string) error {
	cmd := runner.Command{Name: c.Binary, Args: args}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	if err := c.runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("docker %s: %w", args[0], err)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
