// Package runner executes external tools with their output routed to slog.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/codex-k8s/stagehand/internal/logging"
)

// Command is one invocation of an external tool.
type Command struct {
	Name  string
	Args  []string
	Dir   string
	Env   []string
	Stdin io.Reader
}

// Shell runs script through /bin/sh -c, the way a Dockerfile RUN does.
func Shell(script string) Command {
	return Command{Name: "sh", Args: []string{"-c", script}}
}

// In returns a copy of c that runs in dir.
func (c Command) In(dir string) Command {
	c.Dir = dir
	return c
}

// WithEnv returns a copy of c with the given KEY=VALUE environment.
func (c Command) WithEnv(environ []string) Command {
	c.Env = environ
	return c
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner starts commands and resolves binaries.
type Runner interface {
	Run(ctx context.Context, c Command) error
	LookPath(name string) (string, error)
}

// killDelay bounds how long Run waits for output pipes after the process group was killed.
const killDelay = 5 * time.Second

// Exec runs commands as child processes of stagehand.
// Each command gets its own process group; cancelling the context kills the whole group.
type Exec struct {
	logger *slog.Logger
}

// NewExec returns a Runner whose child output is logged line by line.
func NewExec(logger *slog.Logger) *Exec {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exec{logger: logger}
}

// Run executes c and waits for it.
func (e *Exec) Run(ctx context.Context, c Command) error {
	e.logger.Info("running command", "cmd", c.Name, "args", c.Args, "dir", c.Dir)

	stdout := logging.NewWriter(e.logger, "stdout")
	stderr := logging.NewWriter(e.logger, "stderr")
	defer stdout.Flush()
	defer stderr.Flush()

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Stdin = c.Stdin
	if c.Env != nil {
		cmd.Env = c.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	cmd.WaitDelay = killDelay

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s interrupted: %w: %w", c, ctxErr, err)
		}
		return fmt.Errorf("%s failed: %w", c, err)
	}
	return nil
}

// LookPath resolves name on PATH.
func (e *Exec) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}
