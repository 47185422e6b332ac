// Package launch runs the backend as a supervised foreground child.
//
// The launcher starts exactly one process, streams its output, forwards
// SIGINT and SIGTERM to it and returns when it exits. It never restarts the
// process and performs no health checks.
package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultGrace is how long the child may take to exit after SIGTERM.
const DefaultGrace = 10 * time.Second

// Spec describes the process to start.
type Spec struct {
	Command []string
	Dir     string
	Env     []string
	Stdout  io.Writer
	Stderr  io.Writer
}

// Launcher starts a backend and blocks until it exits.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) error
}

// Exec launches the backend as a child process.
type Exec struct {
	logger *slog.Logger
	grace  time.Duration

	notify func(chan<- os.Signal, ...os.Signal)
	stop   func(chan<- os.Signal)
}

// NewExec returns a launcher that waits grace between SIGTERM and SIGKILL
// when the context is cancelled.
func NewExec(logger *slog.Logger, grace time.Duration) *Exec {
	if logger == nil {
		logger = slog.Default()
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Exec{logger: logger, grace: grace, notify: signal.Notify, stop: signal.Stop}
}

// Launch starts spec.Command and waits for it. A child stopped by a signal
// forwarded from stagehand counts as a clean shutdown.
func (l *Exec) Launch(ctx context.Context, spec Spec) error {
	if len(spec.Command) == 0 {
		return errors.New("empty launch command")
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = orDefault(spec.Stdout, os.Stdout)
	cmd.Stderr = orDefault(spec.Stderr, os.Stderr)
	// The child gets its own process group so signals reach its descendants too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = l.grace

	signals := make(chan os.Signal, 1)
	l.notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer l.stop(signals)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", spec.Command[0], err)
	}
	pid := cmd.Process.Pid
	l.logger.Info("backend started", "pid", pid, "cmd", spec.Command, "dir", spec.Dir)

	done := make(chan struct{})
	var forwarded os.Signal
	var g errgroup.Group

	g.Go(func() error {
		defer close(done)
		return cmd.Wait()
	})

	g.Go(func() error {
		for {
			select {
			case <-done:
				return nil
			case sig := <-signals:
				forwarded = sig
				l.logger.Info("forwarding signal", "signal", sig.String(), "pid", pid)
				_ = signalGroup(pid, sig)
			case <-ctx.Done():
				l.terminate(pid, done)
				return ctx.Err()
			}
		}
	})

	err := g.Wait()
	if err == nil {
		l.logger.Info("backend exited", "pid", pid)
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("backend stopped: %w", ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if forwarded != nil && stoppedBy(exitErr, forwarded) {
			l.logger.Info("backend stopped", "pid", pid, "signal", forwarded.String())
			return nil
		}
		return fmt.Errorf("backend exited with code %d: %w", exitErr.ExitCode(), err)
	}
	return fmt.Errorf("wait for backend: %w", err)
}

// terminate sends SIGTERM to the child group and SIGKILL after the grace period.
func (l *Exec) terminate(pid int, done <-chan struct{}) {
	l.logger.Info("stopping backend", "pid", pid, "grace", l.grace)
	if err := signalGroup(pid, syscall.SIGTERM); err != nil {
		return
	}
	select {
	case <-done:
	case <-time.After(l.grace):
		l.logger.Warn("backend ignored SIGTERM, killing", "pid", pid)
		_ = signalGroup(pid, syscall.SIGKILL)
		<-done
	}
}

func signalGroup(pid int, sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("unsupported signal %v", sig)
	}
	if err := syscall.Kill(-pid, s); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// stoppedBy reports whether the child died of sig, or exited with the
// conventional 128+sig code after handling it.
func stoppedBy(exitErr *exec.ExitError, sig os.Signal) bool {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return false
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return status.Signal() == s
	}
	return exitErr.ExitCode() == 128+int(s)
}

func orDefault(w, def io.Writer) io.Writer {
	if w == nil {
		return def
	}
	return w
}
