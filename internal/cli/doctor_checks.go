package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/codex-k8s/stagehand/internal/config"
	"github.com/codex-k8s/stagehand/internal/docker"
	"github.com/codex-k8s/stagehand/internal/engine"
	"github.com/codex-k8s/stagehand/internal/runner"
)

// doctorTarget selects which driver the checks prepare for.
type doctorTarget struct {
	host   bool
	docker bool
	// dockerBinary is the docker-compatible CLI; empty means docker.
	dockerBinary string
}

// runDoctorChecks verifies that the tools a build needs resolve and that the locks are consistent.
// Tools a stage can install itself only produce warnings.
func runDoctorChecks(ctx context.Context, logger *slog.Logger, r runner.Runner, p *project, target doctorTarget) error {
	if logger == nil {
		logger = slog.Default()
	}
	recipe := p.Recipe

	var required, installable, optional []string
	if target.host {
		required = append(required, recipe.Base.Runtime, "sh")
		if len(recipe.System.HostInstall) == 0 {
			required = append(required, recipe.System.Runtime.Binary, "npm")
		} else {
			installable = append(installable, recipe.System.Runtime.Binary, "npm")
		}
		installable = append(installable, recipe.Bootstrap.Tool)
		optional = append(optional, "rsync")
	}

	var fatalErrs []error
	var missing []string
	for _, tool := range required {
		if _, err := r.LookPath(tool); err != nil {
			logger.Error("doctor check failed: missing required tool", "tool", tool, "error", err)
			missing = append(missing, tool)
			continue
		}
		logger.Info("doctor check ok", "tool", tool)
	}
	for _, tool := range installable {
		if _, err := r.LookPath(tool); err != nil {
			logger.Warn("tool not found; the build will install it", "tool", tool)
			continue
		}
		logger.Info("doctor check ok", "tool", tool)
	}
	for _, tool := range optional {
		if _, err := r.LookPath(tool); err != nil {
			logger.Warn("optional tool not found; falling back to slower implementation", "tool", tool)
			continue
		}
		logger.Info("doctor check ok", "tool", tool)
	}
	if len(missing) > 0 {
		fatalErrs = append(fatalErrs, fmt.Errorf("required tools missing from PATH: %s", strings.Join(missing, ", ")))
	}

	if target.docker {
		binary := target.dockerBinary
		if binary == "" {
			binary = docker.DefaultBinary
		}
		if err := runDockerChecks(ctx, r, binary); err != nil {
			logger.Error("doctor check failed: docker unavailable", "binary", binary, "error", err)
			fatalErrs = append(fatalErrs, err)
		} else {
			logger.Info("doctor check ok", "tool", binary)
		}
		if _, err := engine.RenderDockerfile(recipe, p.Port); err != nil {
			fatalErrs = append(fatalErrs, fmt.Errorf("render Dockerfile: %w", err))
		}
	}

	if report, err := engine.Verify(recipe, p.Root()); err != nil {
		logger.Error("doctor check failed: lock verification", "error", err)
		fatalErrs = append(fatalErrs, err)
	} else {
		logger.Info("doctor check ok", "lock", report.Python.Path, "packages", len(report.Python.Packages))
	}

	logPort(logger, p.Port)
	return errors.Join(fatalErrs...)
}

func runDockerChecks(ctx context.Context, r runner.Runner, binary string) error {
	if _, err := r.LookPath(binary); err != nil {
		return fmt.Errorf("%s binary not found in PATH: %w", binary, err)
	}
	return r.Run(ctx, runner.Command{Name: binary, Args: []string{"info"}})
}

func logPort(logger *slog.Logger, port config.Port) {
	source := "recipe"
	if port.FromEnv {
		source = "environment"
	}
	logger.Info("listening port resolved", "port", port.String(), "source", source)
}
