package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"

	"github.com/codex-k8s/stagehand/internal/engine"
	"github.com/codex-k8s/stagehand/internal/ghoutput"
	"github.com/codex-k8s/stagehand/internal/pipeline"
	"github.com/codex-k8s/stagehand/internal/stages"
)

// hostFlags are shared by "run" and "build".
type hostFlags struct {
	workspace string
	timeout   string
}

// newRunCommand creates the "run" command: build on the host, then launch the backend.
func newRunCommand(opts *Options) *cobra.Command {
	var flags hostFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build the project on this host and launch the backend",
		Long:  "Runs every stage on this host, from base environment checks through the frontend build, then starts the backend in the foreground. SIGINT and SIGTERM are forwarded to the backend.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHost(cmd, opts, flags, true)
		},
	}
	addHostFlags(cmd, &flags)
	addVarsFlags(cmd)
	return cmd
}

// newBuildCommand creates the "build" command: every host stage except launch.
func newBuildCommand(opts *Options) *cobra.Command {
	var flags hostFlags
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the project on this host without launching it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHost(cmd, opts, flags, false)
		},
	}
	addHostFlags(cmd, &flags)
	addVarsFlags(cmd)
	return cmd
}

func addHostFlags(cmd *cobra.Command, flags *hostFlags) {
	cmd.Flags().StringVar(&flags.workspace, "workspace", "", "Empty directory to build in (default: a managed directory under the XDG cache, reset on every build)")
	cmd.Flags().StringVar(&flags.timeout, "timeout", "", "Maximum duration of the build stages, e.g. 15m (the backend itself is not bounded)")
}

func runHost(cmd *cobra.Command, opts *Options, flags hostFlags, launchBackend bool) error {
	ctx := cmd.Context()
	logger := LoggerFromContext(ctx)

	var envCfg buildEnv
	if err := parseEnv(&envCfg); err != nil {
		return err
	}
	if envOverrides(cmd.Flags(), "workspace", "STAGEHAND_WORKSPACE") {
		flags.workspace = envCfg.Workspace
	}
	timeout, err := resolveTimeout(flags.timeout, cmd.Flags().Changed("timeout"), envCfg.Timeout)
	if err != nil {
		return err
	}

	p, err := loadProjectFromCmd(opts, cmd)
	if err != nil {
		return err
	}

	workspace, fresh := flags.workspace, false
	if workspace == "" {
		workspace, fresh = managedWorkspace(p.Recipe.Project), true
	}

	rec := startRecording(ctx, opts, logger, p, engine.DriverHost)
	eng := engine.NewEngine(rec.engineOptions(logger))

	res, runErr := eng.RunHost(ctx, p.Recipe, p.Port, engine.HostOptions{
		Root:      p.Root(),
		Workspace: workspace,
		Fresh:     fresh,
		Launch:    launchBackend,
		Env:       p.Ctx.EnvMap,
		Timeout:   timeout,
	})
	if launchBackend && stoppedByUser(runErr) {
		logger.Info("backend stopped", "project", p.Recipe.Project)
		runErr = nil
	}
	rec.finish(ctx, res, runErr)
	if runErr != nil {
		return runErr
	}

	outputs := buildOutputs(p.Recipe.Project, rec, res)
	outputs["workspace"] = workspace
	if err := ghoutput.Write(outputs); err != nil {
		return err
	}
	if !launchBackend {
		logger.Info("build completed", "project", p.Recipe.Project, "workspace", workspace, "build", rec.buildID())
	}
	return nil
}

// managedWorkspace is the per-project workspace stagehand owns and may wipe.
func managedWorkspace(project string) string {
	return filepath.Join(xdg.CacheHome, "stagehand", "workspaces", project)
}

// stoppedByUser reports whether a run ended because the user interrupted the running backend.
func stoppedByUser(err error) bool {
	if err == nil || !errors.Is(err, context.Canceled) {
		return false
	}
	stage, ok := pipeline.FailedStage(err)
	return ok && stage == stages.Launch
}

func resolveTimeout(flagValue string, changed bool, fromEnv time.Duration) (time.Duration, error) {
	if !changed {
		return fromEnv, nil
	}
	d, err := time.ParseDuration(flagValue)
	if err != nil {
		return 0, fmt.Errorf("invalid --timeout %q: %w", flagValue, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("--timeout must not be negative")
	}
	return d, nil
}
