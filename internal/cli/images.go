package cli

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codex-k8s/stagehand/internal/engine"
	"github.com/codex-k8s/stagehand/internal/ghoutput"
	"github.com/codex-k8s/stagehand/internal/docker"
	"github.com/codex-k8s/stagehand/internal/runner"
)

// imageFlags are the options of the "image" command.
type imageFlags struct {
	tag     string
	run     bool
	noPull  bool
	noCache bool
	labels  []string
	timeout string
}

// newImageCommand creates the "image" subcommand that builds the project with docker.
func newImageCommand(opts *Options) *cobra.Command {
	var flags imageFlags

	cmd := &cobra.Command{
		Use:   "image",
		Short: "Build the project image with docker and optionally run it",
		Long:  "Renders the Dockerfile equivalent of stagehand.yaml, verifies the lock files, and builds the image from the project root. With --run the image is started with the listening port published.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger := LoggerFromContext(ctx)

			var envCfg imageEnv
			if err := parseEnv(&envCfg); err != nil {
				return err
			}
			if envOverrides(cmd.Flags(), "tag", "STAGEHAND_TAG") {
				flags.tag = envCfg.Tag
			}
			if envOverrides(cmd.Flags(), "no-pull", "STAGEHAND_NO_PULL") {
				flags.noPull = envCfg.NoPull
			}
			var buildCfg buildEnv
			if err := parseEnv(&buildCfg); err != nil {
				return err
			}
			timeout, err := resolveTimeout(flags.timeout, cmd.Flags().Changed("timeout"), buildCfg.Timeout)
			if err != nil {
				return err
			}
			labels, err := parseLabels(flags.labels)
			if err != nil {
				return err
			}

			p, err := loadProjectFromCmd(opts, cmd)
			if err != nil {
				return err
			}
			tag := flags.tag
			if tag == "" {
				tag = engine.DefaultTag(p.Recipe)
			}

			rec := startRecording(ctx, opts, logger, p, engine.DriverDocker)
			engOpts := rec.engineOptions(logger)
			if envPresent("STAGEHAND_DOCKER") {
				engOpts.Docker = dockerClient(envCfg.Docker, logger)
			}
			eng := engine.NewEngine(engOpts)

			res, runErr := eng.RunImage(ctx, p.Recipe, p.Port, engine.ImageOptions{
				Root:    p.Root(),
				Tag:     tag,
				Pull:    !flags.noPull,
				NoCache: flags.noCache,
				Run:     flags.run,
				Env:     p.Ctx.UserVars,
				Labels:  labels,
				Timeout: timeout,
			})
			if flags.run && stoppedByUser(runErr) {
				logger.Info("container stopped", "image", tag)
				runErr = nil
			}
			rec.finish(ctx, res, runErr)
			if runErr != nil {
				return runErr
			}

			outputs := buildOutputs(p.Recipe.Project, rec, res)
			outputs["image"] = tag
			outputs["port"] = fmt.Sprint(p.Port.Value)
			if err := ghoutput.Write(outputs); err != nil {
				return err
			}
			logger.Info("image ready", "image", tag, "port", p.Port.String(), "build", rec.buildID())
			return nil
		},
	}

	cmd.Flags().StringVarP(&flags.tag, "tag", "t", "", "Image reference (default: <project>:latest)")
	cmd.Flags().BoolVar(&flags.run, "run", false, "Run the image after building it")
	cmd.Flags().BoolVar(&flags.noPull, "no-pull", false, "Do not refresh the base image before building")
	cmd.Flags().BoolVar(&flags.noCache, "no-cache", false, "Build without the docker layer cache")
	cmd.Flags().StringArrayVar(&flags.labels, "label", nil, "Additional image label in k=v form (repeatable)")
	cmd.Flags().StringVar(&flags.timeout, "timeout", "", "Maximum duration of the image build, e.g. 30m (a running container is not bounded)")
	addVarsFlags(cmd)

	return cmd
}

// dockerClient uses a docker-compatible CLI other than docker itself (e.g. podman).
func dockerClient(binary string, logger *slog.Logger) *docker.Client {
	return docker.NewClient(binary, runner.NewExec(logger))
}

func parseLabels(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	labels := make(map[string]string, len(raw))
	for _, item := range raw {
		k, v, ok := strings.Cut(item, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --label %q, want k=v", item)
		}
		labels[k] = v
	}
	return labels, nil
}
