package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/codex-k8s/stagehand/internal/engine"
	"github.com/codex-k8s/stagehand/internal/runner"
)

// newDoctorCommand creates the "doctor" subcommand that runs environment preflight checks.
func newDoctorCommand(opts *Options) *cobra.Command {
	var driver string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run environment preflight checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())

			target, err := parseDoctorDriver(driver)
			if err != nil {
				return err
			}
			var envCfg imageEnv
			if err := parseEnv(&envCfg); err != nil {
				return err
			}
			target.dockerBinary = envCfg.Docker

			p, err := loadProjectFromCmd(opts, cmd)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			if err := runDoctorChecks(ctx, logger, runner.NewExec(logger), p, target); err != nil {
				return err
			}

			logger.Info("doctor checks completed successfully", "project", p.Recipe.Project, "driver", driver)
			return nil
		},
	}

	cmd.Flags().StringVar(&driver, "driver", engine.DriverHost, "Driver to check (host, docker, all)")
	addVarsFlags(cmd)

	return cmd
}

func parseDoctorDriver(driver string) (doctorTarget, error) {
	switch driver {
	case engine.DriverHost:
		return doctorTarget{host: true}, nil
	case engine.DriverDocker:
		return doctorTarget{docker: true}, nil
	case "all":
		return doctorTarget{host: true, docker: true}, nil
	default:
		return doctorTarget{}, fmt.Errorf("unknown driver %q (want host, docker or all)", driver)
	}
}
