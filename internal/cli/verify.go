package cli

import (
	"github.com/spf13/cobra"

	"github.com/codex-k8s/stagehand/internal/engine"
	"github.com/codex-k8s/stagehand/internal/ghoutput"
)

// newVerifyCommand creates the "verify" subcommand that checks manifests against their locks
// without installing anything.
func newVerifyCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that dependency manifests agree with their lock files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())

			p, err := loadProjectFromCmd(opts, cmd)
			if err != nil {
				return err
			}

			report, err := engine.Verify(p.Recipe, p.Root())
			if err != nil {
				return err
			}

			outputs := map[string]string{"lock-digest": report.Python.Digest.String()}
			logger.Info("dependency lock verified", "lock", report.Python.Path, "packages", len(report.Python.Packages), "digest", report.Python.Digest.String())
			if report.Node != nil {
				outputs["frontend-lock-digest"] = report.Node.Digest.String()
				logger.Info("frontend lock verified", "lock", report.Node.Path, "packages", len(report.Node.Packages))
			} else {
				logger.Info("frontend has no lock file; npm install will resolve dependencies", "dir", p.Recipe.Frontend.Dir)
			}
			return ghoutput.Write(outputs)
		},
	}

	addVarsFlags(cmd)
	return cmd
}
