package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/codex-k8s/stagehand/internal/engine"
)

// newRenderCommand creates the "render" subcommand that prints the container build recipe.
func newRenderCommand(opts *Options) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render the Dockerfile equivalent of stagehand.yaml",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())

			p, err := loadProjectFromCmd(opts, cmd)
			if err != nil {
				return err
			}

			rendered, err := engine.RenderDockerfile(p.Recipe, p.Port)
			if err != nil {
				return err
			}

			if output == "" || output == "-" {
				_, writeErr := cmd.OutOrStdout().Write(rendered)
				return writeErr
			}

			if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
				return fmt.Errorf("create output directory for %q: %w", output, err)
			}
			if err := os.WriteFile(output, rendered, 0o644); err != nil {
				return fmt.Errorf("write Dockerfile to %q: %w", output, err)
			}

			logger.Info("rendered Dockerfile", "path", output, "port", p.Port.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the Dockerfile to this path (default: stdout)")
	addVarsFlags(cmd)

	return cmd
}
