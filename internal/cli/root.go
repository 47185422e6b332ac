// Package cli defines the command-line interface for stagehand.
package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/codex-k8s/stagehand/internal/config"
	"github.com/codex-k8s/stagehand/internal/logging"
)

// defaultConfigPath is the default path to the build recipe.
const defaultConfigPath = config.DefaultFileName

// Options stores global CLI options shared between commands.
type Options struct {
	ConfigPath string
	StatePath  string
	NoState    bool
	LogLevel   logging.Level

	// configExplicit is set when the recipe path was chosen by the user;
	// a missing explicit recipe is an error instead of a fallback to defaults.
	configExplicit bool
}

// Execute builds the root command, runs it with the provided args and logger, and returns any error.
func Execute(ctx context.Context, args []string, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.NewLogger(os.Stderr, logging.LevelInfo)
	}

	rootOpts := &Options{
		ConfigPath: defaultConfigPath,
		LogLevel:   logging.LevelInfo,
	}

	rootCmd := newRootCommand(rootOpts, logger)
	rootCmd.SetArgs(args)

	return rootCmd.ExecuteContext(ctx)
}

// newRootCommand constructs the root cobra.Command with global flags and subcommands.
func newRootCommand(opts *Options, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "stagehand",
		Short:         "stagehand builds a project in ordered stages and launches its backend",
		Long:          "stagehand provisions a runtime, installs locked dependencies, builds the frontend and launches the backend, either on this host or as a container image, based on a stagehand.yaml recipe.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var envCfg baseEnv
			if err := parseEnv(&envCfg); err != nil {
				return err
			}
			flags := cmd.Flags()
			if envOverrides(flags, "config", "STAGEHAND_CONFIG") {
				opts.ConfigPath = envCfg.ConfigPath
			}
			if envOverrides(flags, "state", "STAGEHAND_STATE") {
				opts.StatePath = envCfg.StatePath
			}
			if envOverrides(flags, "no-state", "STAGEHAND_NO_STATE") {
				opts.NoState = envCfg.NoState
			}
			opts.configExplicit = flags.Changed("config") || envPresent("STAGEHAND_CONFIG")

			levelValue := cmd.Flag("log-level").Value.String()
			if envOverrides(flags, "log-level", "STAGEHAND_LOG_LEVEL") {
				levelValue = envCfg.LogLevel
			}
			level := logging.ParseLevel(levelValue)
			opts.LogLevel = level
			logger = logging.NewLogger(os.Stderr, level)
			cmd.SetContext(context.WithValue(cmd.Context(), loggerKey{}, logger))
			logger.Debug("logger initialized", "level", level)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", defaultConfigPath, "Path to stagehand.yaml recipe")
	cmd.PersistentFlags().StringVar(&opts.StatePath, "state", "", "Path to the build history database (default under the XDG data dir)")
	cmd.PersistentFlags().BoolVar(&opts.NoState, "no-state", false, "Do not record build history")
	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		newRunCommand(opts),
		newBuildCommand(opts),
		newVerifyCommand(opts),
		newRenderCommand(opts),
		newImageCommand(opts),
		newDoctorCommand(opts),
		newHistoryCommand(opts),
		newDriftCommand(opts),
	)

	return cmd
}

// loggerKey is a private context key used to store a logger in command contexts.
type loggerKey struct{}

// LoggerFromContext extracts a logger from the context or falls back to a default logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return logging.NewLogger(os.Stderr, logging.LevelInfo)
	}
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return logging.NewLogger(os.Stderr, logging.LevelInfo)
}
