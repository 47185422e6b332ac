package cli

import (
	"os"
	"strings"
	"time"

	envparse "github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"
)

// baseEnv defines root CLI defaults sourced from STAGEHAND_* env vars.
type baseEnv struct {
	// ConfigPath is the stagehand.yaml path from STAGEHAND_CONFIG.
	ConfigPath string `env:"STAGEHAND_CONFIG"`
	// LogLevel is the logging level from STAGEHAND_LOG_LEVEL.
	LogLevel string `env:"STAGEHAND_LOG_LEVEL"`
	// StatePath is the build history database from STAGEHAND_STATE.
	StatePath string `env:"STAGEHAND_STATE"`
	// NoState disables build history from STAGEHAND_NO_STATE.
	NoState bool `env:"STAGEHAND_NO_STATE"`
}

// varsEnv describes inline vars and var files passed via env.
type varsEnv struct {
	// Vars is a k=v,k2=v2 list from STAGEHAND_VARS.
	Vars string `env:"STAGEHAND_VARS"`
	// VarFile is a YAML/ENV path from STAGEHAND_VAR_FILE.
	VarFile string `env:"STAGEHAND_VAR_FILE"`
}

// buildEnv captures host build inputs.
type buildEnv struct {
	// Workspace is the build directory from STAGEHAND_WORKSPACE.
	Workspace string `env:"STAGEHAND_WORKSPACE"`
	// Timeout bounds the build stages, from STAGEHAND_TIMEOUT.
	Timeout time.Duration `env:"STAGEHAND_TIMEOUT"`
}

// imageEnv captures docker driver inputs.
type imageEnv struct {
	// Tag is the image reference from STAGEHAND_TAG.
	Tag string `env:"STAGEHAND_TAG"`
	// NoPull skips refreshing the base image, from STAGEHAND_NO_PULL.
	NoPull bool `env:"STAGEHAND_NO_PULL"`
	// Docker is the docker-compatible CLI from STAGEHAND_DOCKER.
	Docker string `env:"STAGEHAND_DOCKER"`
}

// parseEnv fills target from STAGEHAND_* env vars via caarlos0/env.
func parseEnv(target any) error {
	return envparse.Parse(target)
}

// envPresent reports whether a non-empty env var exists.
func envPresent(key string) bool {
	val, ok := os.LookupEnv(key)
	if !ok {
		return false
	}
	return strings.TrimSpace(val) != ""
}

// envOverrides reports whether the env var key should replace the default of an unset flag.
func envOverrides(flags *pflag.FlagSet, flag, key string) bool {
	return !flags.Changed(flag) && envPresent(key)
}
