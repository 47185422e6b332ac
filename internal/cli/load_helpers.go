package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codex-k8s/stagehand/internal/config"
	"github.com/codex-k8s/stagehand/internal/env"
)

// project is a loaded recipe together with everything resolved from the environment.
type project struct {
	Recipe *config.Recipe
	Ctx    config.TemplateContext
	Port   config.Port
}

// Root is the project tree the recipe describes.
func (p *project) Root() string { return p.Ctx.ProjectRoot }

func parseInlineVarsAndFiles(cmd *cobra.Command) (env.Vars, []string, error) {
	var envCfg varsEnv
	if err := parseEnv(&envCfg); err != nil {
		return nil, nil, err
	}

	raw := cmd.Flag("vars").Value.String()
	if envOverrides(cmd.Flags(), "vars", "STAGEHAND_VARS") {
		raw = envCfg.Vars
	}
	inlineVars, err := env.ParseInlineVars(raw)
	if err != nil {
		return nil, nil, err
	}

	varFile := cmd.Flag("var-file").Value.String()
	if envOverrides(cmd.Flags(), "var-file", "STAGEHAND_VAR_FILE") {
		varFile = envCfg.VarFile
	}
	var varFiles []string
	if strings.TrimSpace(varFile) != "" {
		varFiles = append(varFiles, varFile)
	}
	return inlineVars, varFiles, nil
}

// loadProjectFromCmd loads the recipe named by --config and resolves the listening port once.
// Without an explicit --config a missing stagehand.yaml falls back to the built-in recipe
// rooted at the current directory.
func loadProjectFromCmd(opts *Options, cmd *cobra.Command) (*project, error) {
	inlineVars, varFiles, err := parseInlineVarsAndFiles(cmd)
	if err != nil {
		return nil, err
	}

	recipe, ctxData, err := config.Load(opts.ConfigPath, config.LoadOptions{
		Root:         filepath.Dir(opts.ConfigPath),
		AllowMissing: !opts.configExplicit,
		UserVars:     inlineVars,
		VarFiles:     varFiles,
	})
	if err != nil {
		return nil, err
	}

	port, err := config.ResolvePort(recipe.Launch, ctxData.EnvMap)
	if err != nil {
		return nil, fmt.Errorf("resolve listening port: %w", err)
	}

	return &project{Recipe: recipe, Ctx: ctxData, Port: port}, nil
}

func addVarsFlags(cmd *cobra.Command) {
	cmd.Flags().String("vars", "", "Additional variables in k=v,k2=v2 format")
	cmd.Flags().String("var-file", "", "Path to YAML/ENV file with additional variables")
}
