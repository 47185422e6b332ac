package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Built-in recipe values. They reproduce the reference container build:
// a slim Python base, Node.js from nodesource, uv as the package manager,
// a frozen uv install, an npm frontend build and a module-style backend entry point.
const (
	DefaultBaseImage       = "python:3.10-slim"
	DefaultBaseRuntime     = "python3"
	DefaultNodeSetup       = "curl -fsSL https://deb.nodesource.com/setup_20.x | bash -"
	DefaultBootstrapTool   = "uv"
	DefaultBootstrapCmd    = "pip install --no-cache-dir uv"
	DefaultWorkdir         = "/app"
	DefaultManifest        = "pyproject.toml"
	DefaultLock            = "uv.lock"
	DefaultInstallCmd      = "uv sync --locked"
	DefaultFrontendDir     = "frontend"
	DefaultFrontendBuild   = "npm run build"
	DefaultFrontendOutput  = "dist"
	DefaultPortVar         = "PORT"
	DefaultPort            = 8001
	defaultRuntimePackage  = "nodejs"
	defaultRuntimeBinary   = "node"
	defaultSystemPackage   = "curl"
	defaultNodeSourceLabel = "nodesource"
)

// DefaultLaunchCommand is the backend entry point used when launch.command is unset.
var DefaultLaunchCommand = []string{"uv", "run", "python", "-m", "backend.main"}

var portVarPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Default returns the built-in recipe for a project rooted at root.
func Default(root string) *Recipe {
	r := &Recipe{}
	r.applyDefaults(root)
	return r
}

// applyDefaults fills every unset field with the built-in value.
func (r *Recipe) applyDefaults(root string) {
	if strings.TrimSpace(r.Project) == "" {
		r.Project = funcSlug(filepath.Base(root))
	}

	if r.Base.Image == "" {
		r.Base.Image = DefaultBaseImage
	}
	if r.Base.Runtime == "" {
		r.Base.Runtime = DefaultBaseRuntime
	}

	if r.System.Packages == nil {
		r.System.Packages = []string{defaultSystemPackage}
	}
	if r.System.Sources == nil {
		r.System.Sources = []PackageSource{{Name: defaultNodeSourceLabel, Setup: DefaultNodeSetup}}
	}
	if r.System.Runtime.Package == "" {
		r.System.Runtime.Package = defaultRuntimePackage
	}
	if r.System.Runtime.Binary == "" {
		r.System.Runtime.Binary = defaultRuntimeBinary
	}

	if r.Bootstrap.Tool == "" {
		r.Bootstrap.Tool = DefaultBootstrapTool
	}
	if r.Bootstrap.Install == "" {
		r.Bootstrap.Install = DefaultBootstrapCmd
	}

	if r.Source.Workdir == "" {
		r.Source.Workdir = DefaultWorkdir
	}

	if r.Dependencies.Manifest == "" {
		r.Dependencies.Manifest = DefaultManifest
	}
	if r.Dependencies.Lock == "" {
		r.Dependencies.Lock = DefaultLock
	}
	if r.Dependencies.Install == "" {
		r.Dependencies.Install = DefaultInstallCmd
	}

	if r.Frontend.Dir == "" {
		r.Frontend.Dir = DefaultFrontendDir
	}
	if r.Frontend.Build == "" {
		r.Frontend.Build = DefaultFrontendBuild
	}
	if r.Frontend.Output == "" {
		r.Frontend.Output = DefaultFrontendOutput
	}

	if len(r.Launch.Command) == 0 {
		r.Launch.Command = append([]string(nil), DefaultLaunchCommand...)
	}
	if r.Launch.PortVar == "" {
		r.Launch.PortVar = DefaultPortVar
	}
	if r.Launch.Port == 0 {
		r.Launch.Port = DefaultPort
	}
}

// Validate reports the first structural problem in the recipe.
func (r *Recipe) Validate() error {
	if r == nil {
		return fmt.Errorf("recipe is nil")
	}
	if strings.TrimSpace(r.Base.Image) == "" {
		return fmt.Errorf("base.image must be set")
	}
	if !strings.HasPrefix(r.Source.Workdir, "/") {
		return fmt.Errorf("source.workdir %q must be absolute", r.Source.Workdir)
	}
	for _, p := range []struct{ field, value string }{
		{"dependencies.manifest", r.Dependencies.Manifest},
		{"dependencies.lock", r.Dependencies.Lock},
		{"frontend.dir", r.Frontend.Dir},
		{"frontend.output", r.Frontend.Output},
	} {
		if filepath.IsAbs(p.value) || strings.HasPrefix(filepath.Clean(p.value), "..") {
			return fmt.Errorf("%s %q must be relative to the project root", p.field, p.value)
		}
	}
	for i, src := range r.System.Sources {
		if strings.TrimSpace(src.Setup) == "" {
			return fmt.Errorf("system.sources[%d] must define setup", i)
		}
	}
	if len(r.Launch.Command) == 0 || strings.TrimSpace(r.Launch.Command[0]) == "" {
		return fmt.Errorf("launch.command must not be empty")
	}
	if !portVarPattern.MatchString(r.Launch.PortVar) {
		return fmt.Errorf("launch.portVar %q is not a valid variable name", r.Launch.PortVar)
	}
	if err := checkPort(r.Launch.Port); err != nil {
		return fmt.Errorf("launch.port: %w", err)
	}
	return nil
}
