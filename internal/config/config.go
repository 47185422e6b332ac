// Package config contains the loader and strongly typed model for stagehand.yaml.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codex-k8s/stagehand/internal/env"
)

// DefaultFileName is the recipe file looked up in the project root.
const DefaultFileName = "stagehand.yaml"

// Recipe describes how a project tree is turned into a running backend.
// It mirrors the structure of stagehand.yaml after template rendering.
type Recipe struct {
	// Project is the short project name used for image tags and build records.
	Project string `yaml:"project"`
	// EnvFiles lists .env files to load before rendering.
	EnvFiles []string `yaml:"envFiles,omitempty"`
	// Base describes the base environment.
	Base BaseSpec `yaml:"base,omitempty"`
	// System describes the secondary runtime installed on top of the base.
	System SystemSpec `yaml:"system,omitempty"`
	// Bootstrap describes the package manager for the primary runtime.
	Bootstrap BootstrapSpec `yaml:"bootstrap,omitempty"`
	// Source describes where the project tree is materialized.
	Source SourceSpec `yaml:"source,omitempty"`
	// Dependencies describes the frozen install of primary-runtime dependencies.
	Dependencies DependencySpec `yaml:"dependencies,omitempty"`
	// Frontend describes the frontend build.
	Frontend FrontendSpec `yaml:"frontend,omitempty"`
	// Launch describes the backend process.
	Launch LaunchSpec `yaml:"launch,omitempty"`
}

// BaseSpec describes the base environment.
type BaseSpec struct {
	// Image is the versioned base image reference (e.g. "python:3.10-slim").
	Image string `yaml:"image,omitempty"`
	// Runtime is the primary runtime binary expected in the base (e.g. "python3").
	Runtime string `yaml:"runtime,omitempty"`
}

// SystemSpec describes system-level packages and the secondary runtime.
type SystemSpec struct {
	// Packages are OS packages installed before package sources are configured.
	Packages []string `yaml:"packages,omitempty"`
	// Sources are package-source setup commands (e.g. the nodesource script).
	Sources []PackageSource `yaml:"sources,omitempty"`
	// Runtime is the secondary runtime installed from the configured sources.
	Runtime RuntimeSpec `yaml:"runtime,omitempty"`
	// HostInstall lists commands the host driver runs before verifying the runtime.
	HostInstall []string `yaml:"hostInstall,omitempty"`
}

// PackageSource is a named command that registers an additional package source.
type PackageSource struct {
	// Name is used in logs.
	Name string `yaml:"name"`
	// Setup is the shell command that registers the source.
	Setup string `yaml:"setup"`
}

// RuntimeSpec names a runtime package and the binary it provides.
type RuntimeSpec struct {
	// Package is the OS package name (e.g. "nodejs").
	Package string `yaml:"package,omitempty"`
	// Binary is the executable verified after install (e.g. "node").
	Binary string `yaml:"binary,omitempty"`
}

// BootstrapSpec describes the dependency-resolution tool of the primary runtime.
type BootstrapSpec struct {
	// Tool is the executable that must be available after install (e.g. "uv").
	Tool string `yaml:"tool,omitempty"`
	// Install is the shell command that installs the tool.
	Install string `yaml:"install,omitempty"`
}

// SourceSpec describes where the project tree is copied.
type SourceSpec struct {
	// Workdir is the working directory inside the image.
	Workdir string `yaml:"workdir,omitempty"`
}

// DependencySpec describes the frozen dependency install.
type DependencySpec struct {
	// Manifest is the dependency manifest relative to the project root.
	Manifest string `yaml:"manifest,omitempty"`
	// Lock is the lock artifact relative to the project root.
	Lock string `yaml:"lock,omitempty"`
	// Install is the shell command that installs exactly the locked set.
	Install string `yaml:"install,omitempty"`
}

// FrontendSpec describes the frontend build.
type FrontendSpec struct {
	// Dir is the frontend subtree relative to the project root.
	Dir string `yaml:"dir,omitempty"`
	// Install overrides the dependency install command.
	// When empty, npm ci is used if package-lock.json exists, npm install otherwise.
	Install string `yaml:"install,omitempty"`
	// Build is the shell command producing the static output.
	Build string `yaml:"build,omitempty"`
	// Output is the build output directory relative to Dir.
	Output string `yaml:"output,omitempty"`
}

// LaunchSpec describes the backend process.
type LaunchSpec struct {
	// Command is the fixed entry point in exec form.
	Command []string `yaml:"command,omitempty"`
	// PortVar is the name of the listening-port variable.
	PortVar string `yaml:"portVar,omitempty"`
	// Port is the value used when PortVar is not set in the environment.
	Port int `yaml:"port,omitempty"`
}

// LoadOptions describes parameters that influence template rendering of stagehand.yaml.
type LoadOptions struct {
	// Root is the project root used when the recipe file does not exist.
	Root string
	// AllowMissing falls back to the built-in recipe when the file is absent.
	AllowMissing bool
	// UserVars are inline variables for template rendering.
	UserVars env.Vars
	// VarFiles lists additional var-files to load.
	VarFiles []string
}

// TemplateContext represents the data exposed to Go-templates when rendering stagehand.yaml.
type TemplateContext struct {
	// Project is the project identifier.
	Project string
	// ProjectRoot is the path to the project root on disk.
	ProjectRoot string
	// Now is the timestamp captured for template rendering.
	Now time.Time
	// UserVars contains inline user variables.
	UserVars env.Vars
	// EnvMap merges OS env, envFiles, var-files and user variables.
	EnvMap env.Vars
}

// rawHeader is a minimal struct used to extract top-level fields before templating.
type rawHeader struct {
	Project  string   `yaml:"project"`
	EnvFiles []string `yaml:"envFiles"`
}

// LoadAndRender reads stagehand.yaml, loads envFiles and user vars, and returns rendered YAML bytes
// together with the template context that was used.
func LoadAndRender(path string, opts LoadOptions) ([]byte, TemplateContext, error) {
	var zeroCtx TemplateContext

	if path == "" {
		return nil, zeroCtx, fmt.Errorf("config path is empty")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, zeroCtx, fmt.Errorf("resolve config path: %w", err)
	}

	rawBytes, err := os.ReadFile(absPath)
	if err != nil {
		return nil, zeroCtx, fmt.Errorf("read config %q: %w", absPath, err)
	}

	var header rawHeader
	if err := yaml.Unmarshal(rawBytes, &header); err != nil {
		return nil, zeroCtx, fmt.Errorf("parse top-level config fields: %w", err)
	}

	baseDir := filepath.Dir(absPath)
	ctx, err := newTemplateContext(baseDir, header.Project, header.EnvFiles, opts)
	if err != nil {
		return nil, zeroCtx, err
	}

	rendered, err := RenderTemplate(filepath.Base(absPath), rawBytes, ctx)
	if err != nil {
		return nil, zeroCtx, err
	}

	return rendered, ctx, nil
}

// Load loads, templates and parses stagehand.yaml into a Recipe with defaults applied.
// When the file is missing and opts.AllowMissing is set, the built-in recipe rooted at
// opts.Root is returned instead.
func Load(path string, opts LoadOptions) (*Recipe, TemplateContext, error) {
	if opts.AllowMissing {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return loadDefault(opts)
		}
	}

	rendered, ctx, err := LoadAndRender(path, opts)
	if err != nil {
		return nil, TemplateContext{}, err
	}

	var recipe Recipe
	dec := yaml.NewDecoder(bytes.NewReader(rendered))
	dec.KnownFields(true)
	if err := dec.Decode(&recipe); err != nil && !errors.Is(err, io.EOF) {
		return nil, TemplateContext{}, fmt.Errorf("parse rendered %s: %w", filepath.Base(path), err)
	}

	recipe.applyDefaults(ctx.ProjectRoot)
	ctx.Project = recipe.Project

	if err := recipe.Validate(); err != nil {
		return nil, TemplateContext{}, err
	}
	return &recipe, ctx, nil
}

func loadDefault(opts LoadOptions) (*Recipe, TemplateContext, error) {
	root := opts.Root
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, TemplateContext{}, fmt.Errorf("resolve project root: %w", err)
	}

	recipe := Default(absRoot)
	ctx, err := newTemplateContext(absRoot, recipe.Project, nil, opts)
	if err != nil {
		return nil, TemplateContext{}, err
	}
	return recipe, ctx, nil
}

func newTemplateContext(baseDir, project string, envFiles []string, opts LoadOptions) (TemplateContext, error) {
	envFileVars, err := env.LoadEnvFiles(baseDir, envFiles)
	if err != nil {
		return TemplateContext{}, err
	}

	varFileVars := make(env.Vars)
	for _, vf := range opts.VarFiles {
		if strings.TrimSpace(vf) == "" {
			continue
		}
		vp, err := env.LoadVarFile(vf)
		if err != nil {
			return TemplateContext{}, fmt.Errorf("load var-file %q: %w", vf, err)
		}
		varFileVars = env.Merge(varFileVars, vp)
	}

	return TemplateContext{
		Project:     project,
		ProjectRoot: baseDir,
		Now:         time.Now().UTC(),
		UserVars:    opts.UserVars,
		EnvMap:      env.Merge(env.FromOS(), envFileVars, varFileVars, opts.UserVars),
	}, nil
}

// RenderTemplate renders arbitrary YAML or text content using the template context and helpers.
func RenderTemplate(name string, raw []byte, ctx TemplateContext) ([]byte, error) {
	tmpl, err := template.New(name).Funcs(buildFuncMap(ctx)).Option("missingkey=zero").Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse template %q: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return nil, fmt.Errorf("execute template %q: %w", name, err)
	}
	return buf.Bytes(), nil
}

// buildFuncMap constructs the set of template functions available in stagehand.yaml.
func buildFuncMap(ctx TemplateContext) template.FuncMap {
	return template.FuncMap{
		"default":    funcDef,
		"toLower":    strings.ToLower,
		"slug":       funcSlug,
		"envOr":      funcEnvOr(ctx.EnvMap),
		"ternary":    funcTernary,
		"now":        func() time.Time { return ctx.Now },
		"join":       strings.Join,
		"trimPrefix": strings.TrimPrefix,
	}
}

// funcDef returns def when value is empty or whitespace, otherwise value.
func funcDef(value, def string) string {
	if strings.TrimSpace(value) == "" {
		return def
	}
	return value
}

// funcSlug normalizes a value into a lower-case dash-separated slug.
func funcSlug(value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	v = strings.ReplaceAll(v, " ", "-")
	v = strings.ReplaceAll(v, "_", "-")
	return v
}

// funcEnvOr returns a function that looks up a key in envMap and falls back to def.
func funcEnvOr(envMap env.Vars) func(key, def string) string {
	return func(key, def string) string {
		if v, ok := envMap[key]; ok && v != "" {
			return v
		}
		return def
	}
}

// funcTernary returns a when cond is true, otherwise b.
func funcTernary(cond bool, a, b any) any {
	if cond {
		return a
	}
	return b
}
