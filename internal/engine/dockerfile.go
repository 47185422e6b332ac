package engine

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/codex-k8s/stagehand/internal/config"
)

//go:embed dockerfile.tmpl
var dockerfileTemplate string

var dockerfileTmpl = template.Must(template.New("Dockerfile").
	Funcs(template.FuncMap{"join": strings.Join}).
	Option("missingkey=error").
	Parse(dockerfileTemplate))

// lockAwareInstall mirrors stages.FrontendInstall inside the image, where the
// presence of package-lock.json is only known at build time.
const lockAwareInstall = "if [ -f package-lock.json ]; then npm ci; else npm install; fi"

type dockerfileData struct {
	Project         string
	Image           string
	Packages        []string
	Sources         []config.PackageSource
	RuntimePackage  string
	Bootstrap       string
	Workdir         string
	Install         string
	FrontendDir     string
	FrontendInstall string
	FrontendBuild   string
	PortVar         string
	Port            int
	Cmd             string
}

// RenderDockerfile renders the pipeline as a Dockerfile, one instruction group
// per stage. The output depends only on the recipe and the port.
func RenderDockerfile(recipe *config.Recipe, port config.Port) ([]byte, error) {
	if err := recipe.Validate(); err != nil {
		return nil, err
	}
	if port.Var != recipe.Launch.PortVar {
		return nil, fmt.Errorf("port variable %q does not match launch.portVar %q", port.Var, recipe.Launch.PortVar)
	}

	cmd, err := execForm(recipe.Launch.Command)
	if err != nil {
		return nil, err
	}
	frontendInstall := recipe.Frontend.Install
	if strings.TrimSpace(frontendInstall) == "" {
		frontendInstall = lockAwareInstall
	}

	data := dockerfileData{
		Project:         recipe.Project,
		Image:           recipe.Base.Image,
		Packages:        recipe.System.Packages,
		Sources:         recipe.System.Sources,
		RuntimePackage:  recipe.System.Runtime.Package,
		Bootstrap:       recipe.Bootstrap.Install,
		Workdir:         recipe.Source.Workdir,
		Install:         recipe.Dependencies.Install,
		FrontendDir:     recipe.Frontend.Dir,
		FrontendInstall: frontendInstall,
		FrontendBuild:   recipe.Frontend.Build,
		PortVar:         port.Var,
		Port:            port.Value,
		Cmd:             cmd,
	}
	if err := checkSingleLine(data); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := dockerfileTmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render Dockerfile: %w", err)
	}
	return buf.Bytes(), nil
}

// execForm encodes argv as a JSON array so CMD never goes through a shell.
func execForm(argv []string) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(argv); err != nil {
		return "", fmt.Errorf("encode launch command: %w", err)
	}
	return strings.TrimSpace(strings.ReplaceAll(buf.String(), `","`, `", "`)), nil
}

// checkSingleLine rejects values that would split a Dockerfile instruction.
func checkSingleLine(d dockerfileData) error {
	fields := map[string]string{
		"base.image":             d.Image,
		"system.runtime.package": d.RuntimePackage,
		"bootstrap.install":      d.Bootstrap,
		"source.workdir":         d.Workdir,
		"dependencies.install":   d.Install,
		"frontend.dir":           d.FrontendDir,
		"frontend.install":       d.FrontendInstall,
		"frontend.build":         d.FrontendBuild,
		"system.packages":        strings.Join(d.Packages, " "),
	}
	for i, src := range d.Sources {
		fields[fmt.Sprintf("system.sources[%d].setup", i)] = src.Setup
	}
	for field, value := range fields {
		if strings.ContainsAny(value, "\r\n") {
			return fmt.Errorf("%s must be a single line", field)
		}
	}
	return nil
}
