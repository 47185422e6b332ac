package pipeline

import (
	"maps"
	"sort"

	"github.com/opencontainers/go-digest"

	"github.com/codex-k8s/stagehand/internal/env"
)

// ArtifactKind names something a stage leaves behind for later stages.
type ArtifactKind string

const (
	ArtifactBaseEnv        ArtifactKind = "base-env"
	ArtifactSystemRuntime  ArtifactKind = "system-runtime"
	ArtifactPackageManager ArtifactKind = "package-manager"
	ArtifactSourceTree     ArtifactKind = "source-tree"
	ArtifactLock           ArtifactKind = "lock"
	ArtifactDependencies   ArtifactKind = "dependencies"
	ArtifactFrontendBundle ArtifactKind = "frontend-bundle"
	ArtifactProcess        ArtifactKind = "process"
)

// Artifact is one entry of the build manifest.
type Artifact struct {
	Kind   ArtifactKind
	Path   string
	Digest digest.Digest
	Meta   map[string]string
}

// BuildContext is the explicit state handed from one stage to the next.
//
// A context is a value: every With method returns a copy and leaves the
// receiver untouched, so a stage can only affect later stages through the
// context it returns.
type BuildContext struct {
	root      string
	workdir   string
	env       env.Vars
	artifacts map[ArtifactKind]Artifact
}

// NewContext returns the context the first stage receives.
func NewContext(root, workdir string, base env.Vars) BuildContext {
	return BuildContext{
		root:      root,
		workdir:   workdir,
		env:       base.Clone(),
		artifacts: map[ArtifactKind]Artifact{},
	}
}

// Root is the source tree the build reads from.
func (c BuildContext) Root() string { return c.root }

// Workdir is the directory the stages operate in.
func (c BuildContext) Workdir() string { return c.workdir }

// Env returns a copy of the accumulated environment.
func (c BuildContext) Env() env.Vars { return c.env.Clone() }

// Environ renders the environment as KEY=VALUE pairs.
func (c BuildContext) Environ() []string { return c.env.Environ() }

// Artifact looks up an artifact by kind.
func (c BuildContext) Artifact(kind ArtifactKind) (Artifact, bool) {
	a, ok := c.artifacts[kind]
	if ok {
		a.Meta = maps.Clone(a.Meta)
	}
	return a, ok
}

// Has reports whether an artifact of the given kind was produced.
func (c BuildContext) Has(kind ArtifactKind) bool {
	_, ok := c.artifacts[kind]
	return ok
}

// Artifacts lists the manifest sorted by kind.
func (c BuildContext) Artifacts() []Artifact {
	out := make([]Artifact, 0, len(c.artifacts))
	for _, a := range c.artifacts {
		a.Meta = maps.Clone(a.Meta)
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// WithWorkdir returns a copy operating in dir.
func (c BuildContext) WithWorkdir(dir string) BuildContext {
	next := c.clone()
	next.workdir = dir
	return next
}

// WithEnv returns a copy with key set to value.
func (c BuildContext) WithEnv(key, value string) BuildContext {
	next := c.clone()
	next.env[key] = value
	return next
}

// WithArtifact returns a copy whose manifest records a.
func (c BuildContext) WithArtifact(a Artifact) BuildContext {
	next := c.clone()
	a.Meta = maps.Clone(a.Meta)
	next.artifacts[a.Kind] = a
	return next
}

func (c BuildContext) clone() BuildContext {
	next := BuildContext{
		root:      c.root,
		workdir:   c.workdir,
		env:       c.env.Clone(),
		artifacts: maps.Clone(c.artifacts),
	}
	if next.env == nil {
		next.env = env.Vars{}
	}
	if next.artifacts == nil {
		next.artifacts = map[ArtifactKind]Artifact{}
	}
	return next
}
