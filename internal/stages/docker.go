package stages

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path"
	"path/filepath"
	"strconv"

	"github.com/codex-k8s/stagehand/internal/docker"
	"github.com/codex-k8s/stagehand/internal/launch"
	"github.com/codex-k8s/stagehand/internal/lockfile"
	"github.com/codex-k8s/stagehand/internal/pipeline"
	"github.com/codex-k8s/stagehand/internal/source"
)

// Image labels stagehand sets on every image it builds.
const (
	LabelProject      = "org.opencontainers.image.title"
	LabelSourceDigest = "dev.stagehand.source-digest"
	LabelLockDigest   = "dev.stagehand.lock-digest"
)

// DockerOptions configures the docker driver stages.
type DockerOptions struct {
	Client *docker.Client
	// Dockerfile is the rendered build recipe.
	Dockerfile []byte
	Tag        string
	// Pull refreshes the base image before building.
	Pull    bool
	NoCache bool
	Labels  map[string]string
	// Run starts the built image in the foreground.
	Run bool
	// Env is passed to the container on run.
	Env map[string]string
}

// Docker returns the docker driver stages: base, image and optionally launch.
// The image stage covers system through frontend in a single docker build.
func Docker(d Deps, opts DockerOptions) []pipeline.Stage {
	list := []pipeline.Stage{
		&dockerBase{spec: spec{Base, nil, kinds(pipeline.ArtifactBaseEnv)}, deps: d, opts: opts},
		&dockerImage{
			spec: spec{Image,
				kinds(pipeline.ArtifactBaseEnv),
				kinds(pipeline.ArtifactSystemRuntime, pipeline.ArtifactPackageManager, pipeline.ArtifactSourceTree,
					pipeline.ArtifactLock, pipeline.ArtifactDependencies, pipeline.ArtifactFrontendBundle)},
			deps: d,
			opts: opts,
		},
	}
	if opts.Run {
		list = append(list, &dockerLaunch{
			spec: spec{Launch,
				kinds(pipeline.ArtifactDependencies, pipeline.ArtifactFrontendBundle),
				kinds(pipeline.ArtifactProcess)},
			deps: d,
			opts: opts,
		})
	}
	return list
}

type dockerBase struct {
	spec
	deps Deps
	opts DockerOptions
}

// Run makes sure docker is usable and the base image is present, pulling it when asked.
func (s *dockerBase) Run(ctx context.Context, bc pipeline.BuildContext) (pipeline.BuildContext, error) {
	image := s.deps.Recipe.Base.Image
	if err := s.opts.Client.Available(); err != nil {
		return bc, pipeline.Fail(pipeline.ErrBaseUnavailable, err)
	}
	if s.opts.Pull {
		if err := s.opts.Client.Pull(ctx, image); err != nil {
			return bc, pipeline.Fail(pipeline.ErrBaseUnavailable, err)
		}
	} else if err := s.opts.Client.Inspect(ctx, image); err != nil {
		return bc, pipeline.Fail(pipeline.ErrBaseUnavailable, fmt.Errorf("base image %s not present locally: %w", image, err))
	}
	return bc.WithArtifact(pipeline.Artifact{
		Kind: pipeline.ArtifactBaseEnv,
		Path: image,
		Meta: map[string]string{"image": image},
	}), nil
}

type dockerImage struct {
	spec
	deps Deps
	opts DockerOptions
}

// Run checks the locks in the project tree and builds the image from it.
func (s *dockerImage) Run(ctx context.Context, bc pipeline.BuildContext) (pipeline.BuildContext, error) {
	r := s.deps.Recipe
	root := bc.Root()

	dgst, err := source.TreeDigest(root)
	if err != nil {
		return bc, pipeline.Fail(pipeline.ErrSource, err)
	}

	pyLock, err := lockfile.VerifyPython(
		filepath.Join(root, filepath.FromSlash(r.Dependencies.Manifest)),
		filepath.Join(root, filepath.FromSlash(r.Dependencies.Lock)),
	)
	if err != nil {
		if errors.Is(err, lockfile.ErrMismatch) || errors.Is(err, lockfile.ErrLockMissing) {
			return bc, pipeline.Fail(pipeline.ErrLockMismatch, err)
		}
		return bc, pipeline.Fail(pipeline.ErrDependencies, err)
	}
	s.deps.lockVerified(ctx, EcosystemPython, pyLock)

	nodeLock, err := lockfile.VerifyNode(filepath.Join(root, filepath.FromSlash(r.Frontend.Dir)))
	if err != nil {
		return bc, pipeline.Fail(pipeline.ErrFrontendBuild, err)
	}
	s.deps.lockVerified(ctx, EcosystemNode, nodeLock)

	labels := map[string]string{
		LabelProject:      r.Project,
		LabelSourceDigest: dgst.String(),
		LabelLockDigest:   pyLock.Digest.String(),
	}
	maps.Copy(labels, s.opts.Labels)

	err = s.opts.Client.Build(ctx, docker.BuildOptions{
		ContextDir: root,
		Dockerfile: s.opts.Dockerfile,
		Tag:        s.opts.Tag,
		Labels:     labels,
		NoCache:    s.opts.NoCache,
	})
	if err != nil {
		return bc, pipeline.Fail(pipeline.ErrImageBuild, err)
	}
	s.deps.logger().Info("image built", "tag", s.opts.Tag, "source", dgst.String())

	workdir := bc.Workdir()
	inImage := func(rel ...string) string { return path.Join(append([]string{workdir}, rel...)...) }
	return bc.
		WithArtifact(pipeline.Artifact{Kind: pipeline.ArtifactSystemRuntime, Path: r.System.Runtime.Binary, Meta: map[string]string{"package": r.System.Runtime.Package}}).
		WithArtifact(pipeline.Artifact{Kind: pipeline.ArtifactPackageManager, Path: r.Bootstrap.Tool, Meta: map[string]string{"tool": r.Bootstrap.Tool}}).
		WithArtifact(pipeline.Artifact{Kind: pipeline.ArtifactSourceTree, Path: workdir, Digest: dgst}).
		WithArtifact(pipeline.Artifact{
			Kind:   pipeline.ArtifactLock,
			Path:   inImage(r.Dependencies.Lock),
			Digest: pyLock.Digest,
			Meta:   map[string]string{"packages": strconv.Itoa(len(pyLock.Packages))},
		}).
		WithArtifact(pipeline.Artifact{Kind: pipeline.ArtifactDependencies, Path: inImage(".venv"), Meta: map[string]string{"image": s.opts.Tag}}).
		WithArtifact(pipeline.Artifact{Kind: pipeline.ArtifactFrontendBundle, Path: inImage(r.Frontend.Dir, r.Frontend.Output)}), nil
}

type dockerLaunch struct {
	spec
	deps Deps
	opts DockerOptions
}

// Run starts the image in the foreground with the port published.
func (s *dockerLaunch) Run(ctx context.Context, bc pipeline.BuildContext) (pipeline.BuildContext, error) {
	port := s.deps.Port
	argv := s.opts.Client.RunCommand(docker.RunOptions{
		Image:   s.opts.Tag,
		Name:    s.deps.Recipe.Project,
		PortVar: port.Var,
		Port:    port.Value,
		Env:     s.opts.Env,
	})
	s.deps.logger().Info("starting container", "image", s.opts.Tag, "port", port.String())
	if err := s.deps.Launcher.Launch(ctx, launch.Spec{Command: argv, Dir: bc.Root()}); err != nil {
		return bc, pipeline.Fail(pipeline.ErrLaunch, err)
	}
	return bc.WithArtifact(pipeline.Artifact{
		Kind: pipeline.ArtifactProcess,
		Path: s.opts.Tag,
		Meta: map[string]string{"port": port.String()},
	}), nil
}
