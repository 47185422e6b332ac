package lockfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"

	"github.com/opencontainers/go-digest"
	toml "github.com/pelletier/go-toml/v2"
)

// pyproject holds the fields of pyproject.toml that declare dependencies.
type pyproject struct {
	Project struct {
		Name                 string              `toml:"name"`
		Dependencies         []string            `toml:"dependencies"`
		OptionalDependencies map[string][]string `toml:"optional-dependencies"`
	} `toml:"project"`
	DependencyGroups map[string][]any `toml:"dependency-groups"`
	Tool             struct {
		UV struct {
			// DevDependencies is the legacy spelling of the "dev" group.
			DevDependencies []string `toml:"dev-dependencies"`
		} `toml:"uv"`
	} `toml:"tool"`
}

// devGroup is the group uv records tool.uv.dev-dependencies under.
const devGroup = "dev"

var extraMarker = regexp.MustCompile(`extra\s*==\s*['"]([^'"]+)['"]`)

// uvLock holds the parts of uv.lock needed to verify and summarize it.
type uvLock struct {
	Version  int         `toml:"version"`
	Packages []uvPackage `toml:"package"`
}

type uvPackage struct {
	Name     string         `toml:"name"`
	Version  string         `toml:"version"`
	Source   map[string]any `toml:"source"`
	Metadata *uvMetadata    `toml:"metadata"`
}

type uvMetadata struct {
	RequiresDist []uvRequirement            `toml:"requires-dist"`
	RequiresDev  map[string][]uvRequirement `toml:"requires-dev"`
}

type uvRequirement struct {
	Name      string   `toml:"name"`
	Extras    []string `toml:"extras"`
	Specifier string   `toml:"specifier"`
	URL       string   `toml:"url"`
	Git       string   `toml:"git"`
	Path      string   `toml:"path"`
	Editable  string   `toml:"editable"`
	Marker    string   `toml:"marker"`
}

func (r uvRequirement) requirement() Requirement {
	req := Requirement{
		Name:      NormalizeName(r.Name),
		Extras:    normalizeExtras(r.Extras),
		Specifier: normalizeSpecifier(r.Specifier),
	}
	for _, direct := range []string{r.URL, r.Git, r.Path, r.Editable} {
		if direct != "" {
			req.URL = direct
			break
		}
	}
	return req
}

// key indexes a requires-dist entry; entries gated on an extra are keyed like
// [project.optional-dependencies].
func (r uvRequirement) key(req Requirement) string {
	if m := extraMarker.FindStringSubmatch(r.Marker); m != nil {
		return extraKey(m[1], req.Name)
	}
	return req.Name
}

func extraKey(extra, name string) string {
	return "extra:" + NormalizeName(extra) + ":" + name
}

// VerifyPython checks that the uv lock at lockPath records exactly the dependencies
// declared in the pyproject manifest at manifestPath, and returns the locked set.
func VerifyPython(manifestPath, lockPath string) (*Lock, error) {
	manifestRaw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest %q: %w", manifestPath, err)
	}
	var manifest pyproject
	if err := toml.Unmarshal(manifestRaw, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest %q: %w", manifestPath, err)
	}

	lockRaw, err := os.ReadFile(lockPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrLockMissing, lockPath)
	}
	if err != nil {
		return nil, fmt.Errorf("read lock %q: %w", lockPath, err)
	}
	var lock uvLock
	if err := toml.Unmarshal(lockRaw, &lock); err != nil {
		return nil, fmt.Errorf("parse lock %q: %w", lockPath, err)
	}

	declared, err := declaredPython(manifest)
	if err != nil {
		return nil, fmt.Errorf("manifest %q: %w", manifestPath, err)
	}

	root := findRootPackage(lock, manifest.Project.Name)
	locked := make(map[string]string)
	if root != nil && root.Metadata != nil {
		for _, r := range root.Metadata.RequiresDist {
			req := r.requirement()
			locked[r.key(req)] = req.Constraint()
		}
		for group, reqs := range root.Metadata.RequiresDev {
			for _, r := range reqs {
				req := r.requirement()
				locked[group+":"+req.Name] = req.Constraint()
			}
		}
	} else if len(declared) > 0 {
		return nil, &MismatchError{Manifest: manifestPath, Lock: lockPath, Missing: sortedKeys(declared)}
	}

	if err := compare(manifestPath, lockPath, declared, locked); err != nil {
		return nil, err
	}

	result := &Lock{Path: lockPath, Digest: digest.FromBytes(lockRaw)}
	for _, p := range lock.Packages {
		if root != nil && p.Name == root.Name {
			continue
		}
		result.Packages = append(result.Packages, Package{Name: NormalizeName(p.Name), Version: p.Version})
	}
	sortPackages(result.Packages)
	return result, nil
}

// declaredPython collects project dependencies and dependency groups keyed like the lock.
func declaredPython(manifest pyproject) (map[string]string, error) {
	declared := make(map[string]string)
	for _, raw := range manifest.Project.Dependencies {
		req, err := ParseRequirement(raw)
		if err != nil {
			return nil, err
		}
		declared[req.Name] = req.Constraint()
	}
	for extra, entries := range manifest.Project.OptionalDependencies {
		for _, raw := range entries {
			req, err := ParseRequirement(raw)
			if err != nil {
				return nil, err
			}
			declared[extraKey(extra, req.Name)] = req.Constraint()
		}
	}
	for _, raw := range manifest.Tool.UV.DevDependencies {
		req, err := ParseRequirement(raw)
		if err != nil {
			return nil, err
		}
		declared[devGroup+":"+req.Name] = req.Constraint()
	}
	for group, entries := range manifest.DependencyGroups {
		for _, entry := range entries {
			raw, ok := entry.(string)
			if !ok {
				// {include-group = "..."} tables are expanded by uv itself.
				continue
			}
			req, err := ParseRequirement(raw)
			if err != nil {
				return nil, err
			}
			declared[NormalizeName(group)+":"+req.Name] = req.Constraint()
		}
	}
	return declared, nil
}

// findRootPackage returns the lock entry of the project itself.
func findRootPackage(lock uvLock, project string) *uvPackage {
	name := NormalizeName(project)
	for i := range lock.Packages {
		p := &lock.Packages[i]
		if name != "" && NormalizeName(p.Name) == name {
			return p
		}
	}
	for i := range lock.Packages {
		p := &lock.Packages[i]
		for _, kind := range []string{"virtual", "editable"} {
			if v, ok := p.Source[kind].(string); ok && v == "." {
				return p
			}
		}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
