package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
)

const (
	// NodeManifest is the frontend dependency manifest.
	NodeManifest = "package.json"
	// NodeLock is the frontend lock artifact consumed by npm ci.
	NodeLock = "package-lock.json"
)

type packageJSON struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

type packageLock struct {
	LockfileVersion int                     `json:"lockfileVersion"`
	Packages        map[string]lockedModule `json:"packages"`
}

type lockedModule struct {
	Version         string            `json:"version"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// HasNodeLock reports whether dir carries a package-lock.json.
func HasNodeLock(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, NodeLock))
	return err == nil
}

// VerifyNode checks package.json in dir against package-lock.json.
// It returns nil, nil when the directory has no lock; npm install resolves then.
func VerifyNode(dir string) (*Lock, error) {
	manifestPath := filepath.Join(dir, NodeManifest)
	lockPath := filepath.Join(dir, NodeLock)

	lockRaw, err := os.ReadFile(lockPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock %q: %w", lockPath, err)
	}
	manifestRaw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest %q: %w", manifestPath, err)
	}

	var manifest packageJSON
	if err := json.Unmarshal(manifestRaw, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest %q: %w", manifestPath, err)
	}
	var lock packageLock
	if err := json.Unmarshal(lockRaw, &lock); err != nil {
		return nil, fmt.Errorf("parse lock %q: %w", lockPath, err)
	}

	result := &Lock{Path: lockPath, Digest: digest.FromBytes(lockRaw)}
	root, ok := lock.Packages[""]
	if !ok {
		// lockfileVersion 1 has no root entry to compare against.
		return result, nil
	}

	declared := mergeRanges(manifest.Dependencies, manifest.DevDependencies)
	locked := mergeRanges(root.Dependencies, root.DevDependencies)
	if err := compare(manifestPath, lockPath, declared, locked); err != nil {
		return nil, err
	}

	for key, mod := range lock.Packages {
		name, ok := strings.CutPrefix(key, "node_modules/")
		if !ok || strings.Contains(name, "/node_modules/") {
			continue
		}
		result.Packages = append(result.Packages, Package{Name: name, Version: mod.Version})
	}
	sortPackages(result.Packages)
	return result, nil
}

func mergeRanges(deps, dev map[string]string) map[string]string {
	out := make(map[string]string, len(deps)+len(dev))
	for name, rng := range deps {
		out[name] = strings.TrimSpace(rng)
	}
	for name, rng := range dev {
		out["dev:"+name] = strings.TrimSpace(rng)
	}
	return out
}
