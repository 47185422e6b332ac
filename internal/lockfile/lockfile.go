// Package lockfile compares dependency manifests against their lock artifacts.
//
// A frozen install must fail rather than re-resolve when the declared
// dependencies and the lock disagree. This package performs that comparison
// natively, before any package manager runs, and reports every difference in
// a single MismatchError. It also extracts the exact locked package set so
// successive builds can be compared for drift.
package lockfile

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
)

var (
	// ErrLockMissing is returned when the lock artifact does not exist.
	ErrLockMissing = errors.New("lock artifact missing")
	// ErrMismatch is returned when the manifest and the lock disagree.
	ErrMismatch = errors.New("lock does not match manifest")
)

// Package is one exactly pinned entry of a lock.
type Package struct {
	Name    string
	Version string
}

// Lock summarizes a verified lock artifact.
type Lock struct {
	// Path is the lock file on disk.
	Path string
	// Digest is the content digest of the lock bytes.
	Digest digest.Digest
	// Packages is the locked set, sorted by name then version.
	Packages []Package
}

// Change describes a dependency declared in both files with different constraints.
type Change struct {
	Name     string
	Manifest string
	Lock     string
}

// MismatchError lists every disagreement between a manifest and its lock.
type MismatchError struct {
	Manifest string
	Lock     string
	// Missing are declared in the manifest but absent from the lock.
	Missing []string
	// Extra are recorded in the lock but no longer declared.
	Extra []string
	// Changed are present in both with different constraints.
	Changed []Change
}

func (e *MismatchError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "not locked: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Extra) > 0 {
		parts = append(parts, "no longer declared: "+strings.Join(e.Extra, ", "))
	}
	for _, c := range e.Changed {
		parts = append(parts, fmt.Sprintf("%s declared %q but locked %q", c.Name, c.Manifest, c.Lock))
	}
	return fmt.Sprintf("%s and %s disagree: %s", e.Manifest, e.Lock, strings.Join(parts, "; "))
}

// Unwrap lets errors.Is match ErrMismatch.
func (e *MismatchError) Unwrap() error { return ErrMismatch }

// IsMismatch reports whether err carries a MismatchError.
func IsMismatch(err error) bool {
	var target *MismatchError
	return errors.As(err, &target)
}

// compare diffs two name -> constraint maps and returns nil when they agree.
func compare(manifestPath, lockPath string, declared, locked map[string]string) error {
	mismatch := &MismatchError{Manifest: manifestPath, Lock: lockPath}

	for name, want := range declared {
		got, ok := locked[name]
		switch {
		case !ok:
			mismatch.Missing = append(mismatch.Missing, name)
		case got != want:
			mismatch.Changed = append(mismatch.Changed, Change{Name: name, Manifest: want, Lock: got})
		}
	}
	for name := range locked {
		if _, ok := declared[name]; !ok {
			mismatch.Extra = append(mismatch.Extra, name)
		}
	}

	if len(mismatch.Missing) == 0 && len(mismatch.Extra) == 0 && len(mismatch.Changed) == 0 {
		return nil
	}
	sort.Strings(mismatch.Missing)
	sort.Strings(mismatch.Extra)
	sort.Slice(mismatch.Changed, func(i, j int) bool { return mismatch.Changed[i].Name < mismatch.Changed[j].Name })
	return mismatch
}

func sortPackages(pkgs []Package) {
	sort.Slice(pkgs, func(i, j int) bool {
		if pkgs[i].Name != pkgs[j].Name {
			return pkgs[i].Name < pkgs[j].Name
		}
		return pkgs[i].Version < pkgs[j].Version
	})
}

// DriftReport describes how two locked package sets differ.
type DriftReport struct {
	Added   []Package
	Removed []Package
	Changed []Change
}

// Empty reports whether the two sets were identical.
func (d DriftReport) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Diff compares the package set of an earlier build with a later one.
// Changed entries carry the earlier version in Manifest and the later one in Lock.
func Diff(before, after []Package) DriftReport {
	index := func(pkgs []Package) map[string]string {
		m := make(map[string]string, len(pkgs))
		for _, p := range pkgs {
			m[p.Name] = p.Version
		}
		return m
	}
	prev, next := index(before), index(after)

	var report DriftReport
	for name, version := range next {
		old, ok := prev[name]
		switch {
		case !ok:
			report.Added = append(report.Added, Package{Name: name, Version: version})
		case old != version:
			report.Changed = append(report.Changed, Change{Name: name, Manifest: old, Lock: version})
		}
	}
	for name, version := range prev {
		if _, ok := next[name]; !ok {
			report.Removed = append(report.Removed, Package{Name: name, Version: version})
		}
	}
	sortPackages(report.Added)
	sortPackages(report.Removed)
	sort.Slice(report.Changed, func(i, j int) bool { return report.Changed[i].Name < report.Changed[j].Name })
	return report
}
