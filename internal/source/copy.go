// Package source materializes a project tree into a build workspace.
package source

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Sync copies every file under source into target. Nothing is filtered.
// rsync is used when it is on PATH, a plain recursive copy otherwise.
func Sync(ctx context.Context, source, target string, out io.Writer) error {
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("create target dir %q: %w", target, err)
	}

	// rsync copies directory contents only with a trailing slash.
	src := withSlash(source)
	tgt := withSlash(target)

	if _, err := exec.LookPath("rsync"); err == nil {
		cmd := exec.CommandContext(ctx, "rsync", "-a", "--delete", "--no-owner", "--no-group", src, tgt)
		cmd.Stdout = out
		cmd.Stderr = out
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("rsync sources: %w", err)
		}
		return nil
	}

	return CopyDir(ctx, source, target)
}

// CopyDir recursively copies src into dst keeping file modes and symlinks.
func CopyDir(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			// sockets, devices and pipes have no content to materialize
			return nil
		}
	})
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %q: %w", src, err)
	}
	return out.Close()
}

func withSlash(p string) string {
	if strings.HasSuffix(p, string(os.PathSeparator)) {
		return p
	}
	return p + string(os.PathSeparator)
}
