package source

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

// TreeDigest returns a content digest of the tree rooted at dir.
// It covers relative paths, file types, permission bits and contents,
// so two copies of the same tree share a digest wherever they live.
func TreeDigest(dir string) (digest.Digest, error) {
	digester := digest.Canonical.Digester()
	h := digester.Hash()

	// WalkDir visits entries in lexical order, which keeps the digest stable.
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			_, err = fmt.Fprintf(h, "d %s\x00", rel)
			return err
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(h, "l %s %s\x00", rel, link)
			return err
		case info.Mode().IsRegular():
			if _, err := fmt.Fprintf(h, "f %s %o %d\x00", rel, info.Mode().Perm(), info.Size()); err != nil {
				return err
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(h, f)
			return err
		default:
			return nil
		}
	})
	if err != nil {
		return "", fmt.Errorf("digest %q: %w", dir, err)
	}
	return digester.Digest(), nil
}
