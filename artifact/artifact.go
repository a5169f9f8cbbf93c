// Package artifact names and writes content-addressed files. Artifacts
// are laid out two levels deep under their base directory, keyed by the
// sha256 digest of their content, so that a single directory never grows
// unboundedly large.
package artifact

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const digestPrefix = "sha256:"

func splitDigest(digest string) (subdir, filename string, err error) {
	if !strings.HasPrefix(digest, digestPrefix) || len(digest) < len(digestPrefix)+3 {
		return "", "", fmt.Errorf("unsupported digest %q", digest)
	}
	hex := digest[len(digestPrefix):]
	return hex[:2], hex[2:], nil
}

// PathForDigest returns the storage path for a digest-named artifact,
// optionally creating the intermediate subdirectory.
func PathForDigest(baseDir, digest, ext string, createSubdir bool) (string, error) {
	subdir, filename, err := splitDigest(digest)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(baseDir, subdir)
	if createSubdir {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("creating artifact subdir: %w", err)
		}
	}
	return filepath.Join(dir, filename+ext), nil
}

// URIForDigest returns the public URI for a digest-named artifact under
// the configured URI prefix.
func URIForDigest(baseURI, digest, ext string) (string, error) {
	subdir, filename, err := splitDigest(digest)
	if err != nil {
		return "", err
	}
	return url.JoinPath(baseURI, subdir, filename+ext)
}

// WriteAtomic writes data to path through a temporary file in the same
// directory and renames it into place, so concurrent readers never see a
// partially written artifact.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}

// RenameAtomic moves an already written file into its final
// digest-derived location with artifact permissions.
func RenameAtomic(src, dst string) error {
	if err := os.Chmod(src, 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", src, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("renaming into %s: %w", dst, err)
	}
	return nil
}
