// Package fsutil provides the filesystem primitives the storage layer is
// built on: atomic stream-to-file, tar.gz extraction, hardlink-aware tree
// copies using rsync-style quick-check, and atomic symlink replacement.
package fsutil

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/klauspost/pgzip"
)

// Save streams r into dst atomically: the bytes land in a temp file in dst's
// directory and are renamed into place on success.
func Save(r io.Reader, dst string) error {
	t, err := renameio.TempFile("", dst)
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", dst, err)
	}
	defer t.Cleanup() //nolint:errcheck // no-op after CloseAtomicallyReplace

	if _, err := io.Copy(t, r); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace %s: %w", dst, err)
	}
	return nil
}

// SymlinkReplace points path at target, atomically replacing any existing
// symlink. Readers never observe a missing or half-written link.
func SymlinkReplace(target, path string) error {
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSymlink == 0 {
		return fmt.Errorf("%s exists and is not a symlink", path)
	}
	if err := renameio.Symlink(target, path); err != nil {
		return fmt.Errorf("symlink %s -> %s: %w", path, target, err)
	}
	return nil
}

// ExtractTarGz unpacks the gzipped tar at src into dir, preserving file
// modes, mtimes, symlinks and hardlinks. Member paths escaping dir are
// rejected.
func ExtractTarGz(src, dir string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("gunzip %s: %w", src, err)
	}
	defer gz.Close()

	return ExtractTar(gz, dir)
}

// ExtractTar unpacks an uncompressed tar stream into dir with the same
// semantics as ExtractTarGz. Existing symlinks at member paths are replaced.
func ExtractTar(r io.Reader, dir string) error {
	tr := tar.NewReader(r)
	var dirTimes []dirTime
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		path, err := securePath(dir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, fs.FileMode(hdr.Mode)&fs.ModePerm); err != nil {
				return fmt.Errorf("mkdir %s: %w", path, err)
			}
			dirTimes = append(dirTimes, dirTime{path, hdr.ModTime})
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
			}
			out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(hdr.Mode)&fs.ModePerm)
			if err != nil {
				return fmt.Errorf("create %s: %w", path, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("write %s: %w", path, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("close %s: %w", path, err)
			}
			if err := os.Chtimes(path, hdr.ModTime, hdr.ModTime); err != nil {
				return fmt.Errorf("chtimes %s: %w", path, err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
			}
			if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSymlink != 0 {
				if err := os.Remove(path); err != nil {
					return fmt.Errorf("replace symlink %s: %w", path, err)
				}
			}
			if err := os.Symlink(hdr.Linkname, path); err != nil {
				return fmt.Errorf("symlink %s: %w", path, err)
			}
		case tar.TypeLink:
			linkTarget, err := securePath(dir, hdr.Linkname)
			if err != nil {
				return err
			}
			if err := os.Link(linkTarget, path); err != nil {
				return fmt.Errorf("hardlink %s: %w", path, err)
			}
		default:
			// Fifos, devices etc. never appear in build artifacts.
			return fmt.Errorf("unsupported tar entry %q (type %d)", hdr.Name, hdr.Typeflag)
		}
	}

	// Directory mtimes last, children first.
	for i := len(dirTimes) - 1; i >= 0; i-- {
		dt := dirTimes[i]
		if err := os.Chtimes(dt.path, dt.modTime, dt.modTime); err != nil {
			return fmt.Errorf("chtimes %s: %w", dt.path, err)
		}
	}
	return nil
}

type dirTime struct {
	path    string
	modTime time.Time
}

// securePath joins name under dir, rejecting absolute names and escapes.
func securePath(dir, name string) (string, error) {
	cleaned := filepath.Clean(name)
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("tar entry escapes extraction root: %q", name)
	}
	return filepath.Join(dir, cleaned), nil
}

// QuickCheck reports whether two files would be considered unchanged by
// rsync's quick-check: both regular, same size, same mtime.
func QuickCheck(a, b os.FileInfo) bool {
	if a == nil || b == nil {
		return false
	}
	if !a.Mode().IsRegular() || !b.Mode().IsRegular() {
		return false
	}
	return a.Size() == b.Size() && a.ModTime().Equal(b.ModTime())
}

// CopyTree copies the tree at src to dst. When link is non-empty, each regular
// file whose sibling under link passes QuickCheck is hardlinked from there
// instead of copied, deduplicating unchanged content across builds. Symlinks
// are reproduced as symlinks.
func CopyTree(src, dst, link string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			if err := os.MkdirAll(target, info.Mode()&fs.ModePerm); err != nil {
				return fmt.Errorf("mkdir %s: %w", target, err)
			}
			return nil
		case info.Mode()&os.ModeSymlink != 0:
			dest, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", path, err)
			}
			if err := os.Symlink(dest, target); err != nil {
				return fmt.Errorf("symlink %s: %w", target, err)
			}
			return nil
		}

		if link != "" {
			sibling := filepath.Join(link, rel)
			if si, err := os.Lstat(sibling); err == nil && QuickCheck(info, si) {
				if err := os.Link(sibling, target); err == nil {
					return nil
				}
				// Cross-device or permission failure: fall through to a copy.
			}
		}
		return copyFile(path, target, info)
	})
}

func copyFile(src, dst string, info os.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode()&fs.ModePerm)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return fmt.Errorf("chtimes %s: %w", dst, err)
	}
	return nil
}
