package fsutil

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeTarGz(t *testing.T, entries map[string]string, modTime time.Time) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range entries {
		if strings.HasSuffix(name, "/") {
			require.NoError(t, tw.WriteHeader(&tar.Header{
				Name: name, Typeflag: tar.TypeDir, Mode: 0o755, ModTime: modTime,
			}))
			continue
		}
		if target, ok := strings.CutPrefix(content, "symlink:"); ok {
			require.NoError(t, tw.WriteHeader(&tar.Header{
				Name: name, Typeflag: tar.TypeSymlink, Linkname: target, Mode: 0o777, ModTime: modTime,
			}))
			continue
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(content)), ModTime: modTime,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	path := filepath.Join(t.TempDir(), "build.tar.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestSave(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "artifact.tar.gz")
	require.NoError(t, Save(strings.NewReader("payload"), dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(dst))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestExtractTarGz(t *testing.T) {
	modTime := time.Unix(1700000000, 0)
	src := writeTarGz(t, map[string]string{
		"repos/":               "",
		"repos/gentoo/file":    "hello",
		"binpkgs/Packages":     "index",
		"etc-portage/make.cfg": "cfg",
		"repos/link":           "symlink:gentoo/file",
	}, modTime)

	dir := t.TempDir()
	require.NoError(t, ExtractTarGz(src, dir))

	data, err := os.ReadFile(filepath.Join(dir, "repos", "gentoo", "file"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	fi, err := os.Lstat(filepath.Join(dir, "repos", "gentoo", "file"))
	require.NoError(t, err)
	require.True(t, fi.ModTime().Equal(modTime))

	li, err := os.Lstat(filepath.Join(dir, "repos", "link"))
	require.NoError(t, err)
	require.NotZero(t, li.Mode()&os.ModeSymlink)
	target, err := os.Readlink(filepath.Join(dir, "repos", "link"))
	require.NoError(t, err)
	require.Equal(t, "gentoo/file", target)
}

func TestExtractTarGz_RejectsEscape(t *testing.T) {
	src := writeTarGz(t, map[string]string{"../evil": "boom"}, time.Now())
	err := ExtractTarGz(src, t.TempDir())
	require.ErrorContains(t, err, "escapes")
}

func TestSymlinkReplace(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "machine")

	require.NoError(t, SymlinkReplace("machine.1", link))
	target, err := os.Readlink(link)
	require.NoError(t, err)
	require.Equal(t, "machine.1", target)

	// Replacing an existing link is atomic and allowed.
	require.NoError(t, SymlinkReplace("machine.2", link))
	target, err = os.Readlink(link)
	require.NoError(t, err)
	require.Equal(t, "machine.2", target)
}

func TestSymlinkReplace_RefusesNonSymlink(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "machine")
	require.NoError(t, os.Mkdir(path, 0o755))
	require.Error(t, SymlinkReplace("machine.1", path))
}

func TestCopyTree_QuickCheckHardlink(t *testing.T) {
	modTime := time.Unix(1700000000, 0)
	prev := t.TempDir()
	next := t.TempDir()
	dst := t.TempDir()

	// Same bytes + same mtime in prev and next => hardlinked.
	writeFile(t, filepath.Join(prev, "pkg", "foo-1.gpkg.tar"), "foo", modTime)
	writeFile(t, filepath.Join(next, "pkg", "foo-1.gpkg.tar"), "foo", modTime)
	// Different mtime => copied.
	writeFile(t, filepath.Join(prev, "pkg", "bar-1.gpkg.tar"), "bar", modTime)
	writeFile(t, filepath.Join(next, "pkg", "bar-1.gpkg.tar"), "bar", modTime.Add(time.Hour))

	require.NoError(t, CopyTree(next, dst, prev))

	require.Equal(t, inode(t, filepath.Join(prev, "pkg", "foo-1.gpkg.tar")),
		inode(t, filepath.Join(dst, "pkg", "foo-1.gpkg.tar")))
	require.NotEqual(t, inode(t, filepath.Join(prev, "pkg", "bar-1.gpkg.tar")),
		inode(t, filepath.Join(dst, "pkg", "bar-1.gpkg.tar")))
}

func TestCopyTree_PreservesSymlinks(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "file"), "data", time.Now())
	require.NoError(t, os.Symlink("file", filepath.Join(src, "alias")))

	require.NoError(t, CopyTree(src, dst, ""))

	target, err := os.Readlink(filepath.Join(dst, "alias"))
	require.NoError(t, err)
	require.Equal(t, "file", target)
}

func writeFile(t *testing.T, path, content string, modTime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, modTime, modTime))
}

func inode(t *testing.T, path string) uint64 {
	t.Helper()
	fi, err := os.Stat(path)
	require.NoError(t, err)
	st, ok := fi.Sys().(*syscall.Stat_t)
	require.True(t, ok)
	return st.Ino
}
