// Package testutil builds in-memory CI artifacts and package indexes for
// tests. It lives outside the _test files so every package's tests can share
// the same fixtures.
package testutil

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"
	"time"

	"git.home.luguber.info/inful/gbp/internal/types"
)

// FileSpec is one regular file inside a generated artifact.
type FileSpec struct {
	Name    string // path relative to the artifact root
	Content string
	ModTime time.Time
}

// PackagesIndex renders a binhost Packages index: a preamble section followed
// by one section per package, sections separated by blank lines.
func PackagesIndex(packages []types.Package) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ARCH: amd64\nPACKAGES: %d\nTIMESTAMP: %d\n", len(packages), time.Now().Unix())
	for _, p := range packages {
		sb.WriteString("\n")
		fmt.Fprintf(&sb, "CPV: %s\n", p.CPV)
		fmt.Fprintf(&sb, "REPO: %s\n", p.Repo)
		fmt.Fprintf(&sb, "PATH: %s\n", p.Path)
		fmt.Fprintf(&sb, "BUILD_ID: %d\n", p.BuildID)
		fmt.Fprintf(&sb, "SIZE: %d\n", p.Size)
		fmt.Fprintf(&sb, "BUILD_TIME: %d\n", p.BuildTime)
	}
	return sb.String()
}

// Artifact builds a tar.gz stream shaped like a CI build artifact: the four
// content directories at the top level, a binpkgs/Packages index for the
// given packages, and any extra files.
func Artifact(packages []types.Package, extra ...FileSpec) io.Reader {
	modTime := time.Unix(1700000000, 0)

	var files []FileSpec
	for _, p := range packages {
		files = append(files, FileSpec{
			Name:    "binpkgs/" + p.Path,
			Content: strings.Repeat("x", int(p.Size)),
			ModTime: time.Unix(p.BuildTime, 0),
		})
	}
	files = append(files, FileSpec{
		Name:    "binpkgs/Packages",
		Content: PackagesIndex(packages),
		ModTime: modTime,
	})
	files = append(files, FileSpec{Name: "repos/gentoo/metadata/layout.conf", Content: "masters = gentoo\n", ModTime: modTime})
	files = append(files, FileSpec{Name: "etc-portage/make.conf", Content: "USE=\"systemd\"\n", ModTime: modTime})
	files = append(files, FileSpec{Name: "var-lib-portage/world", Content: "app-editors/vim\n", ModTime: modTime})
	files = append(files, extra...)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	seen := map[string]bool{}
	mkdirs := func(name string) {
		parts := strings.Split(name, "/")
		for i := 1; i < len(parts); i++ {
			dir := strings.Join(parts[:i], "/") + "/"
			if !seen[dir] {
				seen[dir] = true
				tw.WriteHeader(&tar.Header{Name: dir, Typeflag: tar.TypeDir, Mode: 0o755, ModTime: modTime})
			}
		}
	}
	for _, c := range types.ContentDirs {
		mkdirs(string(c) + "/x")
	}
	for _, f := range files {
		mkdirs(f.Name)
		tw.WriteHeader(&tar.Header{
			Name: f.Name, Typeflag: tar.TypeReg, Mode: 0o644,
			Size: int64(len(f.Content)), ModTime: f.ModTime,
		})
		io.WriteString(tw, f.Content)
	}
	tw.Close()
	gz.Close()
	return &buf
}

// Pkg is a shorthand Package constructor for tests.
func Pkg(cpv string, buildID int, size, buildTime int64) types.Package {
	return types.Package{
		CPV:       cpv,
		Repo:      "gentoo",
		Path:      strings.ReplaceAll(cpv, "/", "_") + fmt.Sprintf("-%d.gpkg.tar", buildID),
		BuildID:   buildID,
		Size:      size,
		BuildTime: buildTime,
	}
}
