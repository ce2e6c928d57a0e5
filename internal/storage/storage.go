// Package storage owns the filesystem for all builds. Each build stores the
// four content trees; publication and tagging are realized as symlinks that
// are swapped atomically.
//
// Layout, rooted at a single storage path:
//
//	<root>/<content>/<machine>.<build_id>/...  build tree
//	<root>/<content>/<machine>                 symlink -> published build
//	<root>/<content>/<machine>@<tag>           symlink -> tagged build
//	<root>/tmp/<machine>.<build_id>/           staging during extract
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"git.home.luguber.info/inful/gbp/internal/fsutil"
	"git.home.luguber.info/inful/gbp/internal/types"
)

// ErrNotPulled is returned by operations that require the build's content
// trees to exist on disk.
var ErrNotPulled = errors.New("build not pulled")

// LookupError reports a missing per-build data file (the packages index or
// the gbp.json sidecar).
type LookupError struct {
	Build types.Build
	What  string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("%s: no %s", e.Build, e.What)
}

// IntegrityError reports storage in a state the operation refuses to touch,
// such as a tag path that exists but is not a symlink.
type IntegrityError struct {
	Path   string
	Detail string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Detail)
}

// Storage is the filesystem root for all builds.
type Storage struct {
	root string
}

// New initializes the storage root, creating the four content directories and
// the staging area.
func New(root string) (*Storage, error) {
	for _, c := range types.ContentDirs {
		if err := os.MkdirAll(filepath.Join(root, string(c)), 0o755); err != nil {
			return nil, fmt.Errorf("init storage root: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("init storage root: %w", err)
	}
	return &Storage{root: root}, nil
}

// Root returns the storage root path.
func (s *Storage) Root() string { return s.root }

// TempDir returns the staging area path.
func (s *Storage) TempDir() string { return filepath.Join(s.root, "tmp") }

// BuildPath returns the directory for one of a build's content trees.
func (s *Storage) BuildPath(b types.Build, c types.Content) string {
	return filepath.Join(s.root, string(c), b.String())
}

func (s *Storage) tagPath(machine, tag string, c types.Content) string {
	name := machine
	if tag != "" {
		name = machine + "@" + tag
	}
	return filepath.Join(s.root, string(c), name)
}

// Pulled reports whether all four content trees exist for the build.
func (s *Storage) Pulled(b types.Build) bool {
	for _, c := range types.ContentDirs {
		fi, err := os.Stat(s.BuildPath(b, c))
		if err != nil || !fi.IsDir() {
			return false
		}
	}
	return true
}

// ExtractArtifact stages the artifact stream, untars it, and moves the four
// content trees into place. When previous is given, regular files unchanged
// since the previous build (rsync quick-check: same size and mtime) are
// hardlinked from its trees instead of copied.
//
// The call is idempotent: a build that is already pulled returns without side
// effects. The staging directory is removed on success and on failure.
func (s *Storage) ExtractArtifact(ctx context.Context, b types.Build, artifact io.Reader, previous *types.BuildRecord) error {
	if s.Pulled(b) {
		return nil
	}

	stage := filepath.Join(s.TempDir(), b.String())
	tarball := stage + ".tar.gz"
	if err := os.RemoveAll(stage); err != nil {
		return fmt.Errorf("clean staging dir: %w", err)
	}
	if err := os.MkdirAll(stage, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer func() {
		os.RemoveAll(stage)
		os.Remove(tarball)
	}()

	if err := fsutil.Save(artifact, tarball); err != nil {
		return fmt.Errorf("stage artifact for %s: %w", b, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fsutil.ExtractTarGz(tarball, stage); err != nil {
		return fmt.Errorf("extract artifact for %s: %w", b, err)
	}

	for _, c := range types.ContentDirs {
		if err := ctx.Err(); err != nil {
			return err
		}
		src := filepath.Join(stage, string(c))
		dst := s.BuildPath(b, c)
		if _, err := os.Stat(src); err != nil {
			return fmt.Errorf("artifact for %s lacks %s: %w", b, c, err)
		}
		var link string
		if previous != nil {
			prevPath := s.BuildPath(previous.Build, c)
			if fi, err := os.Stat(prevPath); err == nil && fi.IsDir() {
				link = prevPath
			}
		}
		if link == "" {
			if err := os.Rename(src, dst); err != nil {
				return fmt.Errorf("move %s into place: %w", c, err)
			}
			continue
		}
		if err := fsutil.CopyTree(src, dst, link); err != nil {
			return fmt.Errorf("link-copy %s: %w", c, err)
		}
	}
	return nil
}

// Publish points the machine symlink in every content directory at the
// build. The build must be pulled. Each symlink flip is atomic; the set of
// four is not transactional, and re-running Publish repairs a partial state.
func (s *Storage) Publish(b types.Build) error {
	return s.Tag(b, "")
}

// Published reports whether every machine symlink resolves to this build.
func (s *Storage) Published(b types.Build) bool {
	for _, c := range types.ContentDirs {
		target, err := os.Readlink(s.tagPath(b.Machine, "", c))
		if err != nil || filepath.Base(target) != b.String() {
			return false
		}
	}
	return true
}

// Tag places the <machine>@<name> symlink in every content directory. The
// empty name publishes the build.
func (s *Storage) Tag(b types.Build, name string) error {
	if err := types.CheckTagName(name); err != nil {
		return err
	}
	if !s.Pulled(b) {
		return fmt.Errorf("tag %s: %w", b, ErrNotPulled)
	}
	for _, c := range types.ContentDirs {
		path := s.tagPath(b.Machine, name, c)
		if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSymlink == 0 {
			return &IntegrityError{Path: path, Detail: "exists and is not a symlink"}
		}
		if err := fsutil.SymlinkReplace(b.String(), path); err != nil {
			return fmt.Errorf("tag %s@%s: %w", b.Machine, name, err)
		}
	}
	return nil
}

// Untag removes the tag's symlinks from all content directories; missing
// links are ignored. The empty name unpublishes the machine.
func (s *Storage) Untag(machine, name string) error {
	if err := types.CheckTagName(name); err != nil {
		return err
	}
	for _, c := range types.ContentDirs {
		path := s.tagPath(machine, name, c)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("untag %s@%s: %w", machine, name, err)
		}
	}
	return nil
}

// GetTags returns the sorted tag names whose symlinks point at the build,
// judged by the repos content directory. The empty string is included when
// the build is published.
func (s *Storage) GetTags(b types.Build) ([]string, error) {
	dir := filepath.Join(s.root, string(types.ContentRepos))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	var tags []string
	for _, entry := range entries {
		if entry.Type()&os.ModeSymlink == 0 {
			continue
		}
		name := entry.Name()
		machine, tag, found := strings.Cut(name, "@")
		if !found {
			machine, tag = name, ""
		}
		if machine != b.Machine {
			continue
		}
		target, err := os.Readlink(filepath.Join(dir, name))
		if err != nil || filepath.Base(target) != b.String() {
			continue
		}
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags, nil
}

// ResolveTag returns the build a "<machine>@<tag>" spec currently targets.
// The error wraps fs.ErrNotExist when the tag is absent.
func (s *Storage) ResolveTag(spec string) (types.Build, error) {
	machine, tag, err := types.ParseTag(spec)
	if err != nil {
		return types.Build{}, err
	}
	path := s.tagPath(machine, tag, types.ContentRepos)
	target, err := os.Readlink(path)
	if err != nil {
		return types.Build{}, fmt.Errorf("resolve tag %s: %w", spec, err)
	}
	b, err := types.ParseBuild(filepath.Base(target))
	if err != nil {
		return types.Build{}, &IntegrityError{Path: path, Detail: "does not point at a build directory"}
	}
	return b, nil
}

// Delete removes all four content trees for the build. Missing trees are
// ignored; dangling symlinks are left for the integrity checks to report.
func (s *Storage) Delete(b types.Build) error {
	for _, c := range types.ContentDirs {
		if err := os.RemoveAll(s.BuildPath(b, c)); err != nil {
			return fmt.Errorf("delete %s/%s: %w", c, b, err)
		}
	}
	return nil
}

// Repos returns the names of the ebuild repositories in the build's repos
// tree.
func (s *Storage) Repos(b types.Build) ([]string, error) {
	entries, err := os.ReadDir(s.BuildPath(b, types.ContentRepos))
	if err != nil {
		return nil, fmt.Errorf("list repos for %s: %w", b, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
