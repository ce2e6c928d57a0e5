// Package archive serialises builds (records plus storage trees and their tag
// symlinks) to a single tar stream and restores them. The format is an outer
// uncompressed tar of exactly two members: records.json, then storage.tar.
package archive

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"git.home.luguber.info/inful/gbp/internal/fsutil"
	"git.home.luguber.info/inful/gbp/internal/records"
	"git.home.luguber.info/inful/gbp/internal/storage"
	"git.home.luguber.info/inful/gbp/internal/types"
)

const (
	recordsMember = "records.json"
	storageMember = "storage.tar"
)

// Op distinguishes the two directions in progress callbacks.
type Op string

const (
	OpDump    Op = "dump"
	OpRestore Op = "restore"
)

// Phase distinguishes the two archive members in progress callbacks.
type Phase string

const (
	PhaseRecords Phase = "records"
	PhaseStorage Phase = "storage"
)

// Callback reports per-build progress. It may be nil.
type Callback func(op Op, phase Phase, b types.Build)

// Dump writes the builds' records and storage trees to w. Builds are sorted
// by (machine, build id) first so equal inputs produce equal archives.
func Dump(ctx context.Context, db records.RecordDB, store *storage.Storage, builds []types.Build, w io.Writer, cb Callback) error {
	builds = append([]types.Build(nil), builds...)
	sort.Slice(builds, func(i, j int) bool {
		if builds[i].Machine != builds[j].Machine {
			return builds[i].Machine < builds[j].Machine
		}
		return builds[i].BuildID < builds[j].BuildID
	})

	outer := tar.NewWriter(w)

	recordData, err := dumpRecords(ctx, db, builds, cb)
	if err != nil {
		return err
	}
	if err := writeMember(outer, recordsMember, recordData); err != nil {
		return err
	}

	// The inner tar is staged to a spool file because the outer header needs
	// its size up front.
	spool, err := os.CreateTemp(store.TempDir(), "dump-*.tar")
	if err != nil {
		return fmt.Errorf("create dump spool: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	if err := dumpStorage(ctx, store, builds, spool, cb); err != nil {
		return err
	}
	size, err := spool.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("measure dump spool: %w", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind dump spool: %w", err)
	}
	if err := outer.WriteHeader(&tar.Header{Name: storageMember, Mode: 0o644, Size: size, ModTime: time.Unix(0, 0)}); err != nil {
		return fmt.Errorf("write %s header: %w", storageMember, err)
	}
	if _, err := io.Copy(outer, spool); err != nil {
		return fmt.Errorf("write %s: %w", storageMember, err)
	}

	if err := outer.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	return nil
}

func dumpRecords(ctx context.Context, db records.RecordDB, builds []types.Build, cb Callback) ([]byte, error) {
	recs := make([]types.BuildRecord, 0, len(builds))
	for _, b := range builds {
		r, err := db.Get(ctx, b)
		if errors.Is(err, records.ErrNotFound) {
			r = types.Record(b)
		} else if err != nil {
			return nil, fmt.Errorf("dump record %s: %w", b, err)
		}
		recs = append(recs, normalizeUTC(r))
		if cb != nil {
			cb(OpDump, PhaseRecords, b)
		}
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal records: %w", err)
	}
	return data, nil
}

// normalizeUTC pins the record's timestamps to UTC so the JSON form is stable
// across hosts.
func normalizeUTC(r types.BuildRecord) types.BuildRecord {
	for _, ts := range []**time.Time{&r.Submitted, &r.Completed, &r.Built} {
		if *ts != nil {
			utc := (**ts).UTC()
			*ts = &utc
		}
	}
	return r
}

// dumpStorage writes the inner tar: each build's four content trees followed
// by every tag symlink pointing at it.
func dumpStorage(ctx context.Context, store *storage.Storage, builds []types.Build, w io.Writer, cb Callback) error {
	inner := tar.NewWriter(w)
	for _, b := range builds {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, c := range types.ContentDirs {
			if err := tarTree(inner, store.Root(), store.BuildPath(b, c)); err != nil {
				return err
			}
		}
		tags, err := store.GetTags(b)
		if err != nil {
			return err
		}
		for _, tag := range tags {
			name := b.Machine
			if tag != "" {
				name = b.Machine + "@" + tag
			}
			for _, c := range types.ContentDirs {
				hdr := &tar.Header{
					Typeflag: tar.TypeSymlink,
					Name:     path.Join(string(c), name),
					Linkname: b.String(),
					Mode:     0o777,
					ModTime:  time.Unix(0, 0),
				}
				if err := inner.WriteHeader(hdr); err != nil {
					return fmt.Errorf("write tag link %s: %w", hdr.Name, err)
				}
			}
		}
		if cb != nil {
			cb(OpDump, PhaseStorage, b)
		}
	}
	if err := inner.Close(); err != nil {
		return fmt.Errorf("finish storage member: %w", err)
	}
	return nil
}

// tarTree adds the tree at dir to tw with names relative to root.
func tarTree(tw *tar.Writer, root, dir string) error {
	return filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}

		var linkname string
		if info.Mode()&os.ModeSymlink != 0 {
			if linkname, err = os.Readlink(p); err != nil {
				return fmt.Errorf("readlink %s: %w", p, err)
			}
		}
		hdr, err := tar.FileInfoHeader(info, linkname)
		if err != nil {
			return fmt.Errorf("header for %s: %w", p, err)
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write header %s: %w", hdr.Name, err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("open %s: %w", p, err)
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("write %s: %w", hdr.Name, err)
		}
		return nil
	})
}

func writeMember(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data)), ModTime: time.Unix(0, 0)}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write %s header: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// Restore reads an archive produced by Dump, upserting records and unpacking
// storage trees into the storage root. Members are processed in stream order.
func Restore(ctx context.Context, db records.RecordDB, store *storage.Storage, r io.Reader, cb Callback) error {
	outer := tar.NewReader(r)
	for {
		hdr, err := outer.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		switch hdr.Name {
		case recordsMember:
			if err := restoreRecords(ctx, db, outer, cb); err != nil {
				return err
			}
		case storageMember:
			if err := restoreStorage(store, outer, cb); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected archive member %q", hdr.Name)
		}
	}
	return nil
}

func restoreRecords(ctx context.Context, db records.RecordDB, r io.Reader, cb Callback) error {
	var recs []types.BuildRecord
	if err := json.NewDecoder(r).Decode(&recs); err != nil {
		return fmt.Errorf("decode records: %w", err)
	}
	for _, rec := range recs {
		if _, err := db.Save(ctx, rec); err != nil {
			return fmt.Errorf("restore record %s: %w", rec.Build, err)
		}
		if cb != nil {
			cb(OpRestore, PhaseRecords, rec.Build)
		}
	}
	return nil
}

func restoreStorage(store *storage.Storage, r io.Reader, cb Callback) error {
	// Spool the member so extraction can reuse the shared tar extractor, then
	// scan it again for per-build progress.
	spool, err := os.CreateTemp(store.TempDir(), "restore-*.tar")
	if err != nil {
		return fmt.Errorf("create restore spool: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()
	if _, err := io.Copy(spool, r); err != nil {
		return fmt.Errorf("spool storage member: %w", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind restore spool: %w", err)
	}

	if err := fsutil.ExtractTar(spool, store.Root()); err != nil {
		return err
	}
	if cb == nil {
		return nil
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind restore spool: %w", err)
	}
	seen := map[string]bool{}
	tr := tar.NewReader(spool)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("scan restore spool: %w", err)
		}
		parts := strings.SplitN(filepath.ToSlash(hdr.Name), "/", 3)
		if len(parts) < 2 {
			continue
		}
		b, err := types.ParseBuild(parts[1])
		if err != nil || seen[b.String()] {
			continue
		}
		seen[b.String()] = true
		cb(OpRestore, PhaseStorage, b)
	}
	return nil
}
