// Package publisher orchestrates the build lifecycle: it binds the CI
// client, the storage layer and the record store together and emits
// lifecycle events for everything it does.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/gbp/internal/archive"
	"git.home.luguber.info/inful/gbp/internal/dispatcher"
	"git.home.luguber.info/inful/gbp/internal/jenkins"
	"git.home.luguber.info/inful/gbp/internal/locks"
	"git.home.luguber.info/inful/gbp/internal/purger"
	"git.home.luguber.info/inful/gbp/internal/records"
	"git.home.luguber.info/inful/gbp/internal/storage"
	"git.home.luguber.info/inful/gbp/internal/types"
)

// CI is what the publisher needs from the CI server client.
type CI interface {
	DownloadArtifact(ctx context.Context, b types.Build) (io.ReadCloser, error)
	GetLogs(ctx context.Context, b types.Build) (string, error)
	GetMetadata(ctx context.Context, b types.Build) (jenkins.Metadata, error)
	ScheduleBuild(ctx context.Context, machine string, params map[string]string) (string, error)
}

// Publisher is the orchestration facade. Construct one per process with New;
// collaborators are injected so tests can substitute fakes.
type Publisher struct {
	ci       CI
	storage  *storage.Storage
	records  records.RecordDB
	dispatch *dispatcher.Dispatcher
	locks    *locks.Keyed

	// Hostname and Version stamp the gbp.json sidecar.
	Hostname string
	Version  string
}

// New wires a publisher from its collaborators.
func New(ci CI, store *storage.Storage, db records.RecordDB, dispatch *dispatcher.Dispatcher) *Publisher {
	return &Publisher{
		ci:       ci,
		storage:  store,
		records:  db,
		dispatch: dispatch,
		locks:    locks.NewKeyed(),
	}
}

// Storage exposes the storage layer for read-only collaborators (stats,
// integrity checks, archive).
func (p *Publisher) Storage() *storage.Storage { return p.storage }

// Records exposes the record store for read-only collaborators.
func (p *Publisher) Records() records.RecordDB { return p.records }

// Dispatcher exposes the event bus for subscribers.
func (p *Publisher) Dispatcher() *dispatcher.Dispatcher { return p.dispatch }

// Record returns the build's record, or an unsaved zero-valued record
// carrying the build identity when none exists.
func (p *Publisher) Record(ctx context.Context, b types.Build) (types.BuildRecord, error) {
	r, err := p.records.Get(ctx, b)
	if errors.Is(err, records.ErrNotFound) {
		return types.Record(b), nil
	}
	if err != nil {
		return types.BuildRecord{}, err
	}
	return r, nil
}

// Pulled reports whether the build is fully pulled: content trees on disk
// and the record marked completed.
func (p *Publisher) Pulled(ctx context.Context, b types.Build) (bool, error) {
	if !p.storage.Pulled(b) {
		return false, nil
	}
	r, err := p.Record(ctx, b)
	if err != nil {
		return false, err
	}
	return r.Completed != nil, nil
}

// Pull downloads, extracts and registers the build. It returns false without
// side effects when the build is already pulled. Tags are validated up front
// and applied after extraction. On any mid-pipeline failure the partial
// record and storage are deleted and the error is returned.
func (p *Publisher) Pull(ctx context.Context, b types.Build, note string, tags []string) (bool, error) {
	for _, tag := range tags {
		if err := types.CheckTagName(tag); err != nil {
			return false, err
		}
	}

	unlock := p.locks.LockBuild(b)
	defer unlock()

	pulled, err := p.Pulled(ctx, b)
	if err != nil {
		return false, err
	}
	if pulled {
		return false, nil
	}

	record, err := p.Record(ctx, b)
	if err != nil {
		return false, err
	}
	if note != "" {
		record.Note = note
	}
	record, err = p.records.Save(ctx, record)
	if err != nil {
		return false, fmt.Errorf("save initial record for %s: %w", b, err)
	}

	if err := p.pull(ctx, b, record, tags); err != nil {
		slog.Error("pull failed, cleaning up partial state", "build", b.String(), "error", err)
		p.cleanup(ctx, b)
		return false, err
	}
	return true, nil
}

// pull runs the pipeline after the initial record save. The caller cleans up
// on error.
func (p *Publisher) pull(ctx context.Context, b types.Build, record types.BuildRecord, tags []string) error {
	if err := p.dispatch.Emit(ctx, dispatcher.PrePull, dispatcher.PrePullPayload{Build: b}); err != nil {
		return fmt.Errorf("prepull subscriber: %w", err)
	}

	var previous *types.BuildRecord
	if prev, err := p.records.Previous(ctx, record, true); err == nil {
		previous = &prev
	} else if !errors.Is(err, records.ErrNotFound) {
		return err
	}

	artifact, err := p.ci.DownloadArtifact(ctx, b)
	if err != nil {
		return err
	}
	defer artifact.Close()

	if err := p.storage.ExtractArtifact(ctx, b, artifact, previous); err != nil {
		return err
	}

	for _, tag := range tags {
		if err := p.storage.Tag(b, tag); err != nil {
			return err
		}
	}

	ciMeta, err := p.ci.GetMetadata(ctx, b)
	if err != nil {
		return err
	}
	logs, err := p.ci.GetLogs(ctx, b)
	if err != nil {
		return err
	}

	built := time.Unix(ciMeta.Timestamp/1000, 0).UTC()
	now := time.Now().UTC()
	record.Built = &built
	record.Completed = &now
	record.Logs = logs
	record, err = p.records.Save(ctx, record)
	if err != nil {
		return fmt.Errorf("save completed record for %s: %w", b, err)
	}

	packages, err := p.storage.GetPackages(b)
	if err != nil {
		return err
	}
	meta := MakeMetadata(ciMeta, packages, p.Hostname, p.Version)
	if err := p.storage.SetMetadata(b, meta); err != nil {
		return err
	}

	return p.dispatch.Emit(ctx, dispatcher.PostPull, dispatcher.PostPullPayload{
		Record:   record,
		Packages: packages,
		Metadata: &meta,
	})
}

// cleanup removes a failed pull's partial record and storage, best effort.
func (p *Publisher) cleanup(ctx context.Context, b types.Build) {
	if err := p.records.Delete(ctx, b); err != nil {
		slog.Error("cleanup: delete record", "build", b.String(), "error", err)
	}
	if err := p.storage.Delete(b); err != nil {
		slog.Error("cleanup: delete storage", "build", b.String(), "error", err)
	}
}

// MakeMetadata derives the gbp.json sidecar from CI metadata and the build's
// package list. The built list contains the packages whose build time is at
// or after the CI build start, preserving input order.
func MakeMetadata(ci jenkins.Metadata, packages []types.Package, hostname, version string) types.GBPMetadata {
	ciBuiltSec := ci.Timestamp / 1000

	var size int64
	built := []types.Package{}
	for _, pkg := range packages {
		size += pkg.Size
		if pkg.BuildTime >= ciBuiltSec {
			built = append(built, pkg)
		}
	}
	return types.GBPMetadata{
		BuildDuration: ci.Duration,
		Packages: types.PackageSummary{
			Total: len(packages),
			Size:  size,
			Built: built,
		},
		GBPHostname: hostname,
		GBPVersion:  version,
	}
}

// Publish makes the build the machine's published build, pulling it first if
// needed.
func (p *Publisher) Publish(ctx context.Context, b types.Build) error {
	pulled, err := p.Pulled(ctx, b)
	if err != nil {
		return err
	}
	if !pulled {
		if _, err := p.Pull(ctx, b, "", nil); err != nil {
			return err
		}
	}

	unlock := p.locks.LockMachine(b.Machine)
	defer unlock()

	if err := p.storage.Publish(b); err != nil {
		return err
	}
	record, err := p.Record(ctx, b)
	if err != nil {
		return err
	}
	return p.dispatch.Emit(ctx, dispatcher.Published, dispatcher.PublishedPayload{Record: record})
}

// Tag applies a tag to a pulled build. The empty tag publishes.
func (p *Publisher) Tag(ctx context.Context, b types.Build, tag string) error {
	if tag == "" {
		return p.Publish(ctx, b)
	}

	unlock := p.locks.LockMachine(b.Machine)
	defer unlock()

	if err := p.storage.Tag(b, tag); err != nil {
		return err
	}
	record, err := p.Record(ctx, b)
	if err != nil {
		return err
	}
	return p.dispatch.Emit(ctx, dispatcher.Tagged, dispatcher.TaggedPayload{Record: record, Tag: tag})
}

// Untag removes a machine's tag; removing an absent tag is a no-op.
func (p *Publisher) Untag(ctx context.Context, machine, tag string) error {
	unlock := p.locks.LockMachine(machine)
	defer unlock()

	if err := p.storage.Untag(machine, tag); err != nil {
		return err
	}
	return p.dispatch.Emit(ctx, dispatcher.Untagged, dispatcher.UntaggedPayload{Machine: machine, Tag: tag})
}

// Tags returns the build's non-empty tags, sorted.
func (p *Publisher) Tags(b types.Build) ([]string, error) {
	all, err := p.storage.GetTags(b)
	if err != nil {
		return nil, err
	}
	tags := make([]string, 0, len(all))
	for _, tag := range all {
		if tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags, nil
}

// Delete removes the build's record and storage. Missing record or storage
// is not an error.
func (p *Publisher) Delete(ctx context.Context, b types.Build) error {
	if err := p.dispatch.Emit(ctx, dispatcher.PreDelete, dispatcher.PreDeletePayload{Build: b}); err != nil {
		return err
	}

	unlockBuild := p.locks.LockBuild(b)
	defer unlockBuild()
	unlockMachine := p.locks.LockMachine(b.Machine)
	defer unlockMachine()

	if err := p.records.Delete(ctx, b); err != nil {
		return err
	}
	if err := p.storage.Delete(b); err != nil {
		return err
	}
	return p.dispatch.Emit(ctx, dispatcher.PostDelete, dispatcher.PostDeletePayload{Build: b})
}

// Purge applies the retention policy to the machine's records, keyed on the
// submitted timestamp. Records marked keep and records carrying any tag
// (including the publish tag) survive.
func (p *Publisher) Purge(ctx context.Context, machine string) error {
	all, err := p.records.ForMachine(ctx, machine)
	if err != nil {
		return err
	}

	pr := purger.Purger[types.BuildRecord]{
		Key: func(r types.BuildRecord) time.Time {
			if r.Submitted == nil {
				return time.Time{}
			}
			return r.Submitted.UTC()
		},
	}
	for _, doomed := range pr.Purge(all) {
		if doomed.Keep {
			continue
		}
		tags, err := p.storage.GetTags(doomed.Build)
		if err != nil {
			return err
		}
		if len(tags) > 0 {
			continue
		}
		slog.Info("purging build", "machine", machine, "build", doomed.Build.String())
		if err := p.Delete(ctx, doomed.Build); err != nil {
			return err
		}
	}
	return nil
}

// LatestBuild returns the machine's latest record.
func (p *Publisher) LatestBuild(ctx context.Context, machine string, completedOnly bool) (types.BuildRecord, error) {
	return p.records.Latest(ctx, machine, completedOnly)
}

// Search matches key against the field of the machine's records.
func (p *Publisher) Search(ctx context.Context, machine string, field records.SearchField, key string) ([]types.BuildRecord, error) {
	return p.records.Search(ctx, machine, field, key)
}

// ScheduleBuild asks the CI server to start a build for the machine.
func (p *Publisher) ScheduleBuild(ctx context.Context, machine string, params map[string]string) (string, error) {
	return p.ci.ScheduleBuild(ctx, machine, params)
}

// Dump archives the builds (records, storage trees, tag symlinks) to w. With
// no builds given, every recorded build is dumped.
func (p *Publisher) Dump(ctx context.Context, builds []types.Build, w io.Writer, cb archive.Callback) error {
	if len(builds) == 0 {
		machines, err := p.records.ListMachines(ctx)
		if err != nil {
			return err
		}
		for _, machine := range machines {
			recs, err := p.records.ForMachine(ctx, machine)
			if err != nil {
				return err
			}
			for _, r := range recs {
				builds = append(builds, r.Build)
			}
		}
	}
	return archive.Dump(ctx, p.records, p.storage, builds, w, cb)
}

// Restore loads an archive produced by Dump.
func (p *Publisher) Restore(ctx context.Context, r io.Reader, cb archive.Callback) error {
	return archive.Restore(ctx, p.records, p.storage, r, cb)
}

// BuildMetadata returns the build's gbp.json sidecar, synthesising one from
// the package index and the record's timestamps when the sidecar is missing.
func (p *Publisher) BuildMetadata(ctx context.Context, b types.Build) (types.GBPMetadata, error) {
	meta, err := p.storage.GetMetadata(b)
	if err == nil {
		return meta, nil
	}
	var lookup *storage.LookupError
	if !errors.As(err, &lookup) {
		return types.GBPMetadata{}, err
	}

	packages, err := p.storage.GetPackages(b)
	if err != nil {
		if !errors.As(err, &lookup) {
			return types.GBPMetadata{}, err
		}
		packages = nil
	}

	record, err := p.Record(ctx, b)
	if err != nil {
		return types.GBPMetadata{}, err
	}
	var duration int64
	if record.Built != nil && record.Completed != nil {
		duration = int64(record.Completed.Sub(*record.Built).Seconds())
	}

	var size int64
	for _, pkg := range packages {
		size += pkg.Size
	}
	return types.GBPMetadata{
		BuildDuration: duration,
		Packages: types.PackageSummary{
			Total: len(packages),
			Size:  size,
			Built: []types.Package{},
		},
		GBPHostname: p.Hostname,
		GBPVersion:  p.Version,
	}, nil
}
