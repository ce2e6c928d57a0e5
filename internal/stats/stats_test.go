package stats_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/gbp/internal/dispatcher"
	"git.home.luguber.info/inful/gbp/internal/publisher"
	"git.home.luguber.info/inful/gbp/internal/records"
	"git.home.luguber.info/inful/gbp/internal/stats"
	"git.home.luguber.info/inful/gbp/internal/storage"
	"git.home.luguber.info/inful/gbp/internal/testutil"
	"git.home.luguber.info/inful/gbp/internal/types"
)

func newPublisher(t *testing.T) (*publisher.Publisher, *testutil.FakeCI) {
	t.Helper()
	store, err := storage.New(t.TempDir())
	require.NoError(t, err)
	ci := testutil.NewFakeCI()
	return publisher.New(ci, store, records.NewMemory(), dispatcher.New()), ci
}

func build(id string) types.Build {
	b, _ := types.ParseBuild(id)
	return b
}

func TestForMachine(t *testing.T) {
	p, ci := newPublisher(t)
	ctx := context.Background()

	b1, b2 := build("babette.1"), build("babette.2")
	ci.AddBuild(b1, testutil.Pkg("sys-apps/foo-1", 1, 100, 1700000100))
	ci.AddBuild(b2,
		testutil.Pkg("sys-apps/foo-1", 1, 100, 1700000100),
		testutil.Pkg("sys-apps/bar-1", 1, 50, 1700000200),
	)
	for _, b := range []types.Build{b1, b2} {
		_, err := p.Pull(ctx, b, "", nil)
		require.NoError(t, err)
	}
	require.NoError(t, p.Publish(ctx, b1))

	c := stats.NewCollector(p)
	s, err := c.ForMachine(ctx, "babette")
	require.NoError(t, err)

	require.Equal(t, "babette", s.Machine)
	require.Equal(t, 3, s.PackageCount)
	require.Equal(t, int64(250), s.TotalPackageSize)
	require.NotNil(t, s.LatestBuild)
	require.NotNil(t, s.LatestPublished)
	require.Equal(t, "1", s.LatestPublished.BuildID)

	today := time.Now().UTC().Format("2006-01-02")
	require.Equal(t, 2, s.BuildsByDay[today])
	// All three package entries were built on 2023-11-14 (their build_time).
	require.Equal(t, 3, s.PackagesByDay["2023-11-14"])
}

func TestCacheInvalidation(t *testing.T) {
	p, ci := newPublisher(t)
	ctx := context.Background()

	b1 := build("babette.1")
	ci.AddBuild(b1)
	_, err := p.Pull(ctx, b1, "", nil)
	require.NoError(t, err)

	c := stats.NewCollector(p)
	unbind := c.Bind(p.Dispatcher())
	defer unbind()

	s, err := c.ForMachine(ctx, "babette")
	require.NoError(t, err)
	require.Len(t, s.BuildsByDay, 1)
	require.Nil(t, s.LatestPublished)

	// Publishing invalidates the cached snapshot.
	require.NoError(t, p.Publish(ctx, b1))
	s, err = c.ForMachine(ctx, "babette")
	require.NoError(t, err)
	require.NotNil(t, s.LatestPublished)

	// So does deleting.
	require.NoError(t, p.Delete(ctx, b1))
	s, err = c.ForMachine(ctx, "babette")
	require.NoError(t, err)
	require.Zero(t, s.PackageCount)
}

func TestBuildPackages(t *testing.T) {
	p, ci := newPublisher(t)
	ctx := context.Background()
	b := build("babette.1")
	ci.AddBuild(b,
		testutil.Pkg("sys-apps/foo-1", 1, 100, 1700000100),
		testutil.Pkg("sys-apps/bar-2", 3, 50, 1700000200),
	)
	_, err := p.Pull(ctx, b, "", nil)
	require.NoError(t, err)

	c := stats.NewCollector(p)
	items, err := c.BuildPackages(b)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"sys-apps/foo-1-1", "sys-apps/bar-2-3"}, items)
}

func TestRecentPackages(t *testing.T) {
	p, ci := newPublisher(t)
	ctx := context.Background()

	ci.AddBuild(build("babette.1"), testutil.Pkg("sys-apps/foo-1", 1, 100, 1700000100))
	ci.AddBuild(build("babette.2"),
		testutil.Pkg("sys-apps/bar-1", 1, 50, 1700000200),
		testutil.Pkg("sys-apps/baz-1", 1, 60, 1700000300),
	)
	for _, id := range []string{"babette.1", "babette.2"} {
		_, err := p.Pull(ctx, build(id), "", nil)
		require.NoError(t, err)
	}

	c := stats.NewCollector(p)
	recent, err := c.RecentPackages(ctx, "babette", 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)

	recent, err = c.RecentPackages(ctx, "babette", 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
}

func TestChecks_CleanStorage(t *testing.T) {
	p, ci := newPublisher(t)
	ctx := context.Background()
	b := build("babette.1")
	ci.AddBuild(b)
	_, err := p.Pull(ctx, b, "", nil)
	require.NoError(t, err)
	require.NoError(t, p.Publish(ctx, b))

	reports, err := stats.RunChecks(ctx, stats.NewCollector(p))
	require.NoError(t, err)
	for _, report := range reports {
		require.Empty(t, report.Errors, report.Name)
		require.Empty(t, report.Warnings, report.Name)
	}
}

func TestChecks_MissingContentTree(t *testing.T) {
	p, ci := newPublisher(t)
	ctx := context.Background()
	b := build("babette.1")
	ci.AddBuild(b)
	_, err := p.Pull(ctx, b, "", nil)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(p.Storage().BuildPath(b, types.ContentRepos)))

	report, err := stats.CheckBuildContent(ctx, stats.NewCollector(p))
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	require.Contains(t, report.Errors[0], "missing repos tree")
}

func TestChecks_Orphans(t *testing.T) {
	p, ci := newPublisher(t)
	ctx := context.Background()
	b := build("babette.1")
	ci.AddBuild(b)
	_, err := p.Pull(ctx, b, "", nil)
	require.NoError(t, err)
	require.NoError(t, p.Publish(ctx, b))

	// A build directory with no record.
	orphan := filepath.Join(p.Storage().Root(), "repos", "ghost.9")
	require.NoError(t, os.MkdirAll(orphan, 0o755))

	// Deleting the build's trees leaves the publish symlinks dangling.
	require.NoError(t, p.Storage().Delete(b))

	report, err := stats.CheckOrphans(ctx, stats.NewCollector(p))
	require.NoError(t, err)
	require.NotEmpty(t, report.Errors)

	var orphans, dangling int
	for _, msg := range report.Errors {
		if strings.Contains(msg, "without a record") {
			orphans++
		} else {
			dangling++
		}
	}
	require.Equal(t, 1, orphans)
	require.Equal(t, 4, dangling)
}

func TestChecks_InconsistentTags(t *testing.T) {
	p, ci := newPublisher(t)
	ctx := context.Background()
	b1, b2 := build("babette.1"), build("babette.2")
	for _, b := range []types.Build{b1, b2} {
		ci.AddBuild(b)
		_, err := p.Pull(ctx, b, "", nil)
		require.NoError(t, err)
	}
	require.NoError(t, p.Tag(ctx, b1, "prod"))

	// Point one of the four symlinks somewhere else behind storage's back.
	link := filepath.Join(p.Storage().Root(), "binpkgs", "babette@prod")
	require.NoError(t, os.Remove(link))
	require.NoError(t, os.Symlink(b2.String(), link))

	report, err := stats.CheckInconsistentTags(ctx, stats.NewCollector(p))
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	require.Contains(t, report.Errors[0], "babette@prod")
}

func TestChecks_DirtyTemp(t *testing.T) {
	p, _ := newPublisher(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(p.Storage().TempDir(), "leftover"), nil, 0o644))

	report, err := stats.CheckDirtyTemp(ctx, stats.NewCollector(p))
	require.NoError(t, err)
	require.Empty(t, report.Errors)
	require.Len(t, report.Warnings, 1)
}

func TestChecks_Metadata(t *testing.T) {
	p, ci := newPublisher(t)
	ctx := context.Background()
	missing, corrupt := build("babette.1"), build("babette.2")
	for _, b := range []types.Build{missing, corrupt} {
		ci.AddBuild(b)
		_, err := p.Pull(ctx, b, "", nil)
		require.NoError(t, err)
	}

	sidecar := func(b types.Build) string {
		return filepath.Join(p.Storage().BuildPath(b, types.ContentBinpkgs), storage.MetadataFilename)
	}
	require.NoError(t, os.Remove(sidecar(missing)))
	require.NoError(t, os.WriteFile(sidecar(corrupt), []byte("{not json"), 0o644))

	report, err := stats.CheckMetadata(ctx, stats.NewCollector(p))
	require.NoError(t, err)
	require.Len(t, report.Warnings, 1)
	require.Contains(t, report.Warnings[0], "babette.1")
	require.Len(t, report.Errors, 1)
	require.Contains(t, report.Errors[0], "babette.2")
}

func TestRecorder(t *testing.T) {
	p, ci := newPublisher(t)
	ctx := context.Background()

	reg := prom.NewRegistry()
	rec := stats.NewPrometheusRecorder(reg)
	unbind := stats.BindRecorder(p.Dispatcher(), rec)
	defer unbind()

	b := build("babette.1")
	ci.AddBuild(b, testutil.Pkg("sys-apps/foo-1", 1, 100, 1700000100))
	_, err := p.Pull(ctx, b, "", nil)
	require.NoError(t, err)
	require.NoError(t, p.Publish(ctx, b))
	require.NoError(t, p.Tag(ctx, b, "prod"))
	require.NoError(t, p.Delete(ctx, b))

	families, err := reg.Gather()
	require.NoError(t, err)
	got := map[string]float64{}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			if metric.GetCounter() != nil {
				got[family.GetName()] += metric.GetCounter().GetValue()
			}
		}
	}
	require.Equal(t, float64(1), got["gbp_pulls_total"])
	require.Equal(t, float64(1), got["gbp_publishes_total"])
	require.Equal(t, float64(1), got["gbp_tags_total"])
	require.Equal(t, float64(1), got["gbp_deletes_total"])
}

func TestNoopRecorder(t *testing.T) {
	var rec stats.Recorder = stats.NoopRecorder{}
	rec.IncPulls("m")
	rec.ObserveBuildDuration("m", time.Minute)
	rec.SetPackageCount("m", 3)
}
