// Package stats derives per-machine statistics and integrity reports from the
// publisher's records and storage. Nothing here persists state: everything is
// recomputed on demand and cached until a lifecycle event for the machine
// invalidates it.
package stats

import (
	"context"
	"sync"
	"time"

	"git.home.luguber.info/inful/gbp/internal/dispatcher"
	"git.home.luguber.info/inful/gbp/internal/publisher"
	"git.home.luguber.info/inful/gbp/internal/types"
)

// MachineStats is the computed snapshot for one machine.
type MachineStats struct {
	Machine          string
	PackageCount     int
	TotalPackageSize int64
	LatestBuild      *types.BuildRecord
	LatestPublished  *types.BuildRecord
	BuildsByDay      map[string]int
	PackagesByDay    map[string]int
}

// Collector computes and caches MachineStats. Bind wires cache invalidation
// to the publisher's lifecycle events.
type Collector struct {
	pub *publisher.Publisher

	mu    sync.Mutex
	cache map[string]*MachineStats
}

// NewCollector returns a collector with an empty cache.
func NewCollector(p *publisher.Publisher) *Collector {
	return &Collector{pub: p, cache: map[string]*MachineStats{}}
}

// Bind subscribes the collector to every event that changes a machine's
// numbers. The returned function unbinds all subscriptions.
func (c *Collector) Bind(d *dispatcher.Dispatcher) func() {
	machineOf := func(payload any) string {
		switch p := payload.(type) {
		case dispatcher.PostPullPayload:
			return p.Record.Machine
		case dispatcher.PostDeletePayload:
			return p.Build.Machine
		case dispatcher.PublishedPayload:
			return p.Record.Machine
		case dispatcher.TaggedPayload:
			return p.Record.Machine
		case dispatcher.UntaggedPayload:
			return p.Machine
		}
		return ""
	}
	handler := func(_ context.Context, payload any) error {
		if machine := machineOf(payload); machine != "" {
			c.Invalidate(machine)
		}
		return nil
	}

	var unbinds []func()
	for _, event := range []dispatcher.Event{
		dispatcher.PostPull, dispatcher.PostDelete, dispatcher.Published,
		dispatcher.Tagged, dispatcher.Untagged,
	} {
		// Core events are always registered.
		unbind, _ := d.Bind(event, handler)
		unbinds = append(unbinds, unbind)
	}
	return func() {
		for _, unbind := range unbinds {
			unbind()
		}
	}
}

// Invalidate drops the machine's cached snapshot.
func (c *Collector) Invalidate(machine string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, machine)
}

// ForMachine returns the machine's snapshot, computing it on a cache miss.
func (c *Collector) ForMachine(ctx context.Context, machine string) (MachineStats, error) {
	c.mu.Lock()
	if cached, ok := c.cache[machine]; ok {
		c.mu.Unlock()
		return *cached, nil
	}
	c.mu.Unlock()

	computed, err := c.compute(ctx, machine)
	if err != nil {
		return MachineStats{}, err
	}

	c.mu.Lock()
	c.cache[machine] = &computed
	c.mu.Unlock()
	return computed, nil
}

func (c *Collector) compute(ctx context.Context, machine string) (MachineStats, error) {
	builds, err := c.pub.Records().ForMachine(ctx, machine)
	if err != nil {
		return MachineStats{}, err
	}

	s := MachineStats{
		Machine:       machine,
		BuildsByDay:   map[string]int{},
		PackagesByDay: map[string]int{},
	}
	store := c.pub.Storage()

	for i := range builds {
		r := builds[i]
		if s.LatestBuild == nil && r.Completed != nil {
			s.LatestBuild = &builds[i]
		}
		if s.LatestPublished == nil && store.Published(r.Build) {
			s.LatestPublished = &builds[i]
		}
		if r.Submitted != nil {
			s.BuildsByDay[day(*r.Submitted)]++
		}

		packages, err := store.GetPackages(r.Build)
		if err != nil {
			// Builds without an index (not pulled, no binpkgs) contribute
			// nothing.
			continue
		}
		s.PackageCount += len(packages)
		for _, pkg := range packages {
			s.TotalPackageSize += pkg.Size
			s.PackagesByDay[day(time.Unix(pkg.BuildTime, 0))]++
		}
	}
	return s, nil
}

// BuildPackages returns the build's package identities (cpvb). Uncached: a
// build's index never changes after pull.
func (c *Collector) BuildPackages(b types.Build) ([]string, error) {
	packages, err := c.pub.Storage().GetPackages(b)
	if err != nil {
		return nil, err
	}
	items := make([]string, len(packages))
	for i, pkg := range packages {
		items[i] = pkg.CPVB()
	}
	return items, nil
}

// RecentPackages returns up to n of the machine's most recently built
// packages, judged by each build's gbp.json built list, newest build first.
func (c *Collector) RecentPackages(ctx context.Context, machine string, n int) ([]types.Package, error) {
	builds, err := c.pub.Records().ForMachine(ctx, machine)
	if err != nil {
		return nil, err
	}

	var recent []types.Package
	for _, r := range builds {
		if len(recent) >= n {
			break
		}
		meta, err := c.pub.Storage().GetMetadata(r.Build)
		if err != nil {
			continue
		}
		for _, pkg := range meta.Packages.Built {
			if len(recent) >= n {
				break
			}
			recent = append(recent, pkg)
		}
	}
	return recent, nil
}

func day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
