package publisher

import (
	"context"
	"sort"

	"git.home.luguber.info/inful/gbp/internal/types"
)

// MachineInfo aggregates a machine's state for dashboards. All fields are
// computed eagerly at construction; build a fresh one when you need fresh
// numbers.
type MachineInfo struct {
	Name           string
	Builds         []types.BuildRecord
	BuildCount     int
	LatestBuild    *types.BuildRecord
	PublishedBuild *types.BuildRecord
	Tags           []string
}

// MachineInfo builds the aggregate for one machine.
func (p *Publisher) MachineInfo(ctx context.Context, machine string) (MachineInfo, error) {
	builds, err := p.records.ForMachine(ctx, machine)
	if err != nil {
		return MachineInfo{}, err
	}

	info := MachineInfo{
		Name:       machine,
		Builds:     builds,
		BuildCount: len(builds),
	}

	tagSet := map[string]bool{}
	for i := range builds {
		r := builds[i]
		if info.LatestBuild == nil && r.Completed != nil {
			info.LatestBuild = &builds[i]
		}
		if info.PublishedBuild == nil && p.storage.Published(r.Build) {
			info.PublishedBuild = &builds[i]
		}
		tags, err := p.storage.GetTags(r.Build)
		if err != nil {
			return MachineInfo{}, err
		}
		for _, tag := range tags {
			if tag != "" {
				tagSet[tag] = true
			}
		}
	}
	for tag := range tagSet {
		info.Tags = append(info.Tags, tag)
	}
	sort.Strings(info.Tags)
	return info, nil
}

// Machines returns MachineInfo for every machine, or only those named.
func (p *Publisher) Machines(ctx context.Context, names ...string) ([]MachineInfo, error) {
	machines, err := p.records.ListMachines(ctx)
	if err != nil {
		return nil, err
	}

	var filter map[string]bool
	if len(names) > 0 {
		filter = map[string]bool{}
		for _, name := range names {
			filter[name] = true
		}
	}

	var infos []MachineInfo
	for _, machine := range machines {
		if filter != nil && !filter[machine] {
			continue
		}
		info, err := p.MachineInfo(ctx, machine)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}
