package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"git.home.luguber.info/inful/gbp/internal/types"
)

// Report is the outcome of one integrity check.
type Report struct {
	Name     string
	Errors   []string
	Warnings []string
}

// Check is a single integrity check over records and storage.
type Check func(ctx context.Context, c *Collector) (Report, error)

// Checks lists every integrity check in run order.
var Checks = []Check{
	CheckBuildContent,
	CheckOrphans,
	CheckInconsistentTags,
	CheckDirtyTemp,
	CheckMetadata,
}

// RunChecks runs all checks and returns their reports.
func RunChecks(ctx context.Context, c *Collector) ([]Report, error) {
	reports := make([]Report, 0, len(Checks))
	for _, check := range Checks {
		report, err := check(ctx, c)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// CheckBuildContent verifies every completed record has all four content
// trees on disk.
func CheckBuildContent(ctx context.Context, c *Collector) (Report, error) {
	report := Report{Name: "build content"}
	err := c.eachRecord(ctx, func(r types.BuildRecord) {
		if r.Completed == nil {
			return
		}
		for _, content := range types.ContentDirs {
			path := c.pub.Storage().BuildPath(r.Build, content)
			if fi, err := os.Stat(path); err != nil || !fi.IsDir() {
				report.Errors = append(report.Errors,
					fmt.Sprintf("%s: missing %s tree", r.Build, content))
			}
		}
	})
	return report, err
}

// CheckOrphans flags build directories with no record and symlinks whose
// target is gone.
func CheckOrphans(ctx context.Context, c *Collector) (Report, error) {
	report := Report{Name: "orphans"}

	recorded := map[string]bool{}
	if err := c.eachRecord(ctx, func(r types.BuildRecord) {
		recorded[r.Build.String()] = true
	}); err != nil {
		return Report{}, err
	}

	root := c.pub.Storage().Root()
	for _, content := range types.ContentDirs {
		dir := filepath.Join(root, string(content))
		entries, err := os.ReadDir(dir)
		if err != nil {
			return Report{}, fmt.Errorf("list %s: %w", dir, err)
		}
		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			if entry.Type()&os.ModeSymlink != 0 {
				if _, err := os.Stat(path); err != nil {
					report.Errors = append(report.Errors,
						fmt.Sprintf("%s: dangling symlink", path))
				}
				continue
			}
			if !entry.IsDir() {
				continue
			}
			if _, err := types.ParseBuild(entry.Name()); err != nil {
				continue
			}
			if !recorded[entry.Name()] {
				report.Errors = append(report.Errors,
					fmt.Sprintf("%s: build directory without a record", path))
			}
		}
	}
	return report, nil
}

// CheckInconsistentTags verifies each tag's four symlinks agree on the
// target build.
func CheckInconsistentTags(ctx context.Context, c *Collector) (Report, error) {
	report := Report{Name: "inconsistent tags"}
	root := c.pub.Storage().Root()

	// tag link name -> set of targets seen across content dirs
	targets := map[string]map[string]bool{}
	for _, content := range types.ContentDirs {
		dir := filepath.Join(root, string(content))
		entries, err := os.ReadDir(dir)
		if err != nil {
			return Report{}, fmt.Errorf("list %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.Type()&os.ModeSymlink == 0 {
				continue
			}
			target, err := os.Readlink(filepath.Join(dir, entry.Name()))
			if err != nil {
				continue
			}
			if targets[entry.Name()] == nil {
				targets[entry.Name()] = map[string]bool{}
			}
			targets[entry.Name()][filepath.Base(target)] = true
		}
	}
	for name, seen := range targets {
		if len(seen) > 1 {
			var got []string
			for target := range seen {
				got = append(got, target)
			}
			report.Errors = append(report.Errors,
				fmt.Sprintf("tag %s points at multiple builds: %s", name, strings.Join(got, ", ")))
		}
	}
	return report, nil
}

// CheckDirtyTemp warns when the staging area is not empty.
func CheckDirtyTemp(ctx context.Context, c *Collector) (Report, error) {
	report := Report{Name: "dirty temp"}
	entries, err := os.ReadDir(c.pub.Storage().TempDir())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Report{}, fmt.Errorf("list temp dir: %w", err)
	}
	if len(entries) > 0 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("staging area has %d leftover entries", len(entries)))
	}
	return report, nil
}

// CheckMetadata reports a missing gbp.json as a warning and a corrupt one as
// an error, for every completed build.
func CheckMetadata(ctx context.Context, c *Collector) (Report, error) {
	report := Report{Name: "gbp.json"}
	err := c.eachRecord(ctx, func(r types.BuildRecord) {
		if r.Completed == nil {
			return
		}
		path := filepath.Join(c.pub.Storage().BuildPath(r.Build, types.ContentBinpkgs), "gbp.json")
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("%s: missing gbp.json", r.Build))
			return
		}
		if err != nil {
			report.Errors = append(report.Errors,
				fmt.Sprintf("%s: %v", r.Build, err))
			return
		}
		var meta types.GBPMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			report.Errors = append(report.Errors,
				fmt.Sprintf("%s: corrupt gbp.json: %v", r.Build, err))
		}
	})
	return report, err
}

func (c *Collector) eachRecord(ctx context.Context, fn func(types.BuildRecord)) error {
	machines, err := c.pub.Records().ListMachines(ctx)
	if err != nil {
		return err
	}
	for _, machine := range machines {
		builds, err := c.pub.Records().ForMachine(ctx, machine)
		if err != nil {
			return err
		}
		for _, r := range builds {
			fn(r)
		}
	}
	return nil
}
