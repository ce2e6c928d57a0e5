// Package records persists per-build metadata. The RecordDB contract has two
// backends, an in-memory map for tests and sqlite for production, selected at
// startup through a registry keyed by backend name.
package records

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"git.home.luguber.info/inful/gbp/internal/settings"
	"git.home.luguber.info/inful/gbp/internal/types"
)

// ErrNotFound is returned on record lookup misses.
var ErrNotFound = errors.New("record not found")

// SearchField names a searchable record field.
type SearchField string

const (
	SearchLogs SearchField = "logs"
	SearchNote SearchField = "note"
)

// NotSearchableError reports a Search on a field that does not support it.
type NotSearchableError struct {
	Field SearchField
}

func (e *NotSearchableError) Error() string {
	return fmt.Sprintf("field is not searchable: %q", e.Field)
}

// RecordDB is the record-store contract. Both backends satisfy it and the
// contract tests run against each.
type RecordDB interface {
	// Save upserts the record. When Submitted is nil it is set to now.
	// The updated record is returned.
	Save(ctx context.Context, r types.BuildRecord) (types.BuildRecord, error)

	// Get looks up the exact record; ErrNotFound on a miss.
	Get(ctx context.Context, b types.Build) (types.BuildRecord, error)

	// Exists never fails for "not found".
	Exists(ctx context.Context, b types.Build) (bool, error)

	// Delete is idempotent.
	Delete(ctx context.Context, b types.Build) error

	// ForMachine returns the machine's records ordered by built descending
	// (nulls last), then submitted descending.
	ForMachine(ctx context.Context, machine string) ([]types.BuildRecord, error)

	// Previous returns the same-machine record with the largest built
	// before r's, optionally restricted to completed records.
	Previous(ctx context.Context, r types.BuildRecord, completedOnly bool) (types.BuildRecord, error)

	// Next mirrors Previous in the ascending direction.
	Next(ctx context.Context, r types.BuildRecord, completedOnly bool) (types.BuildRecord, error)

	// Latest returns the record with the greatest built timestamp, falling
	// back to the greatest build id when no record carries built.
	Latest(ctx context.Context, machine string, completedOnly bool) (types.BuildRecord, error)

	// ListMachines returns distinct machine names, ascending.
	ListMachines(ctx context.Context) ([]string, error)

	// Search matches key as a case-insensitive substring of the field.
	Search(ctx context.Context, machine string, field SearchField, key string) ([]types.BuildRecord, error)

	// Count returns the total record count, or the machine's when machine
	// is non-empty.
	Count(ctx context.Context, machine string) (int, error)

	Close() error
}

// Opener creates a backend from settings.
type Opener func(s *settings.Settings) (RecordDB, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Opener{}
)

// Register adds a backend to the registry. Called from backend init funcs.
func Register(name string, open Opener) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = open
}

// Open resolves a backend by name. An unknown name is a startup error.
func Open(name string, s *settings.Settings) (RecordDB, error) {
	registryMu.RLock()
	open, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown records backend: %q", name)
	}
	return open(s)
}

// sortRecords orders by built descending with nulls last, then submitted
// descending. The sort is stable so equal keys keep insertion order.
func sortRecords(records []types.BuildRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		switch {
		case a.Built != nil && b.Built == nil:
			return true
		case a.Built == nil && b.Built != nil:
			return false
		case a.Built != nil && b.Built != nil && !a.Built.Equal(*b.Built):
			return a.Built.After(*b.Built)
		}
		switch {
		case a.Submitted == nil:
			return false
		case b.Submitted == nil:
			return true
		}
		return a.Submitted.After(*b.Submitted)
	})
}

// previousOf scans the machine's records (any order) for the neighbor with
// the largest built strictly before r's.
func previousOf(all []types.BuildRecord, r types.BuildRecord, completedOnly bool) (types.BuildRecord, error) {
	if r.Built == nil {
		return types.BuildRecord{}, ErrNotFound
	}
	var best *types.BuildRecord
	for i := range all {
		candidate := all[i]
		if candidate.Built == nil || !candidate.Built.Before(*r.Built) {
			continue
		}
		if completedOnly && candidate.Completed == nil {
			continue
		}
		if best == nil || candidate.Built.After(*best.Built) {
			best = &all[i]
		}
	}
	if best == nil {
		return types.BuildRecord{}, ErrNotFound
	}
	return *best, nil
}

// nextOf mirrors previousOf in the ascending direction.
func nextOf(all []types.BuildRecord, r types.BuildRecord, completedOnly bool) (types.BuildRecord, error) {
	if r.Built == nil {
		return types.BuildRecord{}, ErrNotFound
	}
	var best *types.BuildRecord
	for i := range all {
		candidate := all[i]
		if candidate.Built == nil || !candidate.Built.After(*r.Built) {
			continue
		}
		if completedOnly && candidate.Completed == nil {
			continue
		}
		if best == nil || candidate.Built.Before(*best.Built) {
			best = &all[i]
		}
	}
	if best == nil {
		return types.BuildRecord{}, ErrNotFound
	}
	return *best, nil
}

// latestOf picks the record with the greatest built; when no record carries
// built it falls back to the greatest build id, compared numerically when
// both ids are numeric (legacy tie-break).
func latestOf(all []types.BuildRecord, completedOnly bool) (types.BuildRecord, error) {
	var candidates []types.BuildRecord
	for _, r := range all {
		if completedOnly && r.Completed == nil {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return types.BuildRecord{}, ErrNotFound
	}

	var withBuilt []types.BuildRecord
	for _, r := range candidates {
		if r.Built != nil {
			withBuilt = append(withBuilt, r)
		}
	}
	if len(withBuilt) > 0 {
		best := withBuilt[0]
		for _, r := range withBuilt[1:] {
			if r.Built.After(*best.Built) {
				best = r
			}
		}
		return best, nil
	}

	best := candidates[0]
	for _, r := range candidates[1:] {
		if compareBuildID(r.BuildID, best.BuildID) > 0 {
			best = r
		}
	}
	return best, nil
}

// compareBuildID compares two build ids numerically when both parse as
// integers, lexicographically otherwise.
func compareBuildID(a, b string) int {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
