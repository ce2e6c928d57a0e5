package records

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"git.home.luguber.info/inful/gbp/internal/settings"
	"git.home.luguber.info/inful/gbp/internal/types"
)

func init() {
	Register("memory", func(*settings.Settings) (RecordDB, error) {
		return NewMemory(), nil
	})
}

// Memory is the in-memory RecordDB backend. State lives for the process only;
// it exists for tests and ephemeral deployments.
type Memory struct {
	mu      sync.RWMutex
	records map[string]types.BuildRecord // keyed by Build.String()
}

// NewMemory returns an empty in-memory record store.
func NewMemory() *Memory {
	return &Memory{records: map[string]types.BuildRecord{}}
}

func (m *Memory) Save(_ context.Context, r types.BuildRecord) (types.BuildRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.Submitted == nil {
		now := time.Now().UTC()
		r.Submitted = &now
	}
	m.records[r.Build.String()] = r
	return r, nil
}

func (m *Memory) Get(_ context.Context, b types.Build) (types.BuildRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[b.String()]
	if !ok {
		return types.BuildRecord{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) Exists(_ context.Context, b types.Build) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.records[b.String()]
	return ok, nil
}

func (m *Memory) Delete(_ context.Context, b types.Build) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, b.String())
	return nil
}

func (m *Memory) forMachine(machine string) []types.BuildRecord {
	var out []types.BuildRecord
	for _, r := range m.records {
		if r.Machine == machine {
			out = append(out, r)
		}
	}
	// Map iteration order is random; pin a deterministic base order before
	// the stable sort so ties resolve consistently.
	sort.Slice(out, func(i, j int) bool {
		return compareBuildID(out[i].BuildID, out[j].BuildID) < 0
	})
	return out
}

func (m *Memory) ForMachine(_ context.Context, machine string) ([]types.BuildRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.forMachine(machine)
	sortRecords(out)
	return out, nil
}

func (m *Memory) Previous(_ context.Context, r types.BuildRecord, completedOnly bool) (types.BuildRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return previousOf(m.forMachine(r.Machine), r, completedOnly)
}

func (m *Memory) Next(_ context.Context, r types.BuildRecord, completedOnly bool) (types.BuildRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return nextOf(m.forMachine(r.Machine), r, completedOnly)
}

func (m *Memory) Latest(_ context.Context, machine string, completedOnly bool) (types.BuildRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return latestOf(m.forMachine(machine), completedOnly)
}

func (m *Memory) ListMachines(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := map[string]bool{}
	for _, r := range m.records {
		seen[r.Machine] = true
	}
	machines := make([]string, 0, len(seen))
	for machine := range seen {
		machines = append(machines, machine)
	}
	sort.Strings(machines)
	return machines, nil
}

func (m *Memory) Search(_ context.Context, machine string, field SearchField, key string) ([]types.BuildRecord, error) {
	if field != SearchLogs && field != SearchNote {
		return nil, &NotSearchableError{Field: field}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	needle := strings.ToLower(key)
	var out []types.BuildRecord
	for _, r := range m.forMachine(machine) {
		haystack := r.Logs
		if field == SearchNote {
			haystack = r.Note
		}
		if strings.Contains(strings.ToLower(haystack), needle) {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out, nil
}

func (m *Memory) Count(_ context.Context, machine string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if machine == "" {
		return len(m.records), nil
	}
	return len(m.forMachine(machine)), nil
}

func (m *Memory) Close() error { return nil }
