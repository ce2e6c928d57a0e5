// Package worker runs build tasks (pull, publish, purge, delete) on one of
// several backends: inline, goroutine-per-task, or a NATS JetStream work
// queue. Backends register themselves; Open resolves by name.
package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"git.home.luguber.info/inful/gbp/internal/publisher"
	"git.home.luguber.info/inful/gbp/internal/settings"
)

// Task names a unit of work. Tasks are serialized onto queues, so the values
// are part of the wire format.
type Task string

const (
	PullBuild    Task = "pull_build"
	PublishBuild Task = "publish_build"
	PurgeMachine Task = "purge_machine"
	DeleteBuild  Task = "delete_build"
)

// Worker schedules and runs tasks.
//
// Run submits a task. Immediate backends execute it before returning; queue
// backends only enqueue it, and a separate consumer process executes it in
// Work. Work blocks consuming tasks until the context is canceled; for
// immediate backends it just waits.
type Worker interface {
	Run(ctx context.Context, task Task, args ...string) error
	Work(ctx context.Context) error
}

// Opener constructs a backend from the publisher and settings.
type Opener func(*publisher.Publisher, *settings.Settings) (Worker, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Opener{}
)

// Register makes a backend available under name. Called from init.
func Register(name string, open Opener) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = open
}

// Open constructs the backend selected by s.WorkerBackend.
func Open(p *publisher.Publisher, s *settings.Settings) (Worker, error) {
	registryMu.RLock()
	open, ok := registry[s.WorkerBackend]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown worker backend %q (have %v)", s.WorkerBackend, backends())
	}
	return open(p, s)
}

func backends() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
