// Package locks provides in-process advisory locks keyed by string. The
// publisher serialises pulls per build and publish/tag operations per
// machine with these; locks for distinct keys never contend.
package locks

import (
	"sync"

	"git.home.luguber.info/inful/gbp/internal/types"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Keyed hands out one mutex per key, created on demand and dropped when the
// last holder releases it.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// NewKeyed returns an empty lock table.
func NewKeyed() *Keyed {
	return &Keyed{locks: map[string]*entry{}}
}

// Lock acquires the key's mutex, blocking until available. The returned
// function releases it and must be called exactly once.
func (k *Keyed) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			k.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
		})
	}
}

// LockBuild acquires the per-build lock.
func (k *Keyed) LockBuild(b types.Build) func() {
	return k.Lock("build/" + b.String())
}

// LockMachine acquires the per-machine lock.
func (k *Keyed) LockMachine(machine string) func() {
	return k.Lock("machine/" + machine)
}
