package worker

import (
	"context"

	"git.home.luguber.info/inful/gbp/internal/publisher"
	"git.home.luguber.info/inful/gbp/internal/settings"
)

// Sync runs every task inline on the caller's goroutine. It is the backend
// for one-shot CLI invocations and for tests.
type Sync struct {
	exec executor
}

// NewSync returns an inline worker.
func NewSync(p *publisher.Publisher, s *settings.Settings) *Sync {
	w := &Sync{}
	w.exec = executor{
		pub:         p,
		enablePurge: s.EnablePurge,
		enqueue:     w.Run,
	}
	return w
}

func (w *Sync) Run(ctx context.Context, task Task, args ...string) error {
	return w.exec.perform(ctx, task, args)
}

// Work has nothing to consume; it waits out the context so callers can treat
// every backend uniformly.
func (w *Sync) Work(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func init() {
	Register("sync", func(p *publisher.Publisher, s *settings.Settings) (Worker, error) {
		return NewSync(p, s), nil
	})
}
