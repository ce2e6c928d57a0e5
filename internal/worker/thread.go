package worker

import (
	"context"
	"log/slog"
	"sync"

	"git.home.luguber.info/inful/gbp/internal/publisher"
	"git.home.luguber.info/inful/gbp/internal/settings"
)

// Thread runs each task on its own goroutine. Run normally returns as soon
// as the task is spawned; with the wait option it blocks until the task
// finishes and returns its error, which is what tests want.
type Thread struct {
	exec executor
	wait bool
	wg   sync.WaitGroup
}

// NewThread returns a goroutine-per-task worker.
func NewThread(p *publisher.Publisher, s *settings.Settings) *Thread {
	w := &Thread{wait: s.WorkerThreadWait}
	w.exec = executor{
		pub:         p,
		enablePurge: s.EnablePurge,
		enqueue:     w.Run,
	}
	return w
}

func (w *Thread) Run(ctx context.Context, task Task, args ...string) error {
	if w.wait {
		return w.exec.perform(ctx, task, args)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.exec.perform(ctx, task, args); err != nil {
			slog.Error("task failed", "task", string(task), "args", args, "error", err)
		}
	}()
	return nil
}

// Work waits for cancellation, then drains in-flight tasks.
func (w *Thread) Work(ctx context.Context) error {
	<-ctx.Done()
	w.wg.Wait()
	return ctx.Err()
}

func init() {
	Register("thread", func(p *publisher.Publisher, s *settings.Settings) (Worker, error) {
		return NewThread(p, s), nil
	})
}
