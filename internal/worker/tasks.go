package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v4"

	"git.home.luguber.info/inful/gbp/internal/jenkins"
	"git.home.luguber.info/inful/gbp/internal/publisher"
	"git.home.luguber.info/inful/gbp/internal/types"
)

// UnknownTaskError reports a task name no backend knows how to run.
type UnknownTaskError struct {
	Task Task
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("unknown task: %q", string(e.Task))
}

// executor holds the task implementations shared by every backend. enqueue
// loops back into the owning Worker so tasks can schedule follow-up tasks
// through the same queue they arrived on.
type executor struct {
	pub         *publisher.Publisher
	enablePurge bool
	enqueue     func(ctx context.Context, task Task, args ...string) error
}

// perform runs one task. Argument layout per task:
//
//	pull_build    <build> [note [tag...]]
//	publish_build <build>
//	purge_machine <machine>
//	delete_build  <build>
func (e *executor) perform(ctx context.Context, task Task, args []string) error {
	switch task {
	case PullBuild:
		b, err := buildArg(task, args)
		if err != nil {
			return err
		}
		var note string
		var tags []string
		if len(args) > 1 {
			note = args[1]
		}
		if len(args) > 2 {
			tags = args[2:]
		}
		return e.pullBuild(ctx, b, note, tags)
	case PublishBuild:
		b, err := buildArg(task, args)
		if err != nil {
			return err
		}
		return e.publishBuild(ctx, b)
	case PurgeMachine:
		if len(args) < 1 {
			return fmt.Errorf("%s: missing machine argument", task)
		}
		return e.pub.Purge(ctx, args[0])
	case DeleteBuild:
		b, err := buildArg(task, args)
		if err != nil {
			return err
		}
		return e.pub.Delete(ctx, b)
	}
	return &UnknownTaskError{Task: task}
}

// pullBuild pulls with retries on transient CI errors. A build the CI server
// does not have is terminal. After a final failure the partial build is
// deleted and the error surfaced so queue backends can dead-letter the task.
func (e *executor) pullBuild(ctx context.Context, b types.Build, note string, tags []string) error {
	op := func() error {
		_, err := e.pub.Pull(ctx, b, note, tags)
		if err == nil {
			return nil
		}
		if retryable(err) {
			slog.Warn("pull failed, will retry", "build", b.String(), "error", err)
			return err
		}
		return backoff.Permanent(err)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		slog.Error("pull abandoned", "build", b.String(), "error", err)
		if derr := e.pub.Delete(ctx, b); derr != nil {
			slog.Error("cleanup after abandoned pull", "build", b.String(), "error", derr)
		}
		return err
	}

	if e.enablePurge {
		return e.enqueue(ctx, PurgeMachine, b.Machine)
	}
	return nil
}

// publishBuild publishes, pulling first when needed. CI errors during that
// pull are logged and swallowed: the machine keeps serving whatever it
// already publishes.
func (e *executor) publishBuild(ctx context.Context, b types.Build) error {
	pulled, err := e.pub.Pulled(ctx, b)
	if err != nil {
		return err
	}
	if !pulled {
		if _, err := e.pub.Pull(ctx, b, "", nil); err != nil {
			if ciError(err) {
				slog.Error("publish: pull from CI failed, not publishing", "build", b.String(), "error", err)
				return nil
			}
			return err
		}
	}
	return e.pub.Publish(ctx, b)
}

func buildArg(task Task, args []string) (types.Build, error) {
	if len(args) < 1 {
		return types.Build{}, fmt.Errorf("%s: missing build argument", task)
	}
	return types.ParseBuild(args[0])
}

// retryable reports whether err is a transient CI failure worth retrying.
// 404s and client errors are not; connection failures and 5xx are.
func retryable(err error) bool {
	var notFound *jenkins.NotFoundError
	if errors.As(err, &notFound) {
		return false
	}
	var transport *jenkins.TransportError
	if errors.As(err, &transport) {
		return transport.Status == 0 || transport.Status >= 500
	}
	return false
}

func ciError(err error) bool {
	var notFound *jenkins.NotFoundError
	var transport *jenkins.TransportError
	return errors.As(err, &notFound) || errors.As(err, &transport)
}
