package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"git.home.luguber.info/inful/gbp/internal/publisher"
	"git.home.luguber.info/inful/gbp/internal/settings"
)

// job is the queue wire format.
type job struct {
	ID   string   `json:"id"`
	Task Task     `json:"task"`
	Args []string `json:"args,omitempty"`
}

// NATS is the distributed backend: Run enqueues onto a JetStream work-queue
// stream and Work consumes it. Any number of producers and consumers can
// share one stream; each job is delivered to exactly one consumer.
type NATS struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	subject string
	stream  string
	exec    executor
}

// NewNATS connects to the NATS server and ensures the work-queue stream
// exists.
func NewNATS(p *publisher.Publisher, s *settings.Settings) (*NATS, error) {
	conn, err := nats.Connect(s.NATSURL)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", s.NATSURL, err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	w := &NATS{
		conn:    conn,
		js:      js,
		subject: s.NATSSubject,
		stream:  streamName(s.NATSSubject),
	}
	w.exec = executor{
		pub:         p,
		enablePurge: s.EnablePurge,
		enqueue:     w.Run,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      w.stream,
		Subjects:  []string{w.subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create work-queue stream %s: %w", w.stream, err)
	}
	return w, nil
}

// Run enqueues the task; it does not wait for a consumer to run it.
func (w *NATS) Run(ctx context.Context, task Task, args ...string) error {
	j := job{ID: uuid.NewString(), Task: task, Args: args}
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if _, err := w.js.Publish(ctx, w.subject, data); err != nil {
		return fmt.Errorf("enqueue %s: %w", task, err)
	}
	slog.Debug("enqueued task", "id", j.ID, "task", string(task), "args", args)
	return nil
}

// Work consumes jobs until the context is canceled. Failed jobs are
// terminated rather than redelivered: the task implementations already retry
// what is worth retrying.
func (w *NATS) Work(ctx context.Context) error {
	cons, err := w.js.CreateOrUpdateConsumer(ctx, w.stream, jetstream.ConsumerConfig{
		Durable:   "gbp-worker",
		AckPolicy: jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	consume, err := cons.Consume(func(msg jetstream.Msg) {
		var j job
		if err := json.Unmarshal(msg.Data(), &j); err != nil {
			slog.Error("discarding malformed job", "error", err)
			_ = msg.Term()
			return
		}
		slog.Info("running task", "id", j.ID, "task", string(j.Task), "args", j.Args)
		if err := w.exec.perform(ctx, j.Task, j.Args); err != nil {
			slog.Error("task failed", "id", j.ID, "task", string(j.Task), "error", err)
			_ = msg.Term()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	defer consume.Stop()

	<-ctx.Done()
	return ctx.Err()
}

// Close drains the connection.
func (w *NATS) Close() error {
	if w.conn == nil {
		return nil
	}
	if err := w.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}

// streamName derives a JetStream-safe stream name from the subject
// ("gbp.tasks" becomes "GBP_TASKS").
func streamName(subject string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "*", "ANY", ">", "ALL").Replace(subject))
}

func init() {
	Register("nats", func(p *publisher.Publisher, s *settings.Settings) (Worker, error) {
		return NewNATS(p, s)
	})
}
