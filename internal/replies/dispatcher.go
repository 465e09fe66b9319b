// Package replies hands committed client messages to the AI reply
// collaborator. Dispatch is fire-and-forget: a dropped or failed reply never
// touches the charge that preceded it.
package replies

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"persona-ledger/internal/ledger"
)

const replyTimeout = 30 * time.Second

// Job is one reply request for a committed message.
type Job struct {
	UserID  string
	Message ledger.Message
}

// Responder produces the persona's reply. Generation lives outside this
// service; implementations call out to it.
type Responder interface {
	Reply(ctx context.Context, job Job) error
}

// Dispatcher runs a fixed pool of workers over a bounded queue.
type Dispatcher struct {
	responder Responder
	log       *slog.Logger
	workers   int

	mu      sync.Mutex
	queue   chan Job
	running bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewDispatcher(responder Responder, workers, size int, log *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if size <= 0 {
		size = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		responder: responder,
		log:       log.With("component", "replies"),
		workers:   workers,
		queue:     make(chan Job, size),
	}
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("replies: dispatcher stopped")
	}
	if d.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(runCtx)
	}
	d.log.Info("reply dispatcher started", "workers", d.workers, "queue_size", cap(d.queue))
	return nil
}

// Enqueue never blocks. It reports false when the job was dropped because
// the queue is full or the dispatcher is stopped.
func (d *Dispatcher) Enqueue(job Job) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.log.Warn("reply dropped: dispatcher stopped", "message_id", job.Message.ID)
		return false
	}
	select {
	case d.queue <- job:
		return true
	default:
		d.log.Warn("reply dropped: queue full",
			"message_id", job.Message.ID,
			"conversation_id", job.Message.ConversationID,
		)
		return false
	}
}

// Stop closes the queue and waits for workers to drain it. If ctx expires
// first, in-flight replies are cancelled.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	cancel := d.cancel
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-done
		return ctx.Err()
	}
	if cancel != nil {
		cancel()
	}
	d.log.Info("reply dispatcher stopped")
	return nil
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for job := range d.queue {
		d.handle(ctx, job)
	}
}

func (d *Dispatcher) handle(ctx context.Context, job Job) {
	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("reply panicked", "message_id", job.Message.ID, "panic", r)
		}
	}()

	if err := d.responder.Reply(ctx, job); err != nil {
		d.log.Error("reply failed",
			"message_id", job.Message.ID,
			"conversation_id", job.Message.ConversationID,
			"error", err,
		)
	}
}

// LogResponder records reply requests without generating anything. It is
// the default when no generation backend is configured.
type LogResponder struct {
	Log *slog.Logger
}

func (r LogResponder) Reply(ctx context.Context, job Job) error {
	l := r.Log
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "reply requested",
		"user_id", job.UserID,
		"conversation_id", job.Message.ConversationID,
		"message_id", job.Message.ID,
		"kind", job.Message.Kind,
	)
	return nil
}
