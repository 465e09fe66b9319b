package replies

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"persona-ledger/internal/ledger"

	"github.com/stretchr/testify/require"
)

type recordingResponder struct {
	mu    sync.Mutex
	seen  []string
	err   error
	block chan struct{}
}

func (r *recordingResponder) Reply(ctx context.Context, job Job) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, job.Message.ID)
	return r.err
}

func (r *recordingResponder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func job(id string) Job {
	return Job{UserID: "u1", Message: ledger.Message{ID: id, ConversationID: "c1"}}
}

func TestDispatcherDeliversAndDrainsOnStop(t *testing.T) {
	resp := &recordingResponder{}
	d := NewDispatcher(resp, 2, 8, quietLogger())
	require.NoError(t, d.Start(context.Background()))

	for _, id := range []string{"m1", "m2", "m3"} {
		require.True(t, d.Enqueue(job(id)))
	}
	require.NoError(t, d.Stop(context.Background()))
	require.ElementsMatch(t, []string{"m1", "m2", "m3"}, resp.ids())

	require.False(t, d.Enqueue(job("late")))
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	resp := &recordingResponder{}
	// Not started: nothing consumes the queue.
	d := NewDispatcher(resp, 1, 1, quietLogger())

	require.True(t, d.Enqueue(job("m1")))
	require.False(t, d.Enqueue(job("m2")))
}

func TestDispatcherResponderFailureIsContained(t *testing.T) {
	resp := &recordingResponder{err: errors.New("model offline")}
	d := NewDispatcher(resp, 1, 4, quietLogger())
	require.NoError(t, d.Start(context.Background()))

	require.True(t, d.Enqueue(job("m1")))
	require.True(t, d.Enqueue(job("m2")))
	require.NoError(t, d.Stop(context.Background()))
	require.Equal(t, []string{"m1", "m2"}, resp.ids())
}

func TestDispatcherStopHonoursDeadline(t *testing.T) {
	resp := &recordingResponder{block: make(chan struct{})}
	d := NewDispatcher(resp, 1, 4, quietLogger())
	require.NoError(t, d.Start(context.Background()))
	require.True(t, d.Enqueue(job("m1")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(resp.block)
	}()
	require.ErrorIs(t, d.Stop(ctx), context.DeadlineExceeded)
}

func TestLogResponder(t *testing.T) {
	var buf bytes.Buffer
	r := LogResponder{Log: slog.New(slog.NewJSONHandler(&buf, nil))}
	require.NoError(t, r.Reply(context.Background(), job("m9")))
	require.Contains(t, buf.String(), `"message_id":"m9"`)
}
