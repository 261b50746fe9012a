package transmit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groundwave/pkg/bus"
	"groundwave/pkg/link"
	"groundwave/pkg/link/loopback"
)

func fastOptions() Options {
	return Options{
		ChunkDelay:   time.Millisecond,
		RetryBackoff: time.Millisecond,
		FlushTimeout: time.Second,
		MaxAttempts:  3,
		QueueDepth:   8,
	}
}

func newTestScheduler(t *testing.T, maxPayload int, opts Options) (*Scheduler, *loopback.Adapter, *bus.MessageBus) {
	t.Helper()

	adapter := loopback.New("test", "!local", maxPayload)
	require.NoError(t, adapter.Connect(context.Background()))
	t.Cleanup(func() { _ = adapter.Disconnect() })

	events := bus.NewMessageBus()
	t.Cleanup(events.Close)

	return NewScheduler(adapter, opts, events, nil), adapter, events
}

func runScheduler(t *testing.T, s *Scheduler) (context.CancelFunc, <-chan struct{}) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel, done
}

func waitSent(t *testing.T, adapter *loopback.Adapter, n int) []link.Frame {
	t.Helper()
	require.Eventually(t, func() bool { return len(adapter.Sent()) >= n }, 2*time.Second, 2*time.Millisecond)
	return adapter.Sent()
}

func waitEvent(t *testing.T, events <-chan bus.Event, typ bus.EventType) bus.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case event := <-events:
			if event.Type == typ {
				return event
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
			return bus.Event{}
		}
	}
}

func TestDirectJobIsChunkedInOrder(t *testing.T) {
	s, adapter, _ := newTestScheduler(t, 10, fastOptions())
	s.SetLinkUp(true)
	runScheduler(t, s)

	text := strings.Repeat("abcdefghij", 3) + "xyz"
	id, err := s.Enqueue(Job{Destination: "!a1b2c3d4", Text: text, Priority: PriorityDirect})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	frames := waitSent(t, adapter, 4)
	require.Len(t, frames, 4)

	var joined strings.Builder
	for i, frame := range frames {
		assert.Equal(t, i+1, frame.Seq)
		assert.Equal(t, 4, frame.Total)
		assert.Equal(t, "!a1b2c3d4", frame.Destination)
		assert.True(t, frame.WantAck)
		assert.LessOrEqual(t, len(frame.Text), 10)
		joined.WriteString(frame.Text)
	}
	assert.Equal(t, text, joined.String())
}

func TestBroadcastFramesDoNotRequestAck(t *testing.T) {
	s, adapter, _ := newTestScheduler(t, 200, fastOptions())
	s.SetLinkUp(true)
	runScheduler(t, s)

	_, err := s.Enqueue(Job{Destination: link.Broadcast, Channel: 2, Text: "net check", Priority: PriorityBroadcast})
	require.NoError(t, err)

	frames := waitSent(t, adapter, 1)
	assert.False(t, frames[0].WantAck)
	assert.Equal(t, 2, frames[0].Channel)
}

func TestDirectJobsGoFirst(t *testing.T) {
	s, adapter, _ := newTestScheduler(t, 200, fastOptions())
	runScheduler(t, s)

	_, err := s.Enqueue(Job{Text: "broadcast one", Priority: PriorityBroadcast})
	require.NoError(t, err)
	_, err = s.Enqueue(Job{Destination: "!a", Text: "direct one", Priority: PriorityDirect})
	require.NoError(t, err)
	_, err = s.Enqueue(Job{Destination: "!b", Text: "direct two", Priority: PriorityDirect})
	require.NoError(t, err)
	assert.Equal(t, 3, s.Depth())

	s.SetLinkUp(true)

	frames := waitSent(t, adapter, 3)
	assert.Equal(t, []string{"direct one", "direct two", "broadcast one"}, frameTexts(frames))
}

func TestBroadcastYieldsToDirectBetweenChunks(t *testing.T) {
	s, adapter, _ := newTestScheduler(t, 4, fastOptions())

	var once sync.Once
	adapter.OnSend(func(frame link.Frame) {
		if frame.Destination != link.Broadcast {
			return
		}
		once.Do(func() {
			_, err := s.Enqueue(Job{Destination: "!a", Text: "ok", Priority: PriorityDirect})
			assert.NoError(t, err)
		})
	})

	s.SetLinkUp(true)
	runScheduler(t, s)

	_, err := s.Enqueue(Job{Text: "aaaabbbbcccc", Priority: PriorityBroadcast})
	require.NoError(t, err)

	frames := waitSent(t, adapter, 4)
	assert.Equal(t, []string{"aaaa", "ok", "bbbb", "cccc"}, frameTexts(frames))
	assert.Equal(t, 2, frames[2].Seq)
}

func TestRetryThenSuccess(t *testing.T) {
	s, adapter, _ := newTestScheduler(t, 200, fastOptions())
	adapter.FailNextSends(errors.New("radio busy"), errors.New("radio busy"))
	s.SetLinkUp(true)
	runScheduler(t, s)

	_, err := s.Enqueue(Job{Destination: "!a", Text: "hello", Priority: PriorityDirect})
	require.NoError(t, err)

	frames := waitSent(t, adapter, 1)
	assert.Equal(t, "hello", frames[0].Text)
}

func TestDeliveryAbandonedAfterMaxAttempts(t *testing.T) {
	s, adapter, events := newTestScheduler(t, 200, fastOptions())
	sub, unsubscribe := events.SubscribeEvents(context.Background(), 32)
	defer unsubscribe()

	adapter.FailNextSends(errors.New("nak"), errors.New("nak"), errors.New("nak"))
	s.SetLinkUp(true)
	runScheduler(t, s)

	id, err := s.Enqueue(Job{Destination: "!a", Text: "lost", Priority: PriorityDirect})
	require.NoError(t, err)

	event := waitEvent(t, sub, bus.EventDeliveryAbandoned)
	assert.Equal(t, id, event.JobID)
	assert.Equal(t, "test", event.Link)
	assert.Contains(t, event.Error, ErrDeliveryAbandoned.Error())

	_, err = s.Enqueue(Job{Destination: "!a", Text: "next", Priority: PriorityDirect})
	require.NoError(t, err)
	frames := waitSent(t, adapter, 1)
	assert.Equal(t, []string{"next"}, frameTexts(frames))
}

// gatedSender reports the first send as not connected, optionally after gate
// is closed, and delegates every later send to the loopback link.
type gatedSender struct {
	*loopback.Adapter
	calls atomic.Int32
	gate  chan struct{}
}

func (g *gatedSender) Send(ctx context.Context, frame link.Frame) (link.Ack, error) {
	if g.calls.Add(1) == 1 {
		if g.gate != nil {
			<-g.gate
		}
		return link.Ack{}, &link.SendError{Link: g.Name(), Err: link.ErrNotConnected}
	}
	return g.Adapter.Send(ctx, frame)
}

func newGatedScheduler(t *testing.T, opts Options, gate chan struct{}) (*Scheduler, *gatedSender) {
	t.Helper()

	adapter := loopback.New("test", "!local", 200)
	require.NoError(t, adapter.Connect(context.Background()))
	t.Cleanup(func() { _ = adapter.Disconnect() })

	sender := &gatedSender{Adapter: adapter, gate: gate}
	return NewScheduler(sender, opts, nil, nil), sender
}

func TestNotConnectedHoldsJobWithoutUsingAttempts(t *testing.T) {
	opts := fastOptions()
	opts.MaxAttempts = 1
	opts.RetryBackoff = time.Hour
	s, sender := newGatedScheduler(t, opts, nil)
	s.SetLinkUp(true)
	runScheduler(t, s)

	_, err := s.Enqueue(Job{Destination: "!a", Text: "queued through outage", Priority: PriorityDirect})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sender.calls.Load() == 1 && s.Depth() == 1 }, time.Second, time.Millisecond)
	assert.True(t, s.isLinkUp(), "link state belongs to the link owner")
	assert.Empty(t, sender.Sent())

	// The owner reports a fresh connection.
	s.SetLinkUp(true)
	frames := waitSent(t, sender.Adapter, 1)
	assert.Equal(t, "queued through outage", frames[0].Text)
}

func TestStaleNotConnectedDoesNotSuspendNewConnection(t *testing.T) {
	opts := fastOptions()
	opts.RetryBackoff = time.Hour
	gate := make(chan struct{})
	s, sender := newGatedScheduler(t, opts, gate)
	s.SetLinkUp(true)
	runScheduler(t, s)

	_, err := s.Enqueue(Job{Destination: "!a", Text: "sent after reconnect", Priority: PriorityDirect})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sender.calls.Load() == 1 }, time.Second, time.Millisecond)

	// The link drops and comes back while the failing send is still in flight.
	s.SetLinkUp(false)
	s.SetLinkUp(true)
	close(gate)

	frames := waitSent(t, sender.Adapter, 1)
	assert.Equal(t, "sent after reconnect", frames[0].Text)
	assert.True(t, s.isLinkUp())
}

func TestPacingBetweenChunks(t *testing.T) {
	opts := fastOptions()
	opts.ChunkDelay = 40 * time.Millisecond
	s, adapter, _ := newTestScheduler(t, 4, opts)

	var mu sync.Mutex
	var stamps []time.Time
	adapter.OnSend(func(link.Frame) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
	})

	s.SetLinkUp(true)
	runScheduler(t, s)

	_, err := s.Enqueue(Job{Destination: "!a", Text: "aaaabbbbcccc", Priority: PriorityDirect})
	require.NoError(t, err)
	waitSent(t, adapter, 3)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), 35*time.Millisecond)
	}
}

func TestQueueBoundDropsOldestBroadcast(t *testing.T) {
	opts := fastOptions()
	opts.QueueDepth = 2
	s, _, events := newTestScheduler(t, 200, opts)
	sub, unsubscribe := events.SubscribeEvents(context.Background(), 32)
	defer unsubscribe()

	oldest, err := s.Enqueue(Job{Text: "b1", Priority: PriorityBroadcast})
	require.NoError(t, err)
	_, err = s.Enqueue(Job{Text: "b2", Priority: PriorityBroadcast})
	require.NoError(t, err)
	_, err = s.Enqueue(Job{Destination: "!a", Text: "d1", Priority: PriorityDirect})
	require.NoError(t, err)

	event := waitEvent(t, sub, bus.EventJobDropped)
	assert.Equal(t, oldest, event.JobID)
	assert.Equal(t, 2, s.Depth())
}

func TestQueueBoundRejectsNewBroadcastWhenOnlyDirectsQueued(t *testing.T) {
	opts := fastOptions()
	opts.QueueDepth = 2
	s, _, _ := newTestScheduler(t, 200, opts)

	_, err := s.Enqueue(Job{Destination: "!a", Text: "d1", Priority: PriorityDirect})
	require.NoError(t, err)
	_, err = s.Enqueue(Job{Destination: "!b", Text: "d2", Priority: PriorityDirect})
	require.NoError(t, err)

	_, err = s.Enqueue(Job{Text: "b1", Priority: PriorityBroadcast})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, s.Depth())

	_, err = s.Enqueue(Job{Destination: "!c", Text: "d3", Priority: PriorityDirect})
	require.NoError(t, err)

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.direct, 2)
	assert.Equal(t, "d2", s.direct[0].Text)
	assert.Equal(t, "d3", s.direct[1].Text)
}

func TestShutdownFlushesDirectAndDiscardsBroadcast(t *testing.T) {
	s, adapter, _ := newTestScheduler(t, 200, fastOptions())

	_, err := s.Enqueue(Job{Text: "broadcast", Priority: PriorityBroadcast})
	require.NoError(t, err)
	_, err = s.Enqueue(Job{Destination: "!a", Text: "direct", Priority: PriorityDirect})
	require.NoError(t, err)

	s.SetLinkUp(true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx))

	assert.Equal(t, []string{"direct"}, frameTexts(adapter.Sent()))
	assert.Zero(t, s.Depth())
}

func TestEnqueueRejectsEmptyText(t *testing.T) {
	s, _, _ := newTestScheduler(t, 200, fastOptions())
	_, err := s.Enqueue(Job{Destination: "!a", Text: "  ", Priority: PriorityDirect})
	assert.Error(t, err)
	assert.Zero(t, s.Depth())
}

func frameTexts(frames []link.Frame) []string {
	out := make([]string, 0, len(frames))
	for _, frame := range frames {
		out = append(out, frame.Text)
	}
	return out
}
