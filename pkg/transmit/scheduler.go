// Package transmit chunks replies to a link's payload limit and paces them
// out through a single writer per link.
package transmit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"groundwave/pkg/bus"
	"groundwave/pkg/link"
	"groundwave/pkg/metrics"
)

var (
	// ErrDeliveryAbandoned marks a job dropped after exhausting its attempts.
	ErrDeliveryAbandoned = errors.New("delivery abandoned")
	// ErrQueueFull is returned by Enqueue when the new job itself was dropped.
	ErrQueueFull = errors.New("transmit queue full")
)

const (
	DefaultChunkDelay   = 15 * time.Second
	DefaultRetryBackoff = 5 * time.Second
	DefaultFlushTimeout = 10 * time.Second
	DefaultMaxAttempts  = 3
	DefaultQueueDepth   = 32
)

type Priority int

const (
	PriorityBroadcast Priority = iota
	PriorityDirect
)

func (p Priority) String() string {
	if p == PriorityDirect {
		return "direct"
	}
	return "broadcast"
}

// Job is one reply owned by the scheduler until delivered or abandoned.
type Job struct {
	ID          string
	Destination string
	Channel     int
	Text        string
	Priority    Priority
	CreatedAt   time.Time

	chunks   []Chunk
	pending  []int
	attempts int
	order    uint64
}

// Pending returns the indices of chunks not yet delivered.
func (j *Job) Pending() []int {
	return slices.Clone(j.pending)
}

// Options tune one scheduler. Zero values select the defaults.
type Options struct {
	ChunkDelay   time.Duration
	RetryBackoff time.Duration
	FlushTimeout time.Duration
	MaxAttempts  int
	QueueDepth   int
}

func (o Options) withDefaults() Options {
	if o.ChunkDelay < 0 {
		o.ChunkDelay = 0
	} else if o.ChunkDelay == 0 {
		o.ChunkDelay = DefaultChunkDelay
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = DefaultFlushTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = DefaultQueueDepth
	}
	return o
}

// Sender is the part of a link the scheduler drives.
type Sender interface {
	Name() string
	Send(ctx context.Context, frame link.Frame) (link.Ack, error)
	MaxPayloadSize() int
}

// Scheduler is the sole writer for one link.
type Scheduler struct {
	sender Sender
	opts   Options
	events *bus.MessageBus
	log    *slog.Logger

	wake chan struct{}

	mu        sync.Mutex
	direct    []*Job
	broadcast []*Job
	linkUp    bool
	// generation counts SetLinkUp(true) calls so a failure seen on an older
	// connection does not hold back the new one.
	generation uint64
	nextOrder uint64
	lastSend  time.Time
}

// NewScheduler builds a scheduler for sender. The link starts suspended until SetLinkUp(true).
func NewScheduler(sender Sender, opts Options, events *bus.MessageBus, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		sender: sender,
		opts:   opts.withDefaults(),
		events: events,
		log:    log.With("component", "transmit.scheduler", "link", sender.Name()),
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue chunks text and queues the job. It returns the job id.
func (s *Scheduler) Enqueue(job Job) (string, error) {
	if strings.TrimSpace(job.Text) == "" {
		return "", errors.New("enqueue job: text is empty")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	job.chunks = chunksFor(job.ID, job.Text, s.sender.MaxPayloadSize())
	job.pending = make([]int, len(job.chunks))
	for i := range job.pending {
		job.pending[i] = i
	}

	s.mu.Lock()
	s.nextOrder++
	job.order = s.nextOrder
	queued := &job

	var dropped *Job
	if s.depthLocked() >= s.opts.QueueDepth {
		dropped = s.evictLocked(queued)
	}
	if dropped != queued {
		s.insertLocked(queued)
	}
	depth := s.depthLocked()
	s.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(s.sender.Name()).Set(float64(depth))

	if dropped != nil {
		s.log.Warn("Dropping job, queue full", "job_id", dropped.ID, "priority", dropped.Priority, "destination", dropped.Destination)
		metrics.JobsDropped.WithLabelValues(s.sender.Name(), "queue_full").Inc()
		s.publish(bus.Event{Type: bus.EventJobDropped, JobID: dropped.ID, NodeID: dropped.Destination, Error: ErrQueueFull.Error()})
		if dropped == queued {
			return job.ID, ErrQueueFull
		}
	}

	s.log.Debug("Job queued", "job_id", job.ID, "priority", job.Priority, "chunks", len(job.chunks), "destination", job.Destination)
	s.signal()
	return job.ID, nil
}

// SetLinkUp suspends (false) or resumes (true) sending. Queued jobs are kept.
func (s *Scheduler) SetLinkUp(up bool) {
	s.mu.Lock()
	changed := s.linkUp != up
	s.linkUp = up
	if up {
		s.generation++
	}
	s.mu.Unlock()

	if changed {
		if up {
			s.log.Info("Transmit resumed")
		} else {
			s.log.Warn("Transmit suspended, link down")
		}
	}
	s.signal()
}

// Depth returns the number of queued jobs.
func (s *Scheduler) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depthLocked()
}

// Run sends queued jobs until ctx is done, then flushes direct replies.
func (s *Scheduler) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		job := s.next(ctx)
		if job == nil {
			s.shutdown()
			return nil
		}
		s.deliver(ctx, job)
	}
}

func (s *Scheduler) next(ctx context.Context) *Job {
	for {
		if ctx.Err() != nil {
			return nil
		}

		s.mu.Lock()
		if s.linkUp {
			if job := s.popLocked(); job != nil {
				s.mu.Unlock()
				return job
			}
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		}
	}
}

// deliver sends the pending chunks of job. Jobs interrupted by link loss,
// cancellation or a waiting direct reply go back to the queue.
func (s *Scheduler) deliver(ctx context.Context, job *Job) {
	name := s.sender.Name()

	for len(job.pending) > 0 {
		if err := s.pace(ctx); err != nil {
			s.requeue(job)
			return
		}
		if !s.isLinkUp() {
			s.requeue(job)
			return
		}

		chunk := job.chunks[job.pending[0]]
		frame := link.Frame{
			Destination: job.Destination,
			Channel:     job.Channel,
			Text:        chunk.Payload,
			Seq:         chunk.Seq,
			Total:       chunk.Total,
			WantAck:     job.Priority == PriorityDirect,
		}

		gen := s.currentGeneration()
		// The in-flight send always completes, even during shutdown.
		_, err := s.sender.Send(context.WithoutCancel(ctx), frame)
		s.markSent()

		if err == nil {
			job.pending = job.pending[1:]
			job.attempts = 0
			metrics.ChunksSent.WithLabelValues(name).Inc()
			s.publish(bus.Event{Type: bus.EventChunkSent, JobID: job.ID, NodeID: job.Destination, Payload: map[string]string{
				"seq":   strconv.Itoa(chunk.Seq),
				"total": strconv.Itoa(chunk.Total),
			}})

			if len(job.pending) > 0 && job.Priority == PriorityBroadcast && s.hasDirect() {
				s.log.Debug("Direct reply waiting, pausing broadcast", "job_id", job.ID)
				s.requeue(job)
				return
			}
			continue
		}

		if errors.Is(err, link.ErrNotConnected) {
			s.log.Warn("Link not connected, holding job", "job_id", job.ID, "seq", chunk.Seq)
			s.requeue(job)
			s.awaitReconnect(ctx, gen)
			return
		}

		job.attempts++
		if job.attempts >= s.opts.MaxAttempts {
			s.abandon(job, err)
			return
		}

		metrics.SendRetries.WithLabelValues(name).Inc()
		backoff := time.Duration(job.attempts) * s.opts.RetryBackoff
		s.log.Warn("Chunk send failed, retrying", "job_id", job.ID, "seq", chunk.Seq, "attempt", job.attempts, "backoff", backoff, "error", err)
		if err := sleep(ctx, backoff); err != nil {
			s.requeue(job)
			return
		}
	}

	s.log.Info("Job delivered", "job_id", job.ID, "destination", job.Destination, "chunks", len(job.chunks))
	s.publish(bus.Event{Type: bus.EventJobCompleted, JobID: job.ID, NodeID: job.Destination})
}

func (s *Scheduler) abandon(job *Job, cause error) {
	err := fmt.Errorf("%w: job %s after %d attempts: %w", ErrDeliveryAbandoned, job.ID, job.attempts, cause)
	s.log.Error("Delivery abandoned", "job_id", job.ID, "destination", job.Destination, "pending_chunks", len(job.pending), "error", err)
	metrics.JobsAbandoned.WithLabelValues(s.sender.Name()).Inc()
	s.publish(bus.Event{Type: bus.EventDeliveryAbandoned, JobID: job.ID, NodeID: job.Destination, Error: err.Error()})
}

// shutdown discards broadcast jobs and flushes direct jobs until the flush timeout.
func (s *Scheduler) shutdown() {
	s.mu.Lock()
	discarded := len(s.broadcast)
	s.broadcast = nil
	s.mu.Unlock()

	if discarded > 0 {
		s.log.Info("Discarding queued broadcast jobs", "count", discarded)
		metrics.JobsDropped.WithLabelValues(s.sender.Name(), "shutdown").Add(float64(discarded))
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), s.opts.FlushTimeout)
	defer cancel()

	for flushCtx.Err() == nil && s.isLinkUp() {
		s.mu.Lock()
		job := s.popLocked()
		s.mu.Unlock()
		if job == nil {
			break
		}
		s.deliver(flushCtx, job)
	}

	s.mu.Lock()
	remaining := len(s.direct) + len(s.broadcast)
	s.direct, s.broadcast = nil, nil
	s.mu.Unlock()

	if remaining > 0 {
		s.log.Warn("Dropping unsent jobs at shutdown", "count", remaining)
		metrics.JobsDropped.WithLabelValues(s.sender.Name(), "shutdown").Add(float64(remaining))
	}
	metrics.QueueDepth.WithLabelValues(s.sender.Name()).Set(0)
}

// pace waits until the chunk delay has passed since the previous send.
func (s *Scheduler) pace(ctx context.Context) error {
	s.mu.Lock()
	last := s.lastSend
	s.mu.Unlock()

	if last.IsZero() {
		return ctx.Err()
	}
	return sleep(ctx, time.Until(last.Add(s.opts.ChunkDelay)))
}

func (s *Scheduler) markSent() {
	s.mu.Lock()
	s.lastSend = time.Now()
	s.mu.Unlock()
}

func (s *Scheduler) requeue(job *Job) {
	s.mu.Lock()
	s.insertLocked(job)
	s.mu.Unlock()
	s.signal()
}

// awaitReconnect waits for the link owner to report a new connection or a
// loss, for one retry backoff at most. Link state stays with the owner.
func (s *Scheduler) awaitReconnect(ctx context.Context, gen uint64) {
	timer := time.NewTimer(s.opts.RetryBackoff)
	defer timer.Stop()

	for {
		s.mu.Lock()
		moved := s.generation != gen || !s.linkUp
		s.mu.Unlock()
		if moved {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case <-s.wake:
		}
	}
}

func (s *Scheduler) currentGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *Scheduler) isLinkUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.linkUp
}

func (s *Scheduler) hasDirect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.direct) > 0
}

func (s *Scheduler) depthLocked() int {
	return len(s.direct) + len(s.broadcast)
}

// insertLocked keeps each class ordered by creation.
func (s *Scheduler) insertLocked(job *Job) {
	queue := &s.broadcast
	if job.Priority == PriorityDirect {
		queue = &s.direct
	}
	i, _ := slices.BinarySearchFunc(*queue, job.order, func(j *Job, order uint64) int {
		switch {
		case j.order < order:
			return -1
		case j.order > order:
			return 1
		default:
			return 0
		}
	})
	*queue = slices.Insert(*queue, i, job)
}

func (s *Scheduler) popLocked() *Job {
	if len(s.direct) > 0 {
		job := s.direct[0]
		s.direct = s.direct[1:]
		return job
	}
	if len(s.broadcast) > 0 {
		job := s.broadcast[0]
		s.broadcast = s.broadcast[1:]
		return job
	}
	return nil
}

// evictLocked removes the oldest job of the lowest class among the queue and
// incoming. It returns the victim, which may be incoming itself.
func (s *Scheduler) evictLocked(incoming *Job) *Job {
	if len(s.broadcast) > 0 {
		victim := s.broadcast[0]
		s.broadcast = s.broadcast[1:]
		return victim
	}
	if incoming.Priority == PriorityBroadcast {
		return incoming
	}
	if len(s.direct) > 0 {
		victim := s.direct[0]
		s.direct = s.direct[1:]
		return victim
	}
	return nil
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) publish(event bus.Event) {
	if s.events == nil {
		return
	}
	event.Link = s.sender.Name()
	s.events.PublishEvent(context.Background(), event)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
