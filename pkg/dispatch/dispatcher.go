// Package dispatch turns inbound fragments into envelopes, classifies them and
// runs the matching handler, one lane per sending node.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"groundwave/pkg/assistant"
	"groundwave/pkg/bus"
	"groundwave/pkg/link"
	"groundwave/pkg/metrics"
	"groundwave/pkg/node"
	"groundwave/pkg/ratelimit"
	"groundwave/pkg/session"
	"groundwave/pkg/store"
	"groundwave/pkg/transmit"
)

// FailureReply is sent when a handler fails. Internal errors never go on air.
const FailureReply = "Sorry, that did not work. Try again later."

// Outbox queues replies on the scheduler of a link.
type Outbox interface {
	Enqueue(linkName string, job transmit.Job) (string, error)
}

// Assistant answers chat turns.
type Assistant interface {
	Respond(ctx context.Context, req assistant.Request) assistant.Reply
}

// Weather answers !wx and !forecast.
type Weather interface {
	Current(ctx context.Context) (string, error)
	Forecast(ctx context.Context) (string, error)
}

// Board is the bulletin board behind !bbs, !post, !mail and !read.
type Board interface {
	Boards() []string
	Post(ctx context.Context, board string, fromID string, fromName string, content string) (store.Post, error)
	SendMail(ctx context.Context, fromID string, fromName string, toID string, content string) (store.Post, error)
	Recent(ctx context.Context, board string) ([]store.Post, error)
	All(ctx context.Context, limit int) ([]store.Post, error)
	Mail(ctx context.Context, nodeID string) (int, []store.Post, error)
	MarkRead(ctx context.Context, postID string) error
}

// MessageLog records envelopes and replies. Failures are logged only.
type MessageLog interface {
	AppendMessage(ctx context.Context, m store.Message) (store.Message, error)
}

// Community is what !info and !help show.
type Community struct {
	Name        string
	Description string
	Contact     string
}

type Options struct {
	CommandPrefix     string
	ReplyPrefix       string
	ReassemblyTimeout time.Duration
	Community         Community
}

// Deps are the collaborators of a Dispatcher. Sessions, Nodes and Outbox are
// required; every other field may be nil to disable the feature.
type Deps struct {
	Sessions  *session.Store
	Nodes     *node.Registry
	Outbox    Outbox
	Events    *bus.MessageBus
	Assistant Assistant
	Weather   Weather
	Board     Board
	Log       MessageLog
	Limiter   ratelimit.Limiter
	// LocalID returns the own node id on a link so echoes can be ignored.
	LocalID func(linkName string) string
}

type handlerFunc func(ctx context.Context, req request) (string, error)

// request is one classified envelope handed to a handler.
type request struct {
	env  bus.Envelope
	cls  Classification
	name string
}

type lane struct {
	queue []bus.Envelope
}

type Dispatcher struct {
	opts     Options
	deps     Deps
	reasm    *Reassembler
	handlers map[string]handlerFunc
	log      *slog.Logger

	mu    sync.Mutex
	lanes map[string]*lane
	wg    sync.WaitGroup
}

func New(opts Options, deps Deps, log *slog.Logger) (*Dispatcher, error) {
	if deps.Sessions == nil || deps.Nodes == nil || deps.Outbox == nil {
		return nil, errors.New("dispatcher requires sessions, nodes and outbox")
	}
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(opts.CommandPrefix) == "" {
		opts.CommandPrefix = "!"
	}

	d := &Dispatcher{
		opts:  opts,
		deps:  deps,
		reasm: NewReassembler(opts.ReassemblyTimeout, log),
		log:   log.With("component", "dispatch.dispatcher"),
		lanes: make(map[string]*lane),
	}
	d.handlers = d.commandHandlers()
	return d, nil
}

// HandleFragment feeds one received fragment through reassembly and, once the
// envelope is complete, publishes it on the bus.
func (d *Dispatcher) HandleFragment(ctx context.Context, linkName string, frag link.Fragment) {
	if ctx == nil {
		ctx = context.Background()
	}

	metrics.FragmentsReceived.WithLabelValues(linkName).Inc()
	if frag.ArrivedAt.IsZero() {
		frag.ArrivedAt = time.Now().UTC()
	}
	d.deps.Nodes.Heard(frag.NodeID, linkName, frag.SNR, frag.RSSI, frag.ArrivedAt)

	env, ok := d.reasm.Add(linkName, frag)
	if !ok {
		return
	}

	if d.deps.Events == nil {
		d.Submit(ctx, env)
		return
	}
	if !d.deps.Events.PublishInbound(ctx, env) {
		d.log.Warn("Dropping envelope, bus closed", "link", linkName, "envelope_id", env.ID)
	}
}

// ExpireFragments drops envelopes that missed the reassembly timeout.
func (d *Dispatcher) ExpireFragments(ctx context.Context) int {
	expired := d.reasm.Expire()
	for _, inc := range expired {
		d.publish(ctx, bus.Event{
			Type:       bus.EventIncompleteMessage,
			Link:       inc.Link,
			NodeID:     inc.NodeID,
			EnvelopeID: inc.EnvelopeID,
			Payload:    map[string]string{"received": fmt.Sprint(inc.Received), "total": fmt.Sprint(inc.Total)},
			Error:      inc.Err.Error(),
		})
	}
	return len(expired)
}

// Run consumes envelopes from the bus until ctx is done, then waits for the
// lanes that are still working.
func (d *Dispatcher) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if d.deps.Events == nil {
		return errors.New("dispatcher run requires an event bus")
	}

	d.log.Info("Dispatcher started")
	for {
		env, ok := d.deps.Events.ConsumeInbound(ctx)
		if !ok {
			d.wg.Wait()
			d.log.Info("Dispatcher stopped")
			return nil
		}
		d.Submit(ctx, env)
	}
}

// Submit filters env and hands it to its sender's lane.
func (d *Dispatcher) Submit(ctx context.Context, env bus.Envelope) {
	if ctx == nil {
		ctx = context.Background()
	}

	if reason := d.filter(ctx, env); reason != "" {
		metrics.MessagesRouted.WithLabelValues("ignored").Inc()
		d.log.Debug("Ignoring message", "link", env.Link, "node_id", env.SenderID, "reason", reason)
		d.publish(ctx, bus.Event{Type: bus.EventMessageIgnored, Link: env.Link, NodeID: env.SenderID, EnvelopeID: env.ID, Payload: map[string]string{"reason": reason}})
		return
	}

	d.logMessage(ctx, store.Message{
		Link:      env.Link,
		Direction: store.DirectionIn,
		NodeID:    env.SenderID,
		Peer:      env.Destination,
		Channel:   env.Channel,
		Direct:    env.Direct,
		Text:      env.Text,
		CreatedAt: env.ReceivedAt,
	})
	d.publish(ctx, bus.Event{Type: bus.EventMessageReceived, Link: env.Link, NodeID: env.SenderID, EnvelopeID: env.ID, Payload: map[string]string{"text": env.Text}})

	key := env.SessionKey()

	d.mu.Lock()
	l, running := d.lanes[key]
	if !running {
		l = &lane{}
		d.lanes[key] = l
	}
	l.queue = append(l.queue, env)
	if !running {
		d.wg.Add(1)
		go d.drain(context.WithoutCancel(ctx), key, l)
	}
	d.mu.Unlock()
}

// Wait blocks until every lane has drained.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// drain runs the lane of one sender until its queue is empty.
func (d *Dispatcher) drain(ctx context.Context, key string, l *lane) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		if len(l.queue) == 0 {
			delete(d.lanes, key)
			d.mu.Unlock()
			return
		}
		env := l.queue[0]
		l.queue = l.queue[1:]
		d.mu.Unlock()

		d.process(ctx, env)
	}
}

func (d *Dispatcher) filter(ctx context.Context, env bus.Envelope) string {
	text := strings.TrimSpace(env.Text)
	if text == "" {
		return "empty"
	}
	if d.deps.LocalID != nil {
		if own := d.deps.LocalID(env.Link); own != "" && own == env.SenderID {
			return "own_message"
		}
	}
	if prefix := strings.TrimSpace(d.opts.ReplyPrefix); prefix != "" && strings.HasPrefix(text, prefix) {
		return "bot_message"
	}
	// Unicast traffic between other nodes is overheard, never answered.
	if !env.Direct && env.Destination != link.Broadcast {
		return "addressed_elsewhere"
	}
	if d.deps.Limiter != nil {
		allowed, err := d.deps.Limiter.Allow(ctx, env.Link+":"+env.SenderID)
		if err != nil {
			d.log.Warn("Rate limiter failed, allowing message", "node_id", env.SenderID, "error", err)
			return ""
		}
		if !allowed {
			metrics.RateLimited.Inc()
			return "rate_limited"
		}
	}
	return ""
}

// process classifies env, records the user turn and runs the handler.
func (d *Dispatcher) process(ctx context.Context, env bus.Envelope) {
	cls := Classify(env.Text, d.opts.CommandPrefix, env.Direct)
	if cls.Kind == KindIgnore {
		metrics.MessagesRouted.WithLabelValues("ignored").Inc()
		d.publish(ctx, bus.Event{Type: bus.EventMessageIgnored, Link: env.Link, NodeID: env.SenderID, EnvelopeID: env.ID, Payload: map[string]string{"reason": "not_addressed"}})
		return
	}

	turn := strings.TrimSpace(env.Text)
	if cls.Kind == KindCommand && cls.Command == CmdAI && cls.Arg != "" {
		turn = cls.Arg
	}
	d.deps.Sessions.Append(env.SessionKey(), session.RoleUser, turn)

	kind := cls.Command
	if cls.Kind == KindChat {
		kind = "chat"
	}
	metrics.MessagesRouted.WithLabelValues(kind).Inc()

	req := request{env: env, cls: cls, name: d.senderName(env.SenderID)}
	reply, err := d.invoke(ctx, req)
	if err != nil {
		d.log.Error("Handler failed", "link", env.Link, "node_id", env.SenderID, "kind", kind, "error", err)
		reply = FailureReply
	}

	d.publish(ctx, bus.Event{Type: bus.EventCommandHandled, Link: env.Link, NodeID: env.SenderID, EnvelopeID: env.ID, Payload: map[string]string{"kind": kind}, Error: errorString(err)})

	if strings.TrimSpace(reply) == "" {
		return
	}
	d.reply(ctx, env, reply)
}

// invoke runs the handler for req, turning panics into errors.
func (d *Dispatcher) invoke(ctx context.Context, req request) (reply string, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Handler panicked", "node_id", req.env.SenderID, "panic", r, "stack", string(debug.Stack()))
			reply, err = "", fmt.Errorf("handler panic: %v", r)
		}
	}()

	if req.cls.Kind == KindChat {
		return d.handleChat(ctx, req)
	}
	handler, ok := d.handlers[req.cls.Command]
	if !ok {
		handler = d.handleHelp
	}
	return handler(ctx, req)
}

// reply queues text back to the sender: direct messages get a direct job,
// broadcast commands get a broadcast on the same channel.
func (d *Dispatcher) reply(ctx context.Context, env bus.Envelope, text string) {
	text = d.opts.ReplyPrefix + text

	job := transmit.Job{Channel: env.Channel, Text: text, Priority: transmit.PriorityBroadcast, Destination: link.Broadcast}
	if env.Direct {
		job.Destination = env.SenderID
		job.Priority = transmit.PriorityDirect
	}

	jobID, err := d.deps.Outbox.Enqueue(env.Link, job)
	if err != nil {
		d.log.Warn("Reply not queued", "link", env.Link, "node_id", env.SenderID, "error", err)
		return
	}

	d.publish(ctx, bus.Event{Type: bus.EventReplyQueued, Link: env.Link, NodeID: env.SenderID, EnvelopeID: env.ID, JobID: jobID, Payload: map[string]string{"priority": job.Priority.String(), "text": text}})
	d.logMessage(ctx, store.Message{
		Link:      env.Link,
		Direction: store.DirectionOut,
		NodeID:    env.SenderID,
		Peer:      job.Destination,
		Channel:   env.Channel,
		Direct:    env.Direct,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	})
}

func (d *Dispatcher) senderName(id string) string {
	if n, ok := d.deps.Nodes.Get(id); ok {
		if name := strings.TrimSpace(n.ShortName); name != "" {
			return name
		}
		if name := strings.TrimSpace(n.LongName); name != "" {
			return name
		}
	}
	return ""
}

func (d *Dispatcher) logMessage(ctx context.Context, m store.Message) {
	if d.deps.Log == nil {
		return
	}
	if _, err := d.deps.Log.AppendMessage(ctx, m); err != nil {
		d.log.Warn("Failed to log message", "direction", m.Direction, "node_id", m.NodeID, "error", err)
	}
}

func (d *Dispatcher) publish(ctx context.Context, event bus.Event) {
	if d.deps.Events == nil {
		return
	}
	d.deps.Events.PublishEvent(ctx, event)
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
