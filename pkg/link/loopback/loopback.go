// Package loopback is an in-process link used by the operator console and tests.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"groundwave/pkg/link"
	"groundwave/pkg/node"
)

const eventBacklog = 256

var errBacklogFull = errors.New("loopback event backlog full")

// Adapter records every sent frame and lets callers inject inbound traffic.
type Adapter struct {
	name       string
	localID    string
	maxPayload int

	nextID atomic.Uint64

	mu        sync.Mutex
	connected bool
	events    chan link.Event
	sent      []link.Frame
	failures  []error
	nodes     map[string]node.Node
	onSend    func(link.Frame)
}

// New builds a disconnected loopback link.
func New(name string, localID string, maxPayload int) *Adapter {
	if maxPayload <= 0 {
		maxPayload = 200
	}
	return &Adapter{
		name:       name,
		localID:    localID,
		maxPayload: maxPayload,
		nodes:      make(map[string]node.Node),
	}
}

func (a *Adapter) Name() string        { return a.name }
func (a *Adapter) MaxPayloadSize() int { return a.maxPayload }
func (a *Adapter) LocalNodeID() string { return a.localID }

func (a *Adapter) Connect(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected {
		return nil
	}
	a.events = make(chan link.Event, eventBacklog)
	a.connected = true
	return nil
}

func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return nil
	}
	a.connected = false
	close(a.events)
	return nil
}

// Connected reports the current link state.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *Adapter) Poll(ctx context.Context) <-chan link.Event {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return link.LostStream(link.ErrNotConnected)
	}
	return link.Forward(ctx, a.events)
}

func (a *Adapter) Send(_ context.Context, frame link.Frame) (link.Ack, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return link.Ack{}, &link.SendError{Link: a.name, Err: link.ErrNotConnected}
	}
	if len(a.failures) > 0 {
		err := a.failures[0]
		a.failures = a.failures[1:]
		a.mu.Unlock()
		return link.Ack{}, &link.SendError{Link: a.name, Err: err}
	}
	a.sent = append(a.sent, frame)
	hook := a.onSend
	a.mu.Unlock()

	if hook != nil {
		hook(frame)
	}
	return link.Ack{MessageID: strconv.FormatUint(a.nextID.Add(1), 10), Confirmed: true}, nil
}

func (a *Adapter) NodeSnapshot() []node.Node {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]node.Node, 0, len(a.nodes))
	for _, n := range a.nodes {
		out = append(out, n)
	}
	slices.SortFunc(out, func(x, y node.Node) int {
		if x.ID < y.ID {
			return -1
		}
		if x.ID > y.ID {
			return 1
		}
		return 0
	})
	return out
}

// OnSend registers a hook called after every successful send.
func (a *Adapter) OnSend(hook func(link.Frame)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onSend = hook
}

// Sent returns a copy of every frame sent so far.
func (a *Adapter) Sent() []link.Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.sent)
}

// FailNextSends makes the next len(errs) sends fail with the given errors.
func (a *Adapter) FailNextSends(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = append(a.failures, errs...)
}

// Inject delivers one inbound fragment as if heard over the air.
func (a *Adapter) Inject(frag link.Fragment) error {
	if frag.ArrivedAt.IsZero() {
		frag.ArrivedAt = time.Now().UTC()
	}
	if frag.Total <= 0 {
		frag.Total = 1
	}
	return a.push(link.Event{Type: link.EventMessageReceived, Fragment: frag, At: frag.ArrivedAt})
}

// InjectText delivers an unfragmented text message from nodeID.
func (a *Adapter) InjectText(nodeID string, text string, direct bool) error {
	frag := link.Fragment{
		NodeID:     nodeID,
		EnvelopeID: fmt.Sprintf("%s-%d", a.name, a.nextID.Add(1)),
		Total:      1,
		Data:       []byte(text),
		Direct:     direct,
	}
	if direct {
		frag.Destination = a.localID
	}
	return a.Inject(frag)
}

// InjectNode reports node telemetry.
func (a *Adapter) InjectNode(n node.Node) error {
	a.mu.Lock()
	a.nodes[n.ID] = n
	a.mu.Unlock()
	return a.push(link.Event{Type: link.EventNodeInfoUpdated, Node: n, At: time.Now().UTC()})
}

// DropLink simulates a lost radio connection.
func (a *Adapter) DropLink(cause error) {
	if cause == nil {
		cause = errors.New("loopback link dropped")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return
	}
	a.connected = false
	select {
	case a.events <- link.Event{Type: link.EventLinkLost, Err: cause, At: time.Now().UTC()}:
	default:
	}
	close(a.events)
}

func (a *Adapter) push(event link.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return link.ErrNotConnected
	}
	select {
	case a.events <- event:
		return nil
	default:
		return errBacklogFull
	}
}
