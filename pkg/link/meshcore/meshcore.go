// Package meshcore drives a MeshCore companion radio over its TCP link.
// Frames are 0x3c (to device) or 0x3e (from device), a little-endian
// uint16 length, then a msgpack body.
package meshcore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"groundwave/pkg/config"
	"groundwave/pkg/link"
	"groundwave/pkg/node"
)

const (
	linkName          = "meshcore"
	eventBacklog      = 256
	writeTimeout      = 5 * time.Second
	defaultAckTimeout = 30 * time.Second
)

type sendResult struct {
	ok  bool
	err string
}

// Adapter is the MeshCore companion link.
type Adapter struct {
	cfg        config.MeshCoreConfig
	ackTimeout time.Duration
	dial       func(ctx context.Context, address string) (net.Conn, error)
	log        *slog.Logger

	nextTag atomic.Uint32

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    net.Conn
	stop    context.CancelFunc
	events  chan link.Event
	localID string
	nodes   map[string]node.Node

	pendingMu sync.Mutex
	pending   map[uint32]chan sendResult
}

// NewAdapter builds a disconnected adapter for the companion at cfg.Address.
func NewAdapter(cfg config.MeshCoreConfig, log *slog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("links.meshcore.address is required")
	}
	if log == nil {
		log = slog.Default()
	}

	ackTimeout := time.Duration(cfg.AckTimeoutSecs) * time.Second
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}

	var dialer net.Dialer
	return &Adapter{
		cfg:        cfg,
		ackTimeout: ackTimeout,
		dial: func(ctx context.Context, address string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", address)
		},
		log:     log.With("component", "link.meshcore"),
		nodes:   make(map[string]node.Node),
		pending: make(map[uint32]chan sendResult),
	}, nil
}

func (a *Adapter) Name() string { return linkName }

func (a *Adapter) MaxPayloadSize() int {
	if a.cfg.MaxPayload > 0 {
		return a.cfg.MaxPayload
	}
	return 140
}

func (a *Adapter) LocalNodeID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.localID
}

// Connect opens the TCP link, performs the hello exchange and starts the read loop.
func (a *Adapter) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn != nil {
		return nil
	}

	conn, err := a.dial(ctx, a.cfg.Address)
	if err != nil {
		return &link.ConnectError{Link: linkName, Err: err}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	}

	reader := bufio.NewReader(conn)
	if err := writeFrame(conn, prefixToDevice, message{Kind: kindHello}); err != nil {
		_ = conn.Close()
		return &link.ConnectError{Link: linkName, Err: err}
	}
	self, err := readFrame(reader, prefixFromDevice)
	if err != nil {
		_ = conn.Close()
		return &link.ConnectError{Link: linkName, Err: fmt.Errorf("read self info: %w", err)}
	}
	if self.Kind != kindSelf {
		_ = conn.Close()
		return &link.ConnectError{Link: linkName, Err: fmt.Errorf("unexpected handshake reply %q", self.Kind)}
	}
	_ = conn.SetDeadline(time.Time{})

	if a.stop != nil {
		a.stop()
	}
	readCtx, stop := context.WithCancel(context.Background())
	events := make(chan link.Event, eventBacklog)
	a.conn = conn
	a.stop = stop
	a.events = events
	a.localID = self.From

	go a.readLoop(readCtx, conn, reader, events)

	a.log.Info("MeshCore companion connected", "address", a.cfg.Address, "node_id", self.From, "name", self.Name)
	return nil
}

// Disconnect closes the TCP link. It is safe when not connected.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	conn := a.conn
	stop := a.stop
	a.conn = nil
	a.stop = nil
	a.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("close meshcore link: %w", err)
	}
	return nil
}

func (a *Adapter) Poll(ctx context.Context) <-chan link.Event {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return link.LostStream(link.ErrNotConnected)
	}
	return link.Forward(ctx, a.events)
}

// Send writes one frame and waits for the companion's sent/err reply.
func (a *Adapter) Send(ctx context.Context, frame link.Frame) (link.Ack, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return link.Ack{}, &link.SendError{Link: linkName, Err: link.ErrNotConnected}
	}

	tag := a.nextTag.Add(1)
	results := make(chan sendResult, 1)
	a.pendingMu.Lock()
	a.pending[tag] = results
	a.pendingMu.Unlock()
	defer func() {
		a.pendingMu.Lock()
		delete(a.pending, tag)
		a.pendingMu.Unlock()
	}()

	msg := message{
		Kind:    kindSend,
		Tag:     tag,
		To:      frame.Destination,
		Channel: frame.Channel,
		Text:    frame.Text,
		Seq:     frame.Seq,
		Total:   frame.Total,
	}

	a.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := writeFrame(conn, prefixToDevice, msg)
	a.writeMu.Unlock()
	if err != nil {
		return link.Ack{}, &link.SendError{Link: linkName, Err: err}
	}

	timer := time.NewTimer(a.ackTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return link.Ack{}, &link.SendError{Link: linkName, Err: ctx.Err()}
	case <-timer.C:
		return link.Ack{}, &link.SendError{Link: linkName, Err: errors.New("companion did not confirm send")}
	case result := <-results:
		if !result.ok {
			return link.Ack{}, &link.SendError{Link: linkName, Err: fmt.Errorf("companion rejected send: %s", result.err)}
		}
		return link.Ack{MessageID: strconv.FormatUint(uint64(tag), 10), Confirmed: true}, nil
	}
}

func (a *Adapter) NodeSnapshot() []node.Node {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]node.Node, 0, len(a.nodes))
	for _, n := range a.nodes {
		out = append(out, n)
	}
	return out
}

// readLoop blocks when the backlog is full so fragments are never dropped.
// ctx is cancelled by Disconnect.
func (a *Adapter) readLoop(ctx context.Context, conn net.Conn, reader *bufio.Reader, events chan link.Event) {
	defer close(events)

	for {
		msg, err := readFrame(reader, prefixFromDevice)
		if err != nil {
			expected := a.release(conn)
			if !expected {
				a.log.Warn("MeshCore link read failed", "error", err)
			}
			select {
			case events <- link.Event{Type: link.EventLinkLost, Err: err, At: time.Now().UTC()}:
			case <-ctx.Done():
			}
			return
		}

		switch msg.Kind {
		case kindSent, kindErr:
			a.resolve(msg)
			continue
		}

		event, ok := decodeMessage(msg, time.Now().UTC())
		if !ok {
			continue
		}
		if event.Type == link.EventNodeInfoUpdated {
			a.mu.Lock()
			a.nodes[event.Node.ID] = event.Node
			a.mu.Unlock()
		}

		select {
		case events <- event:
		case <-ctx.Done():
			return
		}
	}
}

// release clears conn if it is still current. It reports whether the close was requested.
func (a *Adapter) release(conn net.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != conn {
		return true
	}
	a.conn = nil
	_ = conn.Close()
	return false
}

func (a *Adapter) resolve(msg message) {
	a.pendingMu.Lock()
	ch, ok := a.pending[msg.Tag]
	a.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- sendResult{ok: msg.Kind == kindSent, err: msg.Error}:
	default:
	}
}

func decodeMessage(msg message, at time.Time) (link.Event, bool) {
	switch msg.Kind {
	case kindMsg:
		frag := link.Fragment{
			NodeID:      msg.From,
			Destination: msg.To,
			Channel:     msg.Channel,
			EnvelopeID:  msg.Envelope,
			Index:       msg.Index,
			Total:       msg.FragTotal,
			Data:        []byte(msg.Text),
			Direct:      msg.To != "",
			SNR:         msg.SNR,
			RSSI:        msg.RSSI,
			ArrivedAt:   at,
		}
		if frag.Total <= 1 {
			frag.Total = 1
			frag.Index = 0
			if frag.EnvelopeID == "" {
				frag.EnvelopeID = fmt.Sprintf("%s-%d", msg.From, at.UnixNano())
			}
		}
		return link.Event{Type: link.EventMessageReceived, Fragment: frag, At: at}, true

	case kindContact:
		if msg.From == "" {
			return link.Event{}, false
		}
		n := node.Node{
			ID:       msg.From,
			LongName: msg.Name,
			Hardware: msg.Hardware,
			Link:     linkName,
			SNR:      msg.SNR,
			RSSI:     msg.RSSI,
			Battery:  msg.Battery,
			HopsAway: msg.Hops,
			LastSeen: at,
		}
		if msg.Lat != 0 || msg.Lon != 0 {
			n.Position = &node.Position{Latitude: msg.Lat, Longitude: msg.Lon}
		}
		return link.Event{Type: link.EventNodeInfoUpdated, Node: n, At: at}, true

	default:
		return link.Event{}, false
	}
}
