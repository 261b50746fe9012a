// Package meshtastic drives a Meshtastic node through a JSON packet bridge
// reachable over WebSocket. Packets follow the MQTT JSON shape
// (type/from/to/channel/payload) with two additions: outbound sequence
// metadata and inbound fragment metadata.
package meshtastic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"groundwave/pkg/config"
	"groundwave/pkg/link"
	"groundwave/pkg/node"
)

const (
	linkName          = "meshtastic"
	broadcastAddr     = uint32(0xffffffff)
	eventBacklog      = 256
	readLimit         = 64 << 10
	defaultAckTimeout = 30 * time.Second
)

type packet struct {
	Type      string          `json:"type"`
	ID        uint32          `json:"id,omitempty"`
	From      uint32          `json:"from,omitempty"`
	To        uint32          `json:"to,omitempty"`
	Channel   int             `json:"channel,omitempty"`
	RxSNR     float64         `json:"rx_snr,omitempty"`
	RxRSSI    int             `json:"rx_rssi,omitempty"`
	HopsAway  *int            `json:"hops_away,omitempty"`
	WantAck   bool            `json:"want_ack,omitempty"`
	Seq       int             `json:"seq,omitempty"`
	Total     int             `json:"total,omitempty"`
	RequestID uint32          `json:"request_id,omitempty"`
	OK        bool            `json:"ok,omitempty"`
	Error     string          `json:"error,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Frag      *fragInfo       `json:"frag,omitempty"`
}

type fragInfo struct {
	Envelope string `json:"env"`
	Index    int    `json:"idx"`
	Total    int    `json:"total"`
}

type textPayload struct {
	Text string `json:"text"`
}

type nodeInfoPayload struct {
	ID        string `json:"id"`
	LongName  string `json:"longname"`
	ShortName string `json:"shortname"`
	Hardware  any    `json:"hardware"`
}

type telemetryPayload struct {
	BatteryLevel *int `json:"battery_level"`
}

type positionPayload struct {
	LatitudeI  int32 `json:"latitude_i"`
	LongitudeI int32 `json:"longitude_i"`
	Altitude   int32 `json:"altitude"`
}

type ackResult struct {
	ok  bool
	err string
}

// Adapter is the Meshtastic bridge link.
type Adapter struct {
	cfg        config.MeshtasticConfig
	ackTimeout time.Duration
	log        *slog.Logger

	nextRequest atomic.Uint32

	mu        sync.Mutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	events    chan link.Event
	localID   string
	nodes     map[string]node.Node
	pendingMu sync.Mutex
	pending   map[uint32]chan ackResult
}

// NewAdapter validates the bridge URL and builds a disconnected adapter.
func NewAdapter(cfg config.MeshtasticConfig, log *slog.Logger) (*Adapter, error) {
	url := strings.TrimSpace(cfg.URL)
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return nil, fmt.Errorf("links.meshtastic.url must be a ws:// or wss:// URL, got %q", cfg.URL)
	}
	if log == nil {
		log = slog.Default()
	}

	ackTimeout := time.Duration(cfg.AckTimeoutSecs) * time.Second
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}

	return &Adapter{
		cfg:        cfg,
		ackTimeout: ackTimeout,
		log:        log.With("component", "link.meshtastic"),
		nodes:      make(map[string]node.Node),
		pending:    make(map[uint32]chan ackResult),
	}, nil
}

func (a *Adapter) Name() string { return linkName }

func (a *Adapter) MaxPayloadSize() int {
	if a.cfg.MaxPayload > 0 {
		return a.cfg.MaxPayload
	}
	return 200
}

func (a *Adapter) LocalNodeID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.localID
}

// Connect dials the bridge and starts the read loop. It is a no-op while connected.
func (a *Adapter) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn != nil {
		return nil
	}

	conn, _, err := websocket.Dial(ctx, a.cfg.URL, nil)
	if err != nil {
		return &link.ConnectError{Link: linkName, Err: err}
	}
	conn.SetReadLimit(readLimit)

	if err := wsjson.Write(ctx, conn, packet{Type: "hello"}); err != nil {
		_ = conn.CloseNow()
		return &link.ConnectError{Link: linkName, Err: fmt.Errorf("write hello: %w", err)}
	}

	readCtx, cancel := context.WithCancel(context.Background())
	events := make(chan link.Event, eventBacklog)
	a.conn = conn
	a.cancel = cancel
	a.events = events

	go a.readLoop(readCtx, conn, events)

	a.log.Info("Meshtastic bridge connected", "url", a.cfg.URL)
	return nil
}

// Disconnect closes the bridge connection. It is safe when not connected.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	conn, cancel := a.conn, a.cancel
	a.conn, a.cancel = nil, nil
	a.mu.Unlock()

	if conn == nil {
		return nil
	}
	cancel()
	if err := conn.Close(websocket.StatusNormalClosure, "disconnect"); err != nil {
		a.log.Debug("Meshtastic bridge close failed", "error", err)
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

// Send writes one text frame and, when acknowledgment is requested, waits for the bridge ack.
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

	to, err := parseNodeID(frame.Destination)
	if err != nil {
		return link.Ack{}, &link.SendError{Link: linkName, Err: err}
	}

	requestID := a.nextRequest.Add(1)
	wantAck := frame.WantAck || a.cfg.WantAck
	pkt, err := encodeSend(frame, requestID, to, wantAck)
	if err != nil {
		return link.Ack{}, &link.SendError{Link: linkName, Err: err}
	}

	var acks chan ackResult
	if wantAck {
		acks = make(chan ackResult, 1)
		a.pendingMu.Lock()
		a.pending[requestID] = acks
		a.pendingMu.Unlock()
		defer func() {
			a.pendingMu.Lock()
			delete(a.pending, requestID)
			a.pendingMu.Unlock()
		}()
	}

	if err := wsjson.Write(ctx, conn, pkt); err != nil {
		return link.Ack{}, &link.SendError{Link: linkName, Err: err}
	}

	messageID := strconv.FormatUint(uint64(requestID), 10)
	if !wantAck {
		return link.Ack{MessageID: messageID}, nil
	}

	timer := time.NewTimer(a.ackTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return link.Ack{}, &link.SendError{Link: linkName, Err: ctx.Err()}
	case <-timer.C:
		return link.Ack{}, &link.SendError{Link: linkName, Err: errors.New("ack timeout")}
	case result := <-acks:
		if !result.ok {
			return link.Ack{}, &link.SendError{Link: linkName, Err: fmt.Errorf("nak: %s", result.err)}
		}
		return link.Ack{MessageID: messageID, Confirmed: true}, nil
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

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn, events chan link.Event) {
	defer close(events)

	for {
		var pkt packet
		if err := wsjson.Read(ctx, conn, &pkt); err != nil {
			a.markLost(conn)
			if ctx.Err() == nil {
				a.log.Warn("Meshtastic bridge read failed", "error", err)
			}
			select {
			case events <- link.Event{Type: link.EventLinkLost, Err: err, At: time.Now().UTC()}:
			default:
			}
			return
		}

		if pkt.Type == "ack" {
			a.resolveAck(pkt)
			continue
		}
		if pkt.Type == "myinfo" {
			a.mu.Lock()
			a.localID = formatNodeID(pkt.From)
			a.mu.Unlock()
			continue
		}

		a.mu.Lock()
		localID := a.localID
		a.mu.Unlock()

		event, ok := decodePacket(pkt, localID, time.Now().UTC())
		if !ok {
			continue
		}
		if event.Type == link.EventNodeInfoUpdated {
			a.rememberNode(event.Node)
		}

		select {
		case events <- event:
		case <-ctx.Done():
			return
		}
	}
}

func (a *Adapter) markLost(conn *websocket.Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == conn {
		a.conn = nil
		if a.cancel != nil {
			a.cancel()
			a.cancel = nil
		}
	}
}

func (a *Adapter) resolveAck(pkt packet) {
	a.pendingMu.Lock()
	ch, ok := a.pending[pkt.RequestID]
	a.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- ackResult{ok: pkt.OK, err: pkt.Error}:
	default:
	}
}

func (a *Adapter) rememberNode(n node.Node) {
	a.mu.Lock()
	defer a.mu.Unlock()
	current := a.nodes[n.ID]
	current.ID = n.ID
	if n.LongName != "" {
		current.LongName = n.LongName
	}
	if n.ShortName != "" {
		current.ShortName = n.ShortName
	}
	if n.Hardware != "" {
		current.Hardware = n.Hardware
	}
	current.LastSeen = n.LastSeen
	a.nodes[n.ID] = current
}

// decodePacket maps one bridge packet to a pipeline event. A text packet is
// direct only when it is addressed to localID.
func decodePacket(pkt packet, localID string, at time.Time) (link.Event, bool) {
	from := formatNodeID(pkt.From)
	base := node.Node{ID: from, Link: linkName, SNR: pkt.RxSNR, RSSI: pkt.RxRSSI, HopsAway: pkt.HopsAway, LastSeen: at}

	switch pkt.Type {
	case "text":
		var payload textPayload
		if err := json.Unmarshal(pkt.Payload, &payload); err != nil {
			return link.Event{}, false
		}
		frag := link.Fragment{
			NodeID:     from,
			Channel:    pkt.Channel,
			EnvelopeID: strconv.FormatUint(uint64(pkt.ID), 10),
			Index:      0,
			Total:      1,
			Data:       []byte(payload.Text),
			SNR:        pkt.RxSNR,
			RSSI:       pkt.RxRSSI,
			ArrivedAt:  at,
		}
		if pkt.To != broadcastAddr && pkt.To != 0 {
			frag.Destination = formatNodeID(pkt.To)
			frag.Direct = localID != "" && frag.Destination == localID
		}
		if pkt.Frag != nil && pkt.Frag.Total > 1 {
			frag.EnvelopeID = pkt.Frag.Envelope
			frag.Index = pkt.Frag.Index
			frag.Total = pkt.Frag.Total
		}
		return link.Event{Type: link.EventMessageReceived, Fragment: frag, Node: base, At: at}, true

	case "nodeinfo":
		var payload nodeInfoPayload
		if err := json.Unmarshal(pkt.Payload, &payload); err != nil {
			return link.Event{}, false
		}
		base.LongName = strings.TrimSpace(payload.LongName)
		base.ShortName = strings.TrimSpace(payload.ShortName)
		if payload.Hardware != nil {
			base.Hardware = fmt.Sprint(payload.Hardware)
		}
		return link.Event{Type: link.EventNodeInfoUpdated, Node: base, At: at}, true

	case "telemetry":
		var payload telemetryPayload
		if err := json.Unmarshal(pkt.Payload, &payload); err != nil {
			return link.Event{}, false
		}
		base.Battery = payload.BatteryLevel
		return link.Event{Type: link.EventNodeInfoUpdated, Node: base, At: at}, true

	case "position":
		var payload positionPayload
		if err := json.Unmarshal(pkt.Payload, &payload); err != nil {
			return link.Event{}, false
		}
		if payload.LatitudeI == 0 && payload.LongitudeI == 0 {
			return link.Event{Type: link.EventNodeInfoUpdated, Node: base, At: at}, true
		}
		base.Position = &node.Position{
			Latitude:  float64(payload.LatitudeI) / 1e7,
			Longitude: float64(payload.LongitudeI) / 1e7,
			Altitude:  payload.Altitude,
		}
		return link.Event{Type: link.EventNodeInfoUpdated, Node: base, At: at}, true

	default:
		return link.Event{}, false
	}
}

func encodeSend(frame link.Frame, requestID uint32, to uint32, wantAck bool) (packet, error) {
	payload, err := json.Marshal(textPayload{Text: frame.Text})
	if err != nil {
		return packet{}, fmt.Errorf("encode text payload: %w", err)
	}
	return packet{
		Type:    "sendtext",
		ID:      requestID,
		To:      to,
		Channel: frame.Channel,
		WantAck: wantAck,
		Seq:     frame.Seq,
		Total:   frame.Total,
		Payload: payload,
	}, nil
}

func formatNodeID(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// parseNodeID accepts "!a1b2c3d4", "a1b2c3d4", a decimal node number or "" for broadcast.
func parseNodeID(id string) (uint32, error) {
	id = strings.TrimSpace(id)
	if id == link.Broadcast || id == "^all" {
		return broadcastAddr, nil
	}
	if hex, ok := strings.CutPrefix(id, "!"); ok {
		v, err := strconv.ParseUint(hex, 16, 32)
		if err != nil {
			return 0, fmt.Errorf("parse node id %q: %w", id, err)
		}
		return uint32(v), nil
	}
	if v, err := strconv.ParseUint(id, 10, 32); err == nil {
		return uint32(v), nil
	}
	v, err := strconv.ParseUint(id, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("parse node id %q: %w", id, err)
	}
	return uint32(v), nil
}
