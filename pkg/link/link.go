// Package link defines the contract every radio (or off-mesh) transport implements
// so that one dispatch pipeline can drive several incompatible mesh protocols.
package link

import (
	"context"
	"errors"
	"fmt"
	"time"

	"groundwave/pkg/node"
)

// Broadcast is the destination used for channel-wide sends.
const Broadcast = ""

// ErrNotConnected is returned by Send while the link is down.
var ErrNotConnected = errors.New("link not connected")

// Adapter bridges one transport into the pipeline.
//
// Send is only ever called by the link's transmit scheduler, one frame at a time.
// Poll returns a fresh stream after each successful Connect; the stream ends with
// an EventLinkLost event (or when ctx is done) and is then closed.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	Send(ctx context.Context, frame Frame) (Ack, error)
	Poll(ctx context.Context) <-chan Event
	MaxPayloadSize() int
	NodeSnapshot() []node.Node
	LocalNodeID() string
}

// Frame is one already-sized outbound payload.
// Seq and Total belong in the transport envelope, never in Text.
type Frame struct {
	Destination string
	Channel     int
	Text        string
	Seq         int
	Total       int
	WantAck     bool
}

// Ack is the transport's answer to a Send.
type Ack struct {
	MessageID string
	Confirmed bool
}

type EventType string

const (
	EventMessageReceived EventType = "message_received"
	EventNodeInfoUpdated EventType = "node_info_updated"
	EventLinkLost        EventType = "link_lost"
)

// Event is one normalized item from Poll.
type Event struct {
	Type     EventType
	Fragment Fragment
	Node     node.Node
	Err      error
	At       time.Time
}

// Fragment is one received piece of a logical message.
// Unfragmented messages arrive as a single fragment with Total 1.
type Fragment struct {
	NodeID      string
	Destination string
	Channel     int
	EnvelopeID  string
	Index       int
	Total       int
	Data        []byte
	Direct      bool
	SNR         float64
	RSSI        int
	ArrivedAt   time.Time
}

// ConnectError reports a failed Connect. Callers retry with backoff.
type ConnectError struct {
	Link string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Link, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// SendError reports a failed Send of one frame.
type SendError struct {
	Link string
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send on %s: %v", e.Link, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// LostStream returns a closed-after-one-event stream reporting that the link is down.
// Adapters return it from Poll when called while disconnected.
func LostStream(err error) <-chan Event {
	if err == nil {
		err = ErrNotConnected
	}
	ch := make(chan Event, 1)
	ch <- Event{Type: EventLinkLost, Err: err, At: time.Now().UTC()}
	close(ch)
	return ch
}

// Forward relays src until it closes or ctx is done, then closes the returned stream.
func Forward(ctx context.Context, src <-chan Event) <-chan Event {
	if ctx == nil {
		ctx = context.Background()
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
