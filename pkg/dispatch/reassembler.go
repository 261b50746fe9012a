package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"groundwave/pkg/bus"
	"groundwave/pkg/link"
	"groundwave/pkg/metrics"
)

// ErrIncompleteMessage marks an envelope whose fragments did not all arrive in time.
var ErrIncompleteMessage = errors.New("incomplete message")

const DefaultReassemblyTimeout = 30 * time.Second

type partialKey struct {
	link     string
	node     string
	envelope string
}

type partial struct {
	first    time.Time
	total    int
	received int
	parts    [][]byte
	last     link.Fragment
}

// Incomplete describes an envelope discarded by Expire.
type Incomplete struct {
	Link       string
	NodeID     string
	EnvelopeID string
	Received   int
	Total      int
	Err        error
}

// Reassembler joins fragments into envelopes. Buffers are keyed by link,
// sender and envelope id so ids only need to be unique per sender.
type Reassembler struct {
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger

	mu      sync.Mutex
	buffers map[partialKey]*partial
}

func NewReassembler(timeout time.Duration, log *slog.Logger) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultReassemblyTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reassembler{
		timeout: timeout,
		now:     time.Now,
		log:     log.With("component", "dispatch.reassembler"),
		buffers: make(map[partialKey]*partial),
	}
}

// Add records frag and returns the envelope once every fragment is present.
// Duplicate and out-of-range fragments are ignored.
func (r *Reassembler) Add(linkName string, frag link.Fragment) (bus.Envelope, bool) {
	if frag.ArrivedAt.IsZero() {
		frag.ArrivedAt = r.now().UTC()
	}

	if frag.Total <= 1 {
		id := frag.EnvelopeID
		if id == "" {
			id = uuid.NewString()
		}
		return envelopeFrom(linkName, id, frag, string(frag.Data)), true
	}

	if frag.Index < 0 || frag.Index >= frag.Total {
		r.log.Debug("Ignoring out-of-range fragment", "link", linkName, "node_id", frag.NodeID, "envelope_id", frag.EnvelopeID, "index", frag.Index, "total", frag.Total)
		return bus.Envelope{}, false
	}

	key := partialKey{link: linkName, node: frag.NodeID, envelope: frag.EnvelopeID}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.buffers[key]
	if ok && now.Sub(buf.first) > r.timeout {
		r.dropLocked(key, buf)
		ok = false
	}
	if !ok {
		buf = &partial{first: now, total: frag.Total, parts: make([][]byte, frag.Total)}
		r.buffers[key] = buf
	}
	if frag.Total != buf.total || buf.parts[frag.Index] != nil {
		return bus.Envelope{}, false
	}

	data := frag.Data
	if data == nil {
		data = []byte{}
	}
	buf.parts[frag.Index] = data
	buf.received++
	buf.last = frag
	if buf.received < buf.total {
		return bus.Envelope{}, false
	}

	delete(r.buffers, key)

	var text strings.Builder
	for _, part := range buf.parts {
		text.Write(part)
	}
	id := frag.EnvelopeID
	if id == "" {
		id = uuid.NewString()
	}
	return envelopeFrom(linkName, id, buf.last, text.String()), true
}

// Expire discards buffers older than the reassembly timeout.
func (r *Reassembler) Expire() []Incomplete {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []Incomplete
	for key, buf := range r.buffers {
		if now.Sub(buf.first) <= r.timeout {
			continue
		}
		expired = append(expired, r.dropLocked(key, buf))
	}
	return expired
}

// Pending returns the number of envelopes still waiting for fragments.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}

func (r *Reassembler) dropLocked(key partialKey, buf *partial) Incomplete {
	delete(r.buffers, key)

	info := Incomplete{
		Link:       key.link,
		NodeID:     key.node,
		EnvelopeID: key.envelope,
		Received:   buf.received,
		Total:      buf.total,
	}
	info.Err = fmt.Errorf("envelope %s from %s: %d of %d fragments: %w", key.envelope, key.node, buf.received, buf.total, ErrIncompleteMessage)

	metrics.IncompleteMessages.WithLabelValues(key.link).Inc()
	r.log.Info("Dropping incomplete message", "link", key.link, "node_id", key.node, "envelope_id", key.envelope, "received", buf.received, "total", buf.total)
	return info
}

func envelopeFrom(linkName string, id string, frag link.Fragment, text string) bus.Envelope {
	return bus.Envelope{
		ID:          id,
		Link:        linkName,
		SenderID:    frag.NodeID,
		Destination: frag.Destination,
		Channel:     frag.Channel,
		Direct:      frag.Direct,
		Text:        text,
		SNR:         frag.SNR,
		RSSI:        frag.RSSI,
		ReceivedAt:  frag.ArrivedAt,
	}
}
