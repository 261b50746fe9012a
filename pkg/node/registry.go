package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	DefaultStaleAfter = 2 * time.Hour
	DefaultEvictAfter = 72 * time.Hour
)

// Persister receives dirty nodes on Flush.
type Persister interface {
	UpsertNode(ctx context.Context, n Node) error
}

// Registry is the in-memory view of every node heard on any link.
// Updates are last-writer-wins per node id.
type Registry struct {
	staleAfter time.Duration
	evictAfter time.Duration
	now        func() time.Time
	log        *slog.Logger

	mu    sync.RWMutex
	nodes map[string]Node
	dirty map[string]struct{}
}

// NewRegistry builds an empty registry. Zero durations select the defaults.
func NewRegistry(staleAfter time.Duration, evictAfter time.Duration, log *slog.Logger) *Registry {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if evictAfter <= 0 {
		evictAfter = DefaultEvictAfter
	}
	if log == nil {
		log = slog.Default()
	}

	return &Registry{
		staleAfter: staleAfter,
		evictAfter: evictAfter,
		now:        time.Now,
		log:        log.With("component", "node.registry"),
		nodes:      make(map[string]Node),
		dirty:      make(map[string]struct{}),
	}
}

// Observe merges a telemetry or node-info update into the registry.
func (r *Registry) Observe(update Node) {
	update.ID = strings.TrimSpace(update.ID)
	if update.ID == "" {
		return
	}
	if update.LastSeen.IsZero() {
		update.LastSeen = r.now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.nodes[update.ID]
	if !ok {
		current = Node{ID: update.ID}
	}
	r.nodes[update.ID] = current.merge(update)
	r.dirty[update.ID] = struct{}{}
}

// Heard records that a message arrived from id with the given signal.
func (r *Registry) Heard(id string, link string, snr float64, rssi int, at time.Time) {
	r.Observe(Node{ID: id, Link: link, SNR: snr, RSSI: rssi, LastSeen: at})
}

// Load seeds the registry without marking nodes dirty.
func (r *Registry) Load(nodes []Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, n := range nodes {
		if n.ID == "" {
			continue
		}
		current, ok := r.nodes[n.ID]
		if !ok {
			current = Node{ID: n.ID}
		}
		r.nodes[n.ID] = current.merge(n)
	}
}

// Get returns a copy of one node.
func (r *Registry) Get(id string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// Snapshot returns copies of all nodes, most recently heard first.
func (r *Registry) Snapshot() []Node {
	r.mu.RLock()
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Node) int {
		if c := b.LastSeen.Compare(a.LastSeen); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Online reports whether n was heard within the stale window.
func (r *Registry) Online(n Node) bool {
	return !n.Stale(r.now(), r.staleAfter)
}

// Counts returns the total and online node counts.
func (r *Registry) Counts() (total int, online int) {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, n := range r.nodes {
		total++
		if !n.Stale(now, r.staleAfter) {
			online++
		}
	}
	return total, online
}

// Evict drops nodes silent longer than the eviction window from memory.
func (r *Registry) Evict() int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, n := range r.nodes {
		if n.Stale(now, r.evictAfter) {
			delete(r.nodes, id)
			delete(r.dirty, id)
			evicted++
		}
	}
	if evicted > 0 {
		r.log.Debug("Evicted silent nodes", "count", evicted)
	}
	return evicted
}

// Flush writes nodes changed since the last flush. Nodes that fail to persist stay dirty.
func (r *Registry) Flush(ctx context.Context, p Persister) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if p == nil {
		return nil
	}

	r.mu.Lock()
	pending := make([]Node, 0, len(r.dirty))
	for id := range r.dirty {
		if n, ok := r.nodes[id]; ok {
			pending = append(pending, n.clone())
		}
	}
	clear(r.dirty)
	r.mu.Unlock()

	var errs []error
	for _, n := range pending {
		if err := p.UpsertNode(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("upsert node %s: %w", n.ID, err))
			r.mu.Lock()
			r.dirty[n.ID] = struct{}{}
			r.mu.Unlock()
		}
	}

	return errors.Join(errs...)
}
