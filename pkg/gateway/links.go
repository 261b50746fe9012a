package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"groundwave/pkg/bus"
	"groundwave/pkg/link"
	"groundwave/pkg/metrics"
	"groundwave/pkg/node"
	"groundwave/pkg/transmit"
)

// runLink keeps one adapter connected until ctx is done. A lost link is a
// reconnect signal, never fatal. On shutdown the adapter stays connected so
// its scheduler can flush queued replies; Run disconnects it afterwards.
func (s *Service) runLink(ctx context.Context, a link.Adapter, sched *transmit.Scheduler) {
	name := a.Name()
	log := s.log.With("link", name)

	for attempt := 0; ; attempt++ {
		if err := s.connect(ctx, a, log); err != nil {
			return
		}
		if attempt > 0 {
			metrics.LinkReconnects.WithLabelValues(name).Inc()
			s.updateLinkState(name, func(st *linkState) { st.Reconnects++ })
		}

		s.linkUp(ctx, a, sched, log)
		cause := s.pump(ctx, a)
		if ctx.Err() != nil {
			log.Info("Link polling stopped")
			return
		}
		s.linkDown(ctx, a, sched, cause, log)

		if err := a.Disconnect(); err != nil {
			log.Debug("Disconnect after link loss failed", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Service) connect(ctx context.Context, a link.Adapter, log *slog.Logger) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.reconnectInitial
	policy.MaxInterval = s.reconnectMax

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, a.Connect(ctx)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.updateLinkState(a.Name(), func(st *linkState) { st.Error = err.Error() })
			log.Warn("Link connect failed, retrying", "error", err, "retry_in", next)
		}),
	)
	return err
}

func (s *Service) linkUp(ctx context.Context, a link.Adapter, sched *transmit.Scheduler, log *slog.Logger) {
	name := a.Name()
	now := time.Now().UTC()

	for _, n := range a.NodeSnapshot() {
		n.Link = name
		s.nodes.Observe(n)
	}

	sched.SetLinkUp(true)
	metrics.LinkConnected.WithLabelValues(name).Set(1)
	s.updateLinkState(name, func(st *linkState) {
		st.Connected = true
		st.Since = now
		st.Error = ""
	})
	s.events.PublishEvent(ctx, bus.Event{Type: bus.EventLinkUp, Link: name, At: now})
	log.Info("Link connected", "local_id", a.LocalNodeID())
}

func (s *Service) linkDown(ctx context.Context, a link.Adapter, sched *transmit.Scheduler, cause error, log *slog.Logger) {
	name := a.Name()
	now := time.Now().UTC()

	sched.SetLinkUp(false)
	metrics.LinkConnected.WithLabelValues(name).Set(0)
	s.updateLinkState(name, func(st *linkState) {
		st.Connected = false
		st.Since = now
		st.Error = errorString(cause)
	})

	s.events.PublishEvent(ctx, bus.Event{Type: bus.EventLinkDown, Link: name, At: now, Error: errorString(cause)})
	log.Warn("Link lost, reconnecting", "error", cause, "queued", sched.Depth())
}

// disconnectLinks closes every adapter once the schedulers have flushed.
func (s *Service) disconnectLinks() {
	now := time.Now().UTC()
	for _, a := range s.links.All() {
		name := a.Name()
		metrics.LinkConnected.WithLabelValues(name).Set(0)
		s.updateLinkState(name, func(st *linkState) {
			st.Connected = false
			st.Since = now
		})
		if err := a.Disconnect(); err != nil {
			s.log.Warn("Link disconnect failed", "link", name, "error", err)
		}
	}
}

// pump drains one Poll stream and returns why it ended.
func (s *Service) pump(ctx context.Context, a link.Adapter) error {
	events := a.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return link.ErrNotConnected
			}
			switch ev.Type {
			case link.EventMessageReceived:
				s.dispatcher.HandleFragment(ctx, a.Name(), ev.Fragment)
			case link.EventNodeInfoUpdated:
				s.observeNode(ctx, a.Name(), ev.Node)
			case link.EventLinkLost:
				if ev.Err == nil {
					return link.ErrNotConnected
				}
				return ev.Err
			}
		}
	}
}

func (s *Service) observeNode(ctx context.Context, linkName string, n node.Node) {
	if n.ID == "" {
		return
	}
	n.Link = linkName
	if n.LastSeen.IsZero() {
		n.LastSeen = time.Now().UTC()
	}
	s.nodes.Observe(n)
	s.events.PublishEvent(ctx, bus.Event{
		Type:    bus.EventNodeUpdated,
		Link:    linkName,
		NodeID:  n.ID,
		Payload: map[string]string{"name": n.DisplayName()},
	})
}

func errorString(err error) string {
	if err == nil || errors.Is(err, context.Canceled) {
		return ""
	}
	return err.Error()
}
