// Package gateway wires links, dispatch, transmit schedulers and the status
// server into one running process.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"groundwave/pkg/assistant"
	"groundwave/pkg/bbs"
	"groundwave/pkg/bus"
	"groundwave/pkg/config"
	"groundwave/pkg/dispatch"
	"groundwave/pkg/knowledge"
	"groundwave/pkg/link"
	"groundwave/pkg/node"
	"groundwave/pkg/provider"
	"groundwave/pkg/ratelimit"
	"groundwave/pkg/session"
	"groundwave/pkg/store"
	"groundwave/pkg/transmit"
	"groundwave/pkg/weather"
)

const (
	defaultReconnectInitial = time.Second
	defaultReconnectMax     = time.Minute
	shutdownFlushTimeout    = 5 * time.Second
)

var errUnknownLink = errors.New("unknown link")

// Service owns every long-lived component of a running gateway.
type Service struct {
	cfg *config.Config
	log *slog.Logger

	events     *bus.MessageBus
	links      *link.Registry
	schedulers map[string]*transmit.Scheduler
	store      store.Store
	nodes      *node.Registry
	sessions   *session.Store
	limiter    ratelimit.Limiter
	board      *bbs.Service
	completer  provider.Completer
	dispatcher *dispatch.Dispatcher
	cron       *cron.Cron

	reconnectInitial time.Duration
	reconnectMax     time.Duration
	statusServer     bool

	mu               sync.RWMutex
	startedAt        time.Time
	providerLastOKAt time.Time
	providerLastErr  string
	linkStates       map[string]linkState
}

type linkState struct {
	Connected  bool      `json:"connected"`
	Reconnects int       `json:"reconnects"`
	QueueDepth int       `json:"queue_depth"`
	Since      time.Time `json:"since,omitzero"`
	Error      string    `json:"error,omitempty"`
}

type serviceOptions struct {
	completer provider.Completer
	store     store.Store
	limiter   ratelimit.Limiter
	noStatus  bool
}

// Option overrides a component NewService would otherwise build from config.
type Option func(*serviceOptions)

// WithCompleter replaces the configured completion provider.
func WithCompleter(c provider.Completer) Option {
	return func(o *serviceOptions) { o.completer = c }
}

// WithStore replaces the SQLite store opened from store.path.
func WithStore(st store.Store) Option {
	return func(o *serviceOptions) { o.store = st }
}

// WithLimiter replaces the configured rate limiter.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(o *serviceOptions) { o.limiter = l }
}

// WithoutStatusServer skips the HTTP status server, for embedded use.
func WithoutStatusServer() Option {
	return func(o *serviceOptions) { o.noStatus = true }
}

func NewService(ctx context.Context, cfg *config.Config, adapters []link.Adapter, log *slog.Logger, opts ...Option) (*Service, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if len(adapters) == 0 {
		return nil, errors.New("at least one link adapter is required")
	}
	if log == nil {
		log = slog.Default()
	}

	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{
		cfg:              cfg,
		log:              log.With("component", "gateway.service"),
		events:           bus.NewMessageBus(),
		links:            link.NewRegistry(),
		schedulers:       make(map[string]*transmit.Scheduler, len(adapters)),
		reconnectInitial: defaultReconnectInitial,
		reconnectMax:     defaultReconnectMax,
		statusServer:     !o.noStatus,
		linkStates:       make(map[string]linkState, len(adapters)),
	}

	for _, a := range adapters {
		if err := s.links.Register(a); err != nil {
			return nil, err
		}
		s.schedulers[a.Name()] = transmit.NewScheduler(a, transmit.Options{
			ChunkDelay:   cfg.Transmit.ChunkDelay(),
			RetryBackoff: cfg.Transmit.RetryBackoff(),
			FlushTimeout: cfg.Transmit.FlushTimeout(),
			MaxAttempts:  cfg.Transmit.MaxAttempts,
			QueueDepth:   cfg.Transmit.QueueDepth,
		}, s.events, log)
		s.linkStates[a.Name()] = linkState{}
	}

	s.store = o.store
	if s.store == nil {
		st, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		s.store = st
	}

	s.nodes = node.NewRegistry(cfg.Registry.StaleAfter(), cfg.Registry.EvictAfter(), log)
	if known, err := s.store.ListNodes(ctx); err != nil {
		s.log.Warn("Failed to load known nodes", "error", err)
	} else {
		s.nodes.Load(known)
		s.log.Debug("Loaded known nodes", "count", len(known))
	}

	s.sessions = session.NewStore(session.Limits{
		MaxTurns: cfg.Session.MaxTurns,
		MaxBytes: cfg.Session.MaxBytes,
		MaxAge:   cfg.Session.MaxAge(),
	}, cfg.Session.IdleTimeout())

	s.limiter = o.limiter
	if s.limiter == nil {
		limiter, err := newLimiter(ctx, cfg.RateLimit)
		if err != nil {
			s.closeStore()
			return nil, err
		}
		s.limiter = limiter
	}

	deps := dispatch.Deps{
		Sessions: s.sessions,
		Nodes:    s.nodes,
		Outbox:   s,
		Events:   s.events,
		Log:      s.store,
		Limiter:  s.limiter,
		LocalID:  s.localID,
	}

	var wx *weather.Client
	if cfg.Weather.Enabled {
		wx = weather.New(weather.Options{
			BaseURL:   cfg.Weather.BaseURL,
			Latitude:  cfg.Weather.Latitude,
			Longitude: cfg.Weather.Longitude,
			Location:  cfg.Weather.Location,
			Units:     cfg.Weather.Units,
			CacheTTL:  time.Duration(cfg.Weather.CacheMinutes) * time.Minute,
		}, log)
		deps.Weather = wx
	}

	if cfg.BBS.Enabled {
		s.board = bbs.New(s.store, bbs.Options{
			Boards:       cfg.BBS.Boards,
			ExpiryDays:   cfg.BBS.ExpiryDays,
			ListLimit:    cfg.BBS.ListLimit,
			MaxPostBytes: cfg.BBS.MaxPostBytes,
		}, log)
		deps.Board = s.board
	}

	if cfg.Assistant.Enabled {
		orchestrator, err := s.buildAssistant(o.completer, wx, log)
		if err != nil {
			s.closeStore()
			return nil, err
		}
		deps.Assistant = orchestrator
	}

	dispatcher, err := dispatch.New(dispatch.Options{
		CommandPrefix:     cfg.Dispatch.CommandPrefix,
		ReplyPrefix:       cfg.Dispatch.ReplyPrefix,
		ReassemblyTimeout: cfg.Dispatch.ReassemblyTimeout(),
		Community: dispatch.Community{
			Name:        cfg.Community.Name,
			Description: cfg.Community.Description,
			Contact:     cfg.Community.Contact,
		},
	}, deps, log)
	if err != nil {
		s.closeStore()
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}
	s.dispatcher = dispatcher

	return s, nil
}

func (s *Service) buildAssistant(completer provider.Completer, wx *weather.Client, log *slog.Logger) (*assistant.Orchestrator, error) {
	cfg := s.cfg
	if completer == nil {
		client, err := provider.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("initialize provider: %w", err)
		}
		completer = client
	}
	s.completer = completer

	persona, err := assistant.ResolvePersona(cfg.Assistant.SystemPrompt, cfg.Community.Name)
	if err != nil {
		return nil, fmt.Errorf("resolve persona: %w", err)
	}

	var kb assistant.Knowledge
	if cfg.Knowledge.Enabled {
		kb = knowledge.NewKiwix(knowledge.Options{
			BaseURL:  cfg.Knowledge.BaseURL,
			Book:     cfg.Knowledge.Book,
			MaxChars: cfg.Knowledge.MaxChars,
			Timeout:  time.Duration(cfg.Knowledge.TimeoutSec) * time.Second,
		}, log)
	}
	var live assistant.Weather
	if wx != nil {
		live = wx
	}

	return assistant.New(completer, kb, live, s.events, assistant.Options{
		Persona:         persona,
		Timeout:         time.Duration(cfg.Assistant.TimeoutSeconds) * time.Second,
		MaxContextChars: cfg.Assistant.MaxContextChars,
		MaxReplyChars:   cfg.Assistant.MaxReplyChars,
		LiveContext:     cfg.Assistant.LiveContext,
		CommandPrefix:   cfg.Dispatch.CommandPrefix,
	}, log), nil
}

func newLimiter(ctx context.Context, cfg config.RateLimitConfig) (ratelimit.Limiter, error) {
	if cfg.RedisURL == "" {
		return ratelimit.NewMemory(cfg.PerMinute, time.Minute), nil
	}
	limiter, err := ratelimit.NewRedisFromURL(ctx, cfg.RedisURL, cfg.PerMinute, time.Minute)
	if err != nil {
		return nil, fmt.Errorf("connect rate limit store: %w", err)
	}
	return limiter, nil
}

// Run drives every link until ctx is done, then shuts the pipeline down in
// order: polling and dispatch first, then schedulers so queued replies can
// flush over the still connected links, then the links themselves.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if s.completer != nil {
		if err := s.checkProviderHealth(ctx); err != nil {
			s.log.Warn("Completion service unhealthy, chat will use the fallback reply", "error", err)
		}
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	schedCtx, cancelSched := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSched()

	serverErrors := make(chan error, 1)
	if s.statusServer {
		go s.runStatusServer(runCtx, serverErrors)
	}

	if err := s.startSweeps(runCtx); err != nil {
		return err
	}

	var schedWG sync.WaitGroup
	for name, sched := range s.schedulers {
		schedWG.Add(1)
		go func() {
			defer schedWG.Done()
			if err := sched.Run(schedCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("Scheduler stopped", "link", name, "error", err)
			}
		}()
	}

	var linkWG sync.WaitGroup
	for _, a := range s.links.All() {
		linkWG.Add(1)
		go func() {
			defer linkWG.Done()
			s.runLink(runCtx, a, s.schedulers[a.Name()])
		}()
	}

	dispatchDone := make(chan error, 1)
	go func() {
		dispatchDone <- s.dispatcher.Run(runCtx)
	}()

	s.log.Info("Gateway started", "links", s.links.Names())

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErrors:
	}

	cancelRun()
	linkWG.Wait()
	if err := <-dispatchDone; err != nil {
		s.log.Error("Dispatcher stopped", "error", err)
	}
	s.stopSweeps()

	cancelSched()
	schedWG.Wait()
	s.disconnectLinks()

	s.shutdown()
	s.log.Info("Gateway stopped")
	return runErr
}

// Enqueue hands job to the scheduler of linkName.
func (s *Service) Enqueue(linkName string, job transmit.Job) (string, error) {
	sched, ok := s.schedulers[linkName]
	if !ok {
		return "", fmt.Errorf("enqueue on %s: %w", linkName, errUnknownLink)
	}
	return sched.Enqueue(job)
}

// Events exposes the pipeline event stream.
func (s *Service) Events() *bus.MessageBus {
	return s.events
}

func (s *Service) localID(linkName string) string {
	if a, ok := s.links.Get(linkName); ok {
		return a.LocalNodeID()
	}
	return ""
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer cancel()

	if err := s.nodes.Flush(ctx, s.store); err != nil {
		s.log.Warn("Failed to persist nodes on shutdown", "error", err)
	}
	if closer, ok := s.limiter.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.log.Warn("Failed to close rate limiter", "error", err)
		}
	}
	s.closeStore()
	s.events.Close()
}

func (s *Service) closeStore() {
	if err := s.store.Close(); err != nil {
		s.log.Warn("Failed to close store", "error", err)
	}
}

func (s *Service) checkProviderHealth(ctx context.Context) error {
	if err := s.completer.Health(ctx); err != nil {
		s.mu.Lock()
		s.providerLastErr = err.Error()
		s.mu.Unlock()
		return fmt.Errorf("provider health check failed: %w", err)
	}

	s.mu.Lock()
	s.providerLastErr = ""
	s.providerLastOKAt = time.Now().UTC()
	s.mu.Unlock()

	return nil
}

func (s *Service) updateLinkState(name string, update func(*linkState)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.linkStates[name]
	update(&state)
	s.linkStates[name] = state
}

func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	anyConnected := false
	for _, state := range s.linkStates {
		if state.Connected {
			anyConnected = true
			break
		}
	}
	if !anyConnected {
		return false
	}

	if s.completer == nil {
		return true
	}
	return !s.providerLastOKAt.IsZero() && s.providerLastErr == ""
}

// isDegraded reports a link that is configured but not connected.
func (s *Service) isDegraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, state := range s.linkStates {
		if !state.Connected {
			return true
		}
	}
	return false
}
