package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"groundwave/pkg/metrics"
	"groundwave/pkg/node"
	"groundwave/pkg/store"
	"groundwave/pkg/transmit"
)

const (
	defaultStatusHost = "127.0.0.1"
	defaultStatusPort = 18790
	eventFeedBuffer   = 64
	eventWriteTimeout = 5 * time.Second
	maxSendBodyBytes  = 4096
)

type statusResponse struct {
	Status           string               `json:"status"`
	UptimeSeconds    int64                `json:"uptime_seconds"`
	Degraded         bool                 `json:"degraded"`
	Provider         string               `json:"provider,omitempty"`
	ProviderLastOKAt string               `json:"provider_last_ok_at,omitempty"`
	ProviderLastErr  string               `json:"provider_last_error,omitempty"`
	Links            map[string]linkState `json:"links"`
	Nodes            nodeCounts           `json:"nodes"`
	Sessions         int                  `json:"sessions"`
}

type nodeCounts struct {
	Total  int `json:"total"`
	Online int `json:"online"`
}

type nodeView struct {
	node.Node
	Online bool `json:"online"`
}

type sendRequest struct {
	Link        string `json:"link"`
	Destination string `json:"destination"`
	Channel     int    `json:"channel"`
	Text        string `json:"text"`
}

type sendResponse struct {
	JobID string `json:"job_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) router() http.Handler {
	r := chi.NewRouter()
	r.Use(metricsMiddleware)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/nodes", s.handleNodes)
		r.Get("/nodes/{id}", s.handleNode)
		r.Post("/send", s.handleSend)
	})

	r.Get("/ws/events", s.handleEvents)
	return r
}

func (s *Service) runStatusServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultStatusHost
	}
	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultStatusPort
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start status server: %w", err)
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.currentStatus("ok"))
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.isReady() {
		writeJSON(w, http.StatusServiceUnavailable, s.currentStatus("not_ready"))
		return
	}
	writeJSON(w, http.StatusOK, s.currentStatus("ready"))
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if s.isDegraded() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, s.currentStatus(status))
}

func (s *Service) currentStatus(status string) statusResponse {
	total, online := s.nodes.Counts()
	depths := make(map[string]int, len(s.schedulers))
	for name, sched := range s.schedulers {
		depths[name] = sched.Depth()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	links := make(map[string]linkState, len(s.linkStates))
	degraded := false
	for name, state := range s.linkStates {
		state.QueueDepth = depths[name]
		links[name] = state
		if !state.Connected {
			degraded = true
		}
	}

	resp := statusResponse{
		Status:          status,
		UptimeSeconds:   uptime,
		Degraded:        degraded,
		ProviderLastErr: s.providerLastErr,
		Links:           links,
		Nodes:           nodeCounts{Total: total, Online: online},
		Sessions:        s.sessions.Len(),
	}
	if s.completer != nil {
		resp.Provider = s.completer.Name()
	}
	if !s.providerLastOKAt.IsZero() {
		resp.ProviderLastOKAt = s.providerLastOKAt.Format(time.RFC3339)
	}
	return resp
}

func (s *Service) handleNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := s.nodes.Snapshot()
	out := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeView{Node: n, Online: s.nodes.Online(n)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleNode(w http.ResponseWriter, r *http.Request) {
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil || id == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid node id"})
		return
	}

	if n, ok := s.nodes.Get(id); ok {
		writeJSON(w, http.StatusOK, nodeView{Node: n, Online: s.nodes.Online(n)})
		return
	}

	n, err := s.store.GetNode(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "node not found"})
	case err != nil:
		s.log.Error("Failed to load node", "node_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "node lookup failed"})
	default:
		writeJSON(w, http.StatusOK, nodeView{Node: n, Online: s.nodes.Online(n)})
	}
}

// handleSend queues an operator message. A destination makes it a direct
// message; without one it is broadcast on the channel.
func (s *Service) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSendBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "text is required"})
		return
	}
	if req.Link == "" && len(s.schedulers) == 1 {
		for name := range s.schedulers {
			req.Link = name
		}
	}

	job := transmit.Job{
		Destination: strings.TrimSpace(req.Destination),
		Channel:     req.Channel,
		Text:        req.Text,
		Priority:    transmit.PriorityBroadcast,
	}
	if job.Destination != "" {
		job.Priority = transmit.PriorityDirect
	}

	id, err := s.Enqueue(req.Link, job)
	switch {
	case errors.Is(err, errUnknownLink):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown link"})
	case errors.Is(err, transmit.ErrQueueFull):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "transmit queue full"})
	case err != nil:
		s.log.Error("Failed to queue operator message", "link", req.Link, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "queue failed"})
	default:
		s.log.Info("Operator message queued", "link", req.Link, "job_id", id, "direct", job.Priority == transmit.PriorityDirect)
		writeJSON(w, http.StatusAccepted, sendResponse{JobID: id})
	}
}

// handleEvents streams pipeline events as JSON text frames until the client
// goes away or the bus closes.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("Event feed upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	events, unsubscribe := s.events.SubscribeEvents(ctx, eventFeedBuffer)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "gateway stopping")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				s.log.Debug("Event feed client dropped", "error", err)
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusWriter captures the response status for metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Hijack lets the event feed upgrade through the metrics wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := normalizePath(r.URL.Path)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath keeps per-node paths from exploding metric cardinality.
func normalizePath(path string) string {
	if strings.HasPrefix(path, "/api/nodes/") && len(path) > len("/api/nodes/") {
		return "/api/nodes/:id"
	}
	return path
}
