// Package assistant answers chat turns: it decides whether a knowledge lookup
// helps, builds a bounded prompt, calls the completion service and shapes the
// answer for the radio.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"groundwave/pkg/bus"
	"groundwave/pkg/metrics"
	"groundwave/pkg/provider"
	providertypes "groundwave/pkg/provider/types"
	"groundwave/pkg/session"
)

// FallbackReply is sent when the completion service fails or times out.
const FallbackReply = "assistant unavailable, try again"

const (
	DefaultTimeout         = 60 * time.Second
	DefaultMaxContextChars = 3000
	DefaultMaxReplyChars   = 600
)

// Knowledge finds a reference snippet for a factual question.
type Knowledge interface {
	Query(ctx context.Context, text string) (string, bool, error)
}

// Weather supplies cached current conditions for the live context.
type Weather interface {
	Current(ctx context.Context) (string, error)
	Location() string
}

type Options struct {
	Persona         string
	Timeout         time.Duration
	MaxContextChars int
	MaxReplyChars   int
	LiveContext     bool
	// CommandPrefix marks command turns; they stay in the session but are
	// left out of the prompt.
	CommandPrefix string
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxContextChars <= 0 {
		o.MaxContextChars = DefaultMaxContextChars
	}
	if o.MaxReplyChars <= 0 {
		o.MaxReplyChars = DefaultMaxReplyChars
	}
	return o
}

// Request is one chat turn from a node.
type Request struct {
	NodeID   string
	NodeName string
	Text     string
	// History holds the turns before Text, oldest first.
	History []session.Turn
}

// Reply is what the orchestrator produced for a Request.
type Reply struct {
	Text     string
	Route    Route
	Fallback bool
	Usage    *providertypes.TokenUsage
}

type Orchestrator struct {
	completer provider.Completer
	knowledge Knowledge
	weather   Weather
	events    *bus.MessageBus
	opts      Options
	now       func() time.Time
	log       *slog.Logger
}

// New builds an orchestrator. knowledge, weather and events may be nil.
func New(completer provider.Completer, knowledge Knowledge, weather Weather, events *bus.MessageBus, opts Options, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		completer: completer,
		knowledge: knowledge,
		weather:   weather,
		events:    events,
		opts:      opts.withDefaults(),
		now:       time.Now,
		log:       log.With("component", "assistant.orchestrator"),
	}
}

// Decide routes a turn. Without a knowledge collaborator every turn is chat.
func (o *Orchestrator) Decide(turn string, history []session.Turn) Route {
	if o.knowledge == nil {
		return RouteChat
	}
	return Decide(turn, history)
}

// Respond answers req. It never returns an error: completion failures turn
// into FallbackReply with Fallback set.
func (o *Orchestrator) Respond(ctx context.Context, req Request) Reply {
	if ctx == nil {
		ctx = context.Background()
	}

	text := strings.TrimSpace(req.Text)
	history := o.conversation(req.History)
	route := o.Decide(text, history)

	snippet := ""
	if route == RouteLookup {
		snippet = o.lookup(ctx, text)
	}

	prompt := assemble(promptParts{
		persona: o.persona(req),
		live:    o.liveContext(ctx),
		snippet: snippet,
		history: history,
		turn:    text,
	}, o.opts.MaxContextChars)

	callCtx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	started := o.now()
	result, err := o.completer.Complete(callCtx, prompt)
	elapsed := o.now().Sub(started)
	if err == nil && strings.TrimSpace(result.Text) == "" {
		err = errors.New("completion returned no text")
	}
	if err != nil {
		outcome := "error"
		if errors.Is(err, providertypes.ErrCompletionTimeout) || errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		metrics.CompletionDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
		o.log.Warn("Completion failed, sending fallback", "node_id", req.NodeID, "outcome", outcome, "error", err)
		o.publishFallback(ctx, req.NodeID, outcome, err)
		return Reply{Text: FallbackReply, Route: route, Fallback: true}
	}
	metrics.CompletionDuration.WithLabelValues("ok").Observe(elapsed.Seconds())

	reply := Clean(result.Text, o.opts.MaxReplyChars)
	if reply == "" {
		o.publishFallback(ctx, req.NodeID, "empty", errors.New("reply empty after cleanup"))
		return Reply{Text: FallbackReply, Route: route, Fallback: true}
	}

	o.log.Debug("Completion finished",
		"node_id", req.NodeID,
		"route", route.String(),
		"prompt_chars", prompt.Size(),
		"reply_chars", len(reply),
		"duration", elapsed,
	)
	return Reply{Text: reply, Route: route, Usage: result.Metadata.Usage}
}

// conversation drops command turns so the prompt only carries the chat.
func (o *Orchestrator) conversation(turns []session.Turn) []session.Turn {
	prefix := strings.TrimSpace(o.opts.CommandPrefix)
	out := make([]session.Turn, 0, len(turns))
	for _, t := range turns {
		if prefix != "" && t.Role == session.RoleUser && strings.HasPrefix(strings.TrimSpace(t.Text), prefix) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (o *Orchestrator) lookup(ctx context.Context, text string) string {
	snippet, ok, err := o.knowledge.Query(ctx, text)
	if err != nil {
		o.log.Debug("Knowledge lookup failed", "error", err)
		return ""
	}
	if !ok {
		return ""
	}
	return strings.TrimSpace(snippet)
}

func (o *Orchestrator) persona(req Request) string {
	persona := o.opts.Persona
	if req.NodeID == "" {
		return persona
	}
	name := strings.TrimSpace(req.NodeName)
	if name == "" {
		name = req.NodeID
	}
	return persona + fmt.Sprintf("\nYou are talking to %s (node ID: %s).", name, req.NodeID)
}

func (o *Orchestrator) liveContext(ctx context.Context) string {
	if !o.opts.LiveContext {
		return ""
	}

	now := o.now()
	lines := []string{"Live data:", "Date and time: " + now.Format("Monday, January 2, 2006 at 3:04 PM MST")}
	if o.weather != nil {
		if current, err := o.weather.Current(ctx); err == nil && current != "" {
			label := "Weather"
			if loc := o.weather.Location(); loc != "" {
				label += " in " + loc
			}
			lines = append(lines, label+": "+strings.ReplaceAll(current, "\n", ", "))
		} else if err != nil {
			o.log.Debug("Live weather unavailable", "error", err)
		}
	}
	return strings.Join(lines, "\n")
}

func (o *Orchestrator) publishFallback(ctx context.Context, nodeID string, outcome string, err error) {
	if o.events == nil {
		return
	}
	o.events.PublishEvent(ctx, bus.Event{
		Type:    bus.EventAssistantFallback,
		NodeID:  nodeID,
		Payload: map[string]string{"outcome": outcome},
		Error:   err.Error(),
	})
}
