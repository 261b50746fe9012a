// Package logger builds the gateway's slog.Logger. Text output goes through
// charmbracelet/log for operators at a terminal; JSON output writes one Entry
// per line with the routing keys lifted out of the free-form fields.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	charmLog "github.com/charmbracelet/log"

	"groundwave/pkg/config"
)

const (
	envFormat    = "GROUNDWAVE_LOG_FORMAT"
	envLevel     = "GROUNDWAVE_LOG_LEVEL"
	envAddSource = "GROUNDWAVE_LOG_ADD_SOURCE"
)

// Entry is one JSON log line. The keys every mesh log line is filtered by
// sit at the top level; everything else lands in Fields.
type Entry struct {
	Time      string         `json:"time"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Link      string         `json:"link,omitempty"`
	NodeID    string         `json:"node_id,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	Message   string         `json:"msg"`
	Fields    map[string]any `json:"fields,omitempty"`
	Caller    string         `json:"caller,omitempty"`
}

// promoted maps an attribute key to the Entry field it fills. Only string
// values are promoted, anything else stays in Fields.
var promoted = map[string]func(*Entry, string){
	"component": func(e *Entry, v string) { e.Component = v },
	"link":      func(e *Entry, v string) { e.Link = v },
	"node_id":   func(e *Entry, v string) { e.NodeID = v },
	"job_id":    func(e *Entry, v string) { e.JobID = v },
}

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

type settings struct {
	json      bool
	level     slog.Level
	addSource bool
}

// New returns a logger writing to stderr.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter is New with output sent to w. The console uses it to keep
// logs off the terminal it draws on.
func NewWithWriter(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	s, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	if !s.json {
		return slog.New(charmLog.NewWithOptions(w, charmLog.Options{
			Level:           charmLevel(s.level),
			ReportTimestamp: true,
			ReportCaller:    s.addSource,
			TimeFormat:      time.TimeOnly,
		})), nil
	}

	return slog.New(&entryHandler{settings: s, w: w, mu: &sync.Mutex{}}), nil
}

// resolve merges the config file with the GROUNDWAVE_LOG_* environment,
// which wins when set.
func resolve(cfg config.LoggingConfig) (settings, error) {
	format := fromEnv(envFormat, cfg.Format, "text")
	levelName := fromEnv(envLevel, cfg.Level, "info")

	var s settings
	switch format {
	case "json":
		s.json = true
	case "text":
	default:
		return settings{}, fmt.Errorf("unsupported log format %q", format)
	}

	level, ok := levels[levelName]
	if !ok {
		return settings{}, fmt.Errorf("unsupported log level %q", levelName)
	}
	s.level = level

	s.addSource = cfg.AddSource
	if v := strings.TrimSpace(os.Getenv(envAddSource)); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			s.addSource = true
		default:
			s.addSource = false
		}
	}
	return s, nil
}

func fromEnv(key, configured, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		value = strings.TrimSpace(configured)
	}
	if value == "" {
		value = fallback
	}
	return strings.ToLower(value)
}

func charmLevel(level slog.Level) charmLog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmLog.DebugLevel
	case level <= slog.LevelInfo:
		return charmLog.InfoLevel
	case level <= slog.LevelWarn:
		return charmLog.WarnLevel
	default:
		return charmLog.ErrorLevel
	}
}

type entryHandler struct {
	settings
	w      io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr
	prefix string
}

func (h *entryHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *entryHandler) Handle(_ context.Context, record slog.Record) error {
	at := record.Time
	if at.IsZero() {
		at = time.Now()
	}
	entry := Entry{
		Time:    at.UTC().Format(time.RFC3339Nano),
		Level:   strings.ToLower(record.Level.String()),
		Message: record.Message,
	}

	fields := make(map[string]any)
	for _, attr := range h.attrs {
		entry.add(fields, attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		if h.prefix != "" {
			attr.Key = h.prefix + attr.Key
		}
		entry.add(fields, attr)
		return true
	})
	if len(fields) > 0 {
		entry.Fields = fields
	}

	if h.addSource && record.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{record.PC}).Next()
		if frame.File != "" {
			entry.Caller = fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
		}
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.w.Write(append(line, '\n'))
	return err
}

func (e *Entry) add(fields map[string]any, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}

	if set, ok := promoted[attr.Key]; ok && attr.Value.Kind() == slog.KindString {
		set(e, attr.Value.String())
		return
	}
	fields[attr.Key] = plain(attr.Value)
}

// plain converts v into something encoding/json renders readably.
func plain(v slog.Value) any {
	switch v.Kind() {
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		group := v.Group()
		out := make(map[string]any, len(group))
		for _, item := range group {
			out[item.Key] = plain(item.Value.Resolve())
		}
		return out
	case slog.KindAny:
		switch x := v.Any().(type) {
		case error:
			return x.Error()
		case fmt.Stringer:
			return x.String()
		default:
			return x
		}
	default:
		return v.Any()
	}
}

func (h *entryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, attr := range attrs {
		if h.prefix != "" {
			attr.Key = h.prefix + attr.Key
		}
		next.attrs = append(next.attrs, attr)
	}
	return &next
}

func (h *entryHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}
