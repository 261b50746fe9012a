// Package knowledge queries an offline Kiwix server for short reference snippets.
package knowledge

import (
	"context"
	"encoding/xml"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"groundwave/pkg/metrics"
)

const (
	DefaultMaxChars = 600
	defaultResults  = 3
)

// Options configure a Kiwix client.
type Options struct {
	BaseURL  string
	Book     string
	MaxChars int
	Timeout  time.Duration
}

// Kiwix searches a kiwix-serve instance through its XML search feed.
type Kiwix struct {
	opts Options
	http *http.Client
	log  *slog.Logger
}

func NewKiwix(opts Options, log *slog.Logger) *Kiwix {
	if log == nil {
		log = slog.Default()
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxChars
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Kiwix{
		opts: opts,
		http: &http.Client{Timeout: opts.Timeout},
		log:  log.With("component", "knowledge.kiwix"),
	}
}

type searchFeed struct {
	Items []struct {
		Title       string `xml:"title"`
		Link        string `xml:"link"`
		Description string `xml:"description"`
	} `xml:"channel>item"`
}

// Query returns a snippet for text. ok is false when nothing matched.
func (k *Kiwix) Query(ctx context.Context, text string) (string, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	pattern := searchTerms(text)
	if pattern == "" {
		return "", false, nil
	}

	q := url.Values{}
	q.Set("pattern", pattern)
	q.Set("format", "xml")
	q.Set("pageLength", fmt.Sprint(defaultResults))
	if k.opts.Book != "" {
		q.Set("books.name", k.opts.Book)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.opts.BaseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return "", false, fmt.Errorf("build search request: %w", err)
	}

	resp, err := k.http.Do(req)
	if err != nil {
		metrics.KnowledgeLookups.WithLabelValues("error").Inc()
		return "", false, fmt.Errorf("search kiwix: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		metrics.KnowledgeLookups.WithLabelValues("miss").Inc()
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		metrics.KnowledgeLookups.WithLabelValues("error").Inc()
		return "", false, fmt.Errorf("search kiwix: unexpected status %d", resp.StatusCode)
	}

	var feed searchFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		metrics.KnowledgeLookups.WithLabelValues("error").Inc()
		return "", false, fmt.Errorf("decode search feed: %w", err)
	}

	snippet := k.snippet(feed)
	if snippet == "" {
		metrics.KnowledgeLookups.WithLabelValues("miss").Inc()
		return "", false, nil
	}

	metrics.KnowledgeLookups.WithLabelValues("hit").Inc()
	k.log.Debug("Knowledge snippet found", "pattern", pattern, "chars", len(snippet))
	return snippet, true, nil
}

func (k *Kiwix) snippet(feed searchFeed) string {
	var b strings.Builder
	for _, item := range feed.Items {
		title := cleanText(item.Title)
		body := cleanText(item.Description)
		if title == "" && body == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(title)
		if body != "" {
			b.WriteString(": ")
			b.WriteString(body)
		}
		if b.Len() >= k.opts.MaxChars {
			break
		}
	}
	return clip(b.String(), k.opts.MaxChars)
}

var (
	tagPattern   = regexp.MustCompile(`<[^>]*>`)
	spacePattern = regexp.MustCompile(`\s+`)
	leadPattern  = regexp.MustCompile(`(?i)^(?:please\s+)?(?:(?:what|who|where|when|why|how|which)\s+(?:is|are|was|were|does|do|did)\s+(?:(?:a|an|the)\s+)?|define\s+|explain\s+|tell me about\s+)`)
)

func cleanText(s string) string {
	s = tagPattern.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
}

// searchTerms drops the question framing so full-text search sees the subject.
func searchTerms(text string) string {
	text = strings.TrimSpace(text)
	text = leadPattern.ReplaceAllString(text, "")
	text = strings.TrimRight(text, "?!. ")
	return strings.TrimSpace(text)
}

func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut])
}
