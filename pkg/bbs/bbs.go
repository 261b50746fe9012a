// Package bbs implements the bulletin boards and node-to-node mail.
package bbs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"groundwave/pkg/store"
)

const (
	DefaultBoard = "General"
	MailBoard    = "Mail"
)

var (
	ErrEmptyPost    = errors.New("post is empty")
	ErrUnknownBoard = errors.New("unknown board")
)

// Options configure a Service.
type Options struct {
	Boards       []string
	ExpiryDays   int
	ListLimit    int
	MaxPostBytes int
}

// Service posts and lists board messages through the store.
type Service struct {
	store store.Store
	opts  Options
	log   *slog.Logger
	now   func() time.Time
}

func New(st store.Store, opts Options, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if len(opts.Boards) == 0 {
		opts.Boards = []string{DefaultBoard}
	}
	if !slices.Contains(opts.Boards, MailBoard) {
		opts.Boards = append(opts.Boards, MailBoard)
	}
	if opts.ListLimit <= 0 {
		opts.ListLimit = 5
	}
	if opts.MaxPostBytes <= 0 {
		opts.MaxPostBytes = 200
	}

	return &Service{
		store: st,
		opts:  opts,
		log:   log.With("component", "bbs.service"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Boards returns the configured board names.
func (s *Service) Boards() []string {
	return slices.Clone(s.opts.Boards)
}

// Post adds content to a public board.
func (s *Service) Post(ctx context.Context, board string, fromID string, fromName string, content string) (store.Post, error) {
	if board == "" {
		board = DefaultBoard
	}
	if board == MailBoard || !slices.Contains(s.opts.Boards, board) {
		return store.Post{}, fmt.Errorf("post to %q: %w", board, ErrUnknownBoard)
	}
	return s.append(ctx, store.Post{Board: board, FromID: fromID, FromName: fromName, Content: content})
}

// SendMail stores a private message for toID.
func (s *Service) SendMail(ctx context.Context, fromID string, fromName string, toID string, content string) (store.Post, error) {
	if strings.TrimSpace(toID) == "" {
		return store.Post{}, errors.New("send mail: recipient is required")
	}
	return s.append(ctx, store.Post{Board: MailBoard, FromID: fromID, FromName: fromName, ToID: toID, Content: content})
}

func (s *Service) append(ctx context.Context, p store.Post) (store.Post, error) {
	p.Content = strings.TrimSpace(p.Content)
	if p.Content == "" {
		return store.Post{}, ErrEmptyPost
	}
	p.Content = clip(p.Content, s.opts.MaxPostBytes)
	p.CreatedAt = s.now()
	if s.opts.ExpiryDays > 0 {
		expires := p.CreatedAt.AddDate(0, 0, s.opts.ExpiryDays)
		p.ExpiresAt = &expires
	}

	saved, err := s.store.AppendBBSPost(ctx, p)
	if err != nil {
		return store.Post{}, fmt.Errorf("append post: %w", err)
	}
	s.log.Info("BBS post created", "board", saved.Board, "from", saved.FromID, "to", saved.ToID)
	return saved, nil
}

// Recent lists the newest posts on board.
func (s *Service) Recent(ctx context.Context, board string) ([]store.Post, error) {
	if board == "" {
		board = DefaultBoard
	}
	return s.store.ListRecent(ctx, board, s.opts.ListLimit)
}

// All lists the newest public posts across boards, numbered for !read.
func (s *Service) All(ctx context.Context, limit int) ([]store.Post, error) {
	return s.store.ListRecent(ctx, "", limit)
}

// Mail returns the unread mail count and the newest unread messages for nodeID.
func (s *Service) Mail(ctx context.Context, nodeID string) (int, []store.Post, error) {
	count, err := s.store.CountMail(ctx, nodeID)
	if err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}
	posts, err := s.store.ListMail(ctx, nodeID, true, s.opts.ListLimit)
	if err != nil {
		return 0, nil, err
	}
	return count, posts, nil
}

// MarkRead flags a post as read.
func (s *Service) MarkRead(ctx context.Context, postID string) error {
	return s.store.MarkRead(ctx, postID)
}

// Purge removes expired posts.
func (s *Service) Purge(ctx context.Context) (int, error) {
	n, err := s.store.PurgeExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("Expired BBS posts purged", "count", n)
	}
	return n, nil
}

// FormatList renders posts one per line, numbered from 1.
func FormatList(posts []store.Post) string {
	if len(posts) == 0 {
		return "No messages."
	}

	lines := make([]string, 0, len(posts))
	for i, p := range posts {
		from := p.FromName
		if from == "" {
			from = shortID(p.FromID)
		}
		subject := p.Subject
		if subject == "" {
			subject = clip(p.Content, 30)
		}
		lines = append(lines, fmt.Sprintf("%d. [%s] %s: %s", i+1, p.CreatedAt.Format("01/02"), from, subject))
	}
	return strings.Join(lines, "\n")
}

// FormatPost renders one post in full.
func FormatPost(p store.Post) string {
	from := p.FromName
	if from == "" {
		from = p.FromID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\nDate: %s\n", from, p.CreatedAt.Format("2006-01-02 15:04"))
	if p.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", p.Subject)
	}
	b.WriteString("\n")
	b.WriteString(p.Content)
	return b.String()
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
