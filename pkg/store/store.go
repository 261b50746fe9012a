// Package store persists messages, bulletin board posts and nodes.
package store

import (
	"context"
	"errors"
	"time"

	"groundwave/pkg/node"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("not found")

// Direction of a logged message relative to the gateway.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Message is one logged inbound envelope or outbound reply.
type Message struct {
	ID        string
	Link      string
	Direction string
	NodeID    string
	Peer      string
	Channel   int
	Direct    bool
	Text      string
	CreatedAt time.Time
}

// Post is a bulletin board post. Mail is a post with ToID set.
type Post struct {
	ID        string
	Board     string
	FromID    string
	FromName  string
	ToID      string
	Subject   string
	Content   string
	Read      bool
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// Store is the persistence surface the pipeline calls out to.
type Store interface {
	AppendMessage(ctx context.Context, m Message) (Message, error)
	AppendBBSPost(ctx context.Context, p Post) (Post, error)
	// ListRecent returns the newest live posts on board, newest first. An empty
	// board lists public boards only.
	ListRecent(ctx context.Context, board string, limit int) ([]Post, error)
	ListMail(ctx context.Context, toID string, unreadOnly bool, limit int) ([]Post, error)
	CountMail(ctx context.Context, toID string) (int, error)
	MarkRead(ctx context.Context, postID string) error
	PurgeExpired(ctx context.Context, now time.Time) (int, error)

	UpsertNode(ctx context.Context, n node.Node) error
	GetNode(ctx context.Context, id string) (node.Node, error)
	ListNodes(ctx context.Context) ([]node.Node, error)

	Close() error
}
