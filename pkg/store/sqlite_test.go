package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groundwave/pkg/node"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendMessageAssignsID(t *testing.T) {
	s := newTestStore(t)

	m, err := s.AppendMessage(context.Background(), Message{
		Link: "meshtastic", Direction: DirectionIn, NodeID: "!a1b2c3d4", Direct: true, Text: "!wx",
	})
	require.NoError(t, err)
	assert.Len(t, m.ID, 26)
	assert.False(t, m.CreatedAt.IsZero())
}

func TestListRecentNewestFirstAndSkipsExpired(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Now().UTC().Add(-time.Hour)
	past := base.Add(-time.Minute)

	for i, text := range []string{"first", "second", "third"} {
		_, err := s.AppendBBSPost(ctx, Post{Board: "General", FromID: "!a", Content: text, CreatedAt: base.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}
	_, err := s.AppendBBSPost(ctx, Post{Board: "General", FromID: "!a", Content: "gone", CreatedAt: base.Add(time.Minute), ExpiresAt: &past})
	require.NoError(t, err)
	_, err = s.AppendBBSPost(ctx, Post{Board: "Trade", FromID: "!b", Content: "radio for sale", CreatedAt: base})
	require.NoError(t, err)

	posts, err := s.ListRecent(ctx, "General", 2)
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, "third", posts[0].Content)
	assert.Equal(t, "second", posts[1].Content)

	all, err := s.ListRecent(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestMailCountsAndMarkRead(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mail, err := s.AppendBBSPost(ctx, Post{Board: "Mail", FromID: "!a", ToID: "!b", Content: "meet at the repeater"})
	require.NoError(t, err)
	_, err = s.AppendBBSPost(ctx, Post{Board: "Mail", FromID: "!a", ToID: "!c", Content: "not yours"})
	require.NoError(t, err)

	count, err := s.CountMail(ctx, "!b")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, s.MarkRead(ctx, mail.ID))

	count, err = s.CountMail(ctx, "!b")
	require.NoError(t, err)
	assert.Zero(t, count)

	unread, err := s.ListMail(ctx, "!b", true, 5)
	require.NoError(t, err)
	assert.Empty(t, unread)

	all, err := s.ListMail(ctx, "!b", false, 5)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Read)

	assert.ErrorIs(t, s.MarkRead(ctx, "missing"), ErrNotFound)
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC()
	soon := now.Add(time.Hour)

	_, err := s.AppendBBSPost(ctx, Post{Board: "General", FromID: "!a", Content: "short lived", ExpiresAt: &soon})
	require.NoError(t, err)
	_, err = s.AppendBBSPost(ctx, Post{Board: "General", FromID: "!a", Content: "forever"})
	require.NoError(t, err)

	n, err := s.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.PurgeExpired(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNodeUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	battery := 87
	seen := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	n := node.Node{
		ID:        "!a1b2c3d4",
		ShortName: "RDG1",
		LongName:  "Ridge Relay",
		Link:      "meshtastic",
		SNR:       6.25,
		RSSI:      -92,
		Battery:   &battery,
		Position:  &node.Position{Latitude: 45.5, Longitude: -122.6, Altitude: 310},
		LastSeen:  seen,
	}
	require.NoError(t, s.UpsertNode(ctx, n))

	got, err := s.GetNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, n, got)

	n.ShortName = "RDG2"
	n.Battery = nil
	n.Position = nil
	require.NoError(t, s.UpsertNode(ctx, n))

	got, err = s.GetNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "RDG2", got.ShortName)
	assert.Nil(t, got.Battery)
	assert.Nil(t, got.Position)

	nodes, err := s.ListNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)

	_, err = s.GetNode(ctx, "!missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
