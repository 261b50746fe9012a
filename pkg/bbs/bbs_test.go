package bbs

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groundwave/pkg/store"
)

func newTestService(t *testing.T, opts Options) (*Service, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "bbs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, opts, nil), st
}

func TestPostAndRecent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{Boards: []string{"General", "Trade"}, ExpiryDays: 30})

	_, err := svc.Post(ctx, "", "!a1b2c3d4", "Ridge", "net tonight 7pm")
	require.NoError(t, err)
	p, err := svc.Post(ctx, "Trade", "!a1b2c3d4", "", "spare antenna")
	require.NoError(t, err)
	require.NotNil(t, p.ExpiresAt)
	assert.WithinDuration(t, p.CreatedAt.AddDate(0, 0, 30), *p.ExpiresAt, time.Second)

	posts, err := svc.Recent(ctx, "")
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "net tonight 7pm", posts[0].Content)
}

func TestPostRejectsUnknownBoardAndEmptyContent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{})

	_, err := svc.Post(ctx, "Nope", "!a", "", "hello")
	assert.ErrorIs(t, err, ErrUnknownBoard)
	_, err = svc.Post(ctx, MailBoard, "!a", "", "hello")
	assert.ErrorIs(t, err, ErrUnknownBoard)
	_, err = svc.Post(ctx, "", "!a", "", "   ")
	assert.ErrorIs(t, err, ErrEmptyPost)
}

func TestPostIsClippedOnRuneBoundary(t *testing.T) {
	svc, _ := newTestService(t, Options{MaxPostBytes: 9})
	p, err := svc.Post(context.Background(), "", "!a", "", strings.Repeat("é", 10))
	require.NoError(t, err)
	assert.Equal(t, "éééé", p.Content)
}

func TestMailFlow(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{})

	count, posts, err := svc.Mail(ctx, "!b")
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, posts)

	sent, err := svc.SendMail(ctx, "!a", "Alpha", "!b", "see you at the hill")
	require.NoError(t, err)
	assert.Equal(t, MailBoard, sent.Board)

	count, posts, err = svc.Mail(ctx, "!b")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.Len(t, posts, 1)

	require.NoError(t, svc.MarkRead(ctx, posts[0].ID))
	count, _, err = svc.Mail(ctx, "!b")
	require.NoError(t, err)
	assert.Zero(t, count)

	public, err := svc.All(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, public, "mail never shows on public listings")
}

func TestPurgeRemovesExpired(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{ExpiryDays: 1})

	_, err := svc.Post(ctx, "", "!a", "", "old news")
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().UTC().AddDate(0, 0, 2) }
	n, err := svc.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFormatting(t *testing.T) {
	at := time.Date(2026, 3, 4, 15, 30, 0, 0, time.UTC)
	posts := []store.Post{
		{FromID: "!a1b2c3d4e5", Content: "first post with a long body that is clipped", CreatedAt: at},
		{FromID: "!b", FromName: "Bravo", Subject: "Net", Content: "x", CreatedAt: at},
	}

	assert.Equal(t, "No messages.", FormatList(nil))
	assert.Equal(t,
		"1. [03/04] !a1b2c3d: first post with a long body th\n2. [03/04] Bravo: Net",
		FormatList(posts))
	assert.Equal(t, "From: Bravo\nDate: 2026-03-04 15:30\nSubject: Net\n\nx", FormatPost(posts[1]))
}
