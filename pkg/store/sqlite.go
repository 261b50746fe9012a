package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"groundwave/pkg/node"
)

// SQLiteStore implements Store on SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer keeps SQLite free of SQLITE_BUSY under concurrent lanes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func newID() string {
	return ulid.Make().String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		link       TEXT NOT NULL,
		direction  TEXT NOT NULL,
		node_id    TEXT NOT NULL,
		peer       TEXT NOT NULL DEFAULT '',
		channel    INTEGER NOT NULL DEFAULT 0,
		direct     INTEGER NOT NULL DEFAULT 0,
		text       TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_node ON messages(node_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS bbs_posts (
		id         TEXT PRIMARY KEY,
		board      TEXT NOT NULL,
		from_id    TEXT NOT NULL,
		from_name  TEXT NOT NULL DEFAULT '',
		to_id      TEXT NOT NULL DEFAULT '',
		subject    TEXT NOT NULL DEFAULT '',
		content    TEXT NOT NULL,
		is_read    INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		expires_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_posts_board ON bbs_posts(board, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_posts_to ON bbs_posts(to_id, is_read);
	CREATE INDEX IF NOT EXISTS idx_posts_expires ON bbs_posts(expires_at);

	CREATE TABLE IF NOT EXISTS nodes (
		id         TEXT PRIMARY KEY,
		short_name TEXT NOT NULL DEFAULT '',
		long_name  TEXT NOT NULL DEFAULT '',
		hardware   TEXT NOT NULL DEFAULT '',
		link       TEXT NOT NULL DEFAULT '',
		snr        REAL NOT NULL DEFAULT 0,
		rssi       INTEGER NOT NULL DEFAULT 0,
		battery    INTEGER,
		hops_away  INTEGER,
		latitude   REAL,
		longitude  REAL,
		altitude   INTEGER,
		last_seen  TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = newID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, link, direction, node_id, peer, channel, direct, text, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Link, m.Direction, m.NodeID, m.Peer, m.Channel, m.Direct, m.Text, formatTime(m.CreatedAt))
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) AppendBBSPost(ctx context.Context, p Post) (Post, error) {
	if p.Board == "" {
		return Post{}, errors.New("insert post: board is required")
	}
	if p.ID == "" {
		p.ID = newID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	var expiresAt *string
	if p.ExpiresAt != nil {
		v := formatTime(*p.ExpiresAt)
		expiresAt = &v
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bbs_posts (id, board, from_id, from_name, to_id, subject, content, is_read, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Board, p.FromID, p.FromName, p.ToID, p.Subject, p.Content, p.Read, formatTime(p.CreatedAt), expiresAt)
	if err != nil {
		return Post{}, fmt.Errorf("insert post: %w", err)
	}
	return p, nil
}

const postColumns = `id, board, from_id, from_name, to_id, subject, content, is_read, created_at, expires_at`

func (s *SQLiteStore) ListRecent(ctx context.Context, board string, limit int) ([]Post, error) {
	if limit <= 0 {
		limit = 10
	}
	now := formatTime(time.Now().UTC())

	var (
		rows *sql.Rows
		err  error
	)
	if board == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+postColumns+` FROM bbs_posts
			 WHERE to_id = '' AND (expires_at IS NULL OR expires_at > ?)
			 ORDER BY created_at DESC, id DESC LIMIT ?`, now, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+postColumns+` FROM bbs_posts
			 WHERE board = ? AND (expires_at IS NULL OR expires_at > ?)
			 ORDER BY created_at DESC, id DESC LIMIT ?`, board, now, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	return collectPosts(rows)
}

func (s *SQLiteStore) ListMail(ctx context.Context, toID string, unreadOnly bool, limit int) ([]Post, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT ` + postColumns + ` FROM bbs_posts
		 WHERE to_id = ? AND (expires_at IS NULL OR expires_at > ?)`
	if unreadOnly {
		query += ` AND is_read = 0`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, toID, formatTime(time.Now().UTC()), limit)
	if err != nil {
		return nil, fmt.Errorf("list mail: %w", err)
	}
	return collectPosts(rows)
}

func (s *SQLiteStore) CountMail(ctx context.Context, toID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bbs_posts
		 WHERE to_id = ? AND is_read = 0 AND (expires_at IS NULL OR expires_at > ?)`,
		toID, formatTime(time.Now().UTC())).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count mail: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) MarkRead(ctx context.Context, postID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE bbs_posts SET is_read = 1 WHERE id = ?`, postID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark read %s: %w", postID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM bbs_posts WHERE expires_at IS NOT NULL AND expires_at <= ?`, formatTime(now.UTC()))
	if err != nil {
		return 0, fmt.Errorf("purge posts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) UpsertNode(ctx context.Context, n node.Node) error {
	if n.ID == "" {
		return errors.New("upsert node: id is required")
	}

	var lat, lon *float64
	var alt *int32
	if n.Position != nil {
		lat, lon, alt = &n.Position.Latitude, &n.Position.Longitude, &n.Position.Altitude
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (id, short_name, long_name, hardware, link, snr, rssi, battery, hops_away, latitude, longitude, altitude, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			short_name = excluded.short_name,
			long_name  = excluded.long_name,
			hardware   = excluded.hardware,
			link       = excluded.link,
			snr        = excluded.snr,
			rssi       = excluded.rssi,
			battery    = excluded.battery,
			hops_away  = excluded.hops_away,
			latitude   = excluded.latitude,
			longitude  = excluded.longitude,
			altitude   = excluded.altitude,
			last_seen  = excluded.last_seen`,
		n.ID, n.ShortName, n.LongName, n.Hardware, n.Link, n.SNR, n.RSSI, n.Battery, n.HopsAway,
		lat, lon, alt, formatTime(n.LastSeen))
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", n.ID, err)
	}
	return nil
}

const nodeColumns = `id, short_name, long_name, hardware, link, snr, rssi, battery, hops_away, latitude, longitude, altitude, last_seen`

func (s *SQLiteStore) GetNode(ctx context.Context, id string) (node.Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return node.Node{}, fmt.Errorf("get node %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return node.Node{}, fmt.Errorf("get node %s: %w", id, err)
	}
	return n, nil
}

func (s *SQLiteStore) ListNodes(ctx context.Context) ([]node.Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []node.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(row scanner) (node.Node, error) {
	var n node.Node
	var battery, hops, alt sql.NullInt64
	var lat, lon sql.NullFloat64
	var lastSeen string

	err := row.Scan(&n.ID, &n.ShortName, &n.LongName, &n.Hardware, &n.Link, &n.SNR, &n.RSSI,
		&battery, &hops, &lat, &lon, &alt, &lastSeen)
	if err != nil {
		return node.Node{}, err
	}

	if battery.Valid {
		v := int(battery.Int64)
		n.Battery = &v
	}
	if hops.Valid {
		v := int(hops.Int64)
		n.HopsAway = &v
	}
	if lat.Valid && lon.Valid {
		n.Position = &node.Position{Latitude: lat.Float64, Longitude: lon.Float64, Altitude: int32(alt.Int64)}
	}
	n.LastSeen = parseTime(lastSeen)
	return n, nil
}

func collectPosts(rows *sql.Rows) ([]Post, error) {
	defer rows.Close()

	var posts []Post
	for rows.Next() {
		var p Post
		var createdAt string
		var expiresAt sql.NullString
		if err := rows.Scan(&p.ID, &p.Board, &p.FromID, &p.FromName, &p.ToID, &p.Subject, &p.Content,
			&p.Read, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		p.CreatedAt = parseTime(createdAt)
		if expiresAt.Valid {
			t := parseTime(expiresAt.String)
			p.ExpiresAt = &t
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// Fixed-width timestamps keep lexical order equal to time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}
