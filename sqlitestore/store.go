// Package sqlitestore is a SQLite implementation of chatsync.Repository.
//
// Rows keep their lookup keys in columns and the rest of the record as JSON.
// Fields that never leave the device (local file paths, upload states, sync
// statuses, local timestamps) are stored next to the JSON body.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	chatsync "github.com/LuminPulse-AI/chatsync"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDBFileName is the SQLite filename under the data directory.
const DefaultDBFileName = "chatsync.db"

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS users (
  id   TEXT PRIMARY KEY,
  data TEXT NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS channels (
  cid         TEXT PRIMARY KEY,
  type        TEXT NOT NULL,
  sync_status TEXT NOT NULL DEFAULT '',
  data        TEXT NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  id              TEXT PRIMARY KEY,
  cid             TEXT NOT NULL,
  parent_id       TEXT NOT NULL DEFAULT '',
  show_in_channel INTEGER NOT NULL DEFAULT 0,
  poll_id         TEXT NOT NULL DEFAULT '',
  sync_status     TEXT NOT NULL DEFAULT '',
  ts              INTEGER NOT NULL,
  data            TEXT NOT NULL,
  local           TEXT NOT NULL DEFAULT '{}'
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_cid_ts
ON messages (cid, ts, id);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_poll
ON messages (poll_id);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_sync_status
ON messages (sync_status, ts);
`,
	`
CREATE TABLE IF NOT EXISTS threads (
  parent_id TEXT PRIMARY KEY,
  cid       TEXT NOT NULL,
  data      TEXT NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS query_specs (
  id     TEXT PRIMARY KEY,
  filter TEXT NOT NULL,
  sort   TEXT NOT NULL,
  cids   TEXT NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS channel_configs (
  type TEXT PRIMARY KEY,
  data TEXT NOT NULL
);
`,
}

// Store is a chatsync.Repository over a SQLite connection.
type Store struct {
	db        *sql.DB
	closeOnce sync.Once
}

var _ chatsync.Repository = (*Store)(nil)

// Open opens (or creates) the database under dataDir and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{db: db}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	// In-memory databases report "memory".
	if !strings.EqualFold(journalMode, "wal") && !strings.EqualFold(journalMode, "memory") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

// withTx runs fn in a transaction and commits when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// placeholders returns "?, ?, ..." for n values and the values as []any.
func placeholders(values []string) (string, []any) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", "), args
}

// ============================================================================
// Users
// ============================================================================

func (s *Store) InsertUsers(ctx context.Context, users []chatsync.User) error {
	if len(users) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, u := range users {
			data, err := json.Marshal(u)
			if err != nil {
				return fmt.Errorf("encode user %q: %w", u.ID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO users (id, data) VALUES (?, ?)
				ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
				u.ID, string(data),
			); err != nil {
				return fmt.Errorf("insert user %q: %w", u.ID, err)
			}
		}
		return nil
	})
}

func (s *Store) SelectUsers(ctx context.Context, ids []string) ([]chatsync.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	in, args := placeholders(ids)
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM users WHERE id IN (`+in+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	defer rows.Close()

	var users []chatsync.User
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		var u chatsync.User
		if err := json.Unmarshal([]byte(data), &u); err != nil {
			return nil, fmt.Errorf("decode user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ============================================================================
// Channels
// ============================================================================

func (s *Store) InsertChannel(ctx context.Context, channel chatsync.Channel) error {
	return s.InsertChannels(ctx, []chatsync.Channel{channel})
}

// InsertChannels stores the channel rows and the messages they carry.
func (s *Store) InsertChannels(ctx context.Context, channels []chatsync.Channel) error {
	if len(channels) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range channels {
			messages := c.Messages
			c.Messages = nil
			data, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("encode channel %q: %w", c.CID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO channels (cid, type, sync_status, data) VALUES (?, ?, ?, ?)
				ON CONFLICT(cid) DO UPDATE SET
					type = excluded.type,
					sync_status = excluded.sync_status,
					data = excluded.data`,
				c.CID, c.Type, string(c.SyncStatus), string(data),
			); err != nil {
				return fmt.Errorf("insert channel %q: %w", c.CID, err)
			}
			for _, m := range messages {
				if m.CID == "" {
					m.CID = c.CID
				}
				if err := insertMessage(ctx, tx, m); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *Store) SelectChannel(ctx context.Context, cid string) (*chatsync.Channel, error) {
	channels, err := s.SelectChannels(ctx, []string{cid})
	if err != nil || len(channels) == 0 {
		return nil, err
	}
	return &channels[0], nil
}

// SelectChannels returns the stored channels in the order of cids, each with
// its newest messages attached.
func (s *Store) SelectChannels(ctx context.Context, cids []string) ([]chatsync.Channel, error) {
	if len(cids) == 0 {
		return nil, nil
	}
	in, args := placeholders(cids)
	rows, err := s.db.QueryContext(ctx, `SELECT sync_status, data FROM channels WHERE cid IN (`+in+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("select channels: %w", err)
	}
	byCID := make(map[string]chatsync.Channel, len(cids))
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan channel row: %w", err)
		}
		byCID[c.CID] = *c
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make([]chatsync.Channel, 0, len(byCID))
	for _, cid := range cids {
		c, ok := byCID[cid]
		if !ok {
			continue
		}
		msgs, err := s.SelectMessagesForChannel(ctx, cid, chatsync.ChannelMessagesLimit)
		if err != nil {
			return nil, err
		}
		c.Messages = msgs
		out = append(out, c)
	}
	return out, nil
}

func scanChannel(row scanner) (*chatsync.Channel, error) {
	var status, data string
	if err := row.Scan(&status, &data); err != nil {
		return nil, err
	}
	var c chatsync.Channel
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("decode channel: %w", err)
	}
	c.SyncStatus = chatsync.SyncStatus(status)
	return &c, nil
}

// DeleteChannel removes the channel and its messages.
func (s *Store) DeleteChannel(ctx context.Context, cid string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE cid = ?`, cid); err != nil {
			return fmt.Errorf("delete messages of %q: %w", cid, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE cid = ?`, cid); err != nil {
			return fmt.Errorf("delete channel %q: %w", cid, err)
		}
		return nil
	})
}

func (s *Store) DeleteChannelMessagesBefore(ctx context.Context, cid string, before time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE cid = ? AND ts < ?`, cid, unixNano(before),
	); err != nil {
		return fmt.Errorf("delete messages of %q before %s: %w", cid, before, err)
	}
	return nil
}

// ============================================================================
// Messages
// ============================================================================

// attachmentLocal holds the device-only fields of one attachment.
type attachmentLocal struct {
	LocalPath   string               `json:"local_path,omitempty"`
	UploadID    string               `json:"upload_id,omitempty"`
	UploadState chatsync.UploadState `json:"upload_state"`
}

// messageLocal holds the device-only fields of a message. Attachments are
// index-aligned with the message's attachment list.
type messageLocal struct {
	CreatedLocallyAt *time.Time            `json:"created_locally_at,omitempty"`
	UpdatedLocallyAt *time.Time            `json:"updated_locally_at,omitempty"`
	Attachments      []attachmentLocal     `json:"attachments,omitempty"`
	OwnReactions     []chatsync.SyncStatus `json:"own_reactions,omitempty"`
}

func localOf(m chatsync.Message) messageLocal {
	l := messageLocal{
		CreatedLocallyAt: m.CreatedLocallyAt,
		UpdatedLocallyAt: m.UpdatedLocallyAt,
	}
	for _, a := range m.Attachments {
		l.Attachments = append(l.Attachments, attachmentLocal{
			LocalPath:   a.LocalPath,
			UploadID:    a.UploadID,
			UploadState: a.UploadState,
		})
	}
	for _, r := range m.OwnReactions {
		l.OwnReactions = append(l.OwnReactions, r.SyncStatus)
	}
	return l
}

func (l messageLocal) apply(m *chatsync.Message) {
	m.CreatedLocallyAt = l.CreatedLocallyAt
	m.UpdatedLocallyAt = l.UpdatedLocallyAt
	for i := range m.Attachments {
		if i >= len(l.Attachments) {
			break
		}
		m.Attachments[i].LocalPath = l.Attachments[i].LocalPath
		m.Attachments[i].UploadID = l.Attachments[i].UploadID
		m.Attachments[i].UploadState = l.Attachments[i].UploadState
	}
	for i := range m.OwnReactions {
		if i >= len(l.OwnReactions) {
			break
		}
		m.OwnReactions[i].SyncStatus = l.OwnReactions[i]
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMessage(ctx context.Context, db execer, m chatsync.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message %q: %w", m.ID, err)
	}
	local, err := json.Marshal(localOf(m))
	if err != nil {
		return fmt.Errorf("encode local fields of %q: %w", m.ID, err)
	}
	pollID := ""
	if m.Poll != nil {
		pollID = m.Poll.ID
	}
	showInChannel := 0
	if m.ShowInChannel {
		showInChannel = 1
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO messages (id, cid, parent_id, show_in_channel, poll_id, sync_status, ts, data, local)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			cid = excluded.cid,
			parent_id = excluded.parent_id,
			show_in_channel = excluded.show_in_channel,
			poll_id = excluded.poll_id,
			sync_status = excluded.sync_status,
			ts = excluded.ts,
			data = excluded.data,
			local = excluded.local`,
		m.ID, m.CID, m.ParentID, showInChannel, pollID, string(m.SyncStatus),
		unixNano(m.Timestamp()), string(data), string(local),
	); err != nil {
		return fmt.Errorf("insert message %q: %w", m.ID, err)
	}
	return nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

const messageColumns = `sync_status, data, local`

func scanMessage(row scanner) (*chatsync.Message, error) {
	var status, data, local string
	if err := row.Scan(&status, &data, &local); err != nil {
		return nil, err
	}
	var m chatsync.Message
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	var l messageLocal
	if err := json.Unmarshal([]byte(local), &l); err != nil {
		return nil, fmt.Errorf("decode local fields of %q: %w", m.ID, err)
	}
	l.apply(&m)
	m.SyncStatus = chatsync.SyncStatus(status)
	return &m, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]chatsync.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []chatsync.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

func (s *Store) InsertMessage(ctx context.Context, message chatsync.Message) error {
	return insertMessage(ctx, s.db, message)
}

func (s *Store) InsertMessages(ctx context.Context, messages []chatsync.Message) error {
	if len(messages) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, m := range messages {
			if err := insertMessage(ctx, tx, m); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) SelectMessage(ctx context.Context, id string) (*chatsync.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select message %q: %w", id, err)
	}
	return m, nil
}

// SelectMessages returns the stored messages in the order of ids.
func (s *Store) SelectMessages(ctx context.Context, ids []string) ([]chatsync.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	in, args := placeholders(ids)
	found, err := s.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages WHERE id IN (`+in+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	byID := make(map[string]chatsync.Message, len(found))
	for _, m := range found {
		byID[m.ID] = m
	}
	out := make([]chatsync.Message, 0, len(found))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) SelectMessagesForChannel(ctx context.Context, cid string, limit int) ([]chatsync.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	messages, err := s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM (
			SELECT sync_status, data, local, ts, id FROM messages
			WHERE cid = ? AND (parent_id = '' OR show_in_channel = 1)
			ORDER BY ts DESC, id DESC
			LIMIT ?
		) ORDER BY ts ASC, id ASC`,
		cid, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select messages of %q: %w", cid, err)
	}
	return messages, nil
}

func (s *Store) SelectMessagesWithPoll(ctx context.Context, pollIDs []string) ([]chatsync.Message, error) {
	if len(pollIDs) == 0 {
		return nil, nil
	}
	in, args := placeholders(pollIDs)
	messages, err := s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE poll_id IN (`+in+`) ORDER BY ts ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("select messages with polls: %w", err)
	}
	return messages, nil
}

func (s *Store) SelectMessagesBySyncStatus(ctx context.Context, status chatsync.SyncStatus) ([]chatsync.Message, error) {
	messages, err := s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE sync_status = ? ORDER BY ts ASC, id ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("select messages with status %q: %w", status, err)
	}
	return messages, nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete message %q: %w", id, err)
	}
	return nil
}

// ============================================================================
// Threads
// ============================================================================

func (s *Store) InsertThreads(ctx context.Context, threads []chatsync.Thread) error {
	if len(threads) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range threads {
			data, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("encode thread %q: %w", t.ParentMessageID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO threads (parent_id, cid, data) VALUES (?, ?, ?)
				ON CONFLICT(parent_id) DO UPDATE SET cid = excluded.cid, data = excluded.data`,
				t.ParentMessageID, t.CID, string(data),
			); err != nil {
				return fmt.Errorf("insert thread %q: %w", t.ParentMessageID, err)
			}
		}
		return nil
	})
}

func (s *Store) SelectThreads(ctx context.Context, parentIDs []string) ([]chatsync.Thread, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	in, args := placeholders(parentIDs)
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM threads WHERE parent_id IN (`+in+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("select threads: %w", err)
	}
	defer rows.Close()

	var threads []chatsync.Thread
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan thread row: %w", err)
		}
		var t chatsync.Thread
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("decode thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// ============================================================================
// Query specs
// ============================================================================

func (s *Store) InsertQuerySpec(ctx context.Context, spec chatsync.QueryChannelsSpec) error {
	if spec.ID == "" {
		spec.ID = chatsync.QuerySpecID(spec.Filter, spec.Sort)
	}
	cids := spec.CIDs
	if cids == nil {
		cids = []string{}
	}
	data, err := json.Marshal(cids)
	if err != nil {
		return fmt.Errorf("encode query spec %q: %w", spec.ID, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO query_specs (id, filter, sort, cids) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET cids = excluded.cids`,
		spec.ID, spec.Filter.String(), spec.Sort.String(), string(data),
	); err != nil {
		return fmt.Errorf("insert query spec %q: %w", spec.ID, err)
	}
	return nil
}

func (s *Store) SelectQuerySpec(ctx context.Context, filter chatsync.Filter, sort chatsync.QuerySort) (*chatsync.QueryChannelsSpec, error) {
	spec := chatsync.NewQueryChannelsSpec(filter, sort)
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT cids FROM query_specs WHERE id = ?`, spec.ID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select query spec %q: %w", spec.ID, err)
	}
	if err := json.Unmarshal([]byte(data), &spec.CIDs); err != nil {
		return nil, fmt.Errorf("decode query spec %q: %w", spec.ID, err)
	}
	return &spec, nil
}

// ============================================================================
// Channel configs
// ============================================================================

func (s *Store) InsertChannelConfigs(ctx context.Context, configs []chatsync.ChannelConfig) error {
	if len(configs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range configs {
			data, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("encode channel config %q: %w", c.Type, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO channel_configs (type, data) VALUES (?, ?)
				ON CONFLICT(type) DO UPDATE SET data = excluded.data`,
				c.Type, string(data),
			); err != nil {
				return fmt.Errorf("insert channel config %q: %w", c.Type, err)
			}
		}
		return nil
	})
}

func (s *Store) SelectChannelConfig(ctx context.Context, channelType string) (*chatsync.ChannelConfig, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM channel_configs WHERE type = ?`, channelType).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select channel config %q: %w", channelType, err)
	}
	var c chatsync.ChannelConfig
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("decode channel config %q: %w", channelType, err)
	}
	return &c, nil
}

// Clear drops every row.
func (s *Store) Clear(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"users", "channels", "messages", "threads", "query_specs", "channel_configs"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return nil
	})
}
