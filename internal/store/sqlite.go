package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Tyrowin/chatcore/internal/chat"
	"github.com/Tyrowin/chatcore/internal/log"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLite is a Store persisted in a SQLite database file.
type SQLite struct {
	db  *sql.DB
	log *log.Logger
}

// NewSQLite opens (creating if needed) the database at path and applies
// pending migrations.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}

	s := &SQLite{db: db, log: log.ForService("store")}
	applied, err := migrate(context.Background(), db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}
	if applied > 0 {
		s.log.Infof("Applied %d migration(s) to %s", applied, path)
	}
	return s, nil
}

// DB returns the underlying database handle.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Close implements Store.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) findUser(ctx context.Context, query string, arg string) (chat.User, error) {
	var (
		u      chat.User
		online int
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&u.Username, &u.ConnectionID, &online)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.User{}, chat.ErrUserNotFound
	}
	if err != nil {
		return chat.User{}, fmt.Errorf("querying user: %w", err)
	}
	u.Online = online == 1
	return u, nil
}

// FindUserByName implements chat.UserStore.
func (s *SQLite) FindUserByName(ctx context.Context, username string) (chat.User, error) {
	return s.findUser(ctx,
		"SELECT username, connection_id, online FROM users WHERE username = ?", username)
}

// FindUserByConnection implements chat.UserStore. Only online users match.
func (s *SQLite) FindUserByConnection(ctx context.Context, connectionID string) (chat.User, error) {
	return s.findUser(ctx,
		"SELECT username, connection_id, online FROM users WHERE connection_id = ? AND online = 1 ORDER BY id LIMIT 1",
		connectionID)
}

// SaveUser implements chat.UserStore.
func (s *SQLite) SaveUser(ctx context.Context, user chat.User) error {
	if !user.Online {
		user.ConnectionID = ""
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, connection_id, online) VALUES (?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			connection_id = excluded.connection_id,
			online = excluded.online`,
		user.Username, user.ConnectionID, boolInt(user.Online))
	if err != nil {
		return fmt.Errorf("saving user %s: %w", user.Username, err)
	}
	return nil
}

// OnlineUsers implements chat.UserStore.
func (s *SQLite) OnlineUsers(ctx context.Context) ([]chat.User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT username, connection_id FROM users WHERE online = 1 ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("querying online users: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.log.Warnf("failed to close rows: %v", err)
		}
	}()

	users := []chat.User{}
	for rows.Next() {
		u := chat.User{Online: true}
		if err := rows.Scan(&u.Username, &u.ConnectionID); err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ResetPresence implements chat.UserStore.
func (s *SQLite) ResetPresence(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET online = 0, connection_id = '' WHERE online = 1")
	if err != nil {
		return fmt.Errorf("resetting presence: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.log.Infof("Marked %d stale user(s) offline", n)
	}
	return nil
}

// SaveMessage implements chat.MessageStore.
func (s *SQLite) SaveMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (sender, sender_connection_id, body, timestamp, is_private, recipient)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.Sender, msg.SenderConnectionID, msg.Body,
		msg.Timestamp.UTC().Format(time.RFC3339Nano),
		boolInt(msg.IsPrivate), msg.Recipient)
	if err != nil {
		return chat.Message{}, fmt.Errorf("inserting message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chat.Message{}, fmt.Errorf("reading message id: %w", err)
	}
	msg.ID = id
	return msg, nil
}

// RecentMessages implements chat.MessageStore. Only public messages are
// returned, oldest first.
func (s *SQLite) RecentMessages(ctx context.Context, limit int) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender, sender_connection_id, body, timestamp
		FROM messages WHERE is_private = 0
		ORDER BY id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.log.Warnf("failed to close rows: %v", err)
		}
	}()

	messages := []chat.Message{}
	for rows.Next() {
		var (
			m  chat.Message
			ts string
		)
		if err := rows.Scan(&m.ID, &m.Sender, &m.SenderConnectionID, &m.Body, &ts); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		if m.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp of message %d: %w", m.ID, err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(messages)
	return messages, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
