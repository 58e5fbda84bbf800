// Package paidstore persists paid messages in SQLite so the dashboard and
// feature lookups survive a restart.
package paidstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/john/chatnexus/internal/message"
)

const (
	// RetentionHours is how long paid messages are kept.
	RetentionHours = 48
	// WarmHours is how far back the consumer store is primed at start.
	WarmHours = 24

	table = "paid_messages"
)

var ErrNotFound = errors.New("paidstore: message not found")

var columns = []string{
	"id", "platform", "channel", "sent_at", "received_at", "message", "emojis",
	"username", "avatar", "amount", "currency",
	"is_verified", "is_sub", "is_mod", "is_owner", "is_staff",
}

type row struct {
	ID         string  `db:"id"`
	Platform   string  `db:"platform"`
	Channel    string  `db:"channel"`
	SentAt     int64   `db:"sent_at"`
	ReceivedAt int64   `db:"received_at"`
	Message    string  `db:"message"`
	Emojis     string  `db:"emojis"`
	Username   string  `db:"username"`
	Avatar     string  `db:"avatar"`
	Amount     float64 `db:"amount"`
	Currency   string  `db:"currency"`
	IsVerified bool    `db:"is_verified"`
	IsSub      bool    `db:"is_sub"`
	IsMod      bool    `db:"is_mod"`
	IsOwner    bool    `db:"is_owner"`
	IsStaff    bool    `db:"is_staff"`
}

func (r row) toMessage() (message.ChatMessage, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return message.ChatMessage{}, fmt.Errorf("parse id %q: %w", r.ID, err)
	}
	emojis := []message.Emoji{}
	if r.Emojis != "" {
		if err := json.Unmarshal([]byte(r.Emojis), &emojis); err != nil {
			return message.ChatMessage{}, fmt.Errorf("decode emojis of %s: %w", r.ID, err)
		}
	}
	return message.ChatMessage{
		ID:         id,
		Platform:   r.Platform,
		Channel:    r.Channel,
		SentAt:     r.SentAt,
		ReceivedAt: r.ReceivedAt,
		Message:    r.Message,
		Emojis:     emojis,
		Username:   r.Username,
		Avatar:     r.Avatar,
		Amount:     r.Amount,
		Currency:   r.Currency,
		IsVerified: r.IsVerified,
		IsSub:      r.IsSub,
		IsMod:      r.IsMod,
		IsOwner:    r.IsOwner,
		IsStaff:    r.IsStaff,
	}, nil
}

type Store struct {
	db     *sqlx.DB
	now    func() time.Time
	logger *slog.Logger
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sqlx.ConnectContext(ctx, "sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open paid message database: %w", err)
	}
	// One connection: SQLite serializes writers, and each in-memory
	// connection would otherwise be a separate database.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("paid message database ready", slog.String("path", path))
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS paid_messages (
		id TEXT PRIMARY KEY,
		platform TEXT NOT NULL,
		channel TEXT NOT NULL DEFAULT '',
		sent_at INTEGER NOT NULL,
		received_at INTEGER NOT NULL,
		message TEXT NOT NULL,
		emojis TEXT NOT NULL,
		username TEXT NOT NULL,
		avatar TEXT NOT NULL,
		amount REAL NOT NULL,
		currency TEXT NOT NULL,
		is_verified INTEGER NOT NULL DEFAULT 0,
		is_sub INTEGER NOT NULL DEFAULT 0,
		is_mod INTEGER NOT NULL DEFAULT 0,
		is_owner INTEGER NOT NULL DEFAULT 0,
		is_staff INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_received_at ON paid_messages(received_at DESC);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate paid messages: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Upsert inserts m or replaces the stored copy with the same ID.
func (s *Store) Upsert(ctx context.Context, m message.ChatMessage) error {
	emojis, err := json.Marshal(m.Emojis)
	if err != nil {
		return fmt.Errorf("encode emojis: %w", err)
	}
	query, args, err := sq.Insert(table).
		Options("OR REPLACE").
		Columns(columns...).
		Values(m.ID.String(), m.Platform, m.Channel, m.SentAt, m.ReceivedAt, m.Message, string(emojis),
			m.Username, m.Avatar, m.Amount, m.Currency,
			m.IsVerified, m.IsSub, m.IsMod, m.IsOwner, m.IsStaff).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert paid message %s: %w", m.ID, err)
	}
	return nil
}

// Get returns the message with id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (message.ChatMessage, error) {
	query, args, err := sq.Select(columns...).From(table).Where(sq.Eq{"id": id.String()}).ToSql()
	if err != nil {
		return message.ChatMessage{}, fmt.Errorf("build get: %w", err)
	}
	var r row
	if err := s.db.GetContext(ctx, &r, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return message.ChatMessage{}, ErrNotFound
		}
		return message.ChatMessage{}, fmt.Errorf("get paid message %s: %w", id, err)
	}
	return r.toMessage()
}

// Since returns messages received in the last hours, oldest first. Rows
// that fail to decode are logged and skipped.
func (s *Store) Since(ctx context.Context, hours int) ([]message.ChatMessage, error) {
	cutoff := s.now().Add(-time.Duration(hours) * time.Hour).UnixMilli()
	return s.list(ctx, sq.Select(columns...).From(table).
		Where(sq.GtOrEq{"received_at": cutoff}).
		OrderBy("received_at ASC"))
}

// All returns every stored message, oldest first.
func (s *Store) All(ctx context.Context) ([]message.ChatMessage, error) {
	return s.list(ctx, sq.Select(columns...).From(table).OrderBy("received_at ASC"))
}

func (s *Store) list(ctx context.Context, b sq.SelectBuilder) ([]message.ChatMessage, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list: %w", err)
	}
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list paid messages: %w", err)
	}
	out := make([]message.ChatMessage, 0, len(rows))
	for _, r := range rows {
		m, err := r.toMessage()
		if err != nil {
			s.logger.Warn("skipping unreadable paid message", slog.Any("err", err))
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Delete removes the message with id and reports whether it existed.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	query, args, err := sq.Delete(table).Where(sq.Eq{"id": id.String()}).ToSql()
	if err != nil {
		return false, fmt.Errorf("build delete: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("delete paid message %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Cleanup deletes messages received more than hours ago.
func (s *Store) Cleanup(ctx context.Context, hours int) (int64, error) {
	cutoff := s.now().Add(-time.Duration(hours) * time.Hour).UnixMilli()
	query, args, err := sq.Delete(table).Where(sq.Lt{"received_at": cutoff}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build cleanup: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("cleanup paid messages: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("cleaned up old paid messages", slog.Int64("deleted", n))
	}
	return n, nil
}
