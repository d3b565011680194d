// Package store keeps a local SQLite archive of server-confirmed messages so
// history can be read while the service is unreachable.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"schoolmsg/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteArchive implements domain.Archive using SQLite.
type SQLiteArchive struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ domain.Archive = (*SQLiteArchive)(nil)

// ConversationInfo summarizes one archived conversation.
type ConversationInfo struct {
	Key      string
	Messages int
	Unread   int
	LastAt   time.Time
}

// Open opens or creates the archive at dbPath.
func Open(dbPath string, logger *slog.Logger) (*SQLiteArchive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create archive directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open archive: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive migration failed: %w", err)
	}
	return &SQLiteArchive{db: db, logger: logger}, nil
}

func (s *SQLiteArchive) Close() error {
	return s.db.Close()
}

// SaveMessages upserts confirmed messages. Local copies that the service has
// not confirmed (no id, or failed) are skipped. Read state never goes back
// to unread.
func (s *SQLiteArchive) SaveMessages(ctx context.Context, msgs []domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, conversation_key, sender_id, recipient_id, student_id,
			message_type, priority, content, is_read, created_unix, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_key = excluded.conversation_key,
			recipient_id     = excluded.recipient_id,
			student_id       = excluded.student_id,
			message_type     = excluded.message_type,
			priority         = excluded.priority,
			content          = excluded.content,
			is_read          = MAX(messages.is_read, excluded.is_read),
			created_unix     = excluded.created_unix,
			raw              = excluded.raw`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	saved := 0
	for _, m := range msgs {
		if m.ID == "" || m.Failed || m.ConversationKey == "" {
			continue
		}
		m.CorrelationID = ""
		raw, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", m.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			m.ID, m.ConversationKey, m.SenderID, m.RecipientID, m.StudentID,
			m.MessageType, m.Priority, m.Content, boolInt(m.IsRead), unixNano(m.CreatedAt), string(raw),
		); err != nil {
			return fmt.Errorf("save message %s: %w", m.ID, err)
		}
		saved++
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if saved > 0 {
		s.logger.Debug("archived messages", "count", saved)
	}
	return nil
}

// MarkRead flags an archived message as read. Unknown ids are ignored.
func (s *SQLiteArchive) MarkRead(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_read = 1, read_at = COALESCE(read_at, ?) WHERE id = ?`,
		time.Now().UTC(), messageID,
	)
	return err
}

// ConversationMessages returns the latest limit messages of key in
// chronological order.
func (s *SQLiteArchive) ConversationMessages(ctx context.Context, key string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT raw, is_read FROM (
			SELECT raw, is_read, created_unix, id FROM messages
			WHERE conversation_key = ?
			ORDER BY created_unix DESC, id DESC
			LIMIT ?
		) ORDER BY created_unix ASC, id ASC`,
		key, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var (
			raw  string
			read int
		)
		if err := rows.Scan(&raw, &read); err != nil {
			return nil, err
		}
		var m domain.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			s.logger.Warn("skipping unreadable archived message", "err", err)
			continue
		}
		if read == 1 {
			m.MarkRead()
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Conversations lists archived conversations, most recently active first.
func (s *SQLiteArchive) Conversations(ctx context.Context) ([]ConversationInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_key, COUNT(*), SUM(CASE WHEN is_read = 0 THEN 1 ELSE 0 END), MAX(created_unix)
		FROM messages
		GROUP BY conversation_key
		ORDER BY MAX(created_unix) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConversationInfo
	for rows.Next() {
		var (
			c    ConversationInfo
			last int64
		)
		if err := rows.Scan(&c.Key, &c.Messages, &c.Unread, &last); err != nil {
			return nil, err
		}
		c.LastAt = time.Unix(0, last).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
