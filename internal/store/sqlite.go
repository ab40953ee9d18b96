package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shineum/ghostmail/internal/email"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB

	// mu serializes Append and Clear.
	mu sync.Mutex
}

// NewSQLiteStore opens (or creates) the database at path and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("store path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS messages (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	id               TEXT NOT NULL UNIQUE,
	from_addr        TEXT NOT NULL,
	to_json          TEXT NOT NULL DEFAULT '[]',
	subject          TEXT NOT NULL DEFAULT '',
	text_body        TEXT NOT NULL DEFAULT '',
	html_body        TEXT NOT NULL DEFAULT '',
	date_unix_nano   INTEGER NOT NULL,
	raw              TEXT NOT NULL DEFAULT '',
	message_id       TEXT NOT NULL DEFAULT '',
	attachments_json TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS messages_date ON messages (date_unix_nano DESC, seq DESC);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, msg *email.Message) error {
	if msg == nil {
		return errors.New("append nil message")
	}

	to, err := json.Marshal(msg.To)
	if err != nil {
		return fmt.Errorf("encode recipients: %w", err)
	}
	attachments := []email.Attachment{}
	if msg.Attachments != nil {
		attachments = msg.Attachments
	}
	atts, err := json.Marshal(attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, from_addr, to_json, subject, text_body, html_body, date_unix_nano, raw, message_id, attachments_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.From, string(to), msg.Subject, msg.Text, msg.HTML,
		msg.Date.UnixNano(), msg.Raw, msg.MessageID, string(atts))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

const selectColumns = `SELECT id, from_addr, to_json, subject, text_body, html_body, date_unix_nano, raw, message_id, attachments_json FROM messages`

func (s *SQLiteStore) List(ctx context.Context) ([]*email.Message, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY date_unix_nano DESC, seq DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []*email.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*email.Message, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM messages"); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(sc scanner) (*email.Message, error) {
	var (
		m        email.Message
		to, atts string
		dateNano int64
	)
	err := sc.Scan(&m.ID, &m.From, &to, &m.Subject, &m.Text, &m.HTML, &dateNano, &m.Raw, &m.MessageID, &atts)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(to), &m.To); err != nil {
		return nil, fmt.Errorf("decode recipients of %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(atts), &m.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments of %s: %w", m.ID, err)
	}
	if len(m.Attachments) == 0 {
		m.Attachments = nil
	}
	m.Date = time.Unix(0, dateNano)
	m.Normalize()
	return &m, nil
}
