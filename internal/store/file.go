package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/shineum/ghostmail/internal/email"
)

// FileStore keeps the collection as a pretty-printed JSON array in a single
// file. Every mutation rewrites the whole file through a temp file and an
// atomic rename, so readers never see a partial write and need no lock.
type FileStore struct {
	path string

	// mu serializes Append and Clear.
	mu sync.Mutex
}

// NewFileStore opens the store at path, creating the parent directory and an
// empty collection when they do not exist.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("store path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	s := &FileStore{path: path}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := s.write(nil); err != nil {
			return nil, fmt.Errorf("initialize store: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat store: %w", err)
	}
	return s, nil
}

// Path returns the location of the backing file.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Append(ctx context.Context, msg *email.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg == nil {
		return errors.New("append nil message")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, err := s.loadLocked()
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.ID == msg.ID {
			return fmt.Errorf("duplicate message id %q", msg.ID)
		}
	}
	return s.write(append(msgs, msg))
}

func (s *FileStore) List(ctx context.Context) ([]*email.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msgs, err := s.read()
	if err != nil {
		return nil, err
	}
	sortNewestFirst(msgs)
	return msgs, nil
}

func (s *FileStore) Get(ctx context.Context, id string) (*email.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msgs, err := s.read()
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, ErrNotFound
}

func (s *FileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(nil)
}

// Close is a no-op; the file is only held open during a read or write.
func (s *FileStore) Close() error {
	return nil
}

// read loads the collection without the writer lock. A corrupted file is
// repaired under the lock before an empty collection is returned.
func (s *FileStore) read() ([]*email.Message, error) {
	msgs, err := decodeFile(s.path)
	if !errors.Is(err, errCorrupted) {
		return msgs, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// loadLocked loads the collection, resetting a corrupted file to an empty
// one. s.mu must be held.
func (s *FileStore) loadLocked() ([]*email.Message, error) {
	msgs, err := decodeFile(s.path)
	if errors.Is(err, errCorrupted) {
		slog.Warn("store file is corrupted, resetting to an empty collection", "path", s.path, "error", err)
		if werr := s.write(nil); werr != nil {
			return nil, werr
		}
		return []*email.Message{}, nil
	}
	return msgs, err
}

var errCorrupted = errors.New("store file is not a JSON array of messages")

func decodeFile(path string) ([]*email.Message, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []*email.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}

	var raw []*email.Message
	if err := json.Unmarshal(bytes.TrimSpace(data), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorrupted, err)
	}

	msgs := make([]*email.Message, 0, len(raw))
	for _, m := range raw {
		if m != nil {
			msgs = append(msgs, m)
		}
	}
	return msgs, nil
}

func (s *FileStore) write(msgs []*email.Message) error {
	if msgs == nil {
		msgs = []*email.Message{}
	}
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	return writeFileAtomic(s.path, append(data, '\n'))
}

// writeFileAtomic replaces path with data via a synced temp file in the same
// directory followed by a rename.
func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace store: %w", err)
	}

	// Persist the rename. Not every platform supports syncing a directory.
	if d, derr := os.Open(dir); derr == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
