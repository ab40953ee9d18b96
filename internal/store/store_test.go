package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shineum/ghostmail/internal/email"
)

var drivers = []string{DriverJSON, DriverSQLite}

func openStore(t *testing.T, driver string) Store {
	t.Helper()

	name := "emails.json"
	if driver == DriverSQLite {
		name = "emails.db"
	}
	s, err := Open(driver, filepath.Join(t.TempDir(), "data", name))
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newMessage(subject string, date time.Time) *email.Message {
	return email.New(email.Draft{
		From:    "a@x",
		To:      []string{"b@y"},
		Subject: subject,
		Text:    "Hello",
		Raw:     "<p>Hello</p>",
		Date:    date,
	})
}

func forEachDriver(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			fn(t, openStore(t, driver))
		})
	}
}

func TestStore_EmptyOnOpen(t *testing.T) {
	t.Parallel()

	forEachDriver(t, func(t *testing.T, s Store) {
		msgs, err := s.List(context.Background())
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if msgs == nil || len(msgs) != 0 {
			t.Errorf("List: got %v, want empty non-nil slice", msgs)
		}
	})
}

func TestStore_AppendListGet(t *testing.T) {
	t.Parallel()

	forEachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		msg := email.New(email.Draft{
			From:        "Alice <alice@example.com>",
			To:          []string{"b@y", "b@y"},
			Subject:     "Hi",
			Text:        "Hello",
			HTML:        "<b>Hello</b>",
			Raw:         "<p>Hello</p>",
			MessageID:   "<m1@example.com>",
			Attachments: []email.Attachment{{Filename: "a.txt", ContentType: "text/plain", Size: 3}},
		})
		if err := s.Append(ctx, msg); err != nil {
			t.Fatalf("Append: %v", err)
		}

		msgs, err := s.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(msgs) != 1 {
			t.Fatalf("List: got %d messages, want 1", len(msgs))
		}

		got, err := s.Get(ctx, msg.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		for _, m := range []*email.Message{msgs[0], got} {
			if m.ID != msg.ID || m.From != msg.From || m.Subject != msg.Subject ||
				m.Text != msg.Text || m.HTML != msg.HTML || m.Raw != msg.Raw || m.MessageID != msg.MessageID {
				t.Errorf("stored message mismatch: got %+v, want %+v", *m, *msg)
			}
			if !m.Date.Equal(msg.Date) {
				t.Errorf("Date: got %v, want %v", m.Date, msg.Date)
			}
			if len(m.To) != 2 || m.To[0] != "b@y" || m.To[1] != "b@y" {
				t.Errorf("To: got %v, want duplicates preserved", m.To)
			}
			if len(m.Attachments) != 1 || m.Attachments[0].Filename != "a.txt" || m.Attachments[0].Size != 3 {
				t.Errorf("Attachments: got %+v", m.Attachments)
			}
		}
	})
}

func TestStore_GetNotFound(t *testing.T) {
	t.Parallel()

	forEachDriver(t, func(t *testing.T, s Store) {
		_, err := s.Get(context.Background(), "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Get: got %v, want ErrNotFound", err)
		}
	})
}

func TestStore_ListOrdering(t *testing.T) {
	t.Parallel()

	forEachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

		// Insertion order: old, newest, tieA, tieB.
		old := newMessage("old", base)
		newest := newMessage("newest", base.Add(2*time.Hour))
		tieA := newMessage("tieA", base.Add(time.Hour))
		tieB := newMessage("tieB", base.Add(time.Hour))
		for _, m := range []*email.Message{old, newest, tieA, tieB} {
			if err := s.Append(ctx, m); err != nil {
				t.Fatalf("Append: %v", err)
			}
		}

		msgs, err := s.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}

		want := []string{"newest", "tieB", "tieA", "old"}
		if len(msgs) != len(want) {
			t.Fatalf("List: got %d messages, want %d", len(msgs), len(want))
		}
		for i, w := range want {
			if msgs[i].Subject != w {
				t.Errorf("List[%d]: got %q, want %q", i, msgs[i].Subject, w)
			}
		}
	})
}

func TestStore_Clear(t *testing.T) {
	t.Parallel()

	forEachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			if err := s.Append(ctx, newMessage(fmt.Sprintf("m%d", i), time.Now())); err != nil {
				t.Fatalf("Append: %v", err)
			}
		}

		if err := s.Clear(ctx); err != nil {
			t.Fatalf("Clear: %v", err)
		}
		msgs, err := s.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(msgs) != 0 {
			t.Errorf("List after Clear: got %d messages, want 0", len(msgs))
		}

		// Clear is idempotent.
		if err := s.Clear(ctx); err != nil {
			t.Fatalf("second Clear: %v", err)
		}

		// A message appended after the clear is the only one visible.
		after := newMessage("after", time.Now())
		if err := s.Append(ctx, after); err != nil {
			t.Fatalf("Append after Clear: %v", err)
		}
		msgs, err = s.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(msgs) != 1 || msgs[0].ID != after.ID {
			t.Errorf("List: got %d messages, want only the post-clear message", len(msgs))
		}
	})
}

func TestStore_ConcurrentAppend(t *testing.T) {
	t.Parallel()

	forEachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const n = 20

		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- s.Append(ctx, newMessage(fmt.Sprintf("m%d", i), time.Now()))
			}(i)
		}

		// Readers running alongside the writers must always see a complete
		// collection.
		for i := 0; i < n; i++ {
			if _, err := s.List(ctx); err != nil {
				t.Errorf("concurrent List: %v", err)
			}
		}

		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Errorf("Append: %v", err)
			}
		}

		msgs, err := s.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(msgs) != n {
			t.Fatalf("List: got %d messages, want %d", len(msgs), n)
		}
		seen := make(map[string]bool)
		for _, m := range msgs {
			if seen[m.ID] {
				t.Errorf("duplicate id %q", m.ID)
			}
			seen[m.ID] = true
		}
	})
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "store")

			s, err := Open(driver, path)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			msg := newMessage("kept", time.Now())
			if err := s.Append(context.Background(), msg); err != nil {
				t.Fatalf("Append: %v", err)
			}
			s.Close()

			s, err = Open(driver, path)
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer s.Close()

			if _, err := s.Get(context.Background(), msg.ID); err != nil {
				t.Errorf("Get after reopen: %v", err)
			}
		})
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open("redis", filepath.Join(t.TempDir(), "x")); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestFileStore_CreatesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dir", "emails.json")
	if _, err := NewFileStore(path); err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("store file not created: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "[]" {
		t.Errorf("initial content: got %q, want %q", got, "[]")
	}
}

func TestFileStore_CorruptedFileSelfHeals(t *testing.T) {
	t.Parallel()

	inputs := map[string]string{
		"not json":     "{{{ definitely not json",
		"object":       `{"id":"x"}`,
		"empty file":   "",
		"wrong shapes": `[1, "two"]`,
	}

	for name, content := range inputs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "emails.json")
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}

			s, err := NewFileStore(path)
			if err != nil {
				t.Fatalf("NewFileStore: %v", err)
			}

			msgs, err := s.List(context.Background())
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(msgs) != 0 {
				t.Errorf("List: got %d messages, want 0", len(msgs))
			}

			data, _ := os.ReadFile(path)
			if got := strings.TrimSpace(string(data)); got != "[]" {
				t.Errorf("file after heal: got %q, want %q", got, "[]")
			}

			if err := s.Append(context.Background(), newMessage("fresh", time.Now())); err != nil {
				t.Fatalf("Append after heal: %v", err)
			}
			msgs, _ = s.List(context.Background())
			if len(msgs) != 1 {
				t.Errorf("List after append: got %d messages, want 1", len(msgs))
			}
		})
	}
}

func TestFileStore_NullElementsSkipped(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "emails.json")
	content := `[null, {"id":"abc","to":["b@y"],"date":"2024-01-01T00:00:00Z"}]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	msgs, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "abc" {
		t.Fatalf("List: got %v, want the single valid record", msgs)
	}
	if msgs[0].From != email.DefaultFrom || msgs[0].Subject != email.DefaultSubject {
		t.Errorf("defaults not applied on load: %+v", *msgs[0])
	}
}

func TestFileStore_MissingDateDefaulted(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "emails.json")
	content := `[{"id":"undated"}, {"id":"dated","date":"2024-01-01T00:00:00Z"}]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	msgs, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("List: got %d messages, want 2", len(msgs))
	}
	if msgs[1].ID != "undated" || msgs[1].Date.IsZero() {
		t.Errorf("undated record: got %+v, want it last with a non-zero date", *msgs[1])
	}
}

func TestFileStore_NoTempFilesLeft(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := NewFileStore(filepath.Join(dir, "emails.json"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Append(context.Background(), newMessage("m", time.Now())); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := s.Clear(context.Background()); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "emails.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory contents: got %v, want only emails.json", names)
	}
}

func TestFileStore_RejectsDuplicateID(t *testing.T) {
	t.Parallel()

	s, err := NewFileStore(filepath.Join(t.TempDir(), "emails.json"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	msg := newMessage("m", time.Now())
	if err := s.Append(context.Background(), msg); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(context.Background(), msg); err == nil {
		t.Error("expected error appending a duplicate id")
	}
}

func TestFileStore_PrettyPrinted(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "emails.json")
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := s.Append(context.Background(), newMessage("m", time.Now())); err != nil {
		t.Fatalf("Append: %v", err)
	}

	data, _ := os.ReadFile(path)
	if !bytes.Contains(data, []byte("\n  {\n    \"id\": ")) {
		t.Errorf("store file is not indented with two spaces:\n%s", data)
	}
	if bytes.Contains(data, []byte(`"html"`)) {
		t.Errorf("html should be omitted when absent:\n%s", data)
	}
}

func TestExportMbox(t *testing.T) {
	t.Parallel()

	forEachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
		for i, subject := range []string{"first", "second", "third"} {
			if err := s.Append(ctx, newMessage(subject, base.Add(time.Duration(i)*time.Minute))); err != nil {
				t.Fatalf("Append: %v", err)
			}
		}

		var buf bytes.Buffer
		n, err := ExportMbox(ctx, s, &buf)
		if err != nil {
			t.Fatalf("ExportMbox: %v", err)
		}
		if n != 3 {
			t.Errorf("ExportMbox count: got %d, want 3", n)
		}

		out := buf.String()
		if got := strings.Count("\n"+out, "\nFrom "); got != 3 {
			t.Errorf("mbox separators: got %d, want 3\n%s", got, out)
		}
		first := strings.Index(out, "Subject: first")
		third := strings.Index(out, "Subject: third")
		if first < 0 || third < 0 || first > third {
			t.Errorf("mbox should list messages oldest first\n%s", out)
		}
	})
}
