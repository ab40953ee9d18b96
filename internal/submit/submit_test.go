package submit

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/ghostmail/internal/smtp"
	"github.com/shineum/ghostmail/internal/store"
)

func TestRequest_Validate(t *testing.T) {
	t.Parallel()

	valid := Request{From: "a@x", To: "b@y", Subject: "Hi", Text: "Hello"}

	tests := []struct {
		name    string
		mutate  func(r *Request)
		wantErr error
	}{
		{name: "valid", mutate: func(r *Request) {}, wantErr: nil},
		{name: "html only", mutate: func(r *Request) { r.Text, r.HTML = "", "<b>hi</b>" }, wantErr: nil},
		{name: "missing from", mutate: func(r *Request) { r.From = "" }, wantErr: ErrMissingFields},
		{name: "missing to", mutate: func(r *Request) { r.To = "  " }, wantErr: ErrMissingFields},
		{name: "missing subject", mutate: func(r *Request) { r.Subject = "" }, wantErr: ErrMissingFields},
		{name: "missing bodies", mutate: func(r *Request) { r.Text = "" }, wantErr: ErrMissingFields},
		{name: "only separators", mutate: func(r *Request) { r.To = " , ,," }, wantErr: ErrNoRecipients},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := valid
			tt.mutate(&r)
			if err := r.Validate(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate(): got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequest_Recipients(t *testing.T) {
	t.Parallel()

	r := Request{To: " b@y, ,Carol <c@z>,b@y "}
	got := r.Recipients()
	want := []string{"b@y", "Carol <c@z>", "b@y"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("Recipients(): got %q, want %q", got, want)
	}
}

// Validation failures are reported without contacting the server.
func TestClient_SendValidatesFirst(t *testing.T) {
	t.Parallel()

	c := &Client{Addr: "127.0.0.1:1"}
	_, err := c.Send(context.Background(), Request{From: "a@x"})
	if !errors.Is(err, ErrMissingFields) {
		t.Errorf("Send: got %v, want ErrMissingFields", err)
	}
}

func TestClient_SendUnreachable(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := &Client{Addr: addr, Username: "u", Password: "p"}
	_, err = c.Send(context.Background(), Request{From: "a@x", To: "b@y", Subject: "s", Text: "t"})
	if err == nil {
		t.Fatal("expected a delivery error")
	}
	if errors.Is(err, ErrMissingFields) || errors.Is(err, ErrNoRecipients) {
		t.Errorf("delivery failure reported as validation error: %v", err)
	}
}

func TestClient_SendCaptured(t *testing.T) {
	t.Parallel()

	st, err := store.NewFileStore(filepath.Join(t.TempDir(), "emails.json"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := smtp.New(smtp.Config{
		Domain: "ghostmail.test",
		Auth:   smtp.NewAuthenticator("ghost", "secret"),
		Store:  st,
	})
	go srv.Serve(ctx, ln)

	c := &Client{Addr: ln.Addr().String(), Username: "ghost", Password: "secret", Domain: "ghostmail.test"}
	messageID, err := c.Send(context.Background(), Request{
		From:    "Alice <alice@example.com>",
		To:      "bob@example.com, carol@example.com",
		Subject: "Integration",
		Text:    "Hello text",
		HTML:    "<b>Hello html</b>",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgs, err := st.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("stored messages: got %d, want 1", len(msgs))
	}

	m := msgs[0]
	if m.Subject != "Integration" {
		t.Errorf("Subject: got %q, want %q", m.Subject, "Integration")
	}
	if !strings.Contains(m.From, "alice@example.com") {
		t.Errorf("From: got %q, want it to contain alice@example.com", m.From)
	}
	if strings.Join(m.To, ",") != "bob@example.com,carol@example.com" {
		t.Errorf("To: got %v, want bare envelope addresses", m.To)
	}
	if m.Text != "Hello text" {
		t.Errorf("Text: got %q, want %q", m.Text, "Hello text")
	}
	if m.HTML != "<b>Hello html</b>" {
		t.Errorf("HTML: got %q, want %q", m.HTML, "<b>Hello html</b>")
	}
	if m.MessageID != messageID {
		t.Errorf("MessageID: got %q, want %q", m.MessageID, messageID)
	}
	if time.Since(m.Date) > time.Minute {
		t.Errorf("Date: got %v, want about now", m.Date)
	}
}

func TestClient_SendRejectedCredentials(t *testing.T) {
	t.Parallel()

	st, err := store.NewFileStore(filepath.Join(t.TempDir(), "emails.json"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := smtp.New(smtp.Config{Auth: smtp.NewAuthenticator("ghost", "secret"), Store: st})
	go srv.Serve(ctx, ln)

	c := &Client{Addr: ln.Addr().String(), Username: "ghost", Password: "wrong"}
	_, err = c.Send(context.Background(), Request{From: "a@x", To: "b@y", Subject: "s", Text: "t"})

	var smtpErr *gosmtp.SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Code != 535 {
		t.Fatalf("Send: got %v, want a 535 reply", err)
	}
	if msgs, _ := st.List(context.Background()); len(msgs) != 0 {
		t.Errorf("stored messages: got %d, want 0", len(msgs))
	}
}
