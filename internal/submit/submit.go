// Package submit sends test messages to the capture endpoint over SMTP, the
// same way an application under test would.
package submit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/shineum/ghostmail/internal/email"
)

var (
	// ErrMissingFields is returned when from, to, subject or both bodies are
	// missing.
	ErrMissingFields = errors.New("missing required fields")

	// ErrNoRecipients is returned when the recipient list contains no
	// addresses.
	ErrNoRecipients = errors.New("no recipients")
)

// Request is a test message to submit.
type Request struct {
	From    string `json:"from"`
	To      string `json:"to"` // comma-separated
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html"`
}

// Recipients splits To on commas and drops empty entries.
func (r Request) Recipients() []string {
	var out []string
	for _, addr := range strings.Split(r.To, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// Validate reports whether the request can be submitted.
func (r Request) Validate() error {
	if strings.TrimSpace(r.From) == "" || strings.TrimSpace(r.To) == "" || strings.TrimSpace(r.Subject) == "" {
		return ErrMissingFields
	}
	if r.Text == "" && r.HTML == "" {
		return ErrMissingFields
	}
	if len(r.Recipients()) == 0 {
		return ErrNoRecipients
	}
	return nil
}

// Client submits messages to an SMTP endpoint with AUTH PLAIN.
type Client struct {
	// Addr is the host:port of the SMTP endpoint.
	Addr string

	Username string
	Password string

	// Domain is used as the right-hand side of generated Message-IDs.
	Domain string
}

// Send validates req, renders it as a MIME message and submits it. It returns
// the Message-ID written to the message.
func (c *Client) Send(ctx context.Context, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	domain := c.Domain
	if domain == "" {
		domain = "localhost"
	}
	messageID := uuid.NewString() + "@" + domain
	rcpts := req.Recipients()

	var buf bytes.Buffer
	err := email.Compose(&buf, email.Composition{
		From:      req.From,
		To:        rcpts,
		Subject:   req.Subject,
		Date:      time.Now(),
		MessageID: messageID,
		Text:      req.Text,
		HTML:      req.HTML,
	})
	if err != nil {
		return "", fmt.Errorf("compose message: %w", err)
	}

	envelopeTo := make([]string, 0, len(rcpts))
	for _, r := range rcpts {
		envelopeTo = append(envelopeTo, email.Address(r))
	}

	if err := c.submit(ctx, email.Address(req.From), envelopeTo, &buf); err != nil {
		return "", fmt.Errorf("submit to %s: %w", c.Addr, err)
	}
	return "<" + messageID + ">", nil
}

// submit delivers one message over a plain connection. The capture endpoint
// never offers STARTTLS, so the client must not require it.
func (c *Client) submit(ctx context.Context, from string, to []string, r io.Reader) error {
	sc, err := smtp.Dial(c.Addr)
	if err != nil {
		return err
	}
	defer sc.Close()

	stop := context.AfterFunc(ctx, func() { sc.Close() })
	defer stop()

	if err := sc.Auth(sasl.NewPlainClient("", c.Username, c.Password)); err != nil {
		return err
	}
	if err := sc.SendMail(from, to, r); err != nil {
		return err
	}
	return sc.Quit()
}
