// Package email defines the captured message record shared by the SMTP
// session, the store and the query interface.
package email

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultFrom is used when neither the From header nor the envelope
	// sender carry an address.
	DefaultFrom = "unknown@localhost"

	// DefaultSubject is used when the message has no Subject header.
	DefaultSubject = "(no subject)"
)

// Message is a captured email as persisted by the store. It is created once
// by a successful SMTP transaction and never mutated afterwards.
type Message struct {
	ID          string       `json:"id"`
	From        string       `json:"from"`
	To          []string     `json:"to"`
	Subject     string       `json:"subject"`
	Text        string       `json:"text"`
	HTML        string       `json:"html,omitempty"`
	Date        time.Time    `json:"date"`
	Raw         string       `json:"raw"`
	MessageID   string       `json:"messageId,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment describes a non-body MIME part. Only metadata is kept.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// Draft holds decoded message fields before defaults are applied.
type Draft struct {
	// From is the decoded From header, if any.
	From string

	// EnvelopeFrom is the MAIL FROM address of the SMTP transaction.
	EnvelopeFrom string

	// To holds the envelope recipients, verbatim and in order.
	To []string

	Subject     string
	Text        string
	HTML        string
	Raw         string
	Date        time.Time
	MessageID   string
	Attachments []Attachment
}

// New builds a Message from a draft, assigning a fresh id and applying the
// sender, subject and date defaults.
func New(d Draft) *Message {
	from := strings.TrimSpace(d.From)
	if from == "" {
		from = strings.TrimSpace(d.EnvelopeFrom)
	}

	date := d.Date
	if date.IsZero() {
		date = time.Now()
	}

	m := &Message{
		ID:          uuid.NewString(),
		From:        from,
		To:          append([]string(nil), d.To...),
		Subject:     d.Subject,
		Text:        d.Text,
		HTML:        d.HTML,
		Date:        date,
		Raw:         d.Raw,
		MessageID:   d.MessageID,
		Attachments: d.Attachments,
	}
	m.Normalize()
	return m
}

// Normalize applies the record defaults in place. It is idempotent.
func (m *Message) Normalize() {
	if strings.TrimSpace(m.From) == "" {
		m.From = DefaultFrom
	}
	if strings.TrimSpace(m.Subject) == "" {
		m.Subject = DefaultSubject
	}
	if m.To == nil {
		m.To = []string{}
	}
	// A record persisted without a date sorts as the oldest message.
	if m.Date.IsZero() {
		m.Date = time.Unix(0, 0)
	}
	// Millisecond precision in UTC, so the record survives a JSON round trip
	// unchanged.
	m.Date = m.Date.UTC().Truncate(time.Millisecond)
}

// HasHTML reports whether the message carries an HTML body.
func (m *Message) HasHTML() bool {
	return m.HTML != ""
}

// UnmarshalJSON decodes a persisted record and normalizes it, so loaded
// messages obey the same defaults as freshly created ones.
func (m *Message) UnmarshalJSON(data []byte) error {
	type record Message
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*m = Message(r)
	m.Normalize()
	return nil
}
