package email

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Composition is the set of fields needed to render an RFC 5322 message.
type Composition struct {
	From      string
	To        []string
	Subject   string
	Date      time.Time
	MessageID string
	Text      string
	HTML      string

	// Headers are extra header fields written verbatim.
	Headers map[string]string
}

// Composition returns the fields needed to re-render the stored message.
func (m *Message) Composition() Composition {
	return Composition{
		From:      m.From,
		To:        m.To,
		Subject:   m.Subject,
		Date:      m.Date,
		MessageID: m.MessageID,
		Text:      m.Text,
		HTML:      m.HTML,
		Headers:   map[string]string{"X-Ghostmail-Id": m.ID},
	}
}

// Compose writes c to w as a MIME message. A message carrying both bodies is
// rendered as multipart/alternative; otherwise a single inline part is used.
func Compose(w io.Writer, c Composition) error {
	var h mail.Header
	h.Set("MIME-Version", "1.0")

	date := c.Date
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	h.SetSubject(c.Subject)

	setAddressHeader(&h, "From", []string{c.From})
	if len(c.To) > 0 {
		setAddressHeader(&h, "To", c.To)
	}
	if id := strings.Trim(strings.TrimSpace(c.MessageID), "<>"); id != "" {
		h.SetMessageID(id)
	}
	for k, v := range c.Headers {
		h.Set(k, v)
	}

	if c.Text != "" && c.HTML != "" {
		return writeAlternative(w, h, c.Text, c.HTML)
	}

	body, contentType := c.Text, "text/plain"
	if c.Text == "" && c.HTML != "" {
		body, contentType = c.HTML, "text/html"
	}
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	bw, err := mail.CreateSingleInlineWriter(w, h)
	if err != nil {
		return fmt.Errorf("create message writer: %w", err)
	}
	if _, err := io.WriteString(bw, body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return bw.Close()
}

func writeAlternative(w io.Writer, h mail.Header, text, html string) error {
	mw, err := mail.CreateWriter(w, h)
	if err != nil {
		return fmt.Errorf("create message writer: %w", err)
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("create inline writer: %w", err)
	}

	parts := []struct {
		contentType string
		body        string
	}{
		{"text/plain", text},
		{"text/html", html},
	}
	for _, p := range parts {
		var ph mail.InlineHeader
		ph.SetContentType(p.contentType, map[string]string{"charset": "utf-8"})
		ph.Set("Content-Transfer-Encoding", "quoted-printable")

		pw, err := iw.CreatePart(ph)
		if err != nil {
			return fmt.Errorf("create %s part: %w", p.contentType, err)
		}
		if _, err := io.WriteString(pw, p.body); err != nil {
			return fmt.Errorf("write %s part: %w", p.contentType, err)
		}
		if err := pw.Close(); err != nil {
			return err
		}
	}

	if err := iw.Close(); err != nil {
		return err
	}
	return mw.Close()
}

// setAddressHeader writes an address list header. Values that do not parse
// as RFC 5322 addresses are written as-is.
func setAddressHeader(h *mail.Header, key string, values []string) {
	addrs := make([]*mail.Address, 0, len(values))
	for _, v := range values {
		parsed, err := mail.ParseAddress(v)
		if err != nil {
			h.Set(key, strings.Join(values, ", "))
			return
		}
		addrs = append(addrs, parsed)
	}
	h.SetAddressList(key, addrs)
}

// Address extracts the bare address from a display string such as
// "Alice <alice@example.com>". It returns the trimmed input when parsing fails.
func Address(display string) string {
	parsed, err := mail.ParseAddress(display)
	if err != nil {
		return strings.TrimSpace(display)
	}
	return parsed.Address
}
