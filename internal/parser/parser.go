// Package parser decodes raw RFC 5322 messages received in the SMTP DATA
// phase into message drafts.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/shineum/ghostmail/internal/email"
)

// ErrMalformed is returned when the stream cannot be parsed as a message.
var ErrMalformed = errors.New("malformed message")

// Parse decodes a raw message. Missing headers and empty bodies are
// tolerated: the header block ends at the first line that is not a header
// field, and everything from there on is body. Only binary content (NUL
// bytes) or a stream enmime cannot read is an error. received is used as the
// message date when the Date header is missing or unparseable.
func Parse(raw []byte, received time.Time) (*email.Draft, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return &email.Draft{Date: received}, nil
	}
	if bytes.IndexByte(raw, 0) >= 0 {
		return nil, fmt.Errorf("%w: contains NUL bytes", ErrMalformed)
	}
	raw = separateHeader(raw)

	hdr, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for _, perr := range env.Errors {
		slog.Debug("message decoded with warnings", "error", perr.Error())
	}

	text := normalizeBody(env.Text)
	htmlBody := normalizeBody(env.HTML)
	if text == "" && htmlBody != "" {
		text = StripHTML(htmlBody)
	}

	draft := &email.Draft{
		From:        strings.TrimSpace(env.GetHeader("From")),
		Subject:     strings.TrimSpace(env.GetHeader("Subject")),
		Text:        text,
		HTML:        htmlBody,
		Raw:         TextToHTML(text),
		Date:        parseDate(hdr.Header.Get("Date"), received),
		MessageID:   strings.TrimSpace(hdr.Header.Get("Message-Id")),
		Attachments: attachments(env),
	}
	return draft, nil
}

// separateHeader returns raw with a blank line inserted where the header
// block ends without one. A stream whose first line is not a header field
// gets an empty header block.
func separateHeader(raw []byte) []byte {
	offset := 0
	for rest := raw; len(rest) > 0; {
		line := rest
		if i := bytes.IndexByte(rest, '\n'); i >= 0 {
			line = rest[:i+1]
		}
		content := bytes.TrimRight(line, "\r\n")
		switch {
		case len(content) == 0:
			return raw
		case offset > 0 && (content[0] == ' ' || content[0] == '\t'):
			// folded continuation of the previous field
		case !isHeaderField(content):
			out := make([]byte, 0, len(raw)+2)
			out = append(out, raw[:offset]...)
			out = append(out, "\r\n"...)
			return append(out, raw[offset:]...)
		}
		offset += len(line)
		rest = rest[len(line):]
	}
	return raw
}

// isHeaderField reports whether line starts with a field name followed by a
// colon. Field names are restricted to the token characters net/textproto
// accepts.
func isHeaderField(line []byte) bool {
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return false
	}
	for _, c := range line[:colon] {
		isAlnum := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
		if !isAlnum && !strings.ContainsRune("!#$%&'*+-.^_`|~", rune(c)) {
			return false
		}
	}
	return true
}

func parseDate(value string, received time.Time) time.Time {
	if value == "" {
		return received
	}
	t, err := mail.ParseDate(value)
	if err != nil {
		slog.Debug("unparseable Date header, using receipt time", "date", value, "error", err)
		return received
	}
	return t
}

func attachments(env *enmime.Envelope) []email.Attachment {
	parts := make([]*enmime.Part, 0, len(env.Attachments)+len(env.Inlines))
	parts = append(parts, env.Attachments...)
	parts = append(parts, env.Inlines...)
	if len(parts) == 0 {
		return nil
	}

	result := make([]email.Attachment, 0, len(parts))
	for _, p := range parts {
		result = append(result, email.Attachment{
			Filename:    p.FileName,
			ContentType: p.ContentType,
			Size:        int64(len(p.Content)),
		})
	}
	return result
}

// normalizeBody converts CRLF line endings to LF and drops trailing newlines.
func normalizeBody(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimRight(s, "\n")
}

// TextToHTML renders plain text as escaped HTML paragraphs. Blank lines
// separate paragraphs; single newlines become line breaks.
func TextToHTML(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}

	var b strings.Builder
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.Trim(p, "\n")
		if strings.TrimSpace(p) == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(p), "\n", "<br/>"))
		b.WriteString("</p>")
	}
	return b.String()
}

// StripHTML removes tags and decodes entities to produce readable text.
func StripHTML(s string) string {
	for _, tag := range []string{"<br>", "<br/>", "<br />", "</p>", "</div>", "</tr>", "</li>", "</h1>", "</h2>", "</h3>", "</h4>", "</h5>", "</h6>"} {
		s = strings.ReplaceAll(s, tag, "\n")
		s = strings.ReplaceAll(s, strings.ToUpper(tag), "\n")
	}

	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	result := html.UnescapeString(b.String())

	for strings.Contains(result, "\n\n\n") {
		result = strings.ReplaceAll(result, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(result)
}
