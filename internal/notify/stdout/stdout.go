// Package stdout implements a Notifier that echoes captured messages to the
// console.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shineum/ghostmail/internal/email"
)

// previewLines bounds how much of the body is echoed.
const previewLines = 20

const rule = "----------------------------------------"

// Notifier prints a summary of each captured message.
type Notifier struct {
	mu     sync.Mutex
	writer io.Writer
}

// New creates a Notifier that writes to os.Stdout.
func New() *Notifier {
	return &Notifier{writer: os.Stdout}
}

// NewWithWriter creates a Notifier that writes to w.
func NewWithWriter(w io.Writer) *Notifier {
	return &Notifier{writer: w}
}

// Notify writes the summary in one call so concurrent sessions do not
// interleave their output.
func (n *Notifier) Notify(_ context.Context, msg *email.Message) error {
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n", rule)
	fmt.Fprintf(&b, "Captured %s\n", msg.ID)
	fmt.Fprintf(&b, "Date:    %s\n", msg.Date.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "From:    %s\n", msg.From)
	fmt.Fprintf(&b, "To:      %s\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)

	if len(msg.Attachments) > 0 {
		names := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			names = append(names, fmt.Sprintf("%s (%s)", attachmentName(att), formatSize(att.Size)))
		}
		fmt.Fprintf(&b, "Files:   %s\n", strings.Join(names, ", "))
	}

	if body := preview(msg); body != "" {
		b.WriteString("\n")
		b.WriteString(body)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "%s\n", rule)

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, err := io.WriteString(n.writer, b.String()); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

// Name returns the notifier name.
func (n *Notifier) Name() string {
	return "stdout"
}

// preview returns the first lines of the text body, or of the HTML body when
// the message has no text.
func preview(msg *email.Message) string {
	body := msg.Text
	if body == "" {
		body = msg.HTML
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}

	lines := strings.Split(body, "\n")
	if len(lines) <= previewLines {
		return body
	}
	return strings.Join(lines[:previewLines], "\n") + fmt.Sprintf("\n[... %d more lines]", len(lines)-previewLines)
}

func attachmentName(att email.Attachment) string {
	if att.Filename != "" {
		return att.Filename
	}
	return "unnamed " + att.ContentType
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
