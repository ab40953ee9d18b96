package store

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/emersion/go-mbox"

	"github.com/shineum/ghostmail/internal/email"
)

// ExportMbox writes every stored message to w as an mbox archive, oldest
// first, and returns the number of messages written. Messages are rendered
// again from their stored fields; the original MIME structure is not kept.
func ExportMbox(ctx context.Context, s Store, w io.Writer) (int, error) {
	msgs, err := s.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list messages: %w", err)
	}
	slices.Reverse(msgs)

	mw := mbox.NewWriter(w)
	for i, m := range msgs {
		if err := ctx.Err(); err != nil {
			return i, err
		}

		entry, err := mw.CreateMessage(email.Address(m.From), m.Date)
		if err != nil {
			return i, fmt.Errorf("create mbox entry: %w", err)
		}
		if err := email.Compose(entry, m.Composition()); err != nil {
			return i, fmt.Errorf("render message %s: %w", m.ID, err)
		}
	}
	if err := mw.Close(); err != nil {
		return len(msgs), fmt.Errorf("close mbox: %w", err)
	}
	return len(msgs), nil
}
