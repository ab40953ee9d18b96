// Package notify defines the hook invoked after a captured message has been
// committed to the store.
package notify

import (
	"context"

	"github.com/shineum/ghostmail/internal/email"
)

// Notifier announces a committed message. Notifications are best effort: an
// error is logged by the caller and never affects the SMTP reply.
type Notifier interface {
	// Notify announces msg. It is called once per committed message.
	Notify(ctx context.Context, msg *email.Message) error

	// Name returns the human-readable name of this notifier.
	Name() string
}
