// Package store persists captured messages. Two drivers share one contract:
// a JSON file (the default) and SQLite.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/shineum/ghostmail/internal/email"
)

// Driver names accepted by Open.
const (
	DriverJSON   = "json"
	DriverSQLite = "sqlite"
)

// ErrNotFound is returned by Get when no message has the requested id.
var ErrNotFound = errors.New("message not found")

// Store is the durable message collection. Append and Clear are serialized
// against each other; List and Get observe either the state before or after
// a mutation, never a partial one.
type Store interface {
	// Append persists msg. The message is visible to readers once Append
	// returns nil.
	Append(ctx context.Context, msg *email.Message) error

	// List returns all messages ordered by date, newest first. Messages with
	// equal dates are ordered by insertion, later first.
	List(ctx context.Context) ([]*email.Message, error)

	// Get returns the message with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (*email.Message, error)

	// Clear removes every message.
	Clear(ctx context.Context) error

	Close() error
}

// Open returns the store implementation for driver, rooted at path.
func Open(driver, path string) (Store, error) {
	switch driver {
	case DriverJSON, "":
		return NewFileStore(path)
	case DriverSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// sortNewestFirst orders msgs, given in insertion order, by date descending
// with later insertions first among equal dates.
func sortNewestFirst(msgs []*email.Message) {
	slices.Reverse(msgs)
	slices.SortStableFunc(msgs, func(a, b *email.Message) int {
		return b.Date.Compare(a.Date)
	})
}
