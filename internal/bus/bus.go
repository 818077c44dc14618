// Package bus carries change summaries from sync passes to their consumers.
// Delivery is at-least-once; consumers must be idempotent.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/exsilium/shiphub-server/internal/changes"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// Publisher sends change summaries. Empty summaries are dropped.
type Publisher interface {
	Publish(ctx context.Context, summary changes.Summary) error
}

// Bus is a Publisher that can also be subscribed to.
type Bus interface {
	Publisher
	// Subscribe delivers every summary published after it returns. The
	// channel is closed when ctx is done or the bus is closed.
	Subscribe(ctx context.Context) (<-chan changes.Summary, error)
	Close() error
}

// Open picks a transport from the DSN scheme: "memory://" (or empty) for an
// in-process bus, "postgres://" or "postgresql://" for LISTEN/NOTIFY.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (Bus, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemory(), nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse bus dsn: %w", err)
	}
	switch u.Scheme {
	case "memory":
		return NewMemory(), nil
	case "postgres", "postgresql":
		return NewPostgres(ctx, dsn, PostgresOptions{Logger: logger})
	default:
		return nil, fmt.Errorf("unsupported bus scheme %q", u.Scheme)
	}
}
