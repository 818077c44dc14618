package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/exsilium/shiphub-server/internal/changes"
)

const (
	DefaultChannel = "shiphub_changes"

	// NOTIFY payloads must stay under 8000 bytes.
	maxNotifyPayload    = 7900
	postgresPingTimeout = 5 * time.Second
)

// PostgresOptions configures a Postgres bus.
type PostgresOptions struct {
	Channel string
	Logger  *slog.Logger
}

// Postgres publishes with pg_notify and subscribes with LISTEN. Summaries too
// large for one notification are split; consumers see several smaller ones.
type Postgres struct {
	dsn     string
	channel string
	db      *sql.DB
	logger  *slog.Logger

	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewPostgres(ctx context.Context, dsn string, opts PostgresOptions) (*Postgres, error) {
	channel := opts.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres bus: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, postgresPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres bus: %w", err)
	}
	return &Postgres{
		dsn:     dsn,
		channel: channel,
		db:      db,
		logger:  logger.With("component", "bus.postgres", "channel", channel),
		quit:    make(chan struct{}),
	}, nil
}

func (p *Postgres) Publish(ctx context.Context, summary changes.Summary) error {
	if summary.IsEmpty() {
		return nil
	}
	payloads, err := encodeChunks(summary, maxNotifyPayload)
	if err != nil {
		return err
	}
	for _, payload := range payloads {
		if _, err := p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, p.channel, string(payload)); err != nil {
			return fmt.Errorf("notify changes: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Subscribe(ctx context.Context) (<-chan changes.Summary, error) {
	select {
	case <-p.quit:
		return nil, ErrClosed
	default:
	}
	listener := pq.NewListener(p.dsn, 10*time.Millisecond, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			p.logger.Warn("listener disconnected", "error", err)
		case pq.ListenerEventReconnected:
			p.logger.Info("listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			p.logger.Warn("listener connect failed", "error", err)
		}
	})
	if err := listener.Listen(p.channel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen %s: %w", p.channel, err)
	}

	out := make(chan changes.Summary, subscriberBuffer)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(out)
		defer listener.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.quit:
				return
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				if n == nil {
					// Reconnected; anything sent meanwhile is lost.
					continue
				}
				var summary changes.Summary
				if err := json.Unmarshal([]byte(n.Extra), &summary); err != nil {
					p.logger.Warn("dropping malformed notification", "error", err)
					continue
				}
				select {
				case out <- summary:
				case <-ctx.Done():
					return
				case <-p.quit:
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *Postgres) Close() error {
	p.closeOnce.Do(func() { close(p.quit) })
	p.wg.Wait()
	return p.db.Close()
}

// encodeChunks marshals summary into JSON payloads no longer than limit.
func encodeChunks(summary changes.Summary, limit int) ([][]byte, error) {
	whole, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("encode changes: %w", err)
	}
	if len(whole) <= limit {
		return [][]byte{whole}, nil
	}

	var (
		out     [][]byte
		current changes.Summary
		size    = len("{}")
	)
	flush := func() error {
		raw, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("encode changes: %w", err)
		}
		out = append(out, raw)
		current = changes.Summary{}
		size = len("{}")
		return nil
	}
	for _, kind := range summary.Kinds() {
		// "kind":[...],
		kindCost := len(kind) + len(`"":[],`)
		open := false
		for _, id := range summary.IDs(kind) {
			idCost := len(strconv.FormatInt(id, 10)) + 1
			cost := idCost
			if !open {
				cost += kindCost
			}
			if size+cost > limit && !current.IsEmpty() {
				if err := flush(); err != nil {
					return nil, err
				}
				cost = idCost + kindCost
			}
			current.Add(kind, id)
			size += cost
			open = true
		}
	}
	if !current.IsEmpty() {
		if err := flush(); err != nil {
			return nil, err
		}
	}
	return out, nil
}
