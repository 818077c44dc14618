package bus

import (
	"context"
	"sync"

	"github.com/exsilium/shiphub-server/internal/changes"
)

const subscriberBuffer = 64

type subscriber struct {
	ch   chan changes.Summary
	done <-chan struct{}
}

// Memory fans summaries out to in-process subscribers. Publish blocks while
// a live subscriber's buffer is full.
type Memory struct {
	mu        sync.RWMutex
	subs      map[*subscriber]struct{}
	closed    bool
	quit      chan struct{}
	closeOnce sync.Once
}

func NewMemory() *Memory {
	return &Memory{
		subs: make(map[*subscriber]struct{}),
		quit: make(chan struct{}),
	}
}

func (m *Memory) Publish(ctx context.Context, summary changes.Summary) error {
	if summary.IsEmpty() {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for sub := range m.subs {
		select {
		case sub.ch <- summary:
		case <-sub.done:
		case <-m.quit:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context) (<-chan changes.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	sub := &subscriber{ch: make(chan changes.Summary, subscriberBuffer), done: ctx.Done()}
	m.subs[sub] = struct{}{}
	go func() {
		select {
		case <-ctx.Done():
			m.unsubscribe(sub)
		case <-m.quit:
		}
	}()
	return sub.ch, nil
}

func (m *Memory) unsubscribe(sub *subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub]; ok {
		delete(m.subs, sub)
		close(sub.ch)
	}
}

// Close ends every subscription.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.quit) })
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for sub := range m.subs {
		delete(m.subs, sub)
		close(sub.ch)
	}
	return nil
}
