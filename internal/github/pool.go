package github

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Pool spreads one entity's sync work over every credential that can see it.
// A pool lives for a single sync pass.
type Pool struct {
	mu      sync.Mutex
	creds   []*Credential
	used    map[*Credential]bool
	skipped map[*Credential]bool
	cursor  int
	reserve int
	now     func() time.Time
}

// NewPool builds a pool over creds in preference order.
func NewPool(c *Client, creds []*Credential) *Pool {
	return &Pool{
		creds:   creds,
		used:    make(map[*Credential]bool, len(creds)),
		skipped: make(map[*Credential]bool),
		reserve: c.reserve,
		now:     c.clock.Now,
	}
}

// Len returns the number of candidates, usable or not.
func (p *Pool) Len() int { return len(p.creds) }

// Credentials returns the candidates in preference order.
func (p *Pool) Credentials() []*Credential {
	return append([]*Credential(nil), p.creds...)
}

// NextUsable picks a credential with budget, preferring ones not yet used in
// this pass. It fails with ErrPoolEmpty when every candidate is exhausted.
func (p *Pool) NextUsable() (*Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var fallback *Credential
	fallbackIdx := -1
	for offset := range p.creds {
		idx := (p.cursor + offset) % len(p.creds)
		cred := p.creds[idx]
		if p.skipped[cred] || cred.RateLimit().IsExhausted(p.reserve, now) {
			continue
		}
		if !p.used[cred] {
			p.used[cred] = true
			p.cursor = idx + 1
			return cred, nil
		}
		if fallback == nil {
			fallback, fallbackIdx = cred, idx
		}
	}
	if fallback != nil {
		p.cursor = fallbackIdx + 1
		return fallback, nil
	}
	return nil, ErrPoolEmpty
}

// Skip removes cred from this pass, e.g. after the remote rejected it for
// budget reasons without sending usable rate-limit headers.
func (p *Pool) Skip(cred *Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.skipped[cred] = true
}

// IsFresh reports whether meta is fresh for any credential in the pool.
func (p *Pool) IsFresh(meta *CacheMetadata) bool {
	now := p.now()
	for _, cred := range p.creds {
		if meta.IsFresh(now, cred.Fingerprint()) {
			return true
		}
	}
	return false
}

// Call runs fn with successive usable credentials until one is not refused
// for budget reasons. ErrPoolEmpty is returned once the pool runs dry.
func Call[T any](ctx context.Context, p *Pool, fn func(ctx context.Context, cred *Credential) (T, error)) (T, error) {
	var zero T
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		cred, err := p.NextUsable()
		if err != nil {
			return zero, err
		}
		result, err := fn(ctx, cred)
		if errors.Is(err, ErrBudgetExhausted) {
			p.Skip(cred)
			continue
		}
		if err != nil {
			return zero, fmt.Errorf("as %s: %w", cred.Login, err)
		}
		return result, nil
	}
}
