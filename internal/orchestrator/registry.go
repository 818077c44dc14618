// Package orchestrator keeps tracked entities in sync. Each entity with
// recent sync interest owns one worker goroutine that runs a cycle per tick;
// a worker whose entity nobody asked about for a while shuts itself down.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/facebookgo/clock"
)

const (
	DefaultInterval = time.Minute
	// idleFactor times the interval without interest deactivates an entity.
	idleFactor = 3
)

// ErrNoCredentials is returned by a Runner when no stored credential can act
// for the entity. The worker deactivates.
var ErrNoCredentials = errors.New("no usable credentials")

// Kind names a class of tracked entity.
type Kind string

const (
	KindOrganization Kind = "org"
	KindUser         Kind = "user"
)

// ParseKind accepts the kind names used in URLs and workflow inputs.
func ParseKind(raw string) (Kind, error) {
	switch Kind(raw) {
	case KindOrganization, KindUser:
		return Kind(raw), nil
	}
	return "", fmt.Errorf("unknown entity kind %q", raw)
}

// Entity identifies a tracked remote account.
type Entity struct {
	Kind Kind  `json:"kind"`
	ID   int64 `json:"id"`
}

func (e Entity) String() string {
	return string(e.Kind) + "/" + strconv.FormatInt(e.ID, 10)
}

// Runner performs one sync cycle for an entity.
type Runner interface {
	RunCycle(ctx context.Context, e Entity) error
}

// State is where a worker is in its lifecycle. Deactivated workers leave the
// registry, so Idle is never reported.
type State string

const (
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
)

// Status describes one active entity.
type Status struct {
	Entity       Entity    `json:"entity"`
	State        State     `json:"state"`
	LastInterest time.Time `json:"last_interest"`
	LastCycle    time.Time `json:"last_cycle,omitzero"`
	Cycles       int       `json:"cycles"`
}

// Options configures a Registry. Zero values select defaults.
type Options struct {
	Interval time.Duration
	// IdleAfter defaults to three intervals.
	IdleAfter time.Duration
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Registry maps entities to their single-owner workers.
type Registry struct {
	runner   Runner
	interval time.Duration
	idle     time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[Entity]*worker
	closed  bool
}

type worker struct {
	entity Entity
	ticker *clock.Ticker

	// Guarded by Registry.mu.
	state        State
	lastInterest time.Time
	lastCycle    time.Time
	cycles       int
}

func NewRegistry(runner Runner, opts Options) *Registry {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	idle := opts.IdleAfter
	if idle <= 0 {
		idle = idleFactor * interval
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		runner:   runner,
		interval: interval,
		idle:     idle,
		clock:    clk,
		logger:   logger.With("component", "orchestrator"),
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[Entity]*worker),
	}
}

// RegisterInterest records that someone wants e kept current. The first call
// starts a worker whose first cycle runs immediately; later calls only
// refresh the interest timestamp.
func (r *Registry) RegisterInterest(e Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	now := r.clock.Now()
	if w, ok := r.workers[e]; ok {
		w.lastInterest = now
		return
	}
	w := &worker{
		entity:       e,
		ticker:       r.clock.Ticker(r.interval),
		state:        StateScheduled,
		lastInterest: now,
	}
	r.workers[e] = w
	r.wg.Add(1)
	go r.run(w)
	r.logger.Debug("entity activated", "entity", e.String())
}

// Active lists the entities that currently have a worker.
func (r *Registry) Active() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, Status{
			Entity:       w.entity,
			State:        w.state,
			LastInterest: w.lastInterest,
			LastCycle:    w.lastCycle,
			Cycles:       w.cycles,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Entity.Kind != out[j].Entity.Kind {
			return out[i].Entity.Kind < out[j].Entity.Kind
		}
		return out[i].Entity.ID < out[j].Entity.ID
	})
	return out
}

// Close stops every worker and waits for in-flight cycles to return.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}

func (r *Registry) run(w *worker) {
	defer r.wg.Done()
	defer w.ticker.Stop()

	if !r.tick(w) {
		return
	}
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-w.ticker.C:
			if !r.tick(w) {
				return
			}
		}
	}
}

// tick runs one cycle unless the entity went idle. It reports whether the
// worker stays active.
func (r *Registry) tick(w *worker) bool {
	r.mu.Lock()
	now := r.clock.Now()
	interest := w.lastInterest
	if now.Sub(interest) > r.idle {
		r.mu.Unlock()
		return !r.deactivate(w, interest, "idle")
	}
	w.state = StateRunning
	r.mu.Unlock()

	err := r.runner.RunCycle(r.ctx, w.entity)

	r.mu.Lock()
	w.state = StateScheduled
	w.lastCycle = r.clock.Now()
	w.cycles++
	r.mu.Unlock()

	switch {
	case errors.Is(err, ErrNoCredentials):
		return !r.deactivate(w, interest, "no credentials")
	case err != nil && r.ctx.Err() == nil:
		r.logger.Warn("sync cycle failed", "entity", w.entity.String(), "error", err)
	}
	return true
}

// deactivate evicts w unless interest was registered after observed.
func (r *Registry) deactivate(w *worker, observed time.Time, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w.lastInterest.After(observed) {
		return false
	}
	if r.workers[w.entity] == w {
		delete(r.workers, w.entity)
	}
	r.logger.Info("entity deactivated", "entity", w.entity.String(), "reason", reason, "cycles", w.cycles)
	return true
}
