// Package tier implements the four memory tiers: L1 active context, L2
// working memory, L3 episodic memory and L4 semantic memory. Tiers own the
// storage adapters injected at construction and propagate storage errors
// unchanged so callers can branch on storage.KindOf.
package tier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goclaw/tiermem/pkg/logger"
	"github.com/goclaw/tiermem/pkg/storage"
)

// ID names a tier.
type ID string

const (
	L1 ID = "L1"
	L2 ID = "L2"
	L3 ID = "L3"
	L4 ID = "L4"
)

// Tier is the lifecycle and health contract shared by every tier.
type Tier interface {
	ID() ID
	Initialize(ctx context.Context) error
	Cleanup(ctx context.Context) error
	HealthCheck(ctx context.Context) Health
}

// Use initializes t, runs fn and always cleans up afterwards.
func Use(ctx context.Context, t Tier, fn func(ctx context.Context) error) (err error) {
	if err := t.Initialize(ctx); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, t.Cleanup(context.WithoutCancel(ctx)))
	}()
	return fn(ctx)
}

// Health is the aggregated state of a tier and its backends.
type Health struct {
	Tier     ID                        `json:"tier"`
	Status   storage.Status            `json:"status"`
	Backends map[string]storage.Health `json:"backends"`
	Message  string                    `json:"message,omitempty"`
}

// Observer receives tier operation outcomes. pkg/metrics implements it.
type Observer interface {
	ObserveTierOp(tier ID, op string, start time.Time, err error)
	ObserveGate(tier ID, passed bool, score float64)
}

type nopObserver struct{}

func (nopObserver) ObserveTierOp(ID, string, time.Time, error) {}
func (nopObserver) ObserveGate(ID, bool, float64)              {}

// Option configures a tier.
type Option func(*base)

// WithLogger sets the tier logger.
func WithLogger(l logger.Logger) Option {
	return func(b *base) { b.logger = l }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(b *base) {
		if o != nil {
			b.observer = o
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *base) {
		if now != nil {
			b.now = now
		}
	}
}

// backend is an adapter owned by a tier. Optional backends degrade the
// tier instead of failing it.
type backend struct {
	name     string
	adapter  storage.Adapter
	optional bool
}

type base struct {
	id       ID
	backends []backend
	logger   logger.Logger
	observer Observer
	now      func() time.Time

	mu          sync.Mutex
	initialized bool
}

func newBase(id ID, backends []backend, opts []Option) base {
	b := base{
		id:       id,
		observer: nopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&b)
	}
	b.logger = logger.Named(b.logger, "tier."+string(id))
	for _, be := range backends {
		if be.adapter != nil {
			b.backends = append(b.backends, be)
		}
	}
	return b
}

func (b *base) ID() ID { return b.id }

// Initialize connects every backend. Required backends must connect;
// optional ones only log.
func (b *base) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return nil
	}

	var connected []storage.Adapter
	for _, be := range b.backends {
		if err := be.adapter.Connect(ctx); err != nil {
			if be.optional {
				b.logger.WarnContext(ctx, "optional backend unavailable", "backend", be.name, "error", err)
				continue
			}
			for _, a := range connected {
				_ = a.Disconnect(context.WithoutCancel(ctx))
			}
			return fmt.Errorf("%s: connect %s: %w", b.id, be.name, err)
		}
		connected = append(connected, be.adapter)
	}
	b.initialized = true
	b.logger.DebugContext(ctx, "tier initialized", "backends", len(connected))
	return nil
}

// Cleanup disconnects every backend.
func (b *base) Cleanup(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil
	}
	b.initialized = false

	var errs []error
	for _, be := range b.backends {
		if err := be.adapter.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: disconnect %s: %w", b.id, be.name, err))
		}
	}
	return errors.Join(errs...)
}

// HealthCheck reports unhealthy when a required backend is unhealthy and
// degraded when an optional one is.
func (b *base) HealthCheck(ctx context.Context) Health {
	h := Health{Tier: b.id, Status: storage.StatusHealthy, Backends: make(map[string]storage.Health, len(b.backends))}
	for _, be := range b.backends {
		bh := be.adapter.HealthCheck(ctx)
		h.Backends[be.name] = bh
		switch {
		case bh.Status == storage.StatusUnhealthy && !be.optional:
			h.Status = storage.StatusUnhealthy
			h.Message = be.name + " unhealthy"
		case bh.Status != storage.StatusHealthy && h.Status == storage.StatusHealthy:
			h.Status = storage.StatusDegraded
			h.Message = be.name + " " + string(bh.Status)
		}
	}
	return h
}

func (b *base) observe(op string, start time.Time, err error) {
	b.observer.ObserveTierOp(b.id, op, start, err)
}
