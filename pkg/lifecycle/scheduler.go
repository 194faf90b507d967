package lifecycle

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/goclaw/tiermem/pkg/logger"
)

// SchedulerConfig configures the background lifecycle loop.
type SchedulerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval" validate:"min=0"`
	RecoveryOnStart bool          `mapstructure:"recovery_on_start"`
}

// DefaultSchedulerConfig ticks every minute and sweeps at start.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{Enabled: true, Interval: time.Minute, RecoveryOnStart: true}
}

// Scheduler drives the engines in the background for sessions it has been
// told about: promotion for sessions with new turns, then consolidation and
// distillation once their thresholds are reached.
type Scheduler struct {
	config        SchedulerConfig
	promotion     *Promotion
	consolidation *Consolidation
	distillation  *Distillation
	logger        logger.Logger

	mu       sync.Mutex
	sessions map[string]bool // session -> has unpromoted turns
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewScheduler creates a scheduler. Any engine may be nil.
func NewScheduler(cfg SchedulerConfig, p *Promotion, c *Consolidation, d *Distillation, log logger.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSchedulerConfig().Interval
	}
	return &Scheduler{
		config:        cfg,
		promotion:     p,
		consolidation: c,
		distillation:  d,
		logger:        logger.Named(log, "lifecycle.scheduler"),
		sessions:      make(map[string]bool),
	}
}

// Touch records activity on a session. newTurns marks it for promotion.
func (s *Scheduler) Touch(sessionID string, newTurns bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = s.sessions[sessionID] || newTurns
}

// Forget stops tracking a session.
func (s *Scheduler) Forget(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

// Sessions returns the tracked sessions, sorted.
func (s *Scheduler) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Start launches the loop. It runs the recovery sweep first when
// configured. Calling Start twice is a no-op.
func (s *Scheduler) Start(parentCtx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parentCtx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if s.config.RecoveryOnStart && s.consolidation != nil {
			if _, err := s.consolidation.RecoverySweep(ctx); err != nil {
				s.logger.WarnContext(ctx, "recovery sweep failed", "error", err)
			}
		}

		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.Tick(ctx); err != nil {
					s.logger.WarnContext(ctx, "lifecycle tick failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the loop and waits for the running tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Tick runs one pass over the tracked sessions.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.mu.Lock()
	work := make(map[string]bool, len(s.sessions))
	for id, dirty := range s.sessions {
		work[id] = dirty
		s.sessions[id] = false
	}
	s.mu.Unlock()

	ids := make([]string, 0, len(work))
	for id := range work {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if work[id] && s.promotion != nil {
			if _, err := s.promotion.Process(ctx, id); err != nil {
				errs = append(errs, err)
				s.Touch(id, true)
			}
		}
		if s.consolidation != nil {
			if run, err := s.consolidation.ShouldRun(ctx, id); err != nil {
				errs = append(errs, err)
			} else if run {
				if _, err := s.consolidation.Process(ctx, id); err != nil {
					errs = append(errs, err)
				}
			}
		}
		if s.distillation != nil {
			if run, err := s.distillation.ShouldRun(ctx, id); err != nil {
				errs = append(errs, err)
			} else if run {
				if _, err := s.distillation.Process(ctx, DistillationRequest{SessionID: id}); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}
