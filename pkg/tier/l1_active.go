package tier

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/goclaw/tiermem/pkg/storage"
)

// ListAdapter is a backend with a native capped list.
type ListAdapter interface {
	storage.Adapter
	storage.ListStore
}

// VersionedAdapter is a backend with compare-and-swap.
type VersionedAdapter interface {
	storage.Adapter
	storage.Versioned
}

// ActiveContextConfig configures L1.
type ActiveContextConfig struct {
	WindowSize    int           `mapstructure:"window_size" validate:"min=1"`
	TTL           time.Duration `mapstructure:"ttl" validate:"min=0"`
	MaxCASRetries int           `mapstructure:"max_cas_retries" validate:"min=1"`
}

// DefaultActiveContextConfig returns a 20-turn, 24h window.
func DefaultActiveContextConfig() ActiveContextConfig {
	return ActiveContextConfig{WindowSize: 20, TTL: 24 * time.Hour, MaxCASRetries: 5}
}

// TurnQuery filters L1 turns of a session.
type TurnQuery struct {
	SessionID string
	Role      string
	Since     time.Time
	Limit     int
}

// ActiveContext is the L1 tier: a write-through turn window with a fast
// primary list and an optional durable secondary. Reads that miss the
// primary fall back to the secondary and rebuild the primary from it.
type ActiveContext struct {
	base
	config    ActiveContextConfig
	primary   ListAdapter
	secondary storage.Adapter
	workspace VersionedAdapter

	// stale holds sessions whose primary list missed an acknowledged write.
	// Reads skip the primary for them until a rebuild succeeds.
	staleMu sync.Mutex
	stale   map[string]struct{}

	entropyMu sync.Mutex
	entropy   io.Reader
}

// NewActiveContext creates L1. secondary and workspace may be nil; without
// a workspace adapter UpdateWorkspace is unavailable.
func NewActiveContext(primary ListAdapter, secondary storage.Adapter, workspace VersionedAdapter, cfg ActiveContextConfig, opts ...Option) *ActiveContext {
	def := DefaultActiveContextConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.TTL == 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxCASRetries <= 0 {
		cfg.MaxCASRetries = def.MaxCASRetries
	}

	backends := []backend{{name: "primary", adapter: primary}}
	if secondary != nil {
		backends = append(backends, backend{name: "secondary", adapter: secondary, optional: true})
	}
	if workspace != nil && storage.Adapter(workspace) != storage.Adapter(primary) && storage.Adapter(workspace) != secondary {
		backends = append(backends, backend{name: "workspace", adapter: workspace, optional: true})
	}

	return &ActiveContext{
		base:      newBase(L1, backends, opts),
		config:    cfg,
		primary:   primary,
		secondary: secondary,
		workspace: workspace,
		stale:     make(map[string]struct{}),
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}
}

// Config returns the tier configuration.
func (l *ActiveContext) Config() ActiveContextConfig { return l.config }

func sessionKey(sessionID string) string { return "l1:" + sessionID }

func (l *ActiveContext) newTurnID(now time.Time) string {
	l.entropyMu.Lock()
	defer l.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), l.entropy).String()
}

// Store appends a turn to its session window and returns the turn id.
// A primary failure is tolerated when the secondary accepted the write.
func (l *ActiveContext) Store(ctx context.Context, turn Turn) (id string, err error) {
	defer func(start time.Time) { l.observe("store", start, err) }(time.Now())

	if turn.SessionID == "" {
		return "", invalid(L1, "session_id", "required")
	}
	if turn.Content == "" {
		return "", invalid(L1, "content", "required")
	}
	if turn.Role == "" {
		turn.Role = RoleUser
	}
	now := l.now()
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = now
	}
	if turn.TurnID == "" {
		turn.TurnID = l.newTurnID(now)
	}

	rec, err := turnRecord(&turn, now.Add(l.config.TTL))
	if err != nil {
		return "", err
	}

	primaryErr := l.primary.Push(ctx, sessionKey(turn.SessionID), rec, l.config.WindowSize, l.config.TTL)
	if l.secondary == nil {
		if primaryErr != nil {
			return "", primaryErr
		}
		return turn.TurnID, nil
	}

	_, secondaryErr := l.secondary.Store(ctx, rec)
	switch {
	case primaryErr != nil && secondaryErr != nil:
		return "", &OperationError{Tier: L1, Op: "store", Err: errors.Join(primaryErr, secondaryErr)}
	case primaryErr != nil:
		l.logger.WarnContext(ctx, "primary write failed, turn kept in secondary",
			"session_id", turn.SessionID, "turn_id", turn.TurnID, "error", primaryErr)
		l.invalidate(ctx, turn.SessionID)
	case secondaryErr != nil:
		l.logger.WarnContext(ctx, "secondary write failed",
			"session_id", turn.SessionID, "turn_id", turn.TurnID, "error", secondaryErr)
	default:
		l.extendSecondary(ctx, turn.SessionID, rec.ExpiresAt)
	}
	return turn.TurnID, nil
}

// invalidate drops the primary list of a session that missed a write, so
// the next read rebuilds it from the secondary. The session is also marked
// stale in case the clear fails too.
func (l *ActiveContext) invalidate(ctx context.Context, sessionID string) {
	l.staleMu.Lock()
	l.stale[sessionID] = struct{}{}
	l.staleMu.Unlock()

	if err := l.primary.Clear(ctx, sessionKey(sessionID)); err != nil {
		l.logger.DebugContext(ctx, "primary clear failed", "session_id", sessionID, "error", err)
	}
}

func (l *ActiveContext) isStale(sessionID string) bool {
	l.staleMu.Lock()
	defer l.staleMu.Unlock()
	_, ok := l.stale[sessionID]
	return ok
}

func (l *ActiveContext) markFresh(sessionID string) {
	l.staleMu.Lock()
	delete(l.stale, sessionID)
	l.staleMu.Unlock()
}

// extendSecondary moves the expiry of the session's archived window up to
// expiresAt, so the archive lives as long as the primary list whose TTL
// every push refreshes.
func (l *ActiveContext) extendSecondary(ctx context.Context, sessionID string, expiresAt time.Time) {
	recs, err := l.secondary.Search(ctx, storage.Query{
		Collection: CollectionTurns,
		Filters:    []storage.Filter{storage.Eq("session_id", sessionID)},
		OrderBy:    "created_at",
		Descending: true,
		Limit:      l.config.WindowSize,
	})
	if err != nil {
		l.logger.DebugContext(ctx, "secondary ttl refresh skipped", "session_id", sessionID, "error", err)
		return
	}
	var refresh []*storage.Record
	for _, rec := range recs {
		if !rec.ExpiresAt.IsZero() && rec.ExpiresAt.Before(expiresAt) {
			rec.ExpiresAt = expiresAt
			refresh = append(refresh, rec)
		}
	}
	if len(refresh) == 0 {
		return
	}
	if _, err := l.secondary.StoreBatch(ctx, refresh); err != nil {
		l.logger.DebugContext(ctx, "secondary ttl refresh failed", "session_id", sessionID, "error", err)
	}
}

// Retrieve returns the session window in chronological order.
func (l *ActiveContext) Retrieve(ctx context.Context, sessionID string) (turns []Turn, err error) {
	defer func(start time.Time) { l.observe("retrieve", start, err) }(time.Now())

	var (
		recs       []*storage.Record
		primaryErr error
	)
	stale := l.secondary != nil && l.isStale(sessionID)
	if !stale {
		recs, primaryErr = l.primary.Range(ctx, sessionKey(sessionID), l.config.WindowSize)
		if primaryErr == nil && len(recs) > 0 {
			return decodeTurns(recs)
		}
	}
	if l.secondary == nil {
		return nil, primaryErr
	}

	recs, secondaryErr := l.secondary.Search(ctx, storage.Query{
		Collection: CollectionTurns,
		Filters:    []storage.Filter{storage.Eq("session_id", sessionID)},
		OrderBy:    "created_at",
		Descending: true,
		Limit:      l.config.WindowSize,
	})
	if secondaryErr != nil {
		if primaryErr != nil {
			return nil, &OperationError{Tier: L1, Op: "retrieve", Err: errors.Join(primaryErr, secondaryErr)}
		}
		return nil, secondaryErr
	}
	if len(recs) == 0 {
		if stale {
			l.markFresh(sessionID)
		}
		return nil, nil
	}

	if primaryErr != nil {
		l.logger.WarnContext(ctx, "primary read failed, served from secondary",
			"session_id", sessionID, "error", primaryErr)
	}
	if l.rebuild(ctx, sessionID, recs) {
		l.markFresh(sessionID)
	}
	return decodeTurns(recs)
}

// rebuild repopulates the primary list from secondary records, newest first,
// and reports whether the primary is complete again.
func (l *ActiveContext) rebuild(ctx context.Context, sessionID string, recs []*storage.Record) bool {
	key := sessionKey(sessionID)
	if err := l.primary.Clear(ctx, key); err != nil {
		l.logger.DebugContext(ctx, "primary rebuild skipped", "session_id", sessionID, "error", err)
		return false
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if err := l.primary.Push(ctx, key, recs[i], l.config.WindowSize, l.config.TTL); err != nil {
			l.logger.DebugContext(ctx, "primary rebuild aborted", "session_id", sessionID, "error", err)
			return false
		}
	}
	l.logger.InfoContext(ctx, "primary rebuilt from secondary", "session_id", sessionID, "turns", len(recs))
	return true
}

// decodeTurns converts newest-first records into chronological turns.
func decodeTurns(recs []*storage.Record) ([]Turn, error) {
	turns := make([]Turn, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		t, err := turnFromRecord(recs[i])
		if err != nil {
			return nil, err
		}
		turns = append(turns, *t)
	}
	return turns, nil
}

// Query filters the session window.
func (l *ActiveContext) Query(ctx context.Context, q TurnQuery) ([]Turn, error) {
	if q.SessionID == "" {
		return nil, invalid(L1, "session_id", "required")
	}
	turns, err := l.Retrieve(ctx, q.SessionID)
	if err != nil {
		return nil, err
	}
	out := turns[:0]
	for _, t := range turns {
		if q.Role != "" && t.Role != q.Role {
			continue
		}
		if !q.Since.IsZero() && t.CreatedAt.Before(q.Since) {
			continue
		}
		out = append(out, t)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

// Delete clears a whole session from both layers and reports whether any
// turn existed.
func (l *ActiveContext) Delete(ctx context.Context, sessionID string) (found bool, err error) {
	defer func(start time.Time) { l.observe("delete", start, err) }(time.Now())

	recs, err := l.primary.Range(ctx, sessionKey(sessionID), 0)
	if err == nil {
		found = len(recs) > 0
	}
	var errs []error
	if err := l.primary.Clear(ctx, sessionKey(sessionID)); err != nil {
		errs = append(errs, err)
	}
	if l.secondary != nil {
		n, err := l.deleteSecondary(ctx, storage.Eq("session_id", sessionID))
		if err != nil {
			errs = append(errs, err)
		}
		found = found || n > 0
	}
	if len(errs) > 0 && (l.secondary == nil || len(errs) == 2) {
		return found, &OperationError{Tier: L1, Op: "delete", Err: errors.Join(errs...)}
	}
	return found, nil
}

func (l *ActiveContext) deleteSecondary(ctx context.Context, filters ...storage.Filter) (int, error) {
	recs, err := l.secondary.Search(ctx, storage.Query{Collection: CollectionTurns, Filters: filters})
	if err != nil {
		return 0, err
	}
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return l.secondary.DeleteBatch(ctx, CollectionTurns, ids)
}

// DeleteTurn removes one turn. The primary list is rewritten without it.
func (l *ActiveContext) DeleteTurn(ctx context.Context, sessionID, turnID string) (found bool, err error) {
	defer func(start time.Time) { l.observe("delete_turn", start, err) }(time.Now())

	key := sessionKey(sessionID)
	recs, err := l.primary.Range(ctx, key, 0)
	if err == nil {
		kept := make([]*storage.Record, 0, len(recs))
		for _, rec := range recs {
			if rec.Fields["turn_id"] == turnID {
				found = true
				continue
			}
			kept = append(kept, rec)
		}
		if found {
			if err := l.primary.Clear(ctx, key); err != nil {
				return false, err
			}
			for i := len(kept) - 1; i >= 0; i-- {
				if err := l.primary.Push(ctx, key, kept[i], l.config.WindowSize, l.config.TTL); err != nil {
					return true, err
				}
			}
		}
	} else if l.secondary == nil {
		return false, err
	}

	if l.secondary != nil {
		ok, serr := l.secondary.Delete(ctx, CollectionTurns, sessionID+":"+turnID)
		if serr != nil && err != nil {
			return false, &OperationError{Tier: L1, Op: "delete_turn", Err: errors.Join(err, serr)}
		}
		found = found || ok
	}
	return found, nil
}

// Workspace is a session-scoped shared key/value state.
type Workspace struct {
	SessionID string         `json:"session_id"`
	Data      map[string]any `json:"data"`
	Version   int64          `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ErrNoWorkspace is returned when L1 was built without a versioned store.
var ErrNoWorkspace = errors.New("l1: no workspace store configured")

func workspaceKey(sessionID string) string { return "ws:" + sessionID }

// GetWorkspace returns the current workspace, empty when none was written.
func (l *ActiveContext) GetWorkspace(ctx context.Context, sessionID string) (*Workspace, error) {
	if l.workspace == nil {
		return nil, ErrNoWorkspace
	}
	rec, err := l.workspace.Retrieve(ctx, CollectionWorkspace, workspaceKey(sessionID))
	if storage.IsNotFound(err) {
		return &Workspace{SessionID: sessionID, Data: map[string]any{}}, nil
	}
	if err != nil {
		return nil, err
	}
	ws := &Workspace{SessionID: sessionID}
	if err := json.Unmarshal(rec.Body, ws); err != nil {
		return nil, storage.Wrap(codecBackend, "decode", storage.KindData, err)
	}
	if ws.Data == nil {
		ws.Data = map[string]any{}
	}
	ws.Version = rec.Version
	return ws, nil
}

// UpdateWorkspace applies fn to the session workspace under optimistic
// concurrency, retrying on version conflicts. fn may be called more than
// once and must not keep references to data.
func (l *ActiveContext) UpdateWorkspace(ctx context.Context, sessionID string, fn func(data map[string]any) error) (ws *Workspace, err error) {
	defer func(start time.Time) { l.observe("update_workspace", start, err) }(time.Now())

	if l.workspace == nil {
		return nil, ErrNoWorkspace
	}
	for attempt := 0; attempt < l.config.MaxCASRetries; attempt++ {
		ws, err = l.GetWorkspace(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if err := fn(ws.Data); err != nil {
			return nil, err
		}
		ws.UpdatedAt = l.now()

		body, err := encodeBody(ws)
		if err != nil {
			return nil, err
		}
		rec := &storage.Record{
			ID:         workspaceKey(sessionID),
			Collection: CollectionWorkspace,
			Fields:     map[string]any{"session_id": sessionID},
			Body:       body,
			ExpiresAt:  ws.UpdatedAt.Add(l.config.TTL),
		}
		version, err := l.workspace.CompareAndSwap(ctx, rec, ws.Version)
		if err == nil {
			ws.Version = version
			return ws, nil
		}
		if !storage.IsConflict(err) {
			return nil, err
		}
		l.logger.DebugContext(ctx, "workspace conflict, retrying", "session_id", sessionID, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("l1: workspace %s: %w after %d attempts", sessionID, storage.ErrConflict, l.config.MaxCASRetries)
}

// HealthCheck reports degraded rather than unhealthy when the primary is
// down but the secondary can serve reads.
func (l *ActiveContext) HealthCheck(ctx context.Context) Health {
	h := l.base.HealthCheck(ctx)
	if h.Status != storage.StatusUnhealthy || l.secondary == nil {
		return h
	}
	if sh, ok := h.Backends["secondary"]; ok && sh.Status == storage.StatusHealthy {
		h.Status = storage.StatusDegraded
		h.Message = "primary unhealthy, serving from secondary"
	}
	return h
}
