package tier

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/goclaw/tiermem/pkg/ciar"
	"github.com/goclaw/tiermem/pkg/storage"
)

// WorkingMemoryConfig configures L2.
type WorkingMemoryConfig struct {
	TTL time.Duration `mapstructure:"ttl" validate:"min=0"`

	// ReinforceRetries bounds compare-and-swap attempts when persisting
	// access reinforcement on versioned backends.
	ReinforceRetries int `mapstructure:"reinforce_retries" validate:"min=1"`
}

// DefaultWorkingMemoryConfig returns a seven-day TTL.
func DefaultWorkingMemoryConfig() WorkingMemoryConfig {
	return WorkingMemoryConfig{TTL: 7 * 24 * time.Hour, ReinforceRetries: 3}
}

// FactQuery filters L2 facts. Zero values do not filter.
type FactQuery struct {
	SessionID      string
	FactTypes      []string
	MinCIAR        float64
	Unconsolidated bool
	Since          time.Time
	Until          time.Time
	Text           string
	Limit          int
}

// WorkingMemory is the L2 tier: a CIAR-gated fact store whose reads
// reinforce the facts they return.
type WorkingMemory struct {
	base
	config  WorkingMemoryConfig
	store   storage.Adapter
	scorer  *ciar.Scorer
	swapper storage.Versioned
}

// NewWorkingMemory creates L2 over store. A nil scorer uses defaults.
func NewWorkingMemory(store storage.Adapter, scorer *ciar.Scorer, cfg WorkingMemoryConfig, opts ...Option) *WorkingMemory {
	def := DefaultWorkingMemoryConfig()
	if cfg.TTL == 0 {
		cfg.TTL = def.TTL
	}
	if cfg.ReinforceRetries <= 0 {
		cfg.ReinforceRetries = def.ReinforceRetries
	}
	if scorer == nil {
		scorer = ciar.New(ciar.DefaultConfig())
	}
	w := &WorkingMemory{
		base:   newBase(L2, []backend{{name: "facts", adapter: store}}, opts),
		config: cfg,
		store:  store,
		scorer: scorer,
	}
	if v, ok := store.(storage.Versioned); ok {
		w.swapper = v
	}
	return w
}

// Scorer returns the CIAR scorer gating writes.
func (w *WorkingMemory) Scorer() *ciar.Scorer { return w.scorer }

func (w *WorkingMemory) score(f *Fact, now time.Time) (ciar.Breakdown, error) {
	return w.scorer.Calculate(ciar.Input{
		ID:          f.FactID,
		Certainty:   f.Certainty,
		Impact:      f.Impact,
		AgeDays:     ciar.AgeDays(f.CreatedAt, now),
		AccessCount: f.AccessCount,
	})
}

// Store validates and scores f, rejecting it with a BelowThresholdError
// when its CIAR score misses the threshold. Nothing is persisted on
// rejection.
func (w *WorkingMemory) Store(ctx context.Context, f Fact) (id string, err error) {
	defer func(start time.Time) { w.observe("store", start, err) }(time.Now())

	if f.SessionID == "" {
		return "", invalid(L2, "session_id", "required")
	}
	if f.Content == "" {
		return "", invalid(L2, "content", "required")
	}
	if !ValidFactType(f.FactType) {
		return "", invalid(L2, "fact_type", "unknown type %q", f.FactType)
	}

	now := w.now()
	if f.FactID == "" {
		f.FactID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.LastAccessed.IsZero() {
		f.LastAccessed = f.CreatedAt
	}
	f.ContentHash = ContentHash(f.SessionID, f.Content)

	b, err := w.score(&f, now)
	if err != nil {
		return "", invalid(L2, "certainty/impact", "%v", err)
	}
	f.CIARScore = b.Score
	w.observer.ObserveGate(L2, b.Passes, b.Score)
	if !b.Passes {
		return "", &BelowThresholdError{FactID: f.FactID, Score: b.Score, Threshold: b.Threshold}
	}

	rec, err := factRecord(&f, now.Add(w.config.TTL))
	if err != nil {
		return "", err
	}
	return w.store.Store(ctx, rec)
}

// Peek returns a fact without reinforcing it.
func (w *WorkingMemory) Peek(ctx context.Context, id string) (*Fact, error) {
	f, _, err := w.peek(ctx, id)
	return f, err
}

func (w *WorkingMemory) peek(ctx context.Context, id string) (*Fact, *storage.Record, error) {
	rec, err := w.store.Retrieve(ctx, CollectionFacts, id)
	if err != nil {
		return nil, nil, err
	}
	f, err := factFromRecord(rec)
	if err != nil {
		return nil, nil, err
	}
	return f, rec, nil
}

// Retrieve returns a fact and reinforces it: access_count is incremented,
// last_accessed refreshed and ciar_score recomputed. Persisting the
// reinforcement may fail without failing the read.
func (w *WorkingMemory) Retrieve(ctx context.Context, id string) (f *Fact, err error) {
	defer func(start time.Time) { w.observe("retrieve", start, err) }(time.Now())

	f, rec, err := w.peek(ctx, id)
	if err != nil {
		return nil, err
	}
	reinforced := w.reinforce(ctx, f, rec)
	return reinforced, nil
}

func (w *WorkingMemory) apply(f *Fact, now time.Time) {
	f.AccessCount++
	f.LastAccessed = now
	if b, err := w.score(f, now); err == nil {
		f.CIARScore = b.Score
	}
}

// reinforce persists an access update. It returns the reinforced fact even
// when the write fails.
func (w *WorkingMemory) reinforce(ctx context.Context, f *Fact, rec *storage.Record) *Fact {
	now := w.now()
	expires := now.Add(w.config.TTL)

	if w.swapper == nil {
		w.apply(f, now)
		out, err := factRecord(f, expires)
		if err == nil {
			_, err = w.store.Store(ctx, out)
		}
		if err != nil {
			w.logger.WarnContext(ctx, "access reinforcement not persisted", "fact_id", f.FactID, "error", err)
		}
		return f
	}

	current := *f
	version := rec.Version
	for attempt := 0; attempt < w.config.ReinforceRetries; attempt++ {
		next := current
		w.apply(&next, now)
		out, err := factRecord(&next, expires)
		if err != nil {
			w.logger.WarnContext(ctx, "access reinforcement not persisted", "fact_id", f.FactID, "error", err)
			return &next
		}
		if _, err = w.swapper.CompareAndSwap(ctx, out, version); err == nil {
			return &next
		}
		if !storage.IsConflict(err) {
			w.logger.WarnContext(ctx, "access reinforcement not persisted", "fact_id", f.FactID, "error", err)
			return &next
		}
		fresh, freshRec, perr := w.peek(ctx, f.FactID)
		if perr != nil {
			w.logger.WarnContext(ctx, "access reinforcement not persisted", "fact_id", f.FactID, "error", perr)
			return &next
		}
		current, version = *fresh, freshRec.Version
	}
	w.logger.WarnContext(ctx, "access reinforcement lost to concurrent writers", "fact_id", f.FactID)
	next := current
	w.apply(&next, now)
	return &next
}

// Query returns facts matching q, highest CIAR score first unless q.Text
// ranks them.
func (w *WorkingMemory) Query(ctx context.Context, q FactQuery) (facts []Fact, err error) {
	defer func(start time.Time) { w.observe("query", start, err) }(time.Now())

	sq := storage.Query{
		Collection: CollectionFacts,
		Filters:    factFilters(q),
		Text:       q.Text,
		Limit:      q.Limit,
	}
	if q.Text == "" {
		sq.OrderBy, sq.Descending = "ciar_score", true
	}
	recs, err := w.store.Search(ctx, sq)
	if err != nil {
		return nil, err
	}
	facts = make([]Fact, 0, len(recs))
	for _, rec := range recs {
		f, err := factFromRecord(rec)
		if err != nil {
			return nil, err
		}
		facts = append(facts, *f)
	}
	return facts, nil
}

func factFilters(q FactQuery) []storage.Filter {
	var filters []storage.Filter
	if q.SessionID != "" {
		filters = append(filters, storage.Eq("session_id", q.SessionID))
	}
	switch len(q.FactTypes) {
	case 0:
	case 1:
		filters = append(filters, storage.Eq("fact_type", q.FactTypes[0]))
	default:
		filters = append(filters, storage.Filter{Field: "fact_type", Op: storage.OpIn, Value: append([]string(nil), q.FactTypes...)})
	}
	if q.MinCIAR > 0 {
		filters = append(filters, storage.Gte("ciar_score", q.MinCIAR))
	}
	if q.Unconsolidated {
		filters = append(filters, storage.Filter{Field: "consolidated_at", Op: storage.OpMissing})
	}
	if !q.Since.IsZero() {
		filters = append(filters, storage.Gte("created_at", storage.Millis(q.Since)))
	}
	if !q.Until.IsZero() {
		filters = append(filters, storage.Lte("created_at", storage.Millis(q.Until)))
	}
	return filters
}

// Delete removes a fact.
func (w *WorkingMemory) Delete(ctx context.Context, id string) (found bool, err error) {
	defer func(start time.Time) { w.observe("delete", start, err) }(time.Now())
	return w.store.Delete(ctx, CollectionFacts, id)
}

// FindByContent returns the session fact with the same normalized content,
// or a not-found error.
func (w *WorkingMemory) FindByContent(ctx context.Context, sessionID, content string) (*Fact, error) {
	recs, err := w.store.Search(ctx, storage.Query{
		Collection: CollectionFacts,
		Filters: []storage.Filter{
			storage.Eq("session_id", sessionID),
			storage.Eq("content_hash", ContentHash(sessionID, content)),
		},
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, storage.NotFound(w.store.Backend(), "find_by_content", CollectionFacts, sessionID)
	}
	return factFromRecord(recs[0])
}

// MarkConsolidated records that the given facts were folded into episodeID.
// Facts that vanished in the meantime are skipped.
func (w *WorkingMemory) MarkConsolidated(ctx context.Context, ids []string, episodeID string) (marked int, err error) {
	defer func(start time.Time) { w.observe("mark_consolidated", start, err) }(time.Now())

	now := w.now()
	for _, id := range ids {
		f, rec, err := w.peek(ctx, id)
		if storage.IsNotFound(err) {
			continue
		}
		if err != nil {
			return marked, err
		}
		f.ConsolidatedAt = now
		f.EpisodeID = episodeID
		out, err := factRecord(f, rec.ExpiresAt)
		if err != nil {
			return marked, err
		}
		if _, err := w.store.Store(ctx, out); err != nil {
			return marked, err
		}
		marked++
	}
	return marked, nil
}

// CountUnconsolidated counts a session's facts not yet in an episode.
func (w *WorkingMemory) CountUnconsolidated(ctx context.Context, sessionID string) (int, error) {
	facts, err := w.Query(ctx, FactQuery{SessionID: sessionID, Unconsolidated: true})
	if err != nil {
		return 0, err
	}
	return len(facts), nil
}

// UnconsolidatedSessions lists sessions holding facts not yet in an episode.
func (w *WorkingMemory) UnconsolidatedSessions(ctx context.Context) ([]string, error) {
	recs, err := w.store.Search(ctx, storage.Query{
		Collection: CollectionFacts,
		Filters:    []storage.Filter{{Field: "consolidated_at", Op: storage.OpMissing}},
	})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, rec := range recs {
		if s, ok := rec.Fields["session_id"].(string); ok {
			seen[s] = struct{}{}
		}
	}
	sessions := make([]string, 0, len(seen))
	for s := range seen {
		sessions = append(sessions, s)
	}
	sort.Strings(sessions)
	return sessions, nil
}
