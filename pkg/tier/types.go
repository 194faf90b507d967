package tier

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/goclaw/tiermem/pkg/storage"
)

// Turn is one conversational exchange held in L1.
type Turn struct {
	SessionID string            `json:"session_id"`
	TurnID    string            `json:"turn_id"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Fact types.
const (
	FactPreference   = "preference"
	FactConstraint   = "constraint"
	FactEntity       = "entity"
	FactMention      = "mention"
	FactRelationship = "relationship"
	FactEvent        = "event"
)

// FactTypes lists the accepted fact types.
var FactTypes = []string{FactPreference, FactConstraint, FactEntity, FactMention, FactRelationship, FactEvent}

// ValidFactType reports whether t is a known fact type.
func ValidFactType(t string) bool {
	for _, ft := range FactTypes {
		if ft == t {
			return true
		}
	}
	return false
}

// Fact is a CIAR-scored statement held in L2.
type Fact struct {
	FactID       string    `json:"fact_id"`
	SessionID    string    `json:"session_id"`
	Content      string    `json:"content"`
	FactType     string    `json:"fact_type"`
	Category     string    `json:"category,omitempty"`
	Certainty    float64   `json:"certainty"`
	Impact       float64   `json:"impact"`
	CIARScore    float64   `json:"ciar_score"`
	AccessCount  int       `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed"`
	CreatedAt    time.Time `json:"created_at"`

	// SourceURI points back at the originating turn, l1://<session>/<turn>.
	// L1 may evict that turn at any time.
	SourceURI string   `json:"source_uri,omitempty"`
	Entities  []string `json:"entities,omitempty"`

	ContentHash    string    `json:"content_hash"`
	ConsolidatedAt time.Time `json:"consolidated_at"`
	EpisodeID      string    `json:"episode_id,omitempty"`
}

// Consolidated reports whether the fact has been folded into an episode.
func (f *Fact) Consolidated() bool { return !f.ConsolidatedAt.IsZero() }

// TurnURI builds the source URI of a turn.
func TurnURI(sessionID, turnID string) string {
	return "l1://" + sessionID + "/" + turnID
}

// ContentHash fingerprints fact content within a session for deduplication.
func ContentHash(sessionID, content string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	sum := sha256.Sum256([]byte(sessionID + "\x00" + norm))
	return hex.EncodeToString(sum[:])
}

// Relationship is a typed edge between two entities named in an episode.
type Relationship struct {
	From string `json:"from"`
	Type string `json:"type"`
	To   string `json:"to"`
}

// Entity is a named thing an episode mentions.
type Entity struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// EntityID normalizes an entity name into its graph key.
func EntityID(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// Episode is a time-windowed cluster of facts held in L3.
type Episode struct {
	EpisodeID       string         `json:"episode_id"`
	SessionID       string         `json:"session_id"`
	Summary         string         `json:"summary"`
	SourceFactIDs   []string       `json:"source_fact_ids"`
	FactCount       int            `json:"fact_count"`
	TimeWindowStart time.Time      `json:"time_window_start"`
	TimeWindowEnd   time.Time      `json:"time_window_end"`
	FactValidFrom   time.Time      `json:"fact_valid_from"`
	FactValidTo     *time.Time     `json:"fact_valid_to,omitempty"`
	Entities        []string       `json:"entities,omitempty"`
	Relationships   []Relationship `json:"relationships,omitempty"`
	Topics          []string       `json:"topics,omitempty"`
	Importance      float64        `json:"importance"`
	CreatedAt       time.Time      `json:"created_at"`

	// VectorID is the key of the episode's vector-store point.
	VectorID string `json:"vector_id,omitempty"`
}

// ValidAt reports whether the episode's validity interval contains t.
func (e *Episode) ValidAt(t time.Time) bool {
	if t.Before(e.FactValidFrom) {
		return false
	}
	return e.FactValidTo == nil || !t.After(*e.FactValidTo)
}

// Knowledge types.
const (
	KnowledgeSummary        = "summary"
	KnowledgeInsight        = "insight"
	KnowledgePattern        = "pattern"
	KnowledgeRecommendation = "recommendation"
	KnowledgeRule           = "rule"
)

// KnowledgeTypes lists the accepted knowledge types.
var KnowledgeTypes = []string{KnowledgeSummary, KnowledgeInsight, KnowledgePattern, KnowledgeRecommendation, KnowledgeRule}

// ValidKnowledgeType reports whether t is a known knowledge type.
func ValidKnowledgeType(t string) bool {
	for _, kt := range KnowledgeTypes {
		if kt == t {
			return true
		}
	}
	return false
}

// KnowledgeDocument is distilled knowledge held in L4.
type KnowledgeDocument struct {
	KnowledgeID      string    `json:"knowledge_id"`
	SessionID        string    `json:"session_id,omitempty"`
	Title            string    `json:"title"`
	Content          string    `json:"content"`
	KnowledgeType    string    `json:"knowledge_type"`
	ConfidenceScore  float64   `json:"confidence_score"`
	UsefulnessScore  float64   `json:"usefulness_score"`
	SourceEpisodeIDs []string  `json:"source_episode_ids"`
	Tags             []string  `json:"tags,omitempty"`
	Domain           string    `json:"domain,omitempty"`
	AccessCount      int       `json:"access_count"`
	ValidationCount  int       `json:"validation_count"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Collections used by the tiers.
const (
	CollectionTurns     = "turns"
	CollectionWorkspace = "workspace"
	CollectionFacts     = "facts"
	CollectionEpisodes  = "episodes"
	CollectionKnowledge = "knowledge"
)

// codecBackend labels encode/decode failures raised above the adapters.
const codecBackend storage.Backend = "codec"

func encodeBody(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, storage.Wrap(codecBackend, "encode", storage.KindData, err)
	}
	return b, nil
}

func decodeBody(rec *storage.Record, v any) error {
	if err := json.Unmarshal(rec.Body, v); err != nil {
		return storage.Wrap(codecBackend, "decode", storage.KindData, err)
	}
	return nil
}

func turnRecord(t *Turn, expiresAt time.Time) (*storage.Record, error) {
	body, err := encodeBody(t)
	if err != nil {
		return nil, err
	}
	rec := &storage.Record{
		ID:         t.SessionID + ":" + t.TurnID,
		Collection: CollectionTurns,
		Fields: map[string]any{
			"session_id": t.SessionID,
			"turn_id":    t.TurnID,
			"role":       t.Role,
			"created_at": storage.Millis(t.CreatedAt),
		},
		Body:      body,
		ExpiresAt: expiresAt,
	}
	return rec, nil
}

func turnFromRecord(rec *storage.Record) (*Turn, error) {
	var t Turn
	if err := decodeBody(rec, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func factRecord(f *Fact, expiresAt time.Time) (*storage.Record, error) {
	body, err := encodeBody(f)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{
		"session_id":    f.SessionID,
		"fact_type":     f.FactType,
		"certainty":     f.Certainty,
		"impact":        f.Impact,
		"ciar_score":    f.CIARScore,
		"access_count":  float64(f.AccessCount),
		"created_at":    storage.Millis(f.CreatedAt),
		"last_accessed": storage.Millis(f.LastAccessed),
		"content_hash":  f.ContentHash,
	}
	if f.Category != "" {
		fields["category"] = f.Category
	}
	if f.SourceURI != "" {
		fields["source_uri"] = f.SourceURI
	}
	if f.Consolidated() {
		fields["consolidated_at"] = storage.Millis(f.ConsolidatedAt)
		fields["episode_id"] = f.EpisodeID
	}
	return &storage.Record{
		ID:         f.FactID,
		Collection: CollectionFacts,
		Fields:     fields,
		Body:       body,
		Text:       f.Content,
		ExpiresAt:  expiresAt,
	}, nil
}

func factFromRecord(rec *storage.Record) (*Fact, error) {
	var f Fact
	if err := decodeBody(rec, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// episodeFields holds the filterable attributes shared by both L3 stores.
func episodeFields(e *Episode) map[string]any {
	fields := map[string]any{
		"episode_id":        e.EpisodeID,
		"session_id":        e.SessionID,
		"fact_count":        float64(e.FactCount),
		"time_window_start": storage.Millis(e.TimeWindowStart),
		"time_window_end":   storage.Millis(e.TimeWindowEnd),
		"fact_valid_from":   storage.Millis(e.FactValidFrom),
		"importance":        e.Importance,
		"created_at":        storage.Millis(e.CreatedAt),
	}
	if e.FactValidTo != nil {
		fields["fact_valid_to"] = storage.Millis(*e.FactValidTo)
	}
	if len(e.Topics) > 0 {
		fields["topics"] = append([]string(nil), e.Topics...)
	}
	if len(e.Entities) > 0 {
		fields["entities"] = append([]string(nil), e.Entities...)
	}
	if e.VectorID != "" {
		fields["vector_id"] = e.VectorID
	}
	return fields
}

func episodeFromRecord(rec *storage.Record) (*Episode, error) {
	var e Episode
	if err := decodeBody(rec, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func knowledgeRecord(d *KnowledgeDocument) (*storage.Record, error) {
	body, err := encodeBody(d)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{
		"knowledge_type":     d.KnowledgeType,
		"confidence_score":   d.ConfidenceScore,
		"usefulness_score":   d.UsefulnessScore,
		"access_count":       float64(d.AccessCount),
		"validation_count":   float64(d.ValidationCount),
		"source_episode_ids": append([]string(nil), d.SourceEpisodeIDs...),
		"created_at":         storage.Millis(d.CreatedAt),
	}
	if d.SessionID != "" {
		fields["session_id"] = d.SessionID
	}
	if d.Domain != "" {
		fields["domain"] = d.Domain
	}
	if len(d.Tags) > 0 {
		fields["tags"] = append([]string(nil), d.Tags...)
	}
	return &storage.Record{
		ID:         d.KnowledgeID,
		Collection: CollectionKnowledge,
		Fields:     fields,
		Body:       body,
		Text:       d.Title + "\n" + d.Content,
	}, nil
}

func knowledgeFromRecord(rec *storage.Record) (*KnowledgeDocument, error) {
	var d KnowledgeDocument
	if err := decodeBody(rec, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// fieldTime reads a Millis-encoded field. Missing or zero values report false.
func fieldTime(fields map[string]any, key string) (time.Time, bool) {
	ms, ok := storage.Float(fields[key])
	if !ok || ms == 0 {
		return time.Time{}, false
	}
	return storage.FromMillis(ms), true
}
