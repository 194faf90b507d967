package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TurnText is a conversational turn handed to segmentation and extraction.
type TurnText struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Segment is a topic segment of a turn window.
type Segment struct {
	Topic     string   `json:"topic"`
	Summary   string   `json:"summary"`
	TurnIDs   []string `json:"turn_ids"`
	Certainty float64  `json:"certainty"`
	Impact    float64  `json:"impact"`
}

// SegmentResult is the output of TaskSegment.
type SegmentResult struct {
	Segments []Segment `json:"segments"`
}

// ExtractInput is the input of TaskExtract.
type ExtractInput struct {
	Segment Segment    `json:"segment"`
	Turns   []TurnText `json:"turns"`
}

// ExtractedFact is one fact proposed by TaskExtract.
type ExtractedFact struct {
	Content   string   `json:"content"`
	FactType  string   `json:"fact_type"`
	Category  string   `json:"category"`
	Certainty float64  `json:"certainty"`
	Impact    float64  `json:"impact"`
	Entities  []string `json:"entities,omitempty"`
}

// ExtractResult is the output of TaskExtract.
type ExtractResult struct {
	Facts []ExtractedFact `json:"facts"`
}

// FactDigest is a fact handed to episode summarization.
type FactDigest struct {
	ID       string  `json:"id"`
	Content  string  `json:"content"`
	FactType string  `json:"fact_type"`
	Score    float64 `json:"score"`
}

// SummarizeInput is the input of TaskSummarize.
type SummarizeInput struct {
	Facts []FactDigest `json:"facts"`
}

// EntityRef names an entity mentioned by an episode.
type EntityRef struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Relationship is a typed relation between two entities.
type Relationship struct {
	From string `json:"from"`
	Type string `json:"type"`
	To   string `json:"to"`
}

// EpisodeSummary is the output of TaskSummarize.
type EpisodeSummary struct {
	Summary       string         `json:"summary"`
	Topics        []string       `json:"topics"`
	Entities      []EntityRef    `json:"entities"`
	Relationships []Relationship `json:"relationships"`
	Importance    float64        `json:"importance"`
}

// EpisodeDigest is an episode handed to knowledge synthesis.
type EpisodeDigest struct {
	ID         string   `json:"id"`
	Summary    string   `json:"summary"`
	Topics     []string `json:"topics"`
	Importance float64  `json:"importance"`
}

// SynthesizeInput is the input of TaskSynthesize.
type SynthesizeInput struct {
	Episodes      []EpisodeDigest `json:"episodes"`
	KnowledgeType string          `json:"knowledge_type"`
	Domain        string          `json:"domain,omitempty"`
}

// KnowledgeDraft is one document proposed by TaskSynthesize.
type KnowledgeDraft struct {
	Title         string   `json:"title"`
	Content       string   `json:"content"`
	KnowledgeType string   `json:"knowledge_type"`
	Confidence    float64  `json:"confidence"`
	Tags          []string `json:"tags"`
	Domain        string   `json:"domain"`
}

// SynthesisResult is the output of TaskSynthesize.
type SynthesisResult struct {
	Documents []KnowledgeDraft `json:"documents"`
}

var (
	segmentSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "segments": {"type": "array", "items": {"type": "object", "properties": {
      "topic": {"type": "string"}, "summary": {"type": "string"},
      "turn_ids": {"type": "array", "items": {"type": "string"}},
      "certainty": {"type": "number"}, "impact": {"type": "number"}},
      "required": ["topic", "summary", "turn_ids", "certainty", "impact"]}}
  },
  "required": ["segments"]
}`)

	extractSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "facts": {"type": "array", "items": {"type": "object", "properties": {
      "content": {"type": "string"},
      "fact_type": {"type": "string", "enum": ["preference", "constraint", "entity", "mention", "relationship", "event"]},
      "category": {"type": "string"},
      "certainty": {"type": "number"}, "impact": {"type": "number"},
      "entities": {"type": "array", "items": {"type": "string"}}},
      "required": ["content", "fact_type", "certainty", "impact"]}}
  },
  "required": ["facts"]
}`)

	summarizeSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "summary": {"type": "string"},
    "topics": {"type": "array", "items": {"type": "string"}},
    "entities": {"type": "array", "items": {"type": "object", "properties": {
      "name": {"type": "string"}, "type": {"type": "string"}}, "required": ["name", "type"]}},
    "relationships": {"type": "array", "items": {"type": "object", "properties": {
      "from": {"type": "string"}, "type": {"type": "string"}, "to": {"type": "string"}}}},
    "importance": {"type": "number"}
  },
  "required": ["summary", "topics", "entities", "importance"]
}`)

	synthesizeSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "documents": {"type": "array", "items": {"type": "object", "properties": {
      "title": {"type": "string"}, "content": {"type": "string"},
      "knowledge_type": {"type": "string", "enum": ["summary", "insight", "pattern", "recommendation", "rule"]},
      "confidence": {"type": "number"},
      "tags": {"type": "array", "items": {"type": "string"}},
      "domain": {"type": "string"}},
      "required": ["title", "content", "knowledge_type", "confidence"]}}
  },
  "required": ["documents"]
}`)
)

// SegmentRequest segments a window of turns in one call.
func SegmentRequest(turns []TurnText) Request {
	var sb strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&sb, "[%s] %s: %s\n", t.ID, t.Role, t.Content)
	}
	return Request{
		Task: TaskSegment,
		System: "Split the conversation into topic segments. For each segment give a short topic, " +
			"a one-sentence summary, the turn ids it covers, and estimate certainty (how reliable the " +
			"information is) and impact (how much it matters for future conversations), both in [0,1].",
		User:       sb.String(),
		Schema:     segmentSchema,
		SchemaName: "topic_segments",
		Input:      turns,
	}
}

// ExtractRequest extracts durable facts from one segment.
func ExtractRequest(in ExtractInput) Request {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Topic: %s\nSummary: %s\n\n", in.Segment.Topic, in.Segment.Summary)
	for _, t := range in.Turns {
		fmt.Fprintf(&sb, "%s: %s\n", t.Role, t.Content)
	}
	return Request{
		Task: TaskExtract,
		System: "Extract durable facts about the user or their work from this conversation segment. " +
			"Classify each as preference, constraint, entity, mention, relationship or event, and " +
			"estimate certainty and impact in [0,1]. Skip small talk.",
		User:       sb.String(),
		Schema:     extractSchema,
		SchemaName: "facts",
		Input:      in,
	}
}

// SummarizeRequest summarizes a cluster of facts into an episode.
func SummarizeRequest(in SummarizeInput) Request {
	var sb strings.Builder
	for _, f := range in.Facts {
		fmt.Fprintf(&sb, "- (%s) %s\n", f.FactType, f.Content)
	}
	return Request{
		Task: TaskSummarize,
		System: "Write a short narrative summary of these related facts as one episode. List its " +
			"topics, the entities it mentions with a type, relationships between entities, and an " +
			"importance in [0,1].",
		User:       sb.String(),
		Schema:     summarizeSchema,
		SchemaName: "episode_summary",
		Input:      in,
	}
}

// SynthesizeRequest distills episodes into knowledge documents.
func SynthesizeRequest(in SynthesizeInput) Request {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Requested knowledge type: %s\n", in.KnowledgeType)
	if in.Domain != "" {
		fmt.Fprintf(&sb, "Domain: %s\n", in.Domain)
	}
	for _, e := range in.Episodes {
		fmt.Fprintf(&sb, "- [%s] %s (topics: %s)\n", e.ID, e.Summary, strings.Join(e.Topics, ", "))
	}
	return Request{
		Task: TaskSynthesize,
		System: "Distill durable, reusable knowledge from these episodes. Produce one or more documents " +
			"of the requested type with a title, content, confidence in [0,1], tags and a domain.",
		User:       sb.String(),
		Schema:     synthesizeSchema,
		SchemaName: "knowledge_documents",
		Input:      in,
	}
}
