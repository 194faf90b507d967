// Package llm defines the text-generation and embedding capabilities the
// lifecycle engines depend on, plus the fallback machinery around them: a
// circuit-broken provider chain, a rate limiter and a rule-based generator
// that answers every task without a model.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Task identifies the structured job a request performs. The rule-based
// generator dispatches on it.
type Task string

const (
	TaskSegment    Task = "segment"
	TaskExtract    Task = "extract"
	TaskSummarize  Task = "summarize"
	TaskSynthesize Task = "synthesize"
	TaskFreeText   Task = "text"
)

// Request is one generation call.
type Request struct {
	Task   Task
	System string
	User   string

	// Schema, when set, asks the provider for JSON conforming to it.
	Schema     json.RawMessage
	SchemaName string

	// Input is the typed payload the rule-based generator works from.
	Input any

	MaxTokens   int
	Temperature float32
}

// Response is a generation result.
type Response struct {
	Text     string
	Provider string
}

// JSON returns the response text with any markdown code fence removed.
func (r *Response) JSON() []byte {
	s := strings.TrimSpace(r.Text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return []byte(strings.TrimSpace(s))
}

// Generator produces completions.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Response, error)
}

// RuleProvider is the provider name reported by the rule-based generator.
const RuleProvider = "rules"

var (
	// ErrUnavailable is returned when no generator in a chain could serve a request.
	ErrUnavailable = errors.New("llm: no generator available")

	// ErrParse is returned when structured output cannot be decoded.
	ErrParse = errors.New("llm: cannot parse structured output")
)

// GenerateJSON runs req and decodes the response into out, which must be a
// non-nil pointer. A decoded value replaces *out wholesale; on a parse
// failure *out is left untouched. It reports the provider that answered.
func GenerateJSON(ctx context.Context, g Generator, req Request, out any) (string, error) {
	dst := reflect.ValueOf(out)
	if dst.Kind() != reflect.Pointer || dst.IsNil() {
		return "", fmt.Errorf("llm: decode target must be a non-nil pointer, got %T", out)
	}
	resp, err := g.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	fresh := reflect.New(dst.Elem().Type())
	if err := json.Unmarshal(resp.JSON(), fresh.Interface()); err != nil {
		return resp.Provider, fmt.Errorf("%w from %s: %v", ErrParse, resp.Provider, err)
	}
	dst.Elem().Set(fresh.Elem())
	return resp.Provider, nil
}

// Fallback runs req on g and decodes it into out; on any failure, including
// a parse failure, it answers with the rule-based generator instead. It
// reports whether the fallback was used.
func Fallback(ctx context.Context, g Generator, req Request, out any) (fallback bool, err error) {
	if g != nil {
		provider, err := GenerateJSON(ctx, g, req, out)
		if err == nil {
			return provider == RuleProvider, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
	}
	if _, err := GenerateJSON(ctx, NewRules(), req, out); err != nil {
		return true, err
	}
	return true, nil
}
