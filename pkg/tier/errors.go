package tier

import (
	"errors"
	"fmt"

	"github.com/goclaw/tiermem/pkg/storage"
)

// BelowThresholdError reports a fact rejected by the CIAR gate. It is a
// terminal data error and must not be retried.
type BelowThresholdError struct {
	FactID    string
	Score     float64
	Threshold float64
}

func (e *BelowThresholdError) Error() string {
	return fmt.Sprintf("fact %s below CIAR threshold: %.3f < %.3f", e.FactID, e.Score, e.Threshold)
}

// Kind implements the storage error kind contract.
func (e *BelowThresholdError) Kind() storage.Kind { return storage.KindData }

// IsBelowThreshold reports whether err is a CIAR gate rejection.
func IsBelowThreshold(err error) bool {
	var bt *BelowThresholdError
	return errors.As(err, &bt)
}

// ValidationError reports a schema or invariant violation.
type ValidationError struct {
	Tier   ID
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid %s: %s", e.Tier, e.Field, e.Reason)
}

func (e *ValidationError) Kind() storage.Kind { return storage.KindData }

func invalid(id ID, field, format string, args ...any) error {
	return &ValidationError{Tier: id, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// DualWriteError reports an episode operation where the vector and graph
// sides did not both succeed. A nil side error means that side succeeded.
type DualWriteError struct {
	Op        string
	EpisodeID string
	VectorErr error
	GraphErr  error
}

func (e *DualWriteError) Error() string {
	switch {
	case e.VectorErr != nil && e.GraphErr != nil:
		return fmt.Sprintf("episode %s %s failed on both stores: vector: %v; graph: %v", e.EpisodeID, e.Op, e.VectorErr, e.GraphErr)
	case e.VectorErr != nil:
		return fmt.Sprintf("episode %s %s partial: graph succeeded, vector failed: %v", e.EpisodeID, e.Op, e.VectorErr)
	default:
		return fmt.Sprintf("episode %s %s partial: vector succeeded, graph failed: %v", e.EpisodeID, e.Op, e.GraphErr)
	}
}

// VectorOK reports whether the vector side succeeded.
func (e *DualWriteError) VectorOK() bool { return e.VectorErr == nil }

// GraphOK reports whether the graph side succeeded.
func (e *DualWriteError) GraphOK() bool { return e.GraphErr == nil }

// Partial reports whether exactly one side succeeded.
func (e *DualWriteError) Partial() bool { return e.VectorOK() != e.GraphOK() }

// Kind returns the kind of the first failing side.
func (e *DualWriteError) Kind() storage.Kind {
	if e.VectorErr != nil {
		return storage.KindOf(e.VectorErr)
	}
	return storage.KindOf(e.GraphErr)
}

func (e *DualWriteError) Unwrap() []error {
	var errs []error
	for _, err := range []error{e.VectorErr, e.GraphErr} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// OperationError reports a tier operation that failed on every layer that
// could serve it.
type OperationError struct {
	Tier ID
	Op   string
	Err  error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Tier, e.Op, e.Err)
}

func (e *OperationError) Kind() storage.Kind { return storage.KindOf(e.Err) }

func (e *OperationError) Unwrap() error { return e.Err }
