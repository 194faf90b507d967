package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Kind classifies a storage failure independently of the backend.
type Kind string

const (
	KindConnection Kind = "connection"
	KindQuery      Kind = "query"
	KindNotFound   Kind = "not_found"
	KindTimeout    Kind = "timeout"
	KindCanceled   Kind = "canceled"
	KindData       Kind = "data"
)

var (
	// ErrNotFound is wrapped by every KindNotFound error.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned by CompareAndSwap when the stored version moved.
	ErrConflict = errors.New("version conflict")

	// ErrNotConnected is wrapped when an operation runs before Connect.
	ErrNotConnected = errors.New("adapter not connected")
)

// Error is the single error type adapters return.
type Error struct {
	Kind    Kind
	Backend Backend
	Op      string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Backend, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether retrying the operation may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindConnection || e.Kind == KindTimeout
}

// Wrap builds an *Error of the given kind. A nil err yields nil.
func Wrap(backend Backend, op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Kind: kind, Backend: backend, Op: op, Err: err}
}

// Classify wraps err, inferring the kind from well-known causes and
// falling back to fallback when nothing more specific matches.
func Classify(backend Backend, op string, err error, fallback Kind) error {
	if err == nil {
		return nil
	}
	return Wrap(backend, op, inferKind(err, fallback), err)
}

func inferKind(err error, fallback Kind) Kind {
	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrNotConnected),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed):
		return KindConnection
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}
	return fallback
}

// NotFound builds a KindNotFound error for collection/id.
func NotFound(backend Backend, op, collection, id string) error {
	return &Error{
		Kind:    KindNotFound,
		Backend: backend,
		Op:      op,
		Err:     fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id),
	}
}

// NotConnected builds the error returned before Connect succeeds.
func NotConnected(backend Backend, op string) error {
	return &Error{Kind: KindConnection, Backend: backend, Op: op, Err: ErrNotConnected}
}

// Conflict builds the error returned by CompareAndSwap.
func Conflict(backend Backend, op, id string, expected, actual int64) error {
	return &Error{
		Kind:    KindData,
		Backend: backend,
		Op:      op,
		Err:     fmt.Errorf("%w: %s expected version %d, found %d", ErrConflict, id, expected, actual),
	}
}

// KindOf returns the kind of err, or "" when err does not carry one.
// Besides *Error it honours any error exposing a Kind() Kind method.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	var k interface{ Kind() Kind }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return ""
}

// IsNotFound reports whether err is a not-found failure.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound || errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is an optimistic-concurrency conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsRetryable reports whether err is a connection or timeout failure.
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k == KindConnection || k == KindTimeout
}
