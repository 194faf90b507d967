package storage

import (
	"context"
	"errors"
)

// Use connects a, runs fn and always disconnects afterwards, even when fn
// fails. The disconnect error is joined with fn's error.
func Use(ctx context.Context, a Adapter, fn func(Adapter) error) (err error) {
	if err := a.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.Disconnect(context.WithoutCancel(ctx)))
	}()
	return fn(a)
}
