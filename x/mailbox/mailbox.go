// Package mailbox holds the request/reply plumbing shared by the actors.
// Every actor owns a buffered mailbox channel and a done channel that is
// closed when its loop returns.
package mailbox

import (
	"context"

	"water-my-garden-go/errcode"
)

// Post sends m unless the actor has stopped or ctx ends first.
func Post[M any](ctx context.Context, done <-chan struct{}, mbox chan M, m M) error {
	select {
	case <-done:
		return errcode.NotRunning
	default:
	}
	select {
	case mbox <- m:
		return nil
	case <-done:
		return errcode.NotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Await waits for the one reply to a posted request. A reply sent just
// before the actor stopped is still returned.
func Await[T any](ctx context.Context, done <-chan struct{}, reply chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-done:
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, errcode.NotRunning
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Call posts m and waits for an error-only acknowledgement.
func Call[M any](ctx context.Context, done <-chan struct{}, mbox chan M, m M, reply chan error) error {
	if err := Post(ctx, done, mbox, m); err != nil {
		return err
	}
	err, werr := Await(ctx, done, reply)
	if werr != nil {
		return werr
	}
	return err
}
