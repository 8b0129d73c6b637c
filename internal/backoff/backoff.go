// Package backoff implements the decorrelated-jitter retry delay used by
// the bus proxy (internal/busproxy) when dialing a RemoteAppProxy session
// fails with a connection problem.
package backoff

import (
	"context"
	"math/rand"
	"time"

	"github.com/gravitational/trace"
)

// Backoff produces successive delays and sleeps them out, respecting ctx
// cancellation.
type Backoff interface {
	// Do sleeps for the next delay in the sequence, or returns ctx.Err() if
	// ctx is done first.
	Do(ctx context.Context) error
}

type decorr struct {
	base, cap time.Duration
	prev      time.Duration
}

// Decorr returns a decorrelated-jitter Backoff (AWS's "Decorrelated Jitter"
// algorithm): each delay is a random value in [base, prev*3), clamped to cap.
func Decorr(base, cap time.Duration) Backoff {
	return &decorr{base: base, cap: cap, prev: base}
}

func (d *decorr) Do(ctx context.Context) error {
	upper := d.prev * 3
	if upper > d.cap {
		upper = d.cap
	}
	if upper <= d.base {
		upper = d.base + 1
	}
	delta := upper - d.base
	next := d.base + time.Duration(rand.Int63n(int64(delta)))
	d.prev = next

	t := time.NewTimer(next)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}
