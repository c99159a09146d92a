package invoke

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrProviderBusy means the per-provider concurrency limit was reached and
// the request exhausted its queue wait.
var ErrProviderBusy = errors.New("invoke: provider busy")

// limiter bounds in-flight generations per provider so local backends with
// finite compute are not overwhelmed. Requests beyond the limit queue up to
// maxWait, then fail rather than waiting indefinitely.
type limiter struct {
	slots   chan struct{}
	maxWait time.Duration
}

func newLimiter(maxInflight int, maxWait time.Duration) *limiter {
	if maxInflight <= 0 {
		return nil // unlimited
	}
	return &limiter{slots: make(chan struct{}, maxInflight), maxWait: maxWait}
}

func (l *limiter) acquire(ctx context.Context) (release func(), err error) {
	if l == nil {
		return func() {}, nil
	}
	var timeout <-chan time.Time
	if l.maxWait > 0 {
		timer := time.NewTimer(l.maxWait)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case l.slots <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-l.slots }) }, nil
	case <-timeout:
		return nil, ErrProviderBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
