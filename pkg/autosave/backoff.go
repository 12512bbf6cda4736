package autosave

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/emirkrhan/fable/pkg/clock"
)

// linearBackOff waits n*base before the n-th retry.
type linearBackOff struct {
	base    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.base
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

func newRetryPolicy(base time.Duration, maxRetries int) backoff.BackOff {
	return backoff.WithMaxRetries(&linearBackOff{base: base}, uint64(maxRetries))
}

// clockTimer drives backoff waits from a clock.Clock so retries follow
// virtual time in tests.
type clockTimer struct {
	clock clock.Clock
	timer clock.Timer
	c     chan time.Time
}

func newClockTimer(c clock.Clock) *clockTimer {
	return &clockTimer{clock: c}
}

func (t *clockTimer) Start(d time.Duration) {
	c := make(chan time.Time, 1)
	t.c = c
	t.timer = t.clock.AfterFunc(d, func() {
		c <- t.clock.Now()
	})
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.c
}

var _ backoff.Timer = (*clockTimer)(nil)
