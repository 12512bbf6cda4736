package autosave

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emirkrhan/fable/pkg/clock"
)

func TestRetryPolicy_Linear(t *testing.T) {
	p := newRetryPolicy(time.Second, 2)
	p.Reset()
	assert.Equal(t, time.Second, p.NextBackOff())
	assert.Equal(t, 2*time.Second, p.NextBackOff())
	assert.Equal(t, backoff.Stop, p.NextBackOff())

	p.Reset()
	assert.Equal(t, time.Second, p.NextBackOff())

	assert.Equal(t, backoff.Stop, newRetryPolicy(time.Second, 0).NextBackOff())
}

func TestClockTimer(t *testing.T) {
	mock := clock.NewMock(time.Unix(0, 0))
	timer := newClockTimer(mock)

	timer.Start(time.Second)
	select {
	case <-timer.C():
		t.Fatal("fired early")
	default:
	}

	mock.Advance(time.Second)
	select {
	case at := <-timer.C():
		assert.Equal(t, time.Unix(1, 0), at)
	default:
		t.Fatal("did not fire")
	}

	timer.Start(time.Second)
	timer.Stop()
	mock.Advance(time.Minute)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
	require.Zero(t, mock.Pending())
}

func TestIsPermanent(t *testing.T) {
	assert.False(t, IsPermanent(nil))
	assert.False(t, IsPermanent(assert.AnError))
	assert.True(t, IsPermanent(backoff.Permanent(assert.AnError)))
	assert.True(t, IsPermanent(ErrPayloadTooLarge))
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "idle", StatusIdle.String())
	assert.Equal(t, "saving", StatusSaving.String())
	assert.Equal(t, "saved", StatusSaved.String())
	assert.Equal(t, "error", StatusError.String())
	assert.Equal(t, "unknown", Status(42).String())
}
