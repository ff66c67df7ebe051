package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errFlaky = errors.New("flaky")
	errFatal = errors.New("fatal")
	errSlow  = errors.New("slow down")
	errBrief = errors.New("retry in a moment")
)

func classify(err error) (bool, time.Duration) {
	switch {
	case errors.Is(err, errFatal):
		return false, 0
	case errors.Is(err, errSlow):
		return true, time.Hour
	case errors.Is(err, errBrief):
		return true, 20 * time.Millisecond
	}
	return true, 0
}

func fastPolicy(tries int) Policy {
	return Policy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2, MaxTries: tries, MaxRateLimitWait: time.Second}
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	var notified int
	v, err := Do(context.Background(), fastPolicy(5), classify, func(error, time.Duration) { notified++ }, func() (string, error) {
		calls++
		if calls < 3 {
			return "", errFlaky
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, notified)
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(5), classify, nil, func() (int, error) {
		calls++
		return 0, errFatal
	})

	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)
}

func TestDoReturnsLastErrorWhenTriesExhausted(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(2), classify, nil, func() (int, error) {
		calls++
		return 0, errFlaky
	})

	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 2, calls)
}

func TestDoDoesNotSleepThroughLongRateLimit(t *testing.T) {
	start := time.Now()
	calls := 0
	_, err := Do(context.Background(), fastPolicy(5), classify, nil, func() (int, error) {
		calls++
		return 0, errSlow
	})

	assert.ErrorIs(t, err, errSlow)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDoRateLimitWaitsDoNotUseTries(t *testing.T) {
	calls := 0
	var waits []time.Duration
	v, err := Do(context.Background(), fastPolicy(2), classify, func(_ error, next time.Duration) { waits = append(waits, next) }, func() (string, error) {
		calls++
		switch {
		case calls <= 3:
			return "", errBrief
		case calls == 4:
			return "", errFlaky
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 5, calls)
	require.Len(t, waits, 4)
	assert.Equal(t, 20*time.Millisecond, waits[0])
}

func TestDoCapsTotalRateLimitWait(t *testing.T) {
	p := fastPolicy(5)
	p.MaxRateLimitWait = 50 * time.Millisecond
	calls := 0
	_, err := Do(context.Background(), p, classify, nil, func() (int, error) {
		calls++
		return 0, errBrief
	})

	assert.ErrorIs(t, err, errBrief)
	assert.Equal(t, 3, calls)
}

func TestDelay(t *testing.T) {
	assert.Equal(t, 30*time.Second, Delay(30*time.Second, time.Hour, 1))
	assert.Equal(t, 60*time.Second, Delay(30*time.Second, time.Hour, 2))
	assert.Equal(t, 120*time.Second, Delay(30*time.Second, time.Hour, 3))
	assert.Equal(t, time.Hour, Delay(30*time.Second, time.Hour, 20))
	assert.Equal(t, 30*time.Second, Delay(30*time.Second, 0, 0))
}
