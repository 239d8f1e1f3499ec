package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryLinearBackoff(t *testing.T) {
	sl := &sleepLog{}
	cfg := Config{MaxSendAttempts: 3, RetryBase: time.Second, Sleep: sl.sleep}
	calls := 0
	var failed []int

	err := retry(context.Background(), cfg, func(context.Context) error {
		calls++
		return errors.New("nope")
	}, func(attempt int, _ error) { failed = append(failed, attempt) })

	require.EqualError(t, err, "nope")
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2, 3}, failed)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, sl.list())
}

func TestRetryStopsOnSuccess(t *testing.T) {
	sl := &sleepLog{}
	cfg := Config{MaxSendAttempts: 3, RetryBase: time.Second, Sleep: sl.sleep}
	calls := 0

	err := retry(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{time.Second}, sl.list())
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxSendAttempts: 3, RetryBase: time.Hour, Sleep: sleepContext}
	calls := 0

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := retry(ctx, cfg, func(context.Context) error {
		calls++
		return errors.New("down")
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestQueuePreservesOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := newQueue[int]()
	got := make(chan int, 100)
	go q.run(ctx, func(v int) { got <- v })

	for i := 0; i < 100; i++ {
		q.push(i)
	}
	for i := 0; i < 100; i++ {
		assert.Equal(t, i, <-got)
	}
}
