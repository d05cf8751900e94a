package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errSerialization = errors.New("could not serialize access")

// failing returns fn that fails the first n calls with err, and a pointer to
// the call count.
func failing(n int, err error) (func() error, *int) {
	calls := new(int)
	return func() error {
		*calls++
		if *calls <= n {
			return err
		}
		return nil
	}, calls
}

func TestDo(t *testing.T) {
	tests := []struct {
		name      string
		attempts  int
		failures  int
		err       error
		wantErr   error
		wantCalls int
	}{
		{"first call succeeds", 3, 0, nil, nil, 1},
		{"succeeds on last attempt", 3, 2, errSerialization, nil, 3},
		{"attempts exhausted", 3, 10, errSerialization, errSerialization, 3},
		{"zero attempts still calls once", 0, 10, errSerialization, errSerialization, 1},
		{"permanent error stops at once", 5, 10, Permanent(errSerialization), errSerialization, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, calls := failing(tt.failures, tt.err)
			err := Do(context.Background(), Policy{Attempts: tt.attempts, BaseDelay: time.Millisecond}, fn)

			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, tt.wantCalls, *calls)
		})
	}
}

func TestDo_PermanentIsUnwrapped(t *testing.T) {
	err := Do(context.Background(), Policy{Attempts: 2}, func() error {
		return Permanent(errSerialization)
	})
	assert.Same(t, errSerialization, err)
}

func TestDo_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fn, calls := failing(10, errSerialization)

	err := Do(ctx, Policy{Attempts: 5, BaseDelay: time.Hour}, func() error {
		cancel()
		return fn()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, *calls)
}

func TestDo_BackoffDoublesUpToCap(t *testing.T) {
	type retryCall struct {
		attempt int
		wait    time.Duration
	}
	var seen []retryCall
	p := Policy{
		Attempts:  4,
		BaseDelay: 4 * time.Millisecond,
		MaxDelay:  10 * time.Millisecond,
		OnRetry: func(attempt int, _ error, wait time.Duration) {
			seen = append(seen, retryCall{attempt, wait})
		},
	}
	fn, _ := failing(10, errSerialization)
	_ = Do(context.Background(), p, fn)

	require.Len(t, seen, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{seen[0].attempt, seen[1].attempt, seen[2].attempt})
	assert.InDelta(t, 4*time.Millisecond, seen[0].wait, float64(time.Millisecond))
	assert.InDelta(t, 8*time.Millisecond, seen[1].wait, float64(2*time.Millisecond))
	assert.Equal(t, 10*time.Millisecond, seen[2].wait, "16ms is capped")
}

func TestJitterStaysWithinQuarter(t *testing.T) {
	for range 200 {
		d := jitter(100 * time.Millisecond)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
	assert.Equal(t, time.Duration(3), jitter(3), "too small to spread")
}

func TestPermanent(t *testing.T) {
	assert.NoError(t, Permanent(nil))

	var pe *PermanentError
	require.ErrorAs(t, Permanent(errSerialization), &pe)
	assert.ErrorIs(t, pe, errSerialization)
}
