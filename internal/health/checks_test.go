package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/txguard/internal/circuitbreaker"
	"github.com/stretchr/testify/assert"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestPingCheck(t *testing.T) {
	ok := PingCheck("postgres", pingFunc(func(context.Context) error { return nil }), time.Second)
	st := ok(context.Background())
	assert.True(t, st.Healthy)
	assert.Equal(t, "postgres", st.Name)

	down := PingCheck("postgres", pingFunc(func(context.Context) error { return errors.New("connection refused") }), time.Second)
	st = down(context.Background())
	assert.False(t, st.Healthy)
	assert.Equal(t, "connection refused", st.Detail)
}

func TestPingCheck_Timeout(t *testing.T) {
	slow := PingCheck("bolt", pingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}), 10*time.Millisecond)

	st := slow(context.Background())
	assert.False(t, st.Healthy)
	assert.Contains(t, st.Detail, "deadline exceeded")
}

func TestBreakerCheck(t *testing.T) {
	state := circuitbreaker.StateClosed
	check := BreakerCheck("history", func() circuitbreaker.State { return state })

	assert.True(t, check(context.Background()).Healthy)

	state = circuitbreaker.StateHalfOpen
	assert.True(t, check(context.Background()).Healthy)

	state = circuitbreaker.StateOpen
	st := check(context.Background())
	assert.False(t, st.Healthy)
	assert.Equal(t, circuitbreaker.StateOpen.String(), st.Detail)
}
