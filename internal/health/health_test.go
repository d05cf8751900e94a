package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/txguard/internal/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy(context.Context) Status { return Status{Healthy: true} }

func TestRegistry_EmptyIsHealthy(t *testing.T) {
	report := NewRegistry().CheckAll(context.Background())
	assert.True(t, report.Healthy)
	assert.Empty(t, report.Checks)
}

func TestRegistry_StoreDownDegrades(t *testing.T) {
	r := NewRegistry()
	r.Register("store", PingCheck("store", pingFunc(func(context.Context) error {
		return errors.New("connection refused")
	}), time.Second))
	r.Register("history_breaker", BreakerCheck("history_breaker", func() circuitbreaker.State {
		return circuitbreaker.StateClosed
	}))

	report := r.CheckAll(context.Background())
	assert.False(t, report.Healthy)
	require.Len(t, report.Checks, 2)
	assert.Equal(t, "store", report.Checks[0].Name)
	assert.Equal(t, "connection refused", report.Checks[0].Detail)
	assert.True(t, report.Checks[1].Healthy)
}

func TestRegistry_NamesComeFromRegistration(t *testing.T) {
	r := NewRegistry()
	r.Register("store", func(context.Context) Status {
		return Status{Name: "something else", Healthy: true}
	})

	report := r.CheckAll(context.Background())
	require.Len(t, report.Checks, 1)
	assert.Equal(t, "store", report.Checks[0].Name)
}

func TestRegistry_ReRegisterReplacesInPlace(t *testing.T) {
	r := NewRegistry()
	r.Register("store", healthy)
	r.Register("history_breaker", healthy)
	r.Register("store", func(context.Context) Status { return Status{Detail: "closed"} })

	report := r.CheckAll(context.Background())
	require.Len(t, report.Checks, 2)
	assert.Equal(t, "store", report.Checks[0].Name)
	assert.Equal(t, "closed", report.Checks[0].Detail)
	assert.False(t, report.Healthy)
}

func TestRegistry_ChecksRunConcurrently(t *testing.T) {
	r := NewRegistry()

	// Each check waits for the other; run one at a time they would deadlock.
	var started sync.WaitGroup
	started.Add(2)
	barrier := func(context.Context) Status {
		started.Done()
		started.Wait()
		time.Sleep(5 * time.Millisecond)
		return Status{Healthy: true}
	}
	r.Register("store", barrier)
	r.Register("history_breaker", barrier)

	done := make(chan Report, 1)
	go func() { done <- r.CheckAll(context.Background()) }()

	select {
	case report := <-done:
		assert.True(t, report.Healthy)
		for _, st := range report.Checks {
			assert.GreaterOrEqual(t, st.LatencyMS, int64(5), st.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("checks did not run concurrently")
	}
}

func TestRegistry_RegisterWhileChecking(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("check"+string(rune('a'+i)), healthy)
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(ctx)
		}()
	}
	wg.Wait()

	assert.Len(t, r.CheckAll(ctx).Checks, 20)
}
