// Package health aggregates named subsystem checks for the /health endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the health of one subsystem.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Checker inspects one subsystem.
type Checker func(ctx context.Context) Status

// Report is the outcome of running every registered check.
type Report struct {
	Healthy bool     `json:"healthy"`
	Checks  []Status `json:"checks"`
}

// Registry holds named checkers in registration order.
type Registry struct {
	mu     sync.RWMutex
	names  []string
	checks map[string]Checker
}

// NewRegistry creates an empty registry. An empty registry is healthy.
func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Checker)}
}

// Register adds a checker. Registering a name again replaces its checker
// and keeps its position.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.checks[name]; !ok {
		r.names = append(r.names, name)
	}
	r.checks[name] = check
}

// CheckAll runs every checker concurrently. Checks are reported in
// registration order, each named after its registration and timed.
func (r *Registry) CheckAll(ctx context.Context) Report {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	checks := make([]Checker, len(names))
	for i, name := range names {
		checks[i] = r.checks[name]
	}
	r.mu.RUnlock()

	report := Report{Healthy: true, Checks: make([]Status, len(names))}

	var wg sync.WaitGroup
	for i := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			st := checks[i](ctx)
			st.Name = names[i]
			st.LatencyMS = time.Since(start).Milliseconds()
			report.Checks[i] = st
		}()
	}
	wg.Wait()

	for _, st := range report.Checks {
		if !st.Healthy {
			report.Healthy = false
		}
	}
	return report
}
