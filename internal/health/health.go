// Package health runs the named probes behind /health and /health/ready.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultTimeout bounds each probe so a hung dependency cannot stall readiness.
const DefaultTimeout = 2 * time.Second

// Status is the result of one probe.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Critical  bool   `json:"critical"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Checker probes one subsystem. The registry fills in Name, Critical and
// LatencyMS.
type Checker func(ctx context.Context) Status

// Registry holds named probes. A failing critical probe makes the service
// unready; optional probes are reported only.
type Registry struct {
	mu      sync.RWMutex
	probes  []probe
	timeout time.Duration
}

type probe struct {
	name     string
	check    Checker
	critical bool
}

// NewRegistry creates a registry using DefaultTimeout.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout overrides the per-probe deadline.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a critical probe.
func (r *Registry) Register(name string, check Checker) {
	r.add(probe{name: name, check: check, critical: true})
}

// RegisterOptional adds a probe whose failure is reported but does not make
// the service unhealthy.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(probe{name: name, check: check})
}

func (r *Registry) add(p probe) {
	r.mu.Lock()
	r.probes = append(r.probes, p)
	r.mu.Unlock()
}

// CheckAll runs every probe concurrently. Statuses come back in registration
// order; healthy is false if any critical probe failed.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	probes := make([]probe, len(r.probes))
	copy(probes, r.probes)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses = make([]Status, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = run(ctx, p, timeout)
		}()
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if st.Critical && !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func run(ctx context.Context, p probe, timeout time.Duration) (st Status) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			st = Status{Healthy: false, Detail: "probe panicked"}
		}
		st.Name = p.name
		st.Critical = p.critical
		st.LatencyMS = time.Since(start).Milliseconds()
	}()
	return p.check(ctx)
}
