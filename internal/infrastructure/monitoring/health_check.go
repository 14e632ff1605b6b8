package monitoring

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

type HealthChecker struct {
	checks []HealthCheck
	mu     sync.RWMutex

	// last holds the result of background runs, keyed by check name.
	last map[string]checkResult
}

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

type checkResult struct {
	err error
	at  time.Time
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		last: make(map[string]checkResult),
	}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error, interval, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks = append(h.checks, HealthCheck{
		Name:     name,
		Check:    check,
		Interval: interval,
		Timeout:  timeout,
	})
}

// CheckAll runs every check now.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	results := make(map[string]checkResult, len(checks))
	for _, check := range checks {
		results[check.Name] = checkResult{err: runCheck(ctx, check), at: time.Now()}
	}

	h.mu.Lock()
	for name, r := range results {
		h.last[name] = r
	}
	h.mu.Unlock()

	return summarize(results)
}

// Status reports the latest background results without running checks.
// Checks that have not run yet count as unhealthy.
func (h *HealthChecker) Status() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	results := make(map[string]checkResult, len(h.checks))
	for _, check := range h.checks {
		r, ok := h.last[check.Name]
		if !ok {
			r = checkResult{err: errNotChecked}
		}
		results[check.Name] = r
	}
	return summarize(results)
}

func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}

func (h *HealthChecker) StartBackgroundChecks(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, check := range h.checks {
		go h.runCheckPeriodically(ctx, check)
	}
}

func (h *HealthChecker) runCheckPeriodically(ctx context.Context, check HealthCheck) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	for {
		err := runCheck(ctx, check)
		h.mu.Lock()
		h.last[check.Name] = checkResult{err: err, at: time.Now()}
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runCheck(ctx context.Context, check HealthCheck) error {
	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()
	return check.Check(ctx)
}

func summarize(results map[string]checkResult) HealthStatus {
	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(results)),
	}

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := results[name].err; err != nil {
			status.Status = StatusUnhealthy
			status.Checks[name] = err.Error()
			continue
		}
		status.Checks[name] = StatusHealthy
	}
	return status
}
