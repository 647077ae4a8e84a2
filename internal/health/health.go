// Package health serves liveness and readiness probes for a running hfwd.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nickman/hfwd/internal/forward"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusHealthy indicates the component is healthy.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates the component is functioning but with issues.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the component is not functioning.
	StatusUnhealthy Status = "unhealthy"
)

// DefaultCheckTimeout bounds a readiness run.
const DefaultCheckTimeout = 5 * time.Second

// Check is a function that performs a health check. Returning an error
// created by Degraded marks the check degraded rather than unhealthy.
type Check func(ctx context.Context) error

type degradedError struct{ msg string }

func (e *degradedError) Error() string { return e.msg }

// Degraded returns an error that marks a check as degraded.
func Degraded(format string, args ...interface{}) error {
	return &degradedError{msg: fmt.Sprintf(format, args...)}
}

// CheckResult represents the result of a health check.
type CheckResult struct {
	Name    string        `json:"name"`
	Status  Status        `json:"status"`
	Message string        `json:"message,omitempty"`
	Latency time.Duration `json:"latency"`
}

// Response is the health check response.
type Response struct {
	Status    Status        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Checks    []CheckResult `json:"checks,omitempty"`
}

// Handler provides HTTP health check endpoints.
type Handler struct {
	checks       map[string]Check
	checksMu     sync.RWMutex
	checkTimeout time.Duration
}

// NewHandler creates a handler. A non-positive timeout uses
// DefaultCheckTimeout.
func NewHandler(checkTimeout time.Duration) *Handler {
	if checkTimeout <= 0 {
		checkTimeout = DefaultCheckTimeout
	}
	return &Handler{
		checks:       make(map[string]Check),
		checkTimeout: checkTimeout,
	}
}

// RegisterCheck registers a health check.
func (h *Handler) RegisterCheck(name string, check Check) {
	h.checksMu.Lock()
	defer h.checksMu.Unlock()
	h.checks[name] = check
}

// UnregisterCheck removes a health check.
func (h *Handler) UnregisterCheck(name string) {
	h.checksMu.Lock()
	defer h.checksMu.Unlock()
	delete(h.checks, name)
}

// Healthz reports 200 while the process is serving.
func (h *Handler) Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, http.StatusOK, &Response{
			Status:    StatusHealthy,
			Timestamp: time.Now(),
		})
	}
}

// Readyz runs all registered checks and returns 200 if none is unhealthy,
// 503 otherwise.
func (h *Handler) Readyz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), h.checkTimeout)
		defer cancel()

		response := h.runChecks(ctx)
		code := http.StatusOK
		if response.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeResponse(w, code, response)
	}
}

func writeResponse(w http.ResponseWriter, code int, response *Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(response)
}

// runChecks runs all registered checks concurrently.
func (h *Handler) runChecks(ctx context.Context) *Response {
	h.checksMu.RLock()
	checks := make(map[string]Check, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.checksMu.RUnlock()

	response := &Response{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
	}
	if len(checks) == 0 {
		return response
	}

	results := make([]CheckResult, 0, len(checks))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, check := range checks {
		name, check := name, check
		wg.Add(1)
		go func() {
			defer wg.Done()

			start := time.Now()
			err := check(ctx)
			r := CheckResult{Name: name, Status: StatusHealthy, Latency: time.Since(start)}

			var degraded *degradedError
			switch {
			case errors.As(err, &degraded):
				r.Status = StatusDegraded
				r.Message = err.Error()
			case err != nil:
				r.Status = StatusUnhealthy
				r.Message = err.Error()
			}

			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	response.Checks = results
	for _, r := range results {
		if r.Status == StatusUnhealthy {
			response.Status = StatusUnhealthy
		} else if r.Status == StatusDegraded && response.Status == StatusHealthy {
			response.Status = StatusDegraded
		}
	}
	return response
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/healthz", "/livez":
		h.Healthz()(w, r)
	case "/readyz":
		h.Readyz()(w, r)
	default:
		http.NotFound(w, r)
	}
}

// Mux is satisfied by *http.ServeMux and *metrics.Server.
type Mux interface {
	Handle(pattern string, handler http.Handler)
}

// Mount registers the probe endpoints on mux.
func (h *Handler) Mount(mux Mux) {
	mux.Handle("/healthz", h.Healthz())
	mux.Handle("/livez", h.Healthz())
	mux.Handle("/readyz", h.Readyz())
}

// ForwardsCheck reports whether every forward named by expected is open in
// mgr. Some missing is degraded; all missing is unhealthy.
func ForwardsCheck(mgr *forward.Manager, expected func() []string) Check {
	return func(ctx context.Context) error {
		names := expected()
		if len(names) == 0 {
			return nil
		}

		var missing []string
		for _, name := range names {
			if s, ok := mgr.Lookup(name); !ok || !s.IsOpen() {
				missing = append(missing, name)
			}
		}
		switch {
		case len(missing) == 0:
			return nil
		case len(missing) == len(names):
			return fmt.Errorf("no forwards open (%s)", strings.Join(missing, ", "))
		default:
			return Degraded("%d of %d forwards not open (%s)", len(missing), len(names), strings.Join(missing, ", "))
		}
	}
}
