package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type HealthChecker interface {
	Ping(ctx context.Context) error
}

// CheckFunc adapts a function to HealthChecker.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// CachedChecker remembers the last result of an expensive check for ttl so
// frequent readiness probes do not turn into provider traffic.
type CachedChecker struct {
	checker HealthChecker
	cache   *gocache.Cache
	mu      sync.Mutex
}

const cachedResultKey = "result"

func NewCachedChecker(checker HealthChecker, ttl time.Duration) *CachedChecker {
	return &CachedChecker{
		checker: checker,
		cache:   gocache.New(ttl, 2*ttl),
	}
}

type cachedResult struct {
	err error
}

func (c *CachedChecker) Ping(ctx context.Context) error {
	if v, ok := c.cache.Get(cachedResultKey); ok {
		return v.(cachedResult).err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.cache.Get(cachedResultKey); ok {
		return v.(cachedResult).err
	}
	err := c.checker.Ping(ctx)
	c.cache.SetDefault(cachedResultKey, cachedResult{err: err})
	return err
}

// Invalidate drops the cached result.
func (c *CachedChecker) Invalidate() {
	c.cache.Delete(cachedResultKey)
}

type HealthHandler struct {
	checks map[string]HealthChecker
	ready  atomic.Bool
}

// NewHealthHandler creates a handler whose readiness depends on every named
// check. Nil checkers are skipped.
func NewHealthHandler(checks map[string]HealthChecker) *HealthHandler {
	h := &HealthHandler{checks: make(map[string]HealthChecker)}
	for name, c := range checks {
		if c != nil {
			h.checks[name] = c
		}
	}
	h.ready.Store(false)
	return h
}

func (h *HealthHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	checks := make(map[string]string)
	allHealthy := true

	if !h.ready.Load() {
		checks["app"] = "not ready"
		allHealthy = false
	} else {
		checks["app"] = "ok"
	}

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := h.checks[name].Ping(r.Context()); err != nil {
			checks[name] = err.Error()
			allHealthy = false
		} else {
			checks[name] = "ok"
		}
	}

	status := "ok"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ReadyResponse{
		Status: status,
		Checks: checks,
	})
}
