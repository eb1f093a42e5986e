package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type mockDB struct {
	pingErr error
}

func (m *mockDB) Ping(ctx context.Context) error {
	return m.pingErr
}

func TestHealthHandler_Health(t *testing.T) {
	h := NewHealthHandler(map[string]HealthChecker{"database": &mockDB{}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.Health(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Status != "ok" {
		t.Errorf("expected status 'ok', got %q", resp.Status)
	}
}

func TestHealthHandler_Ready_AllHealthy(t *testing.T) {
	h := NewHealthHandler(map[string]HealthChecker{"database": &mockDB{}})
	h.SetReady(true)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()

	h.Ready(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var resp ReadyResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Status != "ok" {
		t.Errorf("expected status 'ok', got %q", resp.Status)
	}

	if resp.Checks["app"] != "ok" {
		t.Errorf("expected app check 'ok', got %q", resp.Checks["app"])
	}

	if resp.Checks["database"] != "ok" {
		t.Errorf("expected database check 'ok', got %q", resp.Checks["database"])
	}
}

func TestHealthHandler_Ready_NotReady(t *testing.T) {
	h := NewHealthHandler(map[string]HealthChecker{"database": &mockDB{}})
	h.SetReady(false)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()

	h.Ready(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}

	var resp ReadyResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Status != "degraded" {
		t.Errorf("expected status 'degraded', got %q", resp.Status)
	}
}

func TestHealthHandler_Ready_DatabaseDown(t *testing.T) {
	h := NewHealthHandler(map[string]HealthChecker{"database": &mockDB{pingErr: errors.New("connection refused")}})
	h.SetReady(true)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()

	h.Ready(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}

	var resp ReadyResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Status != "degraded" {
		t.Errorf("expected status 'degraded', got %q", resp.Status)
	}

	if resp.Checks["database"] != "connection refused" {
		t.Errorf("expected database check error, got %q", resp.Checks["database"])
	}
}

func TestHealthHandler_Ready_ProviderDown(t *testing.T) {
	h := NewHealthHandler(map[string]HealthChecker{
		"database": &mockDB{},
		"provider": CheckFunc(func(ctx context.Context) error { return errors.New("TIMEOUT: service temporarily unavailable") }),
		"skipped":  nil,
	})
	h.SetReady(true)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()

	h.Ready(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}

	var resp ReadyResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Checks["database"] != "ok" {
		t.Errorf("expected database ok, got %q", resp.Checks["database"])
	}
	if resp.Checks["provider"] == "ok" {
		t.Error("expected provider check to fail")
	}
	if _, ok := resp.Checks["skipped"]; ok {
		t.Error("nil checkers should not be reported")
	}
}

func TestCachedChecker(t *testing.T) {
	var calls atomic.Int32
	checker := NewCachedChecker(CheckFunc(func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("down")
	}), time.Minute)

	for i := 0; i < 5; i++ {
		if err := checker.Ping(context.Background()); err == nil {
			t.Fatal("expected cached error")
		}
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 underlying call, got %d", calls.Load())
	}

	checker.Invalidate()
	_ = checker.Ping(context.Background())
	if calls.Load() != 2 {
		t.Errorf("expected 2 underlying calls after invalidate, got %d", calls.Load())
	}
}
