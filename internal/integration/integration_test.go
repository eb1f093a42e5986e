package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/DimaBagZ/portfol-bagz-sub000/internal/api"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/clock"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/config"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/delivery"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/domain"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/fallback"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/observability"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/redelivery"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/repository/postgres"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/resilience"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/retry"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/telegram/telegramtest"
)

const testToken = "123456:integration"

type testEnv struct {
	pgContainer    *tcpostgres.PostgresContainer
	redisContainer *tcredis.RedisContainer
	pool           *pgxpool.Pool
	redisClient    *redis.Client
	repo           *postgres.DeadLetterRepository
	logger         *slog.Logger
	ctx            context.Context
	cancel         context.CancelFunc
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)

	// Start PostgreSQL container
	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("contact_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		cancel()
		t.Fatalf("failed to start postgres container: %v", err)
	}

	// Start Redis container
	redisContainer, err := tcredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		cancel()
		t.Fatalf("failed to start redis container: %v", err)
	}

	env := &testEnv{
		pgContainer:    pgContainer,
		redisContainer: redisContainer,
		logger:         slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})),
		ctx:            ctx,
		cancel:         cancel,
	}

	pgConnStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		env.teardown(t)
		t.Fatalf("failed to get postgres connection string: %v", err)
	}

	env.pool, err = pgxpool.New(ctx, pgConnStr)
	if err != nil {
		env.teardown(t)
		t.Fatalf("failed to connect to postgres: %v", err)
	}

	if err := postgres.Migrate(ctx, env.pool); err != nil {
		env.teardown(t)
		t.Fatalf("failed to run migrations: %v", err)
	}
	env.repo = postgres.NewDeadLetterRepository(env.pool)

	redisConnStr, err := redisContainer.ConnectionString(ctx)
	if err != nil {
		env.teardown(t)
		t.Fatalf("failed to get redis connection string: %v", err)
	}

	redisCfg := resilience.DefaultRedisConfig()
	redisCfg.URL = redisConnStr
	env.redisClient, err = resilience.NewRedisClient(redisCfg)
	if err != nil {
		env.teardown(t)
		t.Fatalf("failed to create redis client: %v", err)
	}

	return env
}

func (e *testEnv) teardown(t *testing.T) {
	t.Helper()
	if e.pool != nil {
		e.pool.Close()
	}
	if e.redisClient != nil {
		e.redisClient.Close()
	}
	_ = e.redisContainer.Terminate(e.ctx)
	_ = e.pgContainer.Terminate(e.ctx)
	e.cancel()
}

// newService builds a delivery service against apiURL with fast retries.
func (e *testEnv) newService(apiURL string, metrics *observability.Metrics) *delivery.Service {
	cfg := &config.Config{
		Delivery: config.Delivery{
			BotToken:   testToken,
			ChatID:     "1001",
			ParseMode:  "Markdown",
			APIBaseURL: apiURL,
		},
		Retry: retry.Policy{
			MaxRetries: 2,
			BaseDelay:  10 * time.Millisecond,
			MaxDelay:   50 * time.Millisecond,
			Multiplier: 2,
		},
		Provider: config.Provider{
			SendTimeout:  2 * time.Second,
			CheckTimeout: 2 * time.Second,
		},
	}
	return delivery.Build(cfg, metrics, e.logger)
}

func newMetrics() *observability.Metrics {
	// Unique namespace per test keeps registrations independent.
	ns := fmt.Sprintf("contact_test_%d", rand.Int63())
	return observability.NewMetricsWithRegistry(ns, prometheus.NewRegistry())
}

func submission() map[string]any {
	return map[string]any{
		"action": "send",
		"data": map[string]string{
			"name":    "Integration Tester",
			"email":   "tester@example.com",
			"subject": "Project inquiry",
			"message": "Hello, I would like to discuss a *new* project with you.",
		},
	}
}

func postContact(t *testing.T, handler http.Handler, body any, clientIP string) (*httptest.ResponseRecorder, api.Response) {
	t.Helper()
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/api/contact", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", clientIP)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var resp api.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response %q: %v", rec.Body.String(), err)
	}
	return rec, resp
}

// TestEndToEndDelivery sends a submission through the HTTP boundary and
// checks the escaped message reaches the provider.
func TestEndToEndDelivery(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	defer env.teardown(t)

	fake := telegramtest.NewServer(testToken, telegramtest.Options{FailFirst: 1})
	provider := httptest.NewServer(fake)
	defer provider.Close()

	metrics := newMetrics()
	limiter := resilience.NewRedisRateLimiter(env.redisClient, resilience.DefaultSlidingWindowConfig(), nil, env.logger)
	handler := api.NewHandler(env.newService(provider.URL, metrics), limiter, env.logger).WithMetrics(metrics)
	router := api.NewRouter(api.RouterConfig{Handler: handler, Metrics: metrics, Logger: env.logger})

	rec, resp := postContact(t, router, submission(), "203.0.113.10")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}

	received := fake.Received()
	if len(received) != 1 {
		t.Fatalf("expected 1 message at the provider, got %d", len(received))
	}
	if received[0].ChatID != "1001" || received[0].ParseMode != "Markdown" {
		t.Errorf("unexpected request: %+v", received[0])
	}
	if !bytes.Contains([]byte(received[0].Text), []byte(`\*new\*`)) {
		t.Errorf("expected markup in the message to be escaped, got %q", received[0].Text)
	}
	if fake.Calls() != 2 {
		t.Errorf("expected one retry after the first 502, got %d calls", fake.Calls())
	}
}

// TestEndToEndFallbackAndRedelivery covers the failure path: the provider is
// unreachable, the submission is kept in the dead-letter store, and the
// poller delivers it once the provider is back.
func TestEndToEndFallbackAndRedelivery(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	defer env.teardown(t)

	// A closed server gives connection refused.
	down := httptest.NewServer(http.NotFoundHandler())
	downURL := down.URL
	down.Close()

	metrics := newMetrics()
	limiter := resilience.NewRedisRateLimiter(env.redisClient, resilience.DefaultSlidingWindowConfig(), nil, env.logger)
	dispatcher := fallback.NewDispatcher(
		[]fallback.Channel{fallback.NewStoreChannel(env.repo, 3)},
		fallback.WithLogger(env.logger),
		fallback.WithMetrics(metrics),
		fallback.WithIDGenerator(func() string { return "dl_integration" }),
	)
	handler := api.NewHandler(env.newService(downURL, metrics), limiter, env.logger).
		WithMetrics(metrics).
		WithFallback(dispatcher, "owner@example.com")
	router := api.NewRouter(api.RouterConfig{Handler: handler, Logger: env.logger})

	rec, resp := postContact(t, router, submission(), "203.0.113.20")

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp.Code != string(domain.CodeNetworkUnreachable) {
		t.Errorf("expected NETWORK_UNREACHABLE, got %s", resp.Code)
	}

	dl, err := env.repo.GetByID(env.ctx, "dl_integration")
	if err != nil {
		t.Fatalf("expected dead letter to be stored: %v", err)
	}
	if dl.Status != domain.DeadLetterStatusPending || dl.Attempts != 1 {
		t.Errorf("unexpected dead letter: status=%s attempts=%d", dl.Status, dl.Attempts)
	}
	if dl.Submission.Email != "tester@example.com" {
		t.Errorf("unexpected stored submission: %+v", dl.Submission)
	}

	// Provider recovers.
	fake := telegramtest.NewServer(testToken, telegramtest.Options{})
	provider := httptest.NewServer(fake)
	defer provider.Close()

	poller := redelivery.NewPoller(env.repo, env.newService(provider.URL, metrics),
		redelivery.DefaultConfig(), clock.RealClock{}, env.logger).WithMetrics(metrics)

	if n := poller.Poll(env.ctx); n != 1 {
		t.Fatalf("expected 1 dead letter processed, got %d", n)
	}

	dl, err = env.repo.GetByID(env.ctx, "dl_integration")
	if err != nil {
		t.Fatalf("failed to reload dead letter: %v", err)
	}
	if dl.Status != domain.DeadLetterStatusDelivered {
		t.Errorf("expected delivered, got %s", dl.Status)
	}
	if dl.DeliveredAt == nil {
		t.Error("expected delivered_at to be set")
	}
	if len(fake.Received()) != 1 {
		t.Errorf("expected the provider to receive the redelivered message, got %d", len(fake.Received()))
	}

	if n := poller.Poll(env.ctx); n != 0 {
		t.Errorf("delivered letters must not be claimed again, got %d", n)
	}
}

// TestDeadLetterRepository_ClaimSkipsLocked checks two concurrent claims never
// return the same row.
func TestDeadLetterRepository_ClaimSkipsLocked(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	defer env.teardown(t)

	now := time.Now().Add(-time.Second)
	for i := 0; i < 10; i++ {
		dl := domain.NewDeadLetter(fmt.Sprintf("dl_%02d", i), domain.Submission{
			Name: "Ann", Email: "ann@example.com", Subject: "Hello", Message: "long enough message",
		}, domain.Failed(domain.CodeTimeout, "service temporarily unavailable"), 5, now)
		if err := env.repo.Create(env.ctx, dl); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	type result struct {
		ids []string
		err error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			claimed, err := env.repo.ClaimDue(env.ctx, 10)
			var ids []string
			for _, dl := range claimed {
				ids = append(ids, dl.ID)
			}
			results <- result{ids: ids, err: err}
		}()
	}

	seen := make(map[string]bool)
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("claim: %v", r.err)
		}
		for _, id := range r.ids {
			if seen[id] {
				t.Errorf("dead letter %s claimed twice", id)
			}
			seen[id] = true
		}
	}
	if len(seen) != 10 {
		t.Errorf("expected all 10 dead letters claimed, got %d", len(seen))
	}

	// Claimed rows are processing and are not due any more.
	again, err := env.repo.ClaimDue(env.ctx, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected nothing left to claim, got %d", len(again))
	}

	// Missing rows are reported as not found.
	missing := domain.NewDeadLetter("dl_missing", domain.Submission{}, domain.Failed(domain.CodeTimeout, ""), 5, now)
	if err := env.repo.UpdateStatus(env.ctx, missing); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestDeadLetterRepository_ReclaimsStaleClaims checks a row stuck in
// processing past the claim lease is handed out again.
func TestDeadLetterRepository_ReclaimsStaleClaims(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	defer env.teardown(t)

	now := time.Now().Add(-time.Second)
	for _, id := range []string{"dl_stale", "dl_fresh"} {
		dl := domain.NewDeadLetter(id, domain.Submission{
			Name: "Ann", Email: "ann@example.com", Subject: "Hello", Message: "long enough message",
		}, domain.Failed(domain.CodeTimeout, "service temporarily unavailable"), 5, now)
		if err := env.repo.Create(env.ctx, dl); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	repo := postgres.NewDeadLetterRepository(env.pool).WithClaimLease(time.Minute)
	claimed, err := repo.ClaimDue(env.ctx, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 claimed, got %d", len(claimed))
	}

	// A worker that died mid-batch leaves its claim behind.
	if _, err := env.pool.Exec(env.ctx,
		`UPDATE dead_letters SET updated_at = NOW() - INTERVAL '2 minutes' WHERE id = 'dl_stale'`); err != nil {
		t.Fatalf("age claim: %v", err)
	}

	again, err := repo.ClaimDue(env.ctx, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(again) != 1 || again[0].ID != "dl_stale" {
		var ids []string
		for _, dl := range again {
			ids = append(ids, dl.ID)
		}
		t.Fatalf("expected only dl_stale to be reclaimed, got %v", ids)
	}
	if again[0].Status != domain.DeadLetterStatusProcessing {
		t.Errorf("expected processing, got %s", again[0].Status)
	}
	if again[0].Attempts != 1 {
		t.Errorf("reclaim should not count an attempt, got %d", again[0].Attempts)
	}
}

// TestEndToEndRateLimiting checks the Redis-backed limiter admits ten
// requests per client per window and rejects the rest with Retry-After.
func TestEndToEndRateLimiting(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	defer env.teardown(t)

	fake := telegramtest.NewServer(testToken, telegramtest.Options{})
	provider := httptest.NewServer(fake)
	defer provider.Close()

	limiter := resilience.NewRedisRateLimiter(env.redisClient, resilience.DefaultSlidingWindowConfig(), nil, env.logger)
	handler := api.NewHandler(env.newService(provider.URL, nil), limiter, env.logger)
	router := api.NewRouter(api.RouterConfig{Handler: handler})

	for i := 0; i < 10; i++ {
		rec, _ := postContact(t, router, submission(), "198.51.100.5")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d: %s", i+1, rec.Code, rec.Body.String())
		}
	}

	rec, resp := postContact(t, router, submission(), "198.51.100.5")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if resp.RetryAfter < 1 || resp.RetryAfter > 60 {
		t.Errorf("expected retryAfter within the window, got %d", resp.RetryAfter)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if len(fake.Received()) != 10 {
		t.Errorf("expected exactly 10 messages delivered, got %d", len(fake.Received()))
	}

	// Another client has its own window.
	rec, _ = postContact(t, router, submission(), "198.51.100.6")
	if rec.Code != http.StatusOK {
		t.Errorf("expected other client to be admitted, got %d", rec.Code)
	}
}
