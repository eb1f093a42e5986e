package resilience

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/DimaBagZ/portfol-bagz-sub000/internal/clock"
)

// SlidingWindowConfig defines the admission window.
//
// MaxRequests requests are admitted per client within any trailing Window.
// SweepInterval controls how often idle clients are evicted from memory.
type SlidingWindowConfig struct {
	MaxRequests   int
	Window        time.Duration
	SweepInterval time.Duration
}

func DefaultSlidingWindowConfig() SlidingWindowConfig {
	return SlidingWindowConfig{
		MaxRequests:   10,
		Window:        60 * time.Second,
		SweepInterval: 5 * time.Minute,
	}
}

// SlidingWindowLimiter keeps, per client, the timestamps of admitted requests
// that are still inside the window. State is process-local: separate instances
// of the service keep independent counters.
type SlidingWindowLimiter struct {
	config SlidingWindowConfig
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	hits  map[string][]time.Time
	stop  chan struct{}
	done  chan struct{}
	state sync.Mutex
}

func NewSlidingWindowLimiter(config SlidingWindowConfig, clk clock.Clock, logger *slog.Logger) *SlidingWindowLimiter {
	if config.MaxRequests <= 0 {
		config.MaxRequests = 10
	}
	if config.Window <= 0 {
		config.Window = 60 * time.Second
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 5 * time.Minute
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SlidingWindowLimiter{
		config: config,
		clock:  clk,
		logger: logger,
		hits:   make(map[string][]time.Time),
	}
}

// prune drops timestamps at or before now-window. Callers hold l.mu.
func (l *SlidingWindowLimiter) prune(id string, now time.Time) []time.Time {
	stamps := l.hits[id]
	cutoff := now.Add(-l.config.Window)
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		stamps = stamps[i:]
		if len(stamps) == 0 {
			delete(l.hits, id)
			return nil
		}
		l.hits[id] = stamps
	}
	return stamps
}

// Allow records a hit and returns true if the client is under its limit.
// A denied request is not recorded.
func (l *SlidingWindowLimiter) Allow(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	stamps := l.prune(id, now)
	if len(stamps) >= l.config.MaxRequests {
		return false
	}
	l.hits[id] = append(stamps, now)
	return true
}

// Remaining returns how many more requests the client may make right now.
func (l *SlidingWindowLimiter) Remaining(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.config.MaxRequests - len(l.valid(id, l.clock.Now()))
	if n < 0 {
		return 0
	}
	return n
}

// ResetTime returns how long until the oldest recorded hit leaves the window,
// or zero if the client has no hits inside it.
func (l *SlidingWindowLimiter) ResetTime(id string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	stamps := l.valid(id, now)
	if len(stamps) == 0 {
		return 0
	}
	return stamps[0].Add(l.config.Window).Sub(now)
}

// valid returns the in-window suffix without mutating state. Callers hold l.mu.
func (l *SlidingWindowLimiter) valid(id string, now time.Time) []time.Time {
	stamps := l.hits[id]
	cutoff := now.Add(-l.config.Window)
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	return stamps[i:]
}

func (l *SlidingWindowLimiter) Reset(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.hits, id)
}

func (l *SlidingWindowLimiter) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hits = make(map[string][]time.Time)
}

// Tracked returns the number of clients currently held in memory.
func (l *SlidingWindowLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}

// Sweep prunes every client and evicts those left with no hits.
// It returns the number of evicted clients.
func (l *SlidingWindowLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	evicted := 0
	for id := range l.hits {
		if l.prune(id, now) == nil {
			evicted++
		}
	}
	return evicted
}

// Admit implements RateLimiter. The check and the reported counters are taken
// under one lock so concurrent callers see a consistent view.
func (l *SlidingWindowLimiter) Admit(ctx context.Context, clientID string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	stamps := l.prune(clientID, now)
	allowed := len(stamps) < l.config.MaxRequests
	if allowed {
		stamps = append(stamps, now)
		l.hits[clientID] = stamps
	}

	remaining := l.config.MaxRequests - len(stamps)
	if remaining < 0 {
		remaining = 0
	}
	var resetAfter time.Duration
	if len(stamps) > 0 {
		resetAfter = stamps[0].Add(l.config.Window).Sub(now)
	}
	return Decision{Allowed: allowed, Remaining: remaining, ResetAfter: resetAfter}, nil
}

// Start launches the periodic sweep. It is a no-op if already running.
func (l *SlidingWindowLimiter) Start(ctx context.Context) {
	l.state.Lock()
	defer l.state.Unlock()
	if l.stop != nil {
		return
	}
	l.stop = make(chan struct{})
	l.done = make(chan struct{})

	go l.sweepLoop(ctx, l.stop, l.done)
	l.logger.Info("rate limiter sweep started", "interval", l.config.SweepInterval)
}

// Stop halts the sweep and waits for it to exit. Safe to call more than once.
func (l *SlidingWindowLimiter) Stop() {
	l.state.Lock()
	defer l.state.Unlock()
	if l.stop == nil {
		return
	}
	close(l.stop)
	<-l.done
	l.stop, l.done = nil, nil
	l.logger.Info("rate limiter sweep stopped")
}

func (l *SlidingWindowLimiter) sweepLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug("evicted idle rate limit entries", "count", n)
			}
		}
	}
}
