// Package telegramtest provides a fake Bot API for tests and local runs.
package telegramtest

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DimaBagZ/portfol-bagz-sub000/internal/telegram"
)

// Options control how the fake answers.
type Options struct {
	// FailStatus, if non-zero, is returned for every sendMessage.
	FailStatus int
	// FailRate is the probability of a random 500 on sendMessage.
	FailRate float64
	// FailFirst makes the first N sendMessage calls return 502.
	FailFirst int
	// Latency and Jitter delay every response.
	Latency time.Duration
	Jitter  time.Duration
	// BotUsername is returned by getMe.
	BotUsername string
}

// Server is an http.Handler speaking the subset of the Bot API the client
// uses: sendMessage and getMe.
type Server struct {
	token string
	opts  Options

	calls    atomic.Int64
	failures atomic.Int64
	nextID   atomic.Int64

	mu       sync.Mutex
	received []telegram.SendMessageRequest
}

func NewServer(token string, opts Options) *Server {
	if opts.BotUsername == "" {
		opts.BotUsername = "contact_test_bot"
	}
	return &Server{token: token, opts: opts}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	prefix := "/bot" + s.token + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	s.delay()

	switch strings.TrimPrefix(r.URL.Path, prefix) {
	case "sendMessage":
		s.sendMessage(w, r)
	case "getMe":
		writeResult(w, telegram.User{ID: 1, IsBot: true, FirstName: "Contact", Username: s.opts.BotUsername})
	default:
		writeError(w, http.StatusNotFound, "Not Found: method not found")
	}
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	n := s.calls.Add(1)

	var req telegram.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request: invalid JSON")
		return
	}
	if req.ChatID == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "Bad Request: chat_id and text are required")
		return
	}

	switch {
	case s.opts.FailStatus != 0:
		s.failures.Add(1)
		writeError(w, s.opts.FailStatus, http.StatusText(s.opts.FailStatus))
		return
	case n <= int64(s.opts.FailFirst):
		s.failures.Add(1)
		writeError(w, http.StatusBadGateway, "Bad Gateway")
		return
	case s.opts.FailRate > 0 && rand.Float64() < s.opts.FailRate:
		s.failures.Add(1)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	s.mu.Lock()
	s.received = append(s.received, req)
	s.mu.Unlock()

	writeResult(w, telegram.Message{
		MessageID: s.nextID.Add(1),
		Date:      time.Now().Unix(),
	})
}

func (s *Server) delay() {
	d := s.opts.Latency
	if s.opts.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(2*s.opts.Jitter))) - s.opts.Jitter
	}
	if d > 0 {
		time.Sleep(d)
	}
}

// Calls returns the number of sendMessage requests seen.
func (s *Server) Calls() int64 {
	return s.calls.Load()
}

// Failures returns the number of sendMessage requests answered with an error.
func (s *Server) Failures() int64 {
	return s.failures.Load()
}

// Received returns the messages accepted so far.
func (s *Server) Received() []telegram.SendMessageRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]telegram.SendMessageRequest, len(s.received))
	copy(out, s.received)
	return out
}

func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
}

func writeError(w http.ResponseWriter, status int, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"ok":          false,
		"error_code":  status,
		"description": description,
	})
}
