package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"
)

// mock-gateway simulates the chat-channel gateway for local development:
// sessions auto-pair after a configurable delay, and send outcomes follow a
// configurable success rate / failure mix.

type config struct {
	Port          string  `envconfig:"PORT" default:"8081"`
	PairDelayMs   int     `envconfig:"MOCK_PAIR_DELAY_MS" default:"3000"`
	NeverPair     bool    `envconfig:"MOCK_NEVER_PAIR" default:"false"`
	SuccessRate   float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	FailureKinds  string  `envconfig:"MOCK_FAILURE_KINDS" default:"invalid_destination,recipient_blocked,rate_limited,transient"`
	SendDelayMs   int     `envconfig:"MOCK_SEND_DELAY_MS" default:"50"`
	DropAfterMs   int     `envconfig:"MOCK_DROP_AFTER_MS" default:"0"` // 0 = never drop
}

type session struct {
	ref         string
	pairingCode string
	createdAt   time.Time
	invalidated bool
}

type server struct {
	cfg      config
	mu       sync.Mutex
	sessions map[string]*session
	seq      int
	rng      *rand.Rand
	kinds    []string
}

func main() {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "mock-gateway"))

	s := &server{
		cfg:      cfg,
		sessions: map[string]*session{},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		kinds:    strings.Split(cfg.FailureKinds, ","),
	}

	r := mux.NewRouter()
	r.HandleFunc("/v1/sessions", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/v1/sessions/{ref}", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/sessions/{ref}", s.handleEnd).Methods(http.MethodDelete)
	r.HandleFunc("/v1/sessions/{ref}/ping", s.handlePing).Methods(http.MethodGet)
	r.HandleFunc("/v1/sessions/{ref}/messages", s.handleSend).Methods(http.MethodPost)

	slog.Info("mock gateway listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		slog.Error("mock gateway server failed", "err", err)
		os.Exit(1)
	}
}

func (s *server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.seq++
	sess := &session{
		ref:         fmt.Sprintf("ref-%d", s.seq),
		pairingCode: fmt.Sprintf("PAIR-%06d", s.rng.Intn(1000000)),
		createdAt:   time.Now(),
	}
	s.sessions[sess.ref] = sess
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{
		"sessionRef": sess.ref,
		"status":     "pending",
	})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.get(mux.Vars(r)["ref"])
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "unknown session"})
		return
	}
	if sess.invalidated {
		writeJSON(w, http.StatusOK, map[string]any{"sessionRef": sess.ref, "status": "invalidated"})
		return
	}
	paired := !s.cfg.NeverPair && time.Since(sess.createdAt) >= time.Duration(s.cfg.PairDelayMs)*time.Millisecond
	if paired {
		writeJSON(w, http.StatusOK, map[string]any{
			"sessionRef": sess.ref,
			"status":     "paired",
			"identity":   "+15550001111",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionRef":  sess.ref,
		"status":      "pending",
		"pairingCode": sess.pairingCode,
	})
}

func (s *server) handlePing(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.get(mux.Vars(r)["ref"])
	if !ok || sess.invalidated {
		writeJSON(w, http.StatusGone, map[string]any{"message": "session invalidated"})
		return
	}
	if s.cfg.DropAfterMs > 0 && time.Since(sess.createdAt) > time.Duration(s.cfg.DropAfterMs)*time.Millisecond {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"message": "channel down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *server) handleEnd(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if sess, ok := s.sessions[mux.Vars(r)["ref"]]; ok {
		sess.invalidated = true
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.get(mux.Vars(r)["ref"])
	if !ok || sess.invalidated {
		writeJSON(w, http.StatusGone, map[string]any{"code": "session_invalidated", "message": "session invalidated"})
		return
	}

	var req struct {
		To   string `json:"to"`
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"code": "invalid_destination", "message": "bad destination"})
		return
	}

	time.Sleep(time.Duration(s.cfg.SendDelayMs) * time.Millisecond)

	s.mu.Lock()
	roll := s.rng.Float64()
	kind := s.kinds[s.rng.Intn(len(s.kinds))]
	s.mu.Unlock()

	if roll < s.cfg.SuccessRate {
		writeJSON(w, http.StatusCreated, map[string]any{
			"messageId": fmt.Sprintf("wamid-%d", time.Now().UnixNano()),
			"status":    "sent",
		})
		return
	}

	switch strings.TrimSpace(kind) {
	case "invalid_destination":
		writeJSON(w, http.StatusBadRequest, map[string]any{"code": "invalid_destination", "message": "destination not on channel"})
	case "recipient_blocked":
		writeJSON(w, http.StatusForbidden, map[string]any{"code": "recipient_blocked", "message": "recipient has blocked this sender"})
	case "rate_limited":
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"code": "rate_limited", "message": "slow down"})
	default:
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"message": "temporary channel overload"})
	}
}

func (s *server) get(ref string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[ref]
	return sess, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
