package channel

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"coopmsg/internal/domain"
	"coopmsg/internal/gateway"
	"coopmsg/internal/observability"
	"coopmsg/internal/store"
	"coopmsg/internal/util"
)

// Transport is the gateway surface the manager needs. *gateway.Client
// implements it.
type Transport interface {
	StartSession(ctx context.Context) (gateway.SessionInfo, int, error)
	SessionStatus(ctx context.Context, ref string) (gateway.SessionInfo, int, error)
	Ping(ctx context.Context, ref string) (int, error)
	EndSession(ctx context.Context, ref string) error
	SendMessage(ctx context.Context, ref string, req gateway.SendRequest) (gateway.SendResponse, int, []byte, error)
}

type SessionStore interface {
	InsertSession(ctx context.Context, in store.SessionInsert) error
	UpdateSession(ctx context.Context, in store.SessionUpdate) error
}

type Config struct {
	PairingTimeout     time.Duration
	PairingPoll        time.Duration
	MaxConnectAttempts int
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	HeartbeatInterval  time.Duration
	ReconnectGrace     time.Duration
}

func (c Config) withDefaults() Config {
	if c.PairingTimeout <= 0 {
		c.PairingTimeout = 15 * time.Second
	}
	if c.PairingPoll <= 0 {
		c.PairingPoll = time.Second
	}
	if c.MaxConnectAttempts <= 0 {
		c.MaxConnectAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.ReconnectGrace <= 0 {
		c.ReconnectGrace = 45 * time.Second
	}
	return c
}

// Snapshot is a point-in-time view of the session, safe to hand to handlers.
type Snapshot struct {
	SessionID         string
	State             domain.SessionState
	PairingCode       string
	Identity          string
	ReconnectAttempts int
	LastErrorKind     domain.ErrorKind
	LastErrorMsg      string
	LastChangeAt      time.Time
}

// SendError is a classified send failure.
type SendError struct {
	Kind domain.ErrorKind
	Msg  string
}

func (e *SendError) Error() string {
	if e.Msg != "" {
		return string(e.Kind) + ": " + e.Msg
	}
	return string(e.Kind)
}

// Manager owns the single channel session. All session state lives behind its
// mutex; other components only read snapshots, call Send, or subscribe to
// state changes.
type Manager struct {
	cfg       Config
	transport Transport
	store     SessionStore
	log       *slog.Logger

	mu         sync.Mutex
	st         Snapshot
	sessionRef string
	running    bool
	runCancel  context.CancelFunc
	runDone    chan struct{}

	events *subscribers
}

func NewManager(transport Transport, sessions SessionStore, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:       cfg.withDefaults(),
		transport: transport,
		store:     sessions,
		log:       log,
		st:        Snapshot{State: domain.StateDisconnected, LastChangeAt: util.NowUTC()},
		events:    newSubscribers(),
	}
}

// RequestConnect starts the connect state machine. It is a no-op while an
// attempt is already in flight or the session is connected; concurrent callers
// observe the existing attempt.
func (m *Manager) RequestConnect() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	ctx, cancel := context.WithCancel(context.Background())
	m.runCancel = cancel
	done := make(chan struct{})
	m.runDone = done
	m.mu.Unlock()

	go m.run(ctx, done)
}

// Disconnect tears the session down. It cancels every in-flight wait (pairing
// poll, backoff, heartbeat) and blocks until the lifecycle goroutine exits.
// Resuming requires a fresh RequestConnect, which creates a new session.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel := m.runCancel
	done := m.runDone
	m.runCancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	m.transition(domain.StateDisconnected, "", "")
}

func (m *Manager) IsUsable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.State == domain.StateConnected
}

func (m *Manager) State() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

// Subscribe registers an observer of state transitions. The dispatch engine
// uses this to suspend and resume around channel drops.
func (m *Manager) Subscribe(buffer int) (<-chan StateChange, func()) {
	return m.events.subscribe(buffer)
}

// Send delivers one message through the live session. When the session is not
// usable the returned *SendError has Kind channel_unavailable; callers suspend
// rather than fail.
func (m *Manager) Send(ctx context.Context, to, body string) (string, error) {
	m.mu.Lock()
	usable := m.st.State == domain.StateConnected
	ref := m.sessionRef
	m.mu.Unlock()

	if !usable || ref == "" {
		return "", &SendError{Kind: domain.KindChannelUnavailable, Msg: "channel session not connected"}
	}

	start := time.Now()
	resp, status, _, err := m.transport.SendMessage(ctx, ref, gateway.SendRequest{To: to, Body: body})
	observability.GatewayLatency.Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	observability.GatewaySend.WithLabelValues(result, strconv.Itoa(status)).Inc()
	if err != nil {
		kind := gateway.Classify(err, status, resp.Code)
		if kind == domain.KindSessionInvalidated {
			m.invalidate(err.Error())
			// the session is gone; the caller should suspend, not burn a retry
			return "", &SendError{Kind: domain.KindChannelUnavailable, Msg: err.Error()}
		}
		return "", &SendError{Kind: kind, Msg: err.Error()}
	}
	return resp.MessageID, nil
}

// invalidate is called when the gateway reports the session dead outside the
// heartbeat loop. It stops the lifecycle; a brand-new session is required.
func (m *Manager) invalidate(msg string) {
	m.mu.Lock()
	cancel := m.runCancel
	m.runCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.transition(domain.StateDisconnected, domain.KindSessionInvalidated, msg)
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		kind, msg, retryable := m.connectAndServe(ctx)
		if ctx.Err() != nil {
			// explicit disconnect; Disconnect() emits the final transition
			return
		}
		if kind == "" {
			// clean session end without error
			return
		}
		if !retryable {
			m.log.Error("channel session failed, manual retry required", "kind", kind, "err", msg)
			return
		}

		attempt++
		if attempt >= m.cfg.MaxConnectAttempts {
			m.log.Error("channel connect attempts exhausted, manual retry required",
				"attempts", attempt, "kind", kind, "err", msg)
			return
		}

		delay := m.backoff(attempt)
		m.log.Warn("channel session retry scheduled", "attempt", attempt, "delay", delay, "kind", kind)
		if err := sleepCtx(ctx, delay); err != nil {
			return
		}
	}
}

// connectAndServe drives one full session lifecycle: initializing, pairing,
// connected with heartbeats. It returns when the session ends, with the error
// kind and whether auto-retry is allowed.
func (m *Manager) connectAndServe(ctx context.Context) (domain.ErrorKind, string, bool) {
	sessionID := util.NewSessionID()
	m.mu.Lock()
	m.st.SessionID = sessionID
	m.st.ReconnectAttempts = 0
	m.sessionRef = ""
	m.mu.Unlock()

	if m.store != nil {
		pctx, pcancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := m.store.InsertSession(pctx, store.SessionInsert{
			ID:    sessionID,
			State: string(domain.StateInitializing),
			Now:   util.NowUTC(),
		}); err != nil {
			m.log.Warn("session insert failed", "session_id", sessionID, "err", err)
		}
		pcancel()
	}

	m.transition(domain.StateInitializing, "", "")

	info, status, err := m.transport.StartSession(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return "", "", false
		}
		kind := domain.KindTransientNetwork
		if !gateway.ShouldRetry(err, status) {
			kind = domain.KindSessionInvalidated
		}
		m.transition(domain.StateDisconnected, kind, err.Error())
		return kind, err.Error(), kind != domain.KindSessionInvalidated
	}
	ref := info.SessionRef
	m.mu.Lock()
	m.sessionRef = ref
	m.mu.Unlock()

	deadline := time.Now().Add(m.cfg.PairingTimeout)
	for time.Now().Before(deadline) {
		info, _, err = m.transport.SessionStatus(ctx, ref)
		if err != nil {
			if ctx.Err() != nil {
				m.endSession(ref)
				return "", "", false
			}
			// transient status-poll hiccups are absorbed by the deadline
		} else {
			switch info.Status {
			case gateway.SessionPaired:
				m.mu.Lock()
				m.st.Identity = info.Identity
				m.mu.Unlock()
				m.transition(domain.StateConnected, "", "")
				return m.serve(ctx, ref)
			case gateway.SessionInvalidated:
				m.endSession(ref)
				m.transition(domain.StateDisconnected, domain.KindSessionInvalidated, "session invalidated during pairing")
				return domain.KindSessionInvalidated, "session invalidated during pairing", false
			default:
				if info.PairingCode != "" {
					m.mu.Lock()
					firstCode := m.st.PairingCode == ""
					m.st.PairingCode = info.PairingCode
					m.mu.Unlock()
					if firstCode {
						m.transition(domain.StateAwaitingPairing, "", "")
					}
				}
			}
		}
		if err := sleepCtx(ctx, m.cfg.PairingPoll); err != nil {
			m.endSession(ref)
			return "", "", false
		}
	}

	m.endSession(ref)
	m.transition(domain.StateDisconnected, domain.KindPairingTimeout, "pairing not confirmed in time")
	return domain.KindPairingTimeout, "pairing not confirmed in time", true
}

// serve runs the heartbeat loop for a paired session until it drops for good
// or the lifecycle is cancelled.
func (m *Manager) serve(ctx context.Context, ref string) (domain.ErrorKind, string, bool) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var downSince time.Time
	for {
		select {
		case <-ctx.Done():
			m.endSession(ref)
			return "", "", false
		case <-ticker.C:
		}

		pctx, pcancel := context.WithTimeout(ctx, m.cfg.HeartbeatInterval)
		status, err := m.transport.Ping(pctx, ref)
		pcancel()
		if ctx.Err() != nil {
			m.endSession(ref)
			return "", "", false
		}

		if err == nil {
			m.mu.Lock()
			wasReconnecting := m.st.State == domain.StateReconnecting
			m.mu.Unlock()
			if wasReconnecting {
				m.transition(domain.StateConnected, "", "")
			}
			downSince = time.Time{}
			continue
		}

		if !gateway.ShouldRetry(err, status) {
			m.endSession(ref)
			m.transition(domain.StateDisconnected, domain.KindSessionInvalidated, err.Error())
			return domain.KindSessionInvalidated, err.Error(), false
		}

		m.mu.Lock()
		if m.st.State == domain.StateConnected {
			downSince = time.Now()
		}
		m.st.ReconnectAttempts++
		m.mu.Unlock()
		m.transitionIfNot(domain.StateReconnecting, domain.KindTransientNetwork, err.Error())

		if !downSince.IsZero() && time.Since(downSince) > m.cfg.ReconnectGrace {
			m.endSession(ref)
			m.transition(domain.StateDisconnected, domain.KindReconnectGraceExceeded, "reconnect grace period exceeded")
			return domain.KindReconnectGraceExceeded, "reconnect grace period exceeded", true
		}
	}
}

func (m *Manager) endSession(ref string) {
	if ref == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.transport.EndSession(ctx, ref); err != nil {
		m.log.Debug("end session failed", "err", err)
	}
}

func (m *Manager) transition(to domain.SessionState, kind domain.ErrorKind, msg string) {
	m.mu.Lock()
	from := m.st.State
	if from == to && kind == "" {
		m.mu.Unlock()
		return
	}
	m.st.State = to
	m.st.LastChangeAt = util.NowUTC()
	if kind != "" {
		m.st.LastErrorKind = kind
		m.st.LastErrorMsg = msg
	}
	if to != domain.StateAwaitingPairing {
		m.st.PairingCode = ""
	}
	if to != domain.StateConnected && to != domain.StateReconnecting {
		m.st.Identity = ""
	}
	snap := m.st
	m.mu.Unlock()

	observability.SessionTransitions.WithLabelValues(string(from), string(to)).Inc()
	m.log.Info("channel state change", "from", from, "to", to, "kind", kind)

	m.persist(snap)
	m.events.publish(StateChange{From: from, To: to, Kind: kind, At: snap.LastChangeAt})
}

// transitionIfNot avoids republishing reconnecting on every failed heartbeat.
func (m *Manager) transitionIfNot(to domain.SessionState, kind domain.ErrorKind, msg string) {
	m.mu.Lock()
	same := m.st.State == to
	m.mu.Unlock()
	if !same {
		m.transition(to, kind, msg)
	}
}

func (m *Manager) persist(snap Snapshot) {
	if m.store == nil || snap.SessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.store.UpdateSession(ctx, store.SessionUpdate{
		ID:                snap.SessionID,
		State:             string(snap.State),
		PairingCode:       snap.PairingCode,
		ConnectedIdentity: snap.Identity,
		ReconnectAttempts: snap.ReconnectAttempts,
		LastErrorKind:     string(snap.LastErrorKind),
		LastErrorMsg:      snap.LastErrorMsg,
		Now:               util.NowUTC(),
	}); err != nil {
		m.log.Warn("session update failed", "session_id", snap.SessionID, "err", err)
	}
}

func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.BackoffBase << uint(attempt-1)
	if d > m.cfg.BackoffCap || d <= 0 {
		return m.cfg.BackoffCap
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
