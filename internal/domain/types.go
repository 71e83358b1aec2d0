package domain

import (
	"errors"
	"time"
)

type SessionState string

const (
	StateDisconnected    SessionState = "disconnected"
	StateInitializing    SessionState = "initializing"
	StateAwaitingPairing SessionState = "awaiting_pairing"
	StateConnected       SessionState = "connected"
	StateReconnecting    SessionState = "reconnecting"
)

type BroadcastStatus string

const (
	StatusDraft       BroadcastStatus = "draft"
	StatusScheduled   BroadcastStatus = "scheduled"
	StatusDispatching BroadcastStatus = "dispatching"
	StatusCompleted   BroadcastStatus = "completed"
	StatusFailed      BroadcastStatus = "failed"
	StatusCancelled   BroadcastStatus = "cancelled"
)

func (s BroadcastStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanAdvanceTo enforces forward-only broadcast transitions.
func (s BroadcastStatus) CanAdvanceTo(next BroadcastStatus) bool {
	switch s {
	case StatusDraft:
		return next == StatusScheduled || next == StatusDispatching || next == StatusFailed || next == StatusCancelled
	case StatusScheduled:
		return next == StatusDispatching || next == StatusFailed || next == StatusCancelled
	case StatusDispatching:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	default:
		return false
	}
}

type TargetStatus string

const (
	TargetPending TargetStatus = "pending"
	TargetSent    TargetStatus = "sent"
	TargetFailed  TargetStatus = "failed"
)

// ErrorKind classifies connection and dispatch failures.
type ErrorKind string

const (
	// connection level
	KindPairingTimeout         ErrorKind = "pairing_timeout"
	KindReconnectGraceExceeded ErrorKind = "reconnect_grace_exceeded"
	KindSessionInvalidated     ErrorKind = "session_invalidated"
	KindTransientNetwork       ErrorKind = "transient_network"

	// dispatch level
	KindInvalidDestination ErrorKind = "invalid_destination"
	KindRecipientBlocked   ErrorKind = "recipient_blocked"
	KindChannelUnavailable ErrorKind = "channel_unavailable"
	KindTransientSend      ErrorKind = "transient_send_failure"
	KindRateLimited        ErrorKind = "rate_limited"

	// resolver level
	KindResolverFailure ErrorKind = "resolver_failure"
)

// Retryable reports whether a send that failed with this kind may be attempted
// again for the same recipient. channel_unavailable is not retryable here: it
// suspends dispatch instead of consuming a retry.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTransientNetwork, KindTransientSend, KindRateLimited:
		return true
	}
	return false
}

type TargetSpec struct {
	ContactIDs []string `json:"contactIds,omitempty"`
	GroupIDs   []string `json:"groupIds,omitempty"`
}

func (t TargetSpec) Empty() bool {
	return len(t.ContactIDs) == 0 && len(t.GroupIDs) == 0
}

type SubmitBroadcastRequest struct {
	MessageBody string     `json:"messageBody"`
	Targets     TargetSpec `json:"targets"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
}

func (r SubmitBroadcastRequest) Validate() error {
	if r.MessageBody == "" {
		return ErrMissingFields
	}
	if r.Targets.Empty() {
		return ErrEmptyTargetSpec
	}
	return nil
}

var (
	ErrMissingFields   = errors.New("missing required fields")
	ErrEmptyTargetSpec = errors.New("target spec references no contacts or groups")
)

type SubmitResponse struct {
	BroadcastID string `json:"broadcastId"`
	Status      string `json:"status"`
}

// DeliveryOutcome is the result of one recipient's send, emitted by the
// dispatch engine and consumed by the delivery ledger.
type DeliveryOutcome struct {
	BroadcastID string
	Destination string
	Success     bool
	ErrorKind   ErrorKind
	ErrorMsg    string
	Attempt     int
	LatencyMs   int64
	At          time.Time
}
