package store

import (
	"time"

	"coopmsg/internal/domain"
)

type SessionInsert struct {
	ID    string
	State string
	Now   time.Time
}

type SessionUpdate struct {
	ID                string
	State             string
	PairingCode       string
	ConnectedIdentity string
	ReconnectAttempts int
	LastErrorKind     string
	LastErrorMsg      string
	Now               time.Time
}

type BroadcastInsert struct {
	ID          string
	MessageBody string
	Targets     domain.TargetSpec
	Status      string
	ScheduledAt *time.Time
	Now         time.Time
}

type Broadcast struct {
	ID              string
	MessageBody     string
	Targets         domain.TargetSpec
	Status          string
	ScheduledAt     *time.Time
	TotalRecipients int
	Sent            int
	Failed          int
	Pending         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BroadcastStatusUpdate is a compare-and-set: the update applies only when the
// stored status still equals From, keeping transitions forward-only even under
// racing writers.
type BroadcastStatusUpdate struct {
	ID     string
	From   string
	To     string
	Reason string
	Now    time.Time
}

type TargetInsert struct {
	Destination     string
	SourceContactID string
	SourceGroupID   string
}

type PendingTarget struct {
	Destination string
	Attempt     int
}

// OutcomeApply is the transactional unit the delivery ledger writes: one
// target row update plus the matching broadcast counter bump.
type OutcomeApply struct {
	BroadcastID string
	Destination string
	Status      string
	Attempt     int
	ErrorKind   string
	ErrorMsg    string
	SentAt      *time.Time
	Now         time.Time
}

type BroadcastCounters struct {
	Status          string
	TotalRecipients int
	Sent            int
	Failed          int
	Pending         int
}

type FailureReason struct {
	Kind  string
	Count int
}

type Contact struct {
	ID          string
	DisplayName string
	RawAddress  string
}
