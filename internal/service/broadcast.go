package service

import (
	"context"
	"errors"
	"time"

	"coopmsg/internal/domain"
	"coopmsg/internal/ledger"
	"coopmsg/internal/observability"
	"coopmsg/internal/store"
)

type Store interface {
	InsertBroadcast(ctx context.Context, in store.BroadcastInsert) error
	GetBroadcast(ctx context.Context, id string) (store.Broadcast, bool, error)
	AdvanceBroadcastStatus(ctx context.Context, in store.BroadcastStatusUpdate) (bool, error)
}

type Queue interface {
	EnqueueBroadcast(ctx context.Context, broadcastID string) error
}

type Summaries interface {
	Summarize(ctx context.Context, broadcastID string) (ledger.Summary, bool, error)
}

var (
	ErrNotFound       = errors.New("broadcast not found")
	ErrNotCancellable = errors.New("broadcast already finished")
)

// BroadcastService is the submission/cancellation surface exposed to the UI
// layer. Dispatch itself happens in the dispatcher process, one broadcast at a
// time, in queue order.
type BroadcastService struct {
	Store     Store
	Queue     Queue
	Summaries Summaries
}

func (s *BroadcastService) SubmitBroadcast(ctx context.Context, req domain.SubmitBroadcastRequest, broadcastID string, now time.Time) (domain.SubmitResponse, error) {
	status := domain.StatusDraft
	if err := s.Store.InsertBroadcast(ctx, store.BroadcastInsert{
		ID:          broadcastID,
		MessageBody: req.MessageBody,
		Targets:     req.Targets,
		Status:      string(status),
		ScheduledAt: req.ScheduledAt,
		Now:         now,
	}); err != nil {
		return domain.SubmitResponse{}, err
	}

	if err := s.Queue.EnqueueBroadcast(ctx, broadcastID); err != nil {
		observability.Enqueues.WithLabelValues("error").Inc()
		_, _ = s.Store.AdvanceBroadcastStatus(ctx, store.BroadcastStatusUpdate{
			ID: broadcastID, From: string(status), To: string(domain.StatusFailed),
			Reason: "enqueue_failed", Now: now,
		})
		return domain.SubmitResponse{}, err
	}
	observability.Enqueues.WithLabelValues("ok").Inc()

	if ok, err := s.Store.AdvanceBroadcastStatus(ctx, store.BroadcastStatusUpdate{
		ID: broadcastID, From: string(status), To: string(domain.StatusScheduled), Now: now,
	}); err == nil && ok {
		status = domain.StatusScheduled
	}

	return domain.SubmitResponse{BroadcastID: broadcastID, Status: string(status)}, nil
}

// CancelBroadcast flips a not-yet-finished broadcast to cancelled. The
// dispatcher notices at its next recipient boundary; recipients not yet
// attempted stay pending. A cancelled broadcast cannot be resumed.
func (s *BroadcastService) CancelBroadcast(ctx context.Context, broadcastID string, now time.Time) error {
	bc, found, err := s.Store.GetBroadcast(ctx, broadcastID)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	status := domain.BroadcastStatus(bc.Status)
	if status == domain.StatusCancelled {
		return nil
	}
	if !status.CanAdvanceTo(domain.StatusCancelled) {
		return ErrNotCancellable
	}
	ok, err := s.Store.AdvanceBroadcastStatus(ctx, store.BroadcastStatusUpdate{
		ID: broadcastID, From: bc.Status, To: string(domain.StatusCancelled), Now: now,
	})
	if err != nil {
		return err
	}
	if !ok {
		// lost a race with the dispatcher; re-check
		bc, _, err := s.Store.GetBroadcast(ctx, broadcastID)
		if err != nil {
			return err
		}
		if domain.BroadcastStatus(bc.Status) != domain.StatusCancelled {
			return ErrNotCancellable
		}
	}
	return nil
}

func (s *BroadcastService) GetBroadcast(ctx context.Context, broadcastID string) (store.Broadcast, bool, error) {
	return s.Store.GetBroadcast(ctx, broadcastID)
}

func (s *BroadcastService) GetSummary(ctx context.Context, broadcastID string) (ledger.Summary, bool, error) {
	return s.Summaries.Summarize(ctx, broadcastID)
}
