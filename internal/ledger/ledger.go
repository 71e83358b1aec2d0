package ledger

import (
	"context"
	"log/slog"

	"coopmsg/internal/domain"
	"coopmsg/internal/observability"
	"coopmsg/internal/store"
)

// Store is the persistence the ledger needs. *pg.Store implements it; the
// store guarantees each outcome is applied transactionally and at most once.
type Store interface {
	ApplyOutcome(ctx context.Context, in store.OutcomeApply) (bool, error)
	GetBroadcastCounters(ctx context.Context, id string) (store.BroadcastCounters, bool, error)
	ListFailureReasons(ctx context.Context, id string) ([]store.FailureReason, error)
}

type Summary struct {
	BroadcastID            string         `json:"broadcastId"`
	Status                 string         `json:"status"`
	TotalRecipients        int            `json:"totalRecipients"`
	Sent                   int            `json:"sent"`
	Failed                 int            `json:"failed"`
	Pending                int            `json:"pending"`
	SuccessRatePercent     float64        `json:"successRatePercent"`
	FailureReasonHistogram map[string]int `json:"failureReasonHistogram"`
}

// Ledger is the single writer of per-recipient outcomes and the read side for
// broadcast aggregates.
type Ledger struct {
	Store Store
	Log   *slog.Logger
}

// RecordOutcome upserts the recipient target and moves the broadcast counters.
// A late outcome for a target that already left pending (e.g. after a resume
// race) is dropped so nothing is double-counted.
func (l *Ledger) RecordOutcome(ctx context.Context, o domain.DeliveryOutcome) error {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}

	in := store.OutcomeApply{
		BroadcastID: o.BroadcastID,
		Destination: o.Destination,
		Attempt:     o.Attempt,
		Now:         o.At,
	}
	if o.Success {
		in.Status = string(domain.TargetSent)
		sentAt := o.At
		in.SentAt = &sentAt
	} else {
		in.Status = string(domain.TargetFailed)
		in.ErrorKind = string(o.ErrorKind)
		in.ErrorMsg = o.ErrorMsg
	}

	applied, err := l.Store.ApplyOutcome(ctx, in)
	if err != nil {
		return err
	}
	if !applied {
		log.Warn("stale delivery outcome dropped",
			"broadcast_id", o.BroadcastID, "destination", o.Destination)
		return nil
	}

	if o.Success {
		observability.DispatchOutcomes.WithLabelValues("sent", "").Inc()
	} else {
		observability.DispatchOutcomes.WithLabelValues("failed", string(o.ErrorKind)).Inc()
	}
	return nil
}

// Summarize computes the aggregate view from stored counters; it never rescans
// recipient rows.
func (l *Ledger) Summarize(ctx context.Context, broadcastID string) (Summary, bool, error) {
	c, found, err := l.Store.GetBroadcastCounters(ctx, broadcastID)
	if err != nil || !found {
		return Summary{}, found, err
	}
	reasons, err := l.Store.ListFailureReasons(ctx, broadcastID)
	if err != nil {
		return Summary{}, false, err
	}

	hist := make(map[string]int, len(reasons))
	for _, r := range reasons {
		hist[r.Kind] = r.Count
	}

	rate := 0.0
	if c.TotalRecipients > 0 {
		rate = float64(c.Sent) / float64(c.TotalRecipients) * 100
	}
	return Summary{
		BroadcastID:            broadcastID,
		Status:                 c.Status,
		TotalRecipients:        c.TotalRecipients,
		Sent:                   c.Sent,
		Failed:                 c.Failed,
		Pending:                c.Pending,
		SuccessRatePercent:     rate,
		FailureReasonHistogram: hist,
	}, true, nil
}
