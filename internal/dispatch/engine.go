package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"coopmsg/internal/channel"
	"coopmsg/internal/domain"
	"coopmsg/internal/gateway"
	"coopmsg/internal/observability"
	"coopmsg/internal/resolver"
	"coopmsg/internal/store"
	"coopmsg/internal/util"
)

// Connection is the view of the connection manager the engine needs.
type Connection interface {
	IsUsable() bool
	Subscribe(buffer int) (<-chan channel.StateChange, func())
	Send(ctx context.Context, to, body string) (string, error)
}

type Store interface {
	GetBroadcast(ctx context.Context, id string) (store.Broadcast, bool, error)
	AdvanceBroadcastStatus(ctx context.Context, in store.BroadcastStatusUpdate) (bool, error)
	InitBroadcastTargets(ctx context.Context, broadcastID string, targets []store.TargetInsert, now time.Time) error
	ListPendingTargets(ctx context.Context, broadcastID string) ([]store.PendingTarget, error)
}

type Recipients interface {
	Resolve(ctx context.Context, spec domain.TargetSpec) (resolver.Resolution, error)
}

type Outcomes interface {
	RecordOutcome(ctx context.Context, o domain.DeliveryOutcome) error
}

// Engine drives one broadcast at a time from dispatching to a terminal status.
// Sends are strictly serialized: the channel session is not safe for parallel
// use, and pacing is what keeps the provider from throttling the account.
type Engine struct {
	Store           Store
	Resolver        Recipients
	Conn            Connection
	Ledger          Outcomes
	Limiter         *rate.Limiter
	Breaker         *gobreaker.CircuitBreaker
	MaxSendAttempts int
	Log             *slog.Logger

	mu      sync.Mutex
	cancels map[string]chan struct{}
}

var errCancelled = errors.New("broadcast cancelled")

func (e *Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e *Engine) maxAttempts() int {
	if e.MaxSendAttempts > 0 {
		return e.MaxSendAttempts
	}
	return 3
}

// Cancel signals a cooperative stop for an in-flight broadcast. The current
// send finishes; everything still pending stays pending.
func (e *Engine) Cancel(broadcastID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.cancels[broadcastID]; ok {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
}

func (e *Engine) registerCancel(broadcastID string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancels == nil {
		e.cancels = map[string]chan struct{}{}
	}
	ch := make(chan struct{})
	e.cancels[broadcastID] = ch
	return ch
}

func (e *Engine) unregisterCancel(broadcastID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancels, broadcastID)
}

// Run processes one broadcast to completion. A nil return means the job is
// done (including domain-level failure or cancellation); a non-nil return
// means infrastructure trouble and the job should be redriven.
func (e *Engine) Run(ctx context.Context, broadcastID string) error {
	bc, found, err := e.Store.GetBroadcast(ctx, broadcastID)
	if err != nil {
		return err
	}
	if !found {
		e.log().Warn("broadcast job references unknown broadcast", "broadcast_id", broadcastID)
		return nil
	}
	status := domain.BroadcastStatus(bc.Status)
	if status.Terminal() {
		// idempotent consumer: redelivered job for a finished broadcast
		return nil
	}

	cancelCh := e.registerCancel(broadcastID)
	defer e.unregisterCancel(broadcastID)

	if bc.ScheduledAt != nil {
		if err := e.waitUntil(ctx, cancelCh, broadcastID, *bc.ScheduledAt); err != nil {
			if errors.Is(err, errCancelled) {
				return e.markCancelled(ctx, broadcastID)
			}
			return err
		}
	}

	if status == domain.StatusDraft || status == domain.StatusScheduled {
		done, err := e.accept(ctx, bc)
		if err != nil || done {
			return err
		}
	}

	targets, err := e.Store.ListPendingTargets(ctx, broadcastID)
	if err != nil {
		return err
	}

	e.log().Info("broadcast dispatch started",
		"broadcast_id", broadcastID, "pending", len(targets))

	for _, t := range targets {
		stopped, err := e.checkStopped(ctx, cancelCh, broadcastID)
		if err != nil {
			return err
		}
		if stopped {
			return e.markCancelled(ctx, broadcastID)
		}

		outcome, err := e.sendOne(ctx, cancelCh, bc, t)
		if errors.Is(err, errCancelled) {
			return e.markCancelled(ctx, broadcastID)
		}
		if err != nil {
			return err
		}
		if err := e.Ledger.RecordOutcome(ctx, outcome); err != nil {
			return err
		}
	}

	ok, err := e.Store.AdvanceBroadcastStatus(ctx, store.BroadcastStatusUpdate{
		ID: broadcastID, From: string(domain.StatusDispatching), To: string(domain.StatusCompleted),
		Now: util.NowUTC(),
	})
	if err != nil {
		return err
	}
	if ok {
		e.log().Info("broadcast completed", "broadcast_id", broadcastID)
	}
	return nil
}

// accept resolves recipients and moves the broadcast into dispatching. Returns
// done=true when the broadcast already reached a terminal status here (empty
// resolution or resolver failure).
func (e *Engine) accept(ctx context.Context, bc store.Broadcast) (bool, error) {
	now := util.NowUTC()

	res, err := e.Resolver.Resolve(ctx, bc.Targets)
	if err != nil {
		e.log().Error("recipient resolution failed", "broadcast_id", bc.ID, "err", err)
		_, serr := e.Store.AdvanceBroadcastStatus(ctx, store.BroadcastStatusUpdate{
			ID: bc.ID, From: bc.Status, To: string(domain.StatusFailed),
			Reason: string(domain.KindResolverFailure), Now: now,
		})
		return true, serr
	}
	if res.InvalidCount > 0 {
		e.log().Warn("recipients excluded during resolution",
			"broadcast_id", bc.ID, "invalid", res.InvalidCount)
	}

	ok, err := e.Store.AdvanceBroadcastStatus(ctx, store.BroadcastStatusUpdate{
		ID: bc.ID, From: bc.Status, To: string(domain.StatusDispatching), Now: now,
	})
	if err != nil {
		return true, err
	}
	if !ok {
		// status moved under us, e.g. cancelled during the scheduled wait
		e.log().Info("broadcast no longer acceptable, skipping", "broadcast_id", bc.ID)
		return true, nil
	}

	if len(res.Destinations) == 0 {
		// nothing to do: completed with zero counters
		_, err := e.Store.AdvanceBroadcastStatus(ctx, store.BroadcastStatusUpdate{
			ID: bc.ID, From: string(domain.StatusDispatching), To: string(domain.StatusCompleted), Now: now,
		})
		e.log().Info("broadcast completed empty", "broadcast_id", bc.ID)
		return true, err
	}

	targets := make([]store.TargetInsert, 0, len(res.Destinations))
	for _, d := range res.Destinations {
		targets = append(targets, store.TargetInsert{
			Destination:     d.Address,
			SourceContactID: d.SourceContactID,
			SourceGroupID:   d.SourceGroupID,
		})
	}
	if err := e.Store.InitBroadcastTargets(ctx, bc.ID, targets, now); err != nil {
		return true, err
	}
	return false, nil
}

// sendOne delivers to a single recipient, absorbing channel outages
// (suspension, no retry consumed) and retrying transient failures up to the
// attempt cap. A non-nil error is errCancelled or a context error.
func (e *Engine) sendOne(ctx context.Context, cancelCh <-chan struct{}, bc store.Broadcast, t store.PendingTarget) (domain.DeliveryOutcome, error) {
	attempts := t.Attempt
	start := time.Now()

	for {
		if err := e.awaitUsable(ctx, cancelCh, bc.ID); err != nil {
			return domain.DeliveryOutcome{}, err
		}
		if e.Limiter != nil {
			if err := e.Limiter.Wait(ctx); err != nil {
				return domain.DeliveryOutcome{}, err
			}
		}

		msgID, err := e.send(ctx, t.Destination, bc.MessageBody)
		if err == nil {
			e.log().Debug("recipient sent", "broadcast_id", bc.ID, "message_id", msgID)
			return domain.DeliveryOutcome{
				BroadcastID: bc.ID,
				Destination: t.Destination,
				Success:     true,
				Attempt:     attempts + 1,
				LatencyMs:   time.Since(start).Milliseconds(),
				At:          util.NowUTC(),
			}, nil
		}

		kind, msg := classifySend(err)
		if kind == domain.KindChannelUnavailable {
			// suspension, not failure: no attempt consumed, same recipient next
			if err := sleepInterruptible(ctx, cancelCh, gateway.Backoff(0)); err != nil {
				return domain.DeliveryOutcome{}, err
			}
			continue
		}

		attempts++
		if !kind.Retryable() || attempts >= e.maxAttempts() {
			return domain.DeliveryOutcome{
				BroadcastID: bc.ID,
				Destination: t.Destination,
				Success:     false,
				ErrorKind:   kind,
				ErrorMsg:    msg,
				Attempt:     attempts,
				LatencyMs:   time.Since(start).Milliseconds(),
				At:          util.NowUTC(),
			}, nil
		}

		delay := gateway.Backoff(attempts - 1)
		if kind == domain.KindRateLimited {
			delay *= 2
		}
		e.log().Debug("recipient send retry scheduled",
			"broadcast_id", bc.ID, "destination", t.Destination, "attempt", attempts+1, "delay", delay)
		if err := sleepInterruptible(ctx, cancelCh, delay); err != nil {
			return domain.DeliveryOutcome{}, err
		}
	}
}

func (e *Engine) send(ctx context.Context, to, body string) (string, error) {
	call := func() (any, error) {
		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return e.Conn.Send(sctx, to, body)
	}

	var res any
	var err error
	if e.Breaker != nil {
		res, err = e.Breaker.Execute(call)
	} else {
		res, err = call()
	}
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func classifySend(err error) (domain.ErrorKind, string) {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// provider protection tripped; treat like an outage, not a failure
		return domain.KindChannelUnavailable, err.Error()
	}
	var se *channel.SendError
	if errors.As(err, &se) {
		return se.Kind, se.Msg
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.KindTransientNetwork, err.Error()
	}
	return domain.KindTransientSend, err.Error()
}

// awaitUsable blocks until the channel reports connected, driven by the
// manager's state-change events. The ticker backstops any event dropped by
// the non-blocking bus and re-reads the stored status so a cancel written by
// another process also ends a suspension.
func (e *Engine) awaitUsable(ctx context.Context, cancelCh <-chan struct{}, broadcastID string) error {
	if e.Conn.IsUsable() {
		return nil
	}
	observability.DispatchSuspensions.Inc()
	e.log().Info("dispatch suspended, channel not usable")

	events, unsub := e.Conn.Subscribe(8)
	defer unsub()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		if e.Conn.IsUsable() {
			e.log().Info("dispatch resumed, channel connected")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cancelCh:
			return errCancelled
		case <-events:
		case <-ticker.C:
			stopped, err := e.checkStopped(ctx, cancelCh, broadcastID)
			if err != nil {
				return err
			}
			if stopped {
				return errCancelled
			}
		}
	}
}

// checkStopped consults the stored status so a cancel issued by another
// process is honored at the next recipient boundary.
func (e *Engine) checkStopped(ctx context.Context, cancelCh <-chan struct{}, broadcastID string) (bool, error) {
	if isClosed(cancelCh) {
		return true, nil
	}
	bc, found, err := e.Store.GetBroadcast(ctx, broadcastID)
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}
	return domain.BroadcastStatus(bc.Status) == domain.StatusCancelled, nil
}

func (e *Engine) markCancelled(ctx context.Context, broadcastID string) error {
	bc, found, err := e.Store.GetBroadcast(ctx, broadcastID)
	if err != nil || !found {
		return err
	}
	if !domain.BroadcastStatus(bc.Status).CanAdvanceTo(domain.StatusCancelled) {
		return nil
	}
	ok, err := e.Store.AdvanceBroadcastStatus(ctx, store.BroadcastStatusUpdate{
		ID: broadcastID, From: bc.Status, To: string(domain.StatusCancelled),
		Now: util.NowUTC(),
	})
	if err != nil {
		return err
	}
	if ok {
		e.log().Info("broadcast cancelled", "broadcast_id", broadcastID)
	}
	return nil
}

// waitUntil sleeps out a scheduled start in bounded slices, re-reading the
// stored status between slices so a cancel written by another process ends
// the wait instead of sleeping to the due time.
func (e *Engine) waitUntil(ctx context.Context, cancelCh <-chan struct{}, broadcastID string, at time.Time) error {
	if d := time.Until(at); d > 0 {
		e.log().Info("broadcast scheduled, waiting", "delay", d)
	}
	for {
		d := time.Until(at)
		if d <= 0 {
			return nil
		}
		if d > time.Second {
			d = time.Second
		}
		if err := sleepInterruptible(ctx, cancelCh, d); err != nil {
			return err
		}
		stopped, err := e.checkStopped(ctx, cancelCh, broadcastID)
		if err != nil {
			return err
		}
		if stopped {
			return errCancelled
		}
	}
}

func sleepInterruptible(ctx context.Context, cancelCh <-chan struct{}, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-cancelCh:
		return errCancelled
	case <-t.C:
		return nil
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
