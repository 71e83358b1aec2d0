package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"coopmsg/internal/domain"
	"coopmsg/internal/ledger"
	"coopmsg/internal/store"
)

type fakeSvcStore struct {
	bc        store.Broadcast
	found     bool
	insertErr error

	inserts []store.BroadcastInsert
	updates []store.BroadcastStatusUpdate
}

func (f *fakeSvcStore) InsertBroadcast(ctx context.Context, in store.BroadcastInsert) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserts = append(f.inserts, in)
	f.bc = store.Broadcast{ID: in.ID, MessageBody: in.MessageBody, Status: in.Status}
	f.found = true
	return nil
}

func (f *fakeSvcStore) GetBroadcast(ctx context.Context, id string) (store.Broadcast, bool, error) {
	return f.bc, f.found, nil
}

func (f *fakeSvcStore) AdvanceBroadcastStatus(ctx context.Context, in store.BroadcastStatusUpdate) (bool, error) {
	if f.bc.Status != in.From {
		return false, nil
	}
	f.bc.Status = in.To
	f.updates = append(f.updates, in)
	return true, nil
}

type fakeQueue struct {
	enqueued []string
	err      error
}

func (f *fakeQueue) EnqueueBroadcast(ctx context.Context, broadcastID string) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, broadcastID)
	return nil
}

type fakeSummaries struct{}

func (fakeSummaries) Summarize(ctx context.Context, id string) (ledger.Summary, bool, error) {
	return ledger.Summary{BroadcastID: id}, true, nil
}

func TestSubmitBroadcastEnqueuesAndSchedules(t *testing.T) {
	st := &fakeSvcStore{}
	q := &fakeQueue{}
	s := &BroadcastService{Store: st, Queue: q, Summaries: fakeSummaries{}}

	resp, err := s.SubmitBroadcast(context.Background(), domain.SubmitBroadcastRequest{
		MessageBody: "AGM on Saturday",
		Targets:     domain.TargetSpec{GroupIDs: []string{"g1"}},
	}, "bc_1", time.Now().UTC())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.BroadcastID != "bc_1" || resp.Status != string(domain.StatusScheduled) {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(q.enqueued) != 1 || q.enqueued[0] != "bc_1" {
		t.Fatalf("expected one enqueue, got %v", q.enqueued)
	}
	if st.bc.Status != string(domain.StatusScheduled) {
		t.Fatalf("expected stored status scheduled, got %s", st.bc.Status)
	}
	if len(st.inserts) != 1 || st.inserts[0].Status != string(domain.StatusDraft) {
		t.Fatalf("broadcast must be inserted as draft first, got %+v", st.inserts)
	}
}

func TestSubmitBroadcastEnqueueFailureMarksFailed(t *testing.T) {
	st := &fakeSvcStore{}
	q := &fakeQueue{err: errors.New("queue unreachable")}
	s := &BroadcastService{Store: st, Queue: q}

	_, err := s.SubmitBroadcast(context.Background(), domain.SubmitBroadcastRequest{
		MessageBody: "hi", Targets: domain.TargetSpec{ContactIDs: []string{"c1"}},
	}, "bc_1", time.Now().UTC())
	if err == nil {
		t.Fatalf("expected enqueue error to surface")
	}
	if st.bc.Status != string(domain.StatusFailed) {
		t.Fatalf("expected failed, got %s", st.bc.Status)
	}
	if len(st.updates) != 1 || st.updates[0].Reason != "enqueue_failed" {
		t.Fatalf("expected enqueue_failed reason, got %+v", st.updates)
	}
}

func TestCancelBroadcastWhileDispatching(t *testing.T) {
	st := &fakeSvcStore{bc: store.Broadcast{ID: "bc_1", Status: string(domain.StatusDispatching)}, found: true}
	s := &BroadcastService{Store: st}

	if err := s.CancelBroadcast(context.Background(), "bc_1", time.Now().UTC()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if st.bc.Status != string(domain.StatusCancelled) {
		t.Fatalf("expected cancelled, got %s", st.bc.Status)
	}
}

func TestCancelBroadcastIdempotent(t *testing.T) {
	st := &fakeSvcStore{bc: store.Broadcast{ID: "bc_1", Status: string(domain.StatusCancelled)}, found: true}
	s := &BroadcastService{Store: st}

	if err := s.CancelBroadcast(context.Background(), "bc_1", time.Now().UTC()); err != nil {
		t.Fatalf("cancelling a cancelled broadcast must be a no-op: %v", err)
	}
	if len(st.updates) != 0 {
		t.Fatalf("no status write expected")
	}
}

func TestCancelBroadcastFinishedIsRejected(t *testing.T) {
	st := &fakeSvcStore{bc: store.Broadcast{ID: "bc_1", Status: string(domain.StatusCompleted)}, found: true}
	s := &BroadcastService{Store: st}

	err := s.CancelBroadcast(context.Background(), "bc_1", time.Now().UTC())
	if !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}
}

func TestCancelBroadcastUnknown(t *testing.T) {
	s := &BroadcastService{Store: &fakeSvcStore{found: false}}
	err := s.CancelBroadcast(context.Background(), "bc_missing", time.Now().UTC())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelBroadcastLosesRaceToCompletion(t *testing.T) {
	// the dispatcher completes the broadcast between our read and CAS
	st := &raceStore{fakeSvcStore: fakeSvcStore{
		bc: store.Broadcast{ID: "bc_1", Status: string(domain.StatusDispatching)}, found: true,
	}}
	s := &BroadcastService{Store: st}

	err := s.CancelBroadcast(context.Background(), "bc_1", time.Now().UTC())
	if !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable after losing the race, got %v", err)
	}
}

// raceStore completes the broadcast out from under the caller on the first CAS.
type raceStore struct {
	fakeSvcStore
}

func (r *raceStore) AdvanceBroadcastStatus(ctx context.Context, in store.BroadcastStatusUpdate) (bool, error) {
	r.bc.Status = string(domain.StatusCompleted)
	return false, nil
}
