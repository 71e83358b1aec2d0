//go:build integration
// +build integration

package integration

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"coopmsg/internal/channel"
	"coopmsg/internal/dispatch"
	"coopmsg/internal/domain"
	"coopmsg/internal/ledger"
	"coopmsg/internal/resolver"
	"coopmsg/internal/service"
	"coopmsg/internal/store"
	"coopmsg/internal/store/pg"
)

type noopQueue struct{}

func (noopQueue) EnqueueBroadcast(ctx context.Context, broadcastID string) error { return nil }

// fakeChannel stands in for the live gateway session: always connected, sends
// scripted per destination.
type fakeChannel struct {
	mu     sync.Mutex
	fail   map[string]domain.ErrorKind
	sent   []string
	onSend func(to string)
}

func (f *fakeChannel) IsUsable() bool { return true }

func (f *fakeChannel) Subscribe(buffer int) (<-chan channel.StateChange, func()) {
	ch := make(chan channel.StateChange, buffer)
	return ch, func() {}
}

func (f *fakeChannel) Send(ctx context.Context, to, body string) (string, error) {
	f.mu.Lock()
	kind, bad := f.fail[to]
	f.sent = append(f.sent, to)
	cb := f.onSend
	f.mu.Unlock()
	if cb != nil {
		cb(to)
	}
	if bad {
		return "", &channel.SendError{Kind: kind, Msg: "scripted failure"}
	}
	return "msg-" + to, nil
}

func TestSubmitAndDispatchEndToEnd(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	seedContacts(t, db)

	svc := &service.BroadcastService{Store: st, Queue: noopQueue{}}
	resp, err := svc.SubmitBroadcast(ctx, domain.SubmitBroadcastRequest{
		MessageBody: "AGM this Saturday at the hall",
		Targets:     domain.TargetSpec{ContactIDs: []string{"c1"}, GroupIDs: []string{"g1"}},
	}, "bc-1", time.Now())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.Status != string(domain.StatusScheduled) {
		t.Fatalf("expected scheduled, got %s", resp.Status)
	}

	conn := &fakeChannel{}
	e := &dispatch.Engine{
		Store:    st,
		Resolver: &resolver.Resolver{Contacts: st},
		Conn:     conn,
		Ledger:   &ledger.Ledger{Store: st},
	}
	if err := e.Run(ctx, "bc-1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	assertBroadcastStatusDB(t, db, "bc-1", string(domain.StatusCompleted))

	// c1 is also in g1: dedupe means exactly 3 recipients
	if len(conn.sent) != 3 {
		t.Fatalf("expected 3 sends, got %v", conn.sent)
	}
	c := countersDB(t, db, "bc-1")
	if c.TotalRecipients != 3 || c.Sent != 3 || c.Failed != 0 || c.Pending != 0 {
		t.Fatalf("unexpected counters %+v", c)
	}
}

func TestFailureCountersAndHistogram(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	seedContacts(t, db)

	svc := &service.BroadcastService{Store: st, Queue: noopQueue{}}
	if _, err := svc.SubmitBroadcast(ctx, domain.SubmitBroadcastRequest{
		MessageBody: "dividend notices are ready",
		Targets:     domain.TargetSpec{GroupIDs: []string{"g1"}},
	}, "bc-2", time.Now()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	conn := &fakeChannel{fail: map[string]domain.ErrorKind{
		"+254700000002": domain.KindInvalidDestination,
		"+254700000003": domain.KindRecipientBlocked,
	}}
	l := &ledger.Ledger{Store: st}
	e := &dispatch.Engine{Store: st, Resolver: &resolver.Resolver{Contacts: st}, Conn: conn, Ledger: l}
	if err := e.Run(ctx, "bc-2"); err != nil {
		t.Fatalf("run: %v", err)
	}

	s, found, err := l.Summarize(ctx, "bc-2")
	if err != nil || !found {
		t.Fatalf("summarize: found=%v err=%v", found, err)
	}
	if s.TotalRecipients != 3 || s.Sent != 1 || s.Failed != 2 || s.Pending != 0 {
		t.Fatalf("unexpected summary %+v", s)
	}
	if s.FailureReasonHistogram[string(domain.KindInvalidDestination)] != 1 ||
		s.FailureReasonHistogram[string(domain.KindRecipientBlocked)] != 1 {
		t.Fatalf("unexpected histogram %v", s.FailureReasonHistogram)
	}
}

func TestCancelStopsDispatchAndKeepsRemainderPending(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	seedContacts(t, db)

	svc := &service.BroadcastService{Store: st, Queue: noopQueue{}}
	if _, err := svc.SubmitBroadcast(ctx, domain.SubmitBroadcastRequest{
		MessageBody: "loan committee update",
		Targets:     domain.TargetSpec{GroupIDs: []string{"g1"}},
	}, "bc-3", time.Now()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// cancel through the service after the first send, as the UI would from
	// another process
	conn := &fakeChannel{}
	conn.onSend = func(to string) {
		if to == "+254700000001" {
			if err := svc.CancelBroadcast(ctx, "bc-3", time.Now()); err != nil {
				t.Errorf("cancel: %v", err)
			}
		}
	}
	e := &dispatch.Engine{Store: st, Resolver: &resolver.Resolver{Contacts: st}, Conn: conn, Ledger: &ledger.Ledger{Store: st}}
	if err := e.Run(ctx, "bc-3"); err != nil {
		t.Fatalf("run: %v", err)
	}

	assertBroadcastStatusDB(t, db, "bc-3", string(domain.StatusCancelled))
	c := countersDB(t, db, "bc-3")
	if c.Sent != 1 || c.Pending != 2 {
		t.Fatalf("expected 1 sent and 2 pending after cancel, got %+v", c)
	}
	pending, err := st.ListPendingTargets(ctx, "bc-3")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending targets, got %d", len(pending))
	}
}

func TestDispatchResumesFromPendingTargets(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	seedContacts(t, db)

	// a broadcast that was mid-dispatch when the process died: first
	// recipient already sent, status dispatching
	now := time.Now()
	if err := st.InsertBroadcast(ctx, store.BroadcastInsert{
		ID: "bc-4", MessageBody: "hall booking confirmed",
		Targets: domain.TargetSpec{GroupIDs: []string{"g1"}},
		Status:  string(domain.StatusDispatching), Now: now,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	targets := []store.TargetInsert{
		{Destination: "+254700000001", SourceContactID: "c1", SourceGroupID: "g1"},
		{Destination: "+254700000002", SourceContactID: "c2", SourceGroupID: "g1"},
		{Destination: "+254700000003", SourceContactID: "c3", SourceGroupID: "g1"},
	}
	if err := st.InitBroadcastTargets(ctx, "bc-4", targets, now); err != nil {
		t.Fatalf("init targets: %v", err)
	}
	applied, err := st.ApplyOutcome(ctx, store.OutcomeApply{
		BroadcastID: "bc-4", Destination: "+254700000001",
		Status: "sent", Attempt: 1, SentAt: &now, Now: now,
	})
	if err != nil || !applied {
		t.Fatalf("apply: applied=%v err=%v", applied, err)
	}

	conn := &fakeChannel{}
	e := &dispatch.Engine{Store: st, Resolver: &resolver.Resolver{Contacts: st}, Conn: conn, Ledger: &ledger.Ledger{Store: st}}
	if err := e.Run(ctx, "bc-4"); err != nil {
		t.Fatalf("run: %v", err)
	}

	// only the two still-pending destinations go out, in insertion order
	if len(conn.sent) != 2 || conn.sent[0] != "+254700000002" || conn.sent[1] != "+254700000003" {
		t.Fatalf("unexpected resumed sends %v", conn.sent)
	}
	assertBroadcastStatusDB(t, db, "bc-4", string(domain.StatusCompleted))
	c := countersDB(t, db, "bc-4")
	if c.Sent != 3 || c.Pending != 0 {
		t.Fatalf("unexpected counters %+v", c)
	}
}

func TestApplyOutcomeIsAppliedAtMostOnce(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)

	now := time.Now()
	if err := st.InsertBroadcast(ctx, store.BroadcastInsert{
		ID: "bc-5", MessageBody: "x", Targets: domain.TargetSpec{}, Status: string(domain.StatusDispatching), Now: now,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := st.InitBroadcastTargets(ctx, "bc-5", []store.TargetInsert{{Destination: "+254700000009"}}, now); err != nil {
		t.Fatalf("init: %v", err)
	}

	in := store.OutcomeApply{
		BroadcastID: "bc-5", Destination: "+254700000009",
		Status: "sent", Attempt: 1, SentAt: &now, Now: now,
	}
	applied, err := st.ApplyOutcome(ctx, in)
	if err != nil || !applied {
		t.Fatalf("first apply: applied=%v err=%v", applied, err)
	}
	applied, err = st.ApplyOutcome(ctx, in)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if applied {
		t.Fatalf("second apply must be a no-op")
	}
	c := countersDB(t, db, "bc-5")
	if c.Sent != 1 || c.Pending != 0 {
		t.Fatalf("counters double-moved: %+v", c)
	}
}

func TestInsertSessionSupersedesActive(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	now := time.Now()
	if err := st.InsertSession(ctx, store.SessionInsert{ID: "s1", State: "initializing", Now: now}); err != nil {
		t.Fatalf("insert s1: %v", err)
	}
	if err := st.InsertSession(ctx, store.SessionInsert{ID: "s2", State: "initializing", Now: now}); err != nil {
		t.Fatalf("insert s2: %v", err)
	}

	var active int
	err := db.QueryRow(ctx, `SELECT count(*) FROM channel_sessions WHERE superseded=false`).Scan(&active)
	if err != nil {
		t.Fatalf("count active: %v", err)
	}
	if active != 1 {
		t.Fatalf("expected exactly one active session, got %d", active)
	}
	var total int
	if err := db.QueryRow(ctx, `SELECT count(*) FROM channel_sessions`).Scan(&total); err != nil {
		t.Fatalf("count total: %v", err)
	}
	if total != 2 {
		t.Fatalf("history must be kept, got %d rows", total)
	}
}

func seedContacts(t *testing.T, db *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()
	rows := [][2]string{
		{"c1", "+254 700 000 001"},
		{"c2", "+254700000002"},
		{"c3", "+254-700-000-003"},
	}
	for _, r := range rows {
		if _, err := db.Exec(ctx, `
			INSERT INTO contacts (id, display_name, raw_address) VALUES ($1, $1, $2)
		`, r[0], r[1]); err != nil {
			t.Fatalf("insert contact: %v", err)
		}
	}
	if _, err := db.Exec(ctx, `INSERT INTO contact_groups (id, name) VALUES ('g1', 'members')`); err != nil {
		t.Fatalf("insert group: %v", err)
	}
	for i, id := range []string{"c1", "c2", "c3"} {
		if _, err := db.Exec(ctx, `
			INSERT INTO group_members (group_id, contact_id, added_at) VALUES ('g1', $1, $2)
		`, id, time.Now().Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("insert member: %v", err)
		}
	}
}

func assertBroadcastStatusDB(t *testing.T, db *pgxpool.Pool, id, want string) {
	t.Helper()
	var got string
	err := db.QueryRow(context.Background(), `SELECT status FROM broadcasts WHERE id=$1`, id).Scan(&got)
	if err != nil {
		t.Fatalf("select status: %v", err)
	}
	if got != want {
		t.Fatalf("expected status %s, got %s", want, got)
	}
}

func countersDB(t *testing.T, db *pgxpool.Pool, id string) store.BroadcastCounters {
	t.Helper()
	var c store.BroadcastCounters
	err := db.QueryRow(context.Background(), `
		SELECT status, total_recipients, sent, failed, pending FROM broadcasts WHERE id=$1
	`, id).Scan(&c.Status, &c.TotalRecipients, &c.Sent, &c.Failed, &c.Pending)
	if err != nil {
		t.Fatalf("select counters: %v", err)
	}
	return c
}

func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect admin db: %v", err)
	}

	_, err = admin.Exec(context.Background(), "CREATE SCHEMA "+schema)
	if err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	dbDSN, err := withSearchPath(dsn, schema)
	if err != nil {
		admin.Close()
		t.Fatalf("build dsn: %v", err)
	}

	db, err := pgxpool.New(context.Background(), dbDSN)
	if err != nil {
		admin.Close()
		t.Fatalf("connect test db: %v", err)
	}

	sqlPath := filepath.Join("..", "..", "migrations", "001_init.sql")
	sqlBytes, err := os.ReadFile(sqlPath)
	if err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("read migrations: %v", err)
	}

	if _, err := db.Exec(context.Background(), string(sqlBytes)); err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	}

	return db, cleanup
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	opts := q.Get("options")
	if opts != "" {
		opts = opts + " -c search_path=" + schema
	} else {
		opts = "-c search_path=" + schema
	}
	q.Set("options", opts)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
