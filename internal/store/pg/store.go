package pg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"coopmsg/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// --- channel sessions ---

// InsertSession creates a fresh session row and supersedes any prior active
// one. History is never deleted.
func (s *Store) InsertSession(ctx context.Context, in store.SessionInsert) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE channel_sessions SET superseded=true, updated_at=$1 WHERE superseded=false
	`, in.Now); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO channel_sessions (id, state, reconnect_attempts, superseded, created_at, updated_at)
		VALUES ($1,$2,0,false,$3,$3)
	`, in.ID, in.State, in.Now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) UpdateSession(ctx context.Context, in store.SessionUpdate) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE channel_sessions
		SET state=$2, pairing_code=$3, connected_identity=$4, reconnect_attempts=$5,
		    last_error_kind=$6, last_error_msg=$7, updated_at=$8
		WHERE id=$1
	`, in.ID, in.State, nullIfEmpty(in.PairingCode), nullIfEmpty(in.ConnectedIdentity),
		in.ReconnectAttempts, nullIfEmpty(in.LastErrorKind), nullIfEmpty(in.LastErrorMsg), in.Now)
	return err
}

// --- broadcasts ---

func (s *Store) InsertBroadcast(ctx context.Context, in store.BroadcastInsert) error {
	b, _ := json.Marshal(in.Targets)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO broadcasts (id, message_body, target_spec, status, scheduled_at,
		                        total_recipients, sent, failed, pending, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,0,0,0,0,$6,$6)
	`, in.ID, in.MessageBody, b, in.Status, in.ScheduledAt, in.Now)
	return err
}

func (s *Store) GetBroadcast(ctx context.Context, id string) (store.Broadcast, bool, error) {
	var out store.Broadcast
	var specJSON []byte
	row := s.DB.QueryRow(ctx, `
		SELECT id, message_body, target_spec, status, scheduled_at,
		       total_recipients, sent, failed, pending, created_at, updated_at
		FROM broadcasts WHERE id=$1
	`, id)
	err := row.Scan(&out.ID, &out.MessageBody, &specJSON, &out.Status, &out.ScheduledAt,
		&out.TotalRecipients, &out.Sent, &out.Failed, &out.Pending, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return store.Broadcast{}, false, nil
		}
		return store.Broadcast{}, false, err
	}
	_ = json.Unmarshal(specJSON, &out.Targets)
	return out, true, nil
}

// AdvanceBroadcastStatus applies a forward-only transition via compare-and-set.
func (s *Store) AdvanceBroadcastStatus(ctx context.Context, in store.BroadcastStatusUpdate) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE broadcasts SET status=$3, updated_at=$4 WHERE id=$1 AND status=$2
	`, in.ID, in.From, in.To, in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// InitBroadcastTargets persists the resolved recipient set and the initial
// counters atomically: total == pending == len(targets).
func (s *Store) InitBroadcastTargets(ctx context.Context, broadcastID string, targets []store.TargetInsert, now time.Time) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, t := range targets {
		if _, err := tx.Exec(ctx, `
			INSERT INTO recipient_targets (broadcast_id, destination, source_contact_id, source_group_id,
			                               status, attempt, created_at, updated_at)
			VALUES ($1,$2,$3,$4,'pending',0,$5,$5)
		`, broadcastID, t.Destination, nullIfEmpty(t.SourceContactID), nullIfEmpty(t.SourceGroupID), now); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE broadcasts SET total_recipients=$2, pending=$2, sent=0, failed=0, updated_at=$3 WHERE id=$1
	`, broadcastID, len(targets), now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ListPendingTargets returns the remaining recipients in insertion order, so a
// resumed dispatch continues exactly where it left off.
func (s *Store) ListPendingTargets(ctx context.Context, broadcastID string) ([]store.PendingTarget, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT destination, attempt FROM recipient_targets
		WHERE broadcast_id=$1 AND status='pending'
		ORDER BY seq
	`, broadcastID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.PendingTarget
	for rows.Next() {
		var t store.PendingTarget
		if err := rows.Scan(&t.Destination, &t.Attempt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ApplyOutcome writes one delivery outcome in a single transaction: the target
// row flips out of pending, the matching counter moves, and failures feed the
// reason histogram. Returns false when the target was not pending anymore, in
// which case nothing is counted (outcomes are never double-applied).
func (s *Store) ApplyOutcome(ctx context.Context, in store.OutcomeApply) (bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE recipient_targets
		SET status=$3, attempt=$4, last_error_kind=$5, last_error_msg=$6, sent_at=$7, updated_at=$8
		WHERE broadcast_id=$1 AND destination=$2 AND status='pending'
	`, in.BroadcastID, in.Destination, in.Status, in.Attempt,
		nullIfEmpty(in.ErrorKind), nullIfEmpty(in.ErrorMsg), in.SentAt, in.Now)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 0 {
		return false, nil
	}

	switch in.Status {
	case "sent":
		if _, err := tx.Exec(ctx, `
			UPDATE broadcasts SET sent=sent+1, pending=pending-1, updated_at=$2 WHERE id=$1
		`, in.BroadcastID, in.Now); err != nil {
			return false, err
		}
	case "failed":
		if _, err := tx.Exec(ctx, `
			UPDATE broadcasts SET failed=failed+1, pending=pending-1, updated_at=$2 WHERE id=$1
		`, in.BroadcastID, in.Now); err != nil {
			return false, err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO broadcast_failure_reasons (broadcast_id, error_kind, count)
			VALUES ($1,$2,1)
			ON CONFLICT (broadcast_id, error_kind)
			DO UPDATE SET count = broadcast_failure_reasons.count + 1
		`, in.BroadcastID, in.ErrorKind); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) GetBroadcastCounters(ctx context.Context, id string) (store.BroadcastCounters, bool, error) {
	var out store.BroadcastCounters
	row := s.DB.QueryRow(ctx, `
		SELECT status, total_recipients, sent, failed, pending FROM broadcasts WHERE id=$1
	`, id)
	err := row.Scan(&out.Status, &out.TotalRecipients, &out.Sent, &out.Failed, &out.Pending)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return store.BroadcastCounters{}, false, nil
		}
		return store.BroadcastCounters{}, false, err
	}
	return out, true, nil
}

func (s *Store) ListFailureReasons(ctx context.Context, id string) ([]store.FailureReason, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT error_kind, count FROM broadcast_failure_reasons WHERE broadcast_id=$1 ORDER BY error_kind
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.FailureReason
	for rows.Next() {
		var r store.FailureReason
		if err := rows.Scan(&r.Kind, &r.Count); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- contacts / groups (read-only view over the back-office tables) ---

func (s *Store) GetContact(ctx context.Context, contactID string) (store.Contact, bool, error) {
	var c store.Contact
	row := s.DB.QueryRow(ctx, `
		SELECT id, display_name, raw_address FROM contacts WHERE id=$1
	`, contactID)
	err := row.Scan(&c.ID, &c.DisplayName, &c.RawAddress)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return store.Contact{}, false, nil
		}
		return store.Contact{}, false, err
	}
	return c, true, nil
}

func (s *Store) GetContactsInGroup(ctx context.Context, groupID string) ([]store.Contact, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT c.id, c.display_name, c.raw_address
		FROM group_members gm
		JOIN contacts c ON c.id = gm.contact_id
		WHERE gm.group_id = $1
		ORDER BY gm.added_at, c.id
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Contact
	for rows.Next() {
		var c store.Contact
		if err := rows.Scan(&c.ID, &c.DisplayName, &c.RawAddress); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
