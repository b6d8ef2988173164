package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wrenfed/wren/internal/ap"
)

// OutgoingActivity is one queued delivery: an activity document bound
// for one inbox URL. A fan-out enqueues one row per inbox.
type OutgoingActivity struct {
	ID            string
	SenderID      string
	Activity      string
	InboxURL      string
	AttemptCount  int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
}

// IncomingActivity is a received activity deferred for asynchronous
// processing, such as an Undo arriving before its object.
type IncomingActivity struct {
	ID           string
	Raw          string
	SignerID     string
	ReceivedAt   time.Time
	AttemptCount int
}

// EnqueueOutgoing adds delivery jobs for an activity, one per inbox.
// Inboxes already delivered to for this activity ID are skipped via
// the deliveries table.
func (s *Store) EnqueueOutgoing(ctx context.Context, senderID, activityID, activity string, inboxes []string) (int, error) {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", ap.ErrDatabase, err)
	}
	defer tx.Rollback()

	enqueued := 0
	for _, inbox := range inboxes {
		res, err := tx.ExecContext(ctx,
			s.insertIgnore("deliveries", "activity_id, inbox_url", "?, ?"),
			activityID, inbox)
		if err != nil {
			return 0, fmt.Errorf("%w: record delivery: %v", ap.ErrDatabase, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO outgoing_activities (id, sender_id, activity, inbox_url, next_attempt_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
			newULID(), senderID, activity, inbox, now, now); err != nil {
			return 0, fmt.Errorf("%w: enqueue delivery: %v", ap.ErrDatabase, err)
		}
		enqueued++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ap.ErrDatabase, err)
	}
	return enqueued, nil
}

// DueOutgoing returns jobs whose next attempt time has passed, oldest
// first. An inbox with an older job still queued, due or not, yields
// nothing newer: a retrying delivery holds back everything behind it,
// keeping each inbox strictly in submission order.
func (s *Store) DueOutgoing(ctx context.Context, limit int) ([]*OutgoingActivity, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, sender_id, activity, inbox_url, attempt_count, next_attempt_at, last_error, created_at
		FROM outgoing_activities o
		WHERE next_attempt_at <= ?
		AND NOT EXISTS (
			SELECT 1 FROM outgoing_activities prior
			WHERE prior.inbox_url = o.inbox_url AND prior.id < o.id
		)
		ORDER BY id ASC LIMIT ?`),
		time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list due deliveries: %v", ap.ErrDatabase, err)
	}
	defer rows.Close()

	var jobs []*OutgoingActivity
	for rows.Next() {
		var j OutgoingActivity
		if err := rows.Scan(&j.ID, &j.SenderID, &j.Activity, &j.InboxURL,
			&j.AttemptCount, &j.NextAttemptAt, &j.LastError, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan delivery: %v", ap.ErrDatabase, err)
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// CompleteOutgoing removes a delivered job.
func (s *Store) CompleteOutgoing(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM outgoing_activities WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("%w: complete delivery: %v", ap.ErrDatabase, err)
	}
	return nil
}

// FailOutgoing records a failed attempt and schedules the retry. The
// failed delivery's dedup row is kept so a later re-fan-out does not
// double-send after the retry eventually lands.
func (s *Store) FailOutgoing(ctx context.Context, id string, nextAttempt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE outgoing_activities
		SET attempt_count = attempt_count + 1, next_attempt_at = ?, last_error = ?
		WHERE id = ?`),
		nextAttempt, truncate(lastError, 500), id)
	if err != nil {
		return fmt.Errorf("%w: fail delivery: %v", ap.ErrDatabase, err)
	}
	return nil
}

// AbandonOutgoing drops a job that exhausted its retries, releasing
// its dedup row so a future fan-out may try the inbox again.
func (s *Store) AbandonOutgoing(ctx context.Context, job *OutgoingActivity, activityID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ap.ErrDatabase, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		s.rebind(`DELETE FROM outgoing_activities WHERE id = ?`), job.ID); err != nil {
		return fmt.Errorf("%w: abandon delivery: %v", ap.ErrDatabase, err)
	}
	if activityID != "" {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			DELETE FROM deliveries WHERE activity_id = ? AND inbox_url = ?`),
			activityID, job.InboxURL); err != nil {
			return fmt.Errorf("%w: release delivery: %v", ap.ErrDatabase, err)
		}
	}
	return tx.Commit()
}

// EnqueueIncoming defers an inbound activity for later processing.
func (s *Store) EnqueueIncoming(ctx context.Context, raw, signerID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO incoming_activities (id, raw, signer_id, received_at)
		VALUES (?, ?, ?, ?)`),
		newULID(), raw, signerID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: enqueue incoming: %v", ap.ErrDatabase, err)
	}
	return nil
}

// DueIncoming returns deferred inbound activities in arrival order.
func (s *Store) DueIncoming(ctx context.Context, limit int) ([]*IncomingActivity, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, raw, signer_id, received_at, attempt_count
		FROM incoming_activities ORDER BY id ASC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list incoming: %v", ap.ErrDatabase, err)
	}
	defer rows.Close()

	var jobs []*IncomingActivity
	for rows.Next() {
		var j IncomingActivity
		if err := rows.Scan(&j.ID, &j.Raw, &j.SignerID, &j.ReceivedAt, &j.AttemptCount); err != nil {
			return nil, fmt.Errorf("%w: scan incoming: %v", ap.ErrDatabase, err)
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// CompleteIncoming removes a processed inbound job.
func (s *Store) CompleteIncoming(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM incoming_activities WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("%w: complete incoming: %v", ap.ErrDatabase, err)
	}
	return nil
}

// RetryIncoming bumps the attempt counter on a deferred inbound job.
func (s *Store) RetryIncoming(ctx context.Context, id string) (int, error) {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE incoming_activities SET attempt_count = attempt_count + 1 WHERE id = ?`), id)
	if err != nil {
		return 0, fmt.Errorf("%w: retry incoming: %v", ap.ErrDatabase, err)
	}
	var count int
	err = s.db.QueryRowContext(ctx,
		s.rebind(`SELECT attempt_count FROM incoming_activities WHERE id = ?`), id).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ap.ErrNotFound
		}
		return 0, fmt.Errorf("%w: read incoming attempts: %v", ap.ErrDatabase, err)
	}
	return count, nil
}

// MarkProcessed records that an activity (id, type) pair was handled.
// It returns false if the pair was already recorded, making inbound
// processing idempotent. The type is part of the key because servers
// reuse activity IDs across Create and Update of the same object.
func (s *Store) MarkProcessed(ctx context.Context, activityID, activityType string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.insertIgnore("processed_activities", "activity_id, activity_type, processed_at", "?, ?, ?"),
		activityID, activityType, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("%w: mark processed: %v", ap.ErrDatabase, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UnmarkProcessed forgets a processed record, letting the sender's
// retry of a failed activity through the duplicate check.
func (s *Store) UnmarkProcessed(ctx context.Context, activityID, activityType string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM processed_activities WHERE activity_id = ? AND activity_type = ?`),
		activityID, activityType)
	if err != nil {
		return fmt.Errorf("%w: unmark processed: %v", ap.ErrDatabase, err)
	}
	return nil
}

// MarkInboxRejecting records a permanent 4xx from an inbox. Fan-out
// skips inboxes seen rejecting to avoid hammering dead accounts.
func (s *Store) MarkInboxRejecting(ctx context.Context, inbox, actorID string) error {
	if s.driver == "sqlite" {
		_, err := s.db.Exec(`
			INSERT INTO rejecting_inboxes (inbox_url, actor_id, first_seen)
			VALUES (?, ?, ?)
			ON CONFLICT(inbox_url) DO UPDATE SET count = count + 1`,
			inbox, actorID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("%w: mark rejecting: %v", ap.ErrDatabase, err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO rejecting_inboxes (inbox_url, actor_id, first_seen)
		VALUES (?, ?, ?)
		ON CONFLICT (inbox_url) DO UPDATE SET count = rejecting_inboxes.count + 1`),
		inbox, actorID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: mark rejecting: %v", ap.ErrDatabase, err)
	}
	return nil
}

// IsInboxRejecting reports whether an inbox has previously returned a
// permanent rejection.
func (s *Store) IsInboxRejecting(ctx context.Context, inbox string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM rejecting_inboxes WHERE inbox_url = ?`),
		inbox).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: check rejecting: %v", ap.ErrDatabase, err)
	}
	return n > 0, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
