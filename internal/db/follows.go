package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/wrenfed/wren/internal/ap"
)

// Follow request states.
const (
	FollowPending  = "pending"
	FollowAccepted = "accepted"
	FollowRejected = "rejected"
)

// Relationship kinds between two actors.
const (
	RelFollow        = "follow"
	RelFollowRequest = "follow_request"
	RelSubscription  = "subscription"
	RelHideReposts   = "hide_reposts"
	RelHideReplies   = "hide_replies"
)

// FollowRequest tracks one actor's request to follow another through
// its pending, accepted or rejected states.
type FollowRequest struct {
	ID         string
	SourceID   string
	TargetID   string
	ActivityID string
	Status     string
	CreatedAt  time.Time
}

func newULID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// CreateFollowRequest records a pending follow request. A duplicate
// source/target pair returns ErrAlreadyExists.
func (s *Store) CreateFollowRequest(ctx context.Context, sourceID, targetID, activityID string) (*FollowRequest, error) {
	fr := &FollowRequest{
		ID:         newULID(),
		SourceID:   sourceID,
		TargetID:   targetID,
		ActivityID: activityID,
		Status:     FollowPending,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO follow_requests (id, source_id, target_id, activity_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		fr.ID, fr.SourceID, fr.TargetID, nullable(fr.ActivityID), fr.Status, fr.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ap.ErrAlreadyExists
		}
		return nil, fmt.Errorf("%w: create follow request: %v", ap.ErrDatabase, err)
	}
	return fr, nil
}

// GetFollowRequest returns the follow request between two actors.
func (s *Store) GetFollowRequest(ctx context.Context, sourceID, targetID string) (*FollowRequest, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, source_id, target_id, COALESCE(activity_id, ''), status, created_at
		FROM follow_requests WHERE source_id = ? AND target_id = ?`),
		sourceID, targetID)
	var fr FollowRequest
	if err := row.Scan(&fr.ID, &fr.SourceID, &fr.TargetID, &fr.ActivityID, &fr.Status, &fr.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ap.ErrNotFound
		}
		return nil, fmt.Errorf("%w: get follow request: %v", ap.ErrDatabase, err)
	}
	return &fr, nil
}

// GetFollowRequestByActivityID looks a request up by the Follow
// activity that created it, for matching inbound Accept and Reject.
func (s *Store) GetFollowRequestByActivityID(ctx context.Context, activityID string) (*FollowRequest, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, source_id, target_id, COALESCE(activity_id, ''), status, created_at
		FROM follow_requests WHERE activity_id = ?`), activityID)
	var fr FollowRequest
	if err := row.Scan(&fr.ID, &fr.SourceID, &fr.TargetID, &fr.ActivityID, &fr.Status, &fr.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ap.ErrNotFound
		}
		return nil, fmt.Errorf("%w: get follow request: %v", ap.ErrDatabase, err)
	}
	return &fr, nil
}

// AcceptFollowRequest marks a request accepted and materializes the
// follow relationship, atomically.
func (s *Store) AcceptFollowRequest(ctx context.Context, sourceID, targetID string) error {
	return s.resolveFollowRequest(ctx, sourceID, targetID, FollowAccepted)
}

// RejectFollowRequest marks a request rejected and removes any
// existing follow relationship, atomically.
func (s *Store) RejectFollowRequest(ctx context.Context, sourceID, targetID string) error {
	return s.resolveFollowRequest(ctx, sourceID, targetID, FollowRejected)
}

func (s *Store) resolveFollowRequest(ctx context.Context, sourceID, targetID, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ap.ErrDatabase, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE follow_requests SET status = ? WHERE source_id = ? AND target_id = ?`),
		status, sourceID, targetID)
	if err != nil {
		return fmt.Errorf("%w: update follow request: %v", ap.ErrDatabase, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ap.ErrNotFound
	}

	if status == FollowAccepted {
		if _, err := tx.ExecContext(ctx,
			s.insertIgnore("relationships", "source_id, target_id, rel_type, created_at", "?, ?, ?, ?"),
			sourceID, targetID, RelFollow, time.Now().UTC()); err != nil {
			return fmt.Errorf("%w: create follow: %v", ap.ErrDatabase, err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			DELETE FROM relationships WHERE source_id = ? AND target_id = ? AND rel_type = ?`),
			sourceID, targetID, RelFollow); err != nil {
			return fmt.Errorf("%w: remove follow: %v", ap.ErrDatabase, err)
		}
	}
	return tx.Commit()
}

// DeleteFollow removes both the follow relationship and its request
// row, for Undo(Follow).
func (s *Store) DeleteFollow(ctx context.Context, sourceID, targetID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ap.ErrDatabase, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(`
		DELETE FROM follow_requests WHERE source_id = ? AND target_id = ?`),
		sourceID, targetID)
	if err != nil {
		return fmt.Errorf("%w: delete follow request: %v", ap.ErrDatabase, err)
	}
	n, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, s.rebind(`
		DELETE FROM relationships WHERE source_id = ? AND target_id = ? AND rel_type = ?`),
		sourceID, targetID, RelFollow)
	if err != nil {
		return fmt.Errorf("%w: delete follow: %v", ap.ErrDatabase, err)
	}
	if m, _ := res.RowsAffected(); n == 0 && m == 0 {
		return ap.ErrNotFound
	}
	return tx.Commit()
}

// AddRelationship records a relationship of the given kind. Duplicates
// are ignored.
func (s *Store) AddRelationship(ctx context.Context, sourceID, targetID, relType string) error {
	_, err := s.db.ExecContext(ctx,
		s.insertIgnore("relationships", "source_id, target_id, rel_type, created_at", "?, ?, ?, ?"),
		sourceID, targetID, relType, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: add relationship: %v", ap.ErrDatabase, err)
	}
	return nil
}

// RemoveRelationship deletes a relationship of the given kind.
func (s *Store) RemoveRelationship(ctx context.Context, sourceID, targetID, relType string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM relationships WHERE source_id = ? AND target_id = ? AND rel_type = ?`),
		sourceID, targetID, relType)
	if err != nil {
		return fmt.Errorf("%w: remove relationship: %v", ap.ErrDatabase, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ap.ErrNotFound
	}
	return nil
}

// HasRelationship reports whether the relationship exists.
func (s *Store) HasRelationship(ctx context.Context, sourceID, targetID, relType string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM relationships
		WHERE source_id = ? AND target_id = ? AND rel_type = ?`),
		sourceID, targetID, relType).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: check relationship: %v", ap.ErrDatabase, err)
	}
	return n > 0, nil
}

// ListFollowers returns the actor IDs following the target, newest
// first.
func (s *Store) ListFollowers(ctx context.Context, targetID string, limit, offset int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT source_id FROM relationships
		WHERE target_id = ? AND rel_type = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`),
		targetID, RelFollow, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list followers: %v", ap.ErrDatabase, err)
	}
	ids, err := scanStringRows(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: list followers: %v", ap.ErrDatabase, err)
	}
	return ids, nil
}

// ListFollowing returns the actor IDs the source follows, newest first.
func (s *Store) ListFollowing(ctx context.Context, sourceID string, limit, offset int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT target_id FROM relationships
		WHERE source_id = ? AND rel_type = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`),
		sourceID, RelFollow, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list following: %v", ap.ErrDatabase, err)
	}
	ids, err := scanStringRows(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: list following: %v", ap.ErrDatabase, err)
	}
	return ids, nil
}

// ListSubscribers returns the actor IDs with a paid subscription to
// the target.
func (s *Store) ListSubscribers(ctx context.Context, targetID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT source_id FROM relationships
		WHERE target_id = ? AND rel_type = ?
		ORDER BY created_at DESC`),
		targetID, RelSubscription)
	if err != nil {
		return nil, fmt.Errorf("%w: list subscribers: %v", ap.ErrDatabase, err)
	}
	ids, err := scanStringRows(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: list subscribers: %v", ap.ErrDatabase, err)
	}
	return ids, nil
}

// CountFollowers returns the follower count for collection totals.
func (s *Store) CountFollowers(ctx context.Context, targetID string) (int, error) {
	return s.countRelationships(ctx, `target_id`, targetID, RelFollow)
}

// CountFollowing returns the following count for collection totals.
func (s *Store) CountFollowing(ctx context.Context, sourceID string) (int, error) {
	return s.countRelationships(ctx, `source_id`, sourceID, RelFollow)
}

func (s *Store) countRelationships(ctx context.Context, column, id, relType string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM relationships WHERE `+column+` = ? AND rel_type = ?`),
		id, relType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count relationships: %v", ap.ErrDatabase, err)
	}
	return n, nil
}

// MoveFollowers repoints all follow relationships from oldID to newID,
// for inbound Move activities, and migrates the matching follow_requests
// rows so a moved follow still has its accepted request. Existing
// follows of newID are kept and duplicates dropped. It returns the IDs
// of the followers that were repointed.
func (s *Store) MoveFollowers(ctx context.Context, oldID, newID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ap.ErrDatabase, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.rebind(`
		SELECT source_id FROM relationships WHERE target_id = ? AND rel_type = ?`),
		oldID, RelFollow)
	if err != nil {
		return nil, fmt.Errorf("%w: list movable follows: %v", ap.ErrDatabase, err)
	}
	followers, err := scanStringRows(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: list movable follows: %v", ap.ErrDatabase, err)
	}

	now := time.Now().UTC()
	for _, follower := range followers {
		if _, err := tx.ExecContext(ctx,
			s.insertIgnore("relationships", "source_id, target_id, rel_type, created_at", "?, ?, ?, ?"),
			follower, newID, RelFollow, now); err != nil {
			return nil, fmt.Errorf("%w: move follow: %v", ap.ErrDatabase, err)
		}
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`
		DELETE FROM relationships WHERE target_id = ? AND rel_type = ?`),
		oldID, RelFollow); err != nil {
		return nil, fmt.Errorf("%w: clear moved follows: %v", ap.ErrDatabase, err)
	}

	reqRows, err := tx.QueryContext(ctx, s.rebind(`
		SELECT source_id, COALESCE(activity_id, ''), status
		FROM follow_requests WHERE target_id = ?`), oldID)
	if err != nil {
		return nil, fmt.Errorf("%w: list movable requests: %v", ap.ErrDatabase, err)
	}
	type movableRequest struct {
		sourceID, activityID, status string
	}
	var requests []movableRequest
	for reqRows.Next() {
		var mr movableRequest
		if err := reqRows.Scan(&mr.sourceID, &mr.activityID, &mr.status); err != nil {
			reqRows.Close()
			return nil, fmt.Errorf("%w: scan movable request: %v", ap.ErrDatabase, err)
		}
		requests = append(requests, mr)
	}
	if err := reqRows.Err(); err != nil {
		reqRows.Close()
		return nil, fmt.Errorf("%w: list movable requests: %v", ap.ErrDatabase, err)
	}
	reqRows.Close()

	for _, mr := range requests {
		if _, err := tx.ExecContext(ctx,
			s.insertIgnore("follow_requests", "id, source_id, target_id, activity_id, status, created_at", "?, ?, ?, ?, ?, ?"),
			newULID(), mr.sourceID, newID, nullable(mr.activityID), mr.status, now); err != nil {
			return nil, fmt.Errorf("%w: move follow request: %v", ap.ErrDatabase, err)
		}
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`
		DELETE FROM follow_requests WHERE target_id = ?`), oldID); err != nil {
		return nil, fmt.Errorf("%w: clear moved requests: %v", ap.ErrDatabase, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ap.ErrDatabase, err)
	}
	return followers, nil
}
