package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wrenfed/wren/internal/ap"
)

// AddReaction records a like on a post and bumps the counter. A second
// like from the same actor returns ErrAlreadyExists and leaves the
// counter unchanged.
func (s *Store) AddReaction(ctx context.Context, actorID, postID, activityID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ap.ErrDatabase, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		s.insertIgnore("reactions", "actor_id, post_id, activity_id, created_at", "?, ?, ?, ?"),
		actorID, postID, activityID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: add reaction: %v", ap.ErrDatabase, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ap.ErrAlreadyExists
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE posts SET reaction_count = reaction_count + 1 WHERE id = ?`),
		postID); err != nil {
		return fmt.Errorf("%w: bump reaction count: %v", ap.ErrDatabase, err)
	}
	return tx.Commit()
}

// RemoveReaction deletes a like and drops the counter, for Undo(Like).
func (s *Store) RemoveReaction(ctx context.Context, actorID, postID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ap.ErrDatabase, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(`
		DELETE FROM reactions WHERE actor_id = ? AND post_id = ?`),
		actorID, postID)
	if err != nil {
		return fmt.Errorf("%w: remove reaction: %v", ap.ErrDatabase, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ap.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE posts SET reaction_count = reaction_count - 1
		WHERE id = ? AND reaction_count > 0`), postID); err != nil {
		return fmt.Errorf("%w: drop reaction count: %v", ap.ErrDatabase, err)
	}
	return tx.Commit()
}

// FindReactionPost locates which post an actor's Like activity
// targeted, for Undo(Like) where only the activity ID is known.
func (s *Store) FindReactionPost(ctx context.Context, actorID, activityID string) (string, error) {
	var postID string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT post_id FROM reactions WHERE actor_id = ? AND activity_id = ?`),
		actorID, activityID).Scan(&postID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ap.ErrNotFound
		}
		return "", fmt.Errorf("%w: find reaction: %v", ap.ErrDatabase, err)
	}
	return postID, nil
}
