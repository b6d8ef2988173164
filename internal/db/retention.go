package db

import (
	"context"
	"fmt"
	"time"

	"github.com/wrenfed/wren/internal/ap"
)

// DeleteExtraneousPosts removes remote posts older than the cutoff
// that nothing local references: not authored by a local or followed
// actor, not replied to or reposted locally, not mentioned in or
// linked from a surviving post, and not reacted to by a local actor.
// It returns the deletion queue of orphaned attachment files.
func (s *Store) DeleteExtraneousPosts(ctx context.Context, olderThan time.Duration) (*DeletionQueue, int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT p.id FROM posts p
		JOIN actors a ON a.id = p.author_id
		WHERE a.hostname IS NOT NULL
		AND p.created_at < ?
		AND p.author_id NOT IN (
			SELECT target_id FROM relationships WHERE rel_type = ?
		)
		AND p.id NOT IN (SELECT COALESCE(in_reply_to, '') FROM posts)
		AND p.id NOT IN (SELECT COALESCE(repost_of, '') FROM posts)
		AND p.id NOT IN (SELECT target_id FROM post_links)
		AND p.id NOT IN (
			SELECT r.post_id FROM reactions r
			JOIN actors ra ON ra.id = r.actor_id
			WHERE ra.hostname IS NULL
		)`),
		cutoff, RelFollow)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: find extraneous posts: %v", ap.ErrDatabase, err)
	}
	ids, err := scanStringRows(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: find extraneous posts: %v", ap.ErrDatabase, err)
	}

	queue := &DeletionQueue{}
	deleted := 0
	for _, id := range ids {
		q, err := s.DeletePost(ctx, id)
		if err != nil {
			// Another pass may have removed it already.
			continue
		}
		queue.Merge(q)
		deleted++
	}
	return queue, deleted, nil
}

// DeleteEmptyProfiles removes remote actors last fetched before the
// cutoff that have no posts and no relationships with local actors.
func (s *Store) DeleteEmptyProfiles(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id FROM actors
		WHERE hostname IS NOT NULL
		AND COALESCE(fetched_at, created_at) < ?
		AND id NOT IN (SELECT author_id FROM posts)
		AND id NOT IN (SELECT source_id FROM relationships)
		AND id NOT IN (SELECT target_id FROM relationships)
		AND id NOT IN (SELECT source_id FROM follow_requests)
		AND id NOT IN (SELECT target_id FROM follow_requests)
		AND id NOT IN (SELECT actor_id FROM reactions)`),
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: find empty profiles: %v", ap.ErrDatabase, err)
	}
	ids, err := scanStringRows(rows)
	if err != nil {
		return 0, fmt.Errorf("%w: find empty profiles: %v", ap.ErrDatabase, err)
	}

	deleted := 0
	for _, id := range ids {
		if err := s.DeleteActor(ctx, id); err != nil {
			continue
		}
		deleted++
	}
	return deleted, nil
}

// UnreachableActors lists remote actors marked unreachable, for the
// retry task that probes whether they came back.
func (s *Store) UnreachableActors(ctx context.Context, limit int) ([]*Actor, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+actorColumns+` FROM actors
		WHERE unreachable_since IS NOT NULL
		ORDER BY failure_count ASC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list unreachable actors: %v", ap.ErrDatabase, err)
	}
	defer rows.Close()

	var actors []*Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		actors = append(actors, a)
	}
	return actors, rows.Err()
}
