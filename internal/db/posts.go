package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wrenfed/wren/internal/ap"
)

// Visibility levels for posts. Direct posts are addressed to mentioned
// actors only.
const (
	VisibilityPublic      = "public"
	VisibilityFollowers   = "followers"
	VisibilitySubscribers = "subscribers"
	VisibilityDirect      = "direct"
)

// Post is a stored note, either authored locally or received from a
// remote instance. A repost carries RepostOf and no content.
type Post struct {
	ID            string
	AuthorID      string
	Content       string
	Summary       string
	Sensitive     bool
	Visibility    string
	InReplyTo     string
	RepostOf      string
	URL           string
	ReactionCount int
	RepostCount   int
	CreatedAt     time.Time
	UpdatedAt     time.Time

	Mentions    []string
	Hashtags    []string
	Links       []string
	Attachments []PostAttachment
}

// PostAttachment is a media file attached to a post.
type PostAttachment struct {
	URL       string
	MediaType string
	FileName  string
	IPFSCid   string
}

// DeletionQueue accumulates the orphaned files and IPFS objects left
// behind by a delete, for the caller to clean up outside the
// transaction.
type DeletionQueue struct {
	FileNames []string
	IPFSCids  []string
}

// Merge folds another queue into this one.
func (q *DeletionQueue) Merge(other *DeletionQueue) {
	if other == nil {
		return
	}
	q.FileNames = append(q.FileNames, other.FileNames...)
	q.IPFSCids = append(q.IPFSCids, other.IPFSCids...)
}

const postColumns = `id, author_id, content, summary, sensitive, visibility,
	COALESCE(in_reply_to, ''), COALESCE(repost_of, ''), url,
	reaction_count, repost_count, created_at, updated_at`

func scanPost(row interface{ Scan(...any) error }) (*Post, error) {
	var p Post
	if err := row.Scan(
		&p.ID, &p.AuthorID, &p.Content, &p.Summary, &p.Sensitive, &p.Visibility,
		&p.InReplyTo, &p.RepostOf, &p.URL,
		&p.ReactionCount, &p.RepostCount, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ap.ErrNotFound
		}
		return nil, fmt.Errorf("%w: scan post: %v", ap.ErrDatabase, err)
	}
	return &p, nil
}

// CreatePost inserts a post with its mentions, hashtags, object links
// and attachments in one transaction. Reposts additionally bump the
// target's repost counter.
func (s *Store) CreatePost(ctx context.Context, p *Post) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = p.CreatedAt

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ap.ErrDatabase, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO posts (id, author_id, content, summary, sensitive, visibility,
			in_reply_to, repost_of, url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.AuthorID, p.Content, p.Summary, p.Sensitive, p.Visibility,
		nullable(p.InReplyTo), nullable(p.RepostOf), p.URL, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ap.ErrAlreadyExists
		}
		return fmt.Errorf("%w: insert post: %v", ap.ErrDatabase, err)
	}

	if err := s.insertPostRefs(ctx, tx, p); err != nil {
		return err
	}

	if p.RepostOf != "" {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE posts SET repost_count = repost_count + 1 WHERE id = ?`),
			p.RepostOf); err != nil {
			return fmt.Errorf("%w: bump repost count: %v", ap.ErrDatabase, err)
		}
	}

	return tx.Commit()
}

func (s *Store) insertPostRefs(ctx context.Context, tx *sql.Tx, p *Post) error {
	for _, m := range p.Mentions {
		if _, err := tx.ExecContext(ctx,
			s.insertIgnore("post_mentions", "post_id, actor_id", "?, ?"),
			p.ID, m); err != nil {
			return fmt.Errorf("%w: insert mention: %v", ap.ErrDatabase, err)
		}
	}
	for _, h := range p.Hashtags {
		if _, err := tx.ExecContext(ctx,
			s.insertIgnore("post_hashtags", "post_id, tag", "?, ?"),
			p.ID, h); err != nil {
			return fmt.Errorf("%w: insert hashtag: %v", ap.ErrDatabase, err)
		}
	}
	for _, l := range p.Links {
		if _, err := tx.ExecContext(ctx,
			s.insertIgnore("post_links", "post_id, target_id", "?, ?"),
			p.ID, l); err != nil {
			return fmt.Errorf("%w: insert object link: %v", ap.ErrDatabase, err)
		}
	}
	for i, a := range p.Attachments {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO post_attachments (post_id, url, media_type, file_name, ipfs_cid, position)
			VALUES (?, ?, ?, ?, ?, ?)`),
			p.ID, a.URL, a.MediaType, a.FileName, a.IPFSCid, i); err != nil {
			return fmt.Errorf("%w: insert attachment: %v", ap.ErrDatabase, err)
		}
	}
	return nil
}

// UpdatePost replaces a post's content and satellite rows. The author
// must match; updates from anyone else are rejected upstream.
func (s *Store) UpdatePost(ctx context.Context, p *Post) error {
	p.UpdatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ap.ErrDatabase, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE posts SET content = ?, summary = ?, sensitive = ?, updated_at = ?
		WHERE id = ? AND author_id = ?`),
		p.Content, p.Summary, p.Sensitive, p.UpdatedAt, p.ID, p.AuthorID)
	if err != nil {
		return fmt.Errorf("%w: update post: %v", ap.ErrDatabase, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ap.ErrNotFound
	}

	for _, table := range []string{"post_mentions", "post_hashtags", "post_links", "post_attachments"} {
		if _, err := tx.ExecContext(ctx,
			s.rebind(`DELETE FROM `+table+` WHERE post_id = ?`), p.ID); err != nil {
			return fmt.Errorf("%w: clear %s: %v", ap.ErrDatabase, table, err)
		}
	}
	if err := s.insertPostRefs(ctx, tx, p); err != nil {
		return err
	}

	return tx.Commit()
}

// DeletePost removes a post and returns the deletion queue of orphaned
// attachment files. Reposts of the deleted post stay as rows pointing
// at a gone object; collection views skip them.
func (s *Store) DeletePost(ctx context.Context, id string) (*DeletionQueue, error) {
	queue := &DeletionQueue{}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT file_name, ipfs_cid FROM post_attachments WHERE post_id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("%w: list attachments: %v", ap.ErrDatabase, err)
	}
	for rows.Next() {
		var fileName, cid string
		if err := rows.Scan(&fileName, &cid); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: scan attachment: %v", ap.ErrDatabase, err)
		}
		if fileName != "" {
			queue.FileNames = append(queue.FileNames, fileName)
		}
		if cid != "" {
			queue.IPFSCids = append(queue.IPFSCids, cid)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list attachments: %v", ap.ErrDatabase, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ap.ErrDatabase, err)
	}
	defer tx.Rollback()

	var repostOf sql.NullString
	err = tx.QueryRowContext(ctx,
		s.rebind(`SELECT repost_of FROM posts WHERE id = ?`), id).Scan(&repostOf)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ap.ErrNotFound
		}
		return nil, fmt.Errorf("%w: read post: %v", ap.ErrDatabase, err)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM posts WHERE id = ?`), id); err != nil {
		return nil, fmt.Errorf("%w: delete post: %v", ap.ErrDatabase, err)
	}
	if _, err := tx.ExecContext(ctx,
		s.insertIgnore("tombstones", "object_id, deleted_at", "?, ?"),
		id, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("%w: record tombstone: %v", ap.ErrDatabase, err)
	}

	if repostOf.Valid && repostOf.String != "" {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE posts SET repost_count = repost_count - 1
			WHERE id = ? AND repost_count > 0`), repostOf.String); err != nil {
			return nil, fmt.Errorf("%w: drop repost count: %v", ap.ErrDatabase, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ap.ErrDatabase, err)
	}
	return queue, nil
}

// GetPost returns a post with its satellite rows loaded.
func (s *Store) GetPost(ctx context.Context, id string) (*Post, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+postColumns+` FROM posts WHERE id = ?`), id)
	p, err := scanPost(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadPostRefs(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) loadPostRefs(ctx context.Context, p *Post) error {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT actor_id FROM post_mentions WHERE post_id = ?`), p.ID)
	if err != nil {
		return fmt.Errorf("%w: load mentions: %v", ap.ErrDatabase, err)
	}
	if p.Mentions, err = scanStringRows(rows); err != nil {
		return fmt.Errorf("%w: load mentions: %v", ap.ErrDatabase, err)
	}

	rows, err = s.db.QueryContext(ctx,
		s.rebind(`SELECT tag FROM post_hashtags WHERE post_id = ?`), p.ID)
	if err != nil {
		return fmt.Errorf("%w: load hashtags: %v", ap.ErrDatabase, err)
	}
	if p.Hashtags, err = scanStringRows(rows); err != nil {
		return fmt.Errorf("%w: load hashtags: %v", ap.ErrDatabase, err)
	}

	rows, err = s.db.QueryContext(ctx,
		s.rebind(`SELECT target_id FROM post_links WHERE post_id = ?`), p.ID)
	if err != nil {
		return fmt.Errorf("%w: load links: %v", ap.ErrDatabase, err)
	}
	if p.Links, err = scanStringRows(rows); err != nil {
		return fmt.Errorf("%w: load links: %v", ap.ErrDatabase, err)
	}

	arows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT url, media_type, file_name, ipfs_cid
		FROM post_attachments WHERE post_id = ? ORDER BY position`), p.ID)
	if err != nil {
		return fmt.Errorf("%w: load attachments: %v", ap.ErrDatabase, err)
	}
	defer arows.Close()
	for arows.Next() {
		var a PostAttachment
		if err := arows.Scan(&a.URL, &a.MediaType, &a.FileName, &a.IPFSCid); err != nil {
			return fmt.Errorf("%w: scan attachment: %v", ap.ErrDatabase, err)
		}
		p.Attachments = append(p.Attachments, a)
	}
	return arows.Err()
}

// ListPostsByAuthor returns an author's public posts, newest first,
// for outbox collection pages.
func (s *Store) ListPostsByAuthor(ctx context.Context, authorID string, limit, offset int) ([]*Post, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+postColumns+` FROM posts
		WHERE author_id = ? AND visibility = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`),
		authorID, VisibilityPublic, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list posts: %v", ap.ErrDatabase, err)
	}
	defer rows.Close()

	var posts []*Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// CountPostsByAuthor returns the number of public posts by an author.
func (s *Store) CountPostsByAuthor(ctx context.Context, authorID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM posts WHERE author_id = ? AND visibility = ?`),
		authorID, VisibilityPublic).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count posts: %v", ap.ErrDatabase, err)
	}
	return n, nil
}

// CountLocalPosts returns the number of posts by local authors, for
// NodeInfo usage statistics.
func (s *Store) CountLocalPosts(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM posts
		WHERE author_id IN (SELECT id FROM actors WHERE hostname IS NULL)`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count local posts: %v", ap.ErrDatabase, err)
	}
	return n, nil
}

// FindRepost locates an actor's repost of a given post.
func (s *Store) FindRepost(ctx context.Context, actorID, postID string) (*Post, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+postColumns+` FROM posts WHERE author_id = ? AND repost_of = ?`),
		actorID, postID)
	return scanPost(row)
}

// HasTombstone reports whether an object was deleted, so its URL can
// answer 410 instead of 404.
func (s *Store) HasTombstone(ctx context.Context, objectID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM tombstones WHERE object_id = ?`), objectID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: check tombstone: %v", ap.ErrDatabase, err)
	}
	return n > 0, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
