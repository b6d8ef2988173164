package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wrenfed/wren/internal/ap"
)

// Actor is the stored form of a local or remote actor. Remote actors
// keep their full document in RawJSON; local actors keep a private key.
type Actor struct {
	ID                string
	Username          string
	Hostname          string // empty for local actors
	ActorType         string
	DisplayName       string
	Summary           string
	IconURL           string
	ImageURL          string
	PublicKeyPEM      string
	PrivateKeyPEM     string // local only
	Inbox             string
	Outbox            string
	SharedInbox       string
	FollowersURL      string
	FollowingURL      string
	SubscribersURL    string
	URL               string
	AlsoKnownAs       []string
	Attachments       []ap.Attachment
	ManuallyApproves  bool
	RawJSON           string // remote only
	CreatedAt         time.Time
	UpdatedAt         time.Time
	FetchedAt         time.Time
	UnreachableSince  time.Time
	FailureCount      int
}

// IsLocal reports whether the actor belongs to this instance.
func (a *Actor) IsLocal() bool {
	return a.Hostname == ""
}

// PreferredInbox returns the shared inbox when the actor advertises
// one, otherwise the personal inbox.
func (a *Actor) PreferredInbox() string {
	if a.SharedInbox != "" {
		return a.SharedInbox
	}
	return a.Inbox
}

const actorColumns = `id, username, hostname, actor_type, display_name, summary,
	icon_url, image_url, public_key_pem, private_key_pem,
	inbox, outbox, shared_inbox, followers_url, following_url, subscribers_url,
	url, also_known_as, attachments, manually_approves, raw_json,
	created_at, updated_at, fetched_at, unreachable_since, failure_count`

// scanActor reads nullable columns through sql.Null* types; wrapping
// them in COALESCE would hide the column decltype from the SQLite
// driver and break time.Time scanning.
func scanActor(row interface{ Scan(...any) error }) (*Actor, error) {
	var a Actor
	var hostname, privateKey, rawJSON sql.NullString
	var fetchedAt, unreachableSince sql.NullTime
	var alsoKnownAs, attachments string
	if err := row.Scan(
		&a.ID, &a.Username, &hostname, &a.ActorType, &a.DisplayName, &a.Summary,
		&a.IconURL, &a.ImageURL, &a.PublicKeyPEM, &privateKey,
		&a.Inbox, &a.Outbox, &a.SharedInbox, &a.FollowersURL, &a.FollowingURL,
		&a.SubscribersURL, &a.URL, &alsoKnownAs, &attachments,
		&a.ManuallyApproves, &rawJSON,
		&a.CreatedAt, &a.UpdatedAt, &fetchedAt, &unreachableSince,
		&a.FailureCount,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ap.ErrNotFound
		}
		return nil, fmt.Errorf("%w: scan actor: %v", ap.ErrDatabase, err)
	}
	a.Hostname = hostname.String
	a.PrivateKeyPEM = privateKey.String
	a.RawJSON = rawJSON.String
	a.FetchedAt = a.CreatedAt
	if fetchedAt.Valid {
		a.FetchedAt = fetchedAt.Time
	}
	if unreachableSince.Valid {
		a.UnreachableSince = unreachableSince.Time
	}
	if alsoKnownAs != "" {
		if err := json.Unmarshal([]byte(alsoKnownAs), &a.AlsoKnownAs); err != nil {
			return nil, fmt.Errorf("%w: decode also_known_as: %v", ap.ErrDatabase, err)
		}
	}
	if attachments != "" {
		if err := json.Unmarshal([]byte(attachments), &a.Attachments); err != nil {
			return nil, fmt.Errorf("%w: decode attachments: %v", ap.ErrDatabase, err)
		}
	}
	return &a, nil
}

// CreateLocalActor inserts a local actor with its keypair.
func (s *Store) CreateLocalActor(ctx context.Context, a *Actor) error {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	alsoKnownAs, _ := json.Marshal(orEmpty(a.AlsoKnownAs))
	attachments, _ := json.Marshal(a.Attachments)

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO actors (id, username, hostname, actor_type, display_name, summary,
			icon_url, image_url, public_key_pem, private_key_pem,
			inbox, outbox, shared_inbox, followers_url, following_url, subscribers_url,
			url, also_known_as, attachments, manually_approves,
			created_at, updated_at)
		VALUES (?, ?, NULL, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.Username, a.ActorType, a.DisplayName, a.Summary,
		a.IconURL, a.ImageURL, a.PublicKeyPEM, a.PrivateKeyPEM,
		a.Inbox, a.Outbox, a.SharedInbox, a.FollowersURL, a.FollowingURL, a.SubscribersURL,
		a.URL, string(alsoKnownAs), string(attachments), a.ManuallyApproves,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ap.ErrAlreadyExists
		}
		return fmt.Errorf("%w: create local actor: %v", ap.ErrDatabase, err)
	}
	return nil
}

// UpsertRemoteActor inserts a remote actor or refreshes an existing row
// in place, preserving created_at. It returns the previous public key
// PEM when the key changed, so callers can audit key rotations.
func (s *Store) UpsertRemoteActor(ctx context.Context, a *Actor) (previousKeyPEM string, err error) {
	now := time.Now().UTC()
	a.UpdatedAt = now
	a.FetchedAt = now
	alsoKnownAs, _ := json.Marshal(orEmpty(a.AlsoKnownAs))
	attachments, _ := json.Marshal(a.Attachments)

	existing, err := s.GetActorByID(ctx, a.ID)
	if err != nil && !errors.Is(err, ap.ErrNotFound) {
		return "", err
	}

	if existing == nil {
		a.CreatedAt = now
		_, err = s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO actors (id, username, hostname, actor_type, display_name, summary,
				icon_url, image_url, public_key_pem,
				inbox, outbox, shared_inbox, followers_url, following_url, subscribers_url,
				url, also_known_as, attachments, manually_approves, raw_json,
				created_at, updated_at, fetched_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			a.ID, a.Username, a.Hostname, a.ActorType, a.DisplayName, a.Summary,
			a.IconURL, a.ImageURL, a.PublicKeyPEM,
			a.Inbox, a.Outbox, a.SharedInbox, a.FollowersURL, a.FollowingURL, a.SubscribersURL,
			a.URL, string(alsoKnownAs), string(attachments), a.ManuallyApproves, a.RawJSON,
			a.CreatedAt, a.UpdatedAt, a.FetchedAt,
		)
		if err != nil {
			return "", fmt.Errorf("%w: insert remote actor: %v", ap.ErrDatabase, err)
		}
		return "", nil
	}

	if existing.PublicKeyPEM != "" && existing.PublicKeyPEM != a.PublicKeyPEM {
		previousKeyPEM = existing.PublicKeyPEM
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		UPDATE actors SET username = ?, hostname = ?, actor_type = ?, display_name = ?,
			summary = ?, icon_url = ?, image_url = ?, public_key_pem = ?,
			inbox = ?, outbox = ?, shared_inbox = ?, followers_url = ?,
			following_url = ?, subscribers_url = ?, url = ?, also_known_as = ?,
			attachments = ?, manually_approves = ?, raw_json = ?,
			updated_at = ?, fetched_at = ?, unreachable_since = NULL, failure_count = 0
		WHERE id = ?`),
		a.Username, a.Hostname, a.ActorType, a.DisplayName,
		a.Summary, a.IconURL, a.ImageURL, a.PublicKeyPEM,
		a.Inbox, a.Outbox, a.SharedInbox, a.FollowersURL,
		a.FollowingURL, a.SubscribersURL, a.URL, string(alsoKnownAs),
		string(attachments), a.ManuallyApproves, a.RawJSON,
		a.UpdatedAt, a.FetchedAt, a.ID,
	)
	if err != nil {
		return "", fmt.Errorf("%w: update remote actor: %v", ap.ErrDatabase, err)
	}
	a.CreatedAt = existing.CreatedAt
	return previousKeyPEM, nil
}

// GetActorByID returns an actor by its canonical URL.
func (s *Store) GetActorByID(ctx context.Context, id string) (*Actor, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+actorColumns+` FROM actors WHERE id = ?`), id)
	return scanActor(row)
}

// GetLocalActorByUsername returns a local actor by username.
func (s *Store) GetLocalActorByUsername(ctx context.Context, username string) (*Actor, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+actorColumns+` FROM actors WHERE username = ? AND hostname IS NULL`),
		username)
	return scanActor(row)
}

// GetRemoteActorByAddress returns a remote actor by username@hostname.
func (s *Store) GetRemoteActorByAddress(ctx context.Context, username, hostname string) (*Actor, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+actorColumns+` FROM actors WHERE username = ? AND hostname = ?`),
		username, hostname)
	return scanActor(row)
}

// DeleteActor removes an actor and, through cascades, its posts and
// related rows. Relationship rows referencing the actor are cleaned up
// explicitly because they are not declared as foreign keys.
func (s *Store) DeleteActor(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ap.ErrDatabase, err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM relationships WHERE source_id = ? OR target_id = ?`,
		`DELETE FROM follow_requests WHERE source_id = ? OR target_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, s.rebind(q), id, id); err != nil {
			return fmt.Errorf("%w: delete actor refs: %v", ap.ErrDatabase, err)
		}
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM reactions WHERE actor_id = ?`), id); err != nil {
		return fmt.Errorf("%w: delete actor reactions: %v", ap.ErrDatabase, err)
	}
	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM actors WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("%w: delete actor: %v", ap.ErrDatabase, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ap.ErrNotFound
	}
	return tx.Commit()
}

// RecordFetchFailure increments the failure counter and stamps
// unreachable_since on the first failure. It returns the new count.
func (s *Store) RecordFetchFailure(ctx context.Context, id string) (int, error) {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE actors SET failure_count = failure_count + 1,
			unreachable_since = COALESCE(unreachable_since, ?)
		WHERE id = ?`),
		time.Now().UTC(), id)
	if err != nil {
		return 0, fmt.Errorf("%w: record fetch failure: %v", ap.ErrDatabase, err)
	}
	var count int
	err = s.db.QueryRowContext(ctx,
		s.rebind(`SELECT failure_count FROM actors WHERE id = ?`), id).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ap.ErrNotFound
		}
		return 0, fmt.Errorf("%w: read failure count: %v", ap.ErrDatabase, err)
	}
	return count, nil
}

// ClearFetchFailures marks an actor reachable again.
func (s *Store) ClearFetchFailures(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE actors SET failure_count = 0, unreachable_since = NULL WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("%w: clear fetch failures: %v", ap.ErrDatabase, err)
	}
	return nil
}

// CountLocalActors returns the number of local accounts, for NodeInfo.
func (s *Store) CountLocalActors(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM actors WHERE hostname IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count local actors: %v", ap.ErrDatabase, err)
	}
	return n, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
