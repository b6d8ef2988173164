// Package db handles database connectivity, migrations, and data access
// for the federation engine. It supports both SQLite (default, no
// external dependencies) and PostgreSQL (for larger deployments).
package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store wraps a database connection and provides all data access methods.
type Store struct {
	db     *sql.DB
	driver string
}

// Open opens a database connection. The URL can be:
//   - A file path like "wren.db" → SQLite
//   - "sqlite:///path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
func Open(databaseURL string) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		// SQLite performs best with WAL mode and a single writer.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			return nil, fmt.Errorf("enable foreign_keys: %w", err)
		}
	}

	return &Store{db: db, driver: driver}, nil
}

// Migrate runs all pending database migrations.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")
	for _, m := range commonMigrations {
		if _, err := s.db.Exec(m); err != nil {
			// Ignore "already exists" errors on index creation for idempotency.
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	slog.Info("migrations complete")
	return nil
}

// commonMigrations lists DDL statements shared between SQLite and
// PostgreSQL. Any new migration must be appended here.
var commonMigrations = []string{
	`CREATE TABLE IF NOT EXISTS actors (
		id                 TEXT NOT NULL PRIMARY KEY,
		username           TEXT NOT NULL,
		hostname           TEXT,
		actor_type         TEXT NOT NULL DEFAULT 'Person',
		display_name       TEXT NOT NULL DEFAULT '',
		summary            TEXT NOT NULL DEFAULT '',
		icon_url           TEXT NOT NULL DEFAULT '',
		image_url          TEXT NOT NULL DEFAULT '',
		public_key_pem     TEXT NOT NULL DEFAULT '',
		private_key_pem    TEXT,
		inbox              TEXT NOT NULL DEFAULT '',
		outbox             TEXT NOT NULL DEFAULT '',
		shared_inbox       TEXT NOT NULL DEFAULT '',
		followers_url      TEXT NOT NULL DEFAULT '',
		following_url      TEXT NOT NULL DEFAULT '',
		subscribers_url    TEXT NOT NULL DEFAULT '',
		url                TEXT NOT NULL DEFAULT '',
		also_known_as      TEXT NOT NULL DEFAULT '[]',
		attachments        TEXT NOT NULL DEFAULT '[]',
		manually_approves  INTEGER NOT NULL DEFAULT 0,
		raw_json           TEXT,
		created_at         TIMESTAMP NOT NULL,
		updated_at         TIMESTAMP NOT NULL,
		fetched_at         TIMESTAMP,
		unreachable_since  TIMESTAMP,
		failure_count      INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS actors_username ON actors(username, hostname)`,
	`CREATE INDEX IF NOT EXISTS actors_hostname ON actors(hostname)`,
	`CREATE TABLE IF NOT EXISTS posts (
		id             TEXT NOT NULL PRIMARY KEY,
		author_id      TEXT NOT NULL REFERENCES actors(id) ON DELETE CASCADE,
		content        TEXT NOT NULL DEFAULT '',
		summary        TEXT NOT NULL DEFAULT '',
		sensitive      INTEGER NOT NULL DEFAULT 0,
		visibility     TEXT NOT NULL DEFAULT 'public',
		in_reply_to    TEXT,
		repost_of      TEXT,
		url            TEXT NOT NULL DEFAULT '',
		reaction_count INTEGER NOT NULL DEFAULT 0,
		repost_count   INTEGER NOT NULL DEFAULT 0,
		created_at     TIMESTAMP NOT NULL,
		updated_at     TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS posts_author ON posts(author_id)`,
	`CREATE INDEX IF NOT EXISTS posts_in_reply_to ON posts(in_reply_to)`,
	`CREATE INDEX IF NOT EXISTS posts_repost_of ON posts(repost_of)`,
	`CREATE TABLE IF NOT EXISTS post_mentions (
		post_id  TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		actor_id TEXT NOT NULL,
		UNIQUE(post_id, actor_id)
	)`,
	`CREATE TABLE IF NOT EXISTS post_hashtags (
		post_id TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		tag     TEXT NOT NULL,
		UNIQUE(post_id, tag)
	)`,
	`CREATE TABLE IF NOT EXISTS post_links (
		post_id   TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		target_id TEXT NOT NULL,
		UNIQUE(post_id, target_id)
	)`,
	`CREATE TABLE IF NOT EXISTS post_attachments (
		post_id    TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		url        TEXT NOT NULL,
		media_type TEXT NOT NULL DEFAULT '',
		file_name  TEXT NOT NULL DEFAULT '',
		ipfs_cid   TEXT NOT NULL DEFAULT '',
		position   INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS follow_requests (
		id          TEXT NOT NULL PRIMARY KEY,
		source_id   TEXT NOT NULL,
		target_id   TEXT NOT NULL,
		activity_id TEXT,
		status      TEXT NOT NULL DEFAULT 'pending',
		created_at  TIMESTAMP NOT NULL,
		UNIQUE(source_id, target_id)
	)`,
	`CREATE TABLE IF NOT EXISTS relationships (
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		rel_type  TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(source_id, target_id, rel_type)
	)`,
	`CREATE INDEX IF NOT EXISTS relationships_target ON relationships(target_id, rel_type)`,
	`CREATE TABLE IF NOT EXISTS reactions (
		actor_id    TEXT NOT NULL,
		post_id     TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		activity_id TEXT NOT NULL,
		created_at  TIMESTAMP NOT NULL,
		UNIQUE(actor_id, post_id)
	)`,
	`CREATE TABLE IF NOT EXISTS outgoing_activities (
		id              TEXT NOT NULL PRIMARY KEY,
		sender_id       TEXT NOT NULL,
		activity        TEXT NOT NULL,
		inbox_url       TEXT NOT NULL,
		attempt_count   INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMP NOT NULL,
		last_error      TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS outgoing_due ON outgoing_activities(next_attempt_at)`,
	`CREATE TABLE IF NOT EXISTS incoming_activities (
		id            TEXT NOT NULL PRIMARY KEY,
		raw           TEXT NOT NULL,
		signer_id     TEXT NOT NULL,
		received_at   TIMESTAMP NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS deliveries (
		activity_id TEXT NOT NULL,
		inbox_url   TEXT NOT NULL,
		UNIQUE(activity_id, inbox_url)
	)`,
	`CREATE TABLE IF NOT EXISTS processed_activities (
		activity_id   TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		processed_at  TIMESTAMP NOT NULL,
		UNIQUE(activity_id, activity_type)
	)`,
	`CREATE TABLE IF NOT EXISTS tombstones (
		object_id  TEXT NOT NULL PRIMARY KEY,
		deleted_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rejecting_inboxes (
		inbox_url  TEXT NOT NULL PRIMARY KEY,
		actor_id   TEXT NOT NULL DEFAULT '',
		first_seen TIMESTAMP NOT NULL,
		count      INTEGER NOT NULL DEFAULT 1
	)`,
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders to $1..$n for PostgreSQL. Queries are
// written once with ? and rebound per driver.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

// insertIgnore builds the driver-specific "insert, ignore conflicts"
// statement.
func (s *Store) insertIgnore(table, columns, placeholders string) string {
	if s.driver == "sqlite" {
		return fmt.Sprintf(`INSERT OR IGNORE INTO %s (%s) VALUES (%s)`, table, columns, placeholders)
	}
	return s.rebind(fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING`, table, columns, placeholders))
}

// scanStringRows scans a single-string-column result set into a slice.
// It closes rows before returning.
func scanStringRows(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var result []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	// Treat bare paths as SQLite file paths.
	return "sqlite", u
}
