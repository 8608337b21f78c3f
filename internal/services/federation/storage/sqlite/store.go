package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/convene-space/convene/internal/platform/storage/sqlitemigrate"
	"github.com/convene-space/convene/internal/services/federation/storage"
	"github.com/convene-space/convene/internal/services/federation/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for federation state.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a federation SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// PutActor upserts one actor row keyed by actor id.
func (s *Store) PutActor(ctx context.Context, record storage.ActorRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeActorRecord(record)
	if err != nil {
		return err
	}

	var expiresAt sql.NullInt64
	if normalized.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: toMillis(*normalized.ExpiresAt), Valid: true}
	}
	_, err = s.sqlDB.ExecContext(ctx, `
	INSERT INTO actors (
		id, entity_kind, entity_id, display_name, summary, public_key_pem, private_key_pem, document, expires_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		entity_kind = excluded.entity_kind,
		entity_id = excluded.entity_id,
		display_name = excluded.display_name,
		summary = excluded.summary,
		public_key_pem = excluded.public_key_pem,
		private_key_pem = excluded.private_key_pem,
		document = excluded.document,
		expires_at = excluded.expires_at,
		updated_at = excluded.updated_at
	`,
		normalized.ID,
		normalized.EntityKind,
		normalized.EntityID,
		normalized.DisplayName,
		normalized.Summary,
		normalized.PublicKeyPEM,
		normalized.PrivateKeyPEM,
		normalized.Document,
		expiresAt,
		toMillis(normalized.CreatedAt),
		toMillis(normalized.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put actor: %w", err)
	}
	return nil
}

// GetActor loads one actor row by actor id.
func (s *Store) GetActor(ctx context.Context, actorID string) (storage.ActorRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.ActorRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ActorRecord{}, fmt.Errorf("storage is not configured")
	}
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return storage.ActorRecord{}, fmt.Errorf("actor id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, entity_kind, entity_id, display_name, summary, public_key_pem, private_key_pem, document, expires_at, created_at, updated_at
FROM actors
WHERE id = ?
`, actorID)
	record, err := scanActor(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ActorRecord{}, storage.ErrNotFound
		}
		return storage.ActorRecord{}, fmt.Errorf("get actor: %w", err)
	}
	return record, nil
}

// GetActorByEntityID loads one actor row by its owning entity id.
func (s *Store) GetActorByEntityID(ctx context.Context, entityID string) (storage.ActorRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.ActorRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ActorRecord{}, fmt.Errorf("storage is not configured")
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return storage.ActorRecord{}, fmt.Errorf("entity id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, entity_kind, entity_id, display_name, summary, public_key_pem, private_key_pem, document, expires_at, created_at, updated_at
FROM actors
WHERE entity_id = ?
`, entityID)
	record, err := scanActor(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ActorRecord{}, storage.ErrNotFound
		}
		return storage.ActorRecord{}, fmt.Errorf("get actor by entity id: %w", err)
	}
	return record, nil
}

// UpdateActorDocument replaces one actor's serialized document snapshot.
func (s *Store) UpdateActorDocument(ctx context.Context, actorID string, document string, updatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return fmt.Errorf("actor id is required")
	}
	if updatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE actors
SET document = ?, updated_at = ?
WHERE id = ?
`, document, toMillis(updatedAt), actorID)
	if err != nil {
		return fmt.Errorf("update actor document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update actor document rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteActor removes one actor row and, via cascade, its followers.
func (s *Store) DeleteActor(ctx context.Context, actorID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return fmt.Errorf("actor id is required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM actors WHERE id = ?`, actorID); err != nil {
		return fmt.Errorf("delete actor: %w", err)
	}
	return nil
}

// ListExpiredActors lists actors whose expiry time has passed, oldest first.
func (s *Store) ListExpiredActors(ctx context.Context, now time.Time, limit int) ([]storage.ActorRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if now.IsZero() {
		return nil, fmt.Errorf("now is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, entity_kind, entity_id, display_name, summary, public_key_pem, private_key_pem, document, expires_at, created_at, updated_at
FROM actors
WHERE expires_at IS NOT NULL AND expires_at <= ?
ORDER BY expires_at ASC, id ASC
LIMIT ?
`, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired actors: %w", err)
	}
	defer rows.Close()

	results := make([]storage.ActorRecord, 0, limit)
	for rows.Next() {
		record, scanErr := scanActor(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan expired actor row: %w", scanErr)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired actor rows: %w", err)
	}
	return results, nil
}

// AddFollower inserts one follower row; re-adding an existing follower URL
// refreshes its inbox and is otherwise a no-op.
func (s *Store) AddFollower(ctx context.Context, record storage.FollowerRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeFollowerRecord(record)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx, `
	INSERT INTO followers (actor_id, follower_url, inbox_url, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(actor_id, follower_url) DO UPDATE SET
		inbox_url = excluded.inbox_url
	`,
		normalized.ActorID,
		normalized.FollowerURL,
		normalized.InboxURL,
		toMillis(normalized.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("add follower: %w", err)
	}
	return nil
}

// RemoveFollower deletes one follower row; removing an absent follower is a
// no-op.
func (s *Store) RemoveFollower(ctx context.Context, actorID string, followerURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	actorID = strings.TrimSpace(actorID)
	followerURL = strings.TrimSpace(followerURL)
	if actorID == "" {
		return fmt.Errorf("actor id is required")
	}
	if followerURL == "" {
		return fmt.Errorf("follower url is required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM followers WHERE actor_id = ? AND follower_url = ?
`, actorID, followerURL); err != nil {
		return fmt.Errorf("remove follower: %w", err)
	}
	return nil
}

// ListFollowers lists one actor's followers in insertion order.
func (s *Store) ListFollowers(ctx context.Context, actorID string) ([]storage.FollowerRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return nil, fmt.Errorf("actor id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT actor_id, follower_url, inbox_url, created_at
FROM followers
WHERE actor_id = ?
ORDER BY created_at ASC, follower_url ASC
`, actorID)
	if err != nil {
		return nil, fmt.Errorf("list followers: %w", err)
	}
	defer rows.Close()

	var results []storage.FollowerRecord
	for rows.Next() {
		var record storage.FollowerRecord
		var createdAt int64
		if err := rows.Scan(&record.ActorID, &record.FollowerURL, &record.InboxURL, &createdAt); err != nil {
			return nil, fmt.Errorf("scan follower row: %w", err)
		}
		record.CreatedAt = fromMillis(createdAt)
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate follower rows: %w", err)
	}
	return results, nil
}

// DeleteFollowersByActor removes all follower rows for one actor.
func (s *Store) DeleteFollowersByActor(ctx context.Context, actorID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return fmt.Errorf("actor id is required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM followers WHERE actor_id = ?`, actorID); err != nil {
		return fmt.Errorf("delete followers by actor: %w", err)
	}
	return nil
}

type scanner func(dest ...any) error

func normalizeActorRecord(record storage.ActorRecord) (storage.ActorRecord, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.EntityKind = strings.TrimSpace(record.EntityKind)
	record.EntityID = strings.TrimSpace(record.EntityID)
	record.DisplayName = strings.TrimSpace(record.DisplayName)
	if record.ID == "" {
		return storage.ActorRecord{}, fmt.Errorf("actor id is required")
	}
	if record.EntityKind == "" {
		return storage.ActorRecord{}, fmt.Errorf("entity kind is required")
	}
	if record.EntityID == "" {
		return storage.ActorRecord{}, fmt.Errorf("entity id is required")
	}
	if record.PublicKeyPEM == "" {
		return storage.ActorRecord{}, fmt.Errorf("public key pem is required")
	}
	if record.PrivateKeyPEM == "" {
		return storage.ActorRecord{}, fmt.Errorf("private key pem is required")
	}
	if record.CreatedAt.IsZero() {
		return storage.ActorRecord{}, fmt.Errorf("created_at is required")
	}
	if record.UpdatedAt.IsZero() {
		return storage.ActorRecord{}, fmt.Errorf("updated_at is required")
	}
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	if record.ExpiresAt != nil {
		expiresAt := record.ExpiresAt.UTC()
		record.ExpiresAt = &expiresAt
	}
	return record, nil
}

func normalizeFollowerRecord(record storage.FollowerRecord) (storage.FollowerRecord, error) {
	record.ActorID = strings.TrimSpace(record.ActorID)
	record.FollowerURL = strings.TrimSpace(record.FollowerURL)
	record.InboxURL = strings.TrimSpace(record.InboxURL)
	if record.ActorID == "" {
		return storage.FollowerRecord{}, fmt.Errorf("actor id is required")
	}
	if record.FollowerURL == "" {
		return storage.FollowerRecord{}, fmt.Errorf("follower url is required")
	}
	if record.InboxURL == "" {
		return storage.FollowerRecord{}, fmt.Errorf("inbox url is required")
	}
	if record.CreatedAt.IsZero() {
		return storage.FollowerRecord{}, fmt.Errorf("created_at is required")
	}
	record.CreatedAt = record.CreatedAt.UTC()
	return record, nil
}

func scanActor(scan scanner) (storage.ActorRecord, error) {
	var record storage.ActorRecord
	var expiresAt sql.NullInt64
	var createdAt int64
	var updatedAt int64
	if err := scan(
		&record.ID,
		&record.EntityKind,
		&record.EntityID,
		&record.DisplayName,
		&record.Summary,
		&record.PublicKeyPEM,
		&record.PrivateKeyPEM,
		&record.Document,
		&expiresAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.ActorRecord{}, err
	}
	if expiresAt.Valid {
		value := fromMillis(expiresAt.Int64)
		record.ExpiresAt = &value
	}
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}
