// Package storage defines persistence contracts for federation state.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// ActorRecord stores one federated actor identity and its key material.
// Exactly one actor exists per hosted event or event group; the actor's
// lifecycle follows its entity.
type ActorRecord struct {
	ID            string
	EntityKind    string
	EntityID      string
	DisplayName   string
	Summary       string
	PublicKeyPEM  string
	PrivateKeyPEM string
	Document      string
	ExpiresAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FollowerRecord stores one remote follower of a local actor.
type FollowerRecord struct {
	ActorID     string
	FollowerURL string
	InboxURL    string
	CreatedAt   time.Time
}

// ActorStore persists actor identities, key material, and document
// snapshots.
type ActorStore interface {
	PutActor(ctx context.Context, record ActorRecord) error
	GetActor(ctx context.Context, actorID string) (ActorRecord, error)
	GetActorByEntityID(ctx context.Context, entityID string) (ActorRecord, error)
	UpdateActorDocument(ctx context.Context, actorID string, document string, updatedAt time.Time) error
	DeleteActor(ctx context.Context, actorID string) error
	ListExpiredActors(ctx context.Context, now time.Time, limit int) ([]ActorRecord, error)
}

// FollowerStore persists follower membership per actor. AddFollower and
// RemoveFollower are idempotent: re-adding an existing follower URL and
// removing an absent one are both no-ops.
type FollowerStore interface {
	AddFollower(ctx context.Context, record FollowerRecord) error
	RemoveFollower(ctx context.Context, actorID string, followerURL string) error
	ListFollowers(ctx context.Context, actorID string) ([]FollowerRecord, error)
	DeleteFollowersByActor(ctx context.Context, actorID string) error
}

// Store combines the persistence surfaces the federation service needs.
type Store interface {
	ActorStore
	FollowerStore
}
