// Package publish exposes the actor lifecycle operations the hosting
// service calls when events and groups change: create an actor, announce
// state changes to followers, and tear the actor down again.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/convene-space/convene/internal/services/federation/delivery"
	"github.com/convene-space/convene/internal/services/federation/domain"
	"github.com/convene-space/convene/internal/services/federation/keys"
	"github.com/convene-space/convene/internal/services/federation/storage"
)

// ErrActorExists indicates the entity already has a federated actor.
var ErrActorExists = errors.New("actor already exists for entity")

// Broadcaster fans an activity out to all follower inboxes of an actor.
type Broadcaster interface {
	Broadcast(ctx context.Context, actorID string, activity domain.Activity) (delivery.Report, error)
}

// Publisher manages federated actor lifecycles on behalf of the hosting
// service. Broadcast failures are logged and reported, never surfaced as
// errors: follower servers being down must not block entity changes.
type Publisher struct {
	site        domain.Site
	store       storage.Store
	builder     *domain.Builder
	broadcaster Broadcaster
	clock       func() time.Time
}

// New creates a publisher. clock defaults to time.Now.
func New(site domain.Site, store storage.Store, builder *domain.Builder, broadcaster Broadcaster, clock func() time.Time) *Publisher {
	if clock == nil {
		clock = time.Now
	}
	return &Publisher{
		site:        site,
		store:       store,
		builder:     builder,
		broadcaster: broadcaster,
		clock:       clock,
	}
}

// CreateActor provisions the federated identity for a new entity: a fresh
// key pair, a serialized actor document, and a persisted actor record. An
// event entity may carry an expiry time after which the sweeper retires the
// actor; group actors never expire.
func (p *Publisher) CreateActor(ctx context.Context, entity domain.Entity, expiresAt *time.Time) (domain.ActorDocument, error) {
	if p == nil || p.store == nil {
		return domain.ActorDocument{}, fmt.Errorf("publisher is not configured")
	}
	entity.ID = strings.TrimSpace(entity.ID)
	if entity.ID == "" {
		return domain.ActorDocument{}, fmt.Errorf("entity id is required")
	}

	if _, err := p.store.GetActorByEntityID(ctx, entity.ID); err == nil {
		return domain.ActorDocument{}, fmt.Errorf("%w: %s", ErrActorExists, entity.ID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return domain.ActorDocument{}, fmt.Errorf("check existing actor: %w", err)
	}

	publicPEM, privatePEM, err := keys.GenerateKeyPair()
	if err != nil {
		return domain.ActorDocument{}, fmt.Errorf("generate actor keys: %w", err)
	}

	actorID := p.site.ActorID(entity.ID)
	document := domain.SerializeActor(p.site, entity, keys.PublicKeyDocument{
		ID:           actorID + keys.KeyFragment,
		Owner:        actorID,
		PublicKeyPEM: publicPEM,
	})
	encoded, err := json.Marshal(document)
	if err != nil {
		return domain.ActorDocument{}, fmt.Errorf("encode actor document: %w", err)
	}

	now := p.clock().UTC()
	record := storage.ActorRecord{
		ID:            actorID,
		EntityKind:    string(entity.Kind),
		EntityID:      entity.ID,
		DisplayName:   entity.Name,
		Summary:       entity.Summary,
		PublicKeyPEM:  publicPEM,
		PrivateKeyPEM: privatePEM,
		Document:      string(encoded),
		ExpiresAt:     expiresAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := p.store.PutActor(ctx, record); err != nil {
		return domain.ActorDocument{}, fmt.Errorf("store actor: %w", err)
	}
	return document, nil
}

// AnnounceCreate broadcasts the entity's Create activity to its followers.
func (p *Publisher) AnnounceCreate(ctx context.Context, entityID string) error {
	return p.announce(ctx, entityID, domain.ActivityCreate, "")
}

// AnnounceUpdate refreshes the stored actor document from the entity's new
// state and broadcasts an Update activity.
func (p *Publisher) AnnounceUpdate(ctx context.Context, entity domain.Entity) error {
	if p == nil || p.store == nil {
		return fmt.Errorf("publisher is not configured")
	}
	entity.ID = strings.TrimSpace(entity.ID)
	if entity.ID == "" {
		return fmt.Errorf("entity id is required")
	}

	record, err := p.store.GetActorByEntityID(ctx, entity.ID)
	if err != nil {
		return fmt.Errorf("load actor: %w", err)
	}

	document := domain.SerializeActor(p.site, entity, keys.PublicKeyDocument{
		ID:           record.ID + keys.KeyFragment,
		Owner:        record.ID,
		PublicKeyPEM: record.PublicKeyPEM,
	})
	encoded, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("encode actor document: %w", err)
	}
	if err := p.store.UpdateActorDocument(ctx, record.ID, string(encoded), p.clock().UTC()); err != nil {
		return fmt.Errorf("update actor document: %w", err)
	}
	return p.announce(ctx, entity.ID, domain.ActivityUpdate, "")
}

// AnnounceNote broadcasts a comment posted on the entity as a Note wrapped
// in a Create activity.
func (p *Publisher) AnnounceNote(ctx context.Context, entityID string, content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("note content is required")
	}
	return p.announce(ctx, entityID, domain.ActivityNote, content)
}

func (p *Publisher) announce(ctx context.Context, entityID string, kind domain.ActivityKind, payload string) error {
	if p == nil || p.store == nil {
		return fmt.Errorf("publisher is not configured")
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return fmt.Errorf("entity id is required")
	}

	record, err := p.store.GetActorByEntityID(ctx, entityID)
	if err != nil {
		return fmt.Errorf("load actor: %w", err)
	}

	activity, err := p.builder.BuildActivity(kind, domain.EntityFromRecord(record), payload)
	if err != nil {
		return fmt.Errorf("build activity: %w", err)
	}

	report, err := p.broadcaster.Broadcast(ctx, record.ID, activity)
	if err != nil {
		return fmt.Errorf("broadcast %s: %w", kind, err)
	}
	if failed := report.Failed(); failed > 0 {
		log.Printf("broadcast partial failure actor=%s kind=%s delivered=%d failed=%d",
			record.ID, kind, report.Succeeded(), failed)
	}
	return nil
}

// DeleteActor retires an entity's federated identity. The Delete activity
// is built from the stored document snapshot and broadcast before any state
// is removed, so followers hear about the removal even though the entity is
// already gone from the hosting service. Only after the broadcast finishes
// are the follower rows and the actor record deleted.
func (p *Publisher) DeleteActor(ctx context.Context, entityID string) error {
	if p == nil || p.store == nil {
		return fmt.Errorf("publisher is not configured")
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return fmt.Errorf("entity id is required")
	}

	record, err := p.store.GetActorByEntityID(ctx, entityID)
	if err != nil {
		return fmt.Errorf("load actor: %w", err)
	}
	return p.deleteRecord(ctx, record)
}

// DeleteActorByID is DeleteActor keyed by actor id rather than entity id.
// The expiry sweeper uses it, having already loaded the expired records.
func (p *Publisher) DeleteActorByID(ctx context.Context, actorID string) error {
	if p == nil || p.store == nil {
		return fmt.Errorf("publisher is not configured")
	}
	record, err := p.store.GetActor(ctx, actorID)
	if err != nil {
		return fmt.Errorf("load actor: %w", err)
	}
	return p.deleteRecord(ctx, record)
}

func (p *Publisher) deleteRecord(ctx context.Context, record storage.ActorRecord) error {
	var snapshot domain.ActorDocument
	if err := json.Unmarshal([]byte(record.Document), &snapshot); err != nil {
		return fmt.Errorf("decode actor snapshot: %w", err)
	}

	activity, err := p.builder.BuildDelete(snapshot)
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}

	report, err := p.broadcaster.Broadcast(ctx, record.ID, activity)
	if err != nil {
		return fmt.Errorf("broadcast delete: %w", err)
	}
	if failed := report.Failed(); failed > 0 {
		log.Printf("delete broadcast partial failure actor=%s delivered=%d failed=%d",
			record.ID, report.Succeeded(), failed)
	}

	if err := p.store.DeleteFollowersByActor(ctx, record.ID); err != nil {
		return fmt.Errorf("delete followers: %w", err)
	}
	if err := p.store.DeleteActor(ctx, record.ID); err != nil {
		return fmt.Errorf("delete actor: %w", err)
	}
	return nil
}
