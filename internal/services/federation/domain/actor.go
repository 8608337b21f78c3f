// Package domain implements federation actors, activities, and inbox
// processing for hosted events and event groups.
package domain

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/convene-space/convene/internal/services/federation/keys"
	"github.com/convene-space/convene/internal/services/federation/storage"
)

// ActivityStreams and security JSON-LD contexts carried by every document.
const (
	ContextActivityStreams = "https://www.w3.org/ns/activitystreams"
	ContextSecurity        = "https://w3id.org/security/v1"
)

// MediaTypeActivityJSON is the ActivityPub wire content type.
const MediaTypeActivityJSON = "application/activity+json"

// EntityKind distinguishes the two federated entity types.
type EntityKind string

const (
	// EntityKindEvent actors represent one hosted event.
	EntityKindEvent EntityKind = "event"
	// EntityKindGroup actors represent one event group.
	EntityKindGroup EntityKind = "group"
)

// Entity is the slice of event or event-group state the federation layer
// touches. The hosting CRUD layer owns the rest.
type Entity struct {
	ID      string
	Kind    EntityKind
	Name    string
	Summary string
}

// ActorDocument is the outward-facing JSON-LD representation of an actor.
type ActorDocument struct {
	Context           []string               `json:"@context"`
	ID                string                 `json:"id"`
	Type              string                 `json:"type"`
	PreferredUsername string                 `json:"preferredUsername"`
	Name              string                 `json:"name"`
	Summary           string                 `json:"summary,omitempty"`
	Inbox             string                 `json:"inbox"`
	Outbox            string                 `json:"outbox"`
	Followers         string                 `json:"followers"`
	ManuallyApproves  bool                   `json:"manuallyApprovesFollowers"`
	PublicKey         keys.PublicKeyDocument `json:"publicKey"`
}

// Site derives federation URLs from the public base URL of the deployment.
type Site struct {
	BaseURL string
}

// NewSite validates and normalizes the public base URL.
func NewSite(baseURL string) (Site, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return Site{}, fmt.Errorf("base url is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return Site{}, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return Site{}, fmt.Errorf("base url must be absolute: %q", baseURL)
	}
	return Site{BaseURL: baseURL}, nil
}

// Host returns the deployment's host, used for webfinger acct resolution.
func (s Site) Host() string {
	parsed, err := url.Parse(s.BaseURL)
	if err != nil {
		return ""
	}
	return parsed.Host
}

// ActorID returns the canonical actor URL for an entity.
func (s Site) ActorID(entityID string) string {
	return s.BaseURL + "/actors/" + entityID
}

// InboxURL returns the shared inbox all actors advertise.
func (s Site) InboxURL() string {
	return s.BaseURL + "/activitypub/inbox"
}

// OutboxURL returns an actor's outbox collection URL.
func (s Site) OutboxURL(entityID string) string {
	return s.ActorID(entityID) + "/outbox"
}

// FollowersURL returns an actor's followers collection URL.
func (s Site) FollowersURL(entityID string) string {
	return s.ActorID(entityID) + "/followers"
}

// ActivityID returns the URL form of an activity identifier.
func (s Site) ActivityID(value string) string {
	return s.BaseURL + "/activities/" + value
}

// SerializeActor builds the actor document for an entity. It is a pure
// function of the entity state and the actor's public key.
func SerializeActor(site Site, entity Entity, publicKey keys.PublicKeyDocument) ActorDocument {
	actorType := "Service"
	if entity.Kind == EntityKindGroup {
		actorType = "Group"
	}
	return ActorDocument{
		Context:           []string{ContextActivityStreams, ContextSecurity},
		ID:                site.ActorID(entity.ID),
		Type:              actorType,
		PreferredUsername: entity.ID,
		Name:              entity.Name,
		Summary:           entity.Summary,
		Inbox:             site.InboxURL(),
		Outbox:            site.OutboxURL(entity.ID),
		Followers:         site.FollowersURL(entity.ID),
		ManuallyApproves:  false,
		PublicKey:         publicKey,
	}
}

// EntityFromRecord rebuilds the federation-facing entity view from a stored
// actor record.
func EntityFromRecord(record storage.ActorRecord) Entity {
	return Entity{
		ID:      record.EntityID,
		Kind:    EntityKind(record.EntityKind),
		Name:    record.DisplayName,
		Summary: record.Summary,
	}
}
