package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/convene-space/convene/internal/platform/id"
)

// ActivityKind names the outbound activity shapes the service emits.
type ActivityKind string

const (
	// ActivityCreate announces a newly created entity.
	ActivityCreate ActivityKind = "Create"
	// ActivityUpdate announces changed entity state.
	ActivityUpdate ActivityKind = "Update"
	// ActivityDelete announces entity removal.
	ActivityDelete ActivityKind = "Delete"
	// ActivityNote announces a comment posted on an entity. On the wire it
	// is a Create wrapping a Note object.
	ActivityNote ActivityKind = "Note"
)

// Activity is one immutable serialized federation message.
type Activity struct {
	Context []string `json:"@context"`
	ID      string   `json:"id"`
	Type    string   `json:"type"`
	Actor   string   `json:"actor"`
	To      []string `json:"to,omitempty"`
	Object  any      `json:"object,omitempty"`
}

// EventObject is the entity representation embedded in Create and Update
// activities.
type EventObject struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Summary string `json:"summary,omitempty"`
}

// NoteObject is the comment representation embedded in Note broadcasts.
type NoteObject struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	AttributedTo string `json:"attributedTo"`
	Content      string `json:"content"`
	Published    string `json:"published"`
}

// FollowShape is the minimal Follow activity echoed inside Accept responses.
type FollowShape struct {
	ID     string `json:"id,omitempty"`
	Type   string `json:"type"`
	Actor  string `json:"actor"`
	Object string `json:"object"`
}

const publicAudience = ContextActivityStreams + "#Public"

// Builder constructs outbound activities with process-unique identifiers.
type Builder struct {
	site  Site
	newID func() (string, error)
	clock func() time.Time
}

// NewBuilder creates an activity builder. newID and clock default to the
// platform generator and time.Now.
func NewBuilder(site Site, newID func() (string, error), clock func() time.Time) *Builder {
	if newID == nil {
		newID = id.NewID
	}
	if clock == nil {
		clock = time.Now
	}
	return &Builder{site: site, newID: newID, clock: clock}
}

// BuildActivity serializes one outbound activity for an entity. The payload
// argument is only used for ActivityNote, where it carries the comment text.
func (b *Builder) BuildActivity(kind ActivityKind, entity Entity, payload string) (Activity, error) {
	if b == nil {
		return Activity{}, fmt.Errorf("builder is not configured")
	}
	entity.ID = strings.TrimSpace(entity.ID)
	if entity.ID == "" {
		return Activity{}, fmt.Errorf("entity id is required")
	}

	activityID, err := b.newID()
	if err != nil {
		return Activity{}, fmt.Errorf("generate activity id: %w", err)
	}
	actorID := b.site.ActorID(entity.ID)

	base := Activity{
		Context: []string{ContextActivityStreams},
		ID:      b.site.ActivityID(activityID),
		Actor:   actorID,
		To:      []string{publicAudience},
	}

	switch kind {
	case ActivityCreate, ActivityUpdate:
		base.Type = string(kind)
		base.Object = EventObject{
			ID:      actorID,
			Type:    "Event",
			Name:    entity.Name,
			Summary: entity.Summary,
		}
	case ActivityDelete:
		base.Type = string(ActivityDelete)
		base.Object = actorID
	case ActivityNote:
		noteID, noteErr := b.newID()
		if noteErr != nil {
			return Activity{}, fmt.Errorf("generate note id: %w", noteErr)
		}
		base.Type = string(ActivityCreate)
		base.Object = NoteObject{
			ID:           b.site.ActivityID(noteID),
			Type:         "Note",
			AttributedTo: actorID,
			Content:      payload,
			Published:    b.clock().UTC().Format(time.RFC3339),
		}
	default:
		return Activity{}, fmt.Errorf("unsupported activity kind %q", kind)
	}
	return base, nil
}

// BuildDelete serializes a Delete activity from a previously captured actor
// document snapshot. It never consults live entity state: the entity may
// already be gone by the time the broadcast runs.
func (b *Builder) BuildDelete(snapshot ActorDocument) (Activity, error) {
	if b == nil {
		return Activity{}, fmt.Errorf("builder is not configured")
	}
	if strings.TrimSpace(snapshot.ID) == "" {
		return Activity{}, fmt.Errorf("snapshot actor id is required")
	}

	activityID, err := b.newID()
	if err != nil {
		return Activity{}, fmt.Errorf("generate activity id: %w", err)
	}
	return Activity{
		Context: []string{ContextActivityStreams},
		ID:      b.site.ActivityID(activityID),
		Type:    string(ActivityDelete),
		Actor:   snapshot.ID,
		To:      []string{publicAudience},
		Object:  snapshot.ID,
	}, nil
}

// BuildAccept serializes the Accept acknowledging a remote Follow.
func (b *Builder) BuildAccept(actorID string, follow FollowShape) (Activity, error) {
	if b == nil {
		return Activity{}, fmt.Errorf("builder is not configured")
	}
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return Activity{}, fmt.Errorf("actor id is required")
	}

	activityID, err := b.newID()
	if err != nil {
		return Activity{}, fmt.Errorf("generate activity id: %w", err)
	}
	return Activity{
		Context: []string{ContextActivityStreams},
		ID:      b.site.ActivityID(activityID),
		Type:    "Accept",
		Actor:   actorID,
		Object:  follow,
	}, nil
}
