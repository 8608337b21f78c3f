package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/convene-space/convene/internal/platform/timeouts"
	"github.com/convene-space/convene/internal/services/federation/storage"
)

// ErrUnprocessableActivity indicates an inbound activity body that cannot be
// interpreted. No state is mutated when it is returned.
var ErrUnprocessableActivity = errors.New("activity cannot be processed")

// Sender identifies the verified remote actor an inbox message came from.
// Callers must only build a Sender from a signature-verified request.
type Sender struct {
	ID       string
	InboxURL string
}

// AcceptSender delivers a single Accept activity back to a remote inbox.
type AcceptSender interface {
	SendAccept(ctx context.Context, actorID string, accept Activity, inboxURL string) error
}

// InboundActivity is the minimal parsed shape of a verified inbox payload.
type InboundActivity struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Actor  string          `json:"actor"`
	Object json.RawMessage `json:"object,omitempty"`
}

// Processor interprets verified inbound activities and mutates follower
// membership. Follower mutations rely on the store's idempotent add/remove
// semantics, so concurrent messages for the same actor serialize at the
// store and no in-process locking is needed.
type Processor struct {
	actors    storage.ActorStore
	followers storage.FollowerStore
	builder   *Builder
	accepts   AcceptSender
	clock     func() time.Time
}

// NewProcessor creates an inbox processor. The accept sender may be nil, in
// which case Follow requests are recorded without acknowledgment.
func NewProcessor(actors storage.ActorStore, followers storage.FollowerStore, builder *Builder, accepts AcceptSender, clock func() time.Time) *Processor {
	if clock == nil {
		clock = time.Now
	}
	return &Processor{
		actors:    actors,
		followers: followers,
		builder:   builder,
		accepts:   accepts,
		clock:     clock,
	}
}

// Process interprets one verified activity body from sender.
//
// Follow adds the sender as a follower of the target actor and acknowledges
// with an asynchronous Accept. Undo of a Follow removes the sender. All
// other activity kinds are acknowledged and ignored. Bodies that cannot be
// interpreted yield ErrUnprocessableActivity without mutating state.
func (p *Processor) Process(ctx context.Context, sender Sender, body []byte) error {
	if p == nil || p.actors == nil || p.followers == nil {
		return fmt.Errorf("processor is not configured")
	}
	sender.ID = strings.TrimSpace(sender.ID)
	if sender.ID == "" {
		return fmt.Errorf("sender id is required")
	}

	var activity InboundActivity
	if err := json.Unmarshal(body, &activity); err != nil {
		return fmt.Errorf("%w: %v", ErrUnprocessableActivity, err)
	}
	activity.Type = strings.TrimSpace(activity.Type)
	if activity.Type == "" || strings.TrimSpace(activity.Actor) == "" {
		return fmt.Errorf("%w: missing type or actor", ErrUnprocessableActivity)
	}

	switch activity.Type {
	case "Follow":
		return p.processFollow(ctx, sender, activity)
	case "Undo":
		return p.processUndo(ctx, sender, activity)
	default:
		// Accepted and ignored: Likes, Announces, remote Deletes, and the
		// rest carry no follower-state meaning here.
		return nil
	}
}

func (p *Processor) processFollow(ctx context.Context, sender Sender, activity InboundActivity) error {
	target, err := objectID(activity.Object)
	if err != nil {
		return fmt.Errorf("%w: follow object: %v", ErrUnprocessableActivity, err)
	}

	actor, err := p.actors.GetActor(ctx, target)
	if err != nil {
		return fmt.Errorf("load follow target: %w", err)
	}
	if strings.TrimSpace(sender.InboxURL) == "" {
		return fmt.Errorf("%w: follower has no inbox", ErrUnprocessableActivity)
	}

	if err := p.followers.AddFollower(ctx, storage.FollowerRecord{
		ActorID:     actor.ID,
		FollowerURL: sender.ID,
		InboxURL:    sender.InboxURL,
		CreatedAt:   p.clock().UTC(),
	}); err != nil {
		return fmt.Errorf("add follower: %w", err)
	}

	p.sendAcceptAsync(ctx, actor.ID, sender, activity, target)
	return nil
}

// sendAcceptAsync acknowledges a Follow without blocking inbox processing.
// A failed Accept is logged and dropped: the follow is already recorded and
// most servers treat the Accept as advisory.
func (p *Processor) sendAcceptAsync(ctx context.Context, actorID string, sender Sender, follow InboundActivity, target string) {
	if p.accepts == nil || p.builder == nil {
		return
	}
	accept, err := p.builder.BuildAccept(actorID, FollowShape{
		ID:     follow.ID,
		Type:   "Follow",
		Actor:  follow.Actor,
		Object: target,
	})
	if err != nil {
		log.Printf("build accept actor=%s follower=%s err=%v", actorID, sender.ID, err)
		return
	}

	sendCtx := context.WithoutCancel(ctx)
	go func() {
		sendCtx, cancel := context.WithTimeout(sendCtx, timeouts.Delivery)
		defer cancel()
		if err := p.accepts.SendAccept(sendCtx, actorID, accept, sender.InboxURL); err != nil {
			log.Printf("send accept actor=%s follower=%s err=%v", actorID, sender.ID, err)
		}
	}()
}

func (p *Processor) processUndo(ctx context.Context, sender Sender, activity InboundActivity) error {
	var inner InboundActivity
	if len(activity.Object) == 0 {
		return fmt.Errorf("%w: undo has no object", ErrUnprocessableActivity)
	}
	if err := json.Unmarshal(activity.Object, &inner); err != nil {
		return fmt.Errorf("%w: undo object: %v", ErrUnprocessableActivity, err)
	}
	if strings.TrimSpace(inner.Type) != "Follow" {
		// Undo of anything else carries no follower-state meaning.
		return nil
	}

	target, err := objectID(inner.Object)
	if err != nil {
		return fmt.Errorf("%w: undone follow object: %v", ErrUnprocessableActivity, err)
	}

	// The follower removed is always the verified sender, not whatever actor
	// the embedded Follow names: a remote server can only unfollow itself.
	if err := p.followers.RemoveFollower(ctx, target, sender.ID); err != nil {
		return fmt.Errorf("remove follower: %w", err)
	}
	return nil
}

// objectID extracts the target URL from an activity object, which arrives
// either as a bare string or as an embedded object with an id.
func objectID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("object is missing")
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		asString = strings.TrimSpace(asString)
		if asString == "" {
			return "", fmt.Errorf("object id is empty")
		}
		return asString, nil
	}
	var asObject struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &asObject); err != nil {
		return "", fmt.Errorf("object is neither id nor embedded object")
	}
	asObject.ID = strings.TrimSpace(asObject.ID)
	if asObject.ID == "" {
		return "", fmt.Errorf("embedded object has no id")
	}
	return asObject.ID, nil
}
