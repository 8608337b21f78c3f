// Package delivery pushes signed activities to remote inboxes.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/convene-space/convene/internal/platform/timeouts"
	"github.com/convene-space/convene/internal/services/federation/domain"
	"github.com/convene-space/convene/internal/services/federation/httpsig"
	"github.com/convene-space/convene/internal/services/federation/keys"
	"github.com/convene-space/convene/internal/services/federation/storage"
)

// ErrDeliveryFailed indicates an activity could not be delivered to a
// remote inbox.
var ErrDeliveryFailed = errors.New("delivery failed")

const defaultParallelism = 8

// Attempt records the outcome of one inbox delivery.
type Attempt struct {
	InboxURL string
	Err      error
}

// Report summarizes a broadcast across all follower inboxes.
type Report struct {
	Attempts []Attempt
}

// Succeeded counts deliveries that reached the remote inbox.
func (r Report) Succeeded() int {
	n := 0
	for _, a := range r.Attempts {
		if a.Err == nil {
			n++
		}
	}
	return n
}

// Failed counts deliveries that did not reach the remote inbox.
func (r Report) Failed() int {
	return len(r.Attempts) - r.Succeeded()
}

// Broadcaster signs and delivers activities to follower inboxes in
// parallel. Failed deliveries are reported, never retried.
type Broadcaster struct {
	client      *resty.Client
	signer      *keys.KeyStore
	followers   storage.FollowerStore
	parallelism int
	timeout     time.Duration
	clock       func() time.Time
}

// New creates a broadcaster that signs outbound requests with the actor's
// key and limits concurrent deliveries.
func New(signer *keys.KeyStore, followers storage.FollowerStore) *Broadcaster {
	client := resty.New().
		SetHeader("Content-Type", domain.MediaTypeActivityJSON).
		SetHeader("User-Agent", "convene-federation")
	return &Broadcaster{
		client:      client,
		signer:      signer,
		followers:   followers,
		parallelism: defaultParallelism,
		timeout:     timeouts.Delivery,
		clock:       time.Now,
	}
}

// Broadcast delivers the activity to every follower inbox of the actor and
// returns a per-inbox report. It blocks until all attempts finish; the
// report is complete even when every delivery fails.
func (b *Broadcaster) Broadcast(ctx context.Context, actorID string, activity domain.Activity) (Report, error) {
	if b == nil || b.followers == nil {
		return Report{}, fmt.Errorf("broadcaster is not configured")
	}
	ctx, span := otel.Tracer("convene/federation/delivery").Start(ctx, "broadcast")
	defer span.End()

	followers, err := b.followers.ListFollowers(ctx, actorID)
	if err != nil {
		return Report{}, fmt.Errorf("list followers: %w", err)
	}
	if len(followers) == 0 {
		return Report{}, nil
	}

	body, err := json.Marshal(activity)
	if err != nil {
		return Report{}, fmt.Errorf("encode activity: %w", err)
	}

	attempts := make([]Attempt, len(followers))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(b.parallelism)
	for i, follower := range followers {
		group.Go(func() error {
			err := b.deliver(gctx, actorID, follower.InboxURL, body)
			if err != nil {
				log.Printf("delivery failed actor=%s inbox=%s err=%v", actorID, follower.InboxURL, err)
			}
			attempts[i] = Attempt{InboxURL: follower.InboxURL, Err: err}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Report{}, err
	}
	return Report{Attempts: attempts}, nil
}

// SendAccept delivers an Accept activity to a single inbox. It implements
// the inbox processor's accept sender.
func (b *Broadcaster) SendAccept(ctx context.Context, actorID string, accept domain.Activity, inboxURL string) error {
	body, err := json.Marshal(accept)
	if err != nil {
		return fmt.Errorf("encode accept: %w", err)
	}
	return b.deliver(ctx, actorID, inboxURL, body)
}

func (b *Broadcaster) deliver(ctx context.Context, actorID, inboxURL string, body []byte) error {
	inbox, err := url.Parse(inboxURL)
	if err != nil || inbox.Host == "" {
		return fmt.Errorf("%w: bad inbox url %q", ErrDeliveryFailed, inboxURL)
	}

	sc := httpsig.SignatureContext{
		KeyID:  actorID + keys.KeyFragment,
		Host:   inbox.Host,
		Path:   inbox.RequestURI(),
		Method: "POST",
		Body:   body,
		Date:   b.clock(),
	}
	signature, err := b.signer.Sign(ctx, actorID, []byte(sc.SigningString()))
	if err != nil {
		return fmt.Errorf("sign delivery: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req := b.client.R().
		SetContext(ctx).
		SetBody(body).
		SetHeader("Signature", httpsig.BuildSignatureHeader(sc.KeyID, httpsig.DefaultSignedHeaders, signature))
	for name, values := range sc.Headers() {
		for _, value := range values {
			req.SetHeader(name, value)
		}
	}

	resp, err := req.Post(inboxURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: inbox returned status %d", ErrDeliveryFailed, resp.StatusCode())
	}
	return nil
}
