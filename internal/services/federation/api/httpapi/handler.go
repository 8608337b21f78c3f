// Package httpapi exposes the federation HTTP surface: the shared inbox,
// actor documents, collections, webfinger, and the admin endpoints.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/convene-space/convene/internal/platform/httpx"
	"github.com/convene-space/convene/internal/services/federation/domain"
	"github.com/convene-space/convene/internal/services/federation/httpsig"
	"github.com/convene-space/convene/internal/services/federation/negotiate"
	"github.com/convene-space/convene/internal/services/federation/storage"
)

// maxInboxBody bounds inbound activity payloads.
const maxInboxBody = 256 << 10

// adminScope is the JWT scope claim required on admin requests.
const adminScope = "federation:admin"

// SignatureVerifier checks an inbound request signature and returns the
// verified signing actor.
type SignatureVerifier interface {
	Verify(ctx context.Context, r *http.Request, body []byte) (httpsig.RemoteActor, error)
}

// InboxProcessor interprets one verified activity body.
type InboxProcessor interface {
	Process(ctx context.Context, sender domain.Sender, body []byte) error
}

// Handler serves the federation HTTP surface.
type Handler struct {
	site        domain.Site
	store       storage.Store
	verifier    SignatureVerifier
	processor   InboxProcessor
	humanPage   http.Handler
	adminSecret []byte
}

// Config wires a Handler. HumanPage serves actor URLs to browser clients;
// nil falls back to a plain 404. AdminSecret guards the admin endpoints;
// empty disables them.
type Config struct {
	Site        domain.Site
	Store       storage.Store
	Verifier    SignatureVerifier
	Processor   InboxProcessor
	HumanPage   http.Handler
	AdminSecret string
}

// New builds the federation handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("signature verifier is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("inbox processor is required")
	}
	humanPage := cfg.HumanPage
	if humanPage == nil {
		humanPage = http.NotFoundHandler()
	}
	return &Handler{
		site:        cfg.Site,
		store:       cfg.Store,
		verifier:    cfg.Verifier,
		processor:   cfg.Processor,
		humanPage:   humanPage,
		adminSecret: []byte(cfg.AdminSecret),
	}, nil
}

// Mux returns the route table.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /activitypub/inbox", h.handleInbox)
	mux.HandleFunc("GET /actors/{entityID}", h.handleActor)
	mux.HandleFunc("GET /actors/{entityID}/followers", h.handleFollowers)
	mux.HandleFunc("GET /actors/{entityID}/outbox", h.handleOutbox)
	mux.HandleFunc("GET /.well-known/webfinger", h.handleWebfinger)
	mux.HandleFunc("DELETE /admin/actors/{entityID}/followers", h.handleAdminRemoveFollower)
	return mux
}

// handleInbox accepts signed activity deliveries on the shared inbox. The
// signature is verified before the body is interpreted; a delivery whose
// signing actor cannot be reached is a server-side fault (502-equivalent
// 500), not an authentication failure.
func (h *Handler) handleInbox(w http.ResponseWriter, r *http.Request) {
	ctx := httpx.RequestContext(r)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInboxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.WriteJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		httpx.WriteJSONError(w, http.StatusBadRequest, "could not read request body")
		return
	}

	sender, err := h.verifier.Verify(ctx, r, body)
	if err != nil {
		switch {
		case errors.Is(err, httpsig.ErrActorUnreachable):
			log.Printf("inbox signer fetch failed err=%v", err)
			httpx.WriteJSONError(w, http.StatusInternalServerError, "could not verify signature")
		default:
			httpx.WriteJSONError(w, http.StatusUnauthorized, "signature verification failed")
		}
		return
	}

	err = h.processor.Process(ctx, domain.Sender{ID: sender.ID, InboxURL: sender.Inbox}, body)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, domain.ErrUnprocessableActivity):
		httpx.WriteJSONError(w, http.StatusUnprocessableEntity, "activity cannot be processed")
	case errors.Is(err, storage.ErrNotFound):
		httpx.WriteJSONError(w, http.StatusNotFound, "unknown actor")
	default:
		log.Printf("inbox processing failed sender=%s err=%v", sender.ID, err)
		httpx.WriteJSONError(w, http.StatusInternalServerError, "could not process activity")
	}
}

// handleActor serves an actor URL. Federated clients get the stored
// JSON-LD document; browsers are handed to the human-facing page.
func (h *Handler) handleActor(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("entityID")

	if !negotiate.WantsFederatedRepresentation(r.Header.Get("Accept")) {
		h.humanPage.ServeHTTP(w, r)
		return
	}

	record, err := h.store.GetActor(httpx.RequestContext(r), h.site.ActorID(entityID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httpx.WriteJSONError(w, http.StatusNotFound, "unknown actor")
			return
		}
		log.Printf("load actor entity=%s err=%v", entityID, err)
		httpx.WriteJSONError(w, http.StatusInternalServerError, "could not load actor")
		return
	}

	w.Header().Set("Content-Type", domain.MediaTypeActivityJSON)
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, record.Document); err != nil {
		log.Printf("write actor document entity=%s err=%v", entityID, err)
	}
}

// orderedCollection is the ActivityStreams collection wrapper used for the
// followers and outbox endpoints.
type orderedCollection struct {
	Context      string   `json:"@context"`
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	TotalItems   int      `json:"totalItems"`
	OrderedItems []string `json:"orderedItems"`
}

func (h *Handler) handleFollowers(w http.ResponseWriter, r *http.Request) {
	ctx := httpx.RequestContext(r)
	entityID := r.PathValue("entityID")
	actorID := h.site.ActorID(entityID)

	if _, err := h.store.GetActor(ctx, actorID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httpx.WriteJSONError(w, http.StatusNotFound, "unknown actor")
			return
		}
		log.Printf("load actor entity=%s err=%v", entityID, err)
		httpx.WriteJSONError(w, http.StatusInternalServerError, "could not load actor")
		return
	}

	followers, err := h.store.ListFollowers(ctx, actorID)
	if err != nil {
		log.Printf("list followers entity=%s err=%v", entityID, err)
		httpx.WriteJSONError(w, http.StatusInternalServerError, "could not list followers")
		return
	}

	items := make([]string, 0, len(followers))
	for _, follower := range followers {
		items = append(items, follower.FollowerURL)
	}
	writeActivityJSON(w, orderedCollection{
		Context:      domain.ContextActivityStreams,
		ID:           h.site.FollowersURL(entityID),
		Type:         "OrderedCollection",
		TotalItems:   len(items),
		OrderedItems: items,
	})
}

// handleOutbox serves an empty collection. Activities are pushed to
// follower inboxes rather than persisted for replay.
func (h *Handler) handleOutbox(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("entityID")

	if _, err := h.store.GetActor(httpx.RequestContext(r), h.site.ActorID(entityID)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httpx.WriteJSONError(w, http.StatusNotFound, "unknown actor")
			return
		}
		log.Printf("load actor entity=%s err=%v", entityID, err)
		httpx.WriteJSONError(w, http.StatusInternalServerError, "could not load actor")
		return
	}

	writeActivityJSON(w, orderedCollection{
		Context:      domain.ContextActivityStreams,
		ID:           h.site.OutboxURL(entityID),
		Type:         "OrderedCollection",
		TotalItems:   0,
		OrderedItems: []string{},
	})
}

// webfingerResponse is the JRD document returned for acct lookups.
type webfingerResponse struct {
	Subject string          `json:"subject"`
	Links   []webfingerLink `json:"links"`
}

type webfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

// handleWebfinger resolves acct:entityID@host to the actor URL.
func (h *Handler) handleWebfinger(w http.ResponseWriter, r *http.Request) {
	resource := strings.TrimSpace(r.URL.Query().Get("resource"))
	if resource == "" {
		httpx.WriteJSONError(w, http.StatusBadRequest, "resource parameter is required")
		return
	}

	acct, ok := strings.CutPrefix(resource, "acct:")
	if !ok {
		httpx.WriteJSONError(w, http.StatusBadRequest, "only acct resources are supported")
		return
	}
	name, host, ok := strings.Cut(acct, "@")
	if !ok || name == "" {
		httpx.WriteJSONError(w, http.StatusBadRequest, "malformed acct resource")
		return
	}
	if host != h.site.Host() {
		httpx.WriteJSONError(w, http.StatusNotFound, "unknown host")
		return
	}

	record, err := h.store.GetActorByEntityID(httpx.RequestContext(r), name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httpx.WriteJSONError(w, http.StatusNotFound, "unknown account")
			return
		}
		log.Printf("webfinger lookup name=%s err=%v", name, err)
		httpx.WriteJSONError(w, http.StatusInternalServerError, "could not resolve account")
		return
	}

	w.Header().Set("Content-Type", "application/jrd+json")
	w.WriteHeader(http.StatusOK)
	httpx.WriteJSONBody(w, webfingerResponse{
		Subject: resource,
		Links: []webfingerLink{{
			Rel:  "self",
			Type: domain.MediaTypeActivityJSON,
			Href: record.ID,
		}},
	})
}

// handleAdminRemoveFollower force-removes a follower, for moderation. The
// caller presents a bearer token signed with the shared admin secret and
// carrying the admin scope.
func (h *Handler) handleAdminRemoveFollower(w http.ResponseWriter, r *http.Request) {
	if len(h.adminSecret) == 0 {
		httpx.WriteJSONError(w, http.StatusNotFound, "admin endpoints are disabled")
		return
	}
	if err := h.authorizeAdmin(r); err != nil {
		httpx.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	followerURL := strings.TrimSpace(r.URL.Query().Get("follower"))
	if followerURL == "" {
		httpx.WriteJSONError(w, http.StatusBadRequest, "follower parameter is required")
		return
	}

	ctx := httpx.RequestContext(r)
	entityID := r.PathValue("entityID")
	actorID := h.site.ActorID(entityID)

	if _, err := h.store.GetActor(ctx, actorID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httpx.WriteJSONError(w, http.StatusNotFound, "unknown actor")
			return
		}
		log.Printf("load actor entity=%s err=%v", entityID, err)
		httpx.WriteJSONError(w, http.StatusInternalServerError, "could not load actor")
		return
	}

	if err := h.store.RemoveFollower(ctx, actorID, followerURL); err != nil {
		log.Printf("admin remove follower actor=%s follower=%s err=%v", actorID, followerURL, err)
		httpx.WriteJSONError(w, http.StatusInternalServerError, "could not remove follower")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) authorizeAdmin(r *http.Request) error {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return fmt.Errorf("missing bearer token")
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return h.adminSecret, nil
	})
	if err != nil {
		return fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	if scope, _ := claims["scope"].(string); scope != adminScope {
		return fmt.Errorf("missing scope %q", adminScope)
	}
	return nil
}

func writeActivityJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", domain.MediaTypeActivityJSON)
	w.WriteHeader(http.StatusOK)
	httpx.WriteJSONBody(w, payload)
}
