package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/convene-space/convene/internal/services/federation/domain"
	"github.com/convene-space/convene/internal/services/federation/httpsig"
	"github.com/convene-space/convene/internal/services/federation/storage"
)

type fakeVerifier struct {
	actor httpsig.RemoteActor
	err   error
}

func (f *fakeVerifier) Verify(context.Context, *http.Request, []byte) (httpsig.RemoteActor, error) {
	return f.actor, f.err
}

type processorCall struct {
	sender domain.Sender
	body   []byte
}

type fakeProcessor struct {
	mu    sync.Mutex
	calls []processorCall
	err   error
}

func (f *fakeProcessor) Process(_ context.Context, sender domain.Sender, body []byte) error {
	f.mu.Lock()
	f.calls = append(f.calls, processorCall{sender: sender, body: body})
	f.mu.Unlock()
	return f.err
}

func (f *fakeProcessor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeStore struct {
	mu        sync.Mutex
	actors    map[string]storage.ActorRecord
	followers map[string][]storage.FollowerRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		actors:    make(map[string]storage.ActorRecord),
		followers: make(map[string][]storage.FollowerRecord),
	}
}

func (f *fakeStore) PutActor(_ context.Context, record storage.ActorRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actors[record.ID] = record
	return nil
}

func (f *fakeStore) GetActor(_ context.Context, actorID string) (storage.ActorRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.actors[actorID]
	if !ok {
		return storage.ActorRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func (f *fakeStore) GetActorByEntityID(_ context.Context, entityID string) (storage.ActorRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, record := range f.actors {
		if record.EntityID == entityID {
			return record, nil
		}
	}
	return storage.ActorRecord{}, storage.ErrNotFound
}

func (f *fakeStore) UpdateActorDocument(context.Context, string, string, time.Time) error {
	return nil
}

func (f *fakeStore) DeleteActor(_ context.Context, actorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.actors, actorID)
	return nil
}

func (f *fakeStore) ListExpiredActors(context.Context, time.Time, int) ([]storage.ActorRecord, error) {
	return nil, nil
}

func (f *fakeStore) AddFollower(_ context.Context, record storage.FollowerRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.followers[record.ActorID] = append(f.followers[record.ActorID], record)
	return nil
}

func (f *fakeStore) RemoveFollower(_ context.Context, actorID string, followerURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.followers[actorID][:0]
	for _, record := range f.followers[actorID] {
		if record.FollowerURL != followerURL {
			kept = append(kept, record)
		}
	}
	f.followers[actorID] = kept
	return nil
}

func (f *fakeStore) ListFollowers(_ context.Context, actorID string) ([]storage.FollowerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.FollowerRecord(nil), f.followers[actorID]...), nil
}

func (f *fakeStore) DeleteFollowersByActor(_ context.Context, actorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.followers, actorID)
	return nil
}

const testAdminSecret = "test-admin-secret"

type handlerFixture struct {
	handler   *Handler
	store     *fakeStore
	verifier  *fakeVerifier
	processor *fakeProcessor
	site      domain.Site
}

func newFixture(t *testing.T) *handlerFixture {
	t.Helper()
	site, err := domain.NewSite("https://events.example")
	if err != nil {
		t.Fatalf("NewSite: %v", err)
	}

	fx := &handlerFixture{
		store: newFakeStore(),
		verifier: &fakeVerifier{
			actor: httpsig.RemoteActor{
				ID:    "https://remote.example/actors/alice",
				Inbox: "https://remote.example/actors/alice/inbox",
			},
		},
		processor: &fakeProcessor{},
		site:      site,
	}
	fx.handler, err = New(Config{
		Site:        site,
		Store:       fx.store,
		Verifier:    fx.verifier,
		Processor:   fx.processor,
		AdminSecret: testAdminSecret,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fx
}

func (fx *handlerFixture) addActor(t *testing.T, entityID string) storage.ActorRecord {
	t.Helper()
	record := storage.ActorRecord{
		ID:         fx.site.ActorID(entityID),
		EntityKind: "event",
		EntityID:   entityID,
		Document:   fmt.Sprintf(`{"id":%q,"type":"Service"}`, fx.site.ActorID(entityID)),
	}
	if err := fx.store.PutActor(context.Background(), record); err != nil {
		t.Fatalf("PutActor: %v", err)
	}
	return record
}

func adminToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestInboxAcceptsVerifiedActivity(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	body := `{"type":"Follow","actor":"https://remote.example/actors/alice"}`
	req := httptest.NewRequest(http.MethodPost, "/activitypub/inbox", strings.NewReader(body))
	rec := httptest.NewRecorder()

	fx.handler.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	if got := fx.processor.callCount(); got != 1 {
		t.Fatalf("processor calls = %d, want 1", got)
	}
	call := fx.processor.calls[0]
	if call.sender.ID != "https://remote.example/actors/alice" {
		t.Fatalf("sender id = %q", call.sender.ID)
	}
	if call.sender.InboxURL != "https://remote.example/actors/alice/inbox" {
		t.Fatalf("sender inbox = %q", call.sender.InboxURL)
	}
	if string(call.body) != body {
		t.Fatalf("processor body = %q", call.body)
	}
}

func TestInboxRejectsBadSignature(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "missing signature", err: httpsig.ErrMissingSignature, wantStatus: http.StatusUnauthorized},
		{name: "malformed signature", err: httpsig.ErrMalformedSignature, wantStatus: http.StatusUnauthorized},
		{name: "invalid signature", err: httpsig.ErrSignatureInvalid, wantStatus: http.StatusUnauthorized},
		{name: "unreachable actor", err: httpsig.ErrActorUnreachable, wantStatus: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fx := newFixture(t)
			fx.verifier.err = tc.err
			req := httptest.NewRequest(http.MethodPost, "/activitypub/inbox", strings.NewReader(`{}`))
			rec := httptest.NewRecorder()

			fx.handler.Mux().ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if got := fx.processor.callCount(); got != 0 {
				t.Fatalf("processor was called %d times for a rejected request", got)
			}
		})
	}
}

func TestInboxMapsProcessorErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "unprocessable", err: domain.ErrUnprocessableActivity, wantStatus: http.StatusUnprocessableEntity},
		{name: "unknown target", err: fmt.Errorf("load follow target: %w", storage.ErrNotFound), wantStatus: http.StatusNotFound},
		{name: "storage fault", err: errors.New("disk full"), wantStatus: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fx := newFixture(t)
			fx.processor.err = tc.err
			req := httptest.NewRequest(http.MethodPost, "/activitypub/inbox", strings.NewReader(`{"type":"Follow"}`))
			rec := httptest.NewRecorder()

			fx.handler.Mux().ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
		})
	}
}

func TestActorServesDocumentToFederatedClients(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	record := fx.addActor(t, "ev-1")

	req := httptest.NewRequest(http.MethodGet, "/actors/ev-1", nil)
	req.Header.Set("Accept", "application/activity+json")
	rec := httptest.NewRecorder()

	fx.handler.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Type"); got != domain.MediaTypeActivityJSON {
		t.Fatalf("content type = %q, want %q", got, domain.MediaTypeActivityJSON)
	}
	if rec.Body.String() != record.Document {
		t.Fatalf("body = %q, want stored document", rec.Body.String())
	}
}

func TestActorHandsBrowsersToHumanPage(t *testing.T) {
	t.Parallel()

	site, err := domain.NewSite("https://events.example")
	if err != nil {
		t.Fatalf("NewSite: %v", err)
	}
	var humanHits int
	handler, err := New(Config{
		Site:      site,
		Store:     newFakeStore(),
		Verifier:  &fakeVerifier{},
		Processor: &fakeProcessor{},
		HumanPage: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			humanHits++
			w.WriteHeader(http.StatusOK)
		}),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/actors/ev-1", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,*/*;q=0.8")
	rec := httptest.NewRecorder()

	handler.Mux().ServeHTTP(rec, req)

	if humanHits != 1 {
		t.Fatalf("human page hits = %d, want 1", humanHits)
	}
}

func TestActorUnknown(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/actors/missing", nil)
	req.Header.Set("Accept", "application/activity+json")
	rec := httptest.NewRecorder()

	fx.handler.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestFollowersCollection(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	record := fx.addActor(t, "ev-1")
	for _, follower := range []string{"https://a.example/u/1", "https://b.example/u/2"} {
		if err := fx.store.AddFollower(context.Background(), storage.FollowerRecord{
			ActorID:     record.ID,
			FollowerURL: follower,
			InboxURL:    follower + "/inbox",
		}); err != nil {
			t.Fatalf("AddFollower: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/actors/ev-1/followers", nil)
	rec := httptest.NewRecorder()
	fx.handler.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var collection orderedCollection
	if err := json.Unmarshal(rec.Body.Bytes(), &collection); err != nil {
		t.Fatalf("decode collection: %v", err)
	}
	if collection.Type != "OrderedCollection" {
		t.Fatalf("type = %q", collection.Type)
	}
	if collection.TotalItems != 2 || len(collection.OrderedItems) != 2 {
		t.Fatalf("totalItems = %d items = %d, want 2 and 2", collection.TotalItems, len(collection.OrderedItems))
	}
}

func TestOutboxIsEmptyCollection(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.addActor(t, "ev-1")

	req := httptest.NewRequest(http.MethodGet, "/actors/ev-1/outbox", nil)
	rec := httptest.NewRecorder()
	fx.handler.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var collection orderedCollection
	if err := json.Unmarshal(rec.Body.Bytes(), &collection); err != nil {
		t.Fatalf("decode collection: %v", err)
	}
	if collection.TotalItems != 0 || len(collection.OrderedItems) != 0 {
		t.Fatalf("outbox totalItems = %d items = %d, want empty", collection.TotalItems, len(collection.OrderedItems))
	}
}

func TestWebfinger(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	record := fx.addActor(t, "ev-1")

	req := httptest.NewRequest(http.MethodGet, "/.well-known/webfinger?resource=acct:ev-1@events.example", nil)
	rec := httptest.NewRecorder()
	fx.handler.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/jrd+json" {
		t.Fatalf("content type = %q", got)
	}
	var response webfingerResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode webfinger: %v", err)
	}
	if response.Subject != "acct:ev-1@events.example" {
		t.Fatalf("subject = %q", response.Subject)
	}
	if len(response.Links) != 1 || response.Links[0].Href != record.ID {
		t.Fatalf("links = %+v, want self link to %q", response.Links, record.ID)
	}
}

func TestWebfingerRejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		target     string
		wantStatus int
	}{
		{name: "missing resource", target: "/.well-known/webfinger", wantStatus: http.StatusBadRequest},
		{name: "not acct", target: "/.well-known/webfinger?resource=https://events.example/x", wantStatus: http.StatusBadRequest},
		{name: "wrong host", target: "/.well-known/webfinger?resource=acct:ev-1@other.example", wantStatus: http.StatusNotFound},
		{name: "unknown account", target: "/.well-known/webfinger?resource=acct:missing@events.example", wantStatus: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fx := newFixture(t)
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			rec := httptest.NewRecorder()
			fx.handler.Mux().ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
		})
	}
}

func TestAdminRemoveFollower(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	record := fx.addActor(t, "ev-1")
	if err := fx.store.AddFollower(context.Background(), storage.FollowerRecord{
		ActorID:     record.ID,
		FollowerURL: "https://spam.example/u/bot",
		InboxURL:    "https://spam.example/u/bot/inbox",
	}); err != nil {
		t.Fatalf("AddFollower: %v", err)
	}

	token := adminToken(t, testAdminSecret, jwt.MapClaims{"scope": "federation:admin"})
	req := httptest.NewRequest(http.MethodDelete, "/admin/actors/ev-1/followers?follower=https://spam.example/u/bot", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	fx.handler.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	remaining, err := fx.store.ListFollowers(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("ListFollowers: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("followers remaining = %d, want 0", len(remaining))
	}
}

func TestAdminRejectsBadTokens(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		token string
	}{
		{name: "no token", token: ""},
		{name: "wrong secret", token: adminToken(t, "other-secret", jwt.MapClaims{"scope": "federation:admin"})},
		{name: "missing scope", token: adminToken(t, testAdminSecret, jwt.MapClaims{})},
		{name: "wrong scope", token: adminToken(t, testAdminSecret, jwt.MapClaims{"scope": "events:read"})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fx := newFixture(t)
			fx.addActor(t, "ev-1")
			req := httptest.NewRequest(http.MethodDelete, "/admin/actors/ev-1/followers?follower=https://spam.example/u/bot", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rec := httptest.NewRecorder()

			fx.handler.Mux().ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestAdminDisabledWithoutSecret(t *testing.T) {
	t.Parallel()

	site, err := domain.NewSite("https://events.example")
	if err != nil {
		t.Fatalf("NewSite: %v", err)
	}
	handler, err := New(Config{
		Site:      site,
		Store:     newFakeStore(),
		Verifier:  &fakeVerifier{},
		Processor: &fakeProcessor{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/admin/actors/ev-1/followers?follower=x", nil)
	rec := httptest.NewRecorder()
	handler.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
