package domain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/convene-space/convene/internal/services/federation/storage"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func sequentialIDGenerator(ids ...string) func() (string, error) {
	var mu sync.Mutex
	next := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(ids) {
			return "", fmt.Errorf("id generator exhausted after %d ids", len(ids))
		}
		value := ids[next]
		next++
		return value, nil
	}
}

type fakeStore struct {
	mu        sync.Mutex
	actors    map[string]storage.ActorRecord
	followers map[string]map[string]storage.FollowerRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		actors:    make(map[string]storage.ActorRecord),
		followers: make(map[string]map[string]storage.FollowerRecord),
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

func (f *fakeStore) UpdateActorDocument(_ context.Context, actorID string, document string, updatedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.actors[actorID]
	if !ok {
		return storage.ErrNotFound
	}
	record.Document = document
	record.UpdatedAt = updatedAt
	f.actors[actorID] = record
	return nil
}

func (f *fakeStore) DeleteActor(_ context.Context, actorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.actors, actorID)
	delete(f.followers, actorID)
	return nil
}

func (f *fakeStore) ListExpiredActors(_ context.Context, now time.Time, limit int) ([]storage.ActorRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var expired []storage.ActorRecord
	for _, record := range f.actors {
		if record.ExpiresAt != nil && !record.ExpiresAt.After(now) {
			expired = append(expired, record)
			if len(expired) == limit {
				break
			}
		}
	}
	return expired, nil
}

func (f *fakeStore) AddFollower(_ context.Context, record storage.FollowerRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	byActor, ok := f.followers[record.ActorID]
	if !ok {
		byActor = make(map[string]storage.FollowerRecord)
		f.followers[record.ActorID] = byActor
	}
	byActor[record.FollowerURL] = record
	return nil
}

func (f *fakeStore) RemoveFollower(_ context.Context, actorID string, followerURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if byActor, ok := f.followers[actorID]; ok {
		delete(byActor, followerURL)
	}
	return nil
}

func (f *fakeStore) ListFollowers(_ context.Context, actorID string) ([]storage.FollowerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var results []storage.FollowerRecord
	for _, record := range f.followers[actorID] {
		results = append(results, record)
	}
	return results, nil
}

func (f *fakeStore) DeleteFollowersByActor(_ context.Context, actorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.followers, actorID)
	return nil
}

func (f *fakeStore) followerCount(actorID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.followers[actorID])
}

type sentAccept struct {
	actorID  string
	accept   Activity
	inboxURL string
}

type fakeAcceptSender struct {
	mu   sync.Mutex
	sent []sentAccept
	done chan struct{}
}

func newFakeAcceptSender() *fakeAcceptSender {
	return &fakeAcceptSender{done: make(chan struct{}, 8)}
}

func (f *fakeAcceptSender) SendAccept(_ context.Context, actorID string, accept Activity, inboxURL string) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentAccept{actorID: actorID, accept: accept, inboxURL: inboxURL})
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeAcceptSender) waitForSend(timeout time.Duration) bool {
	select {
	case <-f.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (f *fakeAcceptSender) accepts() []sentAccept {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentAccept(nil), f.sent...)
}
