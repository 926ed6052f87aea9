package activitypub

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/google/uuid"
)

var (
	keyOnce sync.Once
	keys    [2]*util.RsaKeyPair
	keyErr  error
)

// testKeys returns two keypairs shared by every test in the package.
func testKeys(t *testing.T) [2]*util.RsaKeyPair {
	t.Helper()
	keyOnce.Do(func() {
		for i := range keys {
			if keys[i], keyErr = util.GeneratePemKeypair(2048); keyErr != nil {
				return
			}
		}
	})
	if keyErr != nil {
		t.Fatalf("Failed to generate keys: %v", keyErr)
	}
	return keys
}

// newActor returns a signing-capable actor whose inbox lives under base.
func newActor(t *testing.T, base, name string) *domain.Actor {
	t.Helper()
	k := testKeys(t)[0]
	uri := base + "/users/" + name
	u, _ := url.Parse(base)
	return &domain.Actor{
		URI:           uri,
		Type:          "Person",
		Username:      name,
		Domain:        u.Host,
		InboxURI:      uri + "/inbox",
		OutboxURI:     uri + "/outbox",
		FollowersURI:  uri + "/followers",
		PublicKeyId:   uri + "#main-key",
		PublicKeyPem:  k.Public,
		PrivateKeyPem: k.Private,
	}
}

// remoteActor is an actor we only know the public side of.
func remoteActor(base, name string) *domain.Actor {
	uri := base + "/users/" + name
	return &domain.Actor{
		URI:          uri,
		Type:         "Person",
		Username:     name,
		InboxURI:     uri + "/inbox",
		FollowersURI: uri + "/followers",
		PublicKeyId:  uri + "#main-key",
	}
}

// stubActors resolves actors and keys from a fixed map.
type stubActors struct {
	mu        sync.Mutex
	actors    map[string]*domain.Actor
	lookups   int
	refreshes int
	// rotated, when set, is returned for refreshed key lookups.
	rotated *domain.Actor
}

func newStubActors(actors ...*domain.Actor) *stubActors {
	s := &stubActors{actors: map[string]*domain.Actor{}}
	for _, a := range actors {
		s.add(a)
	}
	return s
}

func (s *stubActors) add(a *domain.Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actors[a.URI] = a
}

func (s *stubActors) LookupActor(ctx context.Context, ref string) (*domain.Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	a, ok := s.actors[ref]
	if !ok {
		return nil, &DiscoveryError{URI: ref, Err: ErrNotFound}
	}
	cp := *a
	return &cp, nil
}

func (s *stubActors) Lookup(ctx context.Context, ref string) (*Entity, error) {
	a, err := s.LookupActor(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &Entity{URI: a.URI, Kind: domain.KindActor, Actor: a, Object: ActorDocument(a)}, nil
}

func (s *stubActors) LookupKey(ctx context.Context, keyId string, refresh bool) (*domain.Actor, error) {
	s.mu.Lock()
	if refresh {
		s.refreshes++
		if s.rotated != nil && s.rotated.KeyId() == keyId {
			cp := *s.rotated
			s.mu.Unlock()
			return &cp, nil
		}
	}
	s.mu.Unlock()
	for _, a := range s.snapshot() {
		if a.KeyId() == keyId {
			return a, nil
		}
	}
	return nil, &DiscoveryError{URI: keyId, Err: ErrNotFound}
}

func (s *stubActors) snapshot() []*domain.Actor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Actor, 0, len(s.actors))
	for _, a := range s.actors {
		cp := *a
		out = append(out, &cp)
	}
	return out
}

// memStore is an in-memory implementation of every store interface.
type memStore struct {
	mu          sync.Mutex
	accounts    map[string]*domain.Account
	cache       map[string]domain.CacheEntry
	cacheWrites int
	pending     map[[2]string]domain.PendingFollowRequest
	follows     map[[2]string]domain.Follow
	activities  map[string]bool
	deliveries  []domain.DeliveryQueueItem
	enqueueErr  error
}

func newMemStore() *memStore {
	return &memStore{
		accounts:   map[string]*domain.Account{},
		cache:      map[string]domain.CacheEntry{},
		pending:    map[[2]string]domain.PendingFollowRequest{},
		follows:    map[[2]string]domain.Follow{},
		activities: map[string]bool{},
	}
}

func (m *memStore) ReadAccByUsername(ctx context.Context, username string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[username]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return acc, nil
}

func (m *memStore) ReadCacheEntry(ctx context.Context, uri string) (*domain.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache[uri]
	if !ok {
		return nil, fmt.Errorf("cache: %w", sql.ErrNoRows)
	}
	return &e, nil
}

func (m *memStore) UpsertCacheEntry(ctx context.Context, entry *domain.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[entry.URI] = *entry
	m.cacheWrites++
	return nil
}

func (m *memStore) DeleteCacheEntry(ctx context.Context, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, uri)
	return nil
}

func (m *memStore) CreatePendingFollow(ctx context.Context, req *domain.PendingFollowRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[[2]string{req.RequesterURI, req.RequestedURI}] = *req
	return nil
}

func (m *memStore) ReadPendingFollow(ctx context.Context, requesterURI, requestedURI string) (*domain.PendingFollowRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.pending[[2]string{requesterURI, requestedURI}]
	if !ok {
		return nil, fmt.Errorf("pending follow: %w", sql.ErrNoRows)
	}
	return &req, nil
}

func (m *memStore) DeletePendingFollow(ctx context.Context, requesterURI, requestedURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, [2]string{requesterURI, requestedURI})
	return nil
}

func (m *memStore) hasPending(requester, requested string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[[2]string{requester, requested}]
	return ok
}

func (m *memStore) CreateFollow(ctx context.Context, follow *domain.Follow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]string{follow.FollowerURI, follow.FollowingURI}
	if _, ok := m.follows[key]; !ok {
		m.follows[key] = *follow
	}
	return nil
}

func (m *memStore) ReadFollow(ctx context.Context, followerURI, followingURI string) (*domain.Follow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	follow, ok := m.follows[[2]string{followerURI, followingURI}]
	if !ok {
		return nil, fmt.Errorf("follow: %w", sql.ErrNoRows)
	}
	return &follow, nil
}

func (m *memStore) DeleteFollow(ctx context.Context, followerURI, followingURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.follows, [2]string{followerURI, followingURI})
	return nil
}

func (m *memStore) DeleteFollowsOf(ctx context.Context, actorURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.follows {
		if key[0] == actorURI || key[1] == actorURI {
			delete(m.follows, key)
		}
	}
	return nil
}

func (m *memStore) hasFollow(follower, following string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.follows[[2]string{follower, following}]
	return ok
}

func (m *memStore) ReadFollowerURIs(ctx context.Context, followingURI string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for key := range m.follows {
		if key[1] == followingURI {
			out = append(out, key[0])
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memStore) RecordActivity(ctx context.Context, rec *domain.ActivityRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activities[rec.ActivityURI] {
		return false, nil
	}
	m.activities[rec.ActivityURI] = true
	return true, nil
}

func (m *memStore) Enqueue(ctx context.Context, queueName, senderURI string, target domain.DeliveryTarget, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueueErr != nil {
		return m.enqueueErr
	}
	m.deliveries = append(m.deliveries, domain.DeliveryQueueItem{
		Id:           uuid.New(),
		QueueName:    queueName,
		SenderURI:    senderURI,
		InboxURI:     target.Inbox,
		ActivityJSON: string(payload),
		NextRetryAt:  time.Now(),
		CreatedAt:    time.Now(),
	})
	return nil
}

func (m *memStore) ReadPendingDeliveries(ctx context.Context, queueName string, now time.Time, limit int) ([]domain.DeliveryQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DeliveryQueueItem
	for _, item := range m.deliveries {
		if item.QueueName == queueName && !item.NextRetryAt.After(now) && len(out) < limit {
			out = append(out, item)
		}
	}
	return out, nil
}

func (m *memStore) UpdateDeliveryAttempt(ctx context.Context, id uuid.UUID, attempts int, nextRetryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.deliveries {
		if m.deliveries[i].Id == id {
			m.deliveries[i].Attempts = attempts
			m.deliveries[i].NextRetryAt = nextRetryAt
		}
	}
	return nil
}

func (m *memStore) DeleteDelivery(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.deliveries {
		if m.deliveries[i].Id == id {
			m.deliveries = append(m.deliveries[:i], m.deliveries[i+1:]...)
			break
		}
	}
	return nil
}

func (m *memStore) queued() []domain.DeliveryQueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.DeliveryQueueItem(nil), m.deliveries...)
}

type receivedRequest struct {
	Path   string
	Header http.Header
	Body   []byte
}

// inboxServer is a remote server accepting deliveries. Paths answer 202
// unless a status was configured for them.
type inboxServer struct {
	*httptest.Server
	mu       sync.Mutex
	statuses map[string]int
	received []receivedRequest
}

func newInboxServer(t *testing.T) *inboxServer {
	t.Helper()
	s := &inboxServer{statuses: map[string]int{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.received = append(s.received, receivedRequest{Path: r.URL.Path, Header: r.Header.Clone(), Body: body})
		status, ok := s.statuses[r.URL.Path]
		s.mu.Unlock()
		if !ok {
			status = http.StatusAccepted
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *inboxServer) respond(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[path] = status
}

func (s *inboxServer) requests(path string) []receivedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []receivedRequest
	for _, r := range s.received {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}
