package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
)

// remoteServer serves actor documents and webfinger for one host.
type remoteServer struct {
	*httptest.Server
	mu   sync.Mutex
	docs map[string]any
	hits map[string]int
	// requireSignature rejects unsigned GETs with 401.
	requireSignature bool
}

func newRemoteServer(t *testing.T) *remoteServer {
	t.Helper()
	s := &remoteServer{docs: map[string]any{}, hits: map[string]int{}}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *remoteServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	doc, ok := s.docs[r.URL.Path]
	requireSig := s.requireSignature
	s.mu.Unlock()

	if r.URL.Path == "/.well-known/webfinger" {
		resource := r.URL.Query().Get("resource")
		user, _, _ := strings.Cut(strings.TrimPrefix(resource, "acct:"), "@")
		w.Header().Set("Content-Type", "application/jrd+json")
		json.NewEncoder(w).Encode(map[string]any{
			"subject": resource,
			"links": []map[string]string{
				{"rel": "http://webfinger.net/rel/profile-page", "type": "text/html", "href": s.URL + "/@" + user},
				{"rel": "self", "type": ContentType, "href": s.URL + "/users/" + user},
			},
		})
		return
	}
	if requireSig && r.Header.Get("Signature") == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if status, isStatus := doc.(int); isStatus {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", ContentType)
	json.NewEncoder(w).Encode(doc)
}

// addActor publishes a remote actor document and returns the actor.
func (s *remoteServer) addActor(t *testing.T, name string) *domain.Actor {
	t.Helper()
	actor := remoteActor(s.URL, name)
	actor.PublicKeyPem = testKeys(t)[0].Public
	actor.SharedInboxURI = s.URL + "/inbox"
	s.set("/users/"+name, ActorDocument(actor))
	return actor
}

func (s *remoteServer) set(path string, doc any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[path] = doc
}

func (s *remoteServer) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *remoteServer) host() string {
	u, _ := url.Parse(s.URL)
	return u.Host
}

func newTestDiscovery(store *memStore) *Discovery {
	return NewDiscovery(store, store, DiscoveryConfig{
		LocalDomain:     "local.example",
		Timeout:         5 * time.Second,
		TTL:             24 * time.Hour,
		KeyTTL:          time.Hour,
		WebfingerScheme: "http",
	})
}

func TestLookupRemoteActor(t *testing.T) {
	srv := newRemoteServer(t)
	bob := srv.addActor(t, "bob")
	store := newMemStore()
	d := newTestDiscovery(store)

	ent, err := d.Lookup(context.Background(), bob.URI)
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if ent.Kind != domain.KindActor {
		t.Fatalf("Kind = %s", ent.Kind)
	}
	if ent.Actor.InboxURI != bob.InboxURI || ent.Actor.SharedInboxURI != bob.SharedInboxURI {
		t.Errorf("unexpected inboxes: %+v", ent.Actor)
	}
	if ent.Actor.PublicKeyPem == "" || ent.Actor.IsLocal() {
		t.Errorf("unexpected actor: %+v", ent.Actor)
	}
	if ent.Actor.Domain != srv.host() {
		t.Errorf("Domain = %s", ent.Actor.Domain)
	}
	if _, err := store.ReadCacheEntry(context.Background(), bob.URI); err != nil {
		t.Errorf("expected cache entry: %v", err)
	}
}

func TestLookupCacheFreshHitSkipsNetwork(t *testing.T) {
	srv := newRemoteServer(t)
	bob := srv.addActor(t, "bob")
	d := newTestDiscovery(newMemStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := d.Lookup(ctx, bob.URI); err != nil {
			t.Fatalf("Lookup() error: %v", err)
		}
	}
	if n := srv.hitCount("/users/bob"); n != 1 {
		t.Errorf("expected 1 network fetch, got %d", n)
	}
}

func TestLookupStaleHitRefreshesInBackground(t *testing.T) {
	srv := newRemoteServer(t)
	bob := srv.addActor(t, "bob")
	store := newMemStore()
	d := newTestDiscovery(store)
	ctx := context.Background()

	if _, err := d.Lookup(ctx, bob.URI); err != nil {
		t.Fatal(err)
	}

	// change the remote document and move past the TTL
	renamed := *bob
	renamed.DisplayName = "Robert"
	srv.set("/users/bob", ActorDocument(&renamed))
	d.now = func() time.Time { return time.Now().Add(25 * time.Hour) }

	ent, err := d.Lookup(ctx, bob.URI)
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if !ent.Stale {
		t.Error("expected the stale value to be returned")
	}
	if ent.Actor.DisplayName == "Robert" {
		t.Error("stale lookup should not wait for the refresh")
	}

	d.Close()
	if n := srv.hitCount("/users/bob"); n != 2 {
		t.Errorf("expected a refresh fetch, got %d fetches", n)
	}
	entry, _ := store.ReadCacheEntry(ctx, bob.URI)
	if !strings.Contains(string(entry.RawJSON), "Robert") {
		t.Error("cache entry was not refreshed")
	}
}

func TestLookupKeyRespectsKeyTTL(t *testing.T) {
	srv := newRemoteServer(t)
	bob := srv.addActor(t, "bob")
	d := newTestDiscovery(newMemStore())
	ctx := context.Background()

	if _, err := d.LookupKey(ctx, bob.KeyId(), false); err != nil {
		t.Fatalf("LookupKey() error: %v", err)
	}
	// older than the key TTL but younger than the general TTL
	d.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	if _, err := d.Lookup(ctx, bob.URI); err != nil {
		t.Fatal(err)
	}
	if n := srv.hitCount("/users/bob"); n != 1 {
		t.Fatalf("general lookup should use the cache, got %d fetches", n)
	}

	owner, err := d.LookupKey(ctx, bob.KeyId(), false)
	if err != nil {
		t.Fatalf("LookupKey() error: %v", err)
	}
	if owner.URI != bob.URI {
		t.Errorf("owner = %s", owner.URI)
	}
	if n := srv.hitCount("/users/bob"); n != 2 {
		t.Errorf("expected the key to be refetched, got %d fetches", n)
	}

	if _, err := d.LookupKey(ctx, bob.KeyId(), true); err != nil {
		t.Fatal(err)
	}
	if n := srv.hitCount("/users/bob"); n != 3 {
		t.Errorf("refresh must bypass the cache, got %d fetches", n)
	}
}

func TestLookupKeyDocument(t *testing.T) {
	srv := newRemoteServer(t)
	bob := srv.addActor(t, "bob")
	keyId := srv.URL + "/keys/bob"
	bobDoc := ActorDocument(bob)
	bobDoc.PublicKey.ID = keyId
	srv.set("/users/bob", bobDoc)
	srv.set("/keys/bob", map[string]string{
		"id":           keyId,
		"type":         "Key",
		"owner":        bob.URI,
		"publicKeyPem": bob.PublicKeyPem,
	})
	d := newTestDiscovery(newMemStore())

	owner, err := d.LookupKey(context.Background(), keyId, false)
	if err != nil {
		t.Fatalf("LookupKey() error: %v", err)
	}
	if owner.URI != bob.URI || owner.PublicKeyId != keyId {
		t.Errorf("unexpected owner %+v", owner)
	}
}

func TestLookupWebfingerHandle(t *testing.T) {
	srv := newRemoteServer(t)
	bob := srv.addActor(t, "bob")
	d := newTestDiscovery(newMemStore())

	for _, handle := range []string{"bob@" + srv.host(), "@bob@" + srv.host(), "acct:bob@" + srv.host()} {
		actor, err := d.LookupActor(context.Background(), handle)
		if err != nil {
			t.Fatalf("LookupActor(%s) error: %v", handle, err)
		}
		if actor.URI != bob.URI {
			t.Errorf("LookupActor(%s) = %s", handle, actor.URI)
		}
	}
}

func TestLookupLocalReferencesSkipNetwork(t *testing.T) {
	store := newMemStore()
	k := testKeys(t)[0]
	store.accounts["alice"] = &domain.Account{Id: uuid.New(), Username: "alice", WebPublicKey: k.Public, WebPrivateKey: k.Private}
	d := newTestDiscovery(store)
	d.conf.Client = &http.Client{Transport: failingTransport{t}}

	for _, ref := range []string{"alice", "alice@local.example", "https://local.example/users/alice"} {
		ent, err := d.Lookup(context.Background(), ref)
		if err != nil {
			t.Fatalf("Lookup(%s) error: %v", ref, err)
		}
		if !ent.Actor.IsLocal() || !ent.Actor.CanSign() {
			t.Errorf("Lookup(%s) returned a non-local actor", ref)
		}
		if ent.Actor.URI != "https://local.example/users/alice" {
			t.Errorf("URI = %s", ent.Actor.URI)
		}
	}

	_, err := d.Lookup(context.Background(), "nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

type failingTransport struct{ t *testing.T }

func (f failingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	f.t.Errorf("unexpected network request to %s", r.URL)
	return nil, errors.New("no network")
}

func TestLookupFailuresLeaveCacheUntouched(t *testing.T) {
	srv := newRemoteServer(t)
	srv.set("/broken", http.StatusInternalServerError)
	srv.set("/question", map[string]string{"id": srv.URL + "/question", "type": "Question"})
	srv.set("/noinbox", map[string]any{"id": srv.URL + "/noinbox", "type": "Person"})
	store := newMemStore()
	d := newTestDiscovery(store)

	tests := []struct {
		path    string
		wantErr error
	}{
		{"/broken", nil},
		{"/missing", ErrNotFound},
		{"/question", ErrUnsupportedType},
		{"/noinbox", ErrMalformed},
	}
	for _, tt := range tests {
		_, err := d.Lookup(context.Background(), srv.URL+tt.path)
		var derr *DiscoveryError
		if !errors.As(err, &derr) {
			t.Errorf("%s: expected *DiscoveryError, got %v", tt.path, err)
			continue
		}
		if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
			t.Errorf("%s: expected %v, got %v", tt.path, tt.wantErr, err)
		}
	}
	if store.cacheWrites != 0 {
		t.Errorf("failed fetches wrote %d cache entries", store.cacheWrites)
	}
}

func TestSignedFetchRetry(t *testing.T) {
	srv := newRemoteServer(t)
	bob := srv.addActor(t, "bob")
	srv.mu.Lock()
	srv.requireSignature = true
	srv.mu.Unlock()

	store := newMemStore()
	d := newTestDiscovery(store)
	if _, err := d.Lookup(context.Background(), bob.URI); err == nil {
		t.Fatal("expected unsigned fetch to fail")
	}

	instance := newActor(t, "https://local.example", "instance")
	d.UseSignedFetch(NewSignatureService(d, 0), instance)
	if _, err := d.Lookup(context.Background(), bob.URI); err != nil {
		t.Fatalf("signed Lookup() error: %v", err)
	}
}

func TestLookupRejectsForeignDocuments(t *testing.T) {
	srv := newRemoteServer(t)
	key := testKeys(t)[0].Public
	victim := remoteActor("https://victim.example", "alice")
	victim.PublicKeyPem = key

	claimsVictim := ActorDocument(victim)
	claimsVictim.PublicKey.ID = srv.URL + "/users/spoof#main-key"
	srv.set("/users/spoof", claimsVictim)

	foreignKey := ActorDocument(remoteActor(srv.URL, "keyless"))
	foreignKey.PublicKey = &PublicKey{ID: victim.KeyId(), Owner: srv.URL + "/users/keyless", PublicKeyPem: key}
	srv.set("/users/keyless", foreignKey)

	otherOwner := ActorDocument(remoteActor(srv.URL, "owned"))
	otherOwner.PublicKey = &PublicKey{ID: srv.URL + "/users/owned#main-key", Owner: victim.URI, PublicKeyPem: key}
	srv.set("/users/owned", otherOwner)

	srv.set("/keys/stolen", map[string]string{
		"id":           srv.URL + "/keys/stolen",
		"type":         "Key",
		"owner":        victim.URI,
		"publicKeyPem": key,
	})

	store := newMemStore()
	d := newTestDiscovery(store)
	for _, path := range []string{"/users/spoof", "/users/keyless", "/users/owned", "/keys/stolen"} {
		_, err := d.Lookup(context.Background(), srv.URL+path)
		if !errors.Is(err, ErrOriginMismatch) {
			t.Errorf("%s: expected ErrOriginMismatch, got %v", path, err)
		}
	}
	if store.cacheWrites != 0 {
		t.Errorf("foreign documents were cached: %d writes", store.cacheWrites)
	}
}

func TestVerifyRejectsKeyClaimingForeignActor(t *testing.T) {
	srv := newRemoteServer(t)
	mallory := newActor(t, srv.URL, "mallory")

	// mallory's server says its key belongs to an actor on another host
	doc := ActorDocument(mallory)
	doc.ID = "https://victim.example/users/alice"
	doc.PublicKey.Owner = doc.ID
	srv.set("/users/mallory", doc)

	d := newTestDiscovery(newMemStore())
	svc := NewSignatureService(d, 0)
	body := []byte(`{"id":"https://victim.example/activities/1","type":"Delete","actor":"https://victim.example/users/alice","object":"https://victim.example/users/alice"}`)

	r := signedRequest(t, svc, mallory, body)
	owner, err := svc.Verify(context.Background(), r, body)
	if err == nil {
		t.Fatalf("Verify() accepted a key for %s", owner.URI)
	}
	if !errors.Is(err, ErrUnknownKey) || !errors.Is(err, ErrOriginMismatch) {
		t.Errorf("expected unknown key caused by origin mismatch, got %v", err)
	}
}
