package activitypub

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"golang.org/x/sync/singleflight"
)

const (
	maxDocumentSize = 1 << 20
	acceptHeader    = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

// CacheStore persists fetched documents. ReadCacheEntry reports a miss with
// an error wrapping sql.ErrNoRows.
type CacheStore interface {
	ReadCacheEntry(ctx context.Context, uri string) (*domain.CacheEntry, error)
	UpsertCacheEntry(ctx context.Context, entry *domain.CacheEntry) error
	DeleteCacheEntry(ctx context.Context, uri string) error
}

// Accounts looks up local users.
type Accounts interface {
	ReadAccByUsername(ctx context.Context, username string) (*domain.Account, error)
}

// Entity is a resolved actor, object or key document.
type Entity struct {
	URI       string
	Kind      domain.EntityKind
	Actor     *domain.Actor // actors only
	Object    *Object
	FetchedAt time.Time
	// Stale is set when a cached value past its TTL was returned while a
	// refresh runs in the background.
	Stale bool
}

type DiscoveryConfig struct {
	LocalDomain string
	Client      *http.Client
	Timeout     time.Duration
	TTL         time.Duration
	KeyTTL      time.Duration
	// WebfingerScheme is "https" unless overridden.
	WebfingerScheme string
}

// Discovery resolves URIs and webfinger handles, cache first.
type Discovery struct {
	store    CacheStore
	accounts Accounts
	conf     DiscoveryConfig
	logger   *log.Logger
	now      func() time.Time

	group singleflight.Group
	wg    sync.WaitGroup

	mu            sync.RWMutex
	signer        *SignatureService
	instanceActor *domain.Actor
}

func NewDiscovery(store CacheStore, accounts Accounts, conf DiscoveryConfig) *Discovery {
	if conf.Client == nil {
		conf.Client = &http.Client{}
	}
	if conf.Timeout <= 0 {
		conf.Timeout = 10 * time.Second
	}
	if conf.TTL <= 0 {
		conf.TTL = 24 * time.Hour
	}
	if conf.KeyTTL <= 0 || conf.KeyTTL > conf.TTL {
		conf.KeyTTL = conf.TTL
	}
	if conf.WebfingerScheme == "" {
		conf.WebfingerScheme = "https"
	}
	return &Discovery{
		store:    store,
		accounts: accounts,
		conf:     conf,
		logger:   log.WithPrefix("Discovery"),
		now:      time.Now,
	}
}

// UseSignedFetch makes fetches rejected with 401 or 403 retry once signed as
// actor.
func (d *Discovery) UseSignedFetch(signer *SignatureService, actor *domain.Actor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.signer, d.instanceActor = signer, actor
}

// Close waits for background refreshes to finish.
func (d *Discovery) Close() {
	d.wg.Wait()
}

// Lookup resolves a local username, a user@host handle or a URI.
func (d *Discovery) Lookup(ctx context.Context, ref string) (*Entity, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, &DiscoveryError{URI: ref, Err: ErrInvalidURI}
	}

	if username, ok := d.localUsername(ref); ok {
		return d.lookupLocal(ctx, username)
	}
	if isHandle(ref) {
		uri, err := d.Webfinger(ctx, ref)
		if err != nil {
			return nil, err
		}
		if username, ok := d.localUsername(uri); ok {
			return d.lookupLocal(ctx, username)
		}
		ref = uri
	}
	if !isAbsoluteURI(ref) {
		return nil, &DiscoveryError{URI: ref, Err: ErrInvalidURI}
	}
	return d.lookupURI(ctx, ref, d.conf.TTL, false, true)
}

// LookupActor is Lookup restricted to actors.
func (d *Discovery) LookupActor(ctx context.Context, ref string) (*domain.Actor, error) {
	ent, err := d.Lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	if ent.Kind != domain.KindActor {
		return nil, &DiscoveryError{URI: ref, Err: fmt.Errorf("%w: %s is not an actor", ErrUnsupportedType, ent.Object.Type)}
	}
	return ent.Actor, nil
}

// LookupKey resolves keyId to the actor that owns it. Keys are never served
// from a cache entry older than the key TTL, and refresh skips the cache.
func (d *Discovery) LookupKey(ctx context.Context, keyId string, refresh bool) (*domain.Actor, error) {
	docURI, _, _ := strings.Cut(keyId, "#")
	if username, ok := d.localUsername(docURI); ok {
		ent, err := d.lookupLocal(ctx, username)
		if err != nil {
			return nil, err
		}
		return ent.Actor, nil
	}
	if !isAbsoluteURI(docURI) {
		return nil, &DiscoveryError{URI: keyId, Err: ErrInvalidURI}
	}

	ent, err := d.lookupURI(ctx, docURI, d.conf.KeyTTL, refresh, false)
	if err != nil {
		return nil, err
	}

	switch ent.Kind {
	case domain.KindActor:
		if ent.Actor.PublicKeyId != "" && ent.Actor.PublicKeyId != keyId {
			return nil, &DiscoveryError{URI: keyId, Err: fmt.Errorf("%w: actor advertises key %s", ErrNotFound, ent.Actor.PublicKeyId)}
		}
		return ent.Actor, nil
	case domain.KindKey:
		owner, err := d.lookupURI(ctx, ent.Object.Owner, d.conf.KeyTTL, refresh, false)
		if err != nil {
			return nil, err
		}
		if owner.Kind != domain.KindActor {
			return nil, &DiscoveryError{URI: keyId, Err: fmt.Errorf("%w: key owner is a %s", ErrUnsupportedType, owner.Object.Type)}
		}
		if owner.Actor.PublicKeyId != keyId && owner.Actor.PublicKeyPem != ent.Object.PublicKeyPem {
			return nil, &DiscoveryError{URI: keyId, Err: fmt.Errorf("%w: owner does not claim key", ErrNotFound)}
		}
		actor := *owner.Actor
		actor.PublicKeyId = keyId
		actor.PublicKeyPem = ent.Object.PublicKeyPem
		return &actor, nil
	}
	return nil, &DiscoveryError{URI: keyId, Err: fmt.Errorf("%w: %s", ErrUnsupportedType, ent.Object.Type)}
}

// Refresh fetches uri from the network and replaces the cache entry.
func (d *Discovery) Refresh(ctx context.Context, uri string) (*Entity, error) {
	return d.fetch(ctx, uri)
}

// Invalidate drops the cache entry for uri.
func (d *Discovery) Invalidate(ctx context.Context, uri string) error {
	if err := d.store.DeleteCacheEntry(ctx, uri); err != nil {
		return fmt.Errorf("failed to invalidate %s: %w", uri, err)
	}
	return nil
}

func (d *Discovery) lookupURI(ctx context.Context, uri string, ttl time.Duration, refresh, allowStale bool) (*Entity, error) {
	if !refresh {
		entry, err := d.store.ReadCacheEntry(ctx, uri)
		switch {
		case err == nil:
			ent, perr := parseDocument(uri, entry.RawJSON)
			if perr != nil {
				d.logger.Warn("Dropping unparsable cache entry", "uri", uri, "err", perr)
				break
			}
			ent.FetchedAt = entry.FetchedAt
			if !entry.Stale(d.now(), ttl) {
				return ent, nil
			}
			if allowStale {
				d.refreshInBackground(uri)
				ent.Stale = true
				return ent, nil
			}
		case !errors.Is(err, sql.ErrNoRows):
			d.logger.Warn("Cache read failed", "uri", uri, "err", err)
		}
	}
	return d.fetch(ctx, uri)
}

func (d *Discovery) refreshInBackground(uri string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.conf.Timeout)
		defer cancel()
		if _, err := d.fetch(ctx, uri); err != nil {
			d.logger.Warn("Background refresh failed", "uri", uri, "err", err)
		}
	}()
}

// fetch GETs and parses uri. Concurrent fetches of the same uri share one
// request. The cache is written only after the document parsed.
func (d *Discovery) fetch(ctx context.Context, uri string) (*Entity, error) {
	v, err, _ := d.group.Do(uri, func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, d.conf.Timeout)
		defer cancel()

		body, err := d.get(ctx, uri, acceptHeader)
		if err != nil {
			return nil, err
		}
		ent, err := parseDocument(uri, body)
		if err != nil {
			return nil, err
		}
		ent.FetchedAt = d.now()

		entry := &domain.CacheEntry{
			URI:        uri,
			Kind:       ent.Kind,
			EntityType: ent.Object.Type,
			RawJSON:    body,
			FetchedAt:  ent.FetchedAt,
		}
		if err := d.store.UpsertCacheEntry(ctx, entry); err != nil {
			d.logger.Warn("Failed to cache document", "uri", uri, "err", err)
		}
		d.logger.Debug("Fetched", "uri", uri, "kind", ent.Kind)
		return ent, nil
	})
	if err != nil {
		return nil, err
	}
	// Callers sharing a flight must not alias each other's results.
	ent := *v.(*Entity)
	return &ent, nil
}

func (d *Discovery) get(ctx context.Context, uri, accept string) ([]byte, error) {
	resp, err := d.do(ctx, uri, accept, false)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		d.mu.RLock()
		canSign := d.signer != nil && d.instanceActor != nil
		d.mu.RUnlock()
		if canSign {
			resp.Body.Close()
			if resp, err = d.do(ctx, uri, accept, true); err != nil {
				return nil, err
			}
		}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, &DiscoveryError{URI: uri, Err: fmt.Errorf("%w: status %d", ErrNotFound, resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, &DiscoveryError{URI: uri, Err: fmt.Errorf("fetch failed with status: %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, &DiscoveryError{URI: uri, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if len(body) > maxDocumentSize {
		return nil, &DiscoveryError{URI: uri, Err: fmt.Errorf("%w: document exceeds %d bytes", ErrMalformed, maxDocumentSize)}
	}
	return body, nil
}

func (d *Discovery) do(ctx context.Context, uri, accept string, signed bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, &DiscoveryError{URI: uri, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", util.UserAgent())

	if signed {
		d.mu.RLock()
		signer, actor := d.signer, d.instanceActor
		d.mu.RUnlock()
		if err := signer.SignRequest(actor, req, nil); err != nil {
			return nil, &DiscoveryError{URI: uri, Err: err}
		}
	}

	resp, err := d.conf.Client.Do(req)
	if err != nil {
		return nil, &DiscoveryError{URI: uri, Err: fmt.Errorf("request failed: %w", err)}
	}
	return resp, nil
}

type webfingerResponse struct {
	Subject string `json:"subject"`
	Links   []struct {
		Rel  string `json:"rel"`
		Type string `json:"type"`
		Href string `json:"href"`
	} `json:"links"`
}

// Webfinger resolves user@host to the actor URI advertised by host.
func (d *Discovery) Webfinger(ctx context.Context, handle string) (string, error) {
	user, host, ok := splitHandle(handle)
	if !ok {
		return "", &DiscoveryError{URI: handle, Err: ErrInvalidURI}
	}
	ctx, cancel := context.WithTimeout(ctx, d.conf.Timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s://%s/.well-known/webfinger?resource=%s",
		d.conf.WebfingerScheme, host, url.QueryEscape("acct:"+user+"@"+host))
	body, err := d.get(ctx, endpoint, "application/jrd+json, application/json")
	if err != nil {
		return "", err
	}

	var wf webfingerResponse
	if err := json.Unmarshal(body, &wf); err != nil {
		return "", &DiscoveryError{URI: handle, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	for _, link := range wf.Links {
		if link.Rel != "self" {
			continue
		}
		if link.Type == ContentType || strings.HasPrefix(link.Type, "application/ld+json") {
			if !isAbsoluteURI(link.Href) {
				return "", &DiscoveryError{URI: handle, Err: fmt.Errorf("%w: %q", ErrInvalidURI, link.Href)}
			}
			return link.Href, nil
		}
	}
	return "", &DiscoveryError{URI: handle, Err: fmt.Errorf("%w: no self link", ErrNotFound)}
}

func (d *Discovery) lookupLocal(ctx context.Context, username string) (*Entity, error) {
	acc, err := d.accounts.ReadAccByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrNotFound
		}
		return nil, &DiscoveryError{URI: username, Err: err}
	}
	actor := acc.ToActor(d.conf.LocalDomain)
	return &Entity{
		URI:       actor.URI,
		Kind:      domain.KindActor,
		Actor:     actor,
		Object:    ActorDocument(actor),
		FetchedAt: d.now(),
	}, nil
}

// localUsername recognises bare usernames, handles on the local domain and
// local actor URIs.
func (d *Discovery) localUsername(ref string) (string, bool) {
	if !strings.Contains(ref, "://") {
		ref = strings.TrimPrefix(strings.TrimPrefix(ref, "acct:"), "@")
		if !strings.Contains(ref, "@") {
			return ref, ref != "" && !strings.ContainsAny(ref, "/.:")
		}
		user, host, ok := splitHandle(ref)
		return user, ok && strings.EqualFold(host, d.conf.LocalDomain)
	}
	u, err := url.Parse(ref)
	if err != nil || !strings.EqualFold(u.Host, d.conf.LocalDomain) {
		return "", false
	}
	name, ok := strings.CutPrefix(u.Path, "/users/")
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

func isHandle(ref string) bool {
	_, _, ok := splitHandle(ref)
	return ok && !strings.Contains(ref, "://")
}

// splitHandle parses user@host, @user@host and acct:user@host.
func splitHandle(handle string) (user, host string, ok bool) {
	handle = strings.TrimPrefix(strings.TrimPrefix(handle, "acct:"), "@")
	user, host, ok = strings.Cut(handle, "@")
	if !ok || user == "" || host == "" || strings.ContainsAny(user, "/@") || strings.ContainsAny(host, "/@") {
		return "", "", false
	}
	return user, host, true
}

// parseDocument classifies a fetched document as an actor, a key or a
// supported object.
func parseDocument(uri string, body []byte) (*Entity, error) {
	var obj Object
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, &DiscoveryError{URI: uri, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if obj.ID == "" || obj.Type == "" {
		return nil, &DiscoveryError{URI: uri, Err: fmt.Errorf("%w: document missing id or type", ErrMalformed)}
	}
	// A server may only speak for ids on its own host.
	if !sameHost(uri, obj.ID) {
		return nil, &DiscoveryError{URI: uri, Err: fmt.Errorf("%w: document id %s", ErrOriginMismatch, obj.ID)}
	}

	switch {
	case actorTypes[obj.Type]:
		actor, err := actorFromObject(&obj)
		if err != nil {
			return nil, &DiscoveryError{URI: uri, Err: err}
		}
		return &Entity{URI: obj.ID, Kind: domain.KindActor, Actor: actor, Object: &obj}, nil
	case obj.PublicKeyPem != "" && obj.Owner != "":
		if !isAbsoluteURI(obj.Owner) {
			return nil, &DiscoveryError{URI: uri, Err: fmt.Errorf("%w: key owner %q", ErrInvalidURI, obj.Owner)}
		}
		if !sameHost(obj.ID, obj.Owner) {
			return nil, &DiscoveryError{URI: uri, Err: fmt.Errorf("%w: key owner %s", ErrOriginMismatch, obj.Owner)}
		}
		return &Entity{URI: obj.ID, Kind: domain.KindKey, Object: &obj}, nil
	case createObjectTypes[obj.Type] || obj.Type == "Tombstone":
		return &Entity{URI: obj.ID, Kind: domain.KindObject, Object: &obj}, nil
	}
	return nil, &DiscoveryError{URI: uri, Err: fmt.Errorf("%w: %s", ErrUnsupportedType, obj.Type)}
}

// sameHost reports whether a and b are absolute URIs on the same host.
func sameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil || ua.Host == "" {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil || ub.Host == "" {
		return false
	}
	return strings.EqualFold(ua.Host, ub.Host)
}

func actorFromObject(obj *Object) (*domain.Actor, error) {
	if !isAbsoluteURI(obj.ID) {
		return nil, fmt.Errorf("%w: actor id %q", ErrInvalidURI, obj.ID)
	}
	if !isAbsoluteURI(obj.Inbox) {
		return nil, fmt.Errorf("%w: actor has no usable inbox", ErrMalformed)
	}
	if obj.PublicKey == nil || obj.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("%w: actor has no public key", ErrMalformed)
	}
	if obj.PublicKey.ID != "" && !sameHost(obj.ID, obj.PublicKey.ID) {
		return nil, fmt.Errorf("%w: key %s", ErrOriginMismatch, obj.PublicKey.ID)
	}
	if obj.PublicKey.Owner != "" && obj.PublicKey.Owner != obj.ID {
		return nil, fmt.Errorf("%w: key owned by %s", ErrOriginMismatch, obj.PublicKey.Owner)
	}

	u, _ := url.Parse(obj.ID)
	actor := &domain.Actor{
		URI:          obj.ID,
		Type:         obj.Type,
		Username:     obj.PreferredUsername,
		Domain:       u.Host,
		DisplayName:  obj.Name,
		Summary:      obj.Summary,
		InboxURI:     obj.Inbox,
		OutboxURI:    obj.Outbox,
		FollowersURI: obj.Followers,
		PublicKeyId:  obj.PublicKey.ID,
		PublicKeyPem: obj.PublicKey.PublicKeyPem,
	}
	if obj.Endpoints != nil && isAbsoluteURI(obj.Endpoints.SharedInbox) {
		actor.SharedInboxURI = obj.Endpoints.SharedInbox
	}
	if obj.Icon != nil {
		actor.AvatarURL = obj.Icon.URL
	}
	return actor, nil
}
