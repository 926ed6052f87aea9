package activitypub

import (
	"context"
	"sync"
	"time"
)

// FollowerSource lists the URIs of actors following an actor.
type FollowerSource interface {
	ReadFollowerURIs(ctx context.Context, followingURI string) ([]string, error)
}

type followerEntry struct {
	uris     []string
	loadedAt time.Time
}

// FollowerCache memoises follower lists for fan-out. A zero ttl disables
// caching.
type FollowerCache struct {
	src FollowerSource
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]followerEntry
}

func NewFollowerCache(src FollowerSource, ttl time.Duration) *FollowerCache {
	return &FollowerCache{src: src, ttl: ttl, now: time.Now, entries: map[string]followerEntry{}}
}

// Followers returns a copy of the follower list of actorURI.
func (c *FollowerCache) Followers(ctx context.Context, actorURI string) ([]string, error) {
	if c == nil {
		return nil, nil
	}
	if c.ttl > 0 {
		c.mu.Lock()
		e, ok := c.entries[actorURI]
		c.mu.Unlock()
		if ok && c.now().Sub(e.loadedAt) < c.ttl {
			return append([]string(nil), e.uris...), nil
		}
	}

	uris, err := c.src.ReadFollowerURIs(ctx, actorURI)
	if err != nil {
		return nil, err
	}
	if c.ttl > 0 {
		c.mu.Lock()
		c.entries[actorURI] = followerEntry{uris: append([]string(nil), uris...), loadedAt: c.now()}
		c.mu.Unlock()
	}
	return uris, nil
}

// Invalidate forgets the cached lists of the given actors.
func (c *FollowerCache) Invalidate(actorURIs ...string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, uri := range actorURIs {
		delete(c.entries, uri)
	}
}
