package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PendingFollowRequest tracks a Follow that has been sent but not yet
// answered. At most one exists per (RequesterURI, RequestedURI).
type PendingFollowRequest struct {
	Id           uuid.UUID
	RequesterURI string
	RequestedURI string
	ActivityURI  string
	CreatedAt    time.Time
}

// Follow represents an accepted follow relationship
type Follow struct {
	Id           uuid.UUID
	FollowerURI  string
	FollowingURI string
	ActivityURI  string
	CreatedAt    time.Time
}

type EntityKind string

const (
	KindActor  EntityKind = "actor"
	KindObject EntityKind = "object"
	KindKey    EntityKind = "key"
)

// CacheEntry maps a URI to the fetched representation of a remote entity.
type CacheEntry struct {
	URI        string
	Kind       EntityKind
	EntityType string
	RawJSON    json.RawMessage
	FetchedAt  time.Time
}

// Stale reports whether the entry is older than ttl at now.
func (e *CacheEntry) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.FetchedAt) >= ttl
}

// DeliveryQueueItem represents an item in the delivery queue
type DeliveryQueueItem struct {
	Id           uuid.UUID
	QueueName    string
	SenderURI    string
	InboxURI     string
	ActivityJSON string
	Attempts     int
	NextRetryAt  time.Time
	CreatedAt    time.Time
}

// ActivityRecord logs a received activity for deduplication.
type ActivityRecord struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	CreatedAt    time.Time
}

// DeliveryTarget is a resolved recipient. It is computed per delivery and
// never persisted.
type DeliveryTarget struct {
	ActorURI string
	Inbox    string
}
