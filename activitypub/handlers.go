package activitypub

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
)

// HandlerStore is the persistence the default handlers need.
type HandlerStore interface {
	FollowStore
	DeleteFollowsOf(ctx context.Context, actorURI string) error
}

// CacheControl refreshes or drops discovery cache entries.
type CacheControl interface {
	Refresh(ctx context.Context, uri string) (*Entity, error)
	Invalidate(ctx context.Context, uri string) error
}

// Handlers applies the local side effects of received activities. Follows
// of local actors are accepted automatically; the Accept goes through the
// retry queue so the inbound request never waits on the follower's server.
type Handlers struct {
	deps   PostmanDeps
	store  HandlerStore
	cache  CacheControl
	logger *log.Logger
}

func NewHandlers(deps PostmanDeps, store HandlerStore, cache CacheControl) *Handlers {
	if deps.QueueName == "" {
		deps.QueueName = DefaultRetryQueue
	}
	return &Handlers{deps: deps, store: store, cache: cache, logger: log.WithPrefix("Inbox")}
}

// Handle is subscribed to EventActivityReceived.
func (h *Handlers) Handle(ctx context.Context, payload any) error {
	rcv, ok := payload.(*Received)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}

	switch act := rcv.Activity.(type) {
	case *FollowActivity:
		return h.follow(ctx, rcv, act)
	case *AcceptActivity:
		return h.accept(ctx, rcv, act)
	case *RejectActivity:
		return h.reject(ctx, rcv, act)
	case *UndoActivity:
		return h.undo(ctx, rcv, act)
	case *DeleteActivity:
		return h.delete(ctx, rcv, act)
	case *UpdateActivity:
		if rcv.Object != nil && rcv.Object.Kind == domain.KindActor && rcv.Object.URI == rcv.Actor.URI {
			if _, err := h.cache.Refresh(ctx, rcv.Actor.URI); err != nil {
				return fmt.Errorf("failed to refresh %s: %w", rcv.Actor.URI, err)
			}
			h.logger.Info("Updated profile", "actor", rcv.Actor.Handle())
		}
	case *CreateActivity:
		h.logger.Info("Received note", "id", act.Object.ID, "from", rcv.Actor.Handle())
	case *LikeActivity, *AnnounceActivity:
		h.logger.Info("Received", "verb", rcv.Verb, "object", rcv.ObjectURI, "from", rcv.Actor.Handle())
	}
	return nil
}

func (h *Handlers) follow(ctx context.Context, rcv *Received, follow *FollowActivity) error {
	if rcv.Object == nil || rcv.Object.Kind != domain.KindActor || !rcv.Object.Actor.IsLocal() {
		h.logger.Warn("Ignoring Follow of unknown actor", "object", follow.Object, "from", rcv.Actor.Handle())
		return nil
	}
	local := rcv.Object.Actor
	h.logger.Info("Processing Follow", "from", rcv.Actor.Handle(), "to", local.Username)

	record := &domain.Follow{
		Id:           uuid.New(),
		FollowerURI:  rcv.Actor.URI,
		FollowingURI: local.URI,
		ActivityURI:  follow.ID,
		CreatedAt:    time.Now(),
	}
	if err := h.store.CreateFollow(ctx, record); err != nil {
		return fmt.Errorf("failed to create follow: %w", err)
	}
	h.deps.Followers.Invalidate(local.URI)

	accept := NewAccept(local, follow)
	if err := Validate(accept); err != nil {
		return fmt.Errorf("failed to build Accept: %w", err)
	}
	payload, err := json.Marshal(accept)
	if err != nil {
		return fmt.Errorf("failed to encode Accept: %w", err)
	}
	if rcv.Actor.InboxURI == "" {
		return fmt.Errorf("follower %s has no inbox", rcv.Actor.URI)
	}
	target := domain.DeliveryTarget{ActorURI: rcv.Actor.URI, Inbox: rcv.Actor.InboxURI}
	if err := h.deps.Queue.Enqueue(ctx, h.deps.QueueName, local.URI, target, payload); err != nil {
		return fmt.Errorf("failed to queue Accept: %w", err)
	}
	return nil
}

// requester returns the local actor that sent the Follow answered by an
// Accept or Reject.
func requester(rcv *Received, inner Embedded) string {
	if f, ok := inner.Activity.(*FollowActivity); ok && f.Actor != "" {
		return f.Actor
	}
	if rcv.Recipient != nil {
		return rcv.Recipient.URI
	}
	return ""
}

func (h *Handlers) accept(ctx context.Context, rcv *Received, accept *AcceptActivity) error {
	local := requester(rcv, accept.Object)
	if local == "" {
		return nil
	}
	pending, err := h.store.ReadPendingFollow(ctx, local, rcv.Actor.URI)
	if errors.Is(err, sql.ErrNoRows) {
		h.logger.Warn("Ignoring Accept without a pending follow", "follower", local, "from", rcv.Actor.Handle())
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read pending follow: %w", err)
	}
	if id := accept.Object.ID(); id != "" && pending.ActivityURI != "" && id != pending.ActivityURI {
		h.logger.Warn("Ignoring Accept of an unknown Follow", "follow", id, "pending", pending.ActivityURI)
		return nil
	}
	if err := h.store.DeletePendingFollow(ctx, local, rcv.Actor.URI); err != nil {
		return fmt.Errorf("failed to remove pending follow: %w", err)
	}
	record := &domain.Follow{
		Id:           uuid.New(),
		FollowerURI:  local,
		FollowingURI: rcv.Actor.URI,
		ActivityURI:  pending.ActivityURI,
		CreatedAt:    time.Now(),
	}
	if err := h.store.CreateFollow(ctx, record); err != nil {
		return fmt.Errorf("failed to record follow: %w", err)
	}
	h.logger.Info("Follow accepted", "follower", local, "following", rcv.Actor.Handle())
	return nil
}

func (h *Handlers) reject(ctx context.Context, rcv *Received, reject *RejectActivity) error {
	local := requester(rcv, reject.Object)
	if local == "" {
		return nil
	}
	if err := h.store.DeletePendingFollow(ctx, local, rcv.Actor.URI); err != nil {
		return fmt.Errorf("failed to remove pending follow: %w", err)
	}
	if err := h.store.DeleteFollow(ctx, local, rcv.Actor.URI); err != nil {
		return fmt.Errorf("failed to remove follow: %w", err)
	}
	h.logger.Info("Follow rejected", "follower", local, "following", rcv.Actor.Handle())
	return nil
}

func (h *Handlers) undo(ctx context.Context, rcv *Received, undo *UndoActivity) error {
	following, err := h.undoneFollow(ctx, rcv, undo.Object)
	if err != nil {
		return err
	}
	if following == "" {
		h.logger.Info("Received Undo", "object", undo.Object.ID(), "from", rcv.Actor.Handle())
		return nil
	}
	if err := h.store.DeleteFollow(ctx, rcv.Actor.URI, following); err != nil {
		return fmt.Errorf("failed to remove follow: %w", err)
	}
	if err := h.store.DeletePendingFollow(ctx, rcv.Actor.URI, following); err != nil {
		return fmt.Errorf("failed to remove pending follow: %w", err)
	}
	h.deps.Followers.Invalidate(following)
	h.logger.Info("Removed follow", "follower", rcv.Actor.Handle(), "following", following)
	return nil
}

// undoneFollow returns the followed actor when the Undo targets a Follow.
// A bare id only matches the follow recorded for the receiving inbox.
func (h *Handlers) undoneFollow(ctx context.Context, rcv *Received, inner Embedded) (string, error) {
	if follow, ok := inner.Activity.(*FollowActivity); ok {
		return follow.Object, nil
	}
	if inner.Ref == "" || rcv.Recipient == nil {
		return "", nil
	}
	rec, err := h.store.ReadFollow(ctx, rcv.Actor.URI, rcv.Recipient.URI)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read follow: %w", err)
	}
	if rec.ActivityURI != inner.Ref {
		return "", nil
	}
	return rec.FollowingURI, nil
}

func (h *Handlers) delete(ctx context.Context, rcv *Received, del *DeleteActivity) error {
	if del.Object.ID != rcv.Actor.URI {
		h.logger.Info("Received Delete", "object", del.Object.ID, "from", rcv.Actor.Handle())
		return nil
	}
	if err := h.store.DeleteFollowsOf(ctx, rcv.Actor.URI); err != nil {
		return fmt.Errorf("failed to remove follows of %s: %w", rcv.Actor.URI, err)
	}
	if err := h.cache.Invalidate(ctx, rcv.Actor.URI); err != nil {
		return err
	}
	h.logger.Info("Actor deleted their account", "actor", rcv.Actor.URI)
	return nil
}
