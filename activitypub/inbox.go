package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
)

// EventActivityReceived is emitted once per new, verified inbound activity.
const EventActivityReceived = "activity.received"

// ActivityLog remembers processed activity ids.
type ActivityLog interface {
	// RecordActivity stores rec and reports false if its ActivityURI was
	// already present.
	RecordActivity(ctx context.Context, rec *domain.ActivityRecord) (bool, error)
}

type EventBus interface {
	Emit(ctx context.Context, name string, payload any) error
}

type RequestVerifier interface {
	Verify(ctx context.Context, r *http.Request, body []byte) (*domain.Actor, error)
}

type EntityResolver interface {
	Lookup(ctx context.Context, ref string) (*Entity, error)
}

// Received is the payload of EventActivityReceived.
type Received struct {
	Verb      Verb
	Activity  Activity
	Actor     *domain.Actor
	ObjectURI string
	// Object is the resolved object, nil when it was not needed or could
	// not be resolved.
	Object *Entity
	// Recipient is the local inbox owner; nil for the shared inbox.
	Recipient *domain.Actor
	Raw       json.RawMessage
	Duplicate bool
}

// InboxProcessor authenticates, validates and dispatches inbound activities.
type InboxProcessor struct {
	verifier RequestVerifier
	resolver EntityResolver
	log      ActivityLog
	bus      EventBus
	logger   *log.Logger
}

func NewInboxProcessor(verifier RequestVerifier, resolver EntityResolver, activityLog ActivityLog, bus EventBus) *InboxProcessor {
	return &InboxProcessor{
		verifier: verifier,
		resolver: resolver,
		log:      activityLog,
		bus:      bus,
		logger:   log.WithPrefix("Inbox"),
	}
}

// Process handles one inbound request whose body was already read.
// It returns an *AuthError when the request is not authentic and a
// *ValidationError when the activity is malformed; neither changes any state.
// A repeated activity id yields a Received with Duplicate set and emits
// nothing.
func (ip *InboxProcessor) Process(ctx context.Context, r *http.Request, body []byte, recipient *domain.Actor) (*Received, error) {
	signer, err := ip.verifier.Verify(ctx, r, body)
	if err != nil {
		ip.logger.Warn("Rejected request", "remote", r.RemoteAddr, "err", err)
		return nil, err
	}

	act, err := Decode(body)
	if err != nil {
		ip.logger.Warn("Rejected activity", "signer", signer.URI, "err", err)
		return nil, err
	}
	header := act.Header()
	if header.Actor != signer.URI {
		return nil, authError(signer.KeyId(), ErrActorMismatch, fmt.Errorf("activity actor %s", header.Actor))
	}

	rcv := &Received{
		Verb:      act.Verb(),
		Activity:  act,
		Actor:     signer,
		ObjectURI: ObjectURI(act),
		Recipient: recipient,
		Raw:       append(json.RawMessage(nil), body...),
	}

	fresh, err := ip.log.RecordActivity(ctx, &domain.ActivityRecord{
		Id:           uuid.New(),
		ActivityURI:  header.ID,
		ActivityType: header.Type,
		ActorURI:     header.Actor,
		ObjectURI:    rcv.ObjectURI,
		RawJSON:      string(body),
		CreatedAt:    time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record activity: %w", err)
	}
	if !fresh {
		ip.logger.Debug("Duplicate activity", "id", header.ID)
		rcv.Duplicate = true
		return rcv, nil
	}

	rcv.Object = ip.resolveObject(ctx, act)

	ip.logger.Info("Received", "verb", rcv.Verb, "id", header.ID, "actor", signer.URI)
	if err := ip.bus.Emit(ctx, EventActivityReceived, rcv); err != nil {
		ip.logger.Error("Handler failed", "verb", rcv.Verb, "id", header.ID, "err", err)
	}
	return rcv, nil
}

// resolveObject resolves what the activity points at. Embedded objects are
// used as-is; references are looked up only for verbs whose handlers need
// them. Failures are logged, not returned.
func (ip *InboxProcessor) resolveObject(ctx context.Context, act Activity) *Entity {
	switch a := act.(type) {
	case *CreateActivity:
		return &Entity{URI: a.Object.ID, Kind: domain.KindObject, Object: a.Object}
	case *UpdateActivity:
		if actorTypes[a.Object.Type] {
			if actor, err := actorFromObject(a.Object); err == nil {
				return &Entity{URI: a.Object.ID, Kind: domain.KindActor, Actor: actor, Object: a.Object}
			}
		}
		return &Entity{URI: a.Object.ID, Kind: domain.KindObject, Object: a.Object}
	case *FollowActivity, *LikeActivity, *AnnounceActivity:
		uri := ObjectURI(act)
		ent, err := ip.resolver.Lookup(ctx, uri)
		if err != nil {
			ip.logger.Debug("Could not resolve object", "uri", uri, "err", err)
			return nil
		}
		return ent
	}
	return nil
}
