package activitypub

import (
	"fmt"
	"html"
	"net/url"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
)

// activityID mints a new id under the actor's host. Every built activity
// gets its own id; an Undo reuses the id of the activity it wraps.
func activityID(actor *domain.Actor) string {
	host := actor.Domain
	if u, err := url.Parse(actor.URI); err == nil && u.Host != "" {
		host = u.Host
	}
	return fmt.Sprintf("https://%s/activities/%s", host, uuid.New().String())
}

func envelope(verb Verb, id string, actor *domain.Actor, to, cc []string) Envelope {
	return Envelope{
		Context: ActivityStreamsContext,
		ID:      id,
		Type:    verb.String(),
		Actor:   actor.URI,
		To:      to,
		Cc:      cc,
	}
}

func NewFollow(actor *domain.Actor, followed string) *FollowActivity {
	return &FollowActivity{
		Envelope: envelope(VerbFollow, activityID(actor), actor, []string{followed}, nil),
		Object:   followed,
	}
}

// NewUndo wraps inner verbatim; its id is the inner id with "/undo" appended.
func NewUndo(actor *domain.Actor, inner Activity) *UndoActivity {
	h := inner.Header()
	return &UndoActivity{
		Envelope: envelope(VerbUndo, h.ID+"/undo", actor, h.To, h.Cc),
		Object:   Embedded{Activity: inner},
	}
}

// NewUndoFollow withdraws the Follow of followed that was sent with followID.
// Without a followID a new Follow is wrapped.
func NewUndoFollow(actor *domain.Actor, followed, followID string) *UndoActivity {
	follow := NewFollow(actor, followed)
	if followID != "" {
		follow.ID = followID
	}
	return NewUndo(actor, follow)
}

// NewAccept answers a remote Follow addressed to actor.
func NewAccept(actor *domain.Actor, follow *FollowActivity) *AcceptActivity {
	return &AcceptActivity{
		Envelope: envelope(VerbAccept, activityID(actor), actor, []string{follow.Actor}, nil),
		Object:   Embedded{Activity: follow},
	}
}

func NewReject(actor *domain.Actor, follow *FollowActivity) *RejectActivity {
	return &RejectActivity{
		Envelope: envelope(VerbReject, activityID(actor), actor, []string{follow.Actor}, nil),
		Object:   Embedded{Activity: follow},
	}
}

// NewLike likes objectURI written by author (which may be empty).
func NewLike(actor *domain.Actor, objectURI, author string) *LikeActivity {
	return &LikeActivity{
		Envelope: envelope(VerbLike, activityID(actor), actor, nonEmpty(author), []string{actor.FollowersURI}),
		Object:   objectURI,
	}
}

// NewUndoLike withdraws the Like sent with likeID, or a new Like of
// objectURI when likeID is empty.
func NewUndoLike(actor *domain.Actor, objectURI, author, likeID string) *UndoActivity {
	like := NewLike(actor, objectURI, author)
	if likeID != "" {
		like.ID = likeID
	}
	return NewUndo(actor, like)
}

func NewAnnounce(actor *domain.Actor, objectURI, author string) *AnnounceActivity {
	return &AnnounceActivity{
		Envelope: envelope(VerbAnnounce, activityID(actor), actor,
			[]string{PublicCollection}, append([]string{actor.FollowersURI}, nonEmpty(author)...)),
		Object: objectURI,
	}
}

// NewCreateNote publishes note publicly; mentioned actors are cc'd.
func NewCreateNote(actor *domain.Actor, note *domain.Note) *CreateActivity {
	to := []string{PublicCollection}
	cc := append([]string{actor.FollowersURI}, note.Mentions...)
	return newCreate(actor, note, to, cc, false)
}

// NewCreateDirectNote addresses note only to its mentions.
func NewCreateDirectNote(actor *domain.Actor, note *domain.Note) *CreateActivity {
	return newCreate(actor, note, append([]string(nil), note.Mentions...), nil, true)
}

func newCreate(actor *domain.Actor, note *domain.Note, to, cc []string, direct bool) *CreateActivity {
	noteURI := note.URI(actor.Domain)
	published := note.CreatedAt.UTC().Format(time.RFC3339)
	obj := &Object{
		ID:            noteURI,
		Type:          "Note",
		AttributedTo:  actor.URI,
		Content:       "<p>" + html.EscapeString(note.Message) + "</p>",
		InReplyTo:     note.InReplyToURI,
		Published:     published,
		URL:           noteURI,
		To:            to,
		Cc:            cc,
		Sensitive:     note.Sensitive,
		DirectMessage: &direct,
	}
	if note.ContentWarning != "" {
		obj.Summary = note.ContentWarning
	}
	if note.EditedAt != nil {
		obj.Updated = note.EditedAt.UTC().Format(time.RFC3339)
	}

	env := envelope(VerbCreate, noteURI+"/activity", actor, to, cc)
	env.Published = published
	return &CreateActivity{Envelope: env, Object: obj}
}

// NewDeleteNote tombstones noteURI; deletes always address the public collection.
func NewDeleteNote(actor *domain.Actor, noteURI string) *DeleteActivity {
	return &DeleteActivity{
		Envelope: envelope(VerbDelete, activityID(actor), actor, []string{PublicCollection}, nil),
		Object:   ObjectRef{ID: noteURI, Type: "Tombstone"},
	}
}

func NewDeleteProfile(actor *domain.Actor) *DeleteActivity {
	return &DeleteActivity{
		Envelope: envelope(VerbDelete, activityID(actor), actor, []string{PublicCollection}, nil),
		Object:   ObjectRef{ID: actor.URI},
	}
}

// NewUpdateProfile pushes the current actor document stamped with updatedAt.
func NewUpdateProfile(actor *domain.Actor, updatedAt time.Time) *UpdateActivity {
	doc := ActorDocument(actor)
	doc.Context = nil
	doc.Updated = updatedAt.UTC().Format(time.RFC3339)
	return &UpdateActivity{
		Envelope: envelope(VerbUpdate, activityID(actor), actor,
			[]string{PublicCollection}, []string{actor.FollowersURI}),
		Object: doc,
	}
}

// ActorDocument renders the public representation of a local actor.
func ActorDocument(actor *domain.Actor) *Object {
	doc := &Object{
		Context:           []string{ActivityStreamsContext, SecurityContext},
		ID:                actor.URI,
		Type:              actor.Type,
		PreferredUsername: actor.Username,
		Name:              actor.DisplayName,
		Summary:           actor.Summary,
		URL:               actor.URI,
		Inbox:             actor.InboxURI,
		Outbox:            actor.OutboxURI,
		Followers:         actor.FollowersURI,
		PublicKey: &PublicKey{
			ID:           actor.KeyId(),
			Owner:        actor.URI,
			PublicKeyPem: actor.PublicKeyPem,
		},
	}
	if doc.Type == "" {
		doc.Type = "Person"
	}
	if actor.URI != "" {
		doc.Following = actor.URI + "/following"
	}
	if actor.SharedInboxURI != "" {
		doc.Endpoints = &Endpoints{SharedInbox: actor.SharedInboxURI}
	}
	if actor.AvatarURL != "" {
		doc.Icon = &Image{Type: "Image", URL: actor.AvatarURL}
	}
	return doc
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
