package activitypub

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"
	PublicCollection       = "https://www.w3.org/ns/activitystreams#Public"
	ContentType            = "application/activity+json"
)

// Verb is the closed set of activity types handled by the federation layer.
type Verb int

const (
	VerbUnknown Verb = iota
	VerbCreate
	VerbUpdate
	VerbDelete
	VerbFollow
	VerbAccept
	VerbReject
	VerbUndo
	VerbLike
	VerbAnnounce
)

var verbNames = [...]string{
	VerbUnknown:  "Unknown",
	VerbCreate:   "Create",
	VerbUpdate:   "Update",
	VerbDelete:   "Delete",
	VerbFollow:   "Follow",
	VerbAccept:   "Accept",
	VerbReject:   "Reject",
	VerbUndo:     "Undo",
	VerbLike:     "Like",
	VerbAnnounce: "Announce",
}

// Verbs lists every known verb.
func Verbs() []Verb {
	return []Verb{VerbCreate, VerbUpdate, VerbDelete, VerbFollow, VerbAccept, VerbReject, VerbUndo, VerbLike, VerbAnnounce}
}

func (v Verb) String() string {
	if v < 0 || int(v) >= len(verbNames) {
		return fmt.Sprintf("Verb(%d)", int(v))
	}
	return verbNames[v]
}

func (v Verb) Valid() bool {
	return v > VerbUnknown && int(v) < len(verbNames)
}

// ParseVerb maps a wire "type" to a Verb.
func ParseVerb(s string) (Verb, error) {
	for _, v := range Verbs() {
		if verbNames[v] == s {
			return v, nil
		}
	}
	return VerbUnknown, fmt.Errorf("%w: %q", ErrUnknownVerb, s)
}

// Activity is implemented by every per-verb variant below.
type Activity interface {
	Verb() Verb
	Header() *Envelope
}

// Envelope holds the fields shared by all activities.
type Envelope struct {
	Context   any      `json:"@context,omitempty"`
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Actor     string   `json:"actor"`
	To        Audience `json:"to,omitempty"`
	Cc        Audience `json:"cc,omitempty"`
	Published string   `json:"published,omitempty"`
}

func (e *Envelope) Header() *Envelope { return e }

// Recipients returns the union of to and cc.
func (e *Envelope) Recipients() []string {
	out := make([]string, 0, len(e.To)+len(e.Cc))
	out = append(out, e.To...)
	return append(out, e.Cc...)
}

type CreateActivity struct {
	Envelope
	Object *Object `json:"object"`
}

type UpdateActivity struct {
	Envelope
	Object *Object `json:"object"`
}

type DeleteActivity struct {
	Envelope
	Object ObjectRef `json:"object"`
}

type FollowActivity struct {
	Envelope
	Object string `json:"object"` // URI of the actor being followed
}

type LikeActivity struct {
	Envelope
	Object string `json:"object"`
}

type AnnounceActivity struct {
	Envelope
	Object string `json:"object"`
}

type UndoActivity struct {
	Envelope
	Object Embedded `json:"object"`
}

type AcceptActivity struct {
	Envelope
	Object Embedded `json:"object"`
}

type RejectActivity struct {
	Envelope
	Object Embedded `json:"object"`
}

func (*CreateActivity) Verb() Verb   { return VerbCreate }
func (*UpdateActivity) Verb() Verb   { return VerbUpdate }
func (*DeleteActivity) Verb() Verb   { return VerbDelete }
func (*FollowActivity) Verb() Verb   { return VerbFollow }
func (*LikeActivity) Verb() Verb     { return VerbLike }
func (*AnnounceActivity) Verb() Verb { return VerbAnnounce }
func (*UndoActivity) Verb() Verb     { return VerbUndo }
func (*AcceptActivity) Verb() Verb   { return VerbAccept }
func (*RejectActivity) Verb() Verb   { return VerbReject }

// ObjectURI returns the id of whatever the activity points at.
func ObjectURI(a Activity) string {
	switch act := a.(type) {
	case *CreateActivity:
		if act.Object != nil {
			return act.Object.ID
		}
	case *UpdateActivity:
		if act.Object != nil {
			return act.Object.ID
		}
	case *DeleteActivity:
		return act.Object.ID
	case *FollowActivity:
		return act.Object
	case *LikeActivity:
		return act.Object
	case *AnnounceActivity:
		return act.Object
	case *UndoActivity:
		return act.Object.ID()
	case *AcceptActivity:
		return act.Object.ID()
	case *RejectActivity:
		return act.Object.ID()
	}
	return ""
}

// Object is an Activity Streams object: a Note, Article, Tombstone or an
// actor document.
type Object struct {
	Context           any        `json:"@context,omitempty"`
	ID                string     `json:"id"`
	Type              string     `json:"type"`
	AttributedTo      string     `json:"attributedTo,omitempty"`
	Content           string     `json:"content,omitempty"`
	Summary           string     `json:"summary,omitempty"`
	InReplyTo         string     `json:"inReplyTo,omitempty"`
	Published         string     `json:"published,omitempty"`
	Updated           string     `json:"updated,omitempty"`
	URL               string     `json:"url,omitempty"`
	To                Audience   `json:"to,omitempty"`
	Cc                Audience   `json:"cc,omitempty"`
	Sensitive         bool       `json:"sensitive,omitempty"`
	DirectMessage     *bool      `json:"directMessage,omitempty"`
	PreferredUsername string     `json:"preferredUsername,omitempty"`
	Name              string     `json:"name,omitempty"`
	Inbox             string     `json:"inbox,omitempty"`
	Outbox            string     `json:"outbox,omitempty"`
	Followers         string     `json:"followers,omitempty"`
	Following         string     `json:"following,omitempty"`
	Endpoints         *Endpoints `json:"endpoints,omitempty"`
	PublicKey         *PublicKey `json:"publicKey,omitempty"`
	Owner             string     `json:"owner,omitempty"`
	PublicKeyPem      string     `json:"publicKeyPem,omitempty"`
	Icon              *Image     `json:"icon,omitempty"`
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type Image struct {
	Type      string `json:"type,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url"`
}

// Audience is a to/cc list. The wire form may be a single string.
type Audience []string

func (a *Audience) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Audience{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*a = list
	return nil
}

// ObjectRef is the object of a Delete: either a bare URI (Type empty) or a
// {type, id} stub such as a Tombstone.
type ObjectRef struct {
	ID   string
	Type string
}

func (r ObjectRef) MarshalJSON() ([]byte, error) {
	if r.Type == "" {
		return json.Marshal(r.ID)
	}
	return json.Marshal(struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}{r.ID, r.Type})
}

func (r *ObjectRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		r.Type = ""
		return json.Unmarshal(data, &r.ID)
	}
	var stub struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &stub); err != nil {
		return err
	}
	r.ID, r.Type = stub.ID, stub.Type
	return nil
}

// Embedded is the object of an Undo, Accept or Reject. Exactly one of
// Activity, Ref or Raw is set: a decoded inner activity, a bare reference,
// or an object of a type this server does not model.
type Embedded struct {
	Activity Activity
	Ref      string
	Raw      json.RawMessage
}

func (e Embedded) MarshalJSON() ([]byte, error) {
	switch {
	case e.Activity != nil:
		return json.Marshal(e.Activity)
	case e.Ref != "":
		return json.Marshal(e.Ref)
	case len(e.Raw) > 0:
		return e.Raw, nil
	}
	return []byte("null"), nil
}

// ID returns the id of the embedded object whichever form it takes.
func (e Embedded) ID() string {
	switch {
	case e.Activity != nil:
		return e.Activity.Header().ID
	case e.Ref != "":
		return e.Ref
	case len(e.Raw) > 0:
		var stub struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(e.Raw, &stub) == nil {
			return stub.ID
		}
	}
	return ""
}
