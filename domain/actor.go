package domain

import (
	"strings"

	"github.com/google/uuid"
)

// Actor is a local or remote federation participant.
// LocalId is nil for remote actors; PrivateKeyPem is only set for local ones.
type Actor struct {
	LocalId        *uuid.UUID
	URI            string
	Type           string
	Username       string
	Domain         string
	DisplayName    string
	Summary        string
	InboxURI       string
	SharedInboxURI string
	OutboxURI      string
	FollowersURI   string
	PublicKeyId    string
	PublicKeyPem   string
	PrivateKeyPem  string
	AvatarURL      string
}

func (a *Actor) IsLocal() bool {
	return a.LocalId != nil
}

func (a *Actor) CanSign() bool {
	return strings.TrimSpace(a.PrivateKeyPem) != ""
}

// KeyId returns the keyId advertised for the actor's main key.
func (a *Actor) KeyId() string {
	if a.PublicKeyId != "" {
		return a.PublicKeyId
	}
	return a.URI + "#main-key"
}

// Handle returns user@domain, or the URI when either part is unknown.
func (a *Actor) Handle() string {
	if a.Username == "" || a.Domain == "" {
		return a.URI
	}
	return a.Username + "@" + a.Domain
}

// DeliveryInbox picks the inbox to POST to. The shared inbox is only used
// for public fan-out; direct deliveries always go to the personal inbox.
func (a *Actor) DeliveryInbox(preferShared bool) string {
	if preferShared && a.SharedInboxURI != "" {
		return a.SharedInboxURI
	}
	return a.InboxURI
}
