package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Account is a local user owning a web keypair.
type Account struct {
	Id            uuid.UUID
	Username      string
	CreatedAt     time.Time
	WebPublicKey  string
	WebPrivateKey string
	DisplayName   string
	Summary       string
	AvatarURL     string
}

func (acc *Account) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tUsername: %s \n\tCREATED_AT: %s)", acc.Id, acc.Username, acc.CreatedAt)
}

// ToActor builds the federated representation of a local account.
func (acc *Account) ToActor(sslDomain string) *Actor {
	id := acc.Id
	displayName := acc.DisplayName
	if displayName == "" {
		displayName = acc.Username
	}
	uri := LocalActorURI(sslDomain, acc.Username)
	return &Actor{
		LocalId:        &id,
		URI:            uri,
		Type:           "Person",
		Username:       acc.Username,
		Domain:         sslDomain,
		DisplayName:    displayName,
		Summary:        acc.Summary,
		InboxURI:       uri + "/inbox",
		SharedInboxURI: fmt.Sprintf("https://%s/inbox", sslDomain),
		OutboxURI:      uri + "/outbox",
		FollowersURI:   uri + "/followers",
		PublicKeyId:    uri + "#main-key",
		PublicKeyPem:   acc.WebPublicKey,
		PrivateKeyPem:  acc.WebPrivateKey,
		AvatarURL:      acc.AvatarURL,
	}
}

// LocalActorURI returns the actor id of a local user.
func LocalActorURI(sslDomain, username string) string {
	return fmt.Sprintf("https://%s/users/%s", sslDomain, username)
}
