package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	VisibilityPublic    = "public"
	VisibilityUnlisted  = "unlisted"
	VisibilityFollowers = "followers"
	VisibilityDirect    = "direct"
)

type Note struct {
	Id        uuid.UUID
	CreatedBy string
	Message   string
	CreatedAt time.Time
	EditedAt  *time.Time
	// ActivityPub fields
	Visibility     string
	InReplyToURI   string
	ObjectURI      string
	Mentions       []string // actor URIs addressed by the note
	Sensitive      bool
	ContentWarning string
}

func (note *Note) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tCreatedBy: %s \n\tMessage: %s \n\tCreatedAt: %s)", note.Id, note.CreatedBy, note.Message, note.CreatedAt)
}

// URI returns the note's object id, minting the local one when unset.
func (note *Note) URI(sslDomain string) string {
	if note.ObjectURI != "" {
		return note.ObjectURI
	}
	return fmt.Sprintf("https://%s/notes/%s", sslDomain, note.Id.String())
}
