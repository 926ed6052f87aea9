package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCacheEntryStale(t *testing.T) {
	now := time.Now()
	entry := CacheEntry{URI: "https://example.com/users/a", Kind: KindActor, FetchedAt: now.Add(-2 * time.Hour)}

	if entry.Stale(now, 24*time.Hour) {
		t.Error("Entry fetched 2h ago should be fresh with 24h TTL")
	}
	if !entry.Stale(now, time.Hour) {
		t.Error("Entry fetched 2h ago should be stale with 1h TTL")
	}
	if !entry.Stale(now, 2*time.Hour) {
		t.Error("Entry exactly at TTL should be stale")
	}
}

func TestNoteURI(t *testing.T) {
	id := uuid.New()
	note := Note{Id: id}
	if got := note.URI("example.com"); got != "https://example.com/notes/"+id.String() {
		t.Errorf("Unexpected local note URI %s", got)
	}

	note.ObjectURI = "https://remote.example/objects/1"
	if got := note.URI("example.com"); got != note.ObjectURI {
		t.Errorf("ObjectURI should win, got %s", got)
	}
}
