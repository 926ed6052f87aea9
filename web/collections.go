package web

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/gin-gonic/gin"
)

const itemsPerPage = 20

type orderedCollection struct {
	Context    string `json:"@context"`
	ID         string `json:"id"`
	Type       string `json:"type"`
	TotalItems int    `json:"totalItems"`
	First      string `json:"first,omitempty"`
}

type orderedCollectionPage struct {
	Context      string   `json:"@context"`
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	PartOf       string   `json:"partOf"`
	TotalItems   int      `json:"totalItems"`
	OrderedItems []string `json:"orderedItems"`
	Next         string   `json:"next,omitempty"`
	Prev         string   `json:"prev,omitempty"`
}

func (s *server) handleFollowers(c *gin.Context) {
	s.serveCollection(c, "followers", s.deps.Follows.ReadFollowerURIs)
}

func (s *server) handleFollowing(c *gin.Context) {
	s.serveCollection(c, "following", s.deps.Follows.ReadFollowingURIs)
}

// serveCollection renders the collection summary, or one page of it when
// ?page=N is given.
func (s *server) serveCollection(c *gin.Context, name string, list func(context.Context, string) ([]string, error)) {
	actor, ok := s.localActor(c)
	if !ok {
		return
	}
	uris, err := list(c.Request.Context(), actor.URI)
	if err != nil {
		s.logger.Error("Failed to read collection", "collection", name, "actor", actor.URI, "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	collectionURL := actor.URI + "/" + name
	page := ParsePageParam(c.Query("page"))
	if page == 0 {
		renderActivity(c, http.StatusOK, orderedCollection{
			Context:    activitypub.ActivityStreamsContext,
			ID:         collectionURL,
			Type:       "OrderedCollection",
			TotalItems: len(uris),
			First:      fmt.Sprintf("%s?page=1", collectionURL),
		})
		return
	}
	renderActivity(c, http.StatusOK, collectionPage(collectionURL, uris, page))
}

func collectionPage(collectionURL string, uris []string, page int) orderedCollectionPage {
	p := orderedCollectionPage{
		Context:      activitypub.ActivityStreamsContext,
		ID:           fmt.Sprintf("%s?page=%d", collectionURL, page),
		Type:         "OrderedCollectionPage",
		PartOf:       collectionURL,
		TotalItems:   len(uris),
		OrderedItems: []string{},
	}
	start := (page - 1) * itemsPerPage
	if start < len(uris) {
		end := min(start+itemsPerPage, len(uris))
		p.OrderedItems = uris[start:end]
		if end < len(uris) {
			p.Next = fmt.Sprintf("%s?page=%d", collectionURL, page+1)
		}
	}
	if page > 1 {
		p.Prev = fmt.Sprintf("%s?page=%d", collectionURL, page-1)
	}
	return p
}

// ParsePageParam extracts the page parameter from a query string
func ParsePageParam(pageStr string) int {
	if pageStr == "" {
		return 0
	}
	page, err := strconv.Atoi(pageStr)
	if err != nil || page < 0 {
		return 0
	}
	return page
}
