package web

import (
	"net/http"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/gin-gonic/gin"
)

func (s *server) handleActor(c *gin.Context) {
	actor, ok := s.localActor(c)
	if !ok {
		return
	}
	renderActivity(c, http.StatusOK, activitypub.ActorDocument(actor))
}
