package web

import (
	"errors"
	"net/http"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/domain"
	"github.com/gin-gonic/gin"
)

// statusFor maps a processing error to the response a remote server sees.
func statusFor(err error) int {
	var (
		aerr *activitypub.AuthError
		verr *activitypub.ValidationError
	)
	switch {
	case errors.As(err, &aerr):
		return http.StatusUnauthorized
	case errors.As(err, &verr):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *server) handleInbox(c *gin.Context) {
	recipient, ok := s.localActor(c)
	if !ok {
		return
	}
	s.receive(c, recipient)
}

func (s *server) handleSharedInbox(c *gin.Context) {
	s.receive(c, nil)
}

func (s *server) receive(c *gin.Context, recipient *domain.Actor) {
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	rcv, err := s.deps.Inbox.Process(c.Request.Context(), c.Request, body, recipient)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("Failed to process activity", "path", c.Request.URL.Path, "err", err)
			c.JSON(status, gin.H{"error": "Internal error"})
			return
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	if rcv.Duplicate {
		s.logger.Debug("Acknowledged duplicate", "verb", rcv.Verb, "actor", rcv.Actor.URI)
	}
	c.Status(http.StatusAccepted)
}
