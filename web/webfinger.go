package web

import (
	"net/http"
	"strings"

	"github.com/deemkeen/stegofed/domain"
	"github.com/gin-gonic/gin"
)

type jrdLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href"`
}

type jrd struct {
	Subject string    `json:"subject"`
	Aliases []string  `json:"aliases,omitempty"`
	Links   []jrdLink `json:"links"`
}

// webfingerUser extracts the local username from acct:user@domain or from a
// local actor URI.
func webfingerUser(resource, sslDomain string) (string, bool) {
	if name, ok := strings.CutPrefix(resource, "acct:"); ok {
		name = strings.TrimPrefix(name, "@")
		user, host, found := strings.Cut(name, "@")
		if !found || !strings.EqualFold(host, sslDomain) {
			return "", false
		}
		return user, user != ""
	}
	name, ok := strings.CutPrefix(resource, "https://"+sslDomain+"/users/")
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

func (s *server) handleWebfinger(c *gin.Context) {
	username, ok := webfingerUser(c.Query("resource"), s.conf.Conf.SslDomain)
	if !ok {
		c.JSON(http.StatusNotFound, notFound)
		return
	}
	acc, err := s.deps.Accounts.ReadAccByUsername(c.Request.Context(), username)
	if err != nil {
		c.JSON(http.StatusNotFound, notFound)
		return
	}

	actorURI := domain.LocalActorURI(s.conf.Conf.SslDomain, acc.Username)
	renderJSON(c, http.StatusOK, "application/jrd+json; charset=utf-8", jrd{
		Subject: "acct:" + acc.Username + "@" + s.conf.Conf.SslDomain,
		Aliases: []string{actorURI},
		Links: []jrdLink{
			{Rel: "self", Type: "application/activity+json", Href: actorURI},
		},
	})
}
