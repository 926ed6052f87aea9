package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// maxActivitySize caps inbound activity bodies.
const maxActivitySize = 1 << 20

// InboxProcessor authenticates and dispatches one inbound activity.
type InboxProcessor interface {
	Process(ctx context.Context, r *http.Request, body []byte, recipient *domain.Actor) (*activitypub.Received, error)
}

// FollowGraph lists both sides of the follow relationships of an actor.
type FollowGraph interface {
	ReadFollowerURIs(ctx context.Context, followingURI string) ([]string, error)
	ReadFollowingURIs(ctx context.Context, followerURI string) ([]string, error)
}

// Deps are the collaborators the HTTP surface serves from.
type Deps struct {
	Accounts activitypub.Accounts
	Follows  FollowGraph
	Inbox    InboxProcessor
}

type server struct {
	conf   *util.AppConfig
	deps   Deps
	logger *log.Logger
}

// NewRouter builds the federation endpoints. Idle rate limiter state is
// swept until ctx is cancelled.
func NewRouter(ctx context.Context, conf *util.AppConfig, deps Deps) *gin.Engine {
	s := &server{conf: conf, deps: deps, logger: log.WithPrefix("Web")}

	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger(s.logger))
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// stricter for inbox deliveries: 5 req/sec per IP
	inboxLimiter := NewRateLimiter(rate.Limit(5), 10)
	maxBody := MaxBytesMiddleware(maxActivitySize)

	go globalLimiter.Run(ctx, 5*time.Minute)
	go inboxLimiter.Run(ctx, 5*time.Minute)

	g.GET("/.well-known/webfinger", s.handleWebfinger)
	g.GET("/users/:username", s.handleActor)
	g.GET("/users/:username/followers", s.handleFollowers)
	g.GET("/users/:username/following", s.handleFollowing)

	g.POST("/inbox", RateLimitMiddleware(inboxLimiter), maxBody, s.handleSharedInbox)
	g.POST("/users/:username/inbox", RateLimitMiddleware(inboxLimiter), maxBody, s.handleInbox)

	return g
}

// Router serves the federation endpoints until ctx is cancelled.
func Router(ctx context.Context, conf *util.AppConfig, deps Deps) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort),
		Handler:           NewRouter(ctx, conf, deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", "addr", srv.Addr, "domain", conf.Conf.SslDomain)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Stopping HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// localActor loads a local account as an actor, or answers 404.
func (s *server) localActor(c *gin.Context) (*domain.Actor, bool) {
	username := c.Param("username")
	acc, err := s.deps.Accounts.ReadAccByUsername(c.Request.Context(), username)
	if err != nil {
		s.logger.Debug("Unknown user", "username", username, "err", err)
		c.JSON(http.StatusNotFound, notFound)
		return nil, false
	}
	return acc.ToActor(s.conf.Conf.SslDomain), true
}

var notFound = gin.H{"detail": "Not Found"}

func renderActivity(c *gin.Context, status int, v any) {
	renderJSON(c, status, activitypub.ContentType+"; charset=utf-8", v)
}

func renderJSON(c *gin.Context, status int, contentType string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(status, contentType, data)
}
