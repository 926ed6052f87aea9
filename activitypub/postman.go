package activitypub

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultRetryQueue is the queue failed deliveries are handed to.
const DefaultRetryQueue = "activitypub"

// Queue takes over failed deliveries for asynchronous, at-least-once retry.
type Queue interface {
	Enqueue(ctx context.Context, queueName, senderURI string, target domain.DeliveryTarget, payload []byte) error
}

// FollowStore keeps pending follow requests and accepted follows.
// Deleting an absent row is not an error; reading one wraps sql.ErrNoRows.
type FollowStore interface {
	FollowerSource
	ReadPendingFollow(ctx context.Context, requesterURI, requestedURI string) (*domain.PendingFollowRequest, error)
	ReadFollow(ctx context.Context, followerURI, followingURI string) (*domain.Follow, error)
	CreatePendingFollow(ctx context.Context, req *domain.PendingFollowRequest) error
	DeletePendingFollow(ctx context.Context, requesterURI, requestedURI string) error
	CreateFollow(ctx context.Context, follow *domain.Follow) error
	DeleteFollow(ctx context.Context, followerURI, followingURI string) error
}

// ActorResolver resolves an actor URI or handle.
type ActorResolver interface {
	LookupActor(ctx context.Context, ref string) (*domain.Actor, error)
}

// Deliverer POSTs a signed payload to one inbox.
type Deliverer interface {
	Deliver(ctx context.Context, sender *domain.Actor, inbox string, payload []byte) error
}

// PostmanDeps are shared by every Postman of a process.
type PostmanDeps struct {
	Discovery ActorResolver
	Courier   Deliverer
	Follows   FollowStore
	Followers *FollowerCache
	Queue     Queue
	QueueName string
	Workers   int
}

// Failure is a delivery that did not succeed. Payload is what was sent.
type Failure struct {
	Target     domain.DeliveryTarget
	Verb       Verb
	ActivityId string
	Payload    []byte
	Err        error
}

// Result is the outcome of one Postman operation.
type Result struct {
	Verb       Verb
	ActivityId string
	Delivered  []domain.DeliveryTarget
	Failed     []Failure
	// Skipped lists recipients that did not resolve or need no delivery.
	Skipped []string
}

func (r *Result) OK() bool { return len(r.Failed) == 0 }

func (r *Result) delivered(inbox string) bool {
	for _, t := range r.Delivered {
		if t.Inbox == inbox {
			return true
		}
	}
	return false
}

// Postman sends activities on behalf of one local actor. Failures accumulate
// across operations until Finalize hands them to the Queue; a Postman must
// not be used after Finalize.
type Postman struct {
	deps   PostmanDeps
	sender *domain.Actor
	logger *log.Logger

	mu        sync.Mutex
	to        []string
	failures  []Failure
	finalized bool
}

func NewPostman(deps PostmanDeps, sender *domain.Actor, to ...string) *Postman {
	if deps.QueueName == "" {
		deps.QueueName = DefaultRetryQueue
	}
	if deps.Workers <= 0 {
		deps.Workers = 4
	}
	if deps.Followers == nil && deps.Follows != nil {
		deps.Followers = NewFollowerCache(deps.Follows, 0)
	}
	return &Postman{
		deps:   deps,
		sender: sender,
		logger: log.WithPrefix("Postman").With("actor", sender.URI),
		to:     append([]string(nil), to...),
	}
}

// AddRecipients extends the explicit recipient list.
func (p *Postman) AddRecipients(uris ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.to = append(p.to, uris...)
}

// Failures returns the failures accumulated so far.
func (p *Postman) Failures() []Failure {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Failure(nil), p.failures...)
}

// Follow asks followed to accept the sender as a follower and records the
// pending request once followed's server acknowledged it.
func (p *Postman) Follow(ctx context.Context, followed string) (*Result, error) {
	target, err := p.deps.Discovery.LookupActor(ctx, followed)
	if err != nil {
		return nil, err
	}
	act := NewFollow(p.sender, target.URI)
	res, err := p.send(ctx, act, []string{target.URI}, false)
	if err != nil {
		return res, err
	}
	if res.delivered(target.InboxURI) {
		pending := &domain.PendingFollowRequest{
			Id:           uuid.New(),
			RequesterURI: p.sender.URI,
			RequestedURI: target.URI,
			ActivityURI:  act.ID,
			CreatedAt:    time.Now(),
		}
		if err := p.deps.Follows.CreatePendingFollow(ctx, pending); err != nil {
			return res, fmt.Errorf("failed to record pending follow: %w", err)
		}
	}
	return res, nil
}

// UndoFollow withdraws a follow or follow request. It is sent even when no
// local record of the follow exists.
func (p *Postman) UndoFollow(ctx context.Context, followed string) (*Result, error) {
	target, err := p.deps.Discovery.LookupActor(ctx, followed)
	if err != nil {
		return nil, err
	}
	undo := NewUndoFollow(p.sender, target.URI, p.sentFollowID(ctx, target.URI))
	res, err := p.send(ctx, undo, []string{target.URI}, false)
	if err != nil {
		return res, err
	}
	if res.delivered(target.InboxURI) {
		if err := p.deps.Follows.DeletePendingFollow(ctx, p.sender.URI, target.URI); err != nil {
			return res, fmt.Errorf("failed to remove pending follow: %w", err)
		}
		if err := p.deps.Follows.DeleteFollow(ctx, p.sender.URI, target.URI); err != nil {
			return res, fmt.Errorf("failed to remove follow: %w", err)
		}
		p.deps.Followers.Invalidate(p.sender.URI, target.URI)
	}
	return res, nil
}

// sentFollowID returns the id of the Follow the sender sent to followed, or
// "" when neither a pending request nor a follow is on record.
func (p *Postman) sentFollowID(ctx context.Context, followed string) string {
	req, err := p.deps.Follows.ReadPendingFollow(ctx, p.sender.URI, followed)
	if err == nil && req.ActivityURI != "" {
		return req.ActivityURI
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		p.logger.Warn("Failed to read pending follow", "following", followed, "err", err)
	}
	follow, err := p.deps.Follows.ReadFollow(ctx, p.sender.URI, followed)
	if err == nil {
		return follow.ActivityURI
	}
	if !errors.Is(err, sql.ErrNoRows) {
		p.logger.Warn("Failed to read follow", "following", followed, "err", err)
	}
	return ""
}

// AcceptFollow answers an inbound Follow of the sender. The follower is
// recorded once the Accept was acknowledged.
func (p *Postman) AcceptFollow(ctx context.Context, follow *FollowActivity) (*Result, error) {
	res, err := p.send(ctx, NewAccept(p.sender, follow), []string{follow.Actor}, false)
	if err != nil {
		return res, err
	}
	if len(res.Delivered) == 0 {
		return res, nil
	}
	if err := p.deps.Follows.DeletePendingFollow(ctx, follow.Actor, p.sender.URI); err != nil {
		return res, fmt.Errorf("failed to remove pending follow: %w", err)
	}
	record := &domain.Follow{
		Id:           uuid.New(),
		FollowerURI:  follow.Actor,
		FollowingURI: p.sender.URI,
		ActivityURI:  follow.ID,
		CreatedAt:    time.Now(),
	}
	if err := p.deps.Follows.CreateFollow(ctx, record); err != nil {
		return res, fmt.Errorf("failed to record follower: %w", err)
	}
	p.deps.Followers.Invalidate(p.sender.URI)
	return res, nil
}

func (p *Postman) RejectFollow(ctx context.Context, follow *FollowActivity) (*Result, error) {
	res, err := p.send(ctx, NewReject(p.sender, follow), []string{follow.Actor}, false)
	if err != nil {
		return res, err
	}
	if len(res.Delivered) > 0 {
		if err := p.deps.Follows.DeletePendingFollow(ctx, follow.Actor, p.sender.URI); err != nil {
			return res, fmt.Errorf("failed to remove pending follow: %w", err)
		}
	}
	return res, nil
}

// Like notifies the object's author (when known) and the sender's followers.
func (p *Postman) Like(ctx context.Context, objectURI, author string) (*Result, error) {
	return p.send(ctx, NewLike(p.sender, objectURI, author), nonEmpty(author), true)
}

// UndoLike withdraws the Like sent with likeID, as returned in the Like's
// Result.
func (p *Postman) UndoLike(ctx context.Context, objectURI, author, likeID string) (*Result, error) {
	return p.send(ctx, NewUndoLike(p.sender, objectURI, author, likeID), nonEmpty(author), true)
}

func (p *Postman) CreateNote(ctx context.Context, note *domain.Note) (*Result, error) {
	return p.send(ctx, NewCreateNote(p.sender, note), note.Mentions, true)
}

// CreateDirectNote goes to explicit recipients and mentions only, never to
// followers.
func (p *Postman) CreateDirectNote(ctx context.Context, note *domain.Note) (*Result, error) {
	return p.send(ctx, NewCreateDirectNote(p.sender, note), note.Mentions, false)
}

func (p *Postman) Announce(ctx context.Context, objectURI, author string) (*Result, error) {
	return p.send(ctx, NewAnnounce(p.sender, objectURI, author), nonEmpty(author), true)
}

// DeleteNote returns a *PropagationError when any target failed. Targets
// that succeeded have already deleted their copy; the failed ones are still
// queued for retry by Finalize.
func (p *Postman) DeleteNote(ctx context.Context, noteURI string) (*Result, error) {
	return p.propagate(p.send(ctx, NewDeleteNote(p.sender, noteURI), nil, true))
}

func (p *Postman) DeleteProfile(ctx context.Context) (*Result, error) {
	return p.propagate(p.send(ctx, NewDeleteProfile(p.sender), nil, true))
}

// UpdateProfile pushes the sender's current actor document to followers.
func (p *Postman) UpdateProfile(ctx context.Context) (*Result, error) {
	return p.send(ctx, NewUpdateProfile(p.sender, time.Now()), nil, true)
}

func (p *Postman) propagate(res *Result, err error) (*Result, error) {
	if err != nil || res.OK() {
		return res, err
	}
	return res, &PropagationError{Verb: res.Verb, ActivityId: res.ActivityId, Failures: res.Failed}
}

// send validates, resolves targets and delivers act to each of them in
// parallel. Per-target failures end up in the Result, never in the error.
func (p *Postman) send(ctx context.Context, act Activity, recipients []string, fanOut bool) (*Result, error) {
	p.mu.Lock()
	finalized := p.finalized
	explicit := append([]string(nil), p.to...)
	p.mu.Unlock()
	if finalized {
		return nil, ErrPostmanFinalized
	}
	if !p.sender.CanSign() {
		return nil, &SigningError{Actor: p.sender.URI, Err: ErrNoPrivateKey}
	}

	verb, id := act.Verb(), act.Header().ID
	if err := Validate(act); err != nil {
		return nil, fmt.Errorf("refusing to send invalid %s: %w", verb, err)
	}
	payload, err := json.Marshal(act)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", verb, err)
	}

	targets, skipped := p.resolveTargets(ctx, append(explicit, recipients...), fanOut)
	res := &Result{Verb: verb, ActivityId: id, Skipped: skipped}

	var (
		mu         sync.Mutex
		signingErr error
	)
	g := new(errgroup.Group)
	g.SetLimit(p.deps.Workers)
	for _, target := range targets {
		g.Go(func() error {
			err := p.deps.Courier.Deliver(ctx, p.sender, target.Inbox, payload)
			mu.Lock()
			defer mu.Unlock()
			var serr *SigningError
			switch {
			case err == nil:
				res.Delivered = append(res.Delivered, target)
			case errors.As(err, &serr):
				signingErr = err
			default:
				p.logger.Warn("Delivery failed", "verb", verb, "activity", id, "inbox", target.Inbox, "err", err)
				res.Failed = append(res.Failed, Failure{Target: target, Verb: verb, ActivityId: id, Payload: payload, Err: err})
			}
			return nil
		})
	}
	_ = g.Wait()
	if signingErr != nil {
		return nil, signingErr
	}

	sort.Slice(res.Delivered, func(i, j int) bool { return res.Delivered[i].Inbox < res.Delivered[j].Inbox })
	sort.Slice(res.Failed, func(i, j int) bool { return res.Failed[i].Target.Inbox < res.Failed[j].Target.Inbox })

	if len(res.Failed) > 0 {
		p.mu.Lock()
		p.failures = append(p.failures, res.Failed...)
		p.mu.Unlock()
		p.logger.Warn("Some deliveries failed", "verb", verb, "activity", id, "failed", len(res.Failed), "total", len(targets))
	} else {
		p.logger.Info("Delivered", "verb", verb, "activity", id, "total", len(targets))
	}
	return res, nil
}

// resolveTargets turns recipient URIs (plus the sender's followers when
// fanOut is set) into unique inboxes. The public collection, the sender
// itself and local actors need no delivery; unresolvable actors are skipped.
func (p *Postman) resolveTargets(ctx context.Context, recipients []string, fanOut bool) ([]domain.DeliveryTarget, []string) {
	if fanOut {
		followers, err := p.deps.Followers.Followers(ctx, p.sender.URI)
		if err != nil {
			p.logger.Warn("Failed to read followers", "err", err)
		}
		recipients = append(recipients, followers...)
	}

	seen := map[string]bool{}
	var uris []string
	for _, uri := range recipients {
		if uri == "" || seen[uri] || uri == PublicCollection || uri == p.sender.URI || uri == p.sender.FollowersURI {
			continue
		}
		seen[uri] = true
		uris = append(uris, uri)
	}

	var (
		mu      sync.Mutex
		targets []domain.DeliveryTarget
		skipped []string
		inboxes = map[string]bool{}
	)
	g := new(errgroup.Group)
	g.SetLimit(p.deps.Workers)
	for _, uri := range uris {
		g.Go(func() error {
			actor, err := p.deps.Discovery.LookupActor(ctx, uri)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.logger.Debug("Skipping unresolvable recipient", "uri", uri, "err", err)
				skipped = append(skipped, uri)
				return nil
			}
			inbox := actor.DeliveryInbox(fanOut)
			if actor.IsLocal() || p.isOwnInbox(inbox) || inbox == "" {
				skipped = append(skipped, uri)
				return nil
			}
			if !inboxes[inbox] {
				inboxes[inbox] = true
				targets = append(targets, domain.DeliveryTarget{ActorURI: actor.URI, Inbox: inbox})
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(skipped)
	return targets, skipped
}

func (p *Postman) isOwnInbox(inbox string) bool {
	return inbox == p.sender.InboxURI || (p.sender.SharedInboxURI != "" && inbox == p.sender.SharedInboxURI)
}

// Finalize hands every accumulated failure to the Queue. It must be the last
// call on a Postman; later operations fail with ErrPostmanFinalized.
func (p *Postman) Finalize(ctx context.Context) error {
	p.mu.Lock()
	if p.finalized {
		p.mu.Unlock()
		return nil
	}
	p.finalized = true
	failures := p.failures
	p.failures = nil
	p.mu.Unlock()

	if len(failures) == 0 {
		return nil
	}
	if p.deps.Queue == nil {
		p.logger.Error("No retry queue configured, dropping failed deliveries", "count", len(failures))
		return nil
	}

	var errs []error
	for _, f := range failures {
		if err := p.deps.Queue.Enqueue(ctx, p.deps.QueueName, p.sender.URI, f.Target, f.Payload); err != nil {
			p.logger.Error("Failed to enqueue retry", "verb", f.Verb, "activity", f.ActivityId, "inbox", f.Target.Inbox, "err", err)
			errs = append(errs, fmt.Errorf("failed to enqueue delivery to %s: %w", f.Target.Inbox, err))
		}
	}
	p.logger.Info("Queued failed deliveries for retry", "count", len(failures)-len(errs), "queue", p.deps.QueueName)
	return errors.Join(errs...)
}
