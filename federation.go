package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/events"
	"github.com/deemkeen/stegofed/util"
)

// followerCacheTTL bounds how long a fan-out may use a stale follower list.
const followerCacheTTL = time.Minute

// federation holds the wired components shared by every command.
type federation struct {
	conf      *util.AppConfig
	db        *db.DB
	discovery *activitypub.Discovery
	signer    *activitypub.SignatureService
	courier   *activitypub.Courier
	deps      activitypub.PostmanDeps
}

func newFederation(ctx context.Context, conf *util.AppConfig) (*federation, error) {
	database, err := db.Open(ctx, conf.Conf.DbPath)
	if err != nil {
		return nil, err
	}

	fed := conf.Conf.Federation
	client := &http.Client{Timeout: fed.RequestTimeout}
	discovery := activitypub.NewDiscovery(database, database, activitypub.DiscoveryConfig{
		LocalDomain: conf.Conf.SslDomain,
		Client:      client,
		Timeout:     fed.DiscoveryTimeout,
		TTL:         fed.CacheTTL,
		KeyTTL:      fed.KeyTTL,
	})
	signer := activitypub.NewSignatureService(discovery, fed.ClockSkew)
	courier := activitypub.NewCourier(client, signer, fed.RequestTimeout)

	f := &federation{
		conf:      conf,
		db:        database,
		discovery: discovery,
		signer:    signer,
		courier:   courier,
		deps: activitypub.PostmanDeps{
			Discovery: discovery,
			Courier:   courier,
			Follows:   database,
			Followers: activitypub.NewFollowerCache(database, followerCacheTTL),
			Queue:     database,
			QueueName: fed.RetryQueue,
			Workers:   fed.DeliveryWorkers,
		},
	}

	if fed.SignedFetch && conf.Conf.InstanceActor != "" {
		instance, err := f.localActor(ctx, conf.Conf.InstanceActor)
		if err != nil {
			log.Warn("Signed fetch disabled", "instanceActor", conf.Conf.InstanceActor, "err", err)
		} else {
			discovery.UseSignedFetch(signer, instance)
		}
	}
	return f, nil
}

func (f *federation) Close() {
	f.discovery.Close()
	if err := f.db.Close(); err != nil {
		log.Error("Failed to close database", "err", err)
	}
}

func (f *federation) localActor(ctx context.Context, username string) (*domain.Actor, error) {
	acc, err := f.db.ReadAccByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("no local user %q: %w", username, err)
	}
	return acc.ToActor(f.conf.Conf.SslDomain), nil
}

// inbox wires the inbound path: verification, the event bus and the
// default handlers.
func (f *federation) inbox() *activitypub.InboxProcessor {
	bus := events.NewBus()
	handlers := activitypub.NewHandlers(f.deps, f.db, f.discovery)
	bus.Subscribe(activitypub.EventActivityReceived, handlers.Handle)
	return activitypub.NewInboxProcessor(f.signer, f.discovery, f.db, bus)
}

func (f *federation) worker() *activitypub.DeliveryWorker {
	fed := f.conf.Conf.Federation
	return activitypub.NewDeliveryWorker(f.db, f.discovery, f.courier, activitypub.DeliveryWorkerConfig{
		QueueName:   fed.RetryQueue,
		Interval:    fed.WorkerInterval,
		MaxAttempts: fed.MaxAttempts,
		Workers:     fed.DeliveryWorkers,
	})
}
