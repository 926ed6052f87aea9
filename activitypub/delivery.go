package activitypub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// retryBackoff is indexed by the number of failed attempts so far.
var retryBackoff = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
	240 * time.Minute,
	1440 * time.Minute,
}

// DeliveryQueueStore is the storage side of the retry queue.
type DeliveryQueueStore interface {
	ReadPendingDeliveries(ctx context.Context, queueName string, now time.Time, limit int) ([]domain.DeliveryQueueItem, error)
	UpdateDeliveryAttempt(ctx context.Context, id uuid.UUID, attempts int, nextRetryAt time.Time) error
	DeleteDelivery(ctx context.Context, id uuid.UUID) error
}

type DeliveryWorkerConfig struct {
	QueueName   string
	Interval    time.Duration
	MaxAttempts int
	Workers     int
	BatchSize   int
}

// DeliveryWorker retries queued deliveries until they succeed or run out of
// attempts.
type DeliveryWorker struct {
	store   DeliveryQueueStore
	senders ActorResolver
	courier Deliverer
	conf    DeliveryWorkerConfig
	logger  *log.Logger
	now     func() time.Time
}

func NewDeliveryWorker(store DeliveryQueueStore, senders ActorResolver, courier Deliverer, conf DeliveryWorkerConfig) *DeliveryWorker {
	if conf.QueueName == "" {
		conf.QueueName = DefaultRetryQueue
	}
	if conf.Interval <= 0 {
		conf.Interval = 10 * time.Second
	}
	if conf.MaxAttempts <= 0 {
		conf.MaxAttempts = 10
	}
	if conf.Workers <= 0 {
		conf.Workers = 4
	}
	if conf.BatchSize <= 0 {
		conf.BatchSize = 50
	}
	return &DeliveryWorker{
		store:   store,
		senders: senders,
		courier: courier,
		conf:    conf,
		logger:  log.WithPrefix("DeliveryWorker"),
		now:     time.Now,
	}
}

// Run polls the queue until ctx is cancelled.
func (w *DeliveryWorker) Run(ctx context.Context) {
	w.logger.Info("Starting delivery worker", "queue", w.conf.QueueName, "interval", w.conf.Interval)
	ticker := time.NewTicker(w.conf.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Delivery worker stopped")
			return
		case <-ticker.C:
			if _, _, err := w.ProcessOnce(ctx); err != nil {
				w.logger.Error("Failed to process queue", "err", err)
			}
		}
	}
}

// ProcessOnce attempts every due item once.
func (w *DeliveryWorker) ProcessOnce(ctx context.Context) (delivered, failed int, err error) {
	items, err := w.store.ReadPendingDeliveries(ctx, w.conf.QueueName, w.now(), w.conf.BatchSize)
	if err != nil {
		return 0, 0, err
	}
	if len(items) == 0 {
		return 0, 0, nil
	}
	w.logger.Debug("Processing pending deliveries", "count", len(items))

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(w.conf.Workers)
	for _, item := range items {
		g.Go(func() error {
			ok := w.attempt(ctx, &item)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				delivered++
			} else {
				failed++
			}
			return nil
		})
	}
	_ = g.Wait()
	return delivered, failed, nil
}

func (w *DeliveryWorker) attempt(ctx context.Context, item *domain.DeliveryQueueItem) bool {
	sender, err := w.senders.LookupActor(ctx, item.SenderURI)
	if err == nil {
		err = w.courier.Deliver(ctx, sender, item.InboxURI, []byte(item.ActivityJSON))
	}
	if err == nil {
		w.logger.Info("Delivered", "inbox", item.InboxURI)
		w.drop(ctx, item)
		return true
	}

	var serr *SigningError
	item.Attempts++
	if errors.As(err, &serr) || item.Attempts >= w.conf.MaxAttempts {
		w.logger.Warn("Giving up on delivery", "inbox", item.InboxURI, "attempts", item.Attempts, "err", err)
		w.drop(ctx, item)
		return false
	}

	backoff := retryBackoff[min(item.Attempts-1, len(retryBackoff)-1)]
	item.NextRetryAt = w.now().Add(backoff)
	w.logger.Warn("Delivery failed", "inbox", item.InboxURI, "attempt", item.Attempts, "retry_in", backoff, "err", err)
	if err := w.store.UpdateDeliveryAttempt(ctx, item.Id, item.Attempts, item.NextRetryAt); err != nil {
		w.logger.Error("Failed to reschedule delivery", "id", item.Id, "err", err)
	}
	return false
}

func (w *DeliveryWorker) drop(ctx context.Context, item *domain.DeliveryQueueItem) {
	if err := w.store.DeleteDelivery(ctx, item.Id); err != nil {
		w.logger.Error("Failed to delete delivery", "id", item.Id, "err", err)
	}
}
