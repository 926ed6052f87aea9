package activitypub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/stegofed/domain"
)

// fakeDeliverer fails deliveries to the inboxes listed in errs.
type fakeDeliverer struct {
	mu    sync.Mutex
	errs  map[string]error
	calls map[string]int
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{errs: map[string]error{}, calls: map[string]int{}}
}

func (d *fakeDeliverer) Deliver(ctx context.Context, sender *domain.Actor, inbox string, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[inbox]++
	return d.errs[inbox]
}

func (d *fakeDeliverer) fail(inbox string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs[inbox] = err
}

func (d *fakeDeliverer) count(inbox string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[inbox]
}

func enqueue(t *testing.T, store *memStore, sender *domain.Actor, inbox string) {
	t.Helper()
	target := domain.DeliveryTarget{ActorURI: inbox, Inbox: inbox}
	if err := store.Enqueue(context.Background(), DefaultRetryQueue, sender.URI, target, []byte(`{"type":"Like"}`)); err != nil {
		t.Fatal(err)
	}
}

func newTestWorker(store *memStore, senders ActorResolver, courier Deliverer, maxAttempts int, now time.Time) *DeliveryWorker {
	w := NewDeliveryWorker(store, senders, courier, DeliveryWorkerConfig{MaxAttempts: maxAttempts})
	w.now = func() time.Time { return now }
	return w
}

func TestDeliveryWorkerDelivers(t *testing.T) {
	store := newMemStore()
	alice := newActor(t, "https://local.example", "alice")
	courier := newFakeDeliverer()
	enqueue(t, store, alice, "https://a.example/inbox")
	enqueue(t, store, alice, "https://b.example/inbox")

	w := newTestWorker(store, newStubActors(alice), courier, 3, time.Now().Add(time.Second))
	delivered, failed, err := w.ProcessOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if delivered != 2 || failed != 0 {
		t.Errorf("delivered=%d failed=%d", delivered, failed)
	}
	if n := len(store.queued()); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
}

func TestDeliveryWorkerBackoff(t *testing.T) {
	store := newMemStore()
	alice := newActor(t, "https://local.example", "alice")
	inbox := "https://down.example/inbox"
	courier := newFakeDeliverer()
	courier.fail(inbox, &DeliveryError{Inbox: inbox, Status: 503})
	enqueue(t, store, alice, inbox)

	now := time.Now().Add(time.Second)
	w := newTestWorker(store, newStubActors(alice), courier, 10, now)

	want := []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}
	for i, backoff := range want {
		_, failed, err := w.ProcessOnce(context.Background())
		if err != nil || failed != 1 {
			t.Fatalf("attempt %d: failed=%d err=%v", i+1, failed, err)
		}
		item := store.queued()[0]
		if item.Attempts != i+1 {
			t.Errorf("attempt %d: Attempts = %d", i+1, item.Attempts)
		}
		if !item.NextRetryAt.Equal(now.Add(backoff)) {
			t.Errorf("attempt %d: next retry in %s, want %s", i+1, item.NextRetryAt.Sub(now), backoff)
		}

		// not due yet
		if _, failed, _ := w.ProcessOnce(context.Background()); failed != 0 {
			t.Errorf("attempt %d: item retried before it was due", i+1)
		}
		now = item.NextRetryAt
		w.now = func() time.Time { return now }
	}
	if courier.count(inbox) != len(want) {
		t.Errorf("expected %d calls, got %d", len(want), courier.count(inbox))
	}
}

func TestDeliveryWorkerDrops(t *testing.T) {
	alice := newActor(t, "https://local.example", "alice")
	tests := []struct {
		name        string
		err         error
		maxAttempts int
	}{
		{"max attempts", &DeliveryError{Status: 500}, 1},
		{"signing error", &SigningError{Actor: alice.URI, Err: ErrNoPrivateKey}, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			inbox := "https://down.example/inbox"
			courier := newFakeDeliverer()
			courier.fail(inbox, tt.err)
			enqueue(t, store, alice, inbox)

			w := newTestWorker(store, newStubActors(alice), courier, tt.maxAttempts, time.Now().Add(time.Second))
			if _, failed, _ := w.ProcessOnce(context.Background()); failed != 1 {
				t.Errorf("failed = %d", failed)
			}
			if n := len(store.queued()); n != 0 {
				t.Errorf("expected the item to be dropped, %d left", n)
			}
		})
	}
}

func TestDeliveryWorkerUnknownSenderRetries(t *testing.T) {
	store := newMemStore()
	alice := newActor(t, "https://local.example", "alice")
	courier := newFakeDeliverer()
	enqueue(t, store, alice, "https://a.example/inbox")

	w := newTestWorker(store, newStubActors(), courier, 5, time.Now().Add(time.Second))
	if _, failed, _ := w.ProcessOnce(context.Background()); failed != 1 {
		t.Errorf("failed = %d", failed)
	}
	queued := store.queued()
	if len(queued) != 1 || queued[0].Attempts != 1 {
		t.Errorf("expected the item to be rescheduled, got %+v", queued)
	}
	if courier.count("https://a.example/inbox") != 0 {
		t.Error("delivered without a sender")
	}
}

func TestDeliveryWorkerRunStops(t *testing.T) {
	w := NewDeliveryWorker(newMemStore(), newStubActors(), newFakeDeliverer(), DeliveryWorkerConfig{Interval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestBackoffSchedule(t *testing.T) {
	if len(retryBackoff) != 6 || retryBackoff[0] != time.Minute || retryBackoff[5] != 24*time.Hour {
		t.Errorf("unexpected schedule %v", retryBackoff)
	}
}
