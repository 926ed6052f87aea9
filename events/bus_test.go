package events

import (
	"context"
	"errors"
	"testing"
)

func TestEmitRunsHandlersInOrder(t *testing.T) {
	bus := NewBus()
	var calls []string
	bus.Subscribe("note", func(ctx context.Context, payload any) error {
		calls = append(calls, "first:"+payload.(string))
		return nil
	})
	bus.Subscribe("note", func(ctx context.Context, payload any) error {
		calls = append(calls, "second:"+payload.(string))
		return nil
	})
	bus.Subscribe("other", func(ctx context.Context, payload any) error {
		t.Error("handler for another event must not run")
		return nil
	})

	if err := bus.Emit(context.Background(), "note", "hello"); err != nil {
		t.Fatalf("Emit() error: %v", err)
	}
	if len(calls) != 2 || calls[0] != "first:hello" || calls[1] != "second:hello" {
		t.Errorf("unexpected calls: %v", calls)
	}
}

func TestEmitWithoutHandlers(t *testing.T) {
	if err := NewBus().Emit(context.Background(), "nobody", nil); err != nil {
		t.Errorf("Emit() error: %v", err)
	}
}

func TestEmitCollectsErrorsAndPanics(t *testing.T) {
	bus := NewBus()
	boom := errors.New("boom")
	ran := false
	bus.Subscribe("x", func(ctx context.Context, payload any) error { return boom })
	bus.Subscribe("x", func(ctx context.Context, payload any) error { panic("bad handler") })
	bus.Subscribe("x", func(ctx context.Context, payload any) error {
		ran = true
		return nil
	})

	err := bus.Emit(context.Background(), "x", nil)
	if !errors.Is(err, boom) {
		t.Errorf("expected joined error to contain boom, got %v", err)
	}
	if !ran {
		t.Error("handler after a failing one did not run")
	}
}
