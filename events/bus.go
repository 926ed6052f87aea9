// Package events is the in-process hand-off between the federation layer
// and the handlers that apply side effects.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
)

// Handler reacts to one event. Returned errors are collected by Emit.
type Handler func(ctx context.Context, payload any) error

type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *log.Logger
}

func NewBus() *Bus {
	return &Bus{handlers: map[string][]Handler{}, logger: log.WithPrefix("Events")}
}

// Subscribe registers h for name. Handlers run in registration order.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Emit runs every handler of name synchronously. A failing or panicking
// handler does not stop the ones after it.
func (b *Bus) Emit(ctx context.Context, name string, payload any) error {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[name]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug("No handlers", "event", name)
		return nil
	}

	var errs []error
	for _, h := range handlers {
		if err := b.call(ctx, h, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) call(ctx context.Context, h Handler, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, payload)
}
