// Package events implements the crawl execution core's EventBus (spec.md
// §2 C9, §6): a typed pub/sub hub for persistState, systemInfo, migrating,
// aborting, and exit notifications.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

// Type names the events a component may publish or subscribe to.
type Type string

const (
	// TypePersistState asks every subscriber to flush its state to
	// storage. Payload: PersistStatePayload.
	TypePersistState Type = "persistState"
	// TypeSystemInfo carries a fresh system resource sample. Payload:
	// SystemInfoPayload.
	TypeSystemInfo Type = "systemInfo"
	// TypeMigrating signals the process is about to be replaced/moved;
	// subscribers should persist and stop accepting new work. No payload.
	TypeMigrating Type = "migrating"
	// TypeAborting signals an external abort request. No payload.
	TypeAborting Type = "aborting"
	// TypeExit signals the crawl has finished and the process may exit.
	// No payload.
	TypeExit Type = "exit"
)

// PersistStatePayload is the payload of a TypePersistState event.
type PersistStatePayload struct {
	IsMigrating bool
}

// SystemInfoPayload is the payload of a TypeSystemInfo event, sampled at
// Configuration.SystemInfoIntervalMillis (spec.md §4.4).
type SystemInfoPayload struct {
	CPUCurrentUsage  float64
	IsCPUOverloaded  bool
	MemCurrentBytes  uint64
	IsMemOverloaded  bool
	CreatedAt        time.Time
}

// Event is a single published occurrence.
type Event struct {
	Type    Type
	Payload any
}

// Handler processes a published Event. An error is logged but never
// aborts delivery to other handlers.
type Handler func(ctx context.Context, event Event) error

// Bus is a typed pub/sub hub. Publish delivers asynchronously (one
// goroutine per handler); PublishSync awaits every handler before
// returning, aggregating their errors — the "await-all-listeners"
// mode spec.md §6 requires for graceful shutdown.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]Handler
	logger      arbor.ILogger
}

// NewBus creates an empty event bus.
func NewBus(logger arbor.ILogger) *Bus {
	return &Bus{
		subscribers: make(map[Type][]Handler),
		logger:      logger,
	}
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(eventType Type, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("crawlcore: nil event handler for %s", eventType)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
	return nil
}

// Publish delivers an event to all subscribers asynchronously, without
// waiting for any handler to complete.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		go func(h Handler) {
			if err := h(ctx, event); err != nil {
				b.logger.Error().Err(err).Str("event_type", string(event.Type)).Msg("event handler failed")
			}
		}(h)
	}
}

// PublishSync delivers an event to all subscribers and waits for every
// one to finish, returning an aggregate error if any failed.
func (b *Bus) PublishSync(ctx context.Context, event Event) error {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))
	for _, h := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			if err := h(ctx, event); err != nil {
				b.logger.Error().Err(err).Str("event_type", string(event.Type)).Msg("event handler failed")
				errCh <- err
			}
		}(h)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("crawlcore: %d event handler(s) failed for %s: %w", len(errs), event.Type, errs[0])
	}
	return nil
}

// Close drops all subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[Type][]Handler)
}
