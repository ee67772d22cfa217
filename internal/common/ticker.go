package common

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/crawlcore/internal/events"
)

// Ticker drives the EventBus's periodic notifications (persistState,
// systemInfo) off a single robfig/cron scheduler, the same library the
// teacher's scheduler.Service wraps for job scheduling. Durations are
// expressed as "@every" cron specs rather than raw time.Tickers so every
// periodic firing in the process goes through one inspectable schedule.
type Ticker struct {
	cron   *cron.Cron
	bus    *events.Bus
	logger arbor.ILogger
}

// NewTicker creates a Ticker bound to bus. Call Start to begin firing.
func NewTicker(bus *events.Bus, logger arbor.ILogger) *Ticker {
	return &Ticker{
		cron:   cron.New(),
		bus:    bus,
		logger: logger,
	}
}

// SchedulePersistState registers a recurring TypePersistState publish at
// intervalMillis, matching spec.md §6's persistStateIntervalMillis.
func (t *Ticker) SchedulePersistState(intervalMillis int) error {
	spec := fmt.Sprintf("@every %dms", intervalMillis)
	return t.Schedule("persistState", spec, func() {
		t.bus.Publish(context.Background(), events.Event{Type: events.TypePersistState, Payload: events.PersistStatePayload{}})
	})
}

// SchedulePublish registers a recurring publish of eventType at
// intervalMillis, e.g. systemInfo sampling (spec.md §6's
// systemInfoIntervalMillis).
func (t *Ticker) SchedulePublish(name string, intervalMillis int, eventType events.Type, payload func() any) error {
	spec := fmt.Sprintf("@every %dms", intervalMillis)
	return t.Schedule(name, spec, func() {
		t.bus.Publish(context.Background(), events.Event{Type: eventType, Payload: payload()})
	})
}

// Schedule registers fn to run every interval via the underlying cron
// scheduler, using an "@every" spec. interval must be positive.
func (t *Ticker) Schedule(name string, everySpec string, fn func()) error {
	_, err := t.cron.AddFunc(everySpec, fn)
	if err != nil {
		return fmt.Errorf("crawlcore: scheduling ticker job %q (%s): %w", name, everySpec, err)
	}
	return nil
}

// Start begins firing scheduled jobs. Safe to call once.
func (t *Ticker) Start() {
	if t.logger != nil {
		t.logger.Debug().Int("entries", len(t.cron.Entries())).Msg("ticker starting")
	}
	t.cron.Start()
}

// Stop halts the scheduler, waiting for any in-flight job to finish.
func (t *Ticker) Stop() {
	<-t.cron.Stop().Done()
	if t.logger != nil {
		t.logger.Debug().Msg("ticker stopped")
	}
}
