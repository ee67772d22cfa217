// Package sessionpool implements the SessionPool (spec.md §2 C5, §4.5):
// a bounded pool of rotated Session identities, created lazily, retired
// on repeated error signals, and persisted as a single JSON blob at
// every persistState tick. The rotation/allocation shape is grounded on
// the teacher's ChromeDPPool (internal/services/crawler/chromedp_pool.go),
// extended with the usage-count/error-score/expiry bookkeeping that
// component lacks.
package sessionpool

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/crawlcore/internal/events"
	"github.com/ternarybob/crawlcore/internal/model"
)

// PersistStateKey is the well-known key-value-store key sessions are
// serialized under (spec.md §3, §9).
const PersistStateKey = "session-pool-state"

// Store is the persistence side-channel for the pool's serialized state.
type Store interface {
	SetRecord(key string, value []byte, contentType string) error
	GetRecord(key string) (value []byte, err error)
}

// ErrNotFound is returned by Store.GetRecord implementations (adapted
// from storage/badger.ErrRecordNotFound) when no state has been saved yet.
var ErrNotFound = fmt.Errorf("crawlcore: no persisted session pool state")

// Config bounds and tunes the pool (spec.md §3, §4.5).
type Config struct {
	MaxPoolSize      int
	SessionMaxUsage  int
	SessionMaxErrors int
	SessionTTL       time.Duration
}

func defaultConfig() Config {
	return Config{
		MaxPoolSize:      1000,
		SessionMaxUsage:  50,
		SessionMaxErrors: 3,
		SessionTTL:       time.Hour,
	}
}

// Pool manages a bounded set of rotated Session identities.
type Pool struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	cfg      Config
	bus      *events.Bus
	store    Store
	logger   arbor.ILogger
	nowFn    func() time.Time
}

// New creates a Pool. bus and store may be nil (no retirement
// notifications / no persistence, respectively — useful for tests).
func New(cfg Config, bus *events.Bus, store Store, logger arbor.ILogger) *Pool {
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = defaultConfig().MaxPoolSize
	}
	if cfg.SessionMaxUsage <= 0 {
		cfg.SessionMaxUsage = defaultConfig().SessionMaxUsage
	}
	if cfg.SessionMaxErrors <= 0 {
		cfg.SessionMaxErrors = defaultConfig().SessionMaxErrors
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultConfig().SessionTTL
	}
	return &Pool{
		sessions: make(map[string]*model.Session),
		cfg:      cfg,
		bus:      bus,
		store:    store,
		logger:   logger,
		nowFn:    time.Now,
	}
}

// GetSession returns a usable session: the one named by id if supplied
// and still usable; otherwise a newly created session if the pool has
// room; otherwise a uniformly-random usable session from the pool;
// otherwise, if the pool is full and nothing is usable, it evicts the
// oldest retired entry and creates a fresh session in its place
// (spec.md §4.5).
func (p *Pool) GetSession(id string) (*model.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.nowFn()

	if id != "" {
		if s, ok := p.sessions[id]; ok && s.IsUsable(now) {
			return s, nil
		}
	}

	if len(p.sessions) < p.cfg.MaxPoolSize {
		return p.createLocked()
	}

	usable := p.usableLocked(now)
	if len(usable) > 0 {
		return usable[rand.Intn(len(usable))], nil
	}

	if err := p.evictOneRetiredLocked(); err != nil {
		return nil, err
	}
	return p.createLocked()
}

func (p *Pool) usableLocked(now time.Time) []*model.Session {
	var out []*model.Session
	for _, s := range p.sessions {
		if s.IsUsable(now) {
			out = append(out, s)
		} else if !s.Retired {
			s.Retire()
		}
	}
	return out
}

func (p *Pool) createLocked() (*model.Session, error) {
	s, err := model.NewSession(p.cfg.SessionMaxUsage, p.cfg.SessionMaxErrors, p.cfg.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("crawlcore: creating session: %w", err)
	}
	p.sessions[s.ID] = s
	return s, nil
}

func (p *Pool) evictOneRetiredLocked() error {
	var oldestID string
	var oldestExpiry time.Time
	for id, s := range p.sessions {
		if !s.Retired {
			continue
		}
		if oldestID == "" || s.ExpiresAt.Before(oldestExpiry) {
			oldestID, oldestExpiry = id, s.ExpiresAt
		}
	}
	if oldestID == "" {
		return fmt.Errorf("crawlcore: session pool full and no retired session to evict")
	}
	delete(p.sessions, oldestID)
	return nil
}

// MarkGood records a successful use of the session named by id.
func (p *Pool) MarkGood(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[id]; ok {
		s.MarkGood()
	}
}

// MarkBad records an anti-bot/error signal against the session named by
// id, retiring it (and publishing a retirement notification) if this
// pushes it over its error budget.
func (p *Pool) MarkBad(id string) {
	p.mu.Lock()
	s, ok := p.sessions[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	retiredNow := s.MarkBad()
	if retiredNow {
		s.Retire()
	}
	p.mu.Unlock()

	if retiredNow && p.bus != nil {
		p.bus.Publish(context.Background(), events.Event{Type: EventSessionRetired, Payload: id})
	}
}

// EventSessionRetired is published (via the shared events.Bus) whenever
// a session crosses its error budget and is retired.
const EventSessionRetired events.Type = "sessionRetired"

// PersistState serializes every non-retired session to the Store under
// PersistStateKey (spec.md §4.5, §9).
func (p *Pool) PersistState() error {
	if p.store == nil {
		return nil
	}

	p.mu.Lock()
	type persisted struct {
		Sessions []*model.Session `json:"sessions"`
	}
	var out persisted
	for _, s := range p.sessions {
		if !s.Retired {
			out.Sessions = append(out.Sessions, s)
		}
	}
	p.mu.Unlock()

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("crawlcore: marshaling session pool state: %w", err)
	}
	return p.store.SetRecord(PersistStateKey, data, "application/json")
}

// Restore loads previously persisted sessions back into the pool.
func (p *Pool) Restore() error {
	if p.store == nil {
		return nil
	}
	data, err := p.store.GetRecord(PersistStateKey)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("crawlcore: restoring session pool state: %w", err)
	}

	type persisted struct {
		Sessions []*model.Session `json:"sessions"`
	}
	var in persisted
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("crawlcore: decoding session pool state: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range in.Sessions {
		p.sessions[s.ID] = s
	}
	return nil
}

// Size returns the current number of tracked sessions (usable + retired).
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}
