package engine

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/lazypower/chanfix/internal/casemap"
	"github.com/lazypower/chanfix/internal/config"
	"github.com/lazypower/chanfix/internal/network"
	"github.com/lazypower/chanfix/internal/store"
)

// Persister loads and saves channel ledgers. *store.DB implements it.
type Persister interface {
	LoadChannels() ([]*store.Channel, error)
	SaveChannels(channels []*store.Channel, deleted []string) error
}

// Engine owns the channel ledgers and drives gather, expire and autofix.
// All access to the ledgers goes through the engine mutex; passes and
// commands never run concurrently with each other.
type Engine struct {
	DB   Persister
	Host network.Host

	policy   config.ChanfixConfig
	schedule config.ScheduleConfig
	service  string
	now      func() time.Time

	mu       sync.Mutex
	channels map[string]*store.Channel // keyed by case-folded name
	dirty    map[string]bool
	deleted  map[string]bool
}

// New creates a new Engine.
func New(db Persister, host network.Host, cfg config.Config) *Engine {
	return &Engine{
		DB:       db,
		Host:     host,
		policy:   cfg.Chanfix,
		schedule: cfg.Schedule,
		service:  cfg.Service.Nick,
		now:      time.Now,
		channels: make(map[string]*store.Channel),
		dirty:    make(map[string]bool),
		deleted:  make(map[string]bool),
	}
}

// SetClock replaces the engine's time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Load replaces the in-memory ledgers with everything in the store.
func (e *Engine) Load() error {
	channels, err := e.DB.LoadChannels()
	if err != nil {
		return fmt.Errorf("load channels: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.channels = make(map[string]*store.Channel, len(channels))
	for _, c := range channels {
		if c.Identities == nil {
			c.Identities = make(map[string]*store.OpRecord)
		}
		e.channels[c.Key()] = c
	}
	e.dirty = make(map[string]bool)
	e.deleted = make(map[string]bool)
	return nil
}

// Import merges externally parsed channels into the ledger, replacing any
// existing channel of the same name, and marks them for saving.
func (e *Engine) Import(channels []*store.Channel) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, c := range channels {
		if c.Identities == nil {
			c.Identities = make(map[string]*store.OpRecord)
		}
		key := c.Key()
		e.channels[key] = c
		e.markDirty(key)
	}
	return len(channels)
}

// Flush writes every dirty channel and pending deletion in one batch.
// Records stay dirty on failure and are retried at the next flush.
func (e *Engine) Flush() error {
	e.mu.Lock()
	if len(e.dirty) == 0 && len(e.deleted) == 0 {
		e.mu.Unlock()
		return nil
	}
	batch := make([]*store.Channel, 0, len(e.dirty))
	for key := range e.dirty {
		if c, ok := e.channels[key]; ok {
			batch = append(batch, c.Clone())
		}
	}
	deleted := make([]string, 0, len(e.deleted))
	for key := range e.deleted {
		deleted = append(deleted, key)
	}
	e.dirty = make(map[string]bool)
	e.deleted = make(map[string]bool)
	e.mu.Unlock()

	err := e.DB.SaveChannels(batch, deleted)
	if err == nil {
		return nil
	}

	// Requeue, unless a later mutation already superseded the entry.
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range batch {
		key := c.Key()
		if _, exists := e.channels[key]; exists && !e.deleted[key] {
			e.dirty[key] = true
		}
	}
	for _, key := range deleted {
		if _, recreated := e.channels[key]; !recreated {
			e.deleted[key] = true
		}
	}
	return fmt.Errorf("flush %d channels, %d deletions: %w", len(batch), len(deleted), err)
}

// Dirty returns the number of channels waiting to be flushed.
func (e *Engine) Dirty() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.dirty) + len(e.deleted)
}

// Channel returns a copy of the ledger for a channel, or nil.
func (e *Engine) Channel(name string) *store.Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.channels[casemap.Fold(name)]
	if !ok {
		return nil
	}
	return c.Clone()
}

func (e *Engine) markDirty(key string) {
	e.dirty[key] = true
	delete(e.deleted, key)
}

func (e *Engine) removeChannel(key string) {
	delete(e.channels, key)
	delete(e.dirty, key)
	e.deleted[key] = true
}

// channelFor returns the ledger for name, creating it if create is set.
func (e *Engine) channelFor(name string, create bool, now time.Time) *store.Channel {
	key := casemap.Fold(name)
	if c, ok := e.channels[key]; ok {
		return c
	}
	if !create {
		return nil
	}
	c := &store.Channel{
		Name:       name,
		CreatedAt:  now,
		LastUpdate: now,
		Identities: make(map[string]*store.OpRecord),
	}
	e.channels[key] = c
	e.markDirty(key)
	log.Printf("chanfix: new channel record %s", name)
	return c
}

// sortedKeys returns channel keys in a stable order so passes are
// deterministic.
func (e *Engine) sortedKeys() []string {
	keys := make([]string, 0, len(e.channels))
	for k := range e.channels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
