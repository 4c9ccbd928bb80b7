package engine

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/lazypower/chanfix/internal/casemap"
	"github.com/lazypower/chanfix/internal/store"
)

var (
	// ErrNoRecord means the channel has no ledger.
	ErrNoRecord = errors.New("no chanfix record")
	// ErrIneligible means the channel is registered, opted out, or not on
	// the network.
	ErrIneligible = errors.New("channel cannot be fixed")
	// ErrInsufficientReputation means the high score is below min_fix_score.
	ErrInsufficientReputation = errors.New("scores are too low for a fix")
	// ErrNotPermitted means a self-service request came from a non-op.
	ErrNotPermitted = errors.New("not permitted")
)

// ChannelInfo is the read-only report for one channel.
type ChannelInfo struct {
	Name         string      `json:"name"`
	CreatedAt    time.Time   `json:"created_at"`
	LastUpdate   time.Time   `json:"last_update"`
	FixStarted   *time.Time  `json:"fix_started,omitempty"`
	FixRequested bool        `json:"fix_requested"`
	Mark         *store.Note `json:"mark,omitempty"`
	NoFix        *store.Note `json:"nofix,omitempty"`
	Records      int         `json:"records"`
	HighScore    int         `json:"high_score"`
	Threshold    int         `json:"threshold,omitempty"` // only while a fix is running
	Live         bool        `json:"live"`
	Registered   bool        `json:"registered"`
	Ops          int         `json:"ops"`
	Eligible     bool        `json:"eligible"`
}

// ScoredRecord is one op record with its computed score.
type ScoredRecord struct {
	Key       string    `json:"key"`
	Account   string    `json:"account,omitempty"`
	Ident     string    `json:"ident"`
	Host      string    `json:"host"`
	Age       int       `json:"age"`
	Score     int       `json:"score"`
	FirstSeen time.Time `json:"first_seen"`
	LastEvent time.Time `json:"last_event"`
}

// ChannelSummary is one row of the channel list.
type ChannelSummary struct {
	Name         string `json:"name"`
	Records      int    `json:"records"`
	HighScore    int    `json:"high_score"`
	Fixing       bool   `json:"fixing"`
	FixRequested bool   `json:"fix_requested"`
	Marked       bool   `json:"marked"`
	NoFix        bool   `json:"nofix"`
}

// RequestFix asks the engine to fix a channel on its next autofix pass,
// even when automatic fixing is disabled. The start conditions still apply.
// A channel seen for the first time gets an empty ledger, which stays even
// when the request is refused.
func (e *Engine) RequestFix(name string) error {
	if err := ValidateChannelName(name); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requestFix(name)
}

// RequestFixAsOccupant is the self-service form of RequestFix: the caller
// must currently be an op in the channel unless elevated is set.
func (e *Engine) RequestFixAsOccupant(name, nick string, elevated bool) error {
	if err := ValidateChannelName(name); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !elevated {
		live, ok := e.Host.Channel(name)
		if !ok {
			return fmt.Errorf("%s: not on the network: %w", name, ErrIneligible)
		}
		m, present := live.Member(nick)
		if !present || !m.Op {
			return fmt.Errorf("%s: %s is not an op there: %w", name, nick, ErrNotPermitted)
		}
	}
	return e.requestFix(name)
}

func (e *Engine) requestFix(name string) error {
	live, ok := e.Host.Channel(name)
	if !ok {
		return fmt.Errorf("%s: not on the network: %w", name, ErrIneligible)
	}
	if live.Registered {
		return fmt.Errorf("%s: registered: %w", name, ErrIneligible)
	}

	c := e.channelFor(live.Name, true, e.now())
	if c.NoFix != nil {
		return fmt.Errorf("%s: opted out: %w", name, ErrIneligible)
	}
	if high := HighScore(c, e.policy.AccountWeight); high < e.policy.MinFixScore {
		return fmt.Errorf("%s: high score %d < %d: %w", name, high, e.policy.MinFixScore, ErrInsufficientReputation)
	}

	if !c.FixRequested {
		c.FixRequested = true
		e.markDirty(c.Key())
		log.Printf("chanfix: %s: fix requested", c.Name)
	}
	return nil
}

// Mark sets or clears the informational annotation on a channel.
func (e *Engine) Mark(name, setter string, on bool, text string) error {
	if err := ValidateChannelName(name); err != nil {
		return err
	}
	text = sanitizeNote(text)
	if on && text == "" {
		return fmt.Errorf("mark text required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	c := e.channelFor(name, on, now)
	if c == nil {
		return fmt.Errorf("%s: %w", name, ErrNoRecord)
	}
	if on {
		c.Mark = &store.Note{Setter: setter, Text: text, Time: now}
	} else {
		c.Mark = nil
	}
	c.LastUpdate = now
	e.markDirty(c.Key())
	return nil
}

// NoFix sets or clears the opt-out on a channel. While set the engine never
// evaluates the channel.
func (e *Engine) NoFix(name, setter string, on bool, reason string) error {
	if err := ValidateChannelName(name); err != nil {
		return err
	}
	reason = sanitizeNote(reason)
	if on && reason == "" {
		return fmt.Errorf("nofix reason required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	c := e.channelFor(name, on, now)
	if c == nil {
		return fmt.Errorf("%s: %w", name, ErrNoRecord)
	}
	if on {
		c.NoFix = &store.Note{Setter: setter, Text: reason, Time: now}
		c.FixRequested = false
		c.FixStarted = time.Time{}
		log.Printf("chanfix: %s: nofix set by %s", c.Name, setter)
	} else {
		c.NoFix = nil
		log.Printf("chanfix: %s: nofix cleared by %s", c.Name, setter)
	}
	c.LastUpdate = now
	e.markDirty(c.Key())
	return nil
}

// Info reports the ledger and live state of a channel.
func (e *Engine) Info(name string) (*ChannelInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.channels[casemap.Fold(name)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNoRecord)
	}

	now := e.now()
	info := &ChannelInfo{
		Name:         c.Name,
		CreatedAt:    c.CreatedAt,
		LastUpdate:   c.LastUpdate,
		FixRequested: c.FixRequested,
		Records:      len(c.Identities),
		HighScore:    HighScore(c, e.policy.AccountWeight),
	}
	if c.Mark != nil {
		m := *c.Mark
		info.Mark = &m
	}
	if c.NoFix != nil {
		n := *c.NoFix
		info.NoFix = &n
	}
	if !c.FixStarted.IsZero() {
		fs := c.FixStarted
		info.FixStarted = &fs
		info.Threshold = e.Threshold(c, now)
	}
	if live, ok := e.Host.Channel(c.Name); ok {
		info.Live = true
		info.Registered = live.Registered
		info.Ops = e.countOps(live)
		info.Eligible = e.Eligible(c, live, now)
	}
	return info, nil
}

// Scores returns the channel's records ordered by score, best first. A
// limit of zero or less returns all of them.
func (e *Engine) Scores(name string, limit int) ([]ScoredRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.channels[casemap.Fold(name)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNoRecord)
	}

	out := make([]ScoredRecord, 0, len(c.Identities))
	for _, r := range c.Identities {
		out = append(out, ScoredRecord{
			Key:       r.Key,
			Account:   r.Account,
			Ident:     r.Ident,
			Host:      r.Host,
			Age:       r.Age,
			Score:     Score(r, e.policy.AccountWeight),
			FirstSeen: r.FirstSeen,
			LastEvent: r.LastEvent,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key < out[j].Key
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// List returns a summary of every channel whose name matches the wildcard
// pattern. An empty pattern matches everything.
func (e *Engine) List(pattern string) []ChannelSummary {
	if pattern == "" {
		pattern = "*"
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var out []ChannelSummary
	for _, key := range e.sortedKeys() {
		c := e.channels[key]
		if !casemap.Match(pattern, c.Name) {
			continue
		}
		out = append(out, ChannelSummary{
			Name:         c.Name,
			Records:      len(c.Identities),
			HighScore:    HighScore(c, e.policy.AccountWeight),
			Fixing:       !c.FixStarted.IsZero(),
			FixRequested: c.FixRequested,
			Marked:       c.Mark != nil,
			NoFix:        c.NoFix != nil,
		})
	}
	return out
}
