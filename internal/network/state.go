package network

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/lazypower/chanfix/internal/casemap"
)

var (
	// ErrNoChannel means the channel is not in the network model.
	ErrNoChannel = errors.New("no such channel")
	// ErrNoMember means the nick is not in the channel.
	ErrNoMember = errors.New("no such member")
)

// Action is a change the engine made that the link bridge must apply to the
// real network. Mode carries the mode string, e.g. "+o", "-i", "-b".
type Action struct {
	Kind    string `json:"kind"` // "mode", "join", "part"
	Channel string `json:"channel"`
	Mode    string `json:"mode,omitempty"`
	Target  string `json:"target,omitempty"` // nick, key, or ban mask
}

// State is an in-memory model of the network fed by a link bridge. Changes
// requested through the Host methods are applied to the model immediately
// and queued as Actions until the bridge drains them.
type State struct {
	mu       sync.Mutex
	service  string
	channels map[string]*Channel
	pending  []Action
}

// NewState creates an empty network model. service is the nick of the acting
// service identity used by Join/Part.
func NewState(service string) *State {
	return &State{
		service:  service,
		channels: make(map[string]*Channel),
	}
}

// Update replaces the snapshot for a channel. The service member is kept if
// the bridge snapshot omits it.
func (s *State) Update(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := casemap.Fold(ch.Name)
	snap := copyChannel(&ch)
	if old, ok := s.channels[key]; ok {
		if svc, present := old.Member(s.service); present {
			if _, listed := snap.Member(s.service); !listed {
				snap.Members = append(snap.Members, svc)
			}
		}
	}
	s.channels[key] = snap
}

// Remove forgets a channel that no longer exists on the network.
func (s *State) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, casemap.Fold(name))
}

// Drain returns and clears the queued actions.
func (s *State) Drain() []Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

// Pending returns the number of queued actions.
func (s *State) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Channels implements Host.
func (s *State) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.channels))
	for _, c := range s.channels {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

// Channel implements Host.
func (s *State) Channel(name string) (*Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[casemap.Fold(name)]
	if !ok {
		return nil, false
	}
	return copyChannel(c), true
}

// SetOp implements Host.
func (s *State) SetOp(channel, nick string, op bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.channels[casemap.Fold(channel)]
	if !ok {
		return fmt.Errorf("set op %s: %w", channel, ErrNoChannel)
	}
	for i := range c.Members {
		if !casemap.Equal(c.Members[i].Nick, nick) {
			continue
		}
		if c.Members[i].Op == op {
			return nil
		}
		c.Members[i].Op = op
		mode := "-o"
		if op {
			mode = "+o"
		}
		s.pending = append(s.pending, Action{Kind: "mode", Channel: c.Name, Mode: mode, Target: c.Members[i].Nick})
		return nil
	}
	return fmt.Errorf("set op %s %s: %w", channel, nick, ErrNoMember)
}

// Clear implements Host. Only settings currently in effect generate actions.
func (s *State) Clear(channel string, what ClearSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.channels[casemap.Fold(channel)]
	if !ok {
		return fmt.Errorf("clear %s: %w", channel, ErrNoChannel)
	}
	m := &c.Modes
	queue := func(mode, target string) {
		s.pending = append(s.pending, Action{Kind: "mode", Channel: c.Name, Mode: mode, Target: target})
	}
	if what.InviteOnly && m.InviteOnly {
		m.InviteOnly = false
		queue("-i", "")
	}
	if what.Limit && m.Limit > 0 {
		queue("-l", strconv.Itoa(m.Limit))
		m.Limit = 0
	}
	if what.Key && m.Key != "" {
		queue("-k", m.Key)
		m.Key = ""
	}
	if what.Moderated && m.Moderated {
		m.Moderated = false
		queue("-m", "")
	}
	if what.Bans {
		for _, mask := range m.Bans {
			queue("-b", mask)
		}
		m.Bans = nil
	}
	return nil
}

// Join implements Host.
func (s *State) Join(channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.channels[casemap.Fold(channel)]
	if !ok {
		return fmt.Errorf("join %s: %w", channel, ErrNoChannel)
	}
	if _, present := c.Member(s.service); present {
		return nil
	}
	c.Members = append(c.Members, Member{Nick: s.service, Op: true, Exempt: true})
	s.pending = append(s.pending, Action{Kind: "join", Channel: c.Name, Target: s.service})
	return nil
}

// Part implements Host.
func (s *State) Part(channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.channels[casemap.Fold(channel)]
	if !ok {
		return fmt.Errorf("part %s: %w", channel, ErrNoChannel)
	}
	for i, m := range c.Members {
		if casemap.Equal(m.Nick, s.service) {
			c.Members = append(c.Members[:i], c.Members[i+1:]...)
			s.pending = append(s.pending, Action{Kind: "part", Channel: c.Name, Target: s.service})
			return nil
		}
	}
	return nil
}

func copyChannel(c *Channel) *Channel {
	cp := *c
	cp.Members = append([]Member(nil), c.Members...)
	cp.Modes.Bans = append([]string(nil), c.Modes.Bans...)
	return &cp
}
