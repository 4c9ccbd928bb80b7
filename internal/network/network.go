// Package network describes the live IRC state the chanfix engine reads and
// the privilege/mode primitives it writes back through.
package network

import "github.com/lazypower/chanfix/internal/casemap"

// Member is one occupant of a live channel.
type Member struct {
	Nick    string `json:"nick"`
	Ident   string `json:"ident"`
	Host    string `json:"host"`
	Account string `json:"account,omitempty"` // empty if not authenticated
	Op      bool   `json:"op"`
	Leaving bool   `json:"leaving,omitempty"` // quitting/parting, not yet removed
	Exempt  bool   `json:"exempt,omitempty"`  // services or other fully trusted source
}

// Restrictions are the channel-wide settings that limit entry or speech.
type Restrictions struct {
	InviteOnly bool     `json:"invite_only,omitempty"`
	Limit      int      `json:"limit,omitempty"`
	Key        string   `json:"key,omitempty"`
	Moderated  bool     `json:"moderated,omitempty"`
	Bans       []string `json:"bans,omitempty"`
}

// ClearSet selects which restriction settings to clear.
type ClearSet struct {
	InviteOnly bool `json:"invite_only,omitempty"`
	Limit      bool `json:"limit,omitempty"`
	Key        bool `json:"key,omitempty"`
	Moderated  bool `json:"moderated,omitempty"`
	Bans       bool `json:"bans,omitempty"`
}

// Any reports whether at least one setting is selected.
func (c ClearSet) Any() bool {
	return c.InviteOnly || c.Limit || c.Key || c.Moderated || c.Bans
}

// Channel is a snapshot of a live channel.
type Channel struct {
	Name       string       `json:"name"`
	Registered bool         `json:"registered"` // owned by channel registration; chanfix keeps out
	Members    []Member     `json:"members"`
	Modes      Restrictions `json:"modes"`
}

// Member returns the member with the given nick, if present.
func (c *Channel) Member(nick string) (Member, bool) {
	for _, m := range c.Members {
		if casemap.Equal(m.Nick, nick) {
			return m, true
		}
	}
	return Member{}, false
}

// Host is the live network as seen by the engine. Implementations must be
// synchronous and must not call back into the engine.
type Host interface {
	// Channels lists the names of all live channels.
	Channels() []string
	// Channel returns a snapshot of a live channel.
	Channel(name string) (*Channel, bool)
	// SetOp grants or revokes operator status for a present member.
	SetOp(channel, nick string, op bool) error
	// Clear removes the selected restriction settings.
	Clear(channel string, what ClearSet) error
	// Join and Part move the acting service identity in and out of a channel.
	Join(channel string) error
	Part(channel string) error
}
