package engine

import (
	"math"
	"time"

	"github.com/lazypower/chanfix/internal/network"
	"github.com/lazypower/chanfix/internal/store"
)

// MaxScore caps both scores and raw ages.
const MaxScore = math.MaxInt32

// Score returns the reputation of a record: age, multiplied by weight when
// the record is backed by an account, truncated and clamped to [0, MaxScore].
func Score(r *store.OpRecord, weight float64) int {
	base := float64(r.Age)
	if r.Account != "" {
		base *= weight
	}
	if base <= 0 {
		return 0
	}
	if base >= MaxScore {
		return MaxScore
	}
	return int(base)
}

// HighScore returns the best score in the channel, 0 if it has no records.
func HighScore(c *store.Channel, weight float64) int {
	high := 0
	for _, r := range c.Identities {
		if s := Score(r, weight); s > high {
			high = s
		}
	}
	return high
}

// Observe records one op sighting of m. Leaving and exempt members are
// ignored. Returns whether the ledger changed.
func Observe(c *store.Channel, m network.Member, now time.Time) bool {
	if m.Leaving || m.Exempt {
		return false
	}

	key := IdentityKey(m)
	var rec *store.OpRecord
	if m.Account != "" {
		rec = upgradeKey(c, HostKey(m), key)
	} else {
		rec = c.Identities[key]
	}

	if rec == nil {
		rec = &store.OpRecord{
			Key:       key,
			FirstSeen: now,
		}
		c.Identities[key] = rec
	}

	if rec.Age < MaxScore {
		rec.Age++
	}
	rec.LastEvent = now
	rec.Ident = m.Ident
	rec.Host = m.Host
	if m.Account != "" {
		rec.Account = m.Account
	}
	return true
}
