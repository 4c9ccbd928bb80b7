package engine

// Decay algorithm:
//   - every expire pass, age -= ceil(age / divisor); the subtrahend is at
//     least 1 for any positive age, so every age reaches 0 and 0 stays 0
//   - a record at age 0 whose last sighting is older than the retention
//     window is deleted
//   - a channel with no records whose last update is older than the
//     retention window is deleted (done by Engine.Expire)
//   - decay never looks at live channel state

import (
	"time"

	"github.com/lazypower/chanfix/internal/store"
)

// Decay ages every record in the channel once. Returns whether anything
// changed.
func Decay(c *store.Channel, now time.Time, divisor int, retention time.Duration) bool {
	if divisor < 1 {
		divisor = 1
	}
	changed := false
	for key, r := range c.Identities {
		if r.Age > 0 {
			r.Age -= (r.Age + divisor - 1) / divisor
			changed = true
		}
		if r.Age <= 0 {
			r.Age = 0
			if now.Sub(r.LastEvent) > retention {
				delete(c.Identities, key)
				changed = true
			}
		}
	}
	return changed
}

// Expired reports whether a channel ledger can be dropped entirely.
func Expired(c *store.Channel, now time.Time, retention time.Duration) bool {
	return len(c.Identities) == 0 && now.Sub(c.LastUpdate) > retention
}
