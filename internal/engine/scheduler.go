package engine

import (
	"context"
	"log"
	"time"

	"github.com/lazypower/chanfix/internal/network"
	"github.com/lazypower/chanfix/internal/store"
)

// Run drives the gather, expire, autofix and save passes until ctx is done,
// then flushes once more. Every pass runs on this goroutine, so passes never
// overlap.
func (e *Engine) Run(ctx context.Context) error {
	gather := time.NewTicker(e.schedule.GatherInterval.Duration)
	defer gather.Stop()
	expire := time.NewTicker(e.schedule.ExpireInterval.Duration)
	defer expire.Stop()
	autofix := time.NewTicker(e.schedule.AutofixInterval.Duration)
	defer autofix.Stop()
	save := time.NewTicker(e.schedule.SaveInterval.Duration)
	defer save.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := e.Flush(); err != nil {
				log.Printf("save error: %v", err)
				return err
			}
			return nil
		case <-gather.C:
			if n := e.Gather(); n > 0 {
				log.Printf("gather: %d op sightings", n)
			}
		case <-expire.C:
			if removed := e.Expire(); removed > 0 {
				log.Printf("expire: removed %d channels", removed)
			}
		case <-autofix.C:
			e.Autofix()
		case <-save.C:
			if err := e.Flush(); err != nil {
				log.Printf("save error: %v", err)
			}
		}
	}
}

// Gather samples every live unregistered channel and records each op.
// Returns the number of sightings recorded.
func (e *Engine) Gather() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	sightings := 0
	for _, name := range e.Host.Channels() {
		live, ok := e.Host.Channel(name)
		if !ok || live.Registered {
			continue
		}

		var ops []network.Member
		for _, m := range live.Members {
			if m.Op && !m.Leaving && !m.Exempt && !e.isService(m) {
				ops = append(ops, m)
			}
		}
		if len(ops) == 0 {
			continue
		}

		c := e.channelFor(live.Name, true, now)
		for _, m := range ops {
			if Observe(c, m, now) {
				sightings++
			}
		}
		c.LastUpdate = now
		e.markDirty(c.Key())
	}
	return sightings
}

// Expire decays every ledger and drops expired records and channels.
// Returns the number of channels removed.
func (e *Engine) Expire() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	retention := e.policy.RetentionTime.Duration
	removed := 0
	for _, key := range e.sortedKeys() {
		c := e.channels[key]
		changed := Decay(c, now, e.policy.ExpireDivisor, retention)
		if Expired(c, now, retention) {
			e.removeChannel(key)
			removed++
			continue
		}
		if changed {
			e.markDirty(key)
		}
	}
	return removed
}

// Autofix advances the recovery state machine of every channel that is
// still present on the network.
func (e *Engine) Autofix() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	for _, key := range e.sortedKeys() {
		c := e.channels[key]
		live, ok := e.Host.Channel(c.Name)
		if !ok {
			continue
		}
		e.autofixChannel(c, live, now)
	}
}

func (e *Engine) autofixChannel(c *store.Channel, live *network.Channel, now time.Time) {
	if !e.Eligible(c, live, now) {
		if c.FixRequested || !c.FixStarted.IsZero() {
			if !c.FixStarted.IsZero() {
				log.Printf("autofix: %s: fix ended", c.Name)
			}
			c.FixRequested = false
			c.FixStarted = time.Time{}
			e.markDirty(c.Key())
		}
		return
	}

	if !e.policy.DoAutofix && !c.FixRequested {
		return
	}

	if c.FixStarted.IsZero() {
		if !e.CanStart(c, live) {
			return
		}
		c.FixStarted = now
		e.markDirty(c.Key())
		log.Printf("autofix: %s: starting fix (high score %d)", c.Name, HighScore(c, e.policy.AccountWeight))

		plan := e.PlanFix(c, live, now)
		if plan.OK {
			e.apply(plan)
		} else {
			e.clearOnly(c.Name)
		}
		return
	}

	plan := e.PlanFix(c, live, now)
	if plan.OK {
		e.apply(plan)
		return
	}
	if e.countOps(live) == 0 {
		e.clearOnly(c.Name)
	}
}

// apply pushes a successful plan to the network.
func (e *Engine) apply(plan FixPlan) {
	if len(plan.Grant) == 0 && len(plan.Revoke) == 0 && !plan.Clear.Any() {
		return
	}
	e.withPresence(plan.Channel, func() {
		for _, nick := range plan.Grant {
			if err := e.Host.SetOp(plan.Channel, nick, true); err != nil {
				log.Printf("autofix: %s: op %s: %v", plan.Channel, nick, err)
			}
		}
		for _, nick := range plan.Revoke {
			if err := e.Host.SetOp(plan.Channel, nick, false); err != nil {
				log.Printf("autofix: %s: deop %s: %v", plan.Channel, nick, err)
			}
		}
		if plan.Clear.Any() {
			if err := e.Host.Clear(plan.Channel, plan.Clear); err != nil {
				log.Printf("autofix: %s: clear modes: %v", plan.Channel, err)
			}
		}
	})
	if len(plan.Grant) > 0 || len(plan.Revoke) > 0 {
		log.Printf("autofix: %s: threshold %d, opped %v, deopped %v",
			plan.Channel, plan.Threshold, plan.Grant, plan.Revoke)
	}
}

// clearOnly is the light-touch fallback when no one qualifies for ops.
func (e *Engine) clearOnly(channel string) {
	what := e.clearSet()
	if !what.Any() {
		return
	}
	e.withPresence(channel, func() {
		if err := e.Host.Clear(channel, what); err != nil {
			log.Printf("autofix: %s: clear modes: %v", channel, err)
		}
	})
}

// withPresence runs fn with the service joined to the channel when the
// policy asks for it. A service that was already there stays.
func (e *Engine) withPresence(channel string, fn func()) {
	if !e.policy.JoinToFix || e.servicePresent(channel) {
		fn()
		return
	}
	if err := e.Host.Join(channel); err != nil {
		log.Printf("autofix: %s: join: %v", channel, err)
		return
	}
	fn()
	if err := e.Host.Part(channel); err != nil {
		log.Printf("autofix: %s: part: %v", channel, err)
	}
}

func (e *Engine) servicePresent(channel string) bool {
	live, ok := e.Host.Channel(channel)
	if !ok {
		return false
	}
	_, present := live.Member(e.service)
	return present
}
