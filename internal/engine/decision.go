package engine

import (
	"math"
	"time"

	"github.com/lazypower/chanfix/internal/casemap"
	"github.com/lazypower/chanfix/internal/network"
	"github.com/lazypower/chanfix/internal/store"
)

// stepEpsilon absorbs binary representation error in the configured steps so
// that e.g. 20 × 0.7 floors to 14.
const stepEpsilon = 1e-9

// FixPlan is the set of changes one fix attempt would make.
type FixPlan struct {
	Channel   string           `json:"channel"`
	Threshold int              `json:"threshold"`
	Grant     []string         `json:"grant,omitempty"`
	Keep      []string         `json:"keep,omitempty"`
	Revoke    []string         `json:"revoke,omitempty"`
	Clear     network.ClearSet `json:"clear"`
	OK        bool             `json:"ok"`
}

// isService reports whether m is the acting service identity.
func (e *Engine) isService(m network.Member) bool {
	return e.service != "" && casemap.Equal(m.Nick, e.service)
}

// countOps counts live operators, not counting the service.
func (e *Engine) countOps(live *network.Channel) int {
	n := 0
	for _, m := range live.Members {
		if m.Op && !e.isService(m) {
			n++
		}
	}
	return n
}

// Eligible reports whether the engine should handle the channel at all.
func (e *Engine) Eligible(c *store.Channel, live *network.Channel, now time.Time) bool {
	if live == nil || live.Registered {
		return false
	}
	if c.NoFix != nil {
		return false
	}
	ops := e.countOps(live)
	if ops >= e.policy.OpThreshold {
		return false
	}
	if ops == 0 {
		return true
	}
	// Some ops: only keep going while a fix we started is still running.
	if c.FixStarted.IsZero() {
		return false
	}
	return now.Sub(c.FixStarted) <= e.policy.FixTime.Duration
}

// Threshold returns the score an occupant needs to be opped at now. The bar
// moves linearly from InitialStep to FinalStep of the high score over the
// fix window.
func (e *Engine) Threshold(c *store.Channel, now time.Time) int {
	high := HighScore(c, e.policy.AccountWeight)
	if high == 0 {
		return 1
	}

	fixTime := e.policy.FixTime.Duration
	step := e.policy.InitialStep
	if fixTime > 0 {
		t := now.Sub(c.FixStarted)
		switch {
		case t <= 0:
			step = e.policy.InitialStep
		case t >= fixTime:
			step = e.policy.FinalStep
		default:
			frac := float64(t) / float64(fixTime)
			step = e.policy.InitialStep + (e.policy.FinalStep-e.policy.InitialStep)*frac
		}
	}

	threshold := int(math.Floor(float64(high)*step + stepEpsilon))
	if threshold < 1 {
		threshold = 1
	}
	return threshold
}

// CanStart reports whether an idle channel may enter the fix window: no
// live ops, a high score above the absolute floor, and at least one present
// occupant who would pass the most permissive bar. Members on their way out
// do not count.
func (e *Engine) CanStart(c *store.Channel, live *network.Channel) bool {
	if live == nil || e.countOps(live) > 0 {
		return false
	}
	high := HighScore(c, e.policy.AccountWeight)
	if high < e.policy.MinFixScore {
		return false
	}
	bar := float64(high) * e.policy.FinalStep
	for _, m := range live.Members {
		if e.isService(m) || m.Leaving {
			continue
		}
		rec := findRecord(c, m)
		if rec == nil {
			continue
		}
		if float64(Score(rec, e.policy.AccountWeight)) >= bar {
			return true
		}
	}
	return false
}

// PlanFix computes the op changes for the channel at now. Revokes are only
// included when the plan leaves at least one legitimate op; a plan that
// would leave none fails with no changes.
func (e *Engine) PlanFix(c *store.Channel, live *network.Channel, now time.Time) FixPlan {
	plan := FixPlan{
		Channel:   c.Name,
		Threshold: e.Threshold(c, now),
	}

	var revoke []string
	for _, m := range live.Members {
		if e.isService(m) {
			continue
		}
		score := 0
		if rec := findRecord(c, m); rec != nil {
			score = Score(rec, e.policy.AccountWeight)
		}

		if m.Op {
			if score >= plan.Threshold {
				plan.Keep = append(plan.Keep, m.Nick)
			} else if e.policy.DeopBelowThresholdOnFix {
				revoke = append(revoke, m.Nick)
			}
			continue
		}
		if m.Leaving {
			continue
		}
		if score >= plan.Threshold {
			plan.Grant = append(plan.Grant, m.Nick)
		}
	}

	if len(plan.Keep)+len(plan.Grant) == 0 {
		plan.Grant = nil
		return plan
	}

	plan.Revoke = revoke
	plan.Clear = e.clearSet()
	plan.OK = true
	return plan
}

// clearSet returns the restriction settings the policy allows clearing.
func (e *Engine) clearSet() network.ClearSet {
	return network.ClearSet{
		InviteOnly: e.policy.ClearModesOnFix,
		Limit:      e.policy.ClearModesOnFix,
		Key:        e.policy.ClearModesOnFix,
		Moderated:  e.policy.ClearModeratedOnFix,
		Bans:       e.policy.ClearBansOnFix,
	}
}
