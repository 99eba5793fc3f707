// ABOUTME: Jittered delay computation and per-campaign throttle settings
// ABOUTME: Failure delays always sit at or above a floor strictly over base

package broadcast

import (
	"math/rand/v2"
	"time"

	"github.com/mitbiz/wagate/internal/store"
)

// Failure backoff floors per campaign type, in milliseconds. A failed
// send slows the loop down more than a successful one.
const (
	failureFloorTextMs  = 1200
	failureFloorImageMs = 1500
)

// Group DM fan-out defaults. Fanning out to a whole group's membership
// is the most abuse-prone path, so it paces slower than a directory
// broadcast.
const (
	groupDMDelayTextMs   = 1500
	groupDMJitterTextMs  = 600
	groupDMDelayImageMs  = 1800
	groupDMJitterImageMs = 700
	groupDMFailureMs     = 2000
)

// Throttle controls inter-recipient pacing for one campaign. Zero
// fields fall back to configured defaults.
type Throttle struct {
	DelayMs        int
	JitterMs       int
	FailureFloorMs int
}

// GroupDMThrottle returns the default pacing for a DM-every-member
// fan-out of the given campaign type.
func GroupDMThrottle(campaignType string) Throttle {
	if campaignType == store.CampaignTypeImage {
		return Throttle{
			DelayMs:        groupDMDelayImageMs,
			JitterMs:       groupDMJitterImageMs,
			FailureFloorMs: groupDMFailureMs,
		}
	}
	return Throttle{
		DelayMs:        groupDMDelayTextMs,
		JitterMs:       groupDMJitterTextMs,
		FailureFloorMs: groupDMFailureMs,
	}
}

// withJitter returns baseMs plus a uniform offset in [-jitterMs,
// +jitterMs], floored at zero.
func withJitter(baseMs, jitterMs int) time.Duration {
	d := baseMs
	if jitterMs > 0 {
		d += rand.IntN(2*jitterMs+1) - jitterMs
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d) * time.Millisecond
}
