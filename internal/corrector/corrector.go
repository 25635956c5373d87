// Package corrector repairs accounting state after the host clock jumps
// backward or the host's timezone offset changes — the userland analogue of
// ipt_timemon.c's jiffies-wrap and tz-shift handling.
package corrector

import (
	"github.com/gargoyle-router/timemond/internal/clock"
	"github.com/gargoyle-router/timemond/internal/coordinator"
	"github.com/gargoyle-router/timemond/internal/history"
	"github.com/gargoyle-router/timemond/internal/identity"
)

// Corrector tracks the two cheap signals the hot path probes on every
// distinct value of now: a monotone high-water mark for backward-jump
// detection, and the last-seen timezone offset for shift detection.
type Corrector struct {
	Store       *identity.Store
	Coordinator *coordinator.Coordinator

	lastSeenWallTime uint64
	lastTZOffset     int32
	tzInitialized    bool
}

func New(store *identity.Store, coord *coordinator.Coordinator) *Corrector {
	return &Corrector{Store: store, Coordinator: coord}
}

// Probe runs the two cheap checks; it takes the admin lock itself only when
// a correction is actually needed; otherwise it is a pair of integer
// comparisons. Called by the Accountant once per distinct wall-clock second.
func (c *Corrector) Probe(now uint64, tzOffsetMinutes int32) {
	backward := c.lastSeenWallTime != 0 && now < c.lastSeenWallTime
	if now > c.lastSeenWallTime {
		c.lastSeenWallTime = now
	}

	tzShifted := c.tzInitialized && tzOffsetMinutes != c.lastTZOffset
	oldTZ := c.lastTZOffset
	c.lastTZOffset = tzOffsetMinutes
	c.tzInitialized = true

	if !backward && !tzShifted {
		return
	}

	nowLocal := clock.LocalFrame(now, tzOffsetMinutes)

	c.Coordinator.LockAdmin()
	defer c.Coordinator.UnlockAdmin()
	c.Coordinator.LockHot()
	defer c.Coordinator.UnlockHot()

	if backward {
		for _, st := range c.allIdentities() {
			repairBackwardJump(st, nowLocal)
		}
	}
	if tzShifted {
		deltaMinutes := int64(oldTZ) - int64(tzOffsetMinutes)
		for _, st := range c.allIdentities() {
			repairTZShift(st, nowLocal, deltaMinutes*60)
		}
	}
}

func (c *Corrector) allIdentities() []*identity.IdentityState {
	names := c.Store.Names()
	out := make([]*identity.IdentityState, 0, len(names))
	for _, n := range names {
		if st, ok := c.Store.Lookup(n); ok {
			out = append(out, st)
		}
	}
	return out
}

// repairBackwardJump implements spec §4.6's backward-jump repair for one
// identity. Check-kind identities are read-only probes of another
// identity's state and are skipped — that identity is repaired in its own
// right under its own entry.
func repairBackwardJump(st *identity.IdentityState, nowLocal uint64) {
	if st.CheckKind == identity.Check {
		return
	}
	if st.Calculator.Policy.Calendar == nil && st.Calculator.Policy.Fixed == nil {
		return
	}

	if !st.HasHistory {
		if st.PreviousReset > nowLocal {
			st.PreviousReset = nowLocal
			st.NextReset = st.Calculator.Next(nowLocal, nowLocal)
			st.Current = 0
			return
		}
		candidate := st.Calculator.Next(nowLocal, st.PreviousReset)
		if candidate < st.NextReset {
			st.NextReset = candidate
		}
		return
	}

	zeroedThisPass := false
	for ip, hist := range st.IPHistories {
		if hist.Count() == 1 && st.PreviousReset > nowLocal {
			if !zeroedThisPass {
				for k := range st.IPAccumulators {
					st.IPAccumulators[k] = 0
				}
				zeroedThisPass = true
			}
			st.PreviousReset = nowLocal
			st.NextReset = st.Calculator.Next(nowLocal, nowLocal)
			hist.SetCurrent(0)
			continue
		}
		if hist.LastEnd > nowLocal {
			rebuilt := rebuildHistory(st, hist, nowLocal)
			st.IPHistories[ip] = rebuilt
			st.IPAccumulators[ip] = rebuilt.Current()
			st.LastRecordTime = nowLocal
			st.NextReset = st.Calculator.Next(nowLocal, st.PreviousReset)
			st.PreviousReset = st.Calculator.Previous(st.NextReset)
		}
	}
}

// rebuildHistory walks forward from the history's first recorded epoch,
// copying each slot whose end precedes nowLocal, stopping once it would
// walk past it — spec §4.6's "rebuild" path for a multi-slot history whose
// last_end now lies in the future because of a backward clock jump.
func rebuildHistory(st *identity.IdentityState, hist *history.History, nowLocal uint64) *history.History {
	start := hist.FirstStart
	if start == 0 {
		start = st.PreviousReset
	}

	old := hist.Ordered()
	var kept []uint64
	end := hist.FirstEnd
	for i, v := range old {
		if end > nowLocal {
			break
		}
		kept = append(kept, v)
		if i == len(old)-1 {
			break
		}
		end = st.Calculator.Next(end, end)
	}
	if len(kept) == 0 {
		kept = []uint64{0}
	}

	lastEnd := end
	if lastEnd > nowLocal || lastEnd == hist.FirstEnd {
		lastEnd = nowLocal
	}
	return history.Replace(hist.Capacity(), kept, start, hist.FirstEnd, lastEnd)
}

// repairTZShift implements spec §4.6's timezone-shift repair. deltaSeconds
// is (old_offset - new_offset) * 60, the signed amount local time shifted
// forward by.
func repairTZShift(st *identity.IdentityState, nowLocal uint64, deltaSeconds int64) {
	if st.CheckKind == identity.Check {
		return
	}
	shift := func(v uint64) uint64 { return addSigned(v, deltaSeconds) }

	if st.Calculator.Policy.Fixed != nil {
		for _, hist := range st.IPHistories {
			hist.FirstStart = shift(hist.FirstStart)
			hist.FirstEnd = shift(hist.FirstEnd)
			hist.LastEnd = shift(hist.LastEnd)
		}
		st.NextReset = st.Calculator.Next(nowLocal, st.PreviousReset)
		st.PreviousReset = st.Calculator.Previous(st.NextReset)
		st.PreviousReset = nowLocal
		return
	}

	st.NextReset = st.Calculator.Next(nowLocal, st.PreviousReset)
	derivedPrevious := st.Calculator.Previous(st.NextReset)

	for _, hist := range st.IPHistories {
		if hist.Count() <= 1 {
			newPrev := shift(st.PreviousReset)
			if newPrev > nowLocal {
				newPrev = nowLocal
			}
			hist.FirstStart = newPrev
			hist.FirstEnd = st.NextReset
			hist.LastEnd = st.NextReset
			continue
		}
		walkBackwardRecompute(st, hist)
	}

	st.PreviousReset = derivedPrevious
	// Final line in both repair paths: the observed behavior pins
	// previous_reset to now regardless of what calendar derivation above
	// produced.
	st.PreviousReset = nowLocal
}

// walkBackwardRecompute recomputes each slot's end from the new calendar,
// walking from the newest slot backward using Previous.
func walkBackwardRecompute(st *identity.IdentityState, hist *history.History) {
	end := st.NextReset
	ends := make([]uint64, hist.Count())
	for i := hist.Count() - 1; i >= 0; i-- {
		ends[i] = end
		end = st.Calculator.Previous(end)
	}
	hist.LastEnd = ends[len(ends)-1]
	hist.FirstEnd = ends[0]
	hist.FirstStart = end
}

func addSigned(v uint64, delta int64) uint64 {
	if delta >= 0 {
		return v + uint64(delta)
	}
	d := uint64(-delta)
	if d > v {
		return 0
	}
	return v - d
}
