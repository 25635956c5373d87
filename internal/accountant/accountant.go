// Package accountant implements the per-packet hot path: selecting the
// target accumulator(s) for a packet, quantizing and applying a tick, and
// evaluating the configured threshold comparison.
package accountant

import (
	"github.com/gargoyle-router/timemond/internal/clock"
	"github.com/gargoyle-router/timemond/internal/coordinator"
	"github.com/gargoyle-router/timemond/internal/corrector"
	"github.com/gargoyle-router/timemond/internal/identity"
)

// Packet is the minimal view of a packet the engine needs: its IPv4 source
// and destination. Parsing beyond this is out of scope (spec §1).
type Packet struct {
	Src uint32
	Dst uint32
}

// Swap exchanges Src and Dst, used by CheckSwap rules.
func (p Packet) Swap() Packet { return Packet{Src: p.Dst, Dst: p.Src} }

// Accountant is the engine's hot path. It holds references to the shared
// store, clock and corrector; its only own state is the last wall-clock
// reading it probed the corrector at.
type Accountant struct {
	Store       *identity.Store
	Clock       clock.Clock
	Coordinator *coordinator.Coordinator
	Corrector   *corrector.Corrector

	lastObservedNow uint64
}

func New(store *identity.Store, clk clock.Clock, coord *coordinator.Coordinator, corr *corrector.Corrector) *Accountant {
	return &Accountant{Store: store, Clock: clk, Coordinator: coord, Corrector: corr}
}

// Match implements spec §4.4's on_match contract. rule is the handle
// returned at install time (identity.Store.InstallRule /
// InstallCheckRule); its Target is already resolved, so the hot path never
// touches the name-keyed store.
func (a *Accountant) Match(pkt Packet, rule *identity.Rule) bool {
	target := rule.Target

	// Step 1: a SET in progress on this identity makes it unobservable.
	if a.Coordinator.IsSetInProgress(target.ID) {
		return false
	}

	// Step 2: refresh now and run the corrector's cheap probes whenever the
	// wall clock has ticked since we last looked.
	now := a.Clock.Now()
	if now != a.lastObservedNow {
		a.Corrector.Probe(now, a.Clock.TZOffsetMinutes())
		a.lastObservedNow = now
	}
	nowLocal := a.Clock.LocalNow()

	a.Coordinator.LockHot()
	defer a.Coordinator.UnlockHot()

	effectivePkt := pkt
	effectiveCheckKind := rule.CheckKind
	if rule.CheckKind == identity.CheckSwap {
		effectivePkt = pkt.Swap()
	}

	if target.NextReset <= nowLocal {
		resetEpoch(target, nowLocal)
	}

	keys := selectKeys(target.Mode, effectivePkt, target.LocalSubnet, target.LocalSubnetMask)

	// Quantization gate (spec §4.4 step 9): a tick is due once a full
	// QUANTUM has elapsed since the last one. Written as last+QUANTUM<=now
	// rather than last<now-QUANTUM so it can't underflow while now is
	// still smaller than QUANTUM, early in an identity's life.
	applyTick := target.LastRecordTime+identity.Quantum <= nowLocal
	readOnly := effectiveCheckKind == identity.Check || effectiveCheckKind == identity.CheckSwap

	// Check/CheckSwap rules are read-only: they never create entries, so a
	// key they select that the identity has not seen reads as zero.
	created := make(map[uint32]bool, len(keys)+1)
	if !readOnly {
		for _, k := range keys {
			created[k] = target.EnsureIP(k)
		}
	}
	// Shadow the combined aggregate for non-Combined Monitor identities —
	// spec §4.4 step 8 and §9's "no documented consumer, retained for
	// round-trip fidelity" note.
	if !readOnly && target.Mode != identity.Combined && target.CheckKind == identity.Monitor {
		created[identity.CombinedKey] = target.EnsureIP(identity.CombinedKey)
		keys = append(keys, identity.CombinedKey)
	}

	if applyTick && !readOnly {
		for _, k := range keys {
			// A key created this call (other than CombinedKey) already
			// holds QUANTUM from EnsureIP's creation seed; ticking it
			// again here would double-count the window it was just
			// created in.
			if created[k] && k != identity.CombinedKey {
				continue
			}
			tickKey(target, k)
		}
		target.Current = identity.AddUpTo(target.Current, identity.Quantum)
		target.LastRecordTime = nowLocal
	}

	return evaluateVerdict(target, effectiveCheckKind, keys)
}

func tickKey(st *identity.IdentityState, key uint32) {
	st.IPAccumulators[key] = identity.AddUpTo(st.IPAccumulators[key], identity.Quantum)
	if h, ok := st.IPHistories[key]; ok {
		h.AddCurrent(identity.Quantum)
	}
}

// selectKeys implements spec §4.4 step 7. For IndividualLocal/Remote, the
// packet's two addresses are classified against the identity's configured
// subnet; whichever address matches the subnet is "local", the other
// "remote", and the mode picks which one keys the accumulator.
func selectKeys(mode identity.Mode, pkt Packet, subnet, mask uint32) []uint32 {
	switch mode {
	case identity.Combined:
		return []uint32{identity.CombinedKey}
	case identity.IndividualSrc:
		return []uint32{pkt.Src}
	case identity.IndividualDst:
		return []uint32{pkt.Dst}
	case identity.IndividualLocal, identity.IndividualRemote:
		local, remote := pkt.Src, pkt.Dst
		if pkt.Dst&mask == subnet&mask {
			local, remote = pkt.Dst, pkt.Src
		}
		if mode == identity.IndividualLocal {
			return []uint32{local}
		}
		return []uint32{remote}
	}
	return []uint32{identity.CombinedKey}
}

func evaluateVerdict(st *identity.IdentityState, checkKind identity.CheckKind, keys []uint32) bool {
	switch checkKind {
	case identity.Monitor:
		return true
	case identity.CompareGt, identity.Check, identity.CheckSwap:
		if st.Current > st.Cutoff {
			return true
		}
		for _, k := range keys {
			if st.IPAccumulators[k] > st.Cutoff {
				return true
			}
		}
		return false
	case identity.CompareLt:
		if st.Current < st.Cutoff {
			return true
		}
		for _, k := range keys {
			if st.IPAccumulators[k] < st.Cutoff {
				return true
			}
		}
		return false
	}
	return false
}

// resetEpoch implements spec §4.5.
func resetEpoch(st *identity.IdentityState, now uint64) {
	next := st.Calculator.Next(st.PreviousReset, st.PreviousReset)
	if next <= now {
		next = st.Calculator.Next(now, st.PreviousReset)
	}

	var staged []uint32
	for ip, hist := range st.IPHistories {
		closedValue := hist.Current()
		live := hist.Rotate(st.PreviousReset, next, st.Calculator)
		st.IPAccumulators[ip] = hist.Current()
		if !live && hist.ClosedSlotWasZero(closedValue) {
			staged = append(staged, ip)
		}
	}
	for ip := range st.IPAccumulators {
		if _, hasHist := st.IPHistories[ip]; !hasHist {
			st.IPAccumulators[ip] = 0
		}
	}
	for _, ip := range staged {
		delete(st.IPAccumulators, ip)
		delete(st.IPHistories, ip)
	}

	st.Current = 0
	st.LastRecordTime = 0
	st.PreviousReset = st.NextReset
	st.NextReset = next
}
