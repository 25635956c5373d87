// Package identity holds the per-identity accounting data model: IdentityState
// (one accounting identity's configuration, accumulators and histories) and
// IdentityStore (the name-keyed, reference-counted collection of them).
package identity

import (
	"hash/fnv"

	"github.com/gargoyle-router/timemond/internal/epoch"
	"github.com/gargoyle-router/timemond/internal/history"
)

// TimeMax is the saturation ceiling for every accumulator: 2^63+(2^63-1),
// which is the full uint64 range (the high bit included).
const TimeMax uint64 = (uint64(1) << 63) + (uint64(1)<<63 - 1)

// Quantum is the coalescing window, in seconds, for accounting ticks.
const Quantum uint64 = 5

// Mode selects which IP(s) a packet's observation is attributed to.
type Mode uint8

const (
	Combined Mode = iota
	IndividualSrc
	IndividualDst
	IndividualLocal
	IndividualRemote
)

// CheckKind selects the comparison semantics for a rule referencing this
// identity (or, for Check/CheckSwap, a read-only probe of another one).
type CheckKind uint8

const (
	Monitor CheckKind = iota
	CompareGt
	CompareLt
	Check
	CheckSwap
)

// CombinedKey is the reserved IP-accumulator key for the identity-wide
// aggregate.
const CombinedKey uint32 = 0

// IPHistory pairs a per-IP accumulator with its ring of past epochs.
type IPHistory = history.History

// IdentityState is one accounting identity: its configuration, combined
// accumulator, per-IP accumulators, and (optionally) per-IP histories.
type IdentityState struct {
	ID  string
	Mode
	CheckKind

	LocalSubnet     uint32
	LocalSubnetMask uint32

	Calculator epoch.Calculator
	HasHistory bool
	HistCap    int

	Cutoff  uint64
	Current uint64

	NextReset       uint64
	PreviousReset   uint64
	LastRecordTime  uint64
	LastBackupTime  uint64

	// IPAccumulators maps an IPv4 address (CombinedKey reserved for the
	// identity-wide aggregate) to its accumulated seconds.
	IPAccumulators map[uint32]uint64
	// IPHistories is non-nil iff the identity keeps per-IP ring histories.
	IPHistories map[uint32]*history.History

	// RefCount tracks how many installed rules reference this identity
	// (a Monitor/Compare rule plus any number of Check/CheckSwap rules).
	RefCount int
}

// NewIdentityState constructs an identity in its initial (pre-first-packet)
// state. next/previousReset must already have been computed by the caller
// using Calculator against the registration-time clock reading.
func NewIdentityState(id string, mode Mode, checkKind CheckKind, calc epoch.Calculator, histCap int, cutoff, nextReset, previousReset uint64) *IdentityState {
	st := &IdentityState{
		ID:             id,
		Mode:           mode,
		CheckKind:      checkKind,
		Calculator:     calc,
		HasHistory:     histCap > 0,
		HistCap:        histCap,
		Cutoff:         cutoff,
		NextReset:      nextReset,
		PreviousReset:  previousReset,
		IPAccumulators: make(map[uint32]uint64),
	}
	if st.HasHistory {
		st.IPHistories = make(map[uint32]*history.History)
	}
	return st
}

// AddUpTo saturates addition at TimeMax, per spec §4.4's add_up_to.
func AddUpTo(v, d uint64) uint64 {
	if TimeMax-v > d {
		return v + d
	}
	return TimeMax
}

// EnsureIP returns the accumulator entry for ip, creating it (and, if the
// identity keeps histories, a fresh RingHistory) on first observation.
//
// A newly observed per-IP key is seeded straight to QUANTUM (spec §4.4 step
// 8; the original's initialize_map_entries_for_ip seeds a new map entry to
// TIMEMON_INTERVAL_DURATION at creation time), bypassing the shared
// LastRecordTime gate: the packet that caused the creation already proves
// this key was active for the whole window, regardless of whether the
// identity's other keys are due for a tick yet.
//
// CombinedKey is the one exception. It isn't an independent per-IP tracker;
// it mirrors IdentityState.Current exactly (directly for Combined mode, or
// as the Monitor-mode shadow entry), and Current only ever advances through
// the gated tick. Seeding it ahead of Current here would permanently offset
// the two, so its first observation starts at zero like Current does and
// catches up through the same gate as everything else.
func (s *IdentityState) EnsureIP(ip uint32) (created bool) {
	if _, ok := s.IPAccumulators[ip]; ok {
		return false
	}
	seed := Quantum
	if ip == CombinedKey {
		seed = 0
	}
	s.IPAccumulators[ip] = seed
	if s.HasHistory {
		s.IPHistories[ip] = history.New(s.HistCap, seed, s.PreviousReset, s.NextReset)
	}
	return true
}

// Rule is the per-firewall-rule handle produced at install time — spec
// §6's rule-attachment record, populated with its back-pointer once the
// engine resolves the identity it refers to. A Monitor/Compare rule owns
// its IdentityState outright; a Check/CheckSwap rule carries only its own
// CheckKind and a pointer to another rule's shared, reference-counted
// IdentityState, resolved once at install time rather than by name on
// every packet.
type Rule struct {
	CheckKind CheckKind
	Target    *IdentityState
}

// HashID returns a stable hash of id usable as a hash-only store lookup key.
func HashID(id string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return h.Sum64()
}
