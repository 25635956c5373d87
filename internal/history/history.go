// Package history implements RingHistory, the fixed-capacity circular
// buffer of past-epoch accumulators that an accounting identity (or one of
// its per-IP sub-accumulators) keeps across resets.
//
// It's a fixed-capacity ring buffer of time-series samples, generalized
// here to epoch accumulators that also carry span metadata (the reset
// boundaries each slot covers) alongside their value.
package history

import "github.com/gargoyle-router/timemond/internal/epoch"

// History is a fixed-capacity ring of past-epoch accumulator values plus the
// span of time it covers. Slot cursor is the current (still accumulating)
// slot; slots are eviction-ordered so that cursor always points at the
// newest entry.
type History struct {
	capacity int
	count    int
	cursor   int
	data     []uint64

	// FirstStart/FirstEnd describe the oldest retained slot's epoch; LastEnd
	// is the end of the newest (current, still-open) slot's epoch, i.e. the
	// identity's next_reset when it was last set.
	FirstStart uint64
	FirstEnd   uint64
	LastEnd    uint64

	// nonZeroCount counts non-current slots holding a nonzero value; it is
	// the liveness signal Rotate uses to report whether an identity's
	// per-IP entry is now an all-zero candidate for deletion.
	nonZeroCount int
}

// New allocates a History with the given capacity (including the current
// slot) seeded with seed as the current slot's value and [start, end) as
// its covering span.
func New(capacity int, seed uint64, start, end uint64) *History {
	if capacity < 1 {
		capacity = 1
	}
	h := &History{
		capacity:   capacity,
		count:      1,
		cursor:     0,
		data:       make([]uint64, capacity),
		FirstStart: start,
		FirstEnd:   end,
		LastEnd:    end,
	}
	h.data[0] = seed
	return h
}

// Capacity returns the configured slot count.
func (h *History) Capacity() int { return h.capacity }

// Count returns the number of valid (populated) slots.
func (h *History) Count() int { return h.count }

// Current returns the value of the still-accumulating slot.
func (h *History) Current() uint64 { return h.data[h.cursor] }

// SetCurrent overwrites the still-accumulating slot's value.
func (h *History) SetCurrent(v uint64) { h.data[h.cursor] = v }

// AddCurrent adds delta to the current slot, returning the new value.
func (h *History) AddCurrent(delta uint64) uint64 {
	h.data[h.cursor] += delta
	return h.data[h.cursor]
}

// Ordered returns the retained slots oldest-to-newest, including the
// current slot last. Used by the control protocol's GET response, which
// emits history nodes in that order.
func (h *History) Ordered() []uint64 {
	if h.count == 0 {
		return nil
	}
	out := make([]uint64, h.count)
	if h.count < h.capacity {
		copy(out, h.data[:h.count])
		return out
	}
	oldest := (h.cursor + 1) % h.capacity
	n := copy(out, h.data[oldest:])
	copy(out[n:], h.data[:oldest])
	return out
}

// Rotate closes the current slot and opens a new, zeroed current slot whose
// epoch ends at intervalEnd, which becomes LastEnd; intervalStart is not
// used. When the ring is full the oldest slot is evicted and
// FirstStart/FirstEnd advance by one epoch of calc. It returns whether any non-current slot is
// now nonzero — the signal the caller (Accountant's reset path) uses to
// decide whether an all-zero identity/IP entry is a pruning candidate.
func (h *History) Rotate(intervalStart, intervalEnd uint64, calc epoch.Calculator) bool {
	closedValue := h.data[h.cursor]
	if closedValue != 0 {
		h.nonZeroCount++
	}

	h.cursor = (h.cursor + 1) % h.capacity
	if h.count == h.capacity {
		// Evicting the oldest slot: if it held a nonzero value, the
		// liveness counter must account for its departure.
		if h.data[h.cursor] != 0 {
			h.nonZeroCount--
		}
		h.FirstStart = h.FirstEnd
		h.FirstEnd = calc.Next(h.FirstStart, h.FirstStart)
	} else {
		h.count++
	}

	h.data[h.cursor] = 0
	h.LastEnd = intervalEnd
	_ = intervalStart
	return h.nonZeroCount > 0
}

// ClosedSlotWasZero reports whether the slot most recently closed by Rotate
// held a zero value — used alongside Rotate's return to decide pruning, per
// spec §3.2/§4.5 ("non_zero_count == 0 AND the newly closed slot was zero").
func (h *History) ClosedSlotWasZero(justClosedValue uint64) bool {
	return justClosedValue == 0
}

// Replace swaps in a rebuilt set of slots (used by the Corrector when
// repairing a history after a large backward clock jump or timezone
// shift). values are oldest-to-newest; the last value becomes the new
// current slot.
func Replace(capacity int, values []uint64, firstStart, firstEnd, lastEnd uint64) *History {
	h := &History{
		capacity:   capacity,
		data:       make([]uint64, capacity),
		FirstStart: firstStart,
		FirstEnd:   firstEnd,
		LastEnd:    lastEnd,
	}
	if len(values) == 0 {
		h.count = 1
		h.cursor = 0
		return h
	}
	n := len(values)
	if n > capacity {
		values = values[n-capacity:]
		n = capacity
	}
	copy(h.data, values)
	h.count = n
	h.cursor = n - 1
	for i := 0; i < n-1; i++ {
		if h.data[i] != 0 {
			h.nonZeroCount++
		}
	}
	return h
}
