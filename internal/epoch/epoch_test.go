package epoch

import "testing"

func TestNextCalendarDay(t *testing.T) {
	c := NewCalculator(Policy{Calendar: &CalendarPolicy{Unit: Day}})
	// t=86300 is 100s before the first UTC midnight after epoch (86400).
	if got, want := c.Next(86300, 0), uint64(86400); got != want {
		t.Errorf("Next(86300) = %d, want %d", got, want)
	}
	// Exactly on a boundary: the boundary itself counts as past.
	if got, want := c.Next(86400, 0), uint64(172800); got != want {
		t.Errorf("Next(86400) = %d, want %d", got, want)
	}
}

func TestNextCalendarWeek(t *testing.T) {
	c := NewCalculator(Policy{Calendar: &CalendarPolicy{Unit: Week}})
	// 1970-01-01 (day 0) is a Thursday; the first Sunday is day 3 = 259200.
	if got, want := c.Next(0, 0), uint64(3*secondsDay); got != want {
		t.Errorf("Next(0) = %d, want %d", got, want)
	}
}

func TestNextCalendarMonth(t *testing.T) {
	c := NewCalculator(Policy{Calendar: &CalendarPolicy{Unit: Month}})
	// Jan 15 1970 (day 14) should roll to Feb 1 1970 (day 31).
	now := uint64(14 * secondsDay)
	if got, want := c.Next(now, 0), uint64(31*secondsDay); got != want {
		t.Errorf("Next(day 14) = %d, want day 31 (%d)", got, want)
	}
}

func TestNextCalendarNever(t *testing.T) {
	c := NewCalculator(Policy{Calendar: &CalendarPolicy{Unit: Never}})
	if got := c.Next(1000, 0); got != uint64(maxLocalTime) {
		t.Errorf("Next(Never) = %d, want max", got)
	}
}

func TestNextFixedZeroAnchor(t *testing.T) {
	c := NewCalculator(Policy{Fixed: &FixedPolicy{PeriodSeconds: 60}})
	// anchor==0, no previous: next = now+period.
	if got, want := c.Next(10, 0), uint64(70); got != want {
		t.Errorf("Next = %d, want %d", got, want)
	}
	// anchor==0 but previous known: steps forward from previous.
	if got, want := c.Next(125, 60), uint64(180); got != want {
		t.Errorf("Next = %d, want %d", got, want)
	}
}

func TestNextFixedAnchored(t *testing.T) {
	// Scenario 2 from spec: period=60, anchor=0, cutoff irrelevant here.
	c := NewCalculator(Policy{Fixed: &FixedPolicy{PeriodSeconds: 60, AnchorSeconds: 0}})
	if got, want := c.Next(0, 0), uint64(60); got != want {
		t.Errorf("Next(0) = %d, want %d", got, want)
	}
	// Nonzero anchor: next = anchor + k*period for the smallest k (negative
	// when the anchor lies ahead of now) that lands strictly after now.
	past := NewCalculator(Policy{Fixed: &FixedPolicy{PeriodSeconds: 60, AnchorSeconds: 30}})
	if got, want := past.Next(100, 0), uint64(150); got != want {
		t.Errorf("anchor 30: Next(100) = %d, want %d", got, want)
	}
	future := NewCalculator(Policy{Fixed: &FixedPolicy{PeriodSeconds: 60, AnchorSeconds: 1000}})
	if got, want := future.Next(100, 0), uint64(160); got != want {
		t.Errorf("anchor 1000: Next(100) = %d, want %d", got, want)
	}
}

func TestPreviousFixed(t *testing.T) {
	c := NewCalculator(Policy{Fixed: &FixedPolicy{PeriodSeconds: 60}})
	if got, want := c.Previous(180), uint64(120); got != want {
		t.Errorf("Previous(180) = %d, want %d", got, want)
	}
}

func TestPreviousCalendarDay(t *testing.T) {
	c := NewCalculator(Policy{Calendar: &CalendarPolicy{Unit: Day}})
	if got, want := c.Previous(172800), uint64(86400); got != want {
		t.Errorf("Previous(172800) = %d, want %d", got, want)
	}
}
