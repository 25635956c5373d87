// Package epoch computes next/previous reset instants for an accounting
// identity under either a calendar-aligned or a fixed-interval reset policy.
//
// The calendar arithmetic (day tables, month walking, week-anchor-on-Thursday)
// is reproduced from the original ipt_timemon kernel module's
// get_next_reset_time / get_nominal_previous_reset_time, which in turn
// borrowed the day tables from netfilter's xt_time. All times accepted and
// returned here are in the identity's local frame (see package clock).
package epoch

const (
	secondsMinute = 60
	secondsHour   = 60 * 60
	secondsDay    = 60 * 60 * 24
	secondsWeek   = secondsDay * 7
)

// Unit identifies a calendar reset granularity.
type Unit uint8

const (
	Minute Unit = iota
	Hour
	Day
	Week
	Month
	Never
)

// CalendarPolicy resets on a calendar boundary (e.g. midnight, start of
// month), optionally shifted forward by OffsetSeconds.
type CalendarPolicy struct {
	Unit          Unit
	OffsetSeconds uint32
}

// FixedPolicy resets every PeriodSeconds, anchored at AnchorSeconds.
type FixedPolicy struct {
	PeriodSeconds uint64
	AnchorSeconds uint64
}

// Policy is a tagged union: exactly one of Calendar or Fixed is non-nil.
// Using two nilable fields rather than an interface keeps the zero value
// (neither set) detectable as a configuration error at registration time.
type Policy struct {
	Calendar *CalendarPolicy
	Fixed    *FixedPolicy
}

// daysSinceYear/daysSinceLeapyear give the day-of-year on which each month
// starts, for non-leap and leap years respectively.
var daysSinceYear = [12]uint16{0, 31, 59, 90, 120, 151, 181, 212, 243, 273, 304, 334}
var daysSinceLeapyear = [12]uint16{0, 31, 60, 91, 121, 152, 182, 213, 244, 274, 305, 335}

// dseFirst is the last year covered by daysSinceEpochForYearStart (its first
// entry). The table runs backwards from 2039 to 1970 so that walking forward
// in time (the common case) terminates quickly.
const dseFirst = 2039

// daysSinceEpochForYearStart[i] is the number of days between the Unix epoch
// and the start of year (dseFirst - i). Reproduced verbatim from the
// original module's days_since_epoch_for_each_year_start table.
var daysSinceEpochForYearStart = [70]uint32{
	// 2039 - 2030
	25202, 24837, 24472, 24106, 23741, 23376, 23011, 22645, 22280, 21915,
	// 2029 - 2020
	21550, 21184, 20819, 20454, 20089, 19723, 19358, 18993, 18628, 18262,
	// 2019 - 2010
	17897, 17532, 17167, 16801, 16436, 16071, 15706, 15340, 14975, 14610,
	// 2009 - 2000
	14245, 13879, 13514, 13149, 12784, 12418, 12053, 11688, 11323, 10957,
	// 1999 - 1990
	10592, 10227, 9862, 9496, 9131, 8766, 8401, 8035, 7670, 7305,
	// 1989 - 1980
	6940, 6574, 6209, 5844, 5479, 5113, 4748, 4383, 4018, 3652,
	// 1979 - 1970
	3287, 2922, 2557, 2191, 1826, 1461, 1096, 730, 365, 0,
}

func isLeap(y int) bool {
	return y%4 == 0 && (y%100 != 0 || y%400 == 0)
}

// Calculator computes reset boundaries for one Policy. It is pure and
// holds no mutable state; an IdentityState can share one for all of its
// lookups.
type Calculator struct {
	Policy Policy
}

func NewCalculator(p Policy) Calculator {
	return Calculator{Policy: p}
}

// Next returns the next reset instant strictly after now. previousReset is
// consulted only by the fixed-interval, zero-anchor case (see §4.2).
func (c Calculator) Next(now, previousReset uint64) uint64 {
	if c.Policy.Calendar != nil {
		return uint64(c.nextCalendar(int64(now)))
	}
	return c.nextFixed(now, previousReset)
}

// nextCalendar takes and returns signed seconds so that the backward
// bisection in Previous can probe instants before the Unix epoch without
// wrapping, exactly as the original module's time_t arithmetic does.
func (c Calculator) nextCalendar(now int64) int64 {
	p := c.Policy.Calendar
	n := now
	offset := int64(p.OffsetSeconds)

	switch p.Unit {
	case Minute:
		return shiftedBoundary(n, secondsMinute, offset)
	case Hour:
		return shiftedBoundary(n, secondsHour, offset)
	case Day:
		return shiftedBoundary(n, secondsDay, offset)
	case Week:
		daysSinceEpoch := n / secondsDay
		// Day 0 (1970-01-01) was a Thursday; Sunday is 3 days later, so the
		// current weekday measured from Sunday=0 is (4+days) % 7.
		currentWeekday := (4 + daysSinceEpoch) % 7
		nextSunday := (daysSinceEpoch + (7 - currentWeekday)) * secondsDay
		altReset := nextSunday + offset - secondsWeek
		if altReset > n {
			return altReset
		}
		return nextSunday + offset
	case Month:
		return c.nextMonth(n, offset)
	case Never:
		return maxLocalTime
	}
	return maxLocalTime
}

// maxLocalTime stands in for "never" (TIMEMON_NEVER sets next_reset to
// time_t max in the original module); kept as int64 max since all calendar
// arithmetic here is signed.
const maxLocalTime = int64(^uint64(0) >> 1)

// shiftedBoundary implements the Minute/Hour/Day pattern: the next multiple
// of unitSeconds at or after now+1; with a positive offset, the boundary one
// unit earlier plus offset if that is still after now, else that multiple
// plus offset.
func shiftedBoundary(now, unitSeconds, offset int64) int64 {
	next := (now/unitSeconds + 1) * unitSeconds
	if offset <= 0 {
		return next
	}
	alt := next + offset - unitSeconds
	if alt > now {
		return alt
	}
	return next + offset
}

func (c Calculator) nextMonth(now, offset int64) int64 {
	daysSinceEpoch := now / secondsDay
	yearIndex := 0
	year := dseFirst
	for int64(daysSinceEpochForYearStart[yearIndex]) > daysSinceEpoch {
		yearIndex++
		year--
	}
	yearDay := daysSinceEpoch - int64(daysSinceEpochForYearStart[yearIndex])

	var monthStartDays *[12]uint16
	if isLeap(year) {
		monthStartDays = &daysSinceLeapyear
	} else {
		monthStartDays = &daysSinceYear
	}

	month := 11
	for month > 0 && int64(monthStartDays[month]) > yearDay {
		month--
	}

	altReset := (int64(daysSinceEpochForYearStart[yearIndex]) + int64(monthStartDays[month])) * secondsDay + offset
	if altReset > now {
		return altReset
	}
	if month == 11 {
		return int64(daysSinceEpochForYearStart[yearIndex-1])*secondsDay + offset
	}
	return (int64(daysSinceEpochForYearStart[yearIndex]) + int64(monthStartDays[month+1]))*secondsDay + offset
}

func (c Calculator) nextFixed(now, previousReset uint64) uint64 {
	p := c.Policy.Fixed
	if p.PeriodSeconds == 0 {
		return ^uint64(0)
	}
	var base uint64
	switch {
	case p.AnchorSeconds != 0:
		base = p.AnchorSeconds
	case previousReset != 0:
		base = previousReset
	default:
		return now + p.PeriodSeconds
	}
	// Smallest k with base + k*period > now, computed without iterating one
	// period at a time (anchors can be far in the past or future).
	period := p.PeriodSeconds
	if base > now {
		diff := base - now
		m := (diff+period-1)/period - 1 // largest m with base-m*period > now
		return base - m*period
	}
	k := (now-base)/period + 1
	return base + k*period
}

// Previous derives the reset instant immediately before next: for a fixed
// policy this is simply next-period; for a calendar policy it steps
// backward from next in half-period steps, taking Next of each earlier
// instant, and returns the first such result that lies before next, per the
// original module's get_nominal_previous_reset_time.
func (c Calculator) Previous(next uint64) uint64 {
	if c.Policy.Fixed != nil {
		return next - c.Policy.Fixed.PeriodSeconds
	}

	nextSigned := int64(next)
	previous := nextSigned
	probe := c.nextCalendar(nextSigned)
	halfInterval := (probe - nextSigned) / 2
	if halfInterval == 0 {
		halfInterval = 1
	}
	halfCount := int64(1)
	tmp := c.nextCalendar(nextSigned - halfCount*halfInterval)
	for previous >= nextSigned {
		previous = tmp
		halfCount++
		tmp = c.nextCalendar(nextSigned - halfCount*halfInterval)
	}
	return uint64(previous)
}
