package clock

import "testing"

func TestLocalFrame(t *testing.T) {
	cases := []struct {
		name   string
		now    uint64
		offset int32
		want   uint64
	}{
		{"utc", 1000, 0, 1000},
		{"west positive offset subtracts", 10000, 60, 10000 - 3600},
		{"east negative offset adds", 10000, -60, 10000 + 3600},
		{"early boot clamps to now", 100, 600, 100},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := LocalFrame(c.now, c.offset); got != c.want {
				t.Errorf("LocalFrame(%d, %d) = %d, want %d", c.now, c.offset, got, c.want)
			}
		})
	}
}

func TestFakeClock(t *testing.T) {
	fc := NewFakeClock(100)
	fc.SetOffset(60)
	// offset 60 min west means local = now - 3600; since now=100 that's
	// negative, so the early-boot clamp keeps it at 100.
	if got := fc.LocalNow(); got != 100 {
		t.Errorf("expected early-boot clamp, got %d", got)
	}
	fc.Advance(10000)
	if fc.Now() != 10100 {
		t.Errorf("Advance did not update Now: got %d", fc.Now())
	}
	if got, want := fc.LocalNow(), uint64(10100-3600); got != want {
		t.Errorf("LocalNow = %d, want %d", got, want)
	}
}
