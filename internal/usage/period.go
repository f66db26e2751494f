package usage

import "time"

// Period is a billing window, [Start, End).
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// PeriodAt returns the billing period containing now. Periods start at
// midnight UTC on the anchor's day of month, clamped to the month's length
// (an anchor on the 31st starts February's period on the 28th or 29th). A
// zero anchor means calendar months.
func PeriodAt(anchor, now time.Time) Period {
	now = now.UTC()
	day := 1
	if !anchor.IsZero() {
		day = anchor.UTC().Day()
	}

	start := periodStart(now.Year(), now.Month(), day)
	if start.After(now) {
		start = periodStart(now.Year(), now.Month()-1, day)
	}
	return Period{
		Start: start,
		End:   periodStart(start.Year(), start.Month()+1, day),
	}
}

// periodStart returns midnight UTC on day of the given month, clamped.
// month may be out of range; time.Date normalizes it.
func periodStart(year int, month time.Month, day int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	return first.AddDate(0, 0, min(day, last)-1)
}
