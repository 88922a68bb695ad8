package pipeline

import "time"

// activeWindow bounds scraped-site traffic to local business hours so the
// pipeline looks like a person at a desk, not a nightly batch.
type activeWindow struct {
	startHour    int
	endHour      int
	skipWeekends bool
}

// open reports whether t falls inside the window.
func (w activeWindow) open(t time.Time) bool {
	if w.startHour == 0 && w.endHour == 0 {
		return true
	}
	if w.skipWeekends {
		switch t.Weekday() {
		case time.Saturday, time.Sunday:
			return false
		}
	}
	h := t.Hour()
	return h >= w.startHour && h < w.endHour
}

// nextOpen returns the earliest instant at or after t when the window is
// open.
func (w activeWindow) nextOpen(t time.Time) time.Time {
	if w.open(t) {
		return t
	}

	next := t
	if next.Hour() >= w.endHour {
		next = next.AddDate(0, 0, 1)
	}
	next = time.Date(next.Year(), next.Month(), next.Day(), w.startHour, 0, 0, 0, next.Location())

	if w.skipWeekends {
		for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
			next = next.AddDate(0, 0, 1)
		}
	}
	return next
}
