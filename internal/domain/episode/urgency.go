package episode

import "time"

type Urgency string

const (
	UrgencyOverdue Urgency = "overdue"
	UrgencyUrgent  Urgency = "urgent"
	UrgencyNormal  Urgency = "normal"
)

// UrgentWindowDays is the number of days before the deadline during which an
// episode is flagged urgent.
const UrgentWindowDays = 7

// civilDate drops the clock and zone, keeping the calendar date as seen in t's
// own location.
func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DeadlineFor returns start + DeadlineDays.
func DeadlineFor(start time.Time) time.Time {
	return civilDate(start).AddDate(0, 0, DeadlineDays)
}

// DaysLeft is the whole-day difference deadline - today.
func DaysLeft(deadline, today time.Time) int {
	return int(civilDate(deadline).Sub(civilDate(today)).Hours() / 24)
}

func Classify(daysLeft int) Urgency {
	switch {
	case daysLeft < 0:
		return UrgencyOverdue
	case daysLeft <= UrgentWindowDays:
		return UrgencyUrgent
	default:
		return UrgencyNormal
	}
}

// ComputeUrgency returns the days left and classification for an active
// episode. Finalized episodes are never classified.
func ComputeUrgency(e *Episode, today time.Time) (int, Urgency, bool) {
	if e.IsFinalized() {
		return 0, "", false
	}
	days := DaysLeft(e.Deadline, today)
	return days, Classify(days), true
}

func (u Urgency) alerting() bool {
	return u == UrgencyOverdue || u == UrgencyUrgent
}
