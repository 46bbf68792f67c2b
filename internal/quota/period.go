package quota

import "time"

// StartOfTodayUTC returns midnight UTC of now's calendar day.
func StartOfTodayUTC(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// StartOfMonthUTC returns midnight UTC of the first day of now's month.
func StartOfMonthUTC(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// RollingWindowStart returns now - hours, the start of a rolling window.
func RollingWindowStart(now time.Time, hours int) time.Time {
	return now.UTC().Add(-time.Duration(hours) * time.Hour)
}

// periodStart and resetsAt for a rule, evaluated at `now`.
func periodBounds(rule ruleKey, now time.Time) (start time.Time, resetsAt *time.Time) {
	switch rule.periodType {
	case "daily":
		start = StartOfTodayUTC(now)
		r := start.AddDate(0, 0, 1)
		return start, &r
	case "monthly":
		start = StartOfMonthUTC(now)
		r := start.AddDate(0, 1, 0)
		return start, &r
	case "rolling":
		return RollingWindowStart(now, rule.periodHours), nil
	default:
		return now, nil
	}
}
