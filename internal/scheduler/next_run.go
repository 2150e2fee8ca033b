package scheduler

import "time"

// computeNextRun recomputes sched.NextRunAt (returned as nextRunAt) and reports done=true
// when the schedule has exhausted itself (ONCE that's already past, or INTERVAL/DAILY/HOURLY
// that hit max_runs) and should be disabled rather than rescheduled.
func computeNextRun(sched Schedule, now time.Time) (nextRunAt *time.Time, done bool, err error) {
	if sched.MaxRuns > 0 && sched.RunCount >= sched.MaxRuns {
		return nil, true, nil
	}

	switch sched.Type {
	case TypeOnce:
		if sched.RunAt == nil || !sched.RunAt.After(now) {
			return nil, true, nil
		}
		t := *sched.RunAt
		return &t, false, nil

	case TypeInterval:
		if sched.IntervalSeconds <= 0 {
			return nil, true, nil
		}
		next := now.Add(time.Duration(sched.IntervalSeconds) * time.Second)
		return &next, false, nil

	case TypeDaily:
		next := nextDailyOccurrence(now, sched.Hour, sched.Minute, 0)
		return &next, false, nil

	case TypeHourly:
		next := nextHourlyOccurrence(now, sched.Minute)
		return &next, false, nil

	case TypeCron:
		next, cerr := nextCronRun(sched.CronExpr, now)
		if cerr != nil {
			return nil, false, cerr
		}
		return &next, false, nil

	case TypeWebhook, TypeEvent:
		// No scheduled time: these fire only via explicit manual trigger.
		return nil, false, nil

	default:
		return nil, true, nil
	}
}

// nextDailyOccurrence returns the next time at (hour, minute, second) strictly after now.
func nextDailyOccurrence(now time.Time, hour, minute, second int) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, second, 0, now.Location())
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// nextHourlyOccurrence returns the next time at :minute strictly after now.
func nextHourlyOccurrence(now time.Time, minute int) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), minute, 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = candidate.Add(time.Hour)
	}
	return candidate
}
