package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts the standard five-field form (minute hour dom month dow) plus the
// @yearly/@monthly/@weekly/@daily/@hourly shortcuts, matching the spec's required grammar.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// nextCronRun finds the next instant matching expr strictly after after, by type-asserting
// to the parser's concrete *cron.SpecSchedule and testing its bitfields minute by minute —
// the spec calls for this literal stepping algorithm rather than relying on
// cron.Schedule.Next's own (equivalent, but opaque) implementation. Bounded to ~4 years to
// safely bound leap-year edge cases without looping forever on an unsatisfiable expression.
func nextCronRun(expr string, after time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expr %q: %w", expr, err)
	}
	spec, ok := schedule.(*cron.SpecSchedule)
	if !ok {
		// @every style descriptors return a ConstantDelaySchedule; defer to its own Next.
		return schedule.Next(after), nil
	}

	candidate := after.Add(time.Minute).Truncate(time.Minute)
	limit := after.AddDate(4, 0, 0)

	for !candidate.After(limit) {
		if matchesSpec(spec, candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no match for cron expr %q within 4 years of %s", expr, after)
}

func matchesSpec(spec *cron.SpecSchedule, t time.Time) bool {
	const starBit = 1 << 63 // robfig/cron's marker for a "*" or "?" field
	if spec.Minute&(1<<uint(t.Minute())) == 0 ||
		spec.Hour&(1<<uint(t.Hour())) == 0 ||
		spec.Month&(1<<uint(t.Month())) == 0 {
		return false
	}
	domMatch := spec.Dom&(1<<uint(t.Day())) != 0
	dowMatch := spec.Dow&(1<<uint(t.Weekday())) != 0
	// As in cron.SpecSchedule.Next: when both day fields are restricted, either may match.
	if spec.Dom&starBit != 0 || spec.Dow&starBit != 0 {
		return domMatch && dowMatch
	}
	return domMatch || dowMatch
}
