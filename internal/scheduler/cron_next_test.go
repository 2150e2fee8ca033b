package scheduler

import (
	"testing"
	"time"
)

func TestNextCronRunEveryFiveMinutes(t *testing.T) {
	after := time.Date(2026, 3, 5, 10, 2, 0, 0, time.UTC)
	next, err := nextCronRun("*/5 * * * *", after)
	if err != nil {
		t.Fatalf("nextCronRun: %v", err)
	}
	want := time.Date(2026, 3, 5, 10, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %s, got %s", want, next)
	}
}

func TestNextCronRunDailyShortcut(t *testing.T) {
	after := time.Date(2026, 3, 5, 10, 2, 0, 0, time.UTC)
	next, err := nextCronRun("@daily", after)
	if err != nil {
		t.Fatalf("nextCronRun: %v", err)
	}
	want := time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %s, got %s", want, next)
	}
}

func TestNextCronRunWeekdayList(t *testing.T) {
	// Every Mon/Wed/Fri at 09:00.
	after := time.Date(2026, 3, 5, 9, 1, 0, 0, time.UTC) // Thursday
	next, err := nextCronRun("0 9 * * 1,3,5", after)
	if err != nil {
		t.Fatalf("nextCronRun: %v", err)
	}
	if next.Weekday() != time.Friday || next.Hour() != 9 || next.Minute() != 0 {
		t.Fatalf("expected next Friday 09:00, got %s (%s)", next, next.Weekday())
	}
}
