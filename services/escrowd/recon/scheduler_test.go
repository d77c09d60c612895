package recon

import (
	"testing"
	"time"
)

func TestSchedulerNextRun(t *testing.T) {
	sched := NewScheduler(SchedulerConfig{RunHour: 3, RunMinute: 30, Logger: quietLogger()})

	before := time.Date(2026, time.March, 10, 1, 0, 0, 0, time.UTC)
	next := sched.nextRun(before)
	want := time.Date(2026, time.March, 10, 3, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	after := time.Date(2026, time.March, 10, 4, 0, 0, 0, time.UTC)
	next = sched.nextRun(after)
	want = time.Date(2026, time.March, 11, 3, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	// Exactly at the run instant rolls to tomorrow.
	exact := time.Date(2026, time.March, 10, 3, 30, 0, 0, time.UTC)
	next = sched.nextRun(exact)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestSchedulerHonoursLocation(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	sched := NewScheduler(SchedulerConfig{RunHour: 2, Location: loc, Logger: quietLogger()})

	after := time.Date(2026, time.March, 10, 1, 0, 0, 0, loc)
	next := sched.nextRun(after)
	want := time.Date(2026, time.March, 10, 2, 0, 0, 0, loc)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestSchedulerClampsRunTime(t *testing.T) {
	cases := []struct {
		hour, minute         int
		wantHour, wantMinute int
	}{
		{-5, -1, 0, 0},
		{24, 60, 23, 59},
		{3, 30, 3, 30},
	}
	for _, tc := range cases {
		sched := NewScheduler(SchedulerConfig{RunHour: tc.hour, RunMinute: tc.minute, Logger: quietLogger()})
		if sched.runHour != tc.wantHour || sched.runMinute != tc.wantMinute {
			t.Fatalf("clamp(%d:%d) = %d:%d, want %d:%d",
				tc.hour, tc.minute, sched.runHour, sched.runMinute, tc.wantHour, tc.wantMinute)
		}
	}
}
