package action

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Named intervals accepted in RecurringInterval. Anything else is parsed
// as a cron expression.
const (
	IntervalHourly = "hourly"
	IntervalDaily  = "daily"
	IntervalWeekly = "weekly"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextOccurrence computes when the successor of a recurring action should
// run. Fixed recurrence anchors off the original scheduledAt so the
// cadence never drifts; rolling anchors off completedAt so the interval
// restarts after each run.
func NextOccurrence(interval string, rt RecurrenceType, scheduledAt, completedAt time.Time) (time.Time, error) {
	anchor := completedAt
	if rt == RecurrenceFixed {
		anchor = scheduledAt
	}

	switch interval {
	case IntervalHourly:
		return anchor.Add(time.Hour), nil
	case IntervalDaily:
		return anchor.Add(24 * time.Hour), nil
	case IntervalWeekly:
		return anchor.Add(7 * 24 * time.Hour), nil
	}

	sched, err := cronParser.Parse(interval)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid recurring interval %q: %w", interval, err)
	}
	return sched.Next(anchor), nil
}

// ValidInterval reports whether interval is a named interval or a
// parseable cron expression. Used to reject bad input at scheduling time
// instead of at completion time.
func ValidInterval(interval string) bool {
	switch interval {
	case IntervalHourly, IntervalDaily, IntervalWeekly:
		return true
	}
	_, err := cronParser.Parse(interval)
	return err == nil
}
