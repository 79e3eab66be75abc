package agent

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Due reports whether a source's cron schedule has fired since its last
// collection. A source with no recorded snapshot is always due.
func Due(schedule string, last *time.Time, now time.Time) (bool, error) {
	if last == nil {
		return true, nil
	}
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return false, fmt.Errorf("parse schedule %q: %w", schedule, err)
	}
	return !sched.Next(*last).After(now), nil
}

// NextRun returns the next fire time after the given instant.
func NextRun(schedule string, after time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse schedule %q: %w", schedule, err)
	}
	return sched.Next(after), nil
}
