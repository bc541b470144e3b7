// Package schedule evaluates 5-field cron expressions for rebuild schedules.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// DailyTick fires at midnight UTC and paces the eternal orchestrator's sleep.
const DailyTick = "0 0 * * *"

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Next returns the first time matching the expression strictly after the
// given instant. Evaluation is in UTC; the result is deterministic for a
// fixed input, so it is safe inside orchestration code.
func Next(expr string, after time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return sched.Next(after.UTC()), nil
}

// Validate checks that the expression parses.
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return nil
}
