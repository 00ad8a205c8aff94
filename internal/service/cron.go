package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron parses a cron expression with 5 fields or a descriptor
// (@hourly, @every 5m).
func ParseCron(expr string) (cron.Schedule, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return nil, errors.New("empty cron expression")
	}

	// macros and @every are handled by ParseStandard
	if strings.HasPrefix(e, "@") {
		return cron.ParseStandard(e)
	}
	return cronParser.Parse(e)
}

// NextCron returns the first instant matching expr strictly after after.
func NextCron(expr string, after time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	next := sched.Next(after)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q never matches", expr)
	}
	return next, nil
}
