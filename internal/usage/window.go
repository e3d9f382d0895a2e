package usage

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// WindowSchedule computes budget window boundaries from a cron expression
// anchored to a timezone. The default "0 0 * * *" gives daily windows
// starting at midnight.
type WindowSchedule struct {
	expr     string
	location *time.Location
	schedule cron.Schedule
}

// NewWindowSchedule parses expr in the named timezone.
func NewWindowSchedule(expr, timezone string) (*WindowSchedule, error) {
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
		}
		loc = l
	}
	sched, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse reset schedule %q: %w", expr, err)
	}
	return &WindowSchedule{expr: expr, location: loc, schedule: sched}, nil
}

// MustWindowSchedule is NewWindowSchedule for static expressions.
func MustWindowSchedule(expr, timezone string) *WindowSchedule {
	ws, err := NewWindowSchedule(expr, timezone)
	if err != nil {
		panic(err)
	}
	return ws
}

// String returns the cron expression.
func (w *WindowSchedule) String() string {
	return w.expr
}

// Bounds returns the window containing now as [start, end). The end doubles
// as the window key, so every caller in the same window agrees on it.
func (w *WindowSchedule) Bounds(now time.Time) (time.Time, time.Time) {
	local := now.In(w.location)
	end := w.schedule.Next(local)

	lookback := time.Hour
	for i := 0; i < 16; i++ {
		first := w.schedule.Next(local.Add(-lookback))
		if !first.After(local) {
			start := first
			for {
				next := w.schedule.Next(start)
				if next.After(local) {
					break
				}
				start = next
			}
			return start.UTC(), end.UTC()
		}
		lookback *= 2
	}
	return local.Add(-24 * time.Hour).UTC(), end.UTC()
}

// ResetAt returns when the window containing now ends.
func (w *WindowSchedule) ResetAt(now time.Time) time.Time {
	return w.schedule.Next(now.In(w.location)).UTC()
}
