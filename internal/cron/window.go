// Package cron models the active-hours window: the minutes of the day in
// which the account is allowed to act, written as a five-field cron
// expression such as "* 8-22 * * 1-5".
package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ActiveWindow reports whether a minute falls inside the configured
// expression. The zero value (and an empty expression) is always open.
type ActiveWindow struct {
	sched cron.Schedule
	loc   *time.Location
	expr  string
}

// NewActiveWindow parses expression in timezone. An empty expression yields
// a window that is always open.
func NewActiveWindow(expression, timezone string) (*ActiveWindow, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	if expression == "" {
		return &ActiveWindow{loc: loc}, nil
	}

	sched, err := parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse active hours: %w", err)
	}
	return &ActiveWindow{sched: sched, loc: loc, expr: expression}, nil
}

// Open reports whether the minute containing t matches the expression.
func (w *ActiveWindow) Open(t time.Time) bool {
	if w == nil || w.sched == nil {
		return true
	}
	minute := t.In(w.loc).Truncate(time.Minute)
	return w.sched.Next(minute.Add(-time.Second)).Equal(minute)
}

// NextOpen returns the first minute at or after t inside the window.
func (w *ActiveWindow) NextOpen(t time.Time) time.Time {
	if w.Open(t) {
		return t
	}
	return w.sched.Next(t.In(w.loc))
}

func (w *ActiveWindow) String() string {
	if w == nil || w.expr == "" {
		return "always"
	}
	return fmt.Sprintf("%s (%s)", w.expr, w.loc)
}
