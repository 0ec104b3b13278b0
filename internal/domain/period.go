package domain

import (
	"errors"
	"time"
)

// MaxExtensionMonths bounds a single extension to ten years.
const MaxExtensionMonths = 120

// ErrInvalidDuration is returned when a subscription extension is not a month
// count between 1 and MaxExtensionMonths.
var ErrInvalidDuration = errors.New("months must be a positive integer no greater than 120")

// PeriodExtension is the outcome of extending a subscription window.
type PeriodExtension struct {
	// Base is the instant the months were added to.
	Base time.Time
	// NewEnd is the new subscription end.
	NewEnd time.Time
	// Restarted reports that the previous window had lapsed or never existed,
	// so a new period starts at Base.
	Restarted bool
	Activated bool
}

// ExtendPeriod computes a new subscription end. A lapsed or missing end restarts
// from now; a still-valid end is extended in place so early renewals lose nothing.
func ExtendPeriod(currentEnd *time.Time, now time.Time, months int) (PeriodExtension, error) {
	if months <= 0 || months > MaxExtensionMonths {
		return PeriodExtension{}, ErrInvalidDuration
	}

	base := now
	restarted := true
	if currentEnd != nil && !currentEnd.Before(now) {
		base = *currentEnd
		restarted = false
	}

	return PeriodExtension{
		Base:      base,
		NewEnd:    AddMonths(base, months),
		Restarted: restarted,
		Activated: true,
	}, nil
}

// AddMonths adds calendar months keeping the day of month, clamped to the
// last day of the target month (Jan 31 + 1 month = Feb 28 or 29).
func AddMonths(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	hour, minute, sec := t.Clock()

	target := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(target.Year(), target.Month(), t.Location()); day > last {
		day = last
	}

	return time.Date(target.Year(), target.Month(), day, hour, minute, sec, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
