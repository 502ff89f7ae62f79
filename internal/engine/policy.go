package engine

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
)

// DefaultResetHour is the local hour at which the ledger rolls over.
const DefaultResetHour = 8

// ResetPolicy decides when the alert ledger starts a new day. It is a pure value.
type ResetPolicy struct {
	Hour     int
	Location *time.Location
}

// NewResetPolicy validates the hour and defaults the location to time.Local.
func NewResetPolicy(hour int, loc *time.Location) (ResetPolicy, error) {
	if hour < 0 || hour > 23 {
		return ResetPolicy{}, fmt.Errorf("reset hour %d out of range 0..23", hour)
	}
	if loc == nil {
		loc = time.Local
	}
	return ResetPolicy{Hour: hour, Location: loc}, nil
}

func (p ResetPolicy) local(t time.Time) time.Time {
	if p.Location == nil {
		return t.In(time.Local)
	}
	return t.In(p.Location)
}

// ShouldReset reports whether the ledger must be cleared before evaluating at now.
// A never-reset ledger always resets; otherwise the calendar date must have
// changed and the local hour must have reached the boundary.
func (p ResetPolicy) ShouldReset(now time.Time, last civil.Date) bool {
	if !last.IsValid() {
		return true
	}
	local := p.local(now)
	return civil.DateOf(local) != last && local.Hour() >= p.Hour
}

// LedgerDay is the day a reset at now is recorded under. Before the boundary hour
// the previous calendar day is still current, so the boundary later that morning
// still triggers a reset.
func (p ResetPolicy) LedgerDay(now time.Time) civil.Date {
	local := p.local(now)
	day := civil.DateOf(local)
	if local.Hour() < p.Hour {
		return day.AddDays(-1)
	}
	return day
}

// DayStart returns the instant the given ledger day began.
func (p ResetPolicy) DayStart(day civil.Date) time.Time {
	loc := p.Location
	if loc == nil {
		loc = time.Local
	}
	return time.Date(day.Year, day.Month, day.Day, p.Hour, 0, 0, 0, loc)
}
