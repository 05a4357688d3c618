package timestamps

import (
	"time"
)

// Session describes an exchange's regular trading hours in its local zone.
type Session struct {
	Location    *time.Location
	OpenHour    int
	OpenMinute  int
	CloseHour   int
	CloseMinute int
	// Holiday reports full-day closures by exchange-local date. Nil means
	// weekends are the only closed days.
	Holiday func(date time.Time) bool

	extra map[string]bool
}

// NewSession creates a session for loc.
func NewSession(loc *time.Location, openH, openM, closeH, closeM int) *Session {
	return &Session{
		Location:    loc,
		OpenHour:    openH,
		OpenMinute:  openM,
		CloseHour:   closeH,
		CloseMinute: closeM,
	}
}

// NewYorkSession returns NYSE/Nasdaq regular hours.
func NewYorkSession() *Session {
	loc, err := time.LoadLocation(DefaultExchange)
	if err != nil {
		// tzdata is embedded, so this only triggers on a broken build.
		loc = time.FixedZone("EST", -5*60*60)
	}
	return NewUSEquitySession(loc)
}

// NewUSEquitySession returns 09:30-16:00 hours in loc with the US market
// holiday calendar.
func NewUSEquitySession(loc *time.Location) *Session {
	s := NewSession(loc, 9, 30, 16, 0)
	s.Holiday = USMarketHoliday
	return s
}

// CloseOn returns the session close on the exchange-local date of t.
func (s *Session) CloseOn(t time.Time) time.Time {
	local := t.In(s.Location)
	return time.Date(local.Year(), local.Month(), local.Day(), s.CloseHour, s.CloseMinute, 0, 0, s.Location)
}

// OpenOn returns the session open on the exchange-local date of t.
func (s *Session) OpenOn(t time.Time) time.Time {
	local := t.In(s.Location)
	return time.Date(local.Year(), local.Month(), local.Day(), s.OpenHour, s.OpenMinute, 0, 0, s.Location)
}

// AddHoliday marks the calendar date of date as a closure.
func (s *Session) AddHoliday(date time.Time) {
	if s.extra == nil {
		s.extra = make(map[string]bool)
	}
	s.extra[date.Format("2006-01-02")] = true
}

// IsHoliday reports whether t falls on a closure in exchange time.
func (s *Session) IsHoliday(t time.Time) bool {
	local := t.In(s.Location)
	if s.extra[local.Format("2006-01-02")] {
		return true
	}
	return s.Holiday != nil && s.Holiday(local)
}

// IsTradingDay reports whether t falls on a weekday that is not a holiday,
// in exchange time.
func (s *Session) IsTradingDay(t time.Time) bool {
	switch t.In(s.Location).Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !s.IsHoliday(t)
}

// IsOpen reports whether t is within regular hours.
func (s *Session) IsOpen(t time.Time) bool {
	if !s.IsTradingDay(t) {
		return false
	}
	return !t.Before(s.OpenOn(t)) && t.Before(s.CloseOn(t))
}

// FirstSessionAfter returns the close of the first trading session that
// ends after t.
func (s *Session) FirstSessionAfter(t time.Time) time.Time {
	day := s.CloseOn(t)
	if !day.After(t) {
		day = s.nextDay(day)
	}
	// Weekends and holidays never run longer than a few days.
	for i := 0; i < 10 && !s.IsTradingDay(day); i++ {
		day = s.nextDay(day)
	}
	return day
}

func (s *Session) nextDay(c time.Time) time.Time {
	local := c.In(s.Location)
	return time.Date(local.Year(), local.Month(), local.Day()+1, s.CloseHour, s.CloseMinute, 0, 0, s.Location)
}

// LocalDate returns the exchange-local calendar date of t as midnight UTC,
// so dates from different zones compare directly.
func (s *Session) LocalDate(t time.Time) time.Time {
	y, m, d := t.In(s.Location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DayStart returns midnight UTC of t's canonical calendar day.
func DayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// SameDay reports whether a and b fall on the same canonical calendar day.
func SameDay(a, b time.Time) bool {
	return DayStart(a).Equal(DayStart(b))
}
