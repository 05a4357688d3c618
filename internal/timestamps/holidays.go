package timestamps

import "time"

// USMarketHoliday reports whether the calendar date of t, read in t's own
// location, is a full-day NYSE/Nasdaq closure. Early closes count as trading
// days and one-off closures are left to Session.AddHoliday.
func USMarketHoliday(t time.Time) bool {
	y, m, d := t.Date()
	date := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	for _, h := range usHolidays(y) {
		if h.Equal(date) {
			return true
		}
	}
	return false
}

func usHolidays(year int) []time.Time {
	on := func(m time.Month, d int) time.Time {
		return time.Date(year, m, d, 0, 0, 0, 0, time.UTC)
	}

	days := []time.Time{
		nthWeekday(year, time.January, time.Monday, 3),    // Martin Luther King Jr. Day
		nthWeekday(year, time.February, time.Monday, 3),   // Washington's Birthday
		easter(year).AddDate(0, 0, -2),                    // Good Friday
		lastWeekday(year, time.May, time.Monday),          // Memorial Day
		observed(on(time.July, 4)),                        // Independence Day
		nthWeekday(year, time.September, time.Monday, 1),  // Labor Day
		nthWeekday(year, time.November, time.Thursday, 4), // Thanksgiving
		observed(on(time.December, 25)),                   // Christmas
	}
	// A Saturday New Year is not moved back into the previous year.
	if ny := on(time.January, 1); ny.Weekday() != time.Saturday {
		days = append(days, observed(ny))
	}
	if year >= 2022 {
		days = append(days, observed(on(time.June, 19)))
	}
	return days
}

// observed moves a Saturday holiday to Friday and a Sunday one to Monday.
func observed(d time.Time) time.Time {
	switch d.Weekday() {
	case time.Saturday:
		return d.AddDate(0, 0, -1)
	case time.Sunday:
		return d.AddDate(0, 0, 1)
	}
	return d
}

func nthWeekday(year int, month time.Month, wd time.Weekday, n int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(wd) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset+7*(n-1))
}

func lastWeekday(year int, month time.Month, wd time.Weekday) time.Time {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC)
	offset := (int(last.Weekday()) - int(wd) + 7) % 7
	return last.AddDate(0, 0, -offset)
}

// easter returns Easter Sunday in the Gregorian calendar.
func easter(year int) time.Time {
	a := year % 19
	b, c := year/100, year%100
	d, e := b/4, b%4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i, k := c/4, c%4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}
