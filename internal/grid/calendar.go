package grid

import "time"

// Calendar identifies the time axis convention of a series. GCM
// output commonly uses a 365-day calendar with no leap days.
type Calendar string

const (
	CalendarStandard Calendar = "standard"
	CalendarNoLeap   Calendar = "noleap"
)

// Cumulative day counts at the start of each month in a 365-day year.
var monthStartNoLeap = [13]int{0, 0, 31, 59, 90, 120, 151, 181, 212, 243, 273, 304, 334}

// DayOfYearNoLeap returns the 1..365 day-of-year of t under the
// no-leap convention. Feb 29 maps to day 60, the same as Mar 1, so
// leap-day timestamps in standard-calendar data still land inside
// sensible windows.
func DayOfYearNoLeap(t time.Time) int {
	return monthStartNoLeap[int(t.Month())] + t.Day()
}

// DateFromDayOfYearNoLeap is the inverse of DayOfYearNoLeap: it
// returns the UTC midnight date for a 1..365 day-of-year in the
// given year, never producing Feb 29.
func DateFromDayOfYearNoLeap(year, doy int) time.Time {
	month := 12
	for m := 2; m <= 12; m++ {
		if monthStartNoLeap[m] >= doy {
			month = m - 1
			break
		}
	}
	day := doy - monthStartNoLeap[month]
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// ConvertNoLeap returns a copy of the series with all Feb 29
// timesteps dropped and the calendar tag set to noleap. A series
// already tagged noleap is returned unchanged.
func ConvertNoLeap(s *Series) *Series {
	if s.Calendar == CalendarNoLeap {
		return s
	}
	var keep []int
	for i, t := range s.Times {
		if t.Month() == time.February && t.Day() == 29 {
			continue
		}
		keep = append(keep, i)
	}
	out := s.SelectTimes(keep)
	out.Calendar = CalendarNoLeap
	return out
}
