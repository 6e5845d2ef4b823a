package facts

import "time"

// AcademicYear is identified by the calendar year in which it starts. An
// academic year runs from 1 September to 31 August.
type AcademicYear int

// AcademicYearOf returns the academic year containing t, evaluated in loc.
func AcademicYearOf(t time.Time, loc *time.Location) AcademicYear {
	if loc != nil {
		t = t.In(loc)
	}
	if t.Month() >= time.September {
		return AcademicYear(t.Year())
	}
	return AcademicYear(t.Year() - 1)
}

// Start returns 1 September of the academic year.
func (ay AcademicYear) Start(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(int(ay), time.September, 1, 0, 0, 0, 0, loc)
}

// End returns 31 August of the academic year.
func (ay AcademicYear) End(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(int(ay)+1, time.August, 31, 0, 0, 0, 0, loc)
}

// Previous returns the academic year before ay.
func (ay AcademicYear) Previous() AcademicYear { return ay - 1 }

// YearGroup returns the school year group of a child born in birthAcademicYear
// during academic year ay. Reception is year group 0.
func YearGroup(birthAcademicYear, ay AcademicYear) int {
	return int(ay) - int(birthAcademicYear) - 5
}

// AcademicYearsBack returns current and the n academic years before it, oldest first.
func AcademicYearsBack(current AcademicYear, n int) []AcademicYear {
	if n < 0 {
		n = 0
	}
	years := make([]AcademicYear, 0, n+1)
	for i := n; i >= 0; i-- {
		years = append(years, current-AcademicYear(i))
	}
	return years
}
