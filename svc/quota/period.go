package quota

import "time"

// Period is one calendar month in a tenant's time zone.
type Period struct {
	// Key is "YYYY-MM", the counter partition.
	Key   string
	Start time.Time
	End   time.Time
}

// PeriodAt returns the month containing t as seen in loc.
func PeriodAt(t time.Time, loc *time.Location) Period {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	return Period{
		Key:   start.Format("2006-01"),
		Start: start,
		End:   start.AddDate(0, 1, 0),
	}
}

// ResetDate is the first day of the following month at midnight UTC.
func (p Period) ResetDate() time.Time {
	return time.Date(p.Start.Year(), p.Start.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
