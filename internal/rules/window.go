package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/leozw/compliance-guardian/internal/db"
)

// AdHocSpan is how far back an ad-hoc window reaches. Manual re-runs inside
// this span collapse onto the same run.
const AdHocSpan = 5 * time.Minute

// Window is the half-open interval [Start, End) a run covers.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// ParsePeriod validates a period keyword from a request.
func ParsePeriod(raw string) (db.Period, error) {
	p := db.Period(strings.ToLower(strings.TrimSpace(raw)))
	switch p {
	case db.PeriodHourly, db.PeriodDaily, db.PeriodWeekly, db.PeriodAdHoc:
		return p, nil
	default:
		return "", &ValidationError{Field: "period", Reason: fmt.Sprintf("unsupported period %q", raw)}
	}
}

// WindowFor maps a period to the window containing now. Calendar periods are
// aligned in loc (now's own location when loc is nil). Unknown periods fall
// back to the ad-hoc window.
func WindowFor(period db.Period, now time.Time, loc *time.Location) Window {
	if loc == nil {
		loc = now.Location()
	}
	local := now.In(loc)
	y, m, d := local.Date()

	switch period {
	case db.PeriodHourly:
		start := time.Date(y, m, d, local.Hour(), 0, 0, 0, loc)
		return Window{Start: start, End: start.Add(time.Hour)}
	case db.PeriodDaily:
		start := time.Date(y, m, d, 0, 0, 0, 0, loc)
		return Window{Start: start, End: start.AddDate(0, 0, 1)}
	case db.PeriodWeekly:
		// Monday is day zero of the week.
		offset := (int(local.Weekday()) + 6) % 7
		start := time.Date(y, m, d-offset, 0, 0, 0, 0, loc)
		return Window{Start: start, End: start.AddDate(0, 0, 7)}
	default:
		return Window{Start: now.Add(-AdHocSpan), End: now}
	}
}
