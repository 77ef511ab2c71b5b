package core

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// GRANULARITY - Calendar bucket sizes for caps and idempotency scopes
// =============================================================================

type Granularity string

const (
	GranularityDay   Granularity = "DAY"
	GranularityWeek  Granularity = "WEEK"
	GranularityMonth Granularity = "MONTH"
	GranularityYear  Granularity = "YEAR"
)

func (g Granularity) Valid() bool {
	switch g {
	case GranularityDay, GranularityWeek, GranularityMonth, GranularityYear:
		return true
	}
	return false
}

// ParseGranularity accepts any letter case.
func ParseGranularity(s string) (Granularity, error) {
	g := Granularity(strings.ToUpper(strings.TrimSpace(s)))
	if !g.Valid() {
		return "", &ValidationError{Field: "granularity", Reason: "unknown granularity " + s}
	}
	return g, nil
}

// =============================================================================
// PERIOD - Half-open calendar bucket [Start, End)
// =============================================================================

// Period is a calendar bucket. Start is inclusive, End exclusive, both
// expressed in the location the bucket was computed in.
type Period struct {
	Granularity Granularity
	Start       time.Time
	End         time.Time
}

// Contains returns true if t falls in [Start, End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Key is the stable bucket label used inside idempotency keys:
// 2025-03-10, 2025-W11, 2025-03, 2025.
func (p Period) Key() string {
	switch p.Granularity {
	case GranularityWeek:
		year, week := p.Start.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case GranularityMonth:
		return p.Start.Format("2006-01")
	case GranularityYear:
		return p.Start.Format("2006")
	default:
		return p.Start.Format("2006-01-02")
	}
}

func (p Period) String() string {
	return "[" + p.Start.Format(time.RFC3339) + ", " + p.End.Format(time.RFC3339) + ")"
}

// BucketFor returns the bucket of granularity g that contains t, computed
// on the wall clock of loc (nil = UTC). Weeks start on Monday.
func BucketFor(t time.Time, g Granularity, loc *time.Location) Period {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	y, m, d := local.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, loc)

	switch g {
	case GranularityWeek:
		offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
		start := day.AddDate(0, 0, -offset)
		return Period{Granularity: g, Start: start, End: start.AddDate(0, 0, 7)}
	case GranularityMonth:
		start := time.Date(y, m, 1, 0, 0, 0, 0, loc)
		return Period{Granularity: g, Start: start, End: start.AddDate(0, 1, 0)}
	case GranularityYear:
		start := time.Date(y, time.January, 1, 0, 0, 0, 0, loc)
		return Period{Granularity: g, Start: start, End: start.AddDate(1, 0, 0)}
	default:
		return Period{Granularity: GranularityDay, Start: day, End: day.AddDate(0, 0, 1)}
	}
}

// Days converts a day count into a duration. Tier windows and grace periods
// are expressed in whole days.
func Days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
