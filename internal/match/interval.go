package match

import (
	"sort"
	"time"
)

// Interval is a half-open [Start, End) time range. All interval math happens
// in UTC; time zones are display metadata only.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Valid reports whether the interval is non-empty.
func (iv Interval) Valid() bool {
	return iv.End.After(iv.Start)
}

// Duration returns End - Start.
func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// Contains reports whether other lies fully inside the interval.
func (iv Interval) Contains(other Interval) bool {
	return !other.Start.Before(iv.Start) && !other.End.After(iv.End)
}

// Overlaps reports whether the two intervals share any time.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

// Normalize sorts intervals by start, drops empty ones, and merges overlapping
// or touching neighbors. The input is not modified.
func Normalize(intervals []Interval) []Interval {
	sorted := make([]Interval, 0, len(intervals))
	for _, iv := range intervals {
		if iv.Valid() {
			sorted = append(sorted, Interval{Start: iv.Start.UTC(), End: iv.End.UTC()})
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	var merged []Interval
	for _, iv := range sorted {
		if n := len(merged); n > 0 && !iv.Start.After(merged[n-1].End) {
			if iv.End.After(merged[n-1].End) {
				merged[n-1].End = iv.End
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

// Complement returns the free time inside horizon not covered by busy.
// busy need not be normalized.
func Complement(busy []Interval, horizon Interval) []Interval {
	if !horizon.Valid() {
		return nil
	}

	var free []Interval
	cursor := horizon.Start.UTC()
	for _, iv := range Normalize(busy) {
		if !iv.End.After(cursor) {
			continue
		}
		if !iv.Start.Before(horizon.End) {
			break
		}
		if iv.Start.After(cursor) {
			free = append(free, Interval{Start: cursor, End: minTime(iv.Start, horizon.End)})
		}
		if iv.End.After(cursor) {
			cursor = iv.End
		}
	}
	if cursor.Before(horizon.End) {
		free = append(free, Interval{Start: cursor, End: horizon.End.UTC()})
	}
	return free
}

// Intersect returns the pairwise intersection of two normalized interval sets.
func Intersect(a, b []Interval) []Interval {
	a = Normalize(a)
	b = Normalize(b)

	var out []Interval
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		start := maxTime(a[i].Start, b[j].Start)
		end := minTime(a[i].End, b[j].End)
		if end.After(start) {
			out = append(out, Interval{Start: start, End: end})
		}
		if a[i].End.Before(b[j].End) {
			i++
		} else {
			j++
		}
	}
	return out
}

// BusinessHorizon returns a lookahead window starting at the next business
// day after from (weekends skipped) and spanning the given number of days.
func BusinessHorizon(from time.Time, days int) Interval {
	start := from.UTC().AddDate(0, 0, 1)
	start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	for isWeekend(start) {
		start = start.AddDate(0, 0, 1)
	}
	return Interval{Start: start, End: start.AddDate(0, 0, days)}
}

func isWeekend(t time.Time) bool {
	wd := t.UTC().Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// alignUp rounds t up to the next granularity boundary (relative to the Unix
// epoch). A t already on a boundary is returned unchanged.
func alignUp(t time.Time, granularity time.Duration) time.Time {
	if granularity <= 0 {
		return t
	}
	rem := time.Duration(t.UnixNano()) % granularity
	if rem == 0 {
		return t
	}
	return t.Add(granularity - rem)
}
