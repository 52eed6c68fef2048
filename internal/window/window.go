// Package window cuts a date range into the bounded time slices that are
// submitted to the log-query service one at a time.
//
// All ranges are half-open: Start is included, End is not. The inclusive last
// instant of a range is End minus one microsecond, which is what gets sent to
// services that expect an inclusive end.
package window

import (
	"fmt"
	"time"
)

const (
	// Day is the span a Range is walked in. It is a fixed 24h, not a calendar day.
	Day = 24 * time.Hour

	// DefaultSize is the default sub-window length.
	DefaultSize = 300 * time.Second

	// Resolution is the smallest slice the query service distinguishes.
	Resolution = time.Second
)

// Range is the overall span of a run.
type Range struct {
	Start time.Time
	End   time.Time
}

// NewRange returns the range covering days consecutive days from start.
func NewRange(start time.Time, days int) Range {
	return Range{Start: start, End: start.Add(time.Duration(days) * Day)}
}

// Last is the inclusive last instant of the range.
func (r Range) Last() time.Time { return r.End.Add(-time.Microsecond) }

// Duration of the range.
func (r Range) Duration() time.Duration { return r.End.Sub(r.Start) }

// Days splits the range into consecutive Day-long ranges. A trailing part
// shorter than a Day is returned as-is.
func (r Range) Days() []Range {
	var days []Range
	for s := r.Start; s.Before(r.End); s = s.Add(Day) {
		e := s.Add(Day)
		if e.After(r.End) {
			e = r.End
		}
		days = append(days, Range{Start: s, End: e})
	}
	return days
}

// Window is one sub-query slice.
type Window struct {
	Start time.Time
	End   time.Time
}

// Last is the inclusive last instant of the window.
func (w Window) Last() time.Time { return w.End.Add(-time.Microsecond) }

// Duration of the window.
func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

func (w Window) String() string {
	return fmt.Sprintf("%s -> %s", w.Start.UTC().Format(time.RFC3339), w.Last().UTC().Format(time.RFC3339Nano))
}

// Count reports how many full windows of size fit in d and whether a shorter
// remainder window is needed after them.
func Count(d, size time.Duration) (full int, remainder bool) {
	if size <= 0 || d <= 0 {
		return 0, false
	}
	return int(d / size), d%size != 0
}

// Tile cuts r into full windows of size followed by at most one remainder
// window that ends exactly at r.End. The result has no gaps or overlaps.
func Tile(r Range, size time.Duration) []Window {
	full, remainder := Count(r.Duration(), size)
	out := make([]Window, 0, full+1)
	ws := r.Start
	for i := 0; i < full; i++ {
		out = append(out, Window{Start: ws, End: ws.Add(size)})
		ws = ws.Add(size)
	}
	if remainder {
		out = append(out, Window{Start: ws, End: r.End})
	}
	return out
}

// Plan tiles every day of r in order.
func Plan(r Range, size time.Duration) []Window {
	var out []Window
	for _, day := range r.Days() {
		out = append(out, Tile(day, size)...)
	}
	return out
}

// Split cuts w into at most parts contiguous windows whose boundaries are
// multiples of unit from w.Start. Windows no longer than unit, or parts < 2,
// cannot be split and return nil.
func Split(w Window, parts int, unit time.Duration) []Window {
	d := w.Duration()
	if parts < 2 || unit <= 0 || d <= unit {
		return nil
	}
	sub := (d + time.Duration(parts) - 1) / time.Duration(parts)
	sub = ((sub + unit - 1) / unit) * unit

	var out []Window
	for s := w.Start; s.Before(w.End); s = s.Add(sub) {
		e := s.Add(sub)
		if e.After(w.End) {
			e = w.End
		}
		out = append(out, Window{Start: s, End: e})
	}
	return out
}
