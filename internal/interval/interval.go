// Package interval implements arithmetic over half-open time intervals
// [Start, End) used by the scheduler to find free slots on an offer.
package interval

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidInterval = errors.New("invalid interval")

type Interval struct {
	Start time.Time `json:"start_time"`
	End   time.Time `json:"end_time"`
}

func New(start, end time.Time) Interval {
	return Interval{Start: start.UTC(), End: end.UTC()}
}

func (i Interval) Empty() bool {
	return !i.Start.Before(i.End)
}

func (i Interval) Duration() time.Duration {
	if i.Empty() {
		return 0
	}
	return i.End.Sub(i.Start)
}

// Contains reports whether inner lies entirely within i.
func (i Interval) Contains(inner Interval) bool {
	return !inner.Start.Before(i.Start) && !inner.End.After(i.End)
}

// ContainsTime reports whether t lies within [Start, End).
func (i Interval) ContainsTime(t time.Time) bool {
	return !t.Before(i.Start) && t.Before(i.End)
}

func (i Interval) Equal(other Interval) bool {
	return i.Start.Equal(other.Start) && i.End.Equal(other.End)
}

func (i Interval) String() string {
	return fmt.Sprintf("[%s, %s)", i.Start.UTC().Format(time.RFC3339), i.End.UTC().Format(time.RFC3339))
}

// Overlaps uses the strict comparison so that touching intervals do not overlap.
func Overlaps(a, b Interval) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// Availability returns the maximal sub-intervals of window not covered by
// busy. busy must be sorted, pairwise disjoint and fully inside window.
func Availability(window Interval, busy []Interval) ([]Interval, error) {
	if window.Empty() {
		return nil, fmt.Errorf("%w: window %s", ErrInvalidInterval, window)
	}
	if err := validate(window, busy); err != nil {
		return nil, err
	}

	gaps := make([]Interval, 0, len(busy)+1)
	cursor := window.Start
	for _, b := range busy {
		if cursor.Before(b.Start) {
			gaps = append(gaps, Interval{Start: cursor, End: b.Start})
		}
		cursor = b.End
	}
	if cursor.Before(window.End) {
		gaps = append(gaps, Interval{Start: cursor, End: window.End})
	}
	return gaps, nil
}

// FirstFitAfter returns the earliest instant at or after earliest that lies
// in a free gap of window.
func FirstFitAfter(window Interval, busy []Interval, earliest time.Time) (time.Time, bool, error) {
	gaps, err := Availability(window, busy)
	if err != nil {
		return time.Time{}, false, err
	}
	for _, gap := range gaps {
		if !gap.End.After(earliest) {
			continue
		}
		if gap.ContainsTime(earliest) {
			return earliest, true, nil
		}
		return gap.Start, true, nil
	}
	return time.Time{}, false, nil
}

// FitsOneGap reports whether candidate lies entirely inside exactly one of gaps.
func FitsOneGap(gaps []Interval, candidate Interval) bool {
	matches := 0
	for _, gap := range gaps {
		if gap.Contains(candidate) {
			matches++
		}
	}
	return matches == 1
}

func validate(window Interval, busy []Interval) error {
	for idx, b := range busy {
		if b.Empty() {
			return fmt.Errorf("%w: busy interval %d %s is empty", ErrInvalidInterval, idx, b)
		}
		if !window.Contains(b) {
			return fmt.Errorf("%w: busy interval %s outside window %s", ErrInvalidInterval, b, window)
		}
		if idx > 0 && b.Start.Before(busy[idx-1].End) {
			return fmt.Errorf("%w: busy intervals %s and %s are unsorted or overlapping", ErrInvalidInterval, busy[idx-1], b)
		}
	}
	return nil
}
