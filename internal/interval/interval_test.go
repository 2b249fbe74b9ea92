package interval

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func at(hours int) time.Time {
	return epoch.Add(time.Duration(hours) * time.Hour)
}

func span(start, end int) Interval {
	return Interval{Start: at(start), End: at(end)}
}

func TestAvailabilityNoBusyReturnsWindow(t *testing.T) {
	gaps, err := Availability(span(0, 10), nil)
	require.NoError(t, err)
	require.Equal(t, []Interval{span(0, 10)}, gaps)
}

func TestAvailabilityAdjacentBusyLeavesNoGapBetween(t *testing.T) {
	gaps, err := Availability(span(0, 10), []Interval{span(2, 5), span(5, 8)})
	require.NoError(t, err)
	require.Equal(t, []Interval{span(0, 2), span(8, 10)}, gaps)
}

func TestAvailabilityBusyTouchingBothEdges(t *testing.T) {
	gaps, err := Availability(span(0, 10), []Interval{span(0, 3), span(7, 10)})
	require.NoError(t, err)
	require.Equal(t, []Interval{span(3, 7)}, gaps)
}

func TestAvailabilityFullyBusyWindow(t *testing.T) {
	gaps, err := Availability(span(0, 10), []Interval{span(0, 10)})
	require.NoError(t, err)
	require.Empty(t, gaps)
}

func TestAvailabilityRejectsMalformedInput(t *testing.T) {
	cases := map[string][]Interval{
		"outside window": {span(8, 12)},
		"overlapping":    {span(1, 5), span(4, 6)},
		"unsorted":       {span(6, 7), span(1, 2)},
		"empty busy":     {span(3, 3)},
	}
	for name, busy := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Availability(span(0, 10), busy)
			require.True(t, errors.Is(err, ErrInvalidInterval), "got %v", err)
		})
	}

	_, err := Availability(span(5, 5), nil)
	require.ErrorIs(t, err, ErrInvalidInterval)
}

func TestAvailabilityPartitionsWindow(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	window := span(0, 200)

	for iter := 0; iter < 200; iter++ {
		busy := randomBusy(rng, 200)
		gaps, err := Availability(window, busy)
		require.NoError(t, err)

		var total time.Duration
		for idx, gap := range gaps {
			require.False(t, gap.Empty())
			require.True(t, window.Contains(gap))
			if idx > 0 {
				require.True(t, gaps[idx-1].End.Before(gap.Start), "gaps must be sorted and separated")
			}
			for _, b := range busy {
				require.False(t, Overlaps(gap, b), "gap %s overlaps busy %s", gap, b)
			}
			total += gap.Duration()
		}
		for _, b := range busy {
			total += b.Duration()
		}
		require.Equal(t, window.Duration(), total, "no time lost or invented")
	}
}

func TestFirstFitAfter(t *testing.T) {
	window := span(0, 10)
	busy := []Interval{span(2, 5), span(5, 8)}

	got, ok, err := FirstFitAfter(window, busy, at(0))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, at(0), got)

	got, ok, err = FirstFitAfter(window, busy, at(3))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, at(8), got)

	got, ok, err = FirstFitAfter(window, busy, at(9))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, at(9), got)

	_, ok, err = FirstFitAfter(window, busy, at(10))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFitsOneGap(t *testing.T) {
	gaps := []Interval{span(0, 2), span(8, 10)}
	require.True(t, FitsOneGap(gaps, span(0, 2)))
	require.True(t, FitsOneGap(gaps, span(8, 9)))
	require.False(t, FitsOneGap(gaps, span(1, 3)))
	require.False(t, FitsOneGap(gaps, span(0, 10)))
}

func TestOverlapsIsStrict(t *testing.T) {
	require.False(t, Overlaps(span(0, 2), span(2, 4)))
	require.True(t, Overlaps(span(0, 3), span(2, 4)))
	require.True(t, Overlaps(span(0, 10), span(2, 4)))
}

func randomBusy(rng *rand.Rand, limit int) []Interval {
	var busy []Interval
	cursor := 0
	for cursor < limit {
		cursor += rng.Intn(10)
		length := 1 + rng.Intn(15)
		if cursor+length > limit {
			break
		}
		busy = append(busy, span(cursor, cursor+length))
		cursor += length
	}
	return busy
}
