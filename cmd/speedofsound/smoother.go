package main

import "sort"

// SpeedSmoother keeps a bounded FIFO window of recent speed samples and
// produces an average that rejects transient spikes using the IQR method.
//
// Single-owner: only the daemon goroutine pushes into or reads from a smoother.
type SpeedSmoother struct {
	capacity int
	speeds   []float64
}

// NewSpeedSmoother creates a smoother holding at most capacity samples.
// A non-positive capacity selects defaultSmoothingWindow.
func NewSpeedSmoother(capacity int) *SpeedSmoother {
	if capacity <= 0 {
		capacity = defaultSmoothingWindow
	}
	return &SpeedSmoother{
		capacity: capacity,
		speeds:   make([]float64, 0, capacity+1),
	}
}

// Push records a new speed, evicting the oldest one when the window is full.
func (s *SpeedSmoother) Push(speed float64) {
	s.speeds = append(s.speeds, speed)
	if len(s.speeds) > s.capacity {
		// Shift in place so the backing array never grows past capacity+1.
		copy(s.speeds, s.speeds[1:])
		s.speeds = s.speeds[:s.capacity]
	}
}

// Len returns the number of samples currently in the window.
func (s *SpeedSmoother) Len() int { return len(s.speeds) }

// Capacity returns the window size.
func (s *SpeedSmoother) Capacity() int { return s.capacity }

// Reset drops every sample.
func (s *SpeedSmoother) Reset() { s.speeds = s.speeds[:0] }

// Average returns the filtered average of the window.
//
// Below four samples this is the plain mean. Otherwise values further than
// 1.5×IQR outside the quartiles are trimmed from both ends of a sorted copy,
// then the three largest survivors are summed and divided by the number of
// survivors.
//
// NOTE: "three largest" and "divide by survivors" are kept exactly as the
// product behaves today; the intent was probably "three most recent" and
// "divide by three". Do not change without confirming with product.
func (s *SpeedSmoother) Average() float64 {
	n := len(s.speeds)
	if n == 0 {
		return 0
	}

	// Work on a copy: outliers are only excluded from this average, they stay
	// in the window in case they were real readings.
	sorted := make([]float64, n)
	copy(sorted, s.speeds)
	sort.Float64s(sorted)

	filtered := sorted
	if n >= minSamplesForIQR {
		q1 := n / 4
		q3 := (3 * n) / 4
		quart1 := sorted[q1]
		quart3 := sorted[q3]
		iqr := (quart3 - quart1) * 1.5

		lo, hi := 0, n
		for lo < hi && sorted[lo] < quart1-iqr {
			lo++
		}
		for hi > lo && sorted[hi-1] > quart3+iqr {
			hi--
		}
		filtered = sorted[lo:hi]
	}

	m := len(filtered)
	if m == 0 {
		return 0
	}

	total := 0.0
	for i, num := m-1, 0; i >= 0 && num < topSamplesAveraged; i, num = i-1, num+1 {
		total += filtered[i]
	}
	return total / float64(m)
}
