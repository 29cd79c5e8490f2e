package utils

import "time"

// DurationMinutes converts a pair of timestamps into minute duration.
// Arguments may arrive in either order.
func DurationMinutes(start, end time.Time) float64 {
	if end.Before(start) {
		start, end = end, start
	}
	return end.Sub(start).Minutes()
}
