package beowulf

import (
	"math"
	"time"
)

// ComputeMinutes derives the elapsed minutes for a closed session.
//
// If both timestamps are present and leftAt is not before joinedAt, the
// result is the elapsed wall-clock time rounded to minutes, floored at 1.
// Otherwise, a finite positive fallbackMinutes is rounded and returned.
// Otherwise the result is 1: a closed session always counts at least one
// minute, reflecting that presence was observed at all.
//
// The function is total - it never errors, and always returns an integer
// in [1, MaxSessionMinutes].
func ComputeMinutes(joinedAt, leftAt *time.Time, fallbackMinutes float64) int {
	if joinedAt != nil && leftAt != nil && !leftAt.Before(*joinedAt) {
		minutes := int(math.Round(leftAt.Sub(*joinedAt).Minutes()))
		if minutes < 1 {
			minutes = 1
		}
		return clampClosedMinutes(minutes)
	}
	if !math.IsNaN(fallbackMinutes) && !math.IsInf(fallbackMinutes, 0) &&
		fallbackMinutes > 0 {
		return clampClosedMinutes(int(math.Round(fallbackMinutes)))
	}
	return 1
}

func clampClosedMinutes(minutes int) int {
	if minutes < 1 {
		return 1
	}
	if minutes > MaxSessionMinutes {
		return MaxSessionMinutes
	}
	return minutes
}
