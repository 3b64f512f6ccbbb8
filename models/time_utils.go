package models

const minutesPerYear = 365 * 24 * 60

// PeriodsPerYear returns how many bars of the given size fit in a year.
// Crypto markets trade around the clock, so no session calendar is applied.
func PeriodsPerYear(timeframeMinutes int) float64 {
	if timeframeMinutes <= 0 {
		return 0
	}
	return float64(minutesPerYear) / float64(timeframeMinutes)
}
