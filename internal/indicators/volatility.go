package indicators

import "math"

// StdDev is the population standard deviation of the last period values.
func StdDev(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	tail := values[len(values)-period:]
	mean := 0.0
	for _, v := range tail {
		mean += v
	}
	mean /= float64(period)

	var sq float64
	for _, v := range tail {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(period))
}

// Streak counts consecutive closes moving in one direction, positive for
// rises and negative for falls. A flat step ends the run.
func Streak(values []float64) int {
	n := 0
	for i := len(values) - 1; i > 0; i-- {
		d := values[i] - values[i-1]
		if d == 0 {
			break
		}
		if d > 0 {
			if n < 0 {
				break
			}
			n++
		} else {
			if n > 0 {
				break
			}
			n--
		}
	}
	return n
}
