package audio

import "math"

// SilenceDB is the floor reported for silent or empty buffers.
const SilenceDB = -100.0

// RMS returns the root-mean-square level of samples, or 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// LinearToDB converts a linear amplitude to dBFS, clamped at [SilenceDB].
func LinearToDB(v float64) float64 {
	if v <= 0 {
		return SilenceDB
	}
	db := 20 * math.Log10(v)
	if db < SilenceDB {
		return SilenceDB
	}
	return db
}

// DBToLinear converts dBFS to a linear amplitude.
func DBToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}

// IsSilent reports whether every sample is exactly zero.
func IsSilent(samples []float32) bool {
	for _, s := range samples {
		if s != 0 {
			return false
		}
	}
	return true
}
