package audio

import "math"

// Peak returns the largest absolute sample value normalized to [0, 1].
func Peak(samples []int16) float64 {
	var max int32
	for _, s := range samples {
		v := int32(s)
		if v < 0 {
			v = -v
		}
		if v > max {
			max = v
		}
	}
	return float64(max) / 32768.0
}

// RMS returns the root-mean-square level of the samples normalized to [0, 1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Seconds converts a sample count at the given rate to seconds.
func Seconds(samples, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(samples) / float64(sampleRate)
}
