package audio

import "math"

const fullScale = 32768.0

// DecodePCM16LE converts little-endian 16-bit PCM bytes to samples.
// A trailing odd byte is ignored.
func DecodePCM16LE(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// CalculateRMS computes the root mean square of audio samples in raw
// sample units.
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// FullScaleRMS computes RMS normalized to [0,1] of full scale, the unit
// used by the activity-monitor threshold.
func FullScaleRMS(samples []int16) float64 {
	return CalculateRMS(samples) / fullScale
}
