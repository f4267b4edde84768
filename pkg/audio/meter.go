package audio

import "math"

// RMS computes the root-mean-square level of float32 samples. Full-scale
// input yields values in 0..1. Returns 0 for an empty slice.
//
// Called from the real-time audio callback: no allocation, cost linear in
// the sample count.
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

// FillWaveform downsamples the absolute amplitude of samples into bins,
// taking the peak of each span. Spans that map to no sample (fewer samples
// than bins) are zeroed.
//
// Called from the real-time audio callback: no allocation.
func FillWaveform(samples []float32, bins *[WaveformBins]float32) {
	n := len(samples)
	for i := range bins {
		start := i * n / WaveformBins
		end := (i + 1) * n / WaveformBins
		var peak float32
		for _, s := range samples[start:end] {
			if s < 0 {
				s = -s
			}
			if s > peak {
				peak = s
			}
		}
		bins[i] = peak
	}
}
