// Package audio provides the capture and playback pipeline for full-duplex
// voice sessions: the hardware device port, the real-time duplex engine,
// format transcoding between hardware-native float32 and wire PCM16, level
// metering, bounded lock-free handoff rings, and route-change monitoring.
//
// The package is built around a strict split between the real-time audio
// callback (fixed cost, no allocation, no blocking) and everything else.
// Data crosses that boundary only through the SPSC rings in this package.
package audio

import "time"

// WaveformBins is the number of points in the coarse amplitude envelope
// attached to every capture frame, sized for simple level visualisations.
const WaveformBins = 64

// Frame is one captured microphone frame, already converted to the wire
// format. Frames travel from the real-time callback through a bounded ring
// to the session goroutines and are consumed exactly once.
type Frame struct {
	// PCM holds 16-bit little-endian signed mono samples at Rate.
	PCM []byte

	// Rate is the wire sample rate in Hz this frame was encoded at.
	Rate int

	// RMS is the root-mean-square level of the hardware samples that
	// produced this frame, in 0..1 for full-scale input.
	RMS float64

	// Waveform is a coarse peak envelope of the same samples.
	Waveform [WaveformBins]float32
}

// Duration returns the playback duration of the frame's PCM payload.
func (f Frame) Duration() time.Duration {
	return PCMDuration(len(f.PCM), f.Rate)
}

// PCMDuration returns the duration of n bytes of 16-bit mono PCM at the
// given sample rate. Zero when the rate is not positive.
func PCMDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n/2) * time.Second / time.Duration(rate)
}
