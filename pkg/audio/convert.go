package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Transcoder converts between the hardware-native format (interleaved
// float32 at the hardware rate) and the wire format (16-bit little-endian
// PCM, mono, at the wire rate), in both directions. Resampling is linear
// interpolation with the fractional read position carried across calls, so
// back-to-back buffers convert without boundary clicks or cumulative
// duration drift.
//
// Encode runs inside the real-time callback: its scratch is allocated once
// at construction and the call never allocates, locks, or logs. Decode runs
// on session goroutines and may grow its scratch. Create one per stream;
// not designed for shared use across goroutines.
type Transcoder struct {
	hwRate     int
	hwChannels int
	wireRate   int

	encMono   []float32
	encFrames int
	encOut    []byte
	encPos    float64

	decOut []int16
	decPos float64

	warnedOdd sync.Once
}

// NewTranscoder builds a Transcoder for a stream that delivers at most
// maxFrames hardware frames per Encode call. Larger inputs are truncated to
// that capacity.
func NewTranscoder(hwRate, hwChannels, wireRate, maxFrames int) (*Transcoder, error) {
	if hwRate <= 0 || wireRate <= 0 {
		return nil, fmt.Errorf("audio: transcoder rates must be positive, got %dHz to %dHz", hwRate, wireRate)
	}
	if hwChannels <= 0 {
		return nil, fmt.Errorf("audio: transcoder needs at least one input channel, got %d", hwChannels)
	}
	if maxFrames <= 0 {
		return nil, fmt.Errorf("audio: transcoder frame capacity must be positive, got %d", maxFrames)
	}
	maxOut := int(int64(maxFrames)*int64(wireRate)/int64(hwRate)) + 2
	return &Transcoder{
		hwRate:     hwRate,
		hwChannels: hwChannels,
		wireRate:   wireRate,
		encMono:    make([]float32, maxFrames),
		encOut:     make([]byte, 0, maxOut*2),
	}, nil
}

// WireRate returns the wire sample rate this Transcoder encodes to.
func (t *Transcoder) WireRate() int { return t.wireRate }

// Encode converts one callback's worth of interleaved hardware samples to
// wire PCM: downmix to mono by channel average, resample, quantize. The
// returned slice aliases internal scratch and is only valid until the next
// Encode call.
func (t *Transcoder) Encode(in []float32) []byte {
	frames := len(in) / t.hwChannels
	if frames > len(t.encMono) {
		frames = len(t.encMono)
	}
	t.encFrames = frames

	mono := t.encMono[:frames]
	if t.hwChannels == 1 {
		copy(mono, in[:frames])
	} else {
		for i := range frames {
			var sum float32
			base := i * t.hwChannels
			for c := range t.hwChannels {
				sum += in[base+c]
			}
			mono[i] = sum / float32(t.hwChannels)
		}
	}

	out := t.encOut[:0]
	step := float64(t.hwRate) / float64(t.wireRate)
	pos := t.encPos
	for int(pos) < frames {
		idx := int(pos)
		frac := float32(pos - float64(idx))
		s0 := mono[idx]
		s1 := s0
		if idx+1 < frames {
			s1 = mono[idx+1]
		}
		v := quantizeS16(s0*(1-frac) + s1*frac)
		out = append(out, byte(v), byte(v>>8))
		pos += step
	}
	t.encPos = pos - float64(frames)
	return out
}

// Mono returns the downmixed hardware-rate samples of the most recent
// Encode call, for level metering. Aliases internal scratch; same validity
// rules as Encode.
func (t *Transcoder) Mono() []float32 {
	return t.encMono[:t.encFrames]
}

// Decode converts wire PCM16 to hardware-rate mono int16 samples for
// playout. The returned slice aliases internal scratch and is only valid
// until the next Decode call. A trailing odd byte is dropped and logged
// once per stream.
func (t *Transcoder) Decode(pcm []byte) []int16 {
	if len(pcm)%2 != 0 {
		t.warnedOdd.Do(func() {
			slog.Warn("audio: odd byte count in playback PCM, truncating",
				"bytes", len(pcm),
			)
		})
		pcm = pcm[:len(pcm)-1]
	}
	n := len(pcm) / 2
	if n == 0 {
		return nil
	}

	step := float64(t.wireRate) / float64(t.hwRate)
	if need := int(float64(n)/step) + 2; cap(t.decOut) < need {
		t.decOut = make([]int16, 0, need)
	}

	out := t.decOut[:0]
	pos := t.decPos
	for int(pos) < n {
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := int16(pcm[idx*2]) | int16(pcm[idx*2+1])<<8
		s1 := s0
		if idx+1 < n {
			s1 = int16(pcm[(idx+1)*2]) | int16(pcm[(idx+1)*2+1])<<8
		}
		out = append(out, int16(float64(s0)*(1-frac)+float64(s1)*frac))
		pos += step
	}
	t.decPos = pos - float64(n)
	t.decOut = out
	return out
}

// quantizeS16 converts a float32 sample to int16 with clamping.
func quantizeS16(s float32) int16 {
	v := int32(s * 32767)
	if v > 32767 {
		v = 32767
	} else if v < -32768 {
		v = -32768
	}
	return int16(v)
}
