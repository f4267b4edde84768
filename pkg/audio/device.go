package audio

import (
	"context"
	"errors"
	"fmt"
)

// Route describes the active audio path through the host: which devices are
// in use and whether the link forces the low-bandwidth duplex profile
// (Bluetooth hands-free and similar).
type Route struct {
	InputName    string
	OutputName   string
	LowBandwidth bool
}

// Signature returns a stable identity for route-change detection. Two
// routes with equal signatures are the same route.
func (r Route) Signature() string {
	return fmt.Sprintf("%s|%s|lb=%t", r.InputName, r.OutputName, r.LowBandwidth)
}

// MaterialChangeFrom reports whether switching from prev to r changes the
// duplex profile, meaning the stream needs new parameters rather than just
// a device swap.
func (r Route) MaterialChangeFrom(prev Route) bool {
	return r.LowBandwidth != prev.LowBandwidth
}

// StreamParams selects how a duplex stream is opened. Backends treat the
// values as a request and may negotiate them; inspect the returned [Stream]
// for what was actually granted.
type StreamParams struct {
	SampleRate      int // hardware rate in Hz
	InputChannels   int
	FramesPerBuffer int // callback quantum in frames

	// Device names as reported by the backend. Empty selects the system
	// default.
	InputDevice  string
	OutputDevice string

	// Voice-processing toggles, honoured where the platform exposes them.
	EchoCancellation bool
	NoiseSuppression bool
	AutoGain         bool
}

// RequestedDSP lists the voice-processing toggles set in p. Backends without
// a platform DSP use it to report what they are ignoring.
func (p StreamParams) RequestedDSP() []string {
	var on []string
	if p.EchoCancellation {
		on = append(on, "echo_cancellation")
	}
	if p.NoiseSuppression {
		on = append(on, "noise_suppression")
	}
	if p.AutoGain {
		on = append(on, "auto_gain")
	}
	return on
}

// DuplexFunc is the real-time callback of a duplex stream. in holds
// interleaved capture samples at the stream's input channel count; out is a
// mono playout buffer the callback must fill completely (zeros for
// silence). Implementations must not allocate, lock, or block.
type DuplexFunc func(in, out []float32)

// Stream is one open full-duplex stream. Start and Stop may be called
// repeatedly; Close releases the stream and makes every later call an
// error.
type Stream interface {
	Start() error
	Stop() error
	Close() error

	// Negotiated stream properties. Fixed for the lifetime of the stream.
	SampleRate() int
	InputChannels() int
	FramesPerBuffer() int
}

// RouteSource reports the host's current audio route.
type RouteSource interface {
	Route(ctx context.Context) (Route, error)
}

// Device is a platform audio backend capable of opening full-duplex
// streams. Implementations live in the portaudio and malgo subpackages; the
// mock subpackage provides a scripted one for tests.
type Device interface {
	RouteSource

	// EnsureInputAccess verifies, and where the platform supports it
	// requests, permission to capture from the microphone. It returns
	// [ErrPermissionDenied] when the user has refused.
	EnsureInputAccess(ctx context.Context) error

	// Open creates a stopped duplex stream delivering capture to fn and
	// draining playout from it. Callers Start the stream once their
	// processing chain is in place.
	Open(params StreamParams, fn DuplexFunc) (Stream, error)

	// Close releases the backend. Streams must be closed first.
	Close() error
}

var (
	// ErrPermissionDenied indicates the platform refused microphone access.
	ErrPermissionDenied = errors.New("audio: microphone access denied")

	// ErrNoUsableFormat indicates the device rejected the requested stream
	// parameters and every fallback.
	ErrNoUsableFormat = errors.New("audio: no usable stream format")

	// ErrDeviceNotFound indicates a named device is not present.
	ErrDeviceNotFound = errors.New("audio: device not found")
)
