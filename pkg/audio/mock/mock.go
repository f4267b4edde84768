// Package mock provides in-memory implementations of the [audio.Device] and
// [audio.Stream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests
// can assert on counts and arguments, and they expose exported fields the
// test sets to control behaviour.
//
// Typical usage:
//
//	dev := &mock.Device{RouteResult: audio.Route{InputName: "Mic", OutputName: "Speakers"}}
//	eng := audio.NewEngine(dev)
//	_ = eng.Start(ctx, audio.Route{InputName: "Mic", OutputName: "Speakers"})
//	out := dev.Streams[0].Deliver(make([]float32, 1200))
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/parlancehq/parlance/pkg/audio"
)

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device].
// Set the exported fields before use; inspect the recorded calls after.
type Device struct {
	mu sync.Mutex

	// RouteResult is returned by Route. Change it mid-test with SetRoute
	// to simulate the host switching devices.
	RouteResult audio.Route

	// RouteError is returned by Route.
	RouteError error

	// AccessError is returned by EnsureInputAccess.
	AccessError error

	// OpenError, when set, fails every Open call.
	OpenError error

	// RejectRates lists sample rates Open refuses with
	// [audio.ErrNoUsableFormat], for exercising the rate fallback.
	RejectRates []int

	// Negotiate optionally rewrites the granted stream parameters, e.g.
	// to hand back a stereo stream when mono was requested. When nil the
	// request is granted as-is.
	Negotiate func(audio.StreamParams) audio.StreamParams

	// OpenCalls records the parameters of every Open invocation.
	OpenCalls []audio.StreamParams

	// Streams holds every stream handed out, in order of creation.
	Streams []*Stream

	// CallCountAccess records how many times EnsureInputAccess was called.
	CallCountAccess int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

var _ audio.Device = (*Device)(nil)

// Route implements [audio.RouteSource]. Returns RouteResult / RouteError.
func (d *Device) Route(context.Context) (audio.Route, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.RouteResult, d.RouteError
}

// SetRoute changes what Route returns from now on.
func (d *Device) SetRoute(r audio.Route) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.RouteResult = r
}

// EnsureInputAccess implements [audio.Device]. Returns AccessError.
func (d *Device) EnsureInputAccess(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountAccess++
	return d.AccessError
}

// Open implements [audio.Device]. Records the call and hands out a new
// [Stream] wired to fn, honouring OpenError, RejectRates and Negotiate.
func (d *Device) Open(params audio.StreamParams, fn audio.DuplexFunc) (audio.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, params)
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	if slices.Contains(d.RejectRates, params.SampleRate) {
		return nil, audio.ErrNoUsableFormat
	}
	granted := params
	if d.Negotiate != nil {
		granted = d.Negotiate(params)
	}
	s := &Stream{params: granted, fn: fn}
	d.Streams = append(d.Streams, s)
	return s, nil
}

// Close implements [audio.Device].
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	return nil
}

// LastStream returns the most recently opened stream, or nil.
func (d *Device) LastStream() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Streams) == 0 {
		return nil
	}
	return d.Streams[len(d.Streams)-1]
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream]. Tests stand in for the
// audio thread by calling [Stream.Deliver].
type Stream struct {
	mu     sync.Mutex
	params audio.StreamParams
	fn     audio.DuplexFunc

	// StartError is returned by Start.
	StartError error

	// StopError is returned by Stop.
	StopError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	started bool
	closed  bool
}

var _ audio.Stream = (*Stream)(nil)

// Start implements [audio.Stream].
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartError != nil {
		return s.StartError
	}
	s.started = true
	return nil
}

// Stop implements [audio.Stream].
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.started = false
	return s.StopError
}

// Close implements [audio.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.started = false
	s.closed = true
	return nil
}

// SampleRate implements [audio.Stream]. Returns the granted rate.
func (s *Stream) SampleRate() int { return s.params.SampleRate }

// InputChannels implements [audio.Stream]. Returns the granted channel count.
func (s *Stream) InputChannels() int {
	if s.params.InputChannels <= 0 {
		return 1
	}
	return s.params.InputChannels
}

// FramesPerBuffer implements [audio.Stream]. Returns the granted quantum.
func (s *Stream) FramesPerBuffer() int { return s.params.FramesPerBuffer }

// Started reports whether the stream is running.
func (s *Stream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.closed
}

// Deliver invokes the duplex callback with in, the way the audio thread
// would, and returns the playout buffer the callback filled (one frame of
// mono samples). A stopped or closed stream returns silence without
// invoking the callback.
func (s *Stream) Deliver(in []float32) []float32 {
	s.mu.Lock()
	fn := s.fn
	fpb := s.params.FramesPerBuffer
	live := s.started && !s.closed
	s.mu.Unlock()

	out := make([]float32, fpb)
	if !live {
		return out
	}
	fn(in, out)
	return out
}
