// Package portaudio backs [audio.Device] with PortAudio via the
// gordonklaus/portaudio bindings. It is the default backend on desktop
// hosts: full-duplex callback streams, device enumeration and low-latency
// parameter negotiation all map directly onto the PortAudio API.
//
// PortAudio has process-wide state; create at most one Device per process.
package portaudio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/parlancehq/parlance/pkg/audio"
)

// Device is the PortAudio implementation of [audio.Device].
type Device struct {
	dspNote sync.Once
}

var _ audio.Device = (*Device)(nil)

// New initialises PortAudio and returns the backend.
func New() (*Device, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return &Device{}, nil
}

// Close terminates PortAudio. All streams must be closed first.
func (d *Device) Close() error {
	if err := pa.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}

// Route implements [audio.RouteSource] from the current default devices.
func (d *Device) Route(context.Context) (audio.Route, error) {
	in, err := pa.DefaultInputDevice()
	if err != nil {
		return audio.Route{}, fmt.Errorf("portaudio: default input: %w", err)
	}
	out, err := pa.DefaultOutputDevice()
	if err != nil {
		return audio.Route{}, fmt.Errorf("portaudio: default output: %w", err)
	}
	return audio.ClassifyRoute(in.Name, out.Name), nil
}

// EnsureInputAccess verifies a capture device exists. PortAudio has no
// permission API of its own; on hosts that gate the microphone the denial
// surfaces when the stream opens.
func (d *Device) EnsureInputAccess(context.Context) error {
	in, err := pa.DefaultInputDevice()
	if err != nil || in == nil {
		return fmt.Errorf("portaudio: no capture device: %w", audio.ErrDeviceNotFound)
	}
	return nil
}

// Open implements [audio.Device] with a full-duplex callback stream.
// PortAudio exposes no voice-processing DSP, so the AEC/NS/AGC toggles are
// accepted but not applied; the first Open that requests one says so.
func (d *Device) Open(params audio.StreamParams, fn audio.DuplexFunc) (audio.Stream, error) {
	if dsp := params.RequestedDSP(); len(dsp) != 0 {
		d.dspNote.Do(func() {
			slog.Warn("portaudio: no voice-processing DSP, flags ignored", "requested", dsp)
		})
	}

	in, err := inputDevice(params.InputDevice)
	if err != nil {
		return nil, err
	}
	out, err := outputDevice(params.OutputDevice)
	if err != nil {
		return nil, err
	}

	channels := params.InputChannels
	if channels <= 0 {
		channels = 1
	}
	if in.MaxInputChannels > 0 && in.MaxInputChannels < channels {
		channels = in.MaxInputChannels
	}

	p := pa.LowLatencyParameters(in, out)
	p.Input.Channels = channels
	p.Output.Channels = 1
	p.SampleRate = float64(params.SampleRate)
	p.FramesPerBuffer = params.FramesPerBuffer

	stream, err := pa.OpenStream(p, func(inBuf, outBuf []float32) {
		fn(inBuf, outBuf)
	})
	if err != nil {
		// PortAudio reports rate and format rejections as open
		// failures, so every failed open is a candidate for the
		// caller's rate fallback.
		return nil, fmt.Errorf("portaudio: open %dHz stream: %v: %w",
			params.SampleRate, err, audio.ErrNoUsableFormat)
	}
	return &duplexStream{
		stream:   stream,
		rate:     params.SampleRate,
		channels: channels,
		fpb:      params.FramesPerBuffer,
	}, nil
}

// inputDevice resolves a capture device by name, or the default when name
// is empty.
func inputDevice(name string) (*pa.DeviceInfo, error) {
	if name == "" {
		in, err := pa.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("portaudio: default input: %w", err)
		}
		return in, nil
	}
	return findDevice(name, func(d *pa.DeviceInfo) bool { return d.MaxInputChannels > 0 })
}

// outputDevice resolves a playback device by name, or the default when name
// is empty.
func outputDevice(name string) (*pa.DeviceInfo, error) {
	if name == "" {
		out, err := pa.DefaultOutputDevice()
		if err != nil {
			return nil, fmt.Errorf("portaudio: default output: %w", err)
		}
		return out, nil
	}
	return findDevice(name, func(d *pa.DeviceInfo) bool { return d.MaxOutputChannels > 0 })
}

func findDevice(name string, usable func(*pa.DeviceInfo) bool) (*pa.DeviceInfo, error) {
	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	want := strings.ToLower(name)
	for _, dev := range devices {
		if usable(dev) && strings.Contains(strings.ToLower(dev.Name), want) {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("portaudio: %q: %w", name, audio.ErrDeviceNotFound)
}

// duplexStream adapts *pa.Stream to [audio.Stream].
type duplexStream struct {
	stream   *pa.Stream
	rate     int
	channels int
	fpb      int
}

var _ audio.Stream = (*duplexStream)(nil)

func (s *duplexStream) Start() error {
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("portaudio: start stream: %w", err)
	}
	return nil
}

func (s *duplexStream) Stop() error {
	if err := s.stream.Stop(); err != nil {
		return fmt.Errorf("portaudio: stop stream: %w", err)
	}
	return nil
}

func (s *duplexStream) Close() error {
	if err := s.stream.Close(); err != nil {
		return fmt.Errorf("portaudio: close stream: %w", err)
	}
	return nil
}

func (s *duplexStream) SampleRate() int      { return s.rate }
func (s *duplexStream) InputChannels() int   { return s.channels }
func (s *duplexStream) FramesPerBuffer() int { return s.fpb }
