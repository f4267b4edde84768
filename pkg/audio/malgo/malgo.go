// Package malgo backs [audio.Device] with miniaudio via the gen2brain/malgo
// bindings. It needs no system PortAudio install, which makes it the
// fallback backend for static builds and hosts without PortAudio.
//
// miniaudio resamples internally, so the requested sample rate is always
// granted; the format fallback ladder never has to walk.
package malgo

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	mal "github.com/gen2brain/malgo"

	"github.com/parlancehq/parlance/pkg/audio"
)

// Device is the miniaudio implementation of [audio.Device].
type Device struct {
	ctx     *mal.AllocatedContext
	dspNote sync.Once
}

var _ audio.Device = (*Device)(nil)

// New initialises a miniaudio context with a real-time audio thread.
func New() (*Device, error) {
	cfg := mal.ContextConfig{ThreadPriority: mal.ThreadPriorityRealtime}
	ctx, err := mal.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	return &Device{ctx: ctx}, nil
}

// Close releases the miniaudio context. All streams must be closed first.
func (d *Device) Close() error {
	if err := d.ctx.Uninit(); err != nil {
		return fmt.Errorf("malgo: uninit context: %w", err)
	}
	d.ctx.Free()
	return nil
}

// Route implements [audio.RouteSource] from the default capture and
// playback devices.
func (d *Device) Route(context.Context) (audio.Route, error) {
	in, err := d.defaultName(mal.Capture)
	if err != nil {
		return audio.Route{}, err
	}
	out, err := d.defaultName(mal.Playback)
	if err != nil {
		return audio.Route{}, err
	}
	return audio.ClassifyRoute(in, out), nil
}

func (d *Device) defaultName(kind mal.DeviceType) (string, error) {
	infos, err := d.ctx.Devices(kind)
	if err != nil {
		return "", fmt.Errorf("malgo: list devices: %w", err)
	}
	for _, info := range infos {
		if info.IsDefault != 0 {
			return info.Name(), nil
		}
	}
	if len(infos) > 0 {
		return infos[0].Name(), nil
	}
	return "", fmt.Errorf("malgo: no device: %w", audio.ErrDeviceNotFound)
}

// EnsureInputAccess verifies a capture device exists. miniaudio reports
// permission denials when the device starts.
func (d *Device) EnsureInputAccess(context.Context) error {
	infos, err := d.ctx.Devices(mal.Capture)
	if err != nil {
		return fmt.Errorf("malgo: list capture devices: %w", err)
	}
	if len(infos) == 0 {
		return fmt.Errorf("malgo: no capture device: %w", audio.ErrDeviceNotFound)
	}
	return nil
}

// Open implements [audio.Device] with a miniaudio duplex device. miniaudio
// has no voice-processing DSP, so the AEC/NS/AGC toggles are accepted but
// not applied; the first Open that requests one says so.
func (d *Device) Open(params audio.StreamParams, fn audio.DuplexFunc) (audio.Stream, error) {
	if dsp := params.RequestedDSP(); len(dsp) != 0 {
		d.dspNote.Do(func() {
			slog.Warn("malgo: no voice-processing DSP, flags ignored", "requested", dsp)
		})
	}

	channels := params.InputChannels
	if channels <= 0 {
		channels = 1
	}

	cfg := mal.DefaultDeviceConfig(mal.Duplex)
	cfg.SampleRate = uint32(params.SampleRate)
	cfg.PeriodSizeInFrames = uint32(params.FramesPerBuffer)
	cfg.Capture.Format = mal.FormatF32
	cfg.Capture.Channels = uint32(channels)
	cfg.Playback.Format = mal.FormatF32
	cfg.Playback.Channels = 1
	cfg.Alsa.NoMMap = 1

	if params.InputDevice != "" {
		id, err := d.findDeviceID(mal.Capture, params.InputDevice)
		if err != nil {
			return nil, err
		}
		cfg.Capture.DeviceID = id.Pointer()
	}
	if params.OutputDevice != "" {
		id, err := d.findDeviceID(mal.Playback, params.OutputDevice)
		if err != nil {
			return nil, err
		}
		cfg.Playback.DeviceID = id.Pointer()
	}

	s := &duplexStream{
		fn:       fn,
		rate:     params.SampleRate,
		channels: channels,
		fpb:      params.FramesPerBuffer,
		in:       make([]float32, params.FramesPerBuffer*channels*2),
		out:      make([]float32, params.FramesPerBuffer*2),
	}
	callbacks := mal.DeviceCallbacks{Data: s.data}

	dev, err := mal.InitDevice(d.ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("malgo: open %dHz duplex device: %v: %w",
			params.SampleRate, err, audio.ErrNoUsableFormat)
	}
	s.dev = dev
	return s, nil
}

func (d *Device) findDeviceID(kind mal.DeviceType, name string) (mal.DeviceID, error) {
	infos, err := d.ctx.Devices(kind)
	if err != nil {
		return mal.DeviceID{}, fmt.Errorf("malgo: list devices: %w", err)
	}
	want := strings.ToLower(name)
	for _, info := range infos {
		if strings.Contains(strings.ToLower(info.Name()), want) {
			return info.ID, nil
		}
	}
	return mal.DeviceID{}, fmt.Errorf("malgo: %q: %w", name, audio.ErrDeviceNotFound)
}

// duplexStream adapts a miniaudio duplex device to [audio.Stream]. The data
// callback converts between miniaudio's byte buffers and float32 slices
// with scratch allocated at open time.
type duplexStream struct {
	dev      *mal.Device
	fn       audio.DuplexFunc
	rate     int
	channels int
	fpb      int

	mu      sync.Mutex
	stopped bool

	in  []float32
	out []float32
}

var _ audio.Stream = (*duplexStream)(nil)

// data is the miniaudio data callback. pOutput and pInput carry interleaved
// little-endian float32 samples.
func (s *duplexStream) data(pOutput, pInput []byte, frameCount uint32) {
	frames := int(frameCount)
	inSamples := frames * s.channels
	if inSamples > len(s.in) {
		inSamples = len(s.in)
	}
	for i := 0; i < inSamples && (i+1)*4 <= len(pInput); i++ {
		s.in[i] = math.Float32frombits(binary.LittleEndian.Uint32(pInput[i*4:]))
	}

	outSamples := frames
	if outSamples > len(s.out) {
		outSamples = len(s.out)
	}
	out := s.out[:outSamples]
	s.fn(s.in[:inSamples], out)
	for i := 0; i < outSamples && (i+1)*4 <= len(pOutput); i++ {
		binary.LittleEndian.PutUint32(pOutput[i*4:], math.Float32bits(out[i]))
	}
}

func (s *duplexStream) Start() error {
	if err := s.dev.Start(); err != nil {
		return fmt.Errorf("malgo: start device: %w", err)
	}
	return nil
}

func (s *duplexStream) Stop() error {
	if err := s.dev.Stop(); err != nil {
		return fmt.Errorf("malgo: stop device: %w", err)
	}
	return nil
}

func (s *duplexStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	s.dev.Uninit()
	return nil
}

func (s *duplexStream) SampleRate() int      { return s.rate }
func (s *duplexStream) InputChannels() int   { return s.channels }
func (s *duplexStream) FramesPerBuffer() int { return s.fpb }
