package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNotRunning is returned by operations that need an open stream.
var ErrNotRunning = errors.New("audio: engine not running")

// Hardware rates tried in order when opening a stream. The first is the
// preferred rate; the rest are fallbacks for devices that reject it.
var hardwareRates = []int{48000, 44100, 24000, 16000}

const (
	frameRingDepth = 32
	playoutSeconds = 2
	frameChanDepth = 32
)

// EngineOption tunes an [Engine].
type EngineOption func(*Engine)

// WithInputDevice selects the capture device by name. Empty keeps the
// system default.
func WithInputDevice(name string) EngineOption {
	return func(e *Engine) { e.prefs.InputDevice = name }
}

// WithOutputDevice selects the playback device by name. Empty keeps the
// system default.
func WithOutputDevice(name string) EngineOption {
	return func(e *Engine) { e.prefs.OutputDevice = name }
}

// WithEchoCancellation requests platform echo cancellation on the stream.
func WithEchoCancellation(on bool) EngineOption {
	return func(e *Engine) { e.prefs.EchoCancellation = on }
}

// WithNoiseSuppression requests platform noise suppression on the stream.
func WithNoiseSuppression(on bool) EngineOption {
	return func(e *Engine) { e.prefs.NoiseSuppression = on }
}

// WithAutoGain requests platform automatic gain control on the stream.
func WithAutoGain(on bool) EngineOption {
	return func(e *Engine) { e.prefs.AutoGain = on }
}

// Engine owns the full-duplex stream. The capture half converts hardware
// samples to wire frames inside the real-time callback and hands them to
// the pump goroutine through a lock-free ring; the playout half drains
// queued assistant audio. What to do with a captured frame (forward it,
// gate it, meter it) is the caller's business: the engine just delivers.
//
// All exported methods are safe for concurrent use. Playback must be called
// from a single goroutine at a time.
type Engine struct {
	device Device
	prefs  StreamParams

	mu      sync.Mutex
	stream  Stream
	running bool

	proc    atomic.Pointer[duplexProcessor]
	ringPtr atomic.Pointer[FrameRing]

	// notify and frames outlive individual streams so consumers keep
	// their channels across reconfigurations. frames is never closed.
	notify chan struct{}
	frames chan Frame

	pumpCancel context.CancelFunc
	pumpDone   chan struct{}

	meterMu  sync.Mutex
	rms      float64
	waveform [WaveformBins]float32
}

var _ Reconfigurer = (*Engine)(nil)

// NewEngine builds an engine on top of a platform backend.
func NewEngine(device Device, opts ...EngineOption) *Engine {
	e := &Engine{
		device: device,
		prefs:  StreamParams{InputChannels: 1},
		notify: make(chan struct{}, 1),
		frames: make(chan Frame, frameChanDepth),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// duplexProcessor is the per-stream state touched by the real-time
// callback. It is built after the stream is opened, when the negotiated
// rate and buffer sizes are known, and installed before the stream starts.
type duplexProcessor struct {
	ring     *FrameRing
	playout  *PlayoutRing
	trans    *Transcoder
	scratch  []int16
	waveform [WaveformBins]float32
}

func (p *duplexProcessor) process(in, out []float32) {
	pcm := p.trans.Encode(in)
	mono := p.trans.Mono()
	rms := RMS(mono)
	FillWaveform(mono, &p.waveform)
	if len(pcm) > 0 {
		p.ring.Push(pcm, p.trans.WireRate(), rms, &p.waveform)
	}

	n := len(out)
	if n > len(p.scratch) {
		n = len(p.scratch)
	}
	p.playout.ReadInto(p.scratch[:n])
	for i := 0; i < n; i++ {
		out[i] = float32(p.scratch[i]) / 32768
	}
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
}

// callback is the DuplexFunc handed to the backend. It dispatches through
// an atomic pointer so the stream can be opened before the processor
// exists and swapped without stopping the audio thread mid-buffer.
func (e *Engine) callback(in, out []float32) {
	if p := e.proc.Load(); p != nil {
		p.process(in, out)
		return
	}
	for i := range out {
		out[i] = 0
	}
}

// Start requests microphone access, opens the duplex stream for route and
// begins delivering frames. Calling Start on a running engine is a no-op.
func (e *Engine) Start(ctx context.Context, route Route) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}

	if err := e.device.EnsureInputAccess(ctx); err != nil {
		return fmt.Errorf("audio: input access: %w", err)
	}
	if err := e.openLocked(route); err != nil {
		return err
	}
	if err := e.stream.Start(); err != nil {
		e.closeStreamLocked()
		return fmt.Errorf("audio: start stream: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	e.pumpCancel = cancel
	e.pumpDone = make(chan struct{})
	go e.pump(pumpCtx)

	e.running = true
	return nil
}

// Stop halts the stream, releases the device tap and stops frame delivery.
// Queued playout is discarded. Stopping a stopped engine is a no-op.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}

	err := e.closeStreamLocked()
	e.pumpCancel()
	<-e.pumpDone
	e.running = false
	return err
}

// Reconfigure reopens the stream for a new route, preserving whether the
// engine was capturing. Queued playout is dropped: it was decoded for the
// old stream's rate. On failure the engine stays up without a stream and
// the caller is expected to retry.
func (e *Engine) Reconfigure(ctx context.Context, route Route) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.closeStreamLocked(); err != nil {
		slog.Warn("audio: closing stream for reconfigure", "error", err)
	}
	if !e.running {
		return nil
	}
	if err := e.openLocked(route); err != nil {
		return fmt.Errorf("audio: reconfigure: %w", err)
	}
	if err := e.stream.Start(); err != nil {
		e.closeStreamLocked()
		return fmt.Errorf("audio: restart stream: %w", err)
	}
	return nil
}

// openLocked opens a stream for route, walking the hardware-rate ladder
// when the device rejects a format, and installs a fresh processor.
func (e *Engine) openLocked(route Route) error {
	params := ParamsForRoute(route)

	req := e.prefs
	var (
		stream Stream
		err    error
	)
	for _, rate := range hardwareRates {
		req.SampleRate = rate
		req.FramesPerBuffer = int(int64(rate) * int64(params.FrameDuration) / int64(time.Second))
		stream, err = e.device.Open(req, e.callback)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrNoUsableFormat) {
			return fmt.Errorf("audio: open duplex stream: %w", err)
		}
	}
	if err != nil {
		return fmt.Errorf("audio: open duplex stream: %w", err)
	}

	hwRate := stream.SampleRate()
	hwChannels := stream.InputChannels()
	fpb := stream.FramesPerBuffer()

	// Double the per-callback capacity: some backends deliver uneven
	// buffer sizes.
	maxFrames := fpb * 2
	trans, err := NewTranscoder(hwRate, hwChannels, params.WireRate, maxFrames)
	if err != nil {
		stream.Close()
		return err
	}
	maxBytes := (int(int64(maxFrames)*int64(params.WireRate)/int64(hwRate)) + 2) * 2

	proc := &duplexProcessor{
		ring:    NewFrameRing(frameRingDepth, maxBytes, e.notify),
		playout: NewPlayoutRing(hwRate * playoutSeconds),
		trans:   trans,
		scratch: make([]int16, fpb),
	}
	e.ringPtr.Store(proc.ring)
	e.proc.Store(proc)
	e.stream = stream

	slog.Info("audio: stream open",
		"route", route.Signature(),
		"hardware_rate", hwRate,
		"channels", hwChannels,
		"frames_per_buffer", fpb,
		"wire_rate", params.WireRate,
		"frame_duration", params.FrameDuration,
	)
	return nil
}

func (e *Engine) closeStreamLocked() error {
	if e.stream == nil {
		return nil
	}
	e.proc.Store(nil)
	errStop := e.stream.Stop()
	errClose := e.stream.Close()
	e.stream = nil
	return errors.Join(errStop, errClose)
}

// pump moves frames from the ring to the frames channel. One pump runs per
// started engine; it survives stream reconfigurations because the notify
// channel and the ring pointer do.
func (e *Engine) pump(ctx context.Context) {
	defer close(e.pumpDone)
	var f Frame
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.notify:
		}
		ring := e.ringPtr.Load()
		if ring == nil {
			continue
		}
		for ring.Pop(&f) {
			e.meterMu.Lock()
			e.rms = f.RMS
			e.waveform = f.Waveform
			e.meterMu.Unlock()
			select {
			case e.frames <- f:
				// The receiver owns the frame now; drop our
				// reference so the next Pop gets fresh backing.
				f = Frame{}
			case <-ctx.Done():
				return
			}
		}
	}
}

// Frames returns the capture stream. The channel is never closed and is
// stable across reconfigurations; when the engine is stopped it simply
// goes quiet.
func (e *Engine) Frames() <-chan Frame { return e.frames }

// Playback decodes wire PCM to the hardware rate and queues it for the
// speakers. It returns the duration of the queued chunk for playback-gate
// accounting. Call from one goroutine at a time.
func (e *Engine) Playback(pcm []byte) (time.Duration, error) {
	proc := e.proc.Load()
	if proc == nil {
		return 0, ErrNotRunning
	}
	samples := proc.trans.Decode(pcm)
	proc.playout.Write(samples)
	return PCMDuration(len(pcm), proc.trans.WireRate()), nil
}

// ClearPlayback drops everything queued for the speakers and returns the
// number of samples discarded.
func (e *Engine) ClearPlayback() int {
	if proc := e.proc.Load(); proc != nil {
		return proc.playout.Clear()
	}
	return 0
}

// Level returns the RMS of the most recent captured frame.
func (e *Engine) Level() float64 {
	e.meterMu.Lock()
	defer e.meterMu.Unlock()
	return e.rms
}

// Waveform returns the peak-per-bin rendering of the most recent captured
// frame.
func (e *Engine) Waveform() [WaveformBins]float32 {
	e.meterMu.Lock()
	defer e.meterMu.Unlock()
	return e.waveform
}

// Running reports whether Start has succeeded and Stop has not been called.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Dropped returns how many capture frames and playout samples have been
// discarded on the current stream because a ring was full.
func (e *Engine) Dropped() (captureFrames, playoutSamples uint64) {
	if proc := e.proc.Load(); proc != nil {
		return proc.ring.Dropped(), proc.playout.Dropped()
	}
	return 0, 0
}
