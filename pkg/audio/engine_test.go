package audio_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parlancehq/parlance/pkg/audio"
	"github.com/parlancehq/parlance/pkg/audio/mock"
)

func constSamples(n int, v float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func recvFrame(t *testing.T, ch <-chan audio.Frame) audio.Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a captured frame")
		return audio.Frame{}
	}
}

func startEngine(t *testing.T, dev *mock.Device, route audio.Route, opts ...audio.EngineOption) *audio.Engine {
	t.Helper()
	eng := audio.NewEngine(dev, opts...)
	if err := eng.Start(context.Background(), route); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { eng.Stop() })
	return eng
}

func TestEngine_DeliversWireFrames(t *testing.T) {
	dev := &mock.Device{}
	eng := startEngine(t, dev, routeBuiltIn)

	stream := dev.LastStream()
	if !stream.Started() {
		t.Fatal("expected the stream to be started")
	}
	if got := stream.FramesPerBuffer(); got != 2400 {
		t.Fatalf("frames per buffer: got %d, want 2400 (50ms at 48kHz)", got)
	}

	stream.Deliver(constSamples(2400, 0.5))
	f := recvFrame(t, eng.Frames())

	if f.Rate != 24000 {
		t.Errorf("frame rate: got %d, want 24000", f.Rate)
	}
	if len(f.PCM) != 2400 {
		t.Errorf("frame PCM: got %d bytes, want 2400 (50ms at 24kHz)", len(f.PCM))
	}
	if got := f.Duration(); got != 50*time.Millisecond {
		t.Errorf("frame duration: got %v, want 50ms", got)
	}
	if f.RMS < 0.49 || f.RMS > 0.51 {
		t.Errorf("frame RMS: got %v, want ~0.5", f.RMS)
	}
	if f.Waveform[0] < 0.49 || f.Waveform[0] > 0.51 {
		t.Errorf("waveform bin 0: got %v, want ~0.5", f.Waveform[0])
	}
}

func TestEngine_StartIsIdempotent(t *testing.T) {
	dev := &mock.Device{}
	eng := startEngine(t, dev, routeBuiltIn)

	if err := eng.Start(context.Background(), routeBuiltIn); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if got := len(dev.OpenCalls); got != 1 {
		t.Errorf("expected 1 Open call, got %d", got)
	}
	if dev.CallCountAccess != 1 {
		t.Errorf("expected 1 access check, got %d", dev.CallCountAccess)
	}
}

func TestEngine_PermissionDenied(t *testing.T) {
	dev := &mock.Device{AccessError: audio.ErrPermissionDenied}
	eng := audio.NewEngine(dev)

	err := eng.Start(context.Background(), routeBuiltIn)
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if len(dev.OpenCalls) != 0 {
		t.Error("expected no Open attempt after denied access")
	}
	if eng.Running() {
		t.Error("engine reports running after failed Start")
	}
}

func TestEngine_FallsBackThroughHardwareRates(t *testing.T) {
	dev := &mock.Device{RejectRates: []int{48000, 44100}}
	eng := startEngine(t, dev, routeBuiltIn)

	if got := len(dev.OpenCalls); got != 3 {
		t.Fatalf("expected 3 Open attempts, got %d", got)
	}
	if got := dev.LastStream().SampleRate(); got != 24000 {
		t.Errorf("negotiated rate: got %d, want 24000", got)
	}
	if !eng.Running() {
		t.Error("engine not running after fallback")
	}
}

func TestEngine_NoUsableFormat(t *testing.T) {
	dev := &mock.Device{RejectRates: []int{48000, 44100, 24000, 16000}}
	eng := audio.NewEngine(dev)

	err := eng.Start(context.Background(), routeBuiltIn)
	if !errors.Is(err, audio.ErrNoUsableFormat) {
		t.Fatalf("expected ErrNoUsableFormat, got %v", err)
	}
}

func TestEngine_DownmixesNegotiatedStereo(t *testing.T) {
	dev := &mock.Device{
		Negotiate: func(p audio.StreamParams) audio.StreamParams {
			p.InputChannels = 2
			return p
		},
	}
	eng := startEngine(t, dev, routeBuiltIn)

	// Interleaved L/R that cancels to silence when averaged.
	in := make([]float32, 4800)
	for i := 0; i < len(in); i += 2 {
		in[i], in[i+1] = 0.5, -0.5
	}
	dev.LastStream().Deliver(in)

	f := recvFrame(t, eng.Frames())
	if f.RMS != 0 {
		t.Errorf("RMS of cancelling stereo: got %v, want 0", f.RMS)
	}
	for i, b := range f.PCM {
		if b != 0 {
			t.Fatalf("PCM byte %d: got %d, want 0", i, b)
		}
	}
}

func TestEngine_PlaybackReachesCallback(t *testing.T) {
	dev := &mock.Device{}
	eng := startEngine(t, dev, routeBuiltIn)
	stream := dev.LastStream()

	// 100ms of a constant half-scale tone at the 24kHz wire rate.
	pcm := samplesToBytes(constInt16(2400, 16384))
	dur, err := eng.Playback(pcm)
	if err != nil {
		t.Fatalf("Playback: %v", err)
	}
	if dur != 100*time.Millisecond {
		t.Errorf("queued duration: got %v, want 100ms", dur)
	}

	out := stream.Deliver(make([]float32, 2400))
	if out[0] < 0.49 || out[0] > 0.51 {
		t.Errorf("playout sample 0: got %v, want ~0.5", out[0])
	}
	// 100ms of wire audio upsamples to two 50ms hardware buffers.
	out = stream.Deliver(make([]float32, 2400))
	if out[0] < 0.49 || out[0] > 0.51 {
		t.Errorf("second buffer sample 0: got %v, want ~0.5", out[0])
	}
	out = stream.Deliver(make([]float32, 2400))
	if out[0] != 0 {
		t.Errorf("drained ring should play silence, got %v", out[0])
	}
}

func TestEngine_ClearPlaybackSilencesOutput(t *testing.T) {
	dev := &mock.Device{}
	eng := startEngine(t, dev, routeBuiltIn)

	eng.Playback(samplesToBytes(constInt16(2400, 16384)))
	if n := eng.ClearPlayback(); n == 0 {
		t.Fatal("ClearPlayback dropped nothing")
	}

	out := dev.LastStream().Deliver(make([]float32, 2400))
	for i, v := range out {
		if v != 0 {
			t.Fatalf("sample %d after clear: got %v, want 0", i, v)
		}
	}
}

func TestEngine_PlaybackWhenStopped(t *testing.T) {
	eng := audio.NewEngine(&mock.Device{})
	if _, err := eng.Playback([]byte{0, 0}); !errors.Is(err, audio.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestEngine_StopReleasesStream(t *testing.T) {
	dev := &mock.Device{}
	eng := startEngine(t, dev, routeBuiltIn)
	stream := dev.LastStream()

	if err := eng.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stream.Started() {
		t.Error("stream still started after Stop")
	}
	if stream.CallCountClose != 1 {
		t.Errorf("stream Close calls: got %d, want 1", stream.CallCountClose)
	}
	if eng.Running() {
		t.Error("engine reports running after Stop")
	}

	// Stopping again is a no-op.
	if err := eng.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if stream.CallCountClose != 1 {
		t.Errorf("second Stop closed the stream again (%d closes)", stream.CallCountClose)
	}
}

func TestEngine_ReconfigureSwapsProfileKeepsChannel(t *testing.T) {
	dev := &mock.Device{}
	eng := startEngine(t, dev, routeBuiltIn)
	frames := eng.Frames()
	first := dev.LastStream()

	if err := eng.Reconfigure(context.Background(), routeHeadset); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}

	if first.CallCountClose != 1 {
		t.Errorf("old stream Close calls: got %d, want 1", first.CallCountClose)
	}
	second := dev.LastStream()
	if second == first {
		t.Fatal("expected a new stream after Reconfigure")
	}
	if !second.Started() {
		t.Error("new stream not started")
	}
	if got := second.FramesPerBuffer(); got != 960 {
		t.Errorf("frames per buffer: got %d, want 960 (20ms at 48kHz)", got)
	}

	// The pre-reconfigure channel keeps delivering, now at the
	// low-bandwidth wire rate.
	second.Deliver(constSamples(960, 0.25))
	f := recvFrame(t, frames)
	if f.Rate != 16000 {
		t.Errorf("frame rate after reconfigure: got %d, want 16000", f.Rate)
	}
	if got := f.Duration(); got != 20*time.Millisecond {
		t.Errorf("frame duration: got %v, want 20ms", got)
	}
}

func TestEngine_ReconfigureWhileStoppedStaysStopped(t *testing.T) {
	dev := &mock.Device{}
	eng := audio.NewEngine(dev)

	if err := eng.Reconfigure(context.Background(), routeHeadset); err != nil {
		t.Fatalf("Reconfigure on a stopped engine: %v", err)
	}
	if len(dev.OpenCalls) != 0 {
		t.Error("stopped engine opened a stream on Reconfigure")
	}
}

func TestEngine_LevelTracksLastFrame(t *testing.T) {
	dev := &mock.Device{}
	eng := startEngine(t, dev, routeBuiltIn)

	dev.LastStream().Deliver(constSamples(2400, 0.5))
	recvFrame(t, eng.Frames())

	if got := eng.Level(); got < 0.49 || got > 0.51 {
		t.Errorf("Level: got %v, want ~0.5", got)
	}
	wf := eng.Waveform()
	if wf[audio.WaveformBins-1] < 0.49 || wf[audio.WaveformBins-1] > 0.51 {
		t.Errorf("waveform tail bin: got %v, want ~0.5", wf[audio.WaveformBins-1])
	}
}

func TestEngine_CountsDroppedFramesUnderBackpressure(t *testing.T) {
	dev := &mock.Device{}
	eng := startEngine(t, dev, routeBuiltIn)
	stream := dev.LastStream()

	// Nothing consumes Frames(), so the channel, the pump and the ring
	// all fill; the remainder must be dropped, not block the callback.
	in := constSamples(2400, 0.1)
	for range 200 {
		stream.Deliver(in)
	}

	captureDrops, _ := eng.Dropped()
	if captureDrops == 0 {
		t.Error("expected dropped capture frames under backpressure")
	}
}

func constInt16(n int, v int16) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = v
	}
	return s
}
