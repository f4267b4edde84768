// Package session wires the websocket client, the audio engine, the playback
// gate, the route monitor and the transcript assembler into one full-duplex
// voice conversation. All client-side metrics are recorded here; the packages
// under pkg/ stay observability-free.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/parlancehq/parlance/internal/config"
	"github.com/parlancehq/parlance/internal/gate"
	"github.com/parlancehq/parlance/internal/observe"
	"github.com/parlancehq/parlance/internal/transcript"
	"github.com/parlancehq/parlance/pkg/audio"
	"github.com/parlancehq/parlance/pkg/client"
)

const (
	// transcriptBuffer bounds the segment fan-out channel. Partials arrive
	// at conversation speed, so a slow reader loses old partials first.
	transcriptBuffer = 64

	// stateBuffer bounds the forwarded connection-state channel.
	stateBuffer = 16
)

// Option customises a Session.
type Option func(*Session)

// WithMetrics overrides the metric set the session records to. Tests use
// this with a manual-reader provider; production uses the default set.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Session is one live voice conversation: microphone uplink, assistant
// playback downlink, transcript fan-out and route supervision, all running
// until Stop.
type Session struct {
	id      string
	cfg     *config.Config
	dev     audio.Device
	metrics *observe.Metrics
	log     *slog.Logger

	conn *client.Client
	eng  *audio.Engine
	gate *gate.Gate
	asm  *transcript.Assembler

	transcripts chan transcript.Segment
	states      chan client.State

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	eg      *errgroup.Group
	monitor *audio.RouteMonitor
}

// New builds a session from a validated configuration and an audio backend.
// Nothing is opened or dialled until Start.
func New(cfg *config.Config, dev audio.Device, opts ...Option) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("session: nil config")
	}
	if dev == nil {
		return nil, errors.New("session: nil audio device")
	}

	s := &Session{
		id:          uuid.NewString(),
		cfg:         cfg,
		dev:         dev,
		metrics:     observe.DefaultMetrics(),
		transcripts: make(chan transcript.Segment, transcriptBuffer),
		states:      make(chan client.State, stateBuffer),
		asm:         transcript.NewAssembler(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = slog.With("session_id", s.id)

	s.eng = audio.NewEngine(dev,
		audio.WithInputDevice(cfg.Audio.InputDevice),
		audio.WithOutputDevice(cfg.Audio.OutputDevice),
		audio.WithEchoCancellation(cfg.Audio.EchoCancellation),
		audio.WithNoiseSuppression(cfg.Audio.NoiseSuppression),
		audio.WithAutoGain(cfg.Audio.AutoGain),
	)
	s.gate = gate.New(
		gate.WithTail(cfg.Gate.Tail.Std()),
		gate.WithBargeInRMS(cfg.Gate.BargeInRMS),
	)

	copts := []client.Option{
		client.WithHeartbeatInterval(cfg.Connection.HeartbeatInterval.Std()),
		client.WithReadyTimeout(cfg.Connection.ReadyTimeout.Std()),
		client.WithMaxReconnectAttempts(cfg.Connection.MaxReconnectAttempts),
		client.WithBackoffBase(cfg.Connection.ReconnectBackoff.Std()),
		client.WithPongHook(func(rtt time.Duration) {
			s.metrics.HeartbeatRTT.Record(context.Background(), rtt.Seconds())
		}),
	}
	if cfg.Session.Token != "" {
		copts = append(copts, client.WithToken(cfg.Session.Token))
	}
	if cfg.Session.ContextID != "" {
		copts = append(copts, client.WithContextID(cfg.Session.ContextID))
	}
	s.conn = client.New(cfg.Session.URL, copts...)

	return s, nil
}

// ID returns the session identifier carried on every log line.
func (s *Session) ID() string { return s.id }

// Start connects to the backend, opens the audio stream for the current
// route and launches the session goroutines. It fails if the session is
// already running; a failure partway through unwinds whatever had started.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("session: already started")
	}

	route, err := s.dev.Route(ctx)
	if err != nil {
		s.log.Warn("initial route query failed, assuming default route", "err", err)
		route = audio.Route{}
	}

	dialStart := time.Now()
	if err := s.conn.Connect(ctx); err != nil {
		return fmt.Errorf("session: connect: %w", err)
	}
	s.metrics.ConnectDuration.Record(ctx, time.Since(dialStart).Seconds())

	if err := s.eng.Start(ctx, route); err != nil {
		_ = s.conn.Disconnect()
		return fmt.Errorf("session: start audio: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.gate.OnBargeIn(func() {
		cleared := s.eng.ClearPlayback()
		s.metrics.BargeIns.Add(runCtx, 1)
		s.log.Debug("barge-in, playout cleared", "samples", cleared)
	})

	s.monitor = audio.NewRouteMonitor(s.dev, &timedReconfigurer{eng: s.eng, metrics: s.metrics}, route,
		audio.WithPollInterval(s.cfg.Audio.RoutePollInterval.Std()),
		audio.WithDebounce(s.cfg.Audio.RouteDebounce.Std()),
		audio.WithOnChange(func(r audio.Route, material bool, err error) {
			if err != nil {
				s.log.Warn("route reconfiguration failed", "route", r.Signature(), "err", err)
				return
			}
			s.metrics.RecordRouteChange(runCtx, material)
			s.log.Info("audio route changed", "route", r.Signature(), "material", material)
		}),
	)

	eg, egCtx := errgroup.WithContext(runCtx)

	// ── goroutine 1: microphone uplink ────────────────────────────────────────
	eg.Go(func() error { return s.uplink(egCtx) })

	// ── goroutine 2: playback and event downlink ──────────────────────────────
	eg.Go(func() error { return s.downlink(egCtx) })

	// ── goroutine 3: connection state watcher ─────────────────────────────────
	eg.Go(func() error { return s.watchStates(egCtx) })

	// ── goroutine 4: route monitor ─────────────────────────────────────────────
	eg.Go(func() error { return s.monitor.Run(egCtx) })

	s.eg = eg
	s.started = true
	s.metrics.ActiveSessions.Add(ctx, 1)

	params := audio.ParamsForRoute(route)
	s.log.Info("session started",
		"url", s.cfg.Session.URL,
		"route", route.Signature(),
		"wire_rate_hz", params.WireRate,
		"frame_duration", params.FrameDuration,
	)
	return nil
}

// Stop tears the session down: pumps and monitor first, then the socket,
// then the audio stream. Calling Stop on a session that never started, or
// twice, is a no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}

	s.cancel()
	if err := s.conn.Disconnect(); err != nil {
		s.log.Warn("session: disconnect error", "err", err)
	}
	if err := s.eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("session: pump exited with error", "err", err)
	}
	if err := s.eng.Stop(); err != nil {
		s.log.Warn("session: audio stop error", "err", err)
	}
	s.asm.Reset()

	s.started = false
	s.metrics.ActiveSessions.Add(context.Background(), -1)
	s.log.Info("session stopped")
	return nil
}

// Running reports whether Start has completed and Stop has not.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// SendText submits a typed utterance on the live connection.
func (s *Session) SendText(text string) error { return s.conn.SendText(text) }

// SendStop asks the backend to cancel the response currently being spoken.
func (s *Session) SendStop() error { return s.conn.SendStop() }

// ConnState returns the connection's current lifecycle state.
func (s *Session) ConnState() client.State { return s.conn.State() }

// AudioRunning reports whether the duplex audio stream is open.
func (s *Session) AudioRunning() bool { return s.eng.Running() }

// Level returns the smoothed microphone level for display.
func (s *Session) Level() float64 { return s.eng.Level() }

// Waveform returns the current display waveform bins.
func (s *Session) Waveform() [audio.WaveformBins]float32 { return s.eng.Waveform() }

// Transcripts returns the transcript segment stream. The channel is never
// closed; when the session stops it simply goes quiet.
func (s *Session) Transcripts() <-chan transcript.Segment { return s.transcripts }

// States returns the forwarded connection-state stream.
func (s *Session) States() <-chan client.State { return s.states }

// SetGateTuning applies reloaded gate parameters to the live session.
func (s *Session) SetGateTuning(tail time.Duration, threshold float64) {
	s.gate.SetTuning(tail, threshold)
}

// uplink forwards admitted capture frames to the backend. Frames held back
// by the gate or arriving while the connection is recovering are dropped and
// counted; the microphone never blocks on the network.
func (s *Session) uplink(ctx context.Context) error {
	frames := s.eng.Frames()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-frames:
			if !s.gate.Admit(f.RMS) {
				s.metrics.RecordFrameDropped(ctx, "gate")
				continue
			}
			if err := s.conn.SendAudio(f.PCM); err != nil {
				s.metrics.RecordFrameDropped(ctx, "not_connected")
				continue
			}
			s.metrics.FramesSent.Add(ctx, 1)
		}
	}
}

// downlink queues assistant audio for playout and folds server events into
// the transcript assembler.
func (s *Session) downlink(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pcm := <-s.conn.Audio():
			d, err := s.eng.Playback(pcm)
			if err != nil {
				// Expected mid-reconfigure: the chunk was encoded for a
				// stream that no longer exists.
				s.log.Debug("playback chunk dropped", "err", err)
				continue
			}
			s.gate.NotePlayback(d)
			s.metrics.PlaybackChunks.Add(ctx, 1)
		case ev := <-s.conn.Events():
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Session) handleEvent(ctx context.Context, ev client.ServerEvent) {
	switch ev.Type {
	case client.TypeError:
		// Backend errors are advisory. The connection stays up.
		s.log.Warn("backend reported an error", "message", ev.Message)
		return
	case client.TypeSpeechStarted, client.TypeSpeechStopped, client.TypeResponseDone:
		s.log.Debug("conversation event", "type", ev.Type)
	}
	if seg, ok := s.asm.Apply(ev); ok {
		s.publishSegment(ctx, seg)
	}
}

func (s *Session) publishSegment(ctx context.Context, seg transcript.Segment) {
	s.metrics.RecordTranscriptSegment(ctx, string(seg.Source), seg.Final)
	select {
	case s.transcripts <- seg:
	default:
		// Slow reader: drop the oldest segment to keep the newest.
		select {
		case <-s.transcripts:
		default:
		}
		select {
		case s.transcripts <- seg:
		default:
		}
	}
}

// watchStates forwards connection states to observers and records recovery
// outcomes: a Connected that follows Reconnecting is a restored cycle, a
// Failed ends one unsuccessfully.
func (s *Session) watchStates(ctx context.Context) error {
	recovering := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st := <-s.conn.States():
			switch v := st.(type) {
			case client.Reconnecting:
				recovering = true
				s.log.Warn("connection lost, reconnecting", "attempt", v.Attempt)
			case client.Connected:
				if recovering {
					recovering = false
					s.metrics.RecordReconnect(ctx, "restored")
					s.log.Info("connection restored")
				}
			case client.Failed:
				// Failed always ends a recovery cycle; the Reconnecting
				// transition that opened it may have been dropped by a
				// lagging reader.
				recovering = false
				s.metrics.RecordReconnect(ctx, "failed")
				s.log.Error("connection failed permanently", "reason", v.Reason)
			}
			select {
			case s.states <- st:
			default:
				select {
				case <-s.states:
				default:
				}
				select {
				case s.states <- st:
				default:
				}
			}
		}
	}
}

// timedReconfigurer wraps the engine so route-change reconfigurations are
// timed without the audio package knowing about metrics.
type timedReconfigurer struct {
	eng     *audio.Engine
	metrics *observe.Metrics
}

func (t *timedReconfigurer) Reconfigure(ctx context.Context, route audio.Route) error {
	start := time.Now()
	err := t.eng.Reconfigure(ctx, route)
	t.metrics.ReconfigureDuration.Record(ctx, time.Since(start).Seconds())
	return err
}
