// Package gate implements half-duplex playback gating for full-duplex voice
// sessions that run without software echo cancellation.
//
// While assistant audio is playing, the microphone inevitably picks it up.
// Instead of cancelling the echo, the gate drops outgoing mic frames for the
// duration of the playback plus a short tail — unless the caller speaks
// loudly enough to count as a barge-in, in which case suppression ends
// immediately and that frame is forwarded so the backend can react.
package gate

import (
	"sync"
	"time"
)

const (
	// DefaultTail is how long suppression outlasts the queued playback,
	// covering room reverb and device output latency.
	DefaultTail = 250 * time.Millisecond

	// DefaultBargeInRMS is the mic level (RMS, 0..1) above which a frame
	// counts as intentional speech rather than echo.
	DefaultBargeInRMS = 0.035
)

// Option configures a [Gate].
type Option func(*Gate)

// WithTail overrides the suppression tail. Non-positive values are ignored.
func WithTail(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.tail = d
		}
	}
}

// WithBargeInRMS overrides the barge-in level threshold. Values outside
// (0, 1] are ignored.
func WithBargeInRMS(v float64) Option {
	return func(g *Gate) {
		if v > 0 && v <= 1 {
			g.threshold = v
		}
	}
}

// Gate tracks the playback suppression window. The zero value is not usable;
// construct with [New]. All methods are safe for concurrent use.
type Gate struct {
	mu        sync.Mutex
	tail      time.Duration
	threshold float64
	until     time.Time // window close; zero when no window is open
	timer     *time.Timer
	onBargeIn func()
}

// New returns a Gate with no window open.
func New(opts ...Option) *Gate {
	g := &Gate{
		tail:      DefaultTail,
		threshold: DefaultBargeInRMS,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// OnBargeIn registers fn to run when a loud mic frame cancels the window.
// It is invoked synchronously from the goroutine calling [Gate.Admit], never
// from an audio callback. Only one handler is kept; later calls replace it.
func (g *Gate) OnBargeIn(fn func()) {
	g.mu.Lock()
	g.onBargeIn = fn
	g.mu.Unlock()
}

// NotePlayback extends the suppression window for a playback chunk of
// duration d. From idle the window closes at now + d + tail. While a window
// is already open, chunks queue behind the audio scheduled so far, so each
// one extends the window by its own duration.
func (g *Gate) NotePlayback(d time.Duration) {
	if d <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	start := now
	if g.until.After(now) {
		if end := g.until.Add(-g.tail); end.After(now) {
			start = end
		}
	}
	g.until = start.Add(d + g.tail)

	if g.timer == nil {
		g.timer = time.AfterFunc(g.until.Sub(now), g.expire)
	} else {
		g.timer.Reset(g.until.Sub(now))
	}
}

// Admit decides whether a captured mic frame with the given RMS level may be
// forwarded to the network. With no window open every frame passes. With a
// window open, frames below the barge-in threshold are dropped; the first
// frame at or above it cancels the window, fires the barge-in handler, and
// is itself forwarded.
func (g *Gate) Admit(rms float64) bool {
	g.mu.Lock()
	if g.until.IsZero() || !time.Now().Before(g.until) {
		g.until = time.Time{}
		g.mu.Unlock()
		return true
	}
	if rms < g.threshold {
		g.mu.Unlock()
		return false
	}

	g.until = time.Time{}
	if g.timer != nil {
		g.timer.Stop()
	}
	fn := g.onBargeIn
	g.mu.Unlock()

	if fn != nil {
		fn()
	}
	return true
}

// Suppressing reports whether a playback window is currently open.
func (g *Gate) Suppressing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.until.IsZero() && time.Now().Before(g.until)
}

// SetTuning adjusts the tail and threshold at runtime (config reload).
// Invalid values leave the respective setting unchanged. The new tail
// applies from the next playback chunk.
func (g *Gate) SetTuning(tail time.Duration, threshold float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if tail > 0 {
		g.tail = tail
	}
	if threshold > 0 && threshold <= 1 {
		g.threshold = threshold
	}
}

// expire runs from the window timer and clears suppression once the deadline
// has genuinely passed. A window extended after the timer was scheduled
// stays open.
func (g *Gate) expire() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.until.IsZero() && !time.Now().Before(g.until) {
		g.until = time.Time{}
	}
}
