package audio

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// RouteParams are the wire-format parameters a route calls for.
type RouteParams struct {
	WireRate      int
	FrameDuration time.Duration
}

// ParamsForRoute returns the wire profile for a route. The normal profile
// favours fidelity; the low-bandwidth profile keeps Bluetooth hands-free
// links inside their duplex budget.
func ParamsForRoute(r Route) RouteParams {
	if r.LowBandwidth {
		return RouteParams{WireRate: 16000, FrameDuration: 20 * time.Millisecond}
	}
	return RouteParams{WireRate: 24000, FrameDuration: 50 * time.Millisecond}
}

// lowBandwidthKeywords mark device names whose links run a constrained
// duplex profile.
var lowBandwidthKeywords = []string{"bluetooth", "hands-free", "hfp", "hsp", "airpods"}

// ClassifyRoute builds a Route from device names, flagging low-bandwidth
// links by name. Backends use it where the platform exposes no direct
// transport signal.
func ClassifyRoute(inputName, outputName string) Route {
	r := Route{InputName: inputName, OutputName: outputName}
	in, out := strings.ToLower(inputName), strings.ToLower(outputName)
	for _, kw := range lowBandwidthKeywords {
		if strings.Contains(in, kw) || strings.Contains(out, kw) {
			r.LowBandwidth = true
			break
		}
	}
	return r
}

// Reconfigurer reopens the duplex stream for a new route. Implemented by
// [Engine].
type Reconfigurer interface {
	Reconfigure(ctx context.Context, route Route) error
}

// RouteMonitor default tuning.
const (
	DefaultRoutePollInterval = 250 * time.Millisecond
	DefaultRouteDebounce     = time.Second
)

// RouteMonitorOption tunes a [RouteMonitor].
type RouteMonitorOption func(*RouteMonitor)

// WithPollInterval sets how often the route is sampled. Values <= 0 keep
// the default.
func WithPollInterval(d time.Duration) RouteMonitorOption {
	return func(m *RouteMonitor) {
		if d > 0 {
			m.poll = d
		}
	}
}

// WithDebounce sets how long a new route must stay stable before the change
// is processed. Values <= 0 keep the default.
func WithDebounce(d time.Duration) RouteMonitorOption {
	return func(m *RouteMonitor) {
		if d > 0 {
			m.debounce = d
		}
	}
}

// WithOnChange registers a hook invoked after every settled route change,
// successful or not. material reports whether the duplex profile flipped.
// The hook runs on the monitor goroutine and must not block.
func WithOnChange(fn func(route Route, material bool, err error)) RouteMonitorOption {
	return func(m *RouteMonitor) { m.onChange = fn }
}

// RouteMonitor polls a [RouteSource] and reconfigures the stream when the
// duplex profile flips. Changes are debounced: a route must hold still for
// the debounce interval before it is processed, and a flap back to the
// current route cancels the pending change entirely. Changes within the same
// profile are tracked without touching the stream. Reconfigurations are
// applied one at a time on the monitor goroutine.
type RouteMonitor struct {
	source   RouteSource
	target   Reconfigurer
	current  Route
	poll     time.Duration
	debounce time.Duration
	onChange func(route Route, material bool, err error)
	kick     chan struct{}
}

// NewRouteMonitor builds a monitor. initial is the route the stream is
// currently open with; only departures from it trigger reconfiguration.
func NewRouteMonitor(source RouteSource, target Reconfigurer, initial Route, opts ...RouteMonitorOption) *RouteMonitor {
	m := &RouteMonitor{
		source:   source,
		target:   target,
		current:  initial,
		poll:     DefaultRoutePollInterval,
		debounce: DefaultRouteDebounce,
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Refresh asks the monitor to sample the route now instead of waiting for
// the next poll tick. Non-blocking.
func (m *RouteMonitor) Refresh() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled. All monitor state lives on this
// goroutine; call Run exactly once.
func (m *RouteMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	var (
		settle     *time.Timer
		settleC    <-chan time.Time
		pending    Route
		hasPending bool
		pollFailed bool
	)

	stopSettle := func() {
		if settle != nil && !settle.Stop() {
			select {
			case <-settle.C:
			default:
			}
		}
		settleC = nil
	}
	startSettle := func() {
		stopSettle()
		if settle == nil {
			settle = time.NewTimer(m.debounce)
		} else {
			settle.Reset(m.debounce)
		}
		settleC = settle.C
	}

	check := func() {
		route, err := m.source.Route(ctx)
		if err != nil {
			if !pollFailed {
				slog.Warn("audio: route poll failed", "error", err)
				pollFailed = true
			}
			return
		}
		pollFailed = false

		sig := route.Signature()
		switch {
		case sig == m.current.Signature():
			if hasPending {
				hasPending = false
				stopSettle()
			}
		case !hasPending || sig != pending.Signature():
			pending = route
			hasPending = true
			startSettle()
		}
	}

	for {
		select {
		case <-ctx.Done():
			stopSettle()
			return ctx.Err()
		case <-ticker.C:
			check()
		case <-m.kick:
			check()
		case <-settleC:
			settleC = nil
			if !hasPending {
				continue
			}
			hasPending = false
			if !pending.MaterialChangeFrom(m.current) {
				// Same duplex profile: the open stream's wire
				// parameters still apply, so only the tracked
				// route moves.
				slog.Debug("audio: route changed, profile unchanged",
					"route", pending.Signature(),
				)
				m.current = pending
				if m.onChange != nil {
					m.onChange(pending, false, nil)
				}
				continue
			}
			err := m.target.Reconfigure(ctx, pending)
			if err != nil {
				// Keep the old route current so the next poll
				// schedules a retry after another debounce.
				slog.Warn("audio: route reconfigure failed",
					"route", pending.Signature(),
					"error", err,
				)
			} else {
				slog.Info("audio: route changed",
					"route", pending.Signature(),
					"material", true,
				)
				m.current = pending
			}
			if m.onChange != nil {
				m.onChange(pending, true, err)
			}
		}
	}
}
