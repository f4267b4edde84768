// Package client speaks the voice backend's WebSocket protocol: raw PCM16
// audio as binary frames in both directions, JSON control events as text
// frames.
//
// A [Client] owns one logical connection through arbitrarily many physical
// ones: when an established connection drops it reconnects with exponential
// backoff, surfacing the recovery cycle through the state stream. The
// event, audio and state channels stay valid across reconnects and are
// never closed.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// ErrNotConnected is returned synchronously by send operations when no
// established connection exists.
var ErrNotConnected = errors.New("client: not connected")

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("client: closed")

// Defaults for the connection state machine.
const (
	DefaultHeartbeatInterval    = 15 * time.Second
	DefaultReadyTimeout         = 500 * time.Millisecond
	DefaultMaxReconnectAttempts = 5
	DefaultBackoffBase          = time.Second
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second

	// Binary frames carry bursts of decoded speech; the coder/websocket
	// default read limit of 32KiB is too tight for them.
	readLimit = 1 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithToken authenticates the connection. The token travels as a query
// parameter on the WebSocket URL.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithContextID pins the conversation context to resume on the backend.
func WithContextID(id string) Option {
	return func(c *Client) { c.contextID = id }
}

// WithHeartbeatInterval sets how often protocol pings are sent. Values <= 0
// keep the default.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.heartbeat = d
		}
	}
}

// WithReadyTimeout bounds how long Connect waits for the backend's ready
// event before proceeding anyway. Values <= 0 keep the default.
func WithReadyTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.readyTimeout = d
		}
	}
}

// WithMaxReconnectAttempts caps the automatic recovery cycle. Values <= 0
// keep the default.
func WithMaxReconnectAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackoffBase sets the first reconnect delay; attempt k waits
// base << (k-1). Values <= 0 keep the default.
func WithBackoffBase(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.backoffBase = d
		}
	}
}

// WithPongHook registers a callback invoked with the measured round-trip
// time of every answered heartbeat. The hook runs on the receive loop and
// must not block.
func WithPongHook(fn func(rtt time.Duration)) Option {
	return func(c *Client) { c.pongHook = fn }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client is the connection state machine for one backend session.
// All methods are safe for concurrent use.
type Client struct {
	url       string
	token     string
	contextID string

	heartbeat    time.Duration
	readyTimeout time.Duration
	maxAttempts  int
	backoffBase  time.Duration
	pongHook     func(time.Duration)

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	gen        int
	loopCancel context.CancelFunc
	closed     bool

	monitorOnce sync.Once
	lost        chan struct{}

	events chan ServerEvent
	audio  chan []byte
	states chan State

	pingAt      atomic.Int64
	pingPending atomic.Bool
}

// New builds a Client for the backend at rawURL (a ws:// or wss://
// endpoint). The connection is not dialed until Connect.
func New(rawURL string, opts ...Option) *Client {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	c := &Client{
		url:          rawURL,
		heartbeat:    DefaultHeartbeatInterval,
		readyTimeout: DefaultReadyTimeout,
		maxAttempts:  DefaultMaxReconnectAttempts,
		backoffBase:  DefaultBackoffBase,
		rootCtx:      rootCtx,
		rootCancel:   rootCancel,
		state:        Disconnected{},
		lost:         make(chan struct{}, 1),
		events:       make(chan ServerEvent, 16),
		audio:        make(chan []byte, 64),
		states:       make(chan State, 16),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect establishes the connection and waits briefly for the backend's
// ready event. Calling Connect while a connection exists or is being
// established is a no-op. A failed initial dial leaves the client
// Disconnected; automatic recovery only covers connections that drop after
// being established.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.state.(type) {
	case Connected, Connecting, Reconnecting:
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(Connecting{})
	c.mu.Unlock()

	c.monitorOnce.Do(func() { go c.monitor(c.rootCtx) })

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(Disconnected{})
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "client closed")
		return ErrClosed
	}
	if _, ok := c.state.(Connecting); !ok {
		// Disconnected while the dial was in flight; the teardown wins.
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return nil
	}
	ready := c.startConnLocked(conn)
	// Connected on open; the ready wait below is best effort. A drop during
	// the wait is a loss of an established connection and recovers normally.
	c.setStateLocked(Connected{})
	c.mu.Unlock()

	c.awaitReady(ctx, ready)
	return nil
}

// Disconnect tears the connection down deliberately, without triggering
// recovery. Idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.state.(Disconnected); ok {
		return nil
	}
	c.teardownLocked(websocket.StatusNormalClosure, "client disconnect")
	c.setStateLocked(Disconnected{})
	return nil
}

// Close disconnects and releases the client. Further Connect calls return
// [ErrClosed]. The event, audio and state channels are left open but go
// quiet. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.teardownLocked(websocket.StatusNormalClosure, "client closed")
		c.setStateLocked(Disconnected{})
	}
	c.mu.Unlock()
	c.rootCancel()
	return nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// States streams lifecycle transitions. The channel is buffered; when the
// consumer lags, intermediate transitions are dropped in favour of recent
// ones. Never closed.
func (c *Client) States() <-chan State { return c.states }

// Events streams decoded server events. Ready and pong are handled
// internally and do not appear here. Never closed.
func (c *Client) Events() <-chan ServerEvent { return c.events }

// Audio streams the backend's binary PCM frames. Never closed.
func (c *Client) Audio() <-chan []byte { return c.audio }

// SendAudio transmits one wire frame of raw PCM16 as a binary message.
func (c *Client) SendAudio(pcm []byte) error {
	return c.write(websocket.MessageBinary, pcm)
}

// SendText submits typed user input to the conversation.
func (c *Client) SendText(text string) error {
	payload, err := EncodeText(text)
	if err != nil {
		return err
	}
	return c.write(websocket.MessageText, payload)
}

// SendStop asks the backend to cancel the in-flight response.
func (c *Client) SendStop() error {
	return c.write(websocket.MessageText, EncodeStop())
}

func (c *Client) write(typ websocket.MessageType, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	gen := c.gen
	connected := false
	if _, ok := c.state.(Connected); ok && conn != nil {
		connected = true
	}
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(c.rootCtx, writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, typ, payload); err != nil {
		c.connLost(gen, fmt.Errorf("write: %w", err))
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

// ── Connection lifecycle internals ─────────────────────────────────────────────

// dial opens one physical connection, carrying auth and context as query
// parameters.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	q := u.Query()
	if c.token != "" {
		q.Set("token", c.token)
	}
	if c.contextID != "" {
		q.Set("context_id", c.contextID)
	}
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// startConnLocked adopts a freshly dialed connection and starts its loops.
// Returns the channel signalled by the backend's ready event.
func (c *Client) startConnLocked(conn *websocket.Conn) <-chan struct{} {
	c.gen++
	gen := c.gen
	loopCtx, cancel := context.WithCancel(c.rootCtx)
	c.conn = conn
	c.loopCancel = cancel

	ready := make(chan struct{}, 1)
	go c.receiveLoop(loopCtx, conn, gen, ready)
	go c.heartbeatLoop(loopCtx, conn, gen)
	return ready
}

// teardownLocked invalidates the current connection and stops its loops.
func (c *Client) teardownLocked(code websocket.StatusCode, reason string) {
	c.gen++
	if c.loopCancel != nil {
		c.loopCancel()
		c.loopCancel = nil
	}
	if c.conn != nil {
		c.conn.Close(code, reason)
		c.conn = nil
	}
}

func (c *Client) awaitReady(ctx context.Context, ready <-chan struct{}) {
	select {
	case <-ready:
	case <-time.After(c.readyTimeout):
		slog.Debug("client: ready event not seen, proceeding")
	case <-ctx.Done():
	case <-c.rootCtx.Done():
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(s)
}

func (c *Client) setStateLocked(s State) {
	c.state = s
	slog.Debug("client: state change", "state", s.String())
	select {
	case c.states <- s:
	default:
		// Consumer is behind; favour recent transitions.
		select {
		case <-c.states:
		default:
		}
		select {
		case c.states <- s:
		default:
		}
	}
}

// connLost reports a broken connection from one of the loops. Stale
// generations are ignored, so a connection already replaced or deliberately
// closed cannot trigger recovery.
func (c *Client) connLost(gen int, err error) {
	c.mu.Lock()
	stale := c.closed || gen != c.gen
	if _, connected := c.state.(Connected); !connected {
		stale = true
	}
	c.mu.Unlock()
	if stale {
		return
	}

	slog.Warn("client: connection lost", "error", err)
	select {
	case c.lost <- struct{}{}:
	default:
	}
}

// ── Recovery ───────────────────────────────────────────────────────────────────

// monitor owns the recovery cycle. It runs for the client's lifetime.
func (c *Client) monitor(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.lost:
			c.reconnect(ctx)
		}
	}
}

func (c *Client) reconnect(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, connected := c.state.(Connected); !connected {
		c.mu.Unlock()
		return
	}
	c.teardownLocked(websocket.StatusGoingAway, "reconnecting")
	c.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		delay := c.backoffBase << (attempt - 1)
		c.setState(Reconnecting{Attempt: attempt})
		slog.Info("client: reconnecting",
			"attempt", attempt,
			"max_attempts", c.maxAttempts,
			"backoff", delay,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if c.abandoned() {
			return
		}

		conn, err := c.dial(ctx)
		if err != nil {
			lastErr = err
			slog.Warn("client: reconnect attempt failed",
				"attempt", attempt,
				"error", err,
			)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close(websocket.StatusGoingAway, "client closed")
			return
		}
		if _, ok := c.state.(Reconnecting); !ok {
			// Deliberately disconnected mid-recovery.
			c.mu.Unlock()
			conn.Close(websocket.StatusNormalClosure, "client disconnect")
			return
		}
		ready := c.startConnLocked(conn)
		c.setStateLocked(Connected{})
		c.mu.Unlock()

		c.awaitReady(ctx, ready)
		slog.Info("client: reconnected", "attempt", attempt)
		return
	}

	c.setState(Failed{Reason: lastErr})
	slog.Error("client: reconnection failed",
		"attempts", c.maxAttempts,
		"error", lastErr,
	)
}

// abandoned reports whether the recovery cycle lost its claim: the client
// closed or left the Reconnecting state.
func (c *Client) abandoned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	_, reconnecting := c.state.(Reconnecting)
	return !reconnecting
}

// ── Loops ──────────────────────────────────────────────────────────────────────

// receiveLoop reads until the connection breaks. Binary frames carry
// assistant audio; text frames carry JSON events. Undecodable or unknown
// events are logged and dropped, never fatal.
func (c *Client) receiveLoop(ctx context.Context, conn *websocket.Conn, gen int, ready chan<- struct{}) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			c.connLost(gen, fmt.Errorf("read: %w", err))
			return
		}

		switch typ {
		case websocket.MessageBinary:
			select {
			case c.audio <- data:
			case <-ctx.Done():
				return
			}

		case websocket.MessageText:
			ev, err := Decode(data)
			if err != nil {
				slog.Warn("client: undecodable event", "error", err)
				continue
			}
			switch ev.Type {
			case TypeReady:
				select {
				case ready <- struct{}{}:
				default:
				}
			case TypePong:
				c.handlePong()
			default:
				if !Known(ev.Type) {
					slog.Debug("client: unknown event type", "type", ev.Type)
					continue
				}
				select {
				case c.events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (c *Client) handlePong() {
	if !c.pingPending.CompareAndSwap(true, false) {
		return
	}
	if c.pongHook != nil {
		c.pongHook(time.Since(time.Unix(0, c.pingAt.Load())))
	}
}

// heartbeatLoop sends protocol pings to keep the connection alive and
// measure round trips. A failed send reports the connection lost.
func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pingAt.Store(time.Now().UnixNano())
			c.pingPending.Store(true)
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, EncodePing())
			cancel()
			if err != nil {
				c.connLost(gen, fmt.Errorf("heartbeat: %w", err))
				return
			}
		}
	}
}
