// Package transport owns the persistent bidirectional connection to the
// chat backend. It exposes a subscribe-by-event-name interface, queued
// best-effort sends, and automatic reconnection with liveness probing.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames. A
// single run loop processes inbound frames and heartbeat ticks, and
// redials with exponential backoff when the connection drops. Handlers
// are invoked from the run loop in registration order, so subscribers
// observe events in delivery order.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	apperrors "github.com/alexjbarnes/inbox-sync/internal/errors"
)

const (
	// heartbeatCheckAt is how often the run loop wakes to check liveness.
	heartbeatCheckAt = 10 * time.Second

	// heartbeatAfter is the idle window after which a heartbeat is sent.
	heartbeatAfter = 25 * time.Second

	// disconnectAfter is the silence window after which the connection is
	// declared dead and closed to force a reconnect.
	disconnectAfter = 120 * time.Second

	reconnectMin = 2 * time.Second
	reconnectMax = 2 * time.Minute

	// jitterDivisor controls the random jitter added to reconnect backoff:
	// jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// reconnectBackoffMultiplier is the exponential growth factor applied
	// to the reconnect backoff after each consecutive failure.
	reconnectBackoffMultiplier = 2

	// wsReadLimit caps inbound frame size. Message payloads are small
	// JSON; history batches dominate and stay well under this.
	wsReadLimit = 8 * 1024 * 1024

	// inboundChanSize is the buffer between the reader goroutine and the
	// run loop.
	inboundChanSize = 64

	// maxQueuedSends bounds the offline send queue. Overflow drops the
	// oldest entry; higher layers already tolerate lost sends.
	maxQueuedSends = 32

	// writeTimeout bounds every frame write. A wedged peer must not hold
	// writeMu long enough to starve the event loop's heartbeat.
	writeTimeout = 10 * time.Second
)

// State is the connection lifecycle state. In-memory only.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// EventConnected is a synthetic local event delivered to subscribers
// after every successful (re)connect. There is no resume protocol, so
// subscribers treat it as a cold start for server state.
const EventConnected = "connected"

// Handler receives the raw data payload of one event.
type Handler func(data json.RawMessage)

// Conn abstracts the WebSocket connection so the client can be tested
// without a real server. *websocket.Conn satisfies this interface.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Dialer establishes one connection attempt.
type Dialer func(ctx context.Context) (Conn, error)

// frame is the wire envelope for both directions.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// inboundMsg wraps one frame read by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

type handlerEntry struct {
	id int
	fn Handler
}

// helloMessage is the first frame sent after dialing.
type helloMessage struct {
	Token  string `json:"token"`
	Device string `json:"device"`
}

// Config holds the parameters needed to reach the chat backend.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://host/socket.
	URL    string
	Token  string
	Device string

	// Dial overrides the default websocket dialer. Used by tests.
	Dial Dialer
}

// Client maintains one persistent connection to the chat backend.
type Client struct {
	logger *slog.Logger
	dial   Dialer
	token  string
	device string

	conn    Conn
	writeMu sync.Mutex

	state   State
	stateMu sync.RWMutex

	handlers   map[string][]handlerEntry
	handlersMu sync.RWMutex
	nextID     int

	sendQueue []frame
	sendMu    sync.Mutex

	inboundCh  chan inboundMsg
	connCancel context.CancelFunc

	// kickCh short-circuits the reconnect backoff wait when a caller
	// needs the connection sooner (queued send, heartbeat check).
	kickCh chan struct{}

	lastMessage time.Time
	lastMsgMu   sync.Mutex
}

// NewClient creates a transport client. It does not connect; call Run.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	dial := cfg.Dial
	if dial == nil {
		dial = func(ctx context.Context) (Conn, error) {
			conn, _, err := websocket.Dial(ctx, cfg.URL, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
				HTTPHeader: http.Header{
					"Authorization": []string{"Bearer " + cfg.Token},
				},
			})
			if err != nil {
				return nil, err
			}

			return conn, nil
		}
	}

	return &Client{
		logger:   logger,
		dial:     dial,
		token:    cfg.Token,
		device:   cfg.Device,
		state:    StateDisconnected,
		handlers: make(map[string][]handlerEntry),
		kickCh:   make(chan struct{}, 1),
	}
}

// ConnectionState returns the current lifecycle state.
func (c *Client) ConnectionState() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	return c.state
}

func (c *Client) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// On registers a handler for an event name and returns its subscription
// id for Off. Multiple handlers per event are invoked in registration
// order.
func (c *Client) On(event string, fn Handler) int {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	c.nextID++
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: c.nextID, fn: fn})

	return c.nextID
}

// Off removes a previously registered handler by its subscription id.
func (c *Client) Off(event string, id int) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	entries := c.handlers[event]
	for i, e := range entries {
		if e.id == id {
			c.handlers[event] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// Send transmits one event to the backend. If the connection is not live
// the frame enters a bounded retry queue flushed on the next successful
// connect; the caller never receives a hard error. Delivery is at most
// once per call. Higher layers must tolerate duplicates and loss.
func (c *Client) Send(event string, payload any) {
	var data json.RawMessage

	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			c.logger.Warn("dropping unmarshalable send",
				slog.String("event", event),
				slog.String("error", err.Error()),
			)

			return
		}

		data = encoded
	}

	f := frame{Event: event, Data: data}

	if c.ConnectionState() != StateConnected {
		c.enqueue(f)
		c.kick()

		return
	}

	if err := c.writeFrame(context.Background(), f); err != nil {
		c.logger.Warn("send failed, queueing for retry",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
		c.enqueue(f)
	}
}

func (c *Client) enqueue(f frame) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if len(c.sendQueue) >= maxQueuedSends {
		dropped := c.sendQueue[0]
		c.sendQueue = c.sendQueue[1:]
		c.logger.Warn("send queue full, dropping oldest",
			slog.String("event", dropped.Event),
		)
	}

	c.sendQueue = append(c.sendQueue, f)
}

// flushQueue writes queued frames in FIFO order after a (re)connect.
// A write failure stops the flush; the remainder stays queued.
func (c *Client) flushQueue(ctx context.Context) {
	c.sendMu.Lock()
	queued := c.sendQueue
	c.sendQueue = nil
	c.sendMu.Unlock()

	for i, f := range queued {
		if err := c.writeFrame(ctx, f); err != nil {
			c.logger.Warn("flush failed, re-queueing remainder",
				slog.String("event", f.Event),
				slog.Int("remaining", len(queued)-i),
			)

			c.sendMu.Lock()
			c.sendQueue = append(queued[i:], c.sendQueue...)
			c.sendMu.Unlock()

			return
		}
	}
}

func (c *Client) kick() {
	select {
	case c.kickCh <- struct{}{}:
	default:
	}
}

func (c *Client) writeFrame(ctx context.Context, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil {
		return apperrors.ErrNotConnected
	}

	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}

	return nil
}

func (c *Client) touchLastMessage() {
	c.lastMsgMu.Lock()
	c.lastMessage = time.Now()
	c.lastMsgMu.Unlock()
}

func (c *Client) sinceLastMessage() time.Duration {
	c.lastMsgMu.Lock()
	defer c.lastMsgMu.Unlock()

	return time.Since(c.lastMessage)
}

// Connect dials the backend and sends the hello frame. Idempotent: a
// no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	if c.ConnectionState() == StateConnected {
		return nil
	}

	c.setState(StateConnecting)

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("dialing: %w", err)
	}

	conn.SetReadLimit(wsReadLimit)

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	hello, err := json.Marshal(helloMessage{Token: c.token, Device: c.device})
	if err != nil {
		return fmt.Errorf("marshalling hello: %w", err)
	}

	if err := c.writeFrame(ctx, frame{Event: "hello", Data: hello}); err != nil {
		conn.Close(websocket.StatusInternalError, "hello failed")
		c.setState(StateDisconnected)

		return fmt.Errorf("sending hello: %w", err)
	}

	c.touchLastMessage()
	c.setState(StateConnected)

	return nil
}

// startReader launches a goroutine that reads from the connection and
// feeds inboundCh. The channel is captured by value so a stale reader
// from a previous connection cannot feed the new channel.
func (c *Client) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, inboundChanSize)
	c.inboundCh = ch
	conn := c.conn

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// Run connects and processes frames until ctx is cancelled or a permanent
// error occurs. Connection drops are retried with exponential backoff;
// after every successful reconnect subscribers receive EventConnected so
// they can cold-reload server state.
func (c *Client) Run(ctx context.Context) error {
	backoff := reconnectMin

	if err := c.Connect(ctx); err != nil {
		if isPermanentError(err) {
			return err
		}

		c.logger.Warn("initial connect failed, will retry",
			slog.String("error", err.Error()),
		)
	} else {
		c.dispatch(EventConnected, nil)
		c.flushQueue(ctx)
	}

	for {
		if c.ConnectionState() != StateConnected {
			if err := c.waitAndReconnect(ctx, &backoff); err != nil {
				return err
			}

			continue
		}

		connCtx, connCancel := context.WithCancel(ctx)
		c.connCancel = connCancel
		c.startReader(connCtx)

		err := c.eventLoop(ctx, connCtx)
		connCancel()
		c.setState(StateReconnecting)

		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}

		if isPermanentError(err) {
			c.setState(StateDisconnected)
			return fmt.Errorf("permanent error: %w", err)
		}

		c.logger.Warn("connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)
	}
}

// waitAndReconnect sleeps for the current backoff (shortened by kicks
// from Send or the heartbeat check) and attempts one reconnect.
func (c *Client) waitAndReconnect(ctx context.Context, backoff *time.Duration) error {
	jitter := time.Duration(rand.Int64N(int64(*backoff) / jitterDivisor)) //nolint:gosec // G404: reconnect jitter has no security impact

	timer := time.NewTimer(*backoff + jitter)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-c.kickCh:
		timer.Stop()
	case <-timer.C:
	}

	if err := c.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if isPermanentError(err) {
			return fmt.Errorf("permanent reconnect error: %w", err)
		}

		c.logger.Warn("reconnect failed",
			slog.String("error", err.Error()),
			slog.Duration("backoff", *backoff),
		)
		*backoff = min(*backoff*reconnectBackoffMultiplier, reconnectMax)

		return nil
	}

	*backoff = reconnectMin

	c.logger.Info("reconnected")
	c.dispatch(EventConnected, nil)
	c.flushQueue(ctx)

	return nil
}

// eventLoop processes one connection's inbound frames and heartbeat
// ticks. Returns on read error or context cancellation.
func (c *Client) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}

			c.touchLastMessage()

			if msg.typ != websocket.MessageText {
				c.logger.Debug("ignoring non-text frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			c.handleInbound(msg.data)

		case <-ticker.C:
			elapsed := c.sinceLastMessage()

			if elapsed > disconnectAfter {
				c.logger.Warn("connection timed out, closing")
				c.closeConn(websocket.StatusGoingAway, "timeout")

				return apperrors.ErrHeartbeatTimeout
			}

			if elapsed > heartbeatAfter {
				if err := c.writeFrame(ctx, frame{Event: "heartbeat"}); err != nil {
					return fmt.Errorf("sending heartbeat: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// handleInbound decodes one text frame and dispatches it by event name.
// Frames that do not parse are logged and skipped, never fatal.
func (c *Client) handleInbound(data []byte) {
	event := gjson.GetBytes(data, "event").Str
	if event == "" {
		c.logger.Debug("frame without event name", slog.Int("bytes", len(data)))
		return
	}

	if event == "heartbeat" {
		return
	}

	payload := json.RawMessage(gjson.GetBytes(data, "data").Raw)
	c.dispatch(event, payload)
}

// dispatch invokes the handlers registered for an event, in registration
// order. Handlers run on the run loop goroutine; a slow handler delays
// subsequent events, preserving ordering.
func (c *Client) dispatch(event string, data json.RawMessage) {
	c.handlersMu.RLock()
	entries := make([]handlerEntry, len(c.handlers[event]))
	copy(entries, c.handlers[event])
	c.handlersMu.RUnlock()

	for _, e := range entries {
		e.fn(data)
	}
}

func (c *Client) closeConn(code websocket.StatusCode, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn != nil {
		c.conn.Close(code, reason)
	}
}

// Close shuts the connection down. Safe to call when not connected.
func (c *Client) Close() {
	if c.connCancel != nil {
		c.connCancel()
	}

	c.closeConn(websocket.StatusNormalClosure, "shutdown")
	c.setState(StateDisconnected)
}

// isPermanentError reports whether err indicates a condition reconnecting
// cannot fix, such as the server rejecting our credentials.
func isPermanentError(err error) bool {
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.StatusPolicyViolation
	}

	return false
}
