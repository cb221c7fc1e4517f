package stream

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected reports a Send attempted while no physical socket is up.
var ErrNotConnected = errors.New("stream not connected")

// EventKind discriminates stream events.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventText
	EventBinary
	EventError
)

// Event is one occurrence on the logical stream. Text and Binary carry the
// frame payload; Disconnected carries the close reason and code; Error wraps
// transport failures that did not end the stream.
type Event struct {
	Kind   EventKind
	Data   []byte
	Reason string
	Code   int
	Err    error
}

// conn is the subset of *websocket.Conn the client uses; tests substitute it.
type conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type dialFunc func(url string, header http.Header) (conn, error)

func gorillaDial(url string, header http.Header) (conn, error) {
	c, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Client maintains one logical duplex stream against a worker feed endpoint,
// reconnecting with exponential backoff when the physical socket drops. The
// logical stream survives reconnects; consumers observe only an intervening
// Disconnected/Connected pair.
type Client struct {
	url    string
	header http.Header
	policy Policy
	logger *slog.Logger

	dial  dialFunc
	timer func(d time.Duration, f func()) *time.Timer

	mu           sync.Mutex
	conn         conn
	manual       bool
	closed       bool
	pending      *time.Timer
	currentDelay time.Duration
	attempts     int

	events    chan Event
	closeOnce sync.Once
	done      chan struct{}
}

// New builds a client for url. header typically carries the bearer secret.
func New(url string, header http.Header, policy Policy, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:    url,
		header: header,
		policy: policy,
		logger: logger,
		dial:   gorillaDial,
		timer:  time.AfterFunc,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
}

// Events returns the event sequence for the lifetime of the logical
// connection. The channel is closed by Disconnect.
func (c *Client) Events() <-chan Event { return c.events }

// Connect opens the transport. Dial failures do not surface as a return
// value; they are emitted as Error events and, when the policy allows,
// trigger a scheduled reconnect.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.manual || c.conn != nil {
		c.mu.Unlock()
		return
	}
	c.attempts++
	c.mu.Unlock()

	wc, err := c.dial(c.url, c.header)
	if err != nil {
		c.logger.Debug("stream dial failed", "url", c.url, "error", err)
		c.emit(Event{Kind: EventError, Err: err})
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.manual {
		// Disconnect raced the dial; drop the fresh socket.
		c.mu.Unlock()
		_ = wc.Close()
		return
	}
	c.conn = wc
	c.currentDelay = 0
	c.attempts = 0
	c.mu.Unlock()

	c.emit(Event{Kind: EventConnected})
	go c.readLoop(wc)
}

// Disconnect suppresses further reconnects, cancels any pending reconnect,
// closes the transport with code, and completes the event sequence.
func (c *Client) Disconnect(code int) {
	c.mu.Lock()
	c.manual = true
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	wc := c.conn
	c.conn = nil
	c.mu.Unlock()

	if wc != nil {
		msg := websocket.FormatCloseMessage(code, "")
		_ = wc.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = wc.Close()
	}
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		close(c.events)
	})
}

// Send writes a text frame best-effort; failures surface as Error events.
func (c *Client) Send(payload []byte) {
	c.mu.Lock()
	wc := c.conn
	c.mu.Unlock()
	if wc == nil {
		c.emit(Event{Kind: EventError, Err: ErrNotConnected})
		return
	}
	if err := wc.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.emit(Event{Kind: EventError, Err: err})
	}
}

func (c *Client) readLoop(wc conn) {
	for {
		mt, data, err := wc.ReadMessage()
		if err != nil {
			c.mu.Lock()
			current := c.conn == wc
			if current {
				c.conn = nil
			}
			manual := c.manual
			c.mu.Unlock()
			if !current || manual {
				return
			}
			code := websocket.CloseAbnormalClosure
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
			}
			c.emit(Event{Kind: EventDisconnected, Reason: err.Error(), Code: code})
			c.scheduleReconnect()
			return
		}
		switch mt {
		case websocket.TextMessage:
			c.emit(Event{Kind: EventText, Data: data})
		case websocket.BinaryMessage:
			c.emit(Event{Kind: EventBinary, Data: data})
		}
	}
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manual || !c.policy.Enabled || c.pending != nil {
		return
	}
	c.currentDelay = c.policy.Next(c.currentDelay)
	delay := c.currentDelay
	c.logger.Debug("stream reconnect scheduled", "url", c.url, "delay", delay, "attempt", c.attempts)
	c.pending = c.timer(delay, func() {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
		c.Connect()
	})
}

func (c *Client) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		// Consumer is not draining; drop rather than stall the feed.
		c.logger.Debug("stream event dropped", "url", c.url, "kind", ev.Kind)
	}
}
