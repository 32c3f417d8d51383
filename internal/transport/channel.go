// Package transport maintains the persistent websocket channel to the Yuyu
// backend: connection lifecycle, heartbeat, reconnection, and typed dispatch
// of inbound messages.
package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/yuyulabs/yuyu-client/internal/bus"
	"github.com/yuyulabs/yuyu-client/internal/protocol"
)

// Synthetic dispatch kinds for connection state subscribers.
const (
	kindOpen   bus.Kind = "__open"
	kindClosed bus.Kind = "__closed"
)

// Config configures the channel
type Config struct {
	URL               string
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration // base delay; grows with attempt count, capped at 3x
	MaxReconnects     int
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		URL:               "ws://localhost:8080/ws",
		HeartbeatInterval: 30 * time.Second,
		ReconnectDelay:    5 * time.Second,
		MaxReconnects:     10,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// Channel is a reconnecting websocket client. One Channel serves the whole
// process; every component registers its handlers through On/OnAny/OnState.
type Channel struct {
	cfg      *Config
	logger   zerolog.Logger
	dispatch *bus.Bus

	mu         sync.Mutex
	conn       *websocket.Conn
	connecting bool
	connected  bool
	explicit   bool // Disconnect was called; suppresses reconnection
	userID     string
	attempts   int

	heartbeatStop  chan struct{}
	reconnectTimer *time.Timer

	writeMu sync.Mutex
}

// NewChannel creates a channel; Connect must be called to open it.
func NewChannel(cfg *Config, logger zerolog.Logger) *Channel {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	log := logger.With().Str("component", "transport").Logger()
	return &Channel{
		cfg:      cfg,
		logger:   log,
		dispatch: bus.New(log),
	}
}

// Connect opens the websocket. Calling while already open or while a connect
// is in flight is a no-op. On success it sends the init message (when a user
// is known) and starts the heartbeat.
func (c *Channel) Connect(userID string) error {
	return c.connect(userID, false)
}

// connect dials the backend. reconnect marks timer-driven attempts, which
// must never resurrect a channel after an explicit Disconnect.
func (c *Channel) connect(userID string, reconnect bool) error {
	c.mu.Lock()
	if c.connecting || c.connected {
		c.mu.Unlock()
		c.logger.Debug().Msg("Already connected or connecting")
		return nil
	}
	if reconnect && c.explicit {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	if !reconnect {
		c.explicit = false
	}
	c.userID = userID
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		c.logger.Warn().Err(err).Str("url", c.cfg.URL).Msg("WebSocket dial failed")
		c.scheduleReconnect()
		return err
	}

	c.mu.Lock()
	if c.explicit {
		// Disconnect was called while the dial was in flight; it wins.
		c.connecting = false
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.connected = true
	c.connecting = false
	c.attempts = 0
	c.startHeartbeatLocked()
	c.mu.Unlock()

	c.logger.Info().Str("url", c.cfg.URL).Msg("WebSocket connected")

	if userID != "" {
		c.Send(protocol.NewInit(userID))
	}

	c.dispatch.Publish(bus.Event{Kind: kindOpen, Payload: true})

	go c.readLoop(conn)
	return nil
}

// Disconnect closes the connection and suppresses any further reconnection.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.explicit = true
	c.attempts = 0
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stopHeartbeatLocked()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.logger.Info().Msg("WebSocket disconnected")
}

// IsConnected reports whether the socket is currently open.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send writes a JSON message. When the socket is not open the message is
// dropped: the condition is logged and false returned, never an error thrown
// at the caller.
func (c *Channel) Send(v any) bool {
	c.mu.Lock()
	conn := c.conn
	open := c.connected
	c.mu.Unlock()

	if !open || conn == nil {
		c.logger.Warn().Msg("Send while not connected; message dropped")
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(v); err != nil {
		c.logger.Error().Err(err).Msg("Failed to write message")
		return false
	}
	return true
}

// On registers a handler for one inbound message kind and returns its
// unsubscribe func. Handlers for a kind fire in registration order.
func (c *Channel) On(kind protocol.Kind, h func(*protocol.Envelope)) (unsubscribe func()) {
	return c.dispatch.Subscribe(bus.Kind(kind), func(ev bus.Event) {
		if env, ok := ev.Payload.(*protocol.Envelope); ok {
			h(env)
		}
	})
}

// OnAny registers a handler that sees every inbound message.
func (c *Channel) OnAny(h func(*protocol.Envelope)) (unsubscribe func()) {
	return c.dispatch.Subscribe(bus.KindAny, func(ev bus.Event) {
		if env, ok := ev.Payload.(*protocol.Envelope); ok {
			h(env)
		}
	})
}

// OnState registers a handler for open/close transitions.
func (c *Channel) OnState(h func(connected bool)) (unsubscribe func()) {
	unsubOpen := c.dispatch.Subscribe(kindOpen, func(bus.Event) { h(true) })
	unsubClosed := c.dispatch.Subscribe(kindClosed, func(bus.Event) { h(false) })
	return func() {
		unsubOpen()
		unsubClosed()
	}
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			break
		}

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			c.logger.Error().Err(err).Msg("Failed to parse message")
			continue
		}
		c.dispatch.Publish(bus.Event{Kind: bus.Kind(env.Type), Payload: env})
	}

	c.handleClose(conn)
}

func (c *Channel) handleClose(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection replaced this one already.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	c.stopHeartbeatLocked()
	explicit := c.explicit
	c.mu.Unlock()

	conn.Close()
	c.logger.Info().Msg("WebSocket connection closed")
	c.dispatch.Publish(bus.Event{Kind: kindClosed, Payload: false})

	if !explicit {
		c.scheduleReconnect()
	}
}

// startHeartbeatLocked launches the ping loop; any previous loop is stopped
// first so only one heartbeat timer ever exists. Caller holds c.mu.
func (c *Channel) startHeartbeatLocked() {
	c.stopHeartbeatLocked()
	stop := make(chan struct{})
	c.heartbeatStop = stop

	interval := c.cfg.HeartbeatInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if c.IsConnected() {
					c.Send(protocol.NewPing())
				}
			}
		}
	}()
}

func (c *Channel) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.explicit {
		return
	}
	if c.attempts >= c.cfg.MaxReconnects {
		c.logger.Error().Int("attempts", c.attempts).Msg("Reconnect limit reached; giving up")
		return
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}

	c.attempts++
	factor := c.attempts
	if factor > 3 {
		factor = 3
	}
	delay := c.cfg.ReconnectDelay * time.Duration(factor)
	userID := c.userID

	c.logger.Info().Int("attempt", c.attempts).Dur("delay", delay).Msg("Scheduling reconnect")
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.connect(userID, true)
	})
}
