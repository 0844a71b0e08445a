package ws

import (
	"sync"
	"time"
)

// State is the lifecycle state of one connection
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	StateError // absorbing; always followed by StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Message types carried on the real-time channel
const (
	TypeNotification = "notification"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeAck          = "notification_ack"
	TypeError        = "error"
)

// Message is the wire envelope for the real-time channel
type Message struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp string `json:"timestamp"`
}

// NewMessage builds an envelope stamped with the current time
func NewMessage(msgType string, payload any) Message {
	return Message{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Transport is the writable side of one client connection. The registry
// never touches sockets directly; the API layer adapts its WebSocket
// connection to this interface, and tests use in-memory fakes.
type Transport interface {
	// WriteJSON sends one message. Implementations must bound the
	// write with a deadline so a blocked peer cannot stall callers.
	WriteJSON(v any) error
	Close() error
}

// Conn is one user's live connection
type Conn struct {
	userID    string
	transport Transport

	mu       sync.Mutex
	state    State
	lastPing time.Time
	lastPong time.Time
	errMsg   string

	done chan struct{} // closed exactly once on disconnect
	once sync.Once
}

func newConn(userID string, transport Transport) *Conn {
	now := time.Now()
	return &Conn{
		userID:    userID,
		transport: transport,
		state:     StateConnecting,
		lastPing:  now,
		lastPong:  now,
		done:      make(chan struct{}),
	}
}

// UserID returns the owning user's id
func (c *Conn) UserID() string { return c.userID }

// State returns the current lifecycle state
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// send writes a message if the connection is CONNECTED. A transport
// error moves the connection through ERROR to DISCONNECTED.
func (c *Conn) send(msg Message) bool {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return false
	}
	err := c.transport.WriteJSON(msg)
	if err != nil {
		c.state = StateError
		c.errMsg = err.Error()
		c.mu.Unlock()
		c.close()
		return false
	}
	c.mu.Unlock()
	return true
}

// ping sends a heartbeat and records the send time
func (c *Conn) ping() bool {
	ok := c.send(NewMessage(TypePing, nil))
	if ok {
		c.mu.Lock()
		c.lastPing = time.Now()
		c.mu.Unlock()
	}
	return ok
}

// Pong records a heartbeat reply from the client
func (c *Conn) Pong() {
	c.mu.Lock()
	c.lastPong = time.Now()
	c.mu.Unlock()
}

// isAlive reports whether a pong was observed within the timeout after
// the last ping
func (c *Conn) isAlive(pingTimeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return false
	}
	if c.lastPong.Before(c.lastPing) {
		return time.Since(c.lastPing) <= pingTimeout
	}
	return true
}

// close transitions to DISCONNECTED and closes the transport. Idempotent.
func (c *Conn) close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.transport.Close()
		close(c.done)
	})
}

// Done is closed when the connection has fully shut down
func (c *Conn) Done() <-chan struct{} { return c.done }

// Info is a point-in-time snapshot of one connection
type Info struct {
	UserID   string    `json:"user_id"`
	State    string    `json:"state"`
	LastPing time.Time `json:"last_ping"`
	LastPong time.Time `json:"last_pong"`
	Alive    bool      `json:"alive"`
	Error    string    `json:"error,omitempty"`
}

func (c *Conn) info(pingTimeout time.Duration) Info {
	alive := c.isAlive(pingTimeout)
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		UserID:   c.userID,
		State:    c.state.String(),
		LastPing: c.lastPing,
		LastPong: c.lastPong,
		Alive:    alive,
		Error:    c.errMsg,
	}
}
