package ws

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"shiftswap/internal/metrics"
)

// Config bounds the registry's heartbeat and cleanup loops
type Config struct {
	PingInterval    time.Duration // how often to ping each connection
	PingTimeout     time.Duration // pong must arrive within this after a ping
	CleanupInterval time.Duration // dead-connection sweep period
}

// DefaultConfig returns the heartbeat defaults
func DefaultConfig() Config {
	return Config{
		PingInterval:    30 * time.Second,
		PingTimeout:     10 * time.Second,
		CleanupInterval: 60 * time.Second,
	}
}

// Registry maps each user to at most one live connection and owns the
// heartbeat and cleanup loops. One instance per process, started and
// stopped with it.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn

	cfg Config
	log *zap.Logger

	// onConnect hooks run after a user's connection is registered,
	// resolved once at startup (used for pending-notification flush)
	onConnect []func(userID string)

	stopCh  chan struct{}
	stopped sync.Once
}

// NewRegistry creates a connection registry
func NewRegistry(cfg Config, log *zap.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*Conn),
		cfg:    cfg,
		log:    log,
		stopCh: make(chan struct{}),
	}
}

// OnConnect registers a hook invoked whenever a user connects. Call
// before Start; registration is not synchronized with connects.
func (r *Registry) OnConnect(fn func(userID string)) {
	r.onConnect = append(r.onConnect, fn)
}

// Start launches the background cleanup sweep
func (r *Registry) Start() {
	go r.cleanupLoop()
}

// Stop halts the loops and disconnects every client
func (r *Registry) Stop() {
	r.stopped.Do(func() { close(r.stopCh) })

	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*Conn)
	r.mu.Unlock()

	for _, c := range conns {
		c.close()
		metrics.ConnectedClients.Dec()
	}
}

// Connect registers a connection for the user and starts its heartbeat
// loop. A user has at most one connection: an existing one is closed
// first, last writer wins.
func (r *Registry) Connect(userID string, transport Transport) *Conn {
	conn := newConn(userID, transport)

	r.mu.Lock()
	old := r.conns[userID]
	r.conns[userID] = conn
	conn.mu.Lock()
	conn.state = StateConnected
	conn.mu.Unlock()
	r.mu.Unlock()

	if old != nil {
		old.close()
		metrics.ConnectedClients.Dec()
		r.log.Debug("replaced existing connection", zap.String("user_id", userID))
	}

	metrics.ConnectedClients.Inc()
	r.log.Info("client connected", zap.String("user_id", userID))

	go r.heartbeatLoop(conn)

	for _, fn := range r.onConnect {
		go fn(userID)
	}
	return conn
}

// Disconnect closes and removes the user's connection. Idempotent; only
// removes the registry entry if it still belongs to the given conn state.
func (r *Registry) Disconnect(userID string) {
	r.mu.Lock()
	conn := r.conns[userID]
	delete(r.conns, userID)
	r.mu.Unlock()

	if conn != nil {
		conn.close()
		metrics.ConnectedClients.Dec()
		r.log.Info("client disconnected", zap.String("user_id", userID))
	}
}

// Drop closes and removes the given connection without touching any
// newer connection the user may have established since.
func (r *Registry) Drop(conn *Conn) {
	r.dropConn(conn)
}

// dropConn removes the entry only if it still maps to this conn, so a
// reconnect racing a heartbeat timeout never removes the new connection.
func (r *Registry) dropConn(conn *Conn) {
	r.mu.Lock()
	if r.conns[conn.userID] == conn {
		delete(r.conns, conn.userID)
		r.mu.Unlock()
		conn.close()
		metrics.ConnectedClients.Dec()
		return
	}
	r.mu.Unlock()
	conn.close()
}

// Send delivers a payload to the user's live connection. Returns false
// when the user is offline or the write fails; the caller decides
// whether to buffer.
func (r *Registry) Send(userID string, msg Message) bool {
	r.mu.RLock()
	conn := r.conns[userID]
	r.mu.RUnlock()

	if conn == nil {
		return false
	}
	if !conn.send(msg) {
		r.dropConn(conn)
		return false
	}
	return true
}

// Broadcast best-effort sends to every connected user except the
// excluded ids. Failures are logged, not propagated.
func (r *Registry) Broadcast(msg Message, exclude ...string) {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for userID, c := range r.conns {
		if !skip[userID] {
			conns = append(conns, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if !c.send(msg) {
			r.log.Debug("broadcast delivery failed", zap.String("user_id", c.userID))
			r.dropConn(c)
		}
	}
}

// Pong records a heartbeat reply from the user's client
func (r *Registry) Pong(userID string) {
	r.mu.RLock()
	conn := r.conns[userID]
	r.mu.RUnlock()
	if conn != nil {
		conn.Pong()
	}
}

// Connected reports whether the user currently has a live connection
func (r *Registry) Connected(userID string) bool {
	r.mu.RLock()
	conn := r.conns[userID]
	r.mu.RUnlock()
	return conn != nil && conn.State() == StateConnected
}

// ConnectionInfo returns a snapshot of every tracked connection
func (r *Registry) ConnectionInfo() []Info {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.info(r.cfg.PingTimeout))
	}
	return infos
}

// heartbeatLoop pings the connection every PingInterval and disconnects
// it once a pong fails to arrive within PingTimeout.
func (r *Registry) heartbeatLoop(conn *Conn) {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !conn.isAlive(r.cfg.PingTimeout) {
				r.log.Debug("heartbeat timeout", zap.String("user_id", conn.userID))
				r.dropConn(conn)
				return
			}
			if !conn.ping() {
				r.dropConn(conn)
				return
			}
		case <-conn.done:
			return
		case <-r.stopCh:
			return
		}
	}
}

// cleanupLoop sweeps out connections whose heartbeat has gone silent
func (r *Registry) cleanupLoop() {
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.cleanup()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) cleanup() {
	r.mu.RLock()
	var dead []*Conn
	for _, c := range r.conns {
		if !c.isAlive(r.cfg.PingTimeout) {
			dead = append(dead, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range dead {
		r.log.Debug("sweeping dead connection", zap.String("user_id", c.userID))
		r.dropConn(c)
	}
}
