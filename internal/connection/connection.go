// Package connection implements the per-WebSocket protocol state
// machine from spec.md §4.5: upgrade auth gate, sync-step exchange,
// update/awareness fan-out, ping/pong liveness, and size-bounded
// framing. Adapted from the teacher's host/client handler
// (internal/websocket/handler.go), generalized from two asymmetric
// roles (host vs client) to one symmetric Connection type shared by
// every joiner, since spec.md §4 draws no distinction between peers.
package connection

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ephemeral/relay/internal/logging"
	"github.com/ephemeral/relay/internal/metrics"
	"github.com/ephemeral/relay/internal/ratelimit"
	"github.com/ephemeral/relay/internal/room"
	"github.com/ephemeral/relay/internal/wire"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Close codes from spec.md §6.
const (
	CloseNormal               = 1000
	CloseRoomClosed           = 1001
	CloseProtocolViolation    = 4001
	CloseTimeout              = 4002
	CloseBackpressureExceeded = 4003
	CloseAuthRequired         = 4403
	CloseAuthMismatch         = 4403
)

// Timeouts from spec.md §5.
const (
	UpgradeTimeout = 5 * time.Second
	SyncTimeout    = 30 * time.Second
	PingInterval   = 30 * time.Second
	PongTimeout    = 60 * time.Second
)

// MaxOutboundQueueBytes is the per-Connection backpressure ceiling from
// spec.md §4.3: once the sum of unsent outbound frame bytes exceeds
// this, the Connection is closed with BackpressureExceeded instead of
// dropping individual messages.
const MaxOutboundQueueBytes = 8 * 1024 * 1024

const outboundQueueDepth = 256

type state int32

const (
	stateUpgrading state = iota
	stateSyncing
	stateLive
	stateClosing
	stateClosed
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Connection wraps one upgraded WebSocket bound to a Room. It
// implements room.Peer so the registry can fan out to it without
// importing this package.
type Connection struct {
	conn     *websocket.Conn
	registry *room.Registry
	rm       *room.Room
	id       string

	sendCh chan []byte

	queuedBytes int64
	state       int32

	msgLimiter *ratelimit.MessageLimiter

	closeOnce sync.Once
}

var _ room.Peer = (*Connection)(nil)

// Enqueue implements room.Peer. It never blocks: if the queue is full,
// the connection is closing, or the backpressure ceiling is exceeded,
// it returns false and the caller (the registry's fan-out loop) closes
// the connection. Safe to call concurrently with Close: a send racing
// a close of c.sendCh is recovered rather than allowed to panic the
// caller's goroutine, which on the fan-out path belongs to a different
// Connection than the one being closed.
func (c *Connection) Enqueue(frame []byte) (ok bool) {
	if atomic.LoadInt32(&c.state) >= int32(stateClosing) {
		return false
	}
	if atomic.AddInt64(&c.queuedBytes, int64(len(frame))) > MaxOutboundQueueBytes {
		atomic.AddInt64(&c.queuedBytes, -int64(len(frame)))
		return false
	}

	defer func() {
		if recover() != nil {
			atomic.AddInt64(&c.queuedBytes, -int64(len(frame)))
			ok = false
		}
	}()

	select {
	case c.sendCh <- frame:
		return true
	default:
		atomic.AddInt64(&c.queuedBytes, -int64(len(frame)))
		return false
	}
}

// Close implements room.Peer.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.state, int32(stateClosing))
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(code, reason)
		c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		close(c.sendCh)
	})
}

// Handler upgrades HTTP requests whose path names a room to a
// Connection bound to that room's registry entry.
type Handler struct {
	registry    *room.Registry
	connLimiter *ratelimit.Limiter
	roomLimiter *ratelimit.RoomLimiter
	msgLimiter  *ratelimit.MessageLimiter
}

// NewHandler builds the upgrade handler. msgLimiter bounds the rate of
// inbound sync/awareness frames per (room, connection) pair; a nil
// msgLimiter disables per-message rate limiting.
func NewHandler(registry *room.Registry, connLimiter *ratelimit.Limiter, roomLimiter *ratelimit.RoomLimiter, msgLimiter *ratelimit.MessageLimiter) *Handler {
	return &Handler{registry: registry, connLimiter: connLimiter, roomLimiter: roomLimiter, msgLimiter: msgLimiter}
}

// ServeHTTP implements spec.md §6's upgrade URL: /<roomName>?auth=<token>.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomName := extractRoomName(r.URL.Path)
	if roomName == "" || !room.ValidRoomName(roomName) {
		http.Error(w, "invalid room name", http.StatusBadRequest)
		return
	}

	clientIP := clientIPFrom(r)
	if !h.connLimiter.Allow(clientIP) {
		metrics.Global.IncRateLimited()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	if !h.roomLimiter.Allow(roomName) {
		metrics.Global.IncRateLimited()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), UpgradeTimeout)
	defer cancel()

	rm, err := h.registry.JoinOrCreate(ctx, roomName)
	if err != nil {
		http.Error(w, "invalid room name", http.StatusBadRequest)
		return
	}

	supplied := []byte(r.URL.Query().Get("auth"))
	decision := h.registry.CheckAuth(rm, supplied)
	if decision != room.AuthAllow {
		code := CloseAuthRequired
		reason := "auth_required"
		if decision == room.AuthMismatch {
			reason = "auth_mismatch"
		}
		metrics.Global.IncAuthRejection()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		conn.Close()
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn(logging.WithRoom(r.Context(), roomName), "upgrade failed", zap.Error(err))
		return
	}

	c := &Connection{
		conn:       conn,
		registry:   h.registry,
		rm:         rm,
		id:         uuid.NewString(),
		sendCh:     make(chan []byte, outboundQueueDepth),
		state:      int32(stateUpgrading),
		msgLimiter: h.msgLimiter,
	}

	h.registry.AddPeer(rm, c)
	c.run(r.Context())
}

func (c *Connection) run(ctx context.Context) {
	ctx = logging.WithRoom(ctx, c.rm.Name)
	ctx = logging.WithConnection(ctx, c.id)

	c.conn.SetReadLimit(wire.MaxSyncPayload + 1024)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.sendSyncStep1()
	atomic.StoreInt32(&c.state, int32(stateSyncing))

	c.readLoop(ctx)

	c.registry.RemovePeer(ctx, c.rm, c)
	c.Close(CloseNormal, "connection_closed")
	if c.msgLimiter != nil {
		c.msgLimiter.Remove(c.rm.Name, c.id)
	}
	<-writerDone

	logging.Debug(ctx, "connection closed")
}

func (c *Connection) sendSyncStep1() {
	frame := wire.EncodeSync(wire.SyncStep1, c.rm.StateVector())
	c.Enqueue(frame)
}

func (c *Connection) readLoop(ctx context.Context) {
	c.conn.SetReadDeadline(time.Now().Add(SyncTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(PongTimeout))
		return nil
	})

	firstSyncDone := false

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		kind, payload, err := wire.Decode(data)
		if err != nil {
			logging.Warn(ctx, "protocol violation", zap.Error(err))
			c.Close(CloseProtocolViolation, err.Error())
			return
		}

		// Liveness is carried by application-level ping/pong frames
		// (wire.KindPing/KindPong), not WebSocket control frames, so
		// any successfully decoded frame pushes the deadline forward.
		// SetPongHandler above only covers control-frame pongs, which
		// this protocol never sends.
		c.conn.SetReadDeadline(time.Now().Add(PongTimeout))

		if (kind == wire.KindSync || kind == wire.KindAwareness) && !c.allowMessage() {
			metrics.Global.IncRateLimited()
			c.Close(CloseBackpressureExceeded, "message_rate_exceeded")
			return
		}

		switch kind {
		case wire.KindSync:
			step, body, err := wire.DecodeSync(payload)
			if err != nil {
				c.Close(CloseProtocolViolation, err.Error())
				return
			}
			c.handleSync(ctx, step, body)
			if !firstSyncDone && step == wire.SyncStep2 {
				firstSyncDone = true
				atomic.StoreInt32(&c.state, int32(stateLive))
			}

		case wire.KindAwareness:
			clientID, body, err := wire.DecodeAwareness(payload)
			if err != nil {
				c.Close(CloseProtocolViolation, err.Error())
				return
			}
			c.registry.SetAwareness(c.rm, clientID, body, c, data)

		case wire.KindPing:
			c.Enqueue(wire.EncodePong())

		case wire.KindPong:
			// liveness only; deadline already extended above for every decoded frame
		}
	}
}

// allowMessage reports whether another inbound sync/awareness frame is
// within this connection's per-client rate budget. Always true when no
// msgLimiter is configured.
func (c *Connection) allowMessage() bool {
	if c.msgLimiter == nil {
		return true
	}
	return c.msgLimiter.Allow(c.rm.Name, c.id)
}

func (c *Connection) handleSync(ctx context.Context, step byte, body []byte) {
	switch step {
	case wire.SyncStep1:
		// peer announcing its own state vector; nothing to apply
	case wire.SyncStep2, wire.SyncUpdate:
		if len(body) == 0 {
			return
		}
		if err := c.registry.ApplyUpdate(ctx, c.rm, body, c); err != nil {
			if err != room.ErrOversizedUpdate {
				logging.Warn(ctx, "apply update failed", zap.Error(err))
			}
		}
	}
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-c.sendCh:
			if !ok {
				c.conn.Close()
				return
			}
			atomic.AddInt64(&c.queuedBytes, -int64(len(frame)))
			c.conn.SetWriteDeadline(time.Now().Add(PongTimeout))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(PongTimeout))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, wire.EncodePing()); err != nil {
				return
			}
		}
	}
}

func extractRoomName(path string) string {
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	return path
}

func clientIPFrom(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
