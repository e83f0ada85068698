// Package bridge implements the outbound relay bridge from spec.md
// §4.6: one WebSocket per bridged Room to a remote relay, gated on key
// availability, reconnecting with exponential backoff and terminating
// permanently on an auth rejection.
package bridge

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ephemeral/relay/internal/cryptoutil"
	"github.com/ephemeral/relay/internal/logging"
	"github.com/ephemeral/relay/internal/metrics"
	"github.com/ephemeral/relay/internal/room"
	"github.com/ephemeral/relay/internal/wire"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"
)

// Connection states from spec.md §3.
type connState int32

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
	statePaused
	stateAuthRejectedTerminal
)

const connectTimeout = 15 * time.Second

// Manager owns one Connection per bridged Room and reacts to room-key
// delivery events to decide when to (re)connect.
type Manager struct {
	registry *room.Registry
	baseURL  string
	dialer   *websocket.Dialer

	mu    sync.Mutex
	conns map[string]*Connection
}

// NewManager builds a bridge Manager. baseURL is the relayBase from
// spec.md §4.6 (e.g. "wss://relay.example.com"); an empty baseURL
// disables bridging entirely (the manager's HandleKeyEvent becomes a
// no-op). outboundProxy, if non-empty, is dialed as a SOCKS5 proxy for
// every outbound relay connection.
func NewManager(registry *room.Registry, baseURL, outboundProxy string) (*Manager, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: connectTimeout}

	if outboundProxy != "" {
		proxyURL, err := url.Parse(outboundProxy)
		if err != nil {
			return nil, fmt.Errorf("bridge: parse outbound proxy: %w", err)
		}
		socksDialer, err := proxy.FromURL(proxyURL, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("bridge: build socks dialer: %w", err)
		}
		dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return socksDialer.Dial(network, addr)
		}
	}

	return &Manager{
		registry: registry,
		baseURL:  baseURL,
		dialer:   dialer,
		conns:    make(map[string]*Connection),
	}, nil
}

// Enabled reports whether bridging is configured at all.
func (m *Manager) Enabled() bool {
	return m.baseURL != ""
}

// HandleKeyEvent implements room.KeyListener: it is invoked whenever a
// room's symmetric key becomes known or changes.
func (m *Manager) HandleKeyEvent(roomName string, key cryptoutil.Key) {
	if !m.Enabled() || !room.ShouldBridge(roomName) {
		return
	}

	newToken := cryptoutil.TokenForRoom(key, roomName)

	m.mu.Lock()
	existing, ok := m.conns[roomName]
	m.mu.Unlock()

	if !ok {
		m.connect(roomName, key, newToken)
		return
	}

	// Explicitly compare tokens, not merely "does a connection exist" —
	// spec.md §4.6 calls out that bug by name.
	if existing.currentToken() != newToken {
		existing.stop()
		m.connect(roomName, key, newToken)
	}
}

func (m *Manager) connect(roomName string, key cryptoutil.Key, token string) {
	bc := newConnection(m, roomName, key, token)

	m.mu.Lock()
	m.conns[roomName] = bc
	m.mu.Unlock()

	go bc.run()
}

func (m *Manager) forget(roomName string, bc *Connection) {
	m.mu.Lock()
	if m.conns[roomName] == bc {
		delete(m.conns, roomName)
	}
	m.mu.Unlock()
}

// Shutdown stops every bridge connection.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, bc := range m.conns {
		conns = append(conns, bc)
	}
	m.mu.Unlock()

	for _, bc := range conns {
		bc.stop()
	}
}

// Connection is one outbound relay bridge for a single Room, acting as
// a room.Peer so the local registry's fan-out reaches it like any
// other Connection.
type Connection struct {
	mgr      *Manager
	roomName string
	key      cryptoutil.Key
	token    string // fixed for this Connection's lifetime; a token change spawns a new Connection

	state   int32
	backoff backoff

	sendCh chan []byte
	stopCh chan struct{}
	once   sync.Once
}

var _ room.Peer = (*Connection)(nil)

func newConnection(mgr *Manager, roomName string, key cryptoutil.Key, token string) *Connection {
	return &Connection{
		mgr:      mgr,
		roomName: roomName,
		key:      key,
		token:    token,
		state:    int32(stateDisconnected),
		sendCh:   make(chan []byte, 256),
		stopCh:   make(chan struct{}),
	}
}

func (c *Connection) currentToken() string {
	return c.token
}

// Enqueue implements room.Peer: forward a local update outbound.
func (c *Connection) Enqueue(frame []byte) bool {
	select {
	case c.sendCh <- frame:
		return true
	default:
		return false
	}
}

// Close implements room.Peer by stopping this bridge connection; code
// and reason are not used. Unexpected remote closes are handled inside
// run's read loop instead.
func (c *Connection) Close(code int, reason string) {
	c.stop()
}

func (c *Connection) stop() {
	c.once.Do(func() { close(c.stopCh) })
}

func (c *Connection) run() {
	defer c.mgr.forget(c.roomName, c)

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		atomic.StoreInt32(&c.state, int32(stateConnecting))
		rejected, err := c.connectOnce()
		if rejected {
			atomic.StoreInt32(&c.state, int32(stateAuthRejectedTerminal))
			metrics.Global.IncBridgeAuthReject()
			logging.Warn(logging.WithRoom(context.Background(), c.roomName), "bridge auth rejected, stopping permanently")
			return
		}
		if err == nil {
			c.backoff.reset()
			continue // clean close, e.g. stop() or room destroyed; retry immediately if not stopped
		}

		delay, exhausted := c.backoff.next()
		if exhausted {
			atomic.StoreInt32(&c.state, int32(statePaused))
			logging.Warn(logging.WithRoom(context.Background(), c.roomName), "bridge paused after repeated failures")
			return
		}

		metrics.Global.IncBridgeReconnect()
		select {
		case <-c.stopCh:
			return
		case <-time.After(delay):
		}
	}
}

// connectOnce dials the remote relay and serves it until the
// connection drops. It returns rejected=true if the close code was
// 4403 (auth-rejected-terminal, per spec.md §4.6).
func (c *Connection) connectOnce() (rejected bool, err error) {
	target := c.mgr.baseURL + "/" + c.roomName + "?auth=" + url.QueryEscape(c.currentToken())

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	conn, resp, dialErr := c.mgr.dialer.DialContext(ctx, target, nil)
	if dialErr != nil {
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			return true, dialErr
		}
		return false, dialErr
	}
	defer conn.Close()

	atomic.StoreInt32(&c.state, int32(stateConnected))
	c.backoff.reset()

	rm, joinErr := c.mgr.registry.JoinOrCreate(ctx, c.roomName)
	if joinErr != nil {
		return false, joinErr
	}
	c.mgr.registry.AddPeer(rm, c)
	defer c.mgr.registry.RemovePeer(context.Background(), rm, c)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(conn)
	}()

	closeCode, readErr := c.readLoop(conn, rm)
	conn.Close()
	<-writerDone

	if closeCode == 4403 {
		return true, readErr
	}
	return false, readErr
}

func (c *Connection) writeLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case frame, ok := <-c.sendCh:
			if !ok {
				return
			}
			if len(frame) > 1+wire.MaxSyncPayload {
				logging.Warn(context.Background(), "dropping oversized outbound update", zap.Int("bytes", len(frame)))
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.BinaryMessage, wire.EncodePing()); err != nil {
				return
			}
		}
	}
}

func (c *Connection) readLoop(conn *websocket.Conn, rm *room.Room) (closeCode int, err error) {
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		select {
		case <-c.stopCh:
			return 0, nil
		default:
		}

		_, data, readErr := conn.ReadMessage()
		if readErr != nil {
			if ce, ok := readErr.(*websocket.CloseError); ok {
				return ce.Code, readErr
			}
			return 0, readErr
		}

		kind, payload, decodeErr := wire.Decode(data)
		if decodeErr != nil {
			continue
		}

		// The remote relay carries liveness with application-level
		// ping/pong frames, not WebSocket control frames, so the
		// SetPongHandler above never fires in practice. Any decoded
		// frame proves the link is alive.
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		switch kind {
		case wire.KindSync:
			step, body, syncErr := wire.DecodeSync(payload)
			if syncErr != nil || step == wire.SyncStep1 || len(body) == 0 {
				continue
			}
			c.mgr.registry.ApplyUpdate(context.Background(), rm, body, c)
		case wire.KindPing:
			conn.WriteMessage(websocket.BinaryMessage, wire.EncodePong())
		case wire.KindPong:
			// liveness only; deadline already extended above
		}
	}
}
