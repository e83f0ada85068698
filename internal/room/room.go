// Package room implements the per-room CRDT registry described in
// spec.md §4.3 and §4.4: one in-memory document and awareness set per
// room, first-write-wins HMAC authentication, per-origin FIFO update
// fan-out, debounced encrypted persistence, and stale-room cleanup.
//
// The registry and the authentication gate deliberately share one
// mutex per Room: the registered auth token lives on the Room struct
// itself rather than in a separately-locked type, so no caller can
// observe a Room mid-transition between unauthenticated and
// authenticated.
package room

import (
	"context"
	"sync"
	"time"

	"github.com/ephemeral/relay/internal/cryptoutil"
	"github.com/ephemeral/relay/internal/logging"
	"github.com/ephemeral/relay/internal/metrics"
	"github.com/ephemeral/relay/internal/persistence"
	"github.com/ephemeral/relay/internal/wire"
	"go.uber.org/zap"
)

// Peer is the registry's view of a single WebSocket connection bound
// to a Room. internal/connection.Connection implements this; the room
// package never imports the transport layer.
type Peer interface {
	// Enqueue attempts to hand frame to the peer's outbound queue
	// without blocking. It returns false if the peer's queue is at
	// capacity, signalling backpressure to the caller.
	Enqueue(frame []byte) bool
	// Close tears the peer down with the given WebSocket close code
	// and a human-readable reason.
	Close(code int, reason string)
}

// AuthDecision is the result of checking a supplied join token against
// a Room's registered token, per the first-write-wins table in
// spec.md §4.4.
type AuthDecision int

const (
	AuthAllow AuthDecision = iota
	AuthRequired
	AuthMismatch
)

type awarenessEntry struct {
	origin Peer
	state  []byte
}

// Room is one named CRDT collaboration channel: an in-memory document,
// an awareness set, an authentication token slot, and the set of live
// peers subscribed to its fan-out.
type Room struct {
	Name string

	registry *Registry

	mu           sync.Mutex
	doc          *crdtDoc
	awareness    map[uint32]awarenessEntry
	peers        map[Peer]struct{}
	authToken    []byte
	key          *cryptoutil.Key
	lastActivity time.Time
	scheduler    *persistence.Scheduler
	restored     bool
	destroyed    bool
}

func newRoom(name string, registry *Registry) *Room {
	r := &Room{
		Name:         name,
		registry:     registry,
		doc:          newCRDTDoc(),
		awareness:    make(map[uint32]awarenessEntry),
		peers:        make(map[Peer]struct{}),
		lastActivity: time.Now(),
	}
	r.scheduler = persistence.NewScheduler(
		registry.debounceFlush,
		registry.flushCeiling,
		func() { registry.flushRoom(r) },
	)
	return r
}

// ConnectionCount returns the number of live peers bound to the room.
func (r *Room) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// StateVector returns the room's current opaque sync-step-1 payload.
func (r *Room) StateVector() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.stateVector()
}

// Snapshot returns the room's full serialized document state.
func (r *Room) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.snapshot()
}

// Config holds the subset of relay configuration the room registry
// needs: size caps and timing policy. Kept narrow and separate from
// internal/config.Config so the registry has no dependency on
// environment parsing.
type Config struct {
	MaxUpdateBytes  int
	IdleRoomTimeout time.Duration
	DebounceFlush   time.Duration
	FlushCeiling    time.Duration
}

// KeyListener is notified whenever a room's symmetric key becomes
// known or changes, so the outbound relay bridge manager (wired
// externally by cmd/relay) can decide whether to (re)connect. Modeled
// as a one-way event so the bridge and room packages never need to
// import each other.
type KeyListener func(roomName string, key cryptoutil.Key)

// Registry owns every live Room, the stale-room sweep, and the
// persistence store. It is the single lock domain for room lifecycle
// and authentication state.
type Registry struct {
	mu          sync.Mutex
	rooms       map[string]*Room
	pendingKeys map[string]cryptoutil.Key

	store *persistence.Store

	maxUpdateBytes int
	idleTimeout    time.Duration
	debounceFlush  time.Duration
	flushCeiling   time.Duration

	keyListener KeyListener

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewRegistry creates a Registry. store may be nil, which disables
// persistence entirely.
func NewRegistry(store *persistence.Store, cfg Config) *Registry {
	if cfg.MaxUpdateBytes <= 0 {
		cfg.MaxUpdateBytes = 2 * 1024 * 1024
	}
	if cfg.IdleRoomTimeout <= 0 {
		cfg.IdleRoomTimeout = 10 * time.Minute
	}
	if cfg.DebounceFlush <= 0 {
		cfg.DebounceFlush = 2 * time.Second
	}
	if cfg.FlushCeiling <= 0 {
		cfg.FlushCeiling = 30 * time.Second
	}

	reg := &Registry{
		rooms:          make(map[string]*Room),
		pendingKeys:    make(map[string]cryptoutil.Key),
		store:          store,
		maxUpdateBytes: cfg.MaxUpdateBytes,
		idleTimeout:    cfg.IdleRoomTimeout,
		debounceFlush:  cfg.DebounceFlush,
		flushCeiling:   cfg.FlushCeiling,
		stopSweep:      make(chan struct{}),
	}
	go reg.staleSweepLoop()
	return reg
}

// SetKeyListener registers the single callback invoked when a room's
// key becomes known or changes. Only one listener is supported — the
// outbound bridge manager, wired once at startup.
func (reg *Registry) SetKeyListener(l KeyListener) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.keyListener = l
}

// JoinOrCreate returns the Room for roomName, creating it if this is
// the first join. If a persisted snapshot exists and has not yet been
// restored, and the room's key is already known, restoration happens
// exactly once here before the Room is returned.
func (reg *Registry) JoinOrCreate(ctx context.Context, roomName string) (*Room, error) {
	if !ValidRoomName(roomName) {
		return nil, ErrInvalidRoomName
	}

	reg.mu.Lock()
	rm, exists := reg.rooms[roomName]
	if !exists {
		rm = newRoom(roomName, reg)
		if k, ok := reg.pendingKeys[roomName]; ok {
			rm.key = &k
		}
		reg.rooms[roomName] = rm
		metrics.Global.IncRoomsCreated()
		metrics.Global.SetActiveRooms(len(reg.rooms))
	}
	reg.mu.Unlock()

	reg.maybeRestore(ctx, rm)
	return rm, nil
}

func (reg *Registry) maybeRestore(ctx context.Context, rm *Room) {
	if reg.store == nil {
		return
	}

	rm.mu.Lock()
	if rm.restored || rm.key == nil {
		rm.mu.Unlock()
		return
	}
	key := *rm.key
	rm.restored = true
	rm.mu.Unlock()

	plaintext, err := reg.store.Load(rm.Name, key)
	if err != nil {
		logging.Warn(logging.WithRoom(ctx, rm.Name), "room restore skipped", zap.Error(err))
		return
	}

	doc, err := restoreCRDTDoc(plaintext)
	if err != nil {
		logging.Warn(logging.WithRoom(ctx, rm.Name), "room snapshot malformed, starting empty", zap.Error(err))
		return
	}

	rm.mu.Lock()
	rm.doc = doc
	rm.mu.Unlock()
}

// CheckAuth applies the first-write-wins table from spec.md §4.4: the
// first non-empty token presented to a room registers it; every
// subsequent joiner must present a token equal to the registered one.
func (reg *Registry) CheckAuth(rm *Room, supplied []byte) AuthDecision {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.authToken == nil {
		if len(supplied) == 0 {
			return AuthAllow
		}
		rm.authToken = append([]byte(nil), supplied...)
		return AuthAllow
	}

	if len(supplied) == 0 {
		return AuthRequired
	}
	if cryptoutil.ConstantTimeEquals(rm.authToken, supplied) {
		return AuthAllow
	}
	return AuthMismatch
}

// AddPeer binds peer to rm and marks the room active.
func (reg *Registry) AddPeer(rm *Room, peer Peer) {
	rm.mu.Lock()
	rm.peers[peer] = struct{}{}
	rm.lastActivity = time.Now()
	rm.mu.Unlock()

	metrics.Global.IncConnections()
}

// RemovePeer unbinds peer from rm. If rm has no remaining peers and no
// persistence flush is pending, the room is destroyed immediately;
// otherwise destruction is deferred to the stale sweep or to flush
// completion.
func (reg *Registry) RemovePeer(ctx context.Context, rm *Room, peer Peer) {
	rm.mu.Lock()
	delete(rm.peers, peer)
	for id, entry := range rm.awareness {
		if entry.origin == peer {
			delete(rm.awareness, id)
		}
	}
	empty := len(rm.peers) == 0
	pending := rm.scheduler.Pending()
	rm.mu.Unlock()

	if empty && !pending {
		reg.Destroy(ctx, rm, "last_connection_closed")
	}
}

// ApplyUpdate applies update to rm's document, arms the persistence
// timer, and fans it out as a SyncUpdate frame to every peer except
// origin. The fan-out runs on the caller's goroutine after the Room
// mutex is released and finishes before ApplyUpdate returns, so updates
// one origin submits one after another reach every other peer in that
// order; concurrent calls from different origins may interleave.
func (reg *Registry) ApplyUpdate(ctx context.Context, rm *Room, update []byte, origin Peer) error {
	if len(update) > reg.maxUpdateBytes {
		metrics.Global.IncOversizedUpdate()
		logging.Warn(logging.WithRoom(ctx, rm.Name), "oversized update rejected", zap.Int("bytes", len(update)))
		return ErrOversizedUpdate
	}

	rm.mu.Lock()
	if rm.destroyed {
		rm.mu.Unlock()
		return ErrRoomDestroyed
	}
	rm.doc.apply(update)
	rm.lastActivity = time.Now()
	rm.scheduler.Arm()

	peers := make([]Peer, 0, len(rm.peers))
	for p := range rm.peers {
		if p != origin {
			peers = append(peers, p)
		}
	}
	rm.mu.Unlock()

	metrics.Global.IncMessages()
	reg.fanout(ctx, rm, peers, wire.EncodeSync(wire.SyncUpdate, update))
	return nil
}

func (reg *Registry) fanout(ctx context.Context, rm *Room, peers []Peer, frame []byte) {
	for _, p := range peers {
		if !p.Enqueue(frame) {
			metrics.Global.IncBackpressure()
			logging.Warn(logging.WithRoom(ctx, rm.Name), "peer exceeded outbound queue, closing")
			p.Close(4003, "backpressure exceeded")
		}
	}
}

// SetAwareness replaces clientID's awareness entry and fans the
// pre-encoded frame out to every other peer.
func (reg *Registry) SetAwareness(rm *Room, clientID uint32, state []byte, origin Peer, frame []byte) {
	rm.mu.Lock()
	if rm.destroyed {
		rm.mu.Unlock()
		return
	}
	rm.awareness[clientID] = awarenessEntry{origin: origin, state: state}
	rm.lastActivity = time.Now()

	peers := make([]Peer, 0, len(rm.peers))
	for p := range rm.peers {
		if p != origin {
			peers = append(peers, p)
		}
	}
	rm.mu.Unlock()

	for _, p := range peers {
		p.Enqueue(frame)
	}
}

// RemoveAwareness erases clientID's entry and fans out a tombstone
// frame built by the caller, since the tombstone's wire shape is a
// connection-layer concern.
func (reg *Registry) RemoveAwareness(rm *Room, clientID uint32, tombstoneFrame []byte) {
	rm.mu.Lock()
	if rm.destroyed {
		rm.mu.Unlock()
		return
	}
	delete(rm.awareness, clientID)

	peers := make([]Peer, 0, len(rm.peers))
	for p := range rm.peers {
		peers = append(peers, p)
	}
	rm.mu.Unlock()

	for _, p := range peers {
		p.Enqueue(tombstoneFrame)
	}
}

// SetRoomKey stores the room's symmetric key, delivered out of band by
// the sidecar key channel. If the room doesn't exist yet the key is
// cached for the eventual JoinOrCreate. The registered key listener
// (the bridge manager) is notified on every call, whether or not the
// room exists yet or the key changed, so it can compare tokens and
// connect or reconnect if needed.
func (reg *Registry) SetRoomKey(roomName string, key cryptoutil.Key) {
	reg.mu.Lock()
	reg.pendingKeys[roomName] = key
	rm, exists := reg.rooms[roomName]
	listener := reg.keyListener
	reg.mu.Unlock()

	if exists {
		rm.mu.Lock()
		rm.key = &key
		rm.mu.Unlock()
	}

	if listener != nil {
		listener(roomName, key)
	}
}

// RoomKey returns the currently known key for roomName, if any.
func (reg *Registry) RoomKey(roomName string) (cryptoutil.Key, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if rm, ok := reg.rooms[roomName]; ok {
		rm.mu.Lock()
		defer rm.mu.Unlock()
		if rm.key != nil {
			return *rm.key, true
		}
		return cryptoutil.Key{}, false
	}
	if k, ok := reg.pendingKeys[roomName]; ok {
		return k, true
	}
	return cryptoutil.Key{}, false
}

// flushRoom is the Scheduler's flush callback: snapshot under the room
// mutex, then encrypt and write unlocked, so a flush never blocks
// concurrent ApplyUpdate calls for longer than the snapshot copy
// itself takes.
func (reg *Registry) flushRoom(rm *Room) {
	if reg.store == nil {
		return
	}

	rm.mu.Lock()
	key := rm.key
	snapshot := rm.doc.snapshot()
	rm.mu.Unlock()

	if key == nil {
		return
	}

	if err := reg.store.Flush(rm.Name, snapshot, *key); err != nil {
		metrics.Global.IncPersistFailure()
		logging.Error(logging.WithRoom(context.Background(), rm.Name), "persistence flush failed", zap.Error(err))
		return
	}

	rm.mu.Lock()
	empty := len(rm.peers) == 0
	rm.mu.Unlock()
	if empty {
		reg.Destroy(context.Background(), rm, "last_connection_closed")
	}
}

// Destroy flushes any pending snapshot synchronously, closes every
// peer with RoomClosed, clears the authentication slot, and removes
// the room from the registry. Idempotent: destroying an
// already-destroyed room is a no-op.
func (reg *Registry) Destroy(ctx context.Context, rm *Room, reason string) {
	rm.mu.Lock()
	if rm.destroyed {
		rm.mu.Unlock()
		return
	}
	rm.destroyed = true
	rm.scheduler.Stop()
	key := rm.key
	snapshot := rm.doc.snapshot()
	peers := make([]Peer, 0, len(rm.peers))
	for p := range rm.peers {
		peers = append(peers, p)
	}
	rm.awareness = make(map[uint32]awarenessEntry)
	rm.authToken = nil // clear the auth slot so a future joiner may re-register
	rm.mu.Unlock()

	if reg.store != nil && key != nil {
		if err := reg.store.Flush(rm.Name, snapshot, *key); err != nil {
			metrics.Global.IncPersistFailure()
			logging.Error(logging.WithRoom(ctx, rm.Name), "final flush before destroy failed", zap.Error(err))
		}
	}

	for _, p := range peers {
		p.Close(1001, reason)
	}

	reg.mu.Lock()
	delete(reg.rooms, rm.Name)
	metrics.Global.IncRoomsDestroyed()
	metrics.Global.SetActiveRooms(len(reg.rooms))
	reg.mu.Unlock()

	logging.Info(logging.WithRoom(ctx, rm.Name), "room destroyed", zap.String("reason", reason))
}

// RoomCount returns the number of active rooms.
func (reg *Registry) RoomCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// GetRoom returns the room if it currently exists, without creating
// it.
func (reg *Registry) GetRoom(roomName string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	rm, ok := reg.rooms[roomName]
	return rm, ok
}

const staleSweepInterval = 60 * time.Second

func (reg *Registry) staleSweepLoop() {
	ticker := time.NewTicker(staleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			reg.sweepStaleRooms()
		case <-reg.stopSweep:
			return
		}
	}
}

func (reg *Registry) sweepStaleRooms() {
	reg.mu.Lock()
	candidates := make([]*Room, 0, len(reg.rooms))
	for _, rm := range reg.rooms {
		candidates = append(candidates, rm)
	}
	reg.mu.Unlock()

	now := time.Now()
	for _, rm := range candidates {
		rm.mu.Lock()
		stale := len(rm.peers) == 0 && now.Sub(rm.lastActivity) > reg.idleTimeout
		rm.mu.Unlock()

		if stale {
			reg.Destroy(context.Background(), rm, "stale_sweep")
		}
	}
}

// Shutdown stops the stale sweep and destroys every active room,
// flushing each synchronously. Used by graceful process shutdown.
func (reg *Registry) Shutdown(ctx context.Context) {
	reg.sweepOnce.Do(func() { close(reg.stopSweep) })

	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, rm := range reg.rooms {
		rooms = append(rooms, rm)
	}
	reg.mu.Unlock()

	for _, rm := range rooms {
		reg.Destroy(ctx, rm, "shutdown")
	}
}
