package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ephemeral/relay/internal/cryptoutil"
	"github.com/ephemeral/relay/internal/persistence"
)

// fakePeer is a test double satisfying the Peer interface; it records
// every frame it was asked to enqueue and the reason it was closed.
type fakePeer struct {
	mu        sync.Mutex
	name      string
	frames    [][]byte
	closed    bool
	closeCode int
	closeMsg  string
	fullAfter int // if > 0, Enqueue fails once len(frames) reaches this
}

func (p *fakePeer) Enqueue(frame []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fullAfter > 0 && len(p.frames) >= p.fullAfter {
		return false
	}
	p.frames = append(p.frames, append([]byte(nil), frame...))
	return true
}

func (p *fakePeer) Close(code int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.closeCode = code
	p.closeMsg = reason
}

func (p *fakePeer) frameCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

func testConfig() Config {
	return Config{
		MaxUpdateBytes:  1024,
		IdleRoomTimeout: time.Hour,
		DebounceFlush:   10 * time.Millisecond,
		FlushCeiling:    50 * time.Millisecond,
	}
}

func TestJoinOrCreateRejectsInvalidName(t *testing.T) {
	reg := NewRegistry(nil, testConfig())
	defer reg.Shutdown(context.Background())

	if _, err := reg.JoinOrCreate(context.Background(), "has a space"); err != ErrInvalidRoomName {
		t.Errorf("expected ErrInvalidRoomName, got %v", err)
	}
}

func TestJoinOrCreateIsIdempotent(t *testing.T) {
	reg := NewRegistry(nil, testConfig())
	defer reg.Shutdown(context.Background())

	a, err := reg.JoinOrCreate(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("JoinOrCreate: %v", err)
	}
	b, err := reg.JoinOrCreate(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("JoinOrCreate: %v", err)
	}
	if a != b {
		t.Error("expected the same Room instance on repeated join")
	}
	if reg.RoomCount() != 1 {
		t.Errorf("expected 1 room, got %d", reg.RoomCount())
	}
}

func TestCheckAuthFirstWriterWins(t *testing.T) {
	reg := NewRegistry(nil, testConfig())
	defer reg.Shutdown(context.Background())

	rm, _ := reg.JoinOrCreate(context.Background(), "doc-auth")

	if got := reg.CheckAuth(rm, []byte("token-a")); got != AuthAllow {
		t.Fatalf("first joiner: got %v, want AuthAllow", got)
	}
	if got := reg.CheckAuth(rm, []byte("token-a")); got != AuthAllow {
		t.Errorf("matching token: got %v, want AuthAllow", got)
	}
	if got := reg.CheckAuth(rm, []byte("token-b")); got != AuthMismatch {
		t.Errorf("mismatched token: got %v, want AuthMismatch", got)
	}
	if got := reg.CheckAuth(rm, nil); got != AuthRequired {
		t.Errorf("no token supplied: got %v, want AuthRequired", got)
	}
}

func TestCheckAuthNoTokenEverRegisteredAllowsAll(t *testing.T) {
	reg := NewRegistry(nil, testConfig())
	defer reg.Shutdown(context.Background())

	rm, _ := reg.JoinOrCreate(context.Background(), "doc-legacy")

	if got := reg.CheckAuth(rm, nil); got != AuthAllow {
		t.Fatalf("got %v, want AuthAllow", got)
	}
	if got := reg.CheckAuth(rm, nil); got != AuthAllow {
		t.Fatalf("got %v, want AuthAllow", got)
	}
}

func TestApplyUpdateFansOutToOthersNotOrigin(t *testing.T) {
	reg := NewRegistry(nil, testConfig())
	defer reg.Shutdown(context.Background())

	rm, _ := reg.JoinOrCreate(context.Background(), "doc-fanout")

	origin := &fakePeer{name: "origin"}
	other1 := &fakePeer{name: "other1"}
	other2 := &fakePeer{name: "other2"}
	reg.AddPeer(rm, origin)
	reg.AddPeer(rm, other1)
	reg.AddPeer(rm, other2)

	if err := reg.ApplyUpdate(context.Background(), rm, []byte("update-1"), origin); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}

	if origin.frameCount() != 0 {
		t.Errorf("origin should not receive its own update, got %d frames", origin.frameCount())
	}
	if other1.frameCount() != 1 || other2.frameCount() != 1 {
		t.Errorf("expected both other peers to receive exactly 1 frame, got %d, %d", other1.frameCount(), other2.frameCount())
	}
}

func TestApplyUpdateRejectsOversizeWithoutDisconnecting(t *testing.T) {
	reg := NewRegistry(nil, testConfig())
	defer reg.Shutdown(context.Background())

	rm, _ := reg.JoinOrCreate(context.Background(), "doc-oversize")
	origin := &fakePeer{}
	reg.AddPeer(rm, origin)

	big := make([]byte, 2048)
	err := reg.ApplyUpdate(context.Background(), rm, big, origin)
	if err != ErrOversizedUpdate {
		t.Fatalf("expected ErrOversizedUpdate, got %v", err)
	}
	if origin.closed {
		t.Error("origin must not be disconnected for an oversized update")
	}
}

func TestApplyUpdateDeliversEveryConcurrentUpdate(t *testing.T) {
	reg := NewRegistry(nil, testConfig())
	defer reg.Shutdown(context.Background())

	rm, _ := reg.JoinOrCreate(context.Background(), "doc-order")
	origin := &fakePeer{}
	observer := &fakePeer{}
	reg.AddPeer(rm, origin)
	reg.AddPeer(rm, observer)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			reg.ApplyUpdate(context.Background(), rm, []byte{byte(n)}, origin)
		}(i)
	}
	wg.Wait()

	if observer.frameCount() != 20 {
		t.Fatalf("expected 20 frames delivered, got %d", observer.frameCount())
	}
}

func TestBackpressureClosesConnection(t *testing.T) {
	reg := NewRegistry(nil, testConfig())
	defer reg.Shutdown(context.Background())

	rm, _ := reg.JoinOrCreate(context.Background(), "doc-backpressure")
	origin := &fakePeer{}
	slow := &fakePeer{fullAfter: 1, frames: [][]byte{[]byte("queued")}}
	reg.AddPeer(rm, origin)
	reg.AddPeer(rm, slow)

	reg.ApplyUpdate(context.Background(), rm, []byte("x"), origin)

	if !slow.closed {
		t.Fatal("expected backpressured peer to be closed")
	}
	if slow.closeCode != 4003 {
		t.Errorf("closeCode = %d, want 4003", slow.closeCode)
	}
}

func TestDestroyIsIdempotentAndClearsAuth(t *testing.T) {
	reg := NewRegistry(nil, testConfig())
	defer reg.Shutdown(context.Background())

	rm, _ := reg.JoinOrCreate(context.Background(), "doc-destroy")
	reg.CheckAuth(rm, []byte("secret"))

	peer := &fakePeer{}
	reg.AddPeer(rm, peer)

	reg.Destroy(context.Background(), rm, "test")
	reg.Destroy(context.Background(), rm, "test-again") // must not panic or double-close

	if !peer.closed || peer.closeCode != 1001 {
		t.Errorf("expected peer closed with 1001, got closed=%v code=%d", peer.closed, peer.closeCode)
	}
	if _, ok := reg.GetRoom("doc-destroy"); ok {
		t.Error("expected room removed from registry after destroy")
	}

	// a new room by the same name must accept a fresh first writer
	rm2, _ := reg.JoinOrCreate(context.Background(), "doc-destroy")
	if got := reg.CheckAuth(rm2, []byte("different-secret")); got != AuthAllow {
		t.Errorf("fresh room after destroy: got %v, want AuthAllow", got)
	}
}

func TestRemovePeerDestroysEmptyRoomWithNoPendingFlush(t *testing.T) {
	reg := NewRegistry(nil, testConfig())
	defer reg.Shutdown(context.Background())

	rm, _ := reg.JoinOrCreate(context.Background(), "doc-empty")
	peer := &fakePeer{}
	reg.AddPeer(rm, peer)
	reg.RemovePeer(context.Background(), rm, peer)

	if _, ok := reg.GetRoom("doc-empty"); ok {
		t.Error("expected empty room to be destroyed immediately")
	}
}

func TestSetRoomKeyCachesForPendingRoom(t *testing.T) {
	reg := NewRegistry(nil, testConfig())
	defer reg.Shutdown(context.Background())

	var key cryptoutil.Key
	for i := range key {
		key[i] = byte(i + 1)
	}
	reg.SetRoomKey("doc-pending-key", key)

	rm, _ := reg.JoinOrCreate(context.Background(), "doc-pending-key")
	got, ok := reg.RoomKey(rm.Name)
	if !ok || got != key {
		t.Error("expected the pending key to be applied to the newly created room")
	}
}

func TestSetRoomKeyNotifiesListener(t *testing.T) {
	reg := NewRegistry(nil, testConfig())
	defer reg.Shutdown(context.Background())

	var got cryptoutil.Key
	var gotName string
	notified := make(chan struct{}, 1)
	reg.SetKeyListener(func(roomName string, key cryptoutil.Key) {
		gotName = roomName
		got = key
		notified <- struct{}{}
	})

	var key cryptoutil.Key
	key[0] = 0xAB
	reg.SetRoomKey("doc-notify", key)

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("listener was not invoked")
	}
	if gotName != "doc-notify" || got != key {
		t.Errorf("listener received (%q, %v), want (%q, %v)", gotName, got, "doc-notify", key)
	}
}

func TestPersistedSnapshotRestoresOnJoin(t *testing.T) {
	dir := t.TempDir()
	store, err := persistence.Open(dir)
	if err != nil {
		t.Fatalf("persistence.Open: %v", err)
	}
	defer store.Close()

	var key cryptoutil.Key
	for i := range key {
		key[i] = byte(i + 5)
	}

	reg := NewRegistry(store, testConfig())
	reg.SetRoomKey("doc-restore", key)
	rm, _ := reg.JoinOrCreate(context.Background(), "doc-restore")
	peer := &fakePeer{}
	reg.AddPeer(rm, peer)
	reg.ApplyUpdate(context.Background(), rm, []byte("persisted-chunk"), peer)

	// force a synchronous flush and destroy, releasing the lock file
	reg.Destroy(context.Background(), rm, "test-flush")
	reg.Shutdown(context.Background())
	store.Close()

	store2, err := persistence.Open(dir)
	if err != nil {
		t.Fatalf("persistence.Open (reopen): %v", err)
	}
	defer store2.Close()

	reg2 := NewRegistry(store2, testConfig())
	defer reg2.Shutdown(context.Background())
	reg2.SetRoomKey("doc-restore", key)

	rm2, err := reg2.JoinOrCreate(context.Background(), "doc-restore")
	if err != nil {
		t.Fatalf("JoinOrCreate: %v", err)
	}

	snap := rm2.Snapshot()
	if len(snap) == 0 {
		t.Error("expected restored snapshot to contain the persisted update")
	}
}

func TestStaleSweepDestroysIdleEmptyRooms(t *testing.T) {
	reg := NewRegistry(nil, Config{
		MaxUpdateBytes:  1024,
		IdleRoomTimeout: time.Millisecond,
		DebounceFlush:   time.Millisecond,
		FlushCeiling:    5 * time.Millisecond,
	})
	defer reg.Shutdown(context.Background())

	rm, _ := reg.JoinOrCreate(context.Background(), "doc-stale")
	time.Sleep(5 * time.Millisecond)
	reg.sweepStaleRooms()

	if _, ok := reg.GetRoom(rm.Name); ok {
		t.Error("expected idle empty room to be swept")
	}
}
