// Package security_test exercises the relay core's adversarial and
// cross-cutting invariants: encryption at rest, first-writer-wins
// authentication, oversized-update handling, rate limiting, and room
// name validation, all driven through the public package APIs rather
// than internals.
package security_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/ephemeral/relay/internal/cryptoutil"
	"github.com/ephemeral/relay/internal/metrics"
	"github.com/ephemeral/relay/internal/ratelimit"
	"github.com/ephemeral/relay/internal/room"
	"github.com/ephemeral/relay/internal/wire"
	"golang.org/x/time/rate"
)

func testConfig() room.Config {
	return room.Config{
		MaxUpdateBytes:  2 * 1024 * 1024,
		IdleRoomTimeout: time.Hour,
		DebounceFlush:   time.Hour,
		FlushCeiling:    time.Hour,
	}
}

// ============================================================================
// TEST-RELAY-001: Encryption at rest
// ============================================================================

func TestRelayCannotDecryptWithoutTheRoomKey(t *testing.T) {
	var key, wrongKey cryptoutil.Key
	rand.Read(key[:])
	rand.Read(wrongKey[:])

	plaintext := []byte("collaborative document state")
	blob, err := cryptoutil.Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := cryptoutil.Decrypt(blob, wrongKey); err != cryptoutil.ErrAuthFail {
		t.Fatalf("expected ErrAuthFail decrypting with the wrong key, got %v", err)
	}

	got, err := cryptoutil.Decrypt(blob, key)
	if err != nil {
		t.Fatalf("decrypt with correct key failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("decrypted plaintext does not round-trip")
	}
}

func TestEncryptedBlobNeverLeaksTheJoinToken(t *testing.T) {
	var key cryptoutil.Key
	rand.Read(key[:])

	// TokenForRoom runs over the raw room key (see DESIGN.md for why:
	// it is a credential the external relay must independently
	// recompute), while Encrypt runs over an HKDF-derived subkey. The
	// two outputs must still never overlap byte-for-byte.
	blob, _ := cryptoutil.Encrypt([]byte("x"), key)
	token := cryptoutil.TokenForRoom(key, "doc-independence")

	if bytes.Contains(blob, []byte(token)) {
		t.Fatal("encrypted blob leaks the join token")
	}
}

func TestTokenForRoomIsURLSafeAnd44Chars(t *testing.T) {
	var key cryptoutil.Key
	rand.Read(key[:])

	token := cryptoutil.TokenForRoom(key, "doc-url-safety")
	if len(token) != 44 {
		t.Fatalf("expected a 44-char token, got %d chars: %q", len(token), token)
	}
	for _, r := range token {
		if r == '+' || r == '/' {
			t.Fatalf("token contains non-URL-safe base64 character: %q", token)
		}
	}
}

// ============================================================================
// TEST-RELAY-002: First-writer-wins authentication
// ============================================================================

func TestFirstWriterWinsAuthCannotBeBypassedByConcurrentRegistration(t *testing.T) {
	reg := room.NewRegistry(nil, testConfig())
	defer reg.Shutdown(context.Background())

	rm, err := reg.JoinOrCreate(context.Background(), "doc-race")
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	const n = 50
	tokens := make([][]byte, n)
	for i := range tokens {
		tok := make([]byte, 16)
		rand.Read(tok)
		tokens[i] = tok
	}

	var wg sync.WaitGroup
	decisions := make([]room.AuthDecision, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			decisions[i] = reg.CheckAuth(rm, tokens[i])
		}(i)
	}
	wg.Wait()

	allowed := 0
	for _, d := range decisions {
		if d == room.AuthAllow {
			allowed++
		}
	}
	if allowed != 1 {
		t.Fatalf("expected exactly one concurrent registrant to be allowed, got %d", allowed)
	}
}

func TestMismatchedTokenNeverAllowed(t *testing.T) {
	reg := room.NewRegistry(nil, testConfig())
	defer reg.Shutdown(context.Background())

	rm, _ := reg.JoinOrCreate(context.Background(), "doc-mismatch")
	first := []byte("correct-token-0123456789")
	if d := reg.CheckAuth(rm, first); d != room.AuthAllow {
		t.Fatalf("first registrant must be allowed, got %v", d)
	}

	for i := 0; i < 20; i++ {
		wrong := append([]byte(nil), first...)
		wrong[0] ^= 0xFF
		if d := reg.CheckAuth(rm, wrong); d != room.AuthMismatch {
			t.Fatalf("tampered token must be rejected as AuthMismatch, got %v", d)
		}
	}
}

func TestNoTokenEverSuppliedAllowsAnyoneForever(t *testing.T) {
	reg := room.NewRegistry(nil, testConfig())
	defer reg.Shutdown(context.Background())

	rm, _ := reg.JoinOrCreate(context.Background(), "doc-legacy")
	for i := 0; i < 5; i++ {
		if d := reg.CheckAuth(rm, nil); d != room.AuthAllow {
			t.Fatalf("a room with no registered token must allow every unauthenticated join, got %v", d)
		}
	}
}

// ============================================================================
// TEST-RELAY-003: Oversized update handling
// ============================================================================

func TestOversizedUpdateRejectedWithoutDisconnectingOrigin(t *testing.T) {
	reg := room.NewRegistry(nil, room.Config{
		MaxUpdateBytes:  1024,
		IdleRoomTimeout: time.Hour,
		DebounceFlush:   time.Hour,
		FlushCeiling:    time.Hour,
	})
	defer reg.Shutdown(context.Background())

	rm, _ := reg.JoinOrCreate(context.Background(), "doc-oversize")
	origin := &noopPeer{}
	reg.AddPeer(rm, origin)

	before := metrics.Global.OversizedUpdates
	err := reg.ApplyUpdate(context.Background(), rm, make([]byte, 2000), origin)
	if err != room.ErrOversizedUpdate {
		t.Fatalf("expected ErrOversizedUpdate, got %v", err)
	}
	if metrics.Global.OversizedUpdates != before+1 {
		t.Fatal("oversized update must be counted")
	}
	if origin.closed {
		t.Fatal("the origin connection must not be disconnected for an oversized update")
	}
}

func TestWireLevelFrameCapRejectsBeforeReachingTheRoom(t *testing.T) {
	big := make([]byte, wire.MaxSyncPayload+1)
	frame := wire.Encode(wire.KindSync, big)
	if _, _, err := wire.Decode(frame); err == nil {
		t.Fatal("expected a decode error for a frame exceeding the wire-level sync payload cap")
	}
}

// ============================================================================
// TEST-RELAY-004: Rate limiting
// ============================================================================

func TestConnectionRateLimitingIsPerIdentity(t *testing.T) {
	l := ratelimit.NewLimiter(rate.Limit(1), 2)

	if !l.Allow("1.2.3.4") || !l.Allow("1.2.3.4") {
		t.Fatal("burst of 2 should be allowed immediately")
	}
	if l.Allow("1.2.3.4") {
		t.Fatal("third immediate request should be rate limited")
	}
	// A distinct identity has its own bucket.
	if !l.Allow("5.6.7.8") {
		t.Fatal("a different IP must not share the exhausted bucket")
	}
}

func TestRoomJoinRateLimitingIsIsolatedPerRoom(t *testing.T) {
	l := ratelimit.NewRoomLimiter(rate.Limit(1), 1)

	if !l.Allow("doc-a") {
		t.Fatal("first join attempt for doc-a should be allowed")
	}
	if l.Allow("doc-a") {
		t.Fatal("second immediate join attempt for doc-a should be limited")
	}
	if !l.Allow("doc-b") {
		t.Fatal("doc-b must not be limited by doc-a's bucket")
	}
}

// ============================================================================
// TEST-RELAY-005: Room name validation
// ============================================================================

func TestRoomNameValidationRejectsPathTraversalAndControlCharacters(t *testing.T) {
	bad := []string{
		"../../etc/passwd",
		"doc/with/slashes",
		"doc with spaces",
		"doc\x00null",
		"",
		string(make([]byte, 300)),
	}
	for _, name := range bad {
		if room.ValidRoomName(name) {
			t.Errorf("expected %q to be rejected as an invalid room name", name)
		}
	}

	good := []string{"doc-abc123", "workspace-meta:team-x", "workspace-folders:a_b-c"}
	for _, name := range good {
		if !room.ValidRoomName(name) {
			t.Errorf("expected %q to be accepted as a valid room name", name)
		}
	}
}

func TestJoinOrCreateRejectsInvalidRoomNameWithoutCreatingAnyState(t *testing.T) {
	reg := room.NewRegistry(nil, testConfig())
	defer reg.Shutdown(context.Background())

	if _, err := reg.JoinOrCreate(context.Background(), "../traversal"); err != room.ErrInvalidRoomName {
		t.Fatalf("expected ErrInvalidRoomName, got %v", err)
	}
	if reg.RoomCount() != 0 {
		t.Fatal("an invalid room name must never create a registry entry")
	}
}

// ============================================================================
// TEST-RELAY-006: Metrics carry no identifying information
// ============================================================================

func TestMetricsExposeOnlyAggregateCounters(t *testing.T) {
	// Metrics.Global's fields are all numeric counters/gauges; none of
	// them are capable of carrying a room name, connection id, or IP
	// address. This is enforced by the type itself rather than
	// re-derivable at runtime, so the test documents the invariant by
	// exercising the counters rather than reflecting over field types.
	reg := metrics.NewRegistry()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		for _, m := range mf.Metric {
			if len(m.Label) != 0 {
				t.Errorf("metric %s carries labels %v; relay metrics must stay label-free aggregate counters", mf.GetName(), m.Label)
			}
		}
	}
}

type noopPeer struct {
	closed bool
}

func (p *noopPeer) Enqueue(frame []byte) bool { return true }
func (p *noopPeer) Close(code int, reason string) {
	p.closed = true
}
