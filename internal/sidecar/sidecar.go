// Package sidecar defines the channel contract a key-delivery daemon
// uses to hand a room's symmetric key to the relay core, per spec.md
// §6. The transport that feeds this channel — a Unix socket, stdin
// frames, whatever the embedder wants — lives outside this core; this
// package only defines the Go-level contract and a small consumer loop.
package sidecar

import (
	"context"

	"github.com/ephemeral/relay/internal/cryptoutil"
	"github.com/ephemeral/relay/internal/logging"
	"github.com/ephemeral/relay/internal/room"
	"go.uber.org/zap"
)

// KeyEvent carries one room's symmetric key as it becomes known to the
// embedder, e.g. after an out-of-band invite exchange completes.
type KeyEvent struct {
	RoomName string
	Key      cryptoutil.Key
}

// KeyDelivery is the channel type an embedder's key-delivery transport
// writes to and Consume reads from.
type KeyDelivery chan KeyEvent

// NewKeyDelivery builds a KeyDelivery channel with the given buffer
// depth. A modest buffer absorbs a burst of key deliveries (e.g. at
// startup, when a sidecar daemon replays everything it knows) without
// blocking the transport goroutine on the registry's per-room locks.
func NewKeyDelivery(buffer int) KeyDelivery {
	return make(KeyDelivery, buffer)
}

// Consume runs the single goroutine described in spec.md §6: for every
// KeyEvent received, it registers the key on the Registry, which in
// turn notifies the bridge listener; a persisted snapshot for that
// room is restored at the room's next JoinOrCreate if it has not been
// restored yet. It returns when ctx is cancelled or the channel is
// closed.
func Consume(ctx context.Context, deliveries KeyDelivery, registry *room.Registry) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-deliveries:
			if !ok {
				return
			}
			if !room.ValidRoomName(ev.RoomName) {
				logging.Warn(ctx, "dropping key event for invalid room name", zap.String("room", ev.RoomName))
				continue
			}
			registry.SetRoomKey(ev.RoomName, ev.Key)
			logging.Info(logging.WithRoom(ctx, ev.RoomName), "room key registered")
		}
	}
}
