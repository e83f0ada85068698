package room

import "errors"

var (
	// ErrInvalidRoomName is returned when a room name does not match
	// the [A-Za-z0-9:_-]{1,256} pattern from spec.md §6.
	ErrInvalidRoomName = errors.New("room: invalid room name")

	// ErrOversizedUpdate is returned by ApplyUpdate when an update
	// exceeds the configured MaxUpdateBytes. The origin connection is
	// not disconnected for this error; callers must not close on it.
	ErrOversizedUpdate = errors.New("room: update exceeds max update size")

	// ErrRoomDestroyed is returned by operations attempted against a
	// Room that has already been destroyed.
	ErrRoomDestroyed = errors.New("room: room already destroyed")

	errTruncatedSnapshot = errors.New("room: truncated snapshot")
)
