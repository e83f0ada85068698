// Package wire implements the byte-exact message framing from
// spec.md §6: a single leading kind byte followed by a kind-specific
// payload, shared by the connection state machine and the outbound
// relay bridge so both sides of a Connection speak the identical wire
// format.
package wire

import (
	"encoding/binary"
	"errors"
)

// Frame kinds. The numeric values are part of the wire protocol.
const (
	KindSync      byte = 0x00
	KindAwareness byte = 0x01
	KindPing      byte = 0x02
	KindPong      byte = 0x03
)

// Sync steps, carried as the first byte of a Sync frame's payload.
const (
	SyncStep1 byte = 0x01
	SyncStep2 byte = 0x02
	SyncUpdate byte = 0x03
)

// Size bounds from spec.md §4.5.
const (
	MaxSyncPayload      = 2 * 1024 * 1024
	MaxAwarenessPayload = 64 * 1024
)

var (
	ErrEmptyFrame    = errors.New("wire: empty frame")
	ErrUnknownKind   = errors.New("wire: unknown frame kind")
	ErrTruncated     = errors.New("wire: truncated payload")
	ErrPayloadTooBig = errors.New("wire: payload exceeds bound for kind")
)

// Encode prefixes payload with a single kind byte.
func Encode(kind byte, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = kind
	copy(out[1:], payload)
	return out
}

// Decode splits a raw WebSocket message into its kind byte and payload,
// validating the kind is recognized and the payload respects the
// kind's size bound.
func Decode(frame []byte) (kind byte, payload []byte, err error) {
	if len(frame) < 1 {
		return 0, nil, ErrEmptyFrame
	}
	kind = frame[0]
	payload = frame[1:]

	switch kind {
	case KindSync:
		if len(payload) > MaxSyncPayload {
			return 0, nil, ErrPayloadTooBig
		}
	case KindAwareness:
		if len(payload) > MaxAwarenessPayload {
			return 0, nil, ErrPayloadTooBig
		}
	case KindPing, KindPong:
		// empty per spec.md §4.5
	default:
		return 0, nil, ErrUnknownKind
	}

	return kind, payload, nil
}

// EncodeSync builds a Sync frame: kind byte, step byte, step payload.
func EncodeSync(step byte, payload []byte) []byte {
	body := make([]byte, 1+len(payload))
	body[0] = step
	copy(body[1:], payload)
	return Encode(KindSync, body)
}

// DecodeSync splits a Sync frame's payload into its step and the
// step-specific bytes.
func DecodeSync(payload []byte) (step byte, body []byte, err error) {
	if len(payload) < 1 {
		return 0, nil, ErrTruncated
	}
	return payload[0], payload[1:], nil
}

// EncodeAwareness builds an Awareness frame: kind byte, 4-byte
// big-endian client id, opaque state payload.
func EncodeAwareness(clientID uint32, payload []byte) []byte {
	body := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(body[:4], clientID)
	copy(body[4:], payload)
	return Encode(KindAwareness, body)
}

// DecodeAwareness splits an Awareness frame's payload into the client
// id and opaque state bytes.
func DecodeAwareness(payload []byte) (clientID uint32, body []byte, err error) {
	if len(payload) < 4 {
		return 0, nil, ErrTruncated
	}
	return binary.BigEndian.Uint32(payload[:4]), payload[4:], nil
}

// Ping/Pong frames carry no payload.
func EncodePing() []byte { return Encode(KindPing, nil) }
func EncodePong() []byte { return Encode(KindPong, nil) }
