// Package cryptoutil provides the symmetric authenticated encryption,
// HMAC, and constant-time comparison primitives used to encrypt room
// snapshots at rest and to compute room join tokens.
package cryptoutil

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// Errors returned by Encrypt/Decrypt. Callers should branch on these,
// not on wrapped text, since Decrypt never reveals *why* a blob failed
// to authenticate.
var (
	ErrInvalidKey = errors.New("cryptoutil: key must be 32 non-zero bytes")
	ErrTooLarge   = errors.New("cryptoutil: plaintext exceeds 100MB")
	ErrMalformed  = errors.New("cryptoutil: blob shorter than minimum size")
	ErrAuthFail   = errors.New("cryptoutil: authentication failed")
)

const (
	// KeySize is the width of a room symmetric key.
	KeySize = 32

	nonceSize = 24
	tagSize   = secretbox.Overhead // 16
	lenPrefix = 4
	padBlock  = 4096

	maxPlaintext = 100 * 1024 * 1024

	// minBlobSize is nonce + tag + 1 byte: Decrypt reports anything
	// shorter as ErrMalformed without trying to open it. Blobs produced
	// by Encrypt are never shorter than nonce + one pad block + tag.
	minBlobSize = nonceSize + tagSize + 1

	hkdfPersistInfo = "relay-persist-v1"
	hmacPrefix      = "room-auth:"
)

// Key is a 32-byte room symmetric key.
type Key [KeySize]byte

// ParseKey validates that b is exactly KeySize bytes and not all-zero.
func ParseKey(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, ErrInvalidKey
	}
	if bytes.Equal(b, make([]byte, KeySize)) {
		return k, ErrInvalidKey
	}
	copy(k[:], b)
	return k, nil
}

// Zeroize overwrites buf in place. It is a no-op for zero-length or nil
// input; it never panics on a non-writable slice because Go slices
// backed by read-only memory are not something this package accepts.
func Zeroize(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}

// Zeroize overwrites a Key in place.
func (k *Key) Zeroize() {
	for i := range k {
		k[i] = 0
	}
}

// persistSubkey derives the secretbox encryption key used for at-rest
// snapshots from the room key via HKDF, rather than using the room key
// directly. Unlike TokenForRoom, nothing outside this process ever
// needs to recompute this value, so the indirection costs nothing and
// keeps a leaked snapshot key from doubling as the room's join token.
func persistSubkey(k Key) [32]byte {
	return hkdfSubkey(k, hkdfPersistInfo)
}

func hkdfSubkey(k Key, info string) [32]byte {
	var out [32]byte
	r := hkdf.New(sha256.New, k[:], nil, []byte(info))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		// hkdf.Read only fails if the output length is unreasonable;
		// 32 bytes from a SHA-256-based extract is always safe.
		panic("cryptoutil: hkdf expand failed: " + err.Error())
	}
	return out
}

// Encrypt seals plaintext under key, producing the blob layout:
// nonce(24) || secretbox-seal(len-prefix(4) || plaintext || zero-pad to
// next 4096 multiple) || tag(16, embedded by secretbox).
//
// A fresh random nonce is generated on every call, so two calls on the
// same (plaintext, key) never produce identical output.
func Encrypt(plaintext []byte, key Key) ([]byte, error) {
	if isZeroKey(key) {
		return nil, ErrInvalidKey
	}
	if len(plaintext) > maxPlaintext {
		return nil, ErrTooLarge
	}

	padded := padPayload(plaintext)

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	subkey := persistSubkey(key)
	out := make([]byte, 0, nonceSize+len(padded)+tagSize)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, padded, &nonce, &subkey)
	return out, nil
}

// Decrypt opens a blob produced by Encrypt. On success it returns
// exactly the original plaintext; padding is stripped via the embedded
// length prefix.
func Decrypt(blob []byte, key Key) ([]byte, error) {
	if isZeroKey(key) {
		return nil, ErrInvalidKey
	}
	if len(blob) < minBlobSize {
		return nil, ErrMalformed
	}

	var nonce [nonceSize]byte
	copy(nonce[:], blob[:nonceSize])
	sealed := blob[nonceSize:]

	subkey := persistSubkey(key)
	padded, ok := secretbox.Open(nil, sealed, &nonce, &subkey)
	if !ok {
		return nil, ErrAuthFail
	}

	return unpadPayload(padded)
}

func padPayload(plaintext []byte) []byte {
	total := lenPrefix + len(plaintext)
	padded := ((total + padBlock - 1) / padBlock) * padBlock
	if padded == 0 {
		padded = padBlock
	}
	buf := make([]byte, padded)
	binary.BigEndian.PutUint32(buf[:lenPrefix], uint32(len(plaintext)))
	copy(buf[lenPrefix:], plaintext)
	return buf
}

func unpadPayload(padded []byte) ([]byte, error) {
	if len(padded) < lenPrefix {
		return nil, ErrMalformed
	}
	n := binary.BigEndian.Uint32(padded[:lenPrefix])
	end := lenPrefix + int(n)
	if end > len(padded) {
		return nil, ErrMalformed
	}
	return padded[lenPrefix:end], nil
}

// HMAC computes SHA-256-HMAC(key, message).
func HMAC(key []byte, message []byte) [32]byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// TokenForRoom computes the protocol-level join token for roomName:
// base64url(HMAC-SHA256(key, "room-auth:" || roomName)).
// Always 44 characters (32-byte HMAC, URL-safe alphabet, one padding
// character) so it drops into a WebSocket upgrade URL's query string
// without further escaping.
//
// This HMAC runs over the raw room key, not a derived subkey: the
// token is a credential handed to an independently implemented
// external relay (see internal/bridge), which recomputes the same
// HMAC from the raw key it was given out of band. A subkey known only
// to this process would make every such token unverifiable outside
// it. See DESIGN.md for why at-rest encryption, which never leaves
// this process, still uses an HKDF-derived subkey instead.
func TokenForRoom(key Key, roomName string) string {
	sum := HMAC(key[:], []byte(hmacPrefix+roomName))
	return base64.URLEncoding.EncodeToString(sum[:])
}

// ConstantTimeEquals reports whether a and b are byte-for-byte equal,
// in time that does not depend on where they first differ. Inputs of
// different length are reported unequal without a timing side-channel
// on length itself beyond the unavoidable early return.
func ConstantTimeEquals(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

func isZeroKey(k Key) bool {
	return bytes.Equal(k[:], make([]byte, KeySize))
}
