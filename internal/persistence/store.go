// Package persistence implements the encrypted-at-rest room snapshot
// store described in spec.md §4.2: one encrypted blob per room, no
// update log, write-to-temp-then-rename durability, debounced flush.
package persistence

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/ephemeral/relay/internal/cryptoutil"
	"github.com/gofrs/flock"
)

const fileSuffix = ".dat"
const tmpSuffix = ".tmp"
const lockFileName = ".lock"

// Store maps roomName -> latest encrypted snapshot bytes, backed by one
// file per room under dir.
type Store struct {
	dir  string
	lock *flock.Flock
}

// Open creates dir if needed and takes an advisory lock on it, so the
// sidecar daemon and unified-server deployment shapes never write the
// same persistence-dir concurrently from two processes.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("persistence: create dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("persistence: lock dir: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("persistence: %s is already locked by another process", dir)
	}

	return &Store{dir: dir, lock: lock}, nil
}

// Close releases the directory lock.
func (s *Store) Close() error {
	return s.lock.Unlock()
}

func (s *Store) pathFor(roomName string) string {
	return filepath.Join(s.dir, url.PathEscape(roomName)+fileSuffix)
}

// ListPersisted enumerates the room names with an on-disk snapshot,
// without decrypting anything. Used at startup to know which rooms
// have state waiting, before any room key is necessarily known.
func (s *Store) ListPersisted() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("persistence: list dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		escaped := strings.TrimSuffix(e.Name(), fileSuffix)
		roomName, err := url.PathUnescape(escaped)
		if err != nil {
			continue
		}
		names = append(names, roomName)
	}
	return names, nil
}

// Load reads and decrypts the persisted snapshot for roomName. A
// decryption failure is returned to the caller rather than deleting
// the file, so an operator can recover the blob; the caller is
// expected to leave the room empty and log, per spec.md §4.2/§7.
func (s *Store) Load(roomName string, key cryptoutil.Key) ([]byte, error) {
	blob, err := os.ReadFile(s.pathFor(roomName))
	if err != nil {
		return nil, err
	}
	return cryptoutil.Decrypt(blob, key)
}

// Flush encrypts plaintext and atomically replaces the room's snapshot
// file via write-to-temp then rename, so a crash between the write and
// the rename leaves the previous snapshot intact.
func (s *Store) Flush(roomName string, plaintext []byte, key cryptoutil.Key) error {
	blob, err := cryptoutil.Encrypt(plaintext, key)
	if err != nil {
		return fmt.Errorf("persistence: encrypt: %w", err)
	}

	final := s.pathFor(roomName)
	tmp := final + tmpSuffix

	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("persistence: write temp: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("persistence: rename: %w", err)
	}
	return nil
}

// Delete removes a room's persisted snapshot, if any.
func (s *Store) Delete(roomName string) error {
	err := os.Remove(s.pathFor(roomName))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
