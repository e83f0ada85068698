package persistence

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/ephemeral/relay/internal/cryptoutil"
)

func testKey(b byte) cryptoutil.Key {
	var k cryptoutil.Key
	for i := range k {
		k[i] = b
	}
	k[0] = b + 1
	return k
}

func TestStoreFlushAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	key := testKey(1)
	plaintext := []byte("room snapshot bytes")

	if err := store.Flush("doc-x", plaintext, key); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	got, err := store.Load("doc-x", key)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("loaded %q, want %q", got, plaintext)
	}
}

func TestStoreFlushIsAtomicViaRename(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	key := testKey(2)
	if err := store.Flush("doc-y", []byte("v1"), key); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	final := store.pathFor("doc-y")
	tmp := final + tmpSuffix

	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Errorf("expected temp file to be gone after rename, stat err = %v", err)
	}
	if _, err := os.Stat(final); err != nil {
		t.Errorf("expected final file to exist: %v", err)
	}
}

func TestStoreLoadDecryptFailureDoesNotDeleteFile(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	key := testKey(3)
	wrongKey := testKey(4)

	if err := store.Flush("doc-z", []byte("secret"), key); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if _, err := store.Load("doc-z", wrongKey); err != cryptoutil.ErrAuthFail {
		t.Errorf("expected ErrAuthFail, got %v", err)
	}

	if _, err := os.Stat(store.pathFor("doc-z")); err != nil {
		t.Errorf("expected file to survive decrypt failure: %v", err)
	}
}

func TestStoreListPersisted(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	key := testKey(5)
	rooms := []string{"doc-a", "doc-b", "workspace-meta:team1"}
	for _, r := range rooms {
		if err := store.Flush(r, []byte("state-"+r), key); err != nil {
			t.Fatalf("Flush(%s) failed: %v", r, err)
		}
	}

	got, err := store.ListPersisted()
	if err != nil {
		t.Fatalf("ListPersisted failed: %v", err)
	}

	want := map[string]bool{"doc-a": true, "doc-b": true, "workspace-meta:team1": true}
	if len(got) != len(want) {
		t.Fatalf("got %d rooms, want %d", len(got), len(want))
	}
	for _, r := range got {
		if !want[r] {
			t.Errorf("unexpected room in listing: %s", r)
		}
	}
}

func TestStoreDeleteIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	if err := store.Delete("never-existed"); err != nil {
		t.Errorf("Delete on missing room should be a no-op, got %v", err)
	}

	key := testKey(6)
	store.Flush("doc-gone", []byte("bye"), key)
	if err := store.Delete("doc-gone"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete("doc-gone"); err != nil {
		t.Errorf("second Delete should be a no-op, got %v", err)
	}
}

func TestOpenRejectsSecondProcessOnSameDir(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	if _, err := Open(dir); err == nil {
		t.Error("expected second Open on the same dir to fail while the first holds the lock")
	}
}

func TestOpenCreatesDir(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "nested", "persistence")

	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("expected dir to be created: %v", err)
	}
}
