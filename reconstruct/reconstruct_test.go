package reconstruct

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/duskline/dust/envelope"
	"github.com/duskline/dust/manifest"
	"github.com/duskline/dust/remote"
	"github.com/duskline/dust/uploader"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := envelope.DeriveKey("correct horse battery staple", bytes.Repeat([]byte{3}, envelope.SaltSize))
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func fixedNow() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

func syncFixture(t *testing.T, dir string, data []byte) (*manifest.Manifest, remote.Store, []byte) {
	t.Helper()
	store := remote.NewMemoryStore(nil)
	m := manifest.New(filepath.Join(dir, "source.bin.sync.dust"), "source.bin")
	key := testKey(t)

	path := filepath.Join(dir, "source.bin")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	u := uploader.New(store, nil, uploader.Config{ChunkKB: 1, Concurrency: 3, Now: fixedNow})
	if _, err := u.Sync(context.Background(), m, path, key); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	return m, store, key
}

func TestRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 200*1024)
	for i := range data {
		data[i] = byte(i % 256)
	}
	m, store, key := syncFixture(t, dir, data)

	r := New(store, nil, DefaultConfig())
	outPath := filepath.Join(dir, "restored.bin")
	v, err := r.Restore(context.Background(), m, 0, key, outPath)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if v.Status != manifest.StatusCompleted {
		t.Fatalf("expected completed version")
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("restored bytes don't match source (lens %d vs %d)", len(got), len(data))
	}
}

func TestRestoreRollbackToEarlierVersion(t *testing.T) {
	dir := t.TempDir()
	store := remote.NewMemoryStore(nil)
	m := manifest.New(filepath.Join(dir, "source.bin.sync.dust"), "source.bin")
	key := testKey(t)
	u := uploader.New(store, nil, uploader.Config{ChunkKB: 1, Concurrency: 3, Now: fixedNow})

	path := filepath.Join(dir, "source.bin")
	v1Data := bytes.Repeat([]byte{0x41}, 10*1024)
	if err := os.WriteFile(path, v1Data, 0600); err != nil {
		t.Fatal(err)
	}
	v1, err := u.Sync(context.Background(), m, path, key)
	if err != nil {
		t.Fatalf("Sync v1: %v", err)
	}

	v2Data := append(bytes.Repeat([]byte{0x42}, 512), v1Data...)
	if err := os.WriteFile(path, v2Data, 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := u.Sync(context.Background(), m, path, key); err != nil {
		t.Fatalf("Sync v2: %v", err)
	}

	r := New(store, nil, DefaultConfig())
	outPath := filepath.Join(dir, "restored_v1.bin")
	if _, err := r.Restore(context.Background(), m, v1.Number, key, outPath); err != nil {
		t.Fatalf("Restore v1: %v", err)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, v1Data) {
		t.Fatalf("rolled-back restore doesn't match v1 source")
	}
}

func TestRestoreTamperDetection(t *testing.T) {
	dir := t.TempDir()
	m, store, key := syncFixture(t, dir, []byte("the quick brown fox jumps over the lazy dog"))

	mem := store.(*remote.MemoryStore)
	var corruptedURL string
	for _, entry := range m.Pool {
		corruptedURL = entry.URL
		break
	}
	mem.Corrupt(corruptedURL)

	r := New(store, nil, DefaultConfig())
	outPath := filepath.Join(dir, "restored.bin")
	_, err := r.Restore(context.Background(), m, 0, key, outPath)
	if err == nil {
		t.Fatal("expected a tamper-detection error")
	}
	if !errors.Is(err, envelope.ErrAuthFailure) {
		t.Fatalf("expected to wrap ErrAuthFailure, got %v", err)
	}

	if _, statErr := os.Stat(outPath); statErr == nil {
		t.Fatal("output file should not exist after a fatal integrity failure")
	}
}

func TestRestoreDetectsManifestTampering(t *testing.T) {
	dir := t.TempDir()
	m, store, key := syncFixture(t, dir, []byte("the quick brown fox jumps over the lazy dog once more for good measure"))

	// Point the first chunk position at a PH that has no pool entry at
	// all, simulating a manifest edited to reference a chunk that was
	// never actually uploaded under that digest.
	m.Versions[0].Chunks[0] = "00000000000000000000000000000000"

	r := New(store, nil, DefaultConfig())
	outPath := filepath.Join(dir, "restored.bin")
	_, err := r.Restore(context.Background(), m, 0, key, outPath)
	if !errors.Is(err, ErrIntegrityFatal) {
		t.Fatalf("expected ErrIntegrityFatal, got %v", err)
	}
}

func TestRestoreDetectsPlaintextDigestMismatch(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 4*1024)
	for i := range data {
		data[i] = byte(i % 251)
	}
	m, store, key := syncFixture(t, dir, data)

	if len(m.Pool) < 2 {
		t.Fatalf("expected at least 2 distinct chunks, got %d", len(m.Pool))
	}

	// Find two chunk positions with different PH, then rebind the first
	// position's pool entry to the second's: the blob it points to is
	// real and decrypts cleanly, but the plaintext it decrypts to hashes
	// to phB, not the phA it's filed under.
	v := m.Versions[0]
	phA, phB := v.Chunks[0], v.Chunks[1]
	if phA == phB {
		t.Fatal("test fixture needs two positions with distinct PH")
	}

	m.Pool[phA] = m.Pool[phB]

	r := New(store, nil, DefaultConfig())
	outPath := filepath.Join(dir, "restored.bin")
	_, err := r.Restore(context.Background(), m, 0, key, outPath)
	if !errors.Is(err, ErrIntegrityFatal) {
		t.Fatalf("expected ErrIntegrityFatal for a decryptable chunk under the wrong PH, got %v", err)
	}
}

func TestOutputNaming(t *testing.T) {
	if got := SingleVersionOutputName("foo.txt"); got != "restored_foo.txt" {
		t.Fatalf("got %q", got)
	}
	if got := VersionedOutputName("foo.txt", 3); got != "restored_v3_foo.txt" {
		t.Fatalf("got %q", got)
	}
}
