package manifest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/duskline/dust/digest"
	"github.com/duskline/dust/envelope"
	"github.com/duskline/dust/remote"
)

func TestNewVersionAndSetChunkPersist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.sync.dust")
	m := New(path, "file.bin")

	v, err := m.NewVersion("abc123", 42, time.Now())
	if err != nil {
		t.Fatalf("NewVersion: %v", err)
	}
	if err := m.SetChunk(v, 0, "ph0"); err != nil {
		t.Fatalf("SetChunk: %v", err)
	}
	if err := m.Insert("ph0", "ch0", "url0", 10); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Filename != "file.bin" {
		t.Fatalf("got filename %q", loaded.Filename)
	}
	if len(loaded.Versions) != 1 || loaded.Versions[0].Chunks[0] != "ph0" {
		t.Fatalf("round trip lost chunk data: %+v", loaded.Versions)
	}
	if loaded.Pool["ph0"].URL != "url0" {
		t.Fatalf("round trip lost pool entry: %+v", loaded.Pool)
	}
}

func TestInsertIdempotentAndConflict(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "f.sync.dust"), "f.bin")

	if err := m.Insert("ph", "ch", "url", 5); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := m.Insert("ph", "ch", "url", 5); err != nil {
		t.Fatalf("idempotent re-insert should succeed: %v", err)
	}
	if err := m.Insert("ph", "ch-different", "url2", 5); err == nil {
		t.Fatal("expected ErrPoolConflict for a differing CH on the same PH")
	}
}

func TestResolveDecisions(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "f.sync.dust"), "f.bin")

	if res, v := m.Resolve("newhash"); res != ResolutionNewVersion || v != nil {
		t.Fatalf("expected ResolutionNewVersion on an empty manifest, got %v", res)
	}

	v1, err := m.NewVersion("hash-a", 10, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if res, v := m.Resolve("hash-a"); res != ResolutionResume || v != v1 {
		t.Fatalf("expected ResolutionResume for the pending version's hash, got %v", res)
	}

	m.SetChunk(v1, 0, "ph")
	m.Insert("ph", "ch", "url", 1)
	if err := m.Complete(v1); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res, v := m.Resolve("hash-a"); res != ResolutionNoop || v != v1 {
		t.Fatalf("expected ResolutionNoop once the matching version is completed, got %v", res)
	}
	if res, _ := m.Resolve("hash-b"); res != ResolutionNewVersion {
		t.Fatalf("expected ResolutionNewVersion for an unrelated hash, got %v", res)
	}
}

func TestCompleteRejectsUnsetPositions(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "f.sync.dust"), "f.bin")
	v, _ := m.NewVersion("h", 10, time.Now())
	v.ensureLen(3)
	v.Chunks[0] = "ph0"

	if err := m.Complete(v); err != ErrIncompleteVersion {
		t.Fatalf("expected ErrIncompleteVersion, got %v", err)
	}
}

func TestSetChunkAllowsOutOfOrderCompletion(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "f.sync.dust"), "f.bin")
	v, err := m.NewVersion("h", 3, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	// SetChunk imposes no ordering between positions: a bounded concurrent
	// uploader can finish a dedup hit at a later index before a slow
	// network upload at an earlier one completes.
	if err := m.SetChunk(v, 2, "ph2"); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.ChunkAt(v, 0); ok {
		t.Fatal("position 0 should still be unset")
	}
	if ph, ok := m.ChunkAt(v, 2); !ok || ph != "ph2" {
		t.Fatalf("position 2 should already be set, got (%s, %v)", ph, ok)
	}

	if err := m.Complete(v); err != ErrIncompleteVersion {
		t.Fatalf("expected ErrIncompleteVersion with a gap still open, got %v", err)
	}

	if err := m.SetChunk(v, 1, "ph1"); err != nil {
		t.Fatal(err)
	}
	if err := m.SetChunk(v, 0, "ph0"); err != nil {
		t.Fatal(err)
	}
	if err := m.Complete(v); err != nil {
		t.Fatalf("expected completion once every position is filled regardless of order: %v", err)
	}
}

func TestLoadDecodesLegacySingleVersionLayout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.dust")

	legacy := legacyDocument{
		Filename:  "f.bin",
		TotalSize: 20,
		FileHash:  "deadbeef",
		Chunks: []legacyChunk{
			{Part: 1, Hash: "ch1", PlainHash: "ph1", URL: "url1"},
			{Part: 0, Hash: "ch0", PlainHash: "ph0", URL: "url0"},
		},
	}
	data, err := json.Marshal(legacy)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !m.Legacy {
		t.Fatal("expected Legacy to be set for the single-version layout")
	}
	if len(m.Versions) != 1 {
		t.Fatalf("expected exactly 1 upgraded version, got %d", len(m.Versions))
	}
	v := m.Versions[0]
	if v.Status != StatusCompleted {
		t.Fatalf("expected upgraded version to be completed, got %s", v.Status)
	}
	if v.Chunks[0] != "ph0" || v.Chunks[1] != "ph1" {
		t.Fatalf("expected chunks reordered by part, got %+v", v.Chunks)
	}
	if m.Pool["ph0"].URL != "url0" || m.Pool["ph1"].URL != "url1" {
		t.Fatalf("expected descriptors lifted into the pool, got %+v", m.Pool)
	}
}

func TestVerifyDetectsMissingBlob(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "f.sync.dust"), "f.bin")
	store := remote.NewMemoryStore(nil)

	key, err := envelope.DeriveKey("passphrase", make([]byte, envelope.SaltSize))
	if err != nil {
		t.Fatal(err)
	}

	plaintext := []byte("chunk bytes")
	env, err := envelope.Seal(key, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	url, err := store.Put(context.Background(), env, nil)
	if err != nil {
		t.Fatal(err)
	}
	ph := digest.PH(plaintext)
	if err := m.Insert(ph, digest.CH(env), url, int64(len(plaintext))); err != nil {
		t.Fatal(err)
	}

	// A clean manifest should verify with no errors.
	if errs := m.Verify(context.Background(), store, key); len(errs) != 0 {
		t.Fatalf("expected a clean Verify, got %v", errs)
	}

	// Insert a second entry pointing at a URL the store doesn't have.
	if err := m.Insert("ph-dangling", "ch-dangling", "memory://missing", 5); err != nil {
		t.Fatal(err)
	}
	errs := m.Verify(context.Background(), store, key)
	if len(errs) != 1 {
		t.Fatalf("expected exactly 1 error for the dangling entry, got %v", errs)
	}
}

func TestVerifyDetectsWrongKey(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "f.sync.dust"), "f.bin")
	store := remote.NewMemoryStore(nil)

	key, err := envelope.DeriveKey("passphrase", make([]byte, envelope.SaltSize))
	if err != nil {
		t.Fatal(err)
	}

	plaintext := []byte("chunk bytes")
	env, err := envelope.Seal(key, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	url, err := store.Put(context.Background(), env, nil)
	if err != nil {
		t.Fatal(err)
	}
	ph := digest.PH(plaintext)
	if err := m.Insert(ph, digest.CH(env), url, int64(len(plaintext))); err != nil {
		t.Fatal(err)
	}

	// Verifying with a nil key skips the decrypt-and-compare step entirely.
	if errs := m.Verify(context.Background(), store, nil); len(errs) != 0 {
		t.Fatalf("expected a nil key to skip plaintext checks, got %v", errs)
	}

	wrongKey, err := envelope.DeriveKey("a different passphrase", make([]byte, envelope.SaltSize))
	if err != nil {
		t.Fatal(err)
	}
	errs := m.Verify(context.Background(), store, wrongKey)
	if len(errs) != 1 {
		t.Fatalf("expected exactly 1 error for the wrong key, got %v", errs)
	}
}
