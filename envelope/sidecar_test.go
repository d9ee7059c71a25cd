package envelope

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveLoadSaltRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := SidecarPath(filepath.Join(dir, "f.sync.dust"))

	salt, err := NewSalt()
	if err != nil {
		t.Fatal(err)
	}
	if err := SaveSalt(path, salt); err != nil {
		t.Fatalf("SaveSalt: %v", err)
	}

	got, err := LoadSalt(path)
	if err != nil {
		t.Fatalf("LoadSalt: %v", err)
	}
	if !bytes.Equal(got, salt) {
		t.Fatalf("round trip mismatch: got %x, want %x", got, salt)
	}
}

func TestSidecarPathAppendsSaltSuffix(t *testing.T) {
	if got := SidecarPath("foo.sync.dust"); got != "foo.sync.dust.salt" {
		t.Fatalf("got %q", got)
	}
}

func TestLoadOrCreateSaltCreatesOnce(t *testing.T) {
	dir := t.TempDir()
	path := SidecarPath(filepath.Join(dir, "f.sync.dust"))

	first, err := LoadOrCreateSalt(path)
	if err != nil {
		t.Fatalf("first LoadOrCreateSalt: %v", err)
	}
	if len(first) != SaltSize {
		t.Fatalf("expected a %d-byte salt, got %d", SaltSize, len(first))
	}

	second, err := LoadOrCreateSalt(path)
	if err != nil {
		t.Fatalf("second LoadOrCreateSalt: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("expected the second call to load the persisted salt, not generate a new one")
	}
}

func TestLoadSaltMissingFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadSalt(filepath.Join(dir, "missing.salt")); err == nil {
		t.Fatal("expected an error for a missing sidecar")
	}
	if _, err := os.Stat(filepath.Join(dir, "missing.salt")); err == nil {
		t.Fatal("LoadSalt should not create the file it failed to read")
	}
}
