package envelope

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
)

// sidecarDocument is the on-disk shape of the key-material sidecar:
// spec.md §6 pins it down as { "salt": "<base64 32 bytes>" }.
type sidecarDocument struct {
	Salt string `json:"salt"`
}

// SidecarPath returns the conventional salt sidecar path for a manifest
// at manifestPath: the manifest's name with ".salt" appended.
func SidecarPath(manifestPath string) string {
	return manifestPath + ".salt"
}

// SaveSalt persists salt to path via write-temp-then-rename, matching the
// manifest store's atomic save discipline — losing this file makes every
// chunk encrypted under it permanently unrecoverable, so a half-written
// sidecar is worse than a missing one.
func SaveSalt(path string, salt []byte) error {
	data, err := json.Marshal(sidecarDocument{Salt: base64.StdEncoding.EncodeToString(salt)})
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".salt-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	tmpName = ""
	return nil
}

// LoadSalt reads the salt sidecar at path.
func LoadSalt(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc sidecarDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(doc.Salt)
}

// LoadOrCreateSalt loads the salt sidecar at path, or generates and
// persists a fresh one if it doesn't exist yet.
func LoadOrCreateSalt(path string) ([]byte, error) {
	if _, err := os.Stat(path); err == nil {
		return LoadSalt(path)
	}

	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	if err := SaveSalt(path, salt); err != nil {
		return nil, err
	}
	return salt, nil
}
