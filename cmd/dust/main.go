// cmd/dust/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// dust is the thin argv-driven CLI surface spec.md §6 describes: it wires
// the manifest, envelope, remote, uploader, and reconstruct packages
// together but contains no logic of its own beyond argument dispatch. No
// flag-parsing library is used, matching spec.md §1's explicit exclusion
// of CLI argument parsing from the core.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	gcs "cloud.google.com/go/storage"

	"github.com/duskline/dust/envelope"
	"github.com/duskline/dust/internal/logx"
	"github.com/duskline/dust/manifest"
	"github.com/duskline/dust/reconstruct"
	"github.com/duskline/dust/remote"
	"github.com/duskline/dust/uploader"
)

const usage = `usage:
  dust upload <file> <passphrase> [chunk-kb]
  dust restore <manifest> [version|latest] <passphrase>
`

func main() {
	log := logx.New(false, false)

	if len(os.Args) < 2 {
		fatal(usage)
	}

	var err error
	switch os.Args[1] {
	case "upload":
		err = runUpload(log, os.Args[2:])
	case "restore":
		err = runRestore(log, os.Args[2:])
	default:
		fatal(usage)
	}

	if err != nil {
		log.Error("dust: %v", err)
		os.Exit(1)
	}
}

func fatal(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f, args...)
	os.Exit(1)
}

// runUpload implements `dust upload <file> <passphrase> [chunk-kb]`. It
// derives the manifest path from the source file's name, loading an
// existing versioned manifest if one is present and creating a fresh one
// otherwise, then hands off to uploader.Sync.
func runUpload(log *logx.Logger, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		fatal(usage)
	}
	path := args[0]
	passphrase := args[1]

	chunkKB := 0
	if len(args) == 3 {
		kb, err := strconv.Atoi(args[2])
		if err != nil || kb <= 0 {
			return fmt.Errorf("bad chunk-kb %q", args[2])
		}
		chunkKB = kb
	}

	if _, err := os.Stat(path); err != nil {
		return err
	}

	manifestPath := manifest.VersionedPath(path)
	sidecarPath := envelope.SidecarPath(manifestPath)

	salt, err := envelope.LoadOrCreateSalt(sidecarPath)
	if err != nil {
		return fmt.Errorf("key material: %w", err)
	}
	key, err := envelope.DeriveKey(passphrase, salt)
	if err != nil {
		return fmt.Errorf("key derivation: %w", err)
	}

	var m *manifest.Manifest
	if manifest.Exists(manifestPath) {
		m, err = manifest.Load(manifestPath)
		if err != nil {
			log.Warning("dust: %s is unreadable (%v); starting a fresh manifest", manifestPath, err)
			m = manifest.New(manifestPath, filepath.Base(path))
		}
	} else {
		m = manifest.New(manifestPath, filepath.Base(path))
	}

	store, err := defaultStore(log)
	if err != nil {
		return err
	}

	u := uploader.New(store, log, uploader.Config{ChunkKB: chunkKB})
	v, err := u.Sync(context.Background(), m, path, key)
	if err != nil {
		return err
	}

	done, total := uploader.Progress(v)
	log.Print("dust: version %d of %s: %d/%d chunks, status %s", v.Number, m.Filename, done, total, v.Status)
	return nil
}

// runRestore implements `dust restore <manifest> [version|latest] <passphrase>`.
func runRestore(log *logx.Logger, args []string) error {
	if len(args) != 2 && len(args) != 3 {
		fatal(usage)
	}
	manifestPath := args[0]

	versionArg := "latest"
	passphrase := args[1]
	if len(args) == 3 {
		versionArg = args[1]
		passphrase = args[2]
	}

	versionNumber := 0
	if versionArg != "latest" {
		n, err := strconv.Atoi(versionArg)
		if err != nil || n <= 0 {
			return fmt.Errorf("bad version %q", versionArg)
		}
		versionNumber = n
	}

	m, err := manifest.Load(manifestPath)
	if err != nil {
		return fmt.Errorf("manifest: %w", err)
	}

	sidecarPath := envelope.SidecarPath(manifestPath)
	salt, err := envelope.LoadSalt(sidecarPath)
	if err != nil {
		return fmt.Errorf("key material: %w", err)
	}
	key, err := envelope.DeriveKey(passphrase, salt)
	if err != nil {
		return fmt.Errorf("key derivation: %w", err)
	}

	store, err := defaultStore(log)
	if err != nil {
		return err
	}

	resolved, err := resolveVersion(m, versionNumber)
	if err != nil {
		return err
	}

	r := reconstruct.New(store, log, reconstruct.DefaultConfig())
	v, err := r.Restore(context.Background(), m, versionNumber, key, outputPathFor(m, resolved))
	if err != nil {
		return err
	}
	log.Print("dust: restored version %d of %s", v.Number, m.Filename)
	return nil
}

// resolveVersion picks the same version reconstruct.Restore will pick, so
// the output filename can be computed from its real number instead of the
// raw CLI argument (0 meaning "latest").
func resolveVersion(m *manifest.Manifest, versionNumber int) (*manifest.Version, error) {
	if versionNumber == 0 {
		v := m.LatestCompleted()
		if v == nil {
			return nil, reconstruct.ErrNoCompletedVersion
		}
		return v, nil
	}
	v := m.VersionByNumber(versionNumber)
	if v == nil || v.Status != manifest.StatusCompleted {
		return nil, fmt.Errorf("%w: version %d", reconstruct.ErrVersionNotFound, versionNumber)
	}
	return v, nil
}

// outputPathFor names the restored file per spec.md §4.6: any restore from
// a versioned manifest gets restored_v<N>_<filename>, with N the actually
// resolved version number, not the raw "latest" argument. Only a legacy
// single-version manifest gets the unversioned restored_<filename> name.
func outputPathFor(m *manifest.Manifest, v *manifest.Version) string {
	if m.Legacy {
		return reconstruct.SingleVersionOutputName(m.Filename)
	}
	return reconstruct.VersionedOutputName(m.Filename, v.Number)
}

// defaultStore picks the remote backend from the environment: a
// DUST_GCS_BUCKET variable selects Google Cloud Storage, otherwise a
// local content-addressed directory under DUST_DIR (default ".dust-store")
// is used. Either way, Put/Get are wrapped in retry-with-backoff, per
// spec.md §4.5's retry policy for remote transient errors.
func defaultStore(log *logx.Logger) (remote.Store, error) {
	var store remote.Store
	if bucket := os.Getenv("DUST_GCS_BUCKET"); bucket != "" {
		client, err := gcs.NewClient(context.Background())
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		store = remote.NewGCSStore(context.Background(), client, remote.GCSOptions{
			BucketName: bucket,
			Prefix:     os.Getenv("DUST_GCS_PREFIX"),
		}, log)
	} else {
		dir := os.Getenv("DUST_DIR")
		if dir == "" {
			dir = ".dust-store"
		}
		disk, err := remote.NewDiskStore(dir, log)
		if err != nil {
			return nil, fmt.Errorf("disk store: %w", err)
		}
		store = disk
	}
	return remote.NewRetrying(store, remote.DefaultRetryPolicy, log), nil
}
