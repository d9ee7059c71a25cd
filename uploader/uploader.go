// Package uploader implements C5: the upload protocol that chunks a
// source file, deduplicates against the global pool, encrypts and
// uploads new chunks under bounded concurrency, and persists progress
// into the manifest after every chunk so an interrupted sync can resume.
package uploader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/duskline/dust/digest"
	"github.com/duskline/dust/envelope"
	"github.com/duskline/dust/gear"
	"github.com/duskline/dust/internal/logx"
	"github.com/duskline/dust/manifest"
	"github.com/duskline/dust/remote"
)

// maxAdvisoryEnvelopeSize is the post-encryption size above which Sync
// logs a warning: the remote's free tier spec.md assumes is priced by
// the 100KB threshold, so anything bigger than that is advisory, not an
// error (the remote may simply charge more).
const maxAdvisoryEnvelopeSize = 100 * 1024

// Config bounds Sync's chunk sizing and parallelism.
type Config struct {
	// ChunkKB is the maximum plaintext chunk size in KB (each envelope
	// adds NonceSize+TagSize bytes on top); spec.md
	// §4.5 derives the CDC config from it as max=KB*1024, avg=max/2,
	// min=avg/4. Defaults to 90.
	ChunkKB int
	// Concurrency bounds how many chunk uploads run at once. Defaults to 3.
	Concurrency int
	// Now, if set, overrides time.Now for NewVersion's timestamp (tests).
	Now func() time.Time
}

// DefaultConfig returns spec.md's defaults: 90KB chunks, concurrency 3.
func DefaultConfig() Config {
	return Config{ChunkKB: 90, Concurrency: 3}
}

func (c Config) normalized() Config {
	if c.ChunkKB <= 0 {
		c.ChunkKB = 90
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

func (c Config) cdcConfig() gear.Config {
	max := uint32(c.ChunkKB) * 1024
	avg := max / 2
	min := avg / 4
	return gear.Config{Min: min, Avg: avg, Max: max}
}

// Uploader runs the upload protocol against a manifest and a remote
// store. Log may be nil.
type Uploader struct {
	Store remote.Store
	Log   *logx.Logger
	Cfg   Config
}

// New returns an Uploader with cfg normalized against its defaults.
func New(store remote.Store, log *logx.Logger, cfg Config) *Uploader {
	return &Uploader{Store: store, Log: log, Cfg: cfg.normalized()}
}

// Sync implements spec.md §4.5's upload protocol steps 1-6 against the
// file at path, using key to encrypt new chunks. m is mutated and saved
// incrementally as chunks are resolved; the caller owns m's lifetime
// (single-writer discipline) and should not mutate it concurrently.
//
// On any terminal chunk-task error, the targeted version is left pending
// and the error is returned; the manifest reflects every chunk that did
// complete, so the next Sync call with unchanged input resumes exactly
// where this one stopped.
func (u *Uploader) Sync(ctx context.Context, m *manifest.Manifest, path string, key []byte) (*manifest.Version, error) {
	fileHash, totalSize, err := hashFile(path)
	if err != nil {
		return nil, fmt.Errorf("uploader: hash %s: %w", path, err)
	}

	resolution, v := m.Resolve(fileHash)
	switch resolution {
	case manifest.ResolutionNoop:
		u.Log.Verbose("uploader: %s already backed up as version %d, nothing to do", path, v.Number)
		return v, nil
	case manifest.ResolutionResume:
		u.Log.Verbose("uploader: resuming pending version %d for %s", v.Number, path)
	case manifest.ResolutionNewVersion:
		v, err = m.NewVersion(fileHash, totalSize, u.Cfg.Now())
		if err != nil {
			return nil, fmt.Errorf("uploader: new version: %w", err)
		}
		u.Log.Verbose("uploader: opened version %d for %s", v.Number, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("uploader: open %s: %w", path, err)
	}
	defer f.Close()

	chunker := gear.New(f, u.Cfg.cdcConfig())

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(u.Cfg.Concurrency)

	var readErr error
	for i := 0; ; i++ {
		chunk, err := chunker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			readErr = fmt.Errorf("uploader: reading %s: %w", path, err)
			break
		}

		index := i
		if ph, ok := m.ChunkAt(v, index); ok {
			if _, inPool := m.Lookup(ph); inPool {
				u.Log.Debug("uploader: position %d already resolved, skipping", index)
				continue
			}
		}

		group.Go(func() error {
			return u.resolveChunk(gctx, m, v, index, chunk, key)
		})
	}

	waitErr := group.Wait()
	if readErr != nil {
		u.Log.Error("uploader: sync of %s failed, version %d left pending: %s", path, v.Number, readErr)
		return v, readErr
	}
	if waitErr != nil {
		u.Log.Error("uploader: sync of %s failed, version %d left pending: %s", path, v.Number, waitErr)
		return v, waitErr
	}

	if err := m.Complete(v); err != nil {
		return v, fmt.Errorf("uploader: complete version %d: %w", v.Number, err)
	}
	u.Log.Print("uploader: version %d of %s completed (%d chunks)", v.Number, filepath.Base(path), len(v.Chunks))
	return v, nil
}

// resolveChunk handles one chunk position per spec.md §4.5 step 5: a
// dedup hit records the existing pool entry with no network traffic; a
// miss encrypts, uploads, and inserts a fresh pool entry. Retries, if
// any, are the Store's concern (a Store wrapped in remote.Retrying) —
// resolveChunk calls Put exactly once and treats any error as terminal.
func (u *Uploader) resolveChunk(ctx context.Context, m *manifest.Manifest, v *manifest.Version, index int, chunk []byte, key []byte) error {
	ph := digest.PH(chunk)

	if _, ok := m.Lookup(ph); ok {
		u.Log.Debug("uploader: chunk %d dedup hit (%s)", index, ph)
		return m.SetChunk(v, index, ph)
	}

	env, err := envelope.Seal(key, chunk)
	if err != nil {
		return fmt.Errorf("encrypt chunk %d: %w", index, err)
	}
	if len(env) > maxAdvisoryEnvelopeSize {
		u.Log.Warning("uploader: chunk %d envelope is %d bytes, over the %d byte advisory threshold", index, len(env), maxAdvisoryEnvelopeSize)
	}

	ch := digest.CH(env)
	url, err := u.Store.Put(ctx, env, remote.Tags{"ph": ph})
	if err != nil {
		return fmt.Errorf("upload chunk %d: %w", index, err)
	}

	if err := m.Insert(ph, ch, url, int64(len(chunk))); err != nil {
		return fmt.Errorf("pool insert chunk %d: %w", index, err)
	}
	if err := m.SetChunk(v, index, ph); err != nil {
		return fmt.Errorf("set chunk %d: %w", index, err)
	}

	u.Log.Debug("uploader: chunk %d uploaded (%s -> %s)", index, ph, url)
	return nil
}

// Progress reports how many of v's chunk positions discovered so far
// have been resolved, for a dry-run status line on a resumed sync. The
// total is the number of positions reserved up to now, not the file's
// eventual chunk count, which isn't known until a sync finishes chunking.
func Progress(v *manifest.Version) (done, total int) {
	for _, ph := range v.Chunks {
		total++
		if ph != "" {
			done++
		}
	}
	return done, total
}

func hashFile(path string) (hash string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
