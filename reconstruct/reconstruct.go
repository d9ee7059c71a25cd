// Package reconstruct implements C6: pulling a version's chunks back
// from the remote store, verifying them at three levels of severity, and
// streaming the result into an output file under a bounded memory
// envelope.
package reconstruct

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/duskline/dust/digest"
	"github.com/duskline/dust/envelope"
	"github.com/duskline/dust/internal/logx"
	"github.com/duskline/dust/manifest"
	"github.com/duskline/dust/remote"
)

// ErrNoCompletedVersion is returned by Restore when asked for the latest
// completed version and none exists.
var ErrNoCompletedVersion = errors.New("reconstruct: no completed version")

// ErrIntegrityFatal is returned when a chunk's plaintext digest doesn't
// match the PH the manifest recorded for it — spec.md §4.6's third and
// most serious integrity check, since the AEAD tag already verified the
// bytes weren't corrupted in flight; a mismatch here means the manifest
// itself pointed at the wrong chunk, i.e. tampering.
var ErrIntegrityFatal = errors.New("reconstruct: plaintext digest mismatch, manifest may be tampered with")

// ErrVersionNotFound is returned when the requested version number
// doesn't exist or isn't completed.
var ErrVersionNotFound = errors.New("reconstruct: version not found or not completed")

// Config bounds the parallel-gather mode's fetch concurrency.
type Config struct {
	// Concurrency bounds concurrent chunk fetches in parallel-gather
	// mode. Defaults to 5. Ignored in strict-streaming mode, which is
	// always a single sequential fetch loop by construction.
	Concurrency int
}

// DefaultConfig returns spec.md's default restore concurrency of 5.
func DefaultConfig() Config {
	return Config{Concurrency: 5}
}

func (c Config) normalized() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	return c
}

// Reconstructor restores a version from a manifest and remote store.
// Log may be nil.
type Reconstructor struct {
	Store remote.Store
	Log   *logx.Logger
	Cfg   Config
}

// New returns a Reconstructor with cfg normalized against its defaults.
func New(store remote.Store, log *logx.Logger, cfg Config) *Reconstructor {
	return &Reconstructor{Store: store, Log: log, Cfg: cfg.normalized()}
}

// SingleVersionOutputName returns spec.md §4.6's output naming for a
// single-version (legacy) manifest restore.
func SingleVersionOutputName(filename string) string {
	return "restored_" + filename
}

// VersionedOutputName returns spec.md §4.6's output naming for a
// versioned restore of a specific version number.
func VersionedOutputName(filename string, versionNumber int) string {
	return fmt.Sprintf("restored_v%d_%s", versionNumber, filename)
}

// Restore reconstructs the chosen version (0 meaning "latest completed")
// from m into outputPath, decrypting with key. It picks strict-streaming
// mode for a legacy (single-version) manifest and parallel-gather mode
// otherwise, per spec.md §4.6. The output is written to a temp file next
// to outputPath and renamed into place only on success; any fatal
// integrity failure leaves outputPath untouched.
func (r *Reconstructor) Restore(ctx context.Context, m *manifest.Manifest, versionNumber int, key []byte, outputPath string) (*manifest.Version, error) {
	v, err := pickVersion(m, versionNumber)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(outputPath)
	tmp, err := os.CreateTemp(dir, ".restore-*.tmp")
	if err != nil {
		return nil, err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	var restoreErr error
	var sum [32]byte
	if m.Legacy {
		sum, restoreErr = r.restoreStrict(ctx, m, v, key, tmp)
	} else {
		sum, restoreErr = r.restoreParallel(ctx, m, v, key, tmp)
	}
	if restoreErr != nil {
		cleanup()
		return v, restoreErr
	}

	if err := tmp.Sync(); err != nil {
		cleanup()
		return v, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return v, err
	}

	if got := hex.EncodeToString(sum[:]); got != v.FileHash {
		r.Log.Error("reconstruct: final file hash mismatch for version %d: manifest has %s, reconstructed %s; keeping output", v.Number, v.FileHash, got)
	}

	os.Remove(outputPath)
	if err := os.Rename(tmpName, outputPath); err != nil {
		os.Remove(tmpName)
		return v, err
	}

	r.Log.Print("reconstruct: restored version %d to %s", v.Number, outputPath)
	return v, nil
}

func pickVersion(m *manifest.Manifest, versionNumber int) (*manifest.Version, error) {
	var v *manifest.Version
	if versionNumber == 0 {
		v = m.LatestCompleted()
	} else {
		v = m.VersionByNumber(versionNumber)
		if v != nil && v.Status != manifest.StatusCompleted {
			v = nil
		}
	}
	if v == nil {
		if versionNumber == 0 {
			return nil, ErrNoCompletedVersion
		}
		return nil, fmt.Errorf("%w: version %d", ErrVersionNotFound, versionNumber)
	}
	return v, nil
}

// fetchChunk implements spec.md §4.6's integrity checks in severity
// order: a ciphertext digest mismatch only warns (the AEAD tag is
// authoritative), an AEAD authentication failure is fatal, and a
// plaintext digest mismatch against PH is fatal.
func (r *Reconstructor) fetchChunk(ctx context.Context, m *manifest.Manifest, ph string, key []byte) ([]byte, error) {
	entry, ok := m.Lookup(ph)
	if !ok {
		return nil, fmt.Errorf("%w: chunk %s not in pool", ErrIntegrityFatal, ph)
	}

	blob, err := r.Store.Get(ctx, entry.URL)
	if err != nil {
		return nil, fmt.Errorf("reconstruct: fetch %s: %w", ph, err)
	}

	if got := digest.CH(blob); got != entry.CH {
		r.Log.Warning("reconstruct: chunk %s ciphertext digest mismatch (pool %s, fetched %s); proceeding, AEAD tag is authoritative", ph, entry.CH, got)
	}

	plaintext, err := envelope.Open(key, blob)
	if err != nil {
		return nil, fmt.Errorf("reconstruct: chunk %s: %w", ph, err)
	}

	if got := digest.PH(plaintext); got != ph {
		return nil, fmt.Errorf("%w: chunk claims %s, decrypts to %s", ErrIntegrityFatal, ph, got)
	}
	return plaintext, nil
}

func (r *Reconstructor) restoreStrict(ctx context.Context, m *manifest.Manifest, v *manifest.Version, key []byte, out *os.File) ([32]byte, error) {
	h := sha256.New()
	for i, ph := range v.Chunks {
		plaintext, err := r.fetchChunk(ctx, m, ph, key)
		if err != nil {
			return [32]byte{}, fmt.Errorf("chunk %d: %w", i, err)
		}
		if _, err := out.Write(plaintext); err != nil {
			return [32]byte{}, err
		}
		h.Write(plaintext)
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// restoreParallel fetches chunks with bounded concurrency and reassembles
// them in order, following the same out-of-order-results-into-a-map
// pattern as the teacher's parallelReader: completed fetches land in
// pending until the next sequential index appears, and are written and
// dropped as soon as they are next in order. This is not a hard memory
// bound: while an early chunk is still being fetched, later results
// accumulate in pending.
func (r *Reconstructor) restoreParallel(ctx context.Context, m *manifest.Manifest, v *manifest.Version, key []byte, out *os.File) ([32]byte, error) {
	n := len(v.Chunks)
	type result struct {
		index int
		data  []byte
	}

	results := make(chan result, r.Cfg.Concurrency)
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(r.Cfg.Concurrency)

	// Launch from a separate goroutine so this one can drain results while
	// fetches are still being submitted; otherwise workers blocked on a
	// full results channel would never free a slot for the next launch.
	waitDone := make(chan error, 1)
	go func() {
		for i, ph := range v.Chunks {
			i, ph := i, ph
			group.Go(func() error {
				data, err := r.fetchChunk(gctx, m, ph, key)
				if err != nil {
					return fmt.Errorf("chunk %d: %w", i, err)
				}
				select {
				case results <- result{i, data}:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		}
		waitDone <- group.Wait()
		close(results)
	}()

	pending := make(map[int][]byte)
	next := 0
	h := sha256.New()
	var writeErr error

	for res := range results {
		pending[res.index] = res.data
		for {
			data, ok := pending[next]
			if !ok {
				break
			}
			if writeErr == nil {
				if _, err := out.Write(data); err != nil {
					writeErr = err
				} else {
					h.Write(data)
				}
			}
			delete(pending, next)
			next++
		}
	}

	if err := <-waitDone; err != nil {
		return [32]byte{}, err
	}
	if writeErr != nil {
		return [32]byte{}, writeErr
	}
	if next != n {
		return [32]byte{}, fmt.Errorf("reconstruct: reassembled %d of %d chunks", next, n)
	}

	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum, nil
}
