package manifest

import (
	"context"
	"fmt"

	"github.com/duskline/dust/digest"
	"github.com/duskline/dust/envelope"
	"github.com/duskline/dust/remote"
)

// Verify walks every pool entry and confirms its url is reachable in
// store and that the fetched envelope's ciphertext digest still matches
// the recorded CH. If key is non-nil, it also decrypts each envelope and
// confirms the plaintext digest matches the entry's PH — the full
// ciphertext-then-plaintext chain a manifest owner (who holds the key)
// can check without a privileged remote GC pass; spec.md §1 Non-goals
// exclude orphan detection, so this never looks for pool entries with no
// referencing version. It walks the pool only: version chunk positions
// whose PH has no pool entry are not reported.
//
// Verify does not abort on the first problem: it collects every error it
// finds and returns them all, mirroring the teacher's Fsck, which logs
// and continues rather than stopping at the first bad blob.
func (m *Manifest) Verify(ctx context.Context, store remote.Store, key []byte) []error {
	m.mu.Lock()
	entries := make(map[string]PoolEntry, len(m.Pool))
	for ph, e := range m.Pool {
		entries[ph] = e
	}
	m.mu.Unlock()

	var errs []error
	for ph, e := range entries {
		blob, err := store.Get(ctx, e.URL)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: fetch %s: %w", ph, e.URL, err))
			continue
		}

		if got := digest.CH(blob); got != e.CH {
			errs = append(errs, fmt.Errorf("%s: ciphertext digest mismatch: pool has %s, fetched blob has %s", ph, e.CH, got))
			continue
		}

		if key == nil {
			continue
		}
		plaintext, err := envelope.Open(key, blob)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ph, err))
			continue
		}
		if got := digest.PH(plaintext); got != ph {
			errs = append(errs, fmt.Errorf("%s: plaintext digest mismatch: got %s", ph, got))
		}
	}
	return errs
}
