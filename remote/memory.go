package remote

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/duskline/dust/internal/logx"
)

// MemoryStore keeps every blob in RAM, keyed by a counter-based URL. It
// exists purely for tests of code built on top of Store, the same role
// the teacher's storage.NewMemory plays for storage.Backend.
type MemoryStore struct {
	log *logx.Logger

	mu    sync.Mutex
	blobs map[string][]byte
	next  int64
	stats Stats
}

// NewMemoryStore returns an empty MemoryStore. log may be nil.
func NewMemoryStore(log *logx.Logger) *MemoryStore {
	return &MemoryStore{log: log, blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Put(ctx context.Context, blob []byte, tags Tags) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := atomic.AddInt64(&m.next, 1)
	url := fmt.Sprintf("memory://%d", id)
	dup := make([]byte, len(blob))
	copy(dup, blob)
	m.blobs[url] = dup

	m.stats.BytesPut += int64(len(blob))
	m.stats.ObjectsPut++
	m.log.Debug("memory: put %s (%d bytes)", url, len(blob))
	return url, nil
}

func (m *MemoryStore) Get(ctx context.Context, url string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.blobs[url]
	if !ok {
		return nil, ErrNotFound
	}
	m.stats.BytesGot += int64(len(b))
	m.stats.ObjectsGot++

	dup := make([]byte, len(b))
	copy(dup, b)
	return dup, nil
}

// Corrupt flips the first byte of the blob at url, for tamper-detection
// tests (spec.md S5): callers expect the next Get-then-decrypt to fail
// AEAD authentication.
func (m *MemoryStore) Corrupt(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.blobs[url]; ok && len(b) > 0 {
		b[0] ^= 0xFF
	}
}

func (m *MemoryStore) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
