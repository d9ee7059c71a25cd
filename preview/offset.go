// Package preview implements the offset-index redesign spec.md §9 flags:
// a per-chunk byte-offset lookup table for a version, built from the
// pool's recorded plaintext chunk lengths, so a seekable preview reader
// can map an arbitrary byte offset to the chunk that contains it without
// assuming a uniform chunk size. That assumption is only valid for
// fixed-size chunking; for content-defined chunking it silently returns
// wrong data, which is the bug this package exists to fix.
package preview

import (
	"sort"

	"github.com/duskline/dust/manifest"
)

// OffsetIndex maps a byte offset within a version's reconstructed file
// to the chunk that contains it. It only covers the prefix of chunks
// whose plaintext length is known; manifests written before PlainLen was
// recorded report that prefix as incomplete via Complete.
type OffsetIndex struct {
	offsets  []int64
	phs      []string
	total    int64
	complete bool
}

// Build walks v's chunk list, reading each chunk's plaintext length from
// m's pool. It stops at the first chunk with an unknown (zero) length —
// the prefix built up to that point is still a valid index over the
// bytes it covers, it just can't answer lookups past them.
func Build(m *manifest.Manifest, v *manifest.Version) *OffsetIndex {
	idx := &OffsetIndex{}

	var cum int64
	complete := true
	for _, ph := range v.Chunks {
		entry, ok := m.Lookup(ph)
		if !ok || entry.PlainLen <= 0 {
			complete = false
			break
		}
		idx.offsets = append(idx.offsets, cum)
		idx.phs = append(idx.phs, ph)
		cum += entry.PlainLen
	}

	idx.total = cum
	idx.complete = complete && len(idx.offsets) == len(v.Chunks)
	return idx
}

// Complete reports whether the index covers every chunk in the version.
// If false, Len is the length of the usable prefix, not the file size.
func (idx *OffsetIndex) Complete() bool {
	return idx.complete
}

// Len returns the number of bytes the index covers.
func (idx *OffsetIndex) Len() int64 {
	return idx.total
}

// Lookup returns the PH of the chunk containing offset and the byte
// offset within that chunk's plaintext where the requested byte lives.
// ok is false if offset falls outside the indexed prefix.
func (idx *OffsetIndex) Lookup(offset int64) (ph string, within int64, ok bool) {
	if offset < 0 || offset >= idx.total {
		return "", 0, false
	}

	i := sort.Search(len(idx.offsets), func(i int) bool { return idx.offsets[i] > offset }) - 1
	if i < 0 {
		return "", 0, false
	}
	return idx.phs[i], offset - idx.offsets[i], true
}
