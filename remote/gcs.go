// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package remote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"strings"
	"sync"

	gcs "cloud.google.com/go/storage"

	"github.com/duskline/dust/internal/logx"
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// GCSOptions configures a GCSStore.
type GCSOptions struct {
	BucketName string
	// Prefix is prepended to every object name this store writes,
	// letting several manifests share one bucket without collision.
	Prefix string
}

// GCSStore is a Store backed by a Google Cloud Storage bucket, adapted
// from the teacher's gcsFileStorage: buffer the blob, upload to a
// temporary object, double-check the CRC32C GCS reports against the one
// computed locally, then commit by copying the temporary object onto its
// final name. Objects are named by the SHA-256 of the blob, matching
// DiskStore, so Put is idempotent and two independent stores never
// collide on the same object name. Unlike the teacher, there is no
// pack-file layer — every chunk is already individually encrypted and
// addressed by the pool, so each Put is exactly one GCS object.
type GCSStore struct {
	log        *logx.Logger
	ctx        context.Context
	bucket     *gcs.BucketHandle
	bucketName string
	prefix     string

	mu    sync.Mutex
	stats Stats
}

// NewGCSStore returns a GCSStore using client against the bucket named
// in opts. The caller owns client's lifetime (Close it when done).
func NewGCSStore(ctx context.Context, client *gcs.Client, opts GCSOptions, log *logx.Logger) *GCSStore {
	return &GCSStore{
		log:        log,
		ctx:        ctx,
		bucket:     client.Bucket(opts.BucketName),
		bucketName: opts.BucketName,
		prefix:     opts.Prefix,
	}
}

func (g *GCSStore) objectName(digest string) string {
	name := "chunks/" + digest
	if g.prefix != "" {
		name = g.prefix + "/" + name
	}
	return name
}

func (g *GCSStore) Put(ctx context.Context, blob []byte, tags Tags) (string, error) {
	sum := sha256.Sum256(blob)
	digest := hex.EncodeToString(sum[:])
	name := g.objectName(digest)

	obj := g.bucket.Object(name)
	if _, err := obj.Attrs(ctx); err == nil {
		g.log.Debug("gcs: %s already present, skipping upload", digest)
		return "gs://" + g.bucketName + "/" + name, nil
	} else if err != gcs.ErrObjectNotExist {
		return "", err
	}

	tmpName := name + ".tmp"
	tmpObj := g.bucket.Object(tmpName)

	g.log.Verbose("gcs: starting upload %s (%d bytes)", name, len(blob))

	w := tmpObj.NewWriter(ctx)
	w.ChunkSize = 256 * 1024
	if _, err := io.Copy(w, bytes.NewReader(blob)); err != nil {
		w.Close()
		tmpObj.Delete(ctx)
		return "", err
	}
	if err := w.Close(); err != nil {
		tmpObj.Delete(ctx)
		return "", err
	}
	defer tmpObj.Delete(ctx)

	localCRC := crc32.Checksum(blob, castagnoliTable)
	if gotCRC := w.Attrs().CRC32C; gotCRC != localCRC {
		return "", fmt.Errorf("remote: gcs CRC32C mismatch for %s: local %d, remote %d", tmpName, localCRC, gotCRC)
	}

	copier := obj.CopierFrom(tmpObj)
	copier.ContentType = "application/octet-stream"
	if _, err := copier.Run(ctx); err != nil {
		return "", err
	}

	g.log.Verbose("gcs: finished upload %s", name)

	g.mu.Lock()
	g.stats.BytesPut += int64(len(blob))
	g.stats.ObjectsPut++
	g.mu.Unlock()

	return "gs://" + g.bucketName + "/" + name, nil
}

func (g *GCSStore) Get(ctx context.Context, url string) ([]byte, error) {
	name, err := g.objectNameFromURL(url)
	if err != nil {
		return nil, err
	}

	r, err := g.bucket.Object(name).NewReader(ctx)
	if err == gcs.ErrObjectNotExist {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()

	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.stats.BytesGot += int64(len(b))
	g.stats.ObjectsGot++
	g.mu.Unlock()

	return b, nil
}

func (g *GCSStore) objectNameFromURL(url string) (string, error) {
	prefix := "gs://" + g.bucketName + "/"
	if !strings.HasPrefix(url, prefix) {
		return "", fmt.Errorf("remote: %q is not a gs:// url in this bucket", url)
	}
	return strings.TrimPrefix(url, prefix), nil
}

func (g *GCSStore) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}
