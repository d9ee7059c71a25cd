// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package remote

import (
	"context"
	"sync"
	"time"
)

// bandwidthLimiter is a token-bucket refilled by a ticker, generalized
// from the teacher's storage/ratelimit.go package-level globals into an
// instance so a process can run more than one rate-limited store without
// them sharing a budget.
type bandwidthLimiter struct {
	mu        sync.Mutex
	cond      *sync.Cond
	available int
	perSecond int
	stop      chan struct{}
}

func newBandwidthLimiter(bytesPerSecond int) *bandwidthLimiter {
	l := &bandwidthLimiter{perSecond: bytesPerSecond, stop: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)

	ticker := time.NewTicker(125 * time.Millisecond)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-ticker.C:
				l.mu.Lock()
				// Release 1/8th of the per-second budget every eighth of a
				// second, with a little slop subtracted for protocol
				// overhead so the sustained rate stays under the limit.
				l.available += bytesPerSecond * 94 / 100 / 8
				if l.available > bytesPerSecond {
					l.available = bytesPerSecond
				}
				l.cond.Broadcast()
				l.mu.Unlock()
			}
		}
	}()
	return l
}

func (l *bandwidthLimiter) take(want int) int {
	l.mu.Lock()
	for l.available <= 0 {
		l.cond.Wait()
	}
	n := want
	if n > l.available {
		n = l.available
	}
	l.available -= n
	l.mu.Unlock()
	return n
}

func (l *bandwidthLimiter) close() {
	close(l.stop)
}

// RateLimitOptions bounds a RateLimited store's sustained throughput.
// Zero means unlimited in that direction.
type RateLimitOptions struct {
	UploadBytesPerSecond   int
	DownloadBytesPerSecond int
}

// RateLimited wraps a Store so Put/Get bodies are throttled to a sustained
// byte rate, supplementing the teacher's storage/ratelimit.go (there,
// applied to the io.Reader wrapping a file upload/download; here, applied
// directly to the blob since Store's interface is whole-blob, not
// streaming). A nil Options pointer passed to NewRateLimited disables
// limiting in both directions.
type RateLimited struct {
	Store
	up   *bandwidthLimiter
	down *bandwidthLimiter
}

// NewRateLimited wraps store according to opts. opts may be nil, meaning
// no limiting.
func NewRateLimited(store Store, opts *RateLimitOptions) *RateLimited {
	rl := &RateLimited{Store: store}
	if opts == nil {
		return rl
	}
	if opts.UploadBytesPerSecond > 0 {
		rl.up = newBandwidthLimiter(opts.UploadBytesPerSecond)
	}
	if opts.DownloadBytesPerSecond > 0 {
		rl.down = newBandwidthLimiter(opts.DownloadBytesPerSecond)
	}
	return rl
}

// Close stops the background refill goroutines. Safe to call even if no
// limiting was configured.
func (rl *RateLimited) Close() {
	if rl.up != nil {
		rl.up.close()
	}
	if rl.down != nil {
		rl.down.close()
	}
}

func (rl *RateLimited) Put(ctx context.Context, blob []byte, tags Tags) (string, error) {
	if rl.up != nil {
		throttle(rl.up, len(blob))
	}
	return rl.Store.Put(ctx, blob, tags)
}

func (rl *RateLimited) Get(ctx context.Context, url string) ([]byte, error) {
	blob, err := rl.Store.Get(ctx, url)
	if rl.down != nil && err == nil {
		throttle(rl.down, len(blob))
	}
	return blob, err
}

// throttle blocks until the limiter's budget has covered n bytes worth of
// transfer, in chunks no larger than what's currently available.
func throttle(l *bandwidthLimiter, n int) {
	for n > 0 {
		got := l.take(n)
		n -= got
	}
}
