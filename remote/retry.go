package remote

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/duskline/dust/internal/logx"
)

// RetryPolicy parameters, per spec.md §4.5: up to Attempts tries, each
// delay drawn from [BaseMin, BaseMax) plus uniform jitter in [0, Jitter).
type RetryPolicy struct {
	Attempts int
	BaseMin  time.Duration
	BaseMax  time.Duration
	Jitter   time.Duration
}

// DefaultRetryPolicy matches spec.md §4.5 exactly: 3 attempts, base delay
// 1000-2000ms, jitter up to 500ms.
var DefaultRetryPolicy = RetryPolicy{
	Attempts: 3,
	BaseMin:  1000 * time.Millisecond,
	BaseMax:  2000 * time.Millisecond,
	Jitter:   500 * time.Millisecond,
}

// Retrying wraps a Store with spec.md §9's "one retry combinator layered
// over the remote adapter": each Put/Get is attempted up to Policy.Attempts
// times, with a randomized delay between attempts. Errors between retries
// are logged but not surfaced; only the final attempt's error propagates,
// wrapped in ErrFatal.
type Retrying struct {
	Store
	Policy RetryPolicy
	log    *logx.Logger
}

// NewRetrying wraps store with policy. log may be nil; intermediate
// warnings then still go to stderr, as with any nil *logx.Logger.
func NewRetrying(store Store, policy RetryPolicy, log *logx.Logger) *Retrying {
	return &Retrying{Store: store, Policy: policy, log: log}
}

func (r *Retrying) delay() time.Duration {
	span := r.Policy.BaseMax - r.Policy.BaseMin
	base := r.Policy.BaseMin
	if span > 0 {
		base += time.Duration(rand.Int63n(int64(span)))
	}
	if r.Policy.Jitter > 0 {
		base += time.Duration(rand.Int63n(int64(r.Policy.Jitter)))
	}
	return base
}

func (r *Retrying) run(op string, f func() error) error {
	var lastErr error
	for attempt := 1; attempt <= r.Policy.Attempts; attempt++ {
		lastErr = f()
		if lastErr == nil {
			return nil
		}
		if attempt == r.Policy.Attempts {
			break
		}
		r.log.Warning("remote: %s attempt %d/%d failed: %s", op, attempt, r.Policy.Attempts, lastErr)
		time.Sleep(r.delay())
	}
	return fmt.Errorf("%w: %s: %v", ErrFatal, op, lastErr)
}

func (r *Retrying) Put(ctx context.Context, blob []byte, tags Tags) (string, error) {
	var url string
	err := r.run("put", func() error {
		u, err := r.Store.Put(ctx, blob, tags)
		if err == nil {
			url = u
		}
		return err
	})
	return url, err
}

func (r *Retrying) Get(ctx context.Context, url string) ([]byte, error) {
	var blob []byte
	err := r.run("get", func() error {
		b, err := r.Store.Get(ctx, url)
		if err == nil {
			blob = b
		}
		return err
	})
	return blob, err
}
