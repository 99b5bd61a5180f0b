package storage

import (
	"context"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/partvault/partvault/internal/errs"
	"github.com/partvault/partvault/internal/metrics"
)

// RetryConfig controls the exponential backoff applied around every
// Engine operation.
type RetryConfig struct {
	MaxAttempts    int
	MaxInterval    time.Duration
	InitialBackoff time.Duration
}

// DefaultRetryConfig matches the defaults applied by internal/config.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		MaxInterval:    30 * time.Second,
		InitialBackoff: 200 * time.Millisecond,
	}
}

// backoff returns the delay before attempt n (1-indexed), capped at
// cfg.MaxInterval.
func (cfg RetryConfig) backoff(attempt int) time.Duration {
	d := time.Duration(float64(cfg.InitialBackoff) * math.Pow(2, float64(attempt-1)))
	if d > cfg.MaxInterval {
		d = cfg.MaxInterval
	}
	return d
}

// rebuilder discards and recreates an engine's underlying transport
// client. Called when a connection-level failure is classified as
// rebuild-worthy, guarded by rebuildMu so two goroutines never rebuild
// concurrently.
type rebuilder interface {
	rebuildClient(ctx context.Context) error
}

// retryOp classifies errors and decides whether a connection-level
// failure should trigger a client rebuild before the next attempt.
type retryOp struct {
	cfg           RetryConfig
	op            string
	rebuildMu     *sync.Mutex
	rebuilder     rebuilder
	isConnFailure func(error) bool
	isRebuildable func(error) bool
}

// run executes fn up to cfg.MaxAttempts times, retrying only on errors
// isConnFailure classifies as connection-level. Non-retryable errors
// return immediately.
func (r retryOp) run(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errs.NewCancelError(err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !r.isConnFailure(lastErr) {
			return errs.NewStorageError(r.op, "", lastErr)
		}

		metrics.StorageRetries.WithLabelValues(r.op).Inc()

		if r.rebuilder != nil && r.isRebuildable(lastErr) {
			r.rebuildMu.Lock()
			rebuildErr := r.rebuilder.rebuildClient(ctx)
			r.rebuildMu.Unlock()
			if rebuildErr == nil {
				metrics.StorageClientRebuilds.Inc()
			}
		}

		if attempt == r.cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return errs.NewCancelError(ctx.Err())
		case <-time.After(r.cfg.backoff(attempt)):
		}
	}
	return errs.NewStorageError(r.op, "", lastErr)
}

// isTransportFailure reports whether err looks like a connection reset,
// DNS failure, timeout, or other client-side I/O error rather than an
// application-level rejection (e.g. not-found, access-denied).
func isTransportFailure(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if ok := asNetError(err, &netErr); ok {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"connection reset", "connection refused", "broken pipe",
		"no such host", "i/o timeout", "eof", "tls handshake",
		"unexpected eof", "temporary failure",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// asNetError is a small indirection over errors.As so tests can exercise
// isTransportFailure without constructing real net.Errors.
func asNetError(err error, target *net.Error) bool {
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if ne, ok := e.(net.Error); ok {
			*target = ne
			return true
		}
		u, ok := e.(unwrapper)
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return false
}

// ProxyResolver resolves a proxy host to dial through, validating it via
// DNS lookup before use. A nil resolver disables proxying.
type ProxyResolver func(ctx context.Context) (string, error)

// ResolveProxy calls resolver and validates the returned host resolves,
// retrying once on an unresolvable hostname.
func ResolveProxy(ctx context.Context, resolver ProxyResolver) (string, error) {
	if resolver == nil {
		return "", nil
	}
	host, err := resolver(ctx)
	if err != nil {
		return "", err
	}
	if host == "" {
		return "", nil
	}
	if _, err := net.DefaultResolver.LookupHost(ctx, hostOnly(host)); err != nil {
		host, err = resolver(ctx)
		if err != nil {
			return "", err
		}
		if _, err := net.DefaultResolver.LookupHost(ctx, hostOnly(host)); err != nil {
			return "", err
		}
	}
	return host, nil
}

func hostOnly(hostport string) string {
	h, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return h
}

// chunkKeys splits keys into groups of at most size.
func chunkKeys(keys []string, size int) [][]string {
	if size <= 0 {
		size = len(keys)
		if size == 0 {
			size = 1
		}
	}
	var chunks [][]string
	for i := 0; i < len(keys); i += size {
		end := i + size
		if end > len(keys) {
			end = len(keys)
		}
		chunks = append(chunks, keys[i:end])
	}
	return chunks
}
