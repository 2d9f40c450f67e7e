// Package retry re-runs idempotent broker reads that fail transiently, with
// capped, jittered exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config bounds the retry loop.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration // overall budget across attempts
}

// DefaultConfig suits broker history reads.
var DefaultConfig = Config{
	MaxRetries:     2,
	InitialBackoff: 250 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	Timeout:        8 * time.Second,
}

func (c Config) sanitized() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff < 0 {
		c.InitialBackoff = 0
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultConfig.Timeout
	}
	return c
}

// Do runs op until it succeeds, fails with a non-transient error, exhausts
// its retries, or the context or overall timeout ends.
func Do[T any](ctx context.Context, cfg Config, logger logrus.FieldLogger, name string,
	op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	cfg = cfg.sanitized()
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	opCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%s canceled: %w", name, ctx.Err())
		}
		if opCtx.Err() != nil {
			return zero, fmt.Errorf("%s timed out after %v: %w", name, cfg.Timeout, opCtx.Err())
		}

		res, err := op(opCtx)
		if err == nil {
			return res, nil
		}
		lastErr = err

		log := logger.WithFields(logrus.Fields{"operation": name, "attempt": attempt + 1})
		if !IsTransient(err) || attempt == cfg.MaxRetries {
			log.WithError(err).Debug("Broker call failed")
			break
		}
		log.WithError(err).WithField("backoff", backoff).Debug("Transient broker error, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
			backoff = nextBackoff(backoff, cfg.MaxBackoff)
		case <-opCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return zero, fmt.Errorf("%s canceled during backoff: %w", name, ctx.Err())
			}
			return zero, fmt.Errorf("%s timed out during backoff: %w", name, opCtx.Err())
		}
	}

	return zero, fmt.Errorf("%s failed: %w", name, lastErr)
}

// nextBackoff grows d by 1.5x up to limit and adds up to 25% jitter.
func nextBackoff(d, limit time.Duration) time.Duration {
	next := time.Duration(float64(d) * 1.5)
	if next > limit {
		next = limit
	}

	maxJitter := int64(next / 4)
	if maxJitter > 0 {
		if j, err := rand.Int(rand.Reader, big.NewInt(maxJitter)); err == nil {
			next += time.Duration(j.Int64())
		}
	}
	return next
}

var transientPatterns = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"temporary failure",
	"server error",
	"rate limit",
	"429", // Too Many Requests
	"502", // Bad Gateway
	"503", // Service Unavailable
	"504", // Gateway Timeout
	"network",
	"dns",
	"tcp",
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
