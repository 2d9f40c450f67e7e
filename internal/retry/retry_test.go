package retry

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var fastConfig = Config{
	MaxRetries:     3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     2 * time.Millisecond,
	Timeout:        time.Second,
}

func TestIsTransient_Patterns(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", errors.New("request timeout"), true},
		{"503 api error", errors.New("API error 503: upstream"), true},
		{"rate limit", errors.New("Rate Limit exceeded"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"unauthorized", errors.New("API error 401: forbidden"), false},
		{"bad request", errors.New("invalid symbol"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Fatalf("IsTransient(%v)=%v want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestNextBackoff_GrowsAndCaps(t *testing.T) {
	next := nextBackoff(4*time.Millisecond, 10*time.Millisecond) // base 6ms, jitter < 1.5ms
	if next < 6*time.Millisecond || next >= 7500*time.Microsecond {
		t.Fatalf("unexpected backoff %v", next)
	}
	capped := nextBackoff(8*time.Millisecond, 10*time.Millisecond) // base capped at 10ms
	if capped < 10*time.Millisecond || capped >= 12500*time.Microsecond {
		t.Fatalf("unexpected capped backoff %v", capped)
	}
	if got := nextBackoff(0, time.Second); got != 0 {
		t.Fatalf("zero backoff should stay zero, got %v", got)
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	var calls int32
	got, err := Do(context.Background(), fastConfig, quietLogger(), "orders", func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 7, nil
	})
	if err != nil || got != 7 {
		t.Fatalf("got %v, %v", got, err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	got, err := Do(context.Background(), fastConfig, quietLogger(), "orders", func(context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return "", errors.New("connection reset by peer")
		}
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("got %q, %v", got, err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_FailsFastOnPermanentError(t *testing.T) {
	var calls int32
	permanent := errors.New("API error 401: unauthorized")
	_, err := Do(context.Background(), fastConfig, quietLogger(), "orders", func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected wrapped permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_StopsAfterMaxRetries(t *testing.T) {
	var calls int32
	_, err := Do(context.Background(), fastConfig, quietLogger(), "orders", func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, errors.New("API error 502: bad gateway")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != int32(fastConfig.MaxRetries+1) {
		t.Fatalf("expected %d calls, got %d", fastConfig.MaxRetries+1, calls)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int32
	_, err := Do(ctx, fastConfig, quietLogger(), "orders", func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("op should not run on a canceled context, ran %d times", calls)
	}
}

func TestDo_TimeoutDuringBackoff(t *testing.T) {
	cfg := Config{MaxRetries: 5, InitialBackoff: 200 * time.Millisecond, MaxBackoff: time.Second, Timeout: 20 * time.Millisecond}
	_, err := Do(context.Background(), cfg, quietLogger(), "orders", func(context.Context) (int, error) {
		return 0, errors.New("timeout")
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
